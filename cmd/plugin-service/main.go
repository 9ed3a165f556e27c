// Command plugin-service runs the Plugin Service: the HTTP process that
// owns plugin subprocess lifecycle, artifact packaging, and the
// plugin-runner callback API.
//
// Usage:
//
//	plugin-service [flags]
//
// Flags:
//
//	-binary string     Path to the plugin runner binary
//	-verbose           Enable debug logging
//	-pretty            Use human-readable console logging
//	-version           Print version and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minion-security/minion/internal/minionconfig"
	"github.com/minion-security/minion/internal/minionlog"
	"github.com/minion-security/minion/internal/pluginservice"
	"github.com/minion-security/minion/internal/pluginsession"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	var (
		binaryPath  = flag.String("binary", "", "Path to the plugin runner binary")
		verbose     = flag.Bool("verbose", false, "Enable debug logging")
		pretty      = flag.Bool("pretty", false, "Use human-readable console logging")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("plugin-service %s (%s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := minionconfig.LoadPluginService()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logLevel := cfg.LogLevel
	if *verbose {
		logLevel = "debug"
	}
	minionlog.Initialize("plugin-service", logLevel, *pretty)
	log := minionlog.Log

	if err := os.MkdirAll(cfg.WorkDirectoryRoot, 0755); err != nil {
		log.Fatal().Err(err).Msg("creating work directory root")
	}

	svc := pluginservice.New(pluginservice.Config{
		WorkDirectoryRoot: cfg.WorkDirectoryRoot,
		BinaryPath:        *binaryPath,
		SelfBaseURL:       "http://localhost" + cfg.ListenAddr,
		StopGrace:         time.Duration(cfg.StopGracePeriodSeconds) * time.Second,
		Debug:             *verbose,
		Logger:            minionlog.Component("pluginservice"),
	})
	registerPlugins(svc)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: svc.Router(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("plugin service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server error")
			cancel()
		}
	}()

	<-ctx.Done()

	log.Info().Msg("stopping live plugin sessions")
	svc.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// registerPlugins enumerates the static plugin class table (spec.md §4.2).
// A production deployment would load this from the same settings file as
// the rest of the config; the set is fixed here since plugin discovery is
// out of scope.
func registerPlugins(svc *pluginservice.Service) {
	svc.Register(pluginsession.Descriptor{Class: "header-check", Name: "HSTSPlugin", Version: "1.0.0"})
	svc.Register(pluginsession.Descriptor{Class: "header-check", Name: "XFrameOptionsPlugin", Version: "1.0.0"})
	svc.Register(pluginsession.Descriptor{Class: "tls-check", Name: "TLSConfigPlugin", Version: "1.0.0"})
}

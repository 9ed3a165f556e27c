// Package pluginservice implements the Plugin Service: the registry of
// known plugin classes plus the collection of live Plugin Sessions, and the
// HTTP surface (public CRUD + plugin-runner callback API) in front of them.
package pluginservice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/minion-security/minion/internal/pluginsession"
)

var (
	ErrNoSuchPlugin  = errors.New("no-such-plugin")
	ErrNoSuchSession = errors.New("no-such-session")
	ErrInvalidState  = errors.New("invalid-state")
)

// Config bundles the fixed, process-wide parameters the service needs.
type Config struct {
	WorkDirectoryRoot string
	BinaryPath        string
	SelfBaseURL       string // injected into spawned runners as --plugin-service-api
	StopGrace         time.Duration
	Debug             bool
	Logger            zerolog.Logger
}

// Service is process-wide state: the plugin-class registry and the live
// session map, both owned by the service object — no globals (spec.md §9
// Design Notes).
type Service struct {
	cfg Config
	log zerolog.Logger

	mu       sync.RWMutex
	plugins  map[string]pluginsession.Descriptor
	sessions map[string]*pluginsession.Session
}

// New constructs an empty Service. Plugin registration happens afterward
// via Register, enumerated statically at startup (spec.md §4.2).
func New(cfg Config) *Service {
	return &Service{
		cfg:      cfg,
		log:      cfg.Logger,
		plugins:  map[string]pluginsession.Descriptor{},
		sessions: map[string]*pluginsession.Session{},
	}
}

// Register adds a plugin class to the registry.
func (s *Service) Register(d pluginsession.Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plugins[d.Name] = d
}

// Plugins returns every registered plugin descriptor.
func (s *Service) Plugins() []pluginsession.Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pluginsession.Descriptor, 0, len(s.plugins))
	for _, d := range s.plugins {
		out = append(out, d)
	}
	return out
}

// Plugin looks up one plugin descriptor by name.
func (s *Service) Plugin(name string) (pluginsession.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.plugins[name]
	if !ok {
		return pluginsession.Descriptor{}, ErrNoSuchPlugin
	}
	return d, nil
}

// CreateSession allocates a new Plugin Session for pluginName. Allocation is
// pure: no child process is spawned until the client PUTs START.
func (s *Service) CreateSession(pluginName string, configuration map[string]interface{}) (*pluginsession.Session, error) {
	s.mu.Lock()
	descriptor, ok := s.plugins[pluginName]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNoSuchPlugin
	}

	id := uuid.NewString()
	sess := pluginsession.New(pluginsession.Config{
		ID:               id,
		PluginName:       pluginName,
		Descriptor:       descriptor,
		Configuration:    configuration,
		WorkRoot:         s.cfg.WorkDirectoryRoot,
		BinaryPath:       s.cfg.BinaryPath,
		PluginServiceAPI: s.cfg.SelfBaseURL,
		StopGrace:        s.cfg.StopGrace,
		Debug:            s.cfg.Debug,
		Logger:           s.log,
		NextIssueID:      uuid.NewString,
	})

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	return sess, nil
}

// Session looks up a live session by id.
func (s *Service) Session(id string) (*pluginsession.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNoSuchSession
	}
	return sess, nil
}

// DeleteSession removes a session, rejecting unless it is in a terminal
// state (spec.md §4.2).
func (s *Service) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNoSuchSession
	}
	if !sess.State().Terminal() {
		return ErrInvalidState
	}
	delete(s.sessions, id)
	return nil
}

// StopAll issues a best-effort cooperative STOP to every session that is
// still STARTED, used during process shutdown so child processes are not
// orphaned by a service restart. CREATED sessions (no child yet) and
// STOPPING sessions (already signalled) are left as they are.
func (s *Service) StopAll() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id, sess := range s.sessions {
		if !sess.State().Terminal() {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range ids {
		sess, err := s.Session(id)
		if err != nil {
			continue
		}
		if sess.State() == pluginsession.StateStarted {
			_, _ = sess.Transition(context.Background(), pluginsession.TransitionStop)
		}
	}
}

package pluginservice

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/minion-security/minion/internal/envelope"
	"github.com/minion-security/minion/internal/pluginsession"
)

// Router builds the gin engine serving both the public session CRUD API
// and the plugin-runner callback API, which share one base (spec.md §6.1).
func (s *Service) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/plugins", s.handleListPlugins)
	r.GET("/plugin/:name", s.handleGetPlugin)
	r.PUT("/session/create/:plugin", s.handleCreateSession)
	r.PUT("/session/:id/state", s.handleSetState)
	r.GET("/session/:id", s.handleGetSession)
	r.DELETE("/session/:id", s.handleDeleteSession)
	r.GET("/session/:id/results", s.handleResults)
	r.GET("/session/:id/artifacts", s.handleArtifacts)

	r.GET("/session/:id/configuration", s.handleRunnerConfiguration)
	r.POST("/session/:id/report/progress", s.handleReportProgress)
	r.POST("/session/:id/report/issues", s.handleReportIssues)
	r.POST("/session/:id/report/artifacts", s.handleReportArtifacts)
	r.POST("/session/:id/report/errors", s.handleReportErrors)
	r.POST("/session/:id/report/finish", s.handleReportFinish)

	return r
}

// requestLogger is a minimal request-log middleware, adapted from the
// teacher's bare-mux health-check shape, narrowed to one log line per
// request instead of a dedicated logging library.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func (s *Service) handleListPlugins(c *gin.Context) {
	descs := s.Plugins()
	c.JSON(http.StatusOK, gin.H{"success": true, "plugins": descs})
}

func (s *Service) handleGetPlugin(c *gin.Context) {
	d, err := s.Plugin(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrNoSuchPlugin))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "plugin": d})
}

func (s *Service) handleCreateSession(c *gin.Context) {
	var configuration map[string]interface{}
	if err := c.ShouldBindJSON(&configuration); err != nil {
		configuration = map[string]interface{}{}
	}
	sess, err := s.CreateSession(c.Param("plugin"), configuration)
	if err != nil {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrNoSuchPlugin))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": sess.Summary()})
}

func (s *Service) handleSetState(c *gin.Context) {
	sess, err := s.Session(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrNoSuchSession))
		return
	}
	raw := readBodyToken(c)
	transition, err := pluginsession.ParseTransition(raw)
	if err != nil {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrUnknownState))
		return
	}
	// The stop-grace-then-SIGKILL escalation in Transition/stopCooperative
	// outlives this handler; it must not inherit the request context, which
	// gin cancels the instant this handler returns (spec.md §4.1/§5 — see
	// service.go's StopAll, which already uses context.Background() for the
	// same reason).
	if _, err := sess.Transition(context.Background(), transition); err != nil {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrUnknownStateTransition))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Service) handleGetSession(c *gin.Context) {
	sess, err := s.Session(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrNoSuchSession))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": sess.Summary()})
}

func (s *Service) handleDeleteSession(c *gin.Context) {
	err := s.DeleteSession(c.Param("id"))
	switch err {
	case nil:
		c.JSON(http.StatusOK, gin.H{"success": true})
	case ErrNoSuchSession:
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrNoSuchSession))
	case ErrInvalidState:
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrInvalidState))
	default:
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrInvalidState))
	}
}

func (s *Service) handleResults(c *gin.Context) {
	sess, err := s.Session(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrNoSuchSession))
		return
	}
	issues := sess.Issues("")
	c.JSON(http.StatusOK, gin.H{"success": true, "session": sess.Summary(), "issues": issues})
}

func (s *Service) handleArtifacts(c *gin.Context) {
	sess, err := s.Session(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrNoSuchSession))
		return
	}
	path := sess.ArtifactZipPath()
	if _, statErr := os.Stat(path); statErr != nil {
		c.Status(http.StatusNotFound)
		return
	}
	c.FileAttachment(path, sess.ID()+".zip")
}

// --- plugin-runner callback handlers ---

func (s *Service) handleRunnerConfiguration(c *gin.Context) {
	sess, err := s.Session(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrNoSuchSession))
		return
	}
	// Raw, not wrapped in the envelope (spec.md §6.1).
	c.JSON(http.StatusOK, sess.Configuration())
}

func (s *Service) handleReportProgress(c *gin.Context) {
	sess, err := s.Session(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrNoSuchSession))
		return
	}
	var progress interface{}
	_ = c.ShouldBindJSON(&progress)
	sess.ReportProgress(progress)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Service) handleReportIssues(c *gin.Context) {
	sess, err := s.Session(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrNoSuchSession))
		return
	}
	var bodies []map[string]interface{}
	_ = c.ShouldBindJSON(&bodies)
	sess.ReportIssues(bodies)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Service) handleReportArtifacts(c *gin.Context) {
	sess, err := s.Session(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrNoSuchSession))
		return
	}
	var posted []struct {
		Name  string   `json:"name"`
		Paths []string `json:"paths"`
	}
	_ = c.ShouldBindJSON(&posted)
	entries := make([]struct {
		Name  string
		Paths []string
	}, len(posted))
	for i, p := range posted {
		entries[i] = struct {
			Name  string
			Paths []string
		}{Name: p.Name, Paths: p.Paths}
	}
	sess.ReportArtifacts(entries)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Service) handleReportErrors(c *gin.Context) {
	sess, err := s.Session(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrNoSuchSession))
		return
	}
	var detail interface{}
	_ = c.ShouldBindJSON(&detail)
	sess.ReportError(detail)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Service) handleReportFinish(c *gin.Context) {
	sess, err := s.Session(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrNoSuchSession))
		return
	}
	var body struct {
		State string `json:"state"`
	}
	if bindErr := c.ShouldBindJSON(&body); bindErr != nil {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrUnknownState))
		return
	}
	target, ok := pluginsession.ParseState(body.State)
	if !ok {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrUnknownState))
		return
	}
	_ = sess.ReportFinish(target)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// readBodyToken reads a PUT /state body, accepting either a bare token
// (START / STOP) or a JSON string literal ("START") for robustness against
// clients that quote it.
func readBodyToken(c *gin.Context) string {
	data, err := c.GetRawData()
	if err != nil {
		return ""
	}
	trimmed := strings.TrimSpace(string(data))
	var quoted string
	if json.Unmarshal([]byte(trimmed), &quoted) == nil {
		return quoted
	}
	return trimmed
}

package taskengine

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/minion-security/minion/internal/envelope"
)

// Router builds the gin engine serving the scan orchestration API
// (spec.md §6.2), narrowed to the same request-log + recovery shape as the
// Plugin Service's router.
func (e *Engine) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(e.log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, e.MetricsSnapshot())
	})

	r.GET("/plans", e.handleListPlans)
	r.GET("/plan/:name", e.handleGetPlan)
	r.PUT("/scan/create/:plan", e.handleCreateScan)
	r.POST("/scan/:id/state", e.handleSetScanState)
	r.GET("/scan/:id", e.handleGetScan)
	r.DELETE("/scan/:id", e.handleDeleteScan)
	r.GET("/scan/:id/results", e.handleScanResults)
	r.GET("/scan/:id/artifacts/:plugin_session_id", e.handleScanArtifacts)

	return r
}

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

func (e *Engine) handleListPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "plans": e.Plans().Summaries()})
}

func (e *Engine) handleGetPlan(c *gin.Context) {
	plan, err := e.ResolvePlan(c.Param("name"))
	if err == ErrNoSuchPlan {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrNoSuchPlan))
		return
	}
	if err != nil {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrNoSuchPlugin))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "plan": plan})
}

func (e *Engine) handleCreateScan(c *gin.Context) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		body = map[string]interface{}{}
	}
	target, err := ValidateConfiguration(body)
	if err != nil {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrInvalidConfiguration))
		return
	}

	scan, err := e.CreateScan(c.Param("plan"), target)
	if err == ErrNoSuchPlan {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrNoSuchPlan))
		return
	}
	if err != nil {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrInvalidConfiguration))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "scan": scan.Summary()})
}

func (e *Engine) handleSetScanState(c *gin.Context) {
	raw := readBodyToken(c)
	transition, err := ParseTransition(raw)
	if err != nil {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrUnknownState))
		return
	}
	if _, err := e.RequestTransition(c.Param("id"), transition); err != nil {
		if err == ErrNoSuchScan {
			c.JSON(http.StatusOK, envelope.Fail(envelope.ErrNoSuchScan))
			return
		}
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrUnknownStateTransition))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (e *Engine) handleGetScan(c *gin.Context) {
	summary, err := e.GetScan(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrNoSuchScan))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "scan": summary})
}

func (e *Engine) handleDeleteScan(c *gin.Context) {
	if err := e.DeleteScan(c.Param("id")); err != nil {
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrNoSuchScan))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (e *Engine) handleScanResults(c *gin.Context) {
	token := c.Query("token")
	summary, next, err := e.Results(c.Param("id"), token)
	if err != nil {
		if err == ErrMalformedToken {
			c.JSON(http.StatusOK, envelope.Fail(envelope.ErrMalformedToken))
			return
		}
		c.JSON(http.StatusOK, envelope.Fail(envelope.ErrNoSuchScan))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "scan": summary, "token": next})
}

func (e *Engine) handleScanArtifacts(c *gin.Context) {
	path, err := e.ArtifactPath(c.Param("id"), c.Param("plugin_session_id"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	c.FileAttachment(path, c.Param("plugin_session_id")+".zip")
}

// readBodyToken mirrors pluginservice's helper: accept either a bare
// transition token or a JSON string literal.
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

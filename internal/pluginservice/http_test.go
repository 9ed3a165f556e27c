package pluginservice

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/minion-security/minion/internal/pluginsession"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	svc := newTestService(t)
	svc.Register(pluginsession.Descriptor{Class: "header-check", Name: "HSTSPlugin", Version: "1.0.0"})
	return svc.Router(), svc
}

func doRequest(r *gin.Engine, method, path string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doRequest(r, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCreateAndGetSessionHandlers(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doRequest(r, http.MethodPut, "/session/create/HSTSPlugin", `{"target":"https://example.com"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d, want 200", rec.Code)
	}
	var created struct {
		Success bool `json:"success"`
		Session struct {
			Id    string `json:"id"`
			State string `json:"state"`
		} `json:"session"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding create response: %v", err)
	}
	if !created.Success || created.Session.State != "CREATED" {
		t.Fatalf("unexpected create response: %+v", created)
	}

	rec = doRequest(r, http.MethodGet, "/session/"+created.Session.Id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}
}

func TestCreateSessionUnknownPluginHandler(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doRequest(r, http.MethodPut, "/session/create/bogus", `{}`)
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Success || resp.Error != "no-such-plugin" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSetStateStartThenStopHandler(t *testing.T) {
	r, svc := newTestRouter(t)

	rec := doRequest(r, http.MethodPut, "/session/create/HSTSPlugin", `{"target":"https://example.com"}`)
	var created struct {
		Session struct {
			Id string `json:"id"`
		} `json:"session"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	rec = doRequest(r, http.MethodPut, "/session/"+created.Session.Id+"/state", "START")
	var started struct {
		Success bool `json:"success"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &started)
	if !started.Success {
		t.Fatalf("START failed: %s", rec.Body.String())
	}

	sess, err := svc.Session(created.Session.Id)
	if err != nil {
		t.Fatalf("Session lookup: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for sess.State() == pluginsession.StateStarted {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for /bin/true to finish")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if sess.State() != pluginsession.StateFinished {
		t.Fatalf("final state = %s, want FINISHED", sess.State())
	}

	// A STOP on an already-terminal (FINISHED) session is an unknown transition.
	rec = doRequest(r, http.MethodPut, "/session/"+created.Session.Id+"/state", "STOP")
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Success || resp.Error != "unknown-state-transition" {
		t.Fatalf("STOP on terminal session: want unknown-state-transition, got %+v", resp)
	}
}

func TestArtifactsMissingReturns404(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doRequest(r, http.MethodPut, "/session/create/HSTSPlugin", `{}`)
	var created struct {
		Session struct {
			Id string `json:"id"`
		} `json:"session"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	rec = doRequest(r, http.MethodGet, "/session/"+created.Session.Id+"/artifacts", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

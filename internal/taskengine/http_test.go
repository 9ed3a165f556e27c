package taskengine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestHTTPEngine(t *testing.T) (*Engine, *fakePluginService) {
	t.Helper()
	fake := newFakePluginService()
	server := fake.server()
	t.Cleanup(server.Close)

	plan := Plan{Name: "tickle", Description: "baseline checks", Workflow: []WorkflowStep{
		{PluginName: "HSTSPlugin"},
	}}
	return newTestEngine(t, server, plan), fake
}

func doJSONRequest(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestTaskEngineHealthz(t *testing.T) {
	engine, _ := newTestHTTPEngine(t)
	rec := doJSONRequest(engine.Router(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestTaskEngineListAndGetPlan(t *testing.T) {
	engine, _ := newTestHTTPEngine(t)
	router := engine.Router()

	rec := doJSONRequest(router, http.MethodGet, "/plans", "")
	var listResp struct {
		Success bool          `json:"success"`
		Plans   []PlanSummary `json:"plans"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !listResp.Success || len(listResp.Plans) != 1 || listResp.Plans[0].Name != "tickle" {
		t.Errorf("unexpected /plans response: %+v", listResp)
	}

	rec = doJSONRequest(router, http.MethodGet, "/plan/tickle", "")
	var getResp struct {
		Success bool         `json:"success"`
		Plan    ResolvedPlan `json:"plan"`
	}
	json.Unmarshal(rec.Body.Bytes(), &getResp)
	if !getResp.Success || len(getResp.Plan.Workflow) != 1 {
		t.Errorf("unexpected /plan/tickle response: %+v", getResp)
	}
	if getResp.Plan.Workflow[0].PluginDescriptor.Name != "HSTSPlugin" {
		t.Errorf("plugin descriptor not resolved: %+v", getResp.Plan.Workflow[0])
	}

	rec = doJSONRequest(router, http.MethodGet, "/plan/bogus", "")
	var failResp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	json.Unmarshal(rec.Body.Bytes(), &failResp)
	if failResp.Success || failResp.Error != "no-such-plan" {
		t.Errorf("unexpected /plan/bogus response: %+v", failResp)
	}
}

func TestTaskEngineCreateScanRejectsBadConfiguration(t *testing.T) {
	engine, _ := newTestHTTPEngine(t)
	router := engine.Router()

	rec := doJSONRequest(router, http.MethodPut, "/scan/create/tickle", `{"target": "not-a-url"}`)
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Success || resp.Error != "invalid-configuration" {
		t.Errorf("bad target: got %+v", resp)
	}

	rec = doJSONRequest(router, http.MethodPut, "/scan/create/tickle", `{"target": "https://example.com", "extra": 1}`)
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Success || resp.Error != "invalid-configuration" {
		t.Errorf("extra key: got %+v", resp)
	}
}

func TestTaskEngineCreateScanUnknownPlan(t *testing.T) {
	engine, _ := newTestHTTPEngine(t)
	rec := doJSONRequest(engine.Router(), http.MethodPut, "/scan/create/bogus", `{"target": "https://example.com"}`)
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Success || resp.Error != "no-such-plan" {
		t.Errorf("got %+v", resp)
	}
}

func TestTaskEngineCreateGetAndSetStateScan(t *testing.T) {
	engine, _ := newTestHTTPEngine(t)
	router := engine.Router()

	rec := doJSONRequest(router, http.MethodPut, "/scan/create/tickle", `{"target": "https://example.com"}`)
	var createResp struct {
		Success bool    `json:"success"`
		Scan    Summary `json:"scan"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &createResp); err != nil {
		t.Fatalf("unmarshal create response: %v", err)
	}
	if !createResp.Success || createResp.Scan.State != StateCreated {
		t.Fatalf("unexpected create response: %+v", createResp)
	}
	scanID := createResp.Scan.Id

	rec = doJSONRequest(router, http.MethodGet, "/scan/"+scanID, "")
	var getResp struct {
		Success bool    `json:"success"`
		Scan    Summary `json:"scan"`
	}
	json.Unmarshal(rec.Body.Bytes(), &getResp)
	if !getResp.Success || getResp.Scan.Id != scanID {
		t.Errorf("unexpected get response: %+v", getResp)
	}

	rec = doJSONRequest(router, http.MethodPost, "/scan/"+scanID+"/state", "START")
	var stateResp struct {
		Success bool `json:"success"`
	}
	json.Unmarshal(rec.Body.Bytes(), &stateResp)
	if !stateResp.Success {
		t.Fatalf("START state transition failed: %s", rec.Body.String())
	}

	rec = doJSONRequest(router, http.MethodPost, "/scan/"+scanID+"/state", "START")
	var failResp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	json.Unmarshal(rec.Body.Bytes(), &failResp)
	if failResp.Success || failResp.Error != "unknown-state-transition" {
		t.Errorf("repeated START: got %+v", failResp)
	}

	rec = doJSONRequest(router, http.MethodPost, "/scan/does-not-exist/state", "START")
	json.Unmarshal(rec.Body.Bytes(), &failResp)
	if failResp.Success || failResp.Error != "no-such-scan" {
		t.Errorf("state transition on unknown scan: got %+v", failResp)
	}
}

func TestTaskEngineDeleteScan(t *testing.T) {
	engine, _ := newTestHTTPEngine(t)
	router := engine.Router()

	rec := doJSONRequest(router, http.MethodPut, "/scan/create/tickle", `{"target": "https://example.com"}`)
	var createResp struct {
		Scan Summary `json:"scan"`
	}
	json.Unmarshal(rec.Body.Bytes(), &createResp)

	rec = doJSONRequest(router, http.MethodDelete, "/scan/"+createResp.Scan.Id, "")
	var resp struct {
		Success bool `json:"success"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Success {
		t.Fatalf("DELETE failed: %s", rec.Body.String())
	}

	// Deleting an absent scan is tolerated, matching the Store's idempotent
	// Delete semantics.
	rec = doJSONRequest(router, http.MethodDelete, "/scan/bogus-id", "")
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Success {
		t.Errorf("DELETE on unknown scan should be tolerated, got %s", rec.Body.String())
	}
}

func TestTaskEngineScanResultsMalformedToken(t *testing.T) {
	engine, _ := newTestHTTPEngine(t)
	router := engine.Router()

	rec := doJSONRequest(router, http.MethodPut, "/scan/create/tickle", `{"target": "https://example.com"}`)
	var createResp struct {
		Scan Summary `json:"scan"`
	}
	json.Unmarshal(rec.Body.Bytes(), &createResp)

	rec = doJSONRequest(router, http.MethodGet, "/scan/"+createResp.Scan.Id+"/results?token=not-base64!!", "")
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Success || resp.Error != "malformed-token" {
		t.Errorf("malformed token: got %+v", resp)
	}

	rec = doJSONRequest(router, http.MethodGet, "/scan/"+createResp.Scan.Id+"/results", "")
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Success {
		t.Errorf("fresh results request should succeed, got %+v", resp)
	}
}

func TestTaskEngineArtifactsMissingReturns404(t *testing.T) {
	engine, _ := newTestHTTPEngine(t)
	router := engine.Router()

	rec := doJSONRequest(router, http.MethodPut, "/scan/create/tickle", `{"target": "https://example.com"}`)
	var createResp struct {
		Scan Summary `json:"scan"`
	}
	json.Unmarshal(rec.Body.Bytes(), &createResp)
	pluginSessionID := createResp.Scan.PluginSessions[0].ID

	rec = doJSONRequest(router, http.MethodGet, "/scan/"+createResp.Scan.Id+"/artifacts/"+pluginSessionID, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestTaskEngineMetricsEndpoint(t *testing.T) {
	engine, _ := newTestHTTPEngine(t)
	rec := doJSONRequest(engine.Router(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal metrics: %v", err)
	}
}

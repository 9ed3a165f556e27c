// Package pluginclient is the Task Engine's HTTP client for the Plugin
// Service. Every reconciliation-loop call site funnels through here so the
// timeout policy (spec.md §5: default 30s) and error wrapping are
// centralized once.
package pluginclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client wraps net/http.Client with the Plugin Service's base URL and a
// fixed request timeout.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client. timeout <= 0 selects the 30s default.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// SessionSummary mirrors pluginsession.Summary's wire shape without
// importing the pluginsession package, keeping the two services'
// compiled artifacts independent — they only share the JSON contract.
type SessionSummary struct {
	Id               string                 `json:"id"`
	PluginName       string                 `json:"plugin_name"`
	PluginDescriptor map[string]interface{} `json:"plugin_descriptor"`
	Configuration    map[string]interface{} `json:"configuration"`
	State            string                 `json:"state"`
	Started          *int64                 `json:"started"`
	Duration         *float64               `json:"duration"`
	Progress         interface{}            `json:"progress"`
	Artifacts        map[string][]string    `json:"artifacts"`
	WorkDirectory    string                 `json:"work_directory"`
}

// PluginDescriptor mirrors pluginsession.Descriptor's wire shape, for the
// same reason SessionSummary does: the two services share only JSON.
type PluginDescriptor struct {
	Class   string `json:"class"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

type pluginEnvelope struct {
	Success bool             `json:"success"`
	Error   string           `json:"error"`
	Plugin  PluginDescriptor `json:"plugin"`
}

type sessionEnvelope struct {
	Success bool           `json:"success"`
	Error   string         `json:"error"`
	Session SessionSummary `json:"session"`
}

type resultsEnvelope struct {
	Success bool                     `json:"success"`
	Error   string                   `json:"error"`
	Session SessionSummary           `json:"session"`
	Issues  []map[string]interface{} `json:"issues"`
}

type plainEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// GetPlugin calls GET /plugin/<name>, used to resolve a plan step's plugin
// descriptor (spec.md §6.2 GET /plan/<name>).
func (c *Client) GetPlugin(name string) (PluginDescriptor, error) {
	var env pluginEnvelope
	if err := c.do(http.MethodGet, "/plugin/"+name, nil, &env); err != nil {
		return PluginDescriptor{}, err
	}
	if !env.Success {
		return PluginDescriptor{}, fmt.Errorf("pluginclient: get plugin: %s", env.Error)
	}
	return env.Plugin, nil
}

// CreateSession calls PUT /session/create/<plugin> with configuration as the body.
func (c *Client) CreateSession(pluginName string, configuration map[string]interface{}) (SessionSummary, error) {
	var env sessionEnvelope
	err := c.do(http.MethodPut, "/session/create/"+pluginName, configuration, &env)
	if err != nil {
		return SessionSummary{}, err
	}
	if !env.Success {
		return SessionSummary{}, fmt.Errorf("pluginclient: create session: %s", env.Error)
	}
	return env.Session, nil
}

// GetSession calls GET /session/<id>.
func (c *Client) GetSession(id string) (SessionSummary, error) {
	var env sessionEnvelope
	if err := c.do(http.MethodGet, "/session/"+id, nil, &env); err != nil {
		return SessionSummary{}, err
	}
	if !env.Success {
		return SessionSummary{}, fmt.Errorf("pluginclient: get session: %s", env.Error)
	}
	return env.Session, nil
}

// SetState calls PUT /session/<id>/state with body "START" or "STOP".
func (c *Client) SetState(id, transition string) error {
	var env plainEnvelope
	if err := c.doRaw(http.MethodPut, "/session/"+id+"/state", []byte(transition), &env); err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("pluginclient: set state: %s", env.Error)
	}
	return nil
}

// Results calls GET /session/<id>/results.
func (c *Client) Results(id string) (SessionSummary, []map[string]interface{}, error) {
	var env resultsEnvelope
	if err := c.do(http.MethodGet, "/session/"+id+"/results", nil, &env); err != nil {
		return SessionSummary{}, nil, err
	}
	if !env.Success {
		return SessionSummary{}, nil, fmt.Errorf("pluginclient: results: %s", env.Error)
	}
	return env.Session, env.Issues, nil
}

// Artifacts calls GET /session/<id>/artifacts and returns the raw zip bytes.
// ok is false if the Plugin Service returned 404 (no artifacts produced).
func (c *Client) Artifacts(id string) (data []byte, ok bool, err error) {
	resp, err := c.http.Get(c.baseURL + "/session/" + id + "/artifacts")
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("pluginclient: artifacts: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}

// DeleteSession calls DELETE /session/<id>.
func (c *Client) DeleteSession(id string) error {
	var env plainEnvelope
	if err := c.do(http.MethodDelete, "/session/"+id, nil, &env); err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("pluginclient: delete session: %s", env.Error)
	}
	return nil
}

func (c *Client) do(method, path string, body interface{}, out interface{}) error {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	return c.doRaw(method, path, raw, out)
}

func (c *Client) doRaw(method, path string, raw []byte, out interface{}) error {
	var reader io.Reader
	if raw != nil {
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

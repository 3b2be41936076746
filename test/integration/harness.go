// Package integration provides a reusable test harness for end-to-end
// integration testing of the qualitrace server. It starts a full HTTP server
// over a chosen snapshot store and a static batch directory.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pitabwire/qualitrace/internal/batch"
	"github.com/pitabwire/qualitrace/internal/config"
	"github.com/pitabwire/qualitrace/internal/location"
	"github.com/pitabwire/qualitrace/internal/observability"
	"github.com/pitabwire/qualitrace/internal/session"
	"github.com/pitabwire/qualitrace/internal/transport"
	"github.com/pitabwire/qualitrace/internal/workflow"
	"github.com/pitabwire/qualitrace/model"
)

// TestHarness encapsulates a fully wired qualitrace instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store    workflow.SnapshotStore
	Engine   *workflow.Engine
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	Clock    *testClock

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	store          workflow.SnapshotStore
	batches        []string
	location       location.Provider
	idleTimeout    time.Duration
	handlerTimeout time.Duration
}

// WithStore replaces the default in-memory snapshot store.
func WithStore(store workflow.SnapshotStore) HarnessOption {
	return func(c *harnessConfig) {
		c.store = store
	}
}

// WithBatches sets the eligible batch ids.
func WithBatches(ids ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.batches = ids
	}
}

// WithStaticLocation makes the server capture a fixed coordinate instead of
// reading it from the request.
func WithStaticLocation(lat, lng float64) HarnessOption {
	return func(c *harnessConfig) {
		c.location = location.NewStatic(lat, lng)
	}
}

// WithIdleTimeout sets the session idle timeout.
func WithIdleTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.idleTimeout = d
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// testClock is a settable clock shared by the engine and session manager.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// NewTestHarness creates and starts a full qualitrace test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		batches:        []string{"CB001", "CB002", "CB003"},
		idleTimeout:    time.Hour,
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if hc.store == nil {
		hc.store = workflow.NewMemorySnapshotStore()
	}

	cfg := config.Defaults()
	cfg.Identity.Issuer = testIssuer
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Session.IdleTimeout = hc.idleTimeout
	cfg.Batches.Eligible = hc.batches

	h := &TestHarness{
		t:        t,
		cfg:      cfg,
		Store:    hc.store,
		Registry: prometheus.NewRegistry(),
		Clock:    &testClock{now: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)},
	}
	h.issuer = newTokenIssuer(t, cfg.Identity)
	h.Metrics = observability.InitMetrics(h.Registry)

	logger := zap.NewNop()
	directory := batch.NewStaticDirectory(hc.batches...)

	// Step 1: Build the engine and session manager.
	h.Engine = workflow.NewEngine(directory, hc.store,
		workflow.WithLogger(logger),
		workflow.WithMetrics(h.Metrics),
		workflow.WithClock(h.Clock.Now),
	)
	h.Sessions = session.NewManager(h.Engine, hc.idleTimeout,
		session.WithLogger(logger),
		session.WithMetrics(h.Metrics),
		session.WithClock(h.Clock.Now),
	)

	// Step 2: Build the router and start the server.
	router := transport.NewRouter(transport.Dependencies{
		Config:   cfg,
		Logger:   logger,
		Metrics:  h.Metrics,
		Sessions: h.Sessions,
		Tokens:   h.issuer.TokenIssuer,
		Batches:  directory,
		Location: hc.location,
		Readiness: observability.ReadinessChecks{
			BatchesLoaded: func() bool { return len(directory.List()) > 0 },
			SnapshotStore: hc.store,
		},
		MetricsHandler: promhttp.HandlerFor(h.Registry, promhttp.HandlerOpts{}),
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// --- Session helpers ---

// LoginResponse is the body returned by POST /testing/sessions.
type LoginResponse struct {
	SessionID string             `json:"session_id"`
	Token     string             `json:"token"`
	ExpiresAt time.Time          `json:"expires_at"`
	View      model.WorkflowView `json:"view"`
}

// CompleteResponse is the body returned by POST /testing/session/complete.
type CompleteResponse struct {
	Result model.StepAdvanceResult `json:"result"`
	View   model.WorkflowView      `json:"view"`
}

// Login starts a session and fails the test if login is rejected.
func (h *TestHarness) Login(batchID, testerID, testerName string) LoginResponse {
	h.t.Helper()
	resp := h.POST("/testing/sessions", map[string]string{
		"batch_id":    batchID,
		"tester_id":   testerID,
		"tester_name": testerName,
	}, "")
	var login LoginResponse
	h.AssertJSON(h.t, resp, http.StatusCreated, &login)
	return login
}

// RecordResult upserts a result on a step and returns the response.
func (h *TestHarness) RecordResult(token, stepID, name, value string) *http.Response {
	h.t.Helper()
	return h.PUT("/testing/session/steps/"+stepID+"/results", map[string]string{"name": name, "value": value}, token)
}

// CaptureLocation reports a device position for the current step.
func (h *TestHarness) CaptureLocation(token string, lat, lng float64) *http.Response {
	h.t.Helper()
	return h.POST("/testing/session/location", map[string]float64{"lat": lat, "lng": lng}, token)
}

// CompleteStep records a result and location on the current step and
// completes it, failing the test on any error.
func (h *TestHarness) CompleteStep(token, stepID string) CompleteResponse {
	h.t.Helper()
	h.AssertStatus(h.t, h.RecordResult(token, stepID, "moisture", "11.2%"), http.StatusOK)
	h.AssertStatus(h.t, h.CaptureLocation(token, -0.4167, 36.95), http.StatusOK)

	var out CompleteResponse
	h.AssertJSON(h.t, h.POST("/testing/session/complete", nil, token), http.StatusOK, &out)
	return out
}

// --- HTTP client helpers ---

// GET performs a GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// GETWithHeaders performs a GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, headers)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// PUT performs a PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPut, path, body, token, nil)
}

// PATCH performs a PATCH request with a JSON body.
func (h *TestHarness) PATCH(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPatch, path, body, token, nil)
}

// DELETE performs a DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and error code of an error response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (%s)", body.Error.Code, code, body.Error.Message)
	}
}

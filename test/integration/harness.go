// Package integration provides a reusable test harness for end-to-end
// testing of the approvals server. It starts a full HTTP server over the
// real engine, with in-memory or miniredis-backed locks and idempotency keys.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/approvals/internal/assignment"
	"github.com/pitabwire/approvals/internal/condition"
	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/graph"
	"github.com/pitabwire/approvals/internal/idempotency"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/transport"
	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
)

// lockPrefix is the Redis key prefix used for request locks.
const lockPrefix = "approvals:lock:"

// TestHarness encapsulates a fully wired approvals server for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Engine    *workflow.Engine
	Store     *workflow.MemoryStore
	Registry  *graph.Registry
	Approvers *assignment.Static
	Metrics   *observability.Metrics
	Gatherer  *prometheus.Registry
	Logs      *observer.ObservedLogs

	// Redis is the miniredis instance behind locks and idempotency keys.
	// Nil unless WithRedis was given.
	Redis *miniredis.Miniredis
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	graphDirs        []string
	assignment       config.AssignmentConfig
	redis            bool
	idempotency      bool
	strictConditions bool
	lockTimeout      time.Duration
	handlerTimeout   time.Duration
}

// WithGraphs sets the graph directories to load.
func WithGraphs(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.graphDirs = dirs
	}
}

// WithAssignment sets the approver assignment configuration.
func WithAssignment(cfg config.AssignmentConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.assignment = cfg
	}
}

// WithRedis backs request locks and idempotency keys with miniredis.
func WithRedis() HarnessOption {
	return func(c *harnessConfig) {
		c.redis = true
	}
}

// WithoutIdempotency disables idempotency-key handling.
func WithoutIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotency = false
	}
}

// WithLenientConditions accepts condition parameters that do not parse.
// Such conditions fail closed at evaluation time.
func WithLenientConditions() HarnessOption {
	return func(c *harnessConfig) {
		c.strictConditions = false
	}
}

// WithLockTimeout bounds how long the engine waits for a request lock.
func WithLockTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.lockTimeout = d
	}
}

// NewTestHarness creates and starts a full test instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		idempotency:      true,
		strictConditions: true,
		lockTimeout:      2 * time.Second,
		handlerTimeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.graphDirs) == 0 {
		hc.graphDirs = []string{filepath.Join(testdataDir(), "graphs")}
	}

	h := &TestHarness{t: t}

	// Step 1: Logger and metrics.
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	h.Logs = logs
	h.Gatherer = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Gatherer)

	// Step 2: Load and validate graphs.
	defs, err := graph.NewLoader().LoadAll(hc.graphDirs)
	if err != nil {
		t.Fatalf("load graphs: %v", err)
	}
	if verrs := graph.NewValidator(hc.strictConditions).Validate(defs); len(verrs) > 0 {
		t.Fatalf("validate graphs: %v", verrs)
	}
	h.Registry = graph.NewRegistry(defs)

	// Step 3: Backends.
	h.Store = workflow.NewMemoryStore()
	var locker workflow.Locker = workflow.NewMemoryLocker()
	var idemStore idempotency.Store
	readiness := []observability.ReadinessCheck{
		observability.GraphCheck(func() int { return len(h.Registry.WorkflowTypes()) }),
	}

	if hc.redis {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { client.Close() })

		redisLocker := workflow.NewRedisLocker(client, lockPrefix, 30*time.Second, 10*time.Millisecond)
		locker = redisLocker
		readiness = append(readiness, observability.ReadinessCheck{Name: "locker", Probe: redisLocker.HealthCheck})
		if hc.idempotency {
			redisIdem := idempotency.NewRedisStore(client)
			idemStore = redisIdem
			readiness = append(readiness, observability.ReadinessCheck{Name: "idempotency_store", Probe: redisIdem.HealthCheck})
		}
	} else if hc.idempotency {
		idemStore = idempotency.NewMemoryStore()
	}

	// Step 4: Engine.
	h.Approvers, err = assignment.NewStatic(h.Registry, hc.assignment)
	if err != nil {
		t.Fatalf("approver assignment: %v", err)
	}
	evaluator := condition.NewEvaluator(condition.WithFailureHook(func(expr string, err error) {
		logger.Warn("condition evaluation failed closed", zap.String("expression", expr), zap.Error(err))
		h.Metrics.RecordConditionFailure()
	}))
	h.Engine = workflow.NewEngine(h.Store, locker, h.Approvers, evaluator,
		workflow.WithLogger(logger),
		workflow.WithRecorder(h.Metrics),
		workflow.WithDefaultWorkflowType("purchase"),
		workflow.WithLockTimeout(hc.lockTimeout),
		workflow.WithStrictConditions(hc.strictConditions),
	)
	for _, def := range defs {
		if err := h.Engine.InstallGraph(context.Background(), def); err != nil {
			t.Fatalf("install graph %s: %v", def.WorkflowType, err)
		}
	}

	// Step 5: Router and server.
	router := transport.NewRouter(transport.Dependencies{
		Engine:         h.Engine,
		Logger:         logger,
		Idempotency:    idemStore,
		Metrics:        h.Metrics,
		Gatherer:       h.Gatherer,
		HandlerTimeout: hc.handlerTimeout,
		Readiness:      readiness,
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

// LockKey returns the Redis key guarding requestID.
func LockKey(requestID string) string {
	return lockPrefix + "request:" + requestID
}

// --- HTTP client helpers ---

// GET performs a GET request on behalf of subject. An empty subject sends
// no identity.
func (h *TestHarness) GET(path, subject string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, subject, nil)
}

// POST performs a POST request with a JSON body on behalf of subject.
func (h *TestHarness) POST(path string, body any, subject string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, subject, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, subject string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, subject, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, subject string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if subject != "" {
		req.Header.Set(transport.HeaderSubjectID, subject)
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
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != expected {
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

// AssertErrorCode checks the status and the envelope code of an error response.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Domain helpers ---

// CreateRequest creates a draft request on behalf of requester.
func (h *TestHarness) CreateRequest(t *testing.T, requester string, input map[string]any) model.Request {
	t.Helper()
	var req model.Request
	h.AssertJSON(t, h.POST("/requests", input, requester), http.StatusCreated, &req)
	return req
}

// SubmitRequest creates and submits a request.
func (h *TestHarness) SubmitRequest(t *testing.T, requester string, input map[string]any) model.Request {
	t.Helper()
	req := h.CreateRequest(t, requester, input)
	var submitted model.Request
	h.AssertJSON(t, h.POST("/requests/"+req.ID+"/submit", nil, requester), http.StatusOK, &submitted)
	return submitted
}

// Request fetches a request by id.
func (h *TestHarness) Request(t *testing.T, requestID string) model.Request {
	t.Helper()
	var req model.Request
	h.AssertJSON(t, h.GET("/requests/"+requestID, "auditor"), http.StatusOK, &req)
	return req
}

// Records lists the approval records of a request, optionally limited to
// one step.
func (h *TestHarness) Records(t *testing.T, requestID, stepID string) []model.ApprovalRecord {
	t.Helper()
	var body struct {
		Items []model.ApprovalRecord `json:"items"`
	}
	h.AssertJSON(t, h.GET("/requests/"+requestID+"/approvals", "auditor"), http.StatusOK, &body)
	if stepID == "" {
		return body.Items
	}
	var out []model.ApprovalRecord
	for _, rec := range body.Items {
		if rec.StepID == stepID {
			out = append(out, rec)
		}
	}
	return out
}

// Record returns the record of approver on stepID, failing the test when
// there is none.
func (h *TestHarness) Record(t *testing.T, requestID, stepID, approver string) model.ApprovalRecord {
	t.Helper()
	for _, rec := range h.Records(t, requestID, stepID) {
		if rec.ApproverID == approver {
			return rec
		}
	}
	t.Fatalf("no record for %s on step %s of request %s", approver, stepID, requestID)
	return model.ApprovalRecord{}
}

// Approve approves the record of approver on stepID.
func (h *TestHarness) Approve(t *testing.T, requestID, stepID, approver string) model.ApprovalRecord {
	t.Helper()
	rec := h.Record(t, requestID, stepID, approver)
	var out model.ApprovalRecord
	h.AssertJSON(t, h.POST("/approvals/"+rec.ID+"/approve", map[string]string{"comment": "ok"}, approver), http.StatusOK, &out)
	return out
}

// StepReady queries the readiness endpoint of a step.
func (h *TestHarness) StepReady(t *testing.T, requestID, stepID string) (ready, complete bool) {
	t.Helper()
	var body struct {
		Ready    bool `json:"ready"`
		Complete bool `json:"complete"`
	}
	h.AssertJSON(t, h.GET("/requests/"+requestID+"/steps/"+stepID+"/ready", "auditor"), http.StatusOK, &body)
	return body.Ready, body.Complete
}

// MetricsText scrapes the metrics endpoint.
func (h *TestHarness) MetricsText(t *testing.T) string {
	t.Helper()
	resp := h.GET("/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	return string(h.ReadBody(resp))
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

func assertEqual(t *testing.T, got, want any, label string) {
	t.Helper()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("%s = %v, want %v", label, got, want)
	}
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidispatch/dispatcher/internal/cancellation"
	"github.com/aidispatch/dispatcher/internal/catalog"
	"github.com/aidispatch/dispatcher/internal/dispatcher"
	"github.com/aidispatch/dispatcher/internal/inference"
	"github.com/aidispatch/dispatcher/internal/logging"
	"github.com/aidispatch/dispatcher/internal/metrics"
	"github.com/aidispatch/dispatcher/internal/registry"
	"github.com/aidispatch/dispatcher/internal/resources"
	"github.com/aidispatch/dispatcher/internal/selector"
	"github.com/aidispatch/dispatcher/internal/status"
)

type echoRunner struct {
	info inference.RunnerInfo
}

func (e *echoRunner) Info() inference.RunnerInfo           { return e.info }
func (e *echoRunner) Capabilities() []inference.Capability { return e.info.Capabilities }
func (e *echoRunner) IsSupported() bool                    { return true }
func (e *echoRunner) Load(context.Context, string, map[string]any, map[string]any) (bool, error) {
	return true, nil
}
func (e *echoRunner) Unload(context.Context) error { return nil }
func (e *echoRunner) IsLoaded() bool                { return true }
func (e *echoRunner) LoadedModelID() string         { return "M1" }
func (e *echoRunner) Run(_ context.Context, req inference.Request) (inference.Result, error) {
	return inference.Result{Outputs: map[string]any{"echo": req.Inputs["text"]}}, nil
}

type noopSettings struct{}

func (noopSettings) LoadSettings(context.Context) (inference.EngineSettings, error) {
	return inference.EngineSettings{}, nil
}
func (noopSettings) SaveSettings(context.Context, inference.EngineSettings) error { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(&echoRunner{info: inference.RunnerInfo{Name: "Echo", Capabilities: []inference.Capability{inference.CapabilityLLM}}}))

	log := logging.Component(logging.New(), "test")
	sel := selector.New(reg)
	statusPub := status.New()
	cancelReg := cancellation.New()
	d := dispatcher.New(log, reg, sel, resources.Static(8), nil, nil, nil, noopSettings{}, cancelReg, statusPub, metrics.NewCollector())

	cat, err := catalog.LoadBytes([]byte(`{"models":[{"id":"m1","runner":"Echo","ramGB":1}]}`))
	require.NoError(t, err)

	return New(log, d, cat, nil, statusPub, cancelReg, nil)
}

func TestHandleInferReturnsRunnerOutput(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"capability": "LLM", "inputs": map[string]any{"text": "hi"}})
	req := httptest.NewRequest(http.MethodPost, "/v1/infer", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hi")
}

func TestHandleInferMissingCapabilityIsBadRequest(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/infer", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStatusReportsCurrentState(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "READY")
}

func TestHandleModelsListsCatalog(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "m1")
}

func TestHandleCancelUnknownIDReturnsFalse(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/cancel/ghost", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "false")
}

func TestUnmatchedRouteReturnsJSONNotFound(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/no-such-route", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "ROUTE_NOT_FOUND")
}

func TestHandleDiskUsageReportsZeroWithoutModelManager(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/df", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "modelsDiskUsage")
}

func TestHandleMetricsServesPrometheusText(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "aid_active_requests")
}

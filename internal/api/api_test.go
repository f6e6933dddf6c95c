package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/zcp/internal/deploy"
	"github.com/qiniu/zcp/internal/fetcher"
	"github.com/qiniu/zcp/internal/history"
	"github.com/qiniu/zcp/internal/operator"
	"github.com/qiniu/zcp/internal/reconcile"
	"github.com/qiniu/zcp/internal/topology/model"
	"github.com/qiniu/zcp/internal/verify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOperator struct {
	topo      *model.Topology
	reconErr  error
	deployErr error
	deployed  [2]string
	diagnosis *verify.Diagnosis
	cached    *verify.Diagnosis
	attempts  []history.AttemptRecord
	lastLimit int
}

func (f *fakeOperator) Topology() (*model.Topology, error) {
	if f.topo == nil {
		return nil, operator.ErrNoTopology
	}
	return f.topo, nil
}

func (f *fakeOperator) Service(hostname string) (*model.Service, error) {
	topo, err := f.Topology()
	if err != nil {
		return nil, err
	}
	if svc := topo.Service(hostname); svc != nil {
		return svc, nil
	}
	return nil, fmt.Errorf("%s: %w", hostname, operator.ErrServiceNotFound)
}

func (f *fakeOperator) Reconcile(context.Context) (*model.Topology, *reconcile.Report, error) {
	if f.reconErr != nil {
		return nil, nil, f.reconErr
	}
	return f.topo, &reconcile.Report{ProjectID: f.topo.Project.ID, Services: len(f.topo.Services), Issues: []model.Issue{}}, nil
}

func (f *fakeOperator) Deploy(_ context.Context, source, target string) (*deploy.ActiveVersion, error) {
	f.deployed = [2]string{source, target}
	if f.deployErr != nil {
		return nil, f.deployErr
	}
	return &deploy.ActiveVersion{Version: "zcp-1", Source: source, TargetServiceID: "s-api", Status: "ACTIVE", Polls: 3}, nil
}

func (f *fakeOperator) Verify(_ context.Context, hostname string) (*verify.Diagnosis, error) {
	if _, err := f.Service(hostname); err != nil {
		return nil, err
	}
	return f.diagnosis, nil
}

func (f *fakeOperator) VerifyAll(context.Context) ([]*verify.Diagnosis, error) {
	if _, err := f.Topology(); err != nil {
		return nil, err
	}
	return []*verify.Diagnosis{f.diagnosis}, nil
}

func (f *fakeOperator) CachedHealth(context.Context, string) (*verify.Diagnosis, error) {
	return f.cached, nil
}

func (f *fakeOperator) RecentAttempts(_ context.Context, limit int) ([]history.AttemptRecord, error) {
	f.lastLimit = limit
	return f.attempts, nil
}

func (f *fakeOperator) RecentReconciles(context.Context, int) ([]history.ReconcileRecord, error) {
	return []history.ReconcileRecord{}, nil
}

func sampleTopology() *model.Topology {
	topo := model.New("proj-1", "demo", time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC))
	topo.Services["apidev"] = &model.Service{Hostname: "apidev", Role: model.RoleDevelopment, ServiceID: "s-apidev"}
	topo.Services["api"] = &model.Service{Hostname: "api", Role: model.RoleStage, ServiceID: "s-api"}
	topo.Services["webdev"] = &model.Service{Hostname: "webdev", Role: model.RoleDevelopment, ServiceID: "s-webdev"}
	topo.Pairs["apidev"] = model.DeploymentPair{Dev: "apidev", Stage: "api"}
	return topo
}

func newTestRouter(op Operator, token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := NewRouter()
	NewApi(op, r, token)
	return r
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error errorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error.Code
}

func TestTopologyRoutes(t *testing.T) {
	op := &fakeOperator{}
	r := newTestRouter(op, "")

	rec := do(r, http.MethodGet, "/v1/topology", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NO_TOPOLOGY", errorCode(t, rec))

	op.topo = sampleTopology()
	rec = do(r, http.MethodGet, "/v1/topology", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var topo model.Topology
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &topo))
	assert.Len(t, topo.Services, 3)

	rec = do(r, http.MethodGet, "/v1/topology/services/api", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"serviceId":"s-api"`)

	rec = do(r, http.MethodGet, "/v1/topology/services/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))

	rec = do(r, http.MethodGet, "/v1/topology/pairs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pairs":[{"dev":"apidev","stage":"api"}],"unpaired":["webdev"]}`, rec.Body.String())
}

func TestReconcileRoute(t *testing.T) {
	op := &fakeOperator{topo: sampleTopology()}
	r := newTestRouter(op, "")

	rec := do(r, http.MethodPost, "/v1/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"services":3`)

	op.reconErr = fmt.Errorf("%w: export: connection refused", fetcher.ErrFatalFetch)
	rec = do(r, http.MethodPost, "/v1/reconcile", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "FATAL_FETCH", errorCode(t, rec))
}

func TestDeployRoute(t *testing.T) {
	op := &fakeOperator{topo: sampleTopology()}
	r := newTestRouter(op, "")

	rec := do(r, http.MethodPost, "/v1/deployments", map[string]string{"source": "apidev"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PARAMETER", errorCode(t, rec))

	rec = do(r, http.MethodPost, "/v1/deployments", map[string]string{"source": "apidev", "target": "api"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [2]string{"apidev", "api"}, op.deployed)
	assert.Contains(t, rec.Body.String(), `"version":"zcp-1"`)

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"failed", &deploy.DeployFailedError{Version: "zcp-2", TargetServiceID: "s-api", Stage: "poll", Last: &deploy.Observation{Status: "BUILD_FAILED"}}, http.StatusBadGateway, "DEPLOY_FAILED"},
		{"timeout", &deploy.DeployTimeoutError{Version: "zcp-2", TargetServiceID: "s-api", Budget: "10m0s", Polls: 61}, http.StatusGatewayTimeout, "DEPLOY_TIMEOUT"},
		{"pending", fmt.Errorf("api: %w", operator.ErrPendingService), http.StatusConflict, "SERVICE_PENDING"},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op.deployErr = tt.err
			rec := do(r, http.MethodPost, "/v1/deployments", map[string]string{"source": "apidev", "target": "api"})
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}

	op.deployErr = &deploy.DeployFailedError{Version: "zcp-3", TargetServiceID: "s-api", Stage: "poll", Logs: []string{"npm ERR!"}}
	rec = do(r, http.MethodPost, "/v1/deployments", map[string]string{"source": "apidev", "target": "api"})
	assert.Contains(t, rec.Body.String(), `"logs":["npm ERR!"]`)
}

func TestListDeployments(t *testing.T) {
	op := &fakeOperator{attempts: []history.AttemptRecord{{Version: "zcp-1", Outcome: "active"}}}
	r := newTestRouter(op, "")

	rec := do(r, http.MethodGet, "/v1/deployments?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, op.lastLimit)
	assert.Contains(t, rec.Body.String(), `"version":"zcp-1"`)

	rec = do(r, http.MethodGet, "/v1/deployments?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(r, http.MethodGet, "/v1/reconciles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())
}

func TestVerifyAndHealthRoutes(t *testing.T) {
	op := &fakeOperator{
		topo:      sampleTopology(),
		diagnosis: &verify.Diagnosis{Hostname: "api", Kind: verify.KindBindingMisconfiguration, Signals: []verify.Signal{}},
	}
	r := newTestRouter(op, "")

	rec := do(r, http.MethodPost, "/v1/services/api/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"binding-misconfiguration"`)

	rec = do(r, http.MethodPost, "/v1/services/nope/verify", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(r, http.MethodPost, "/v1/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"items":[{"hostname":"api"`)

	rec = do(r, http.MethodGet, "/v1/services/api/health", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	op.cached = op.diagnosis
	rec = do(r, http.MethodGet, "/v1/services/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"binding-misconfiguration"`)
}

func TestAuthAndOpenEndpoints(t *testing.T) {
	r := newTestRouter(&fakeOperator{topo: sampleTopology()}, "tok")

	rec := do(r, http.MethodGet, "/v1/topology", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/topology", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/healthz", nil).Code)
	metrics := do(r, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "zcp_build_info")
}

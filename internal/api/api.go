// Package api serves the topology, reconciliation, rollout and verification
// operations over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/zcp/internal/deploy"
	"github.com/qiniu/zcp/internal/fetcher"
	"github.com/qiniu/zcp/internal/history"
	"github.com/qiniu/zcp/internal/metrics"
	"github.com/qiniu/zcp/internal/middleware"
	"github.com/qiniu/zcp/internal/operator"
	"github.com/qiniu/zcp/internal/reconcile"
	"github.com/qiniu/zcp/internal/topology/model"
	"github.com/qiniu/zcp/internal/topology/store"
	"github.com/qiniu/zcp/internal/verify"
	"github.com/rs/zerolog/log"
)

// Operator is what the handlers drive; *operator.Operator implements it.
type Operator interface {
	Topology() (*model.Topology, error)
	Service(hostname string) (*model.Service, error)
	Reconcile(ctx context.Context) (*model.Topology, *reconcile.Report, error)
	Deploy(ctx context.Context, source, target string) (*deploy.ActiveVersion, error)
	Verify(ctx context.Context, hostname string) (*verify.Diagnosis, error)
	VerifyAll(ctx context.Context) ([]*verify.Diagnosis, error)
	CachedHealth(ctx context.Context, hostname string) (*verify.Diagnosis, error)
	RecentAttempts(ctx context.Context, limit int) ([]history.AttemptRecord, error)
	RecentReconciles(ctx context.Context, limit int) ([]history.ReconcileRecord, error)
}

type Api struct {
	op Operator
}

// NewRouter returns a gin engine with recovery and request logging.
func NewRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger)
	return r
}

func NewApi(op Operator, router *gin.Engine, token string) *Api {
	api := &Api{op: op}
	api.setupRouters(router, token)
	return api
}

func (api *Api) setupRouters(router *gin.Engine, token string) {
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/v1", middleware.Authentication(token))
	v1.GET("/topology", api.GetTopology)
	v1.GET("/topology/services/:hostname", api.GetService)
	v1.GET("/topology/pairs", api.GetPairs)
	v1.POST("/reconcile", api.Reconcile)
	v1.GET("/reconciles", api.ListReconciles)
	v1.POST("/deployments", api.Deploy)
	v1.GET("/deployments", api.ListDeployments)
	v1.POST("/verify", api.VerifyAll)
	v1.POST("/services/:hostname/verify", api.Verify)
	v1.GET("/services/:hostname/health", api.GetHealth)
}

func (api *Api) GetTopology(c *gin.Context) {
	topo, err := api.op.Topology()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, topo)
}

func (api *Api) GetService(c *gin.Context) {
	svc, err := api.op.Service(c.Param("hostname"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, svc)
}

type pairsResponse struct {
	Pairs    []model.DeploymentPair `json:"pairs"`
	Unpaired []string               `json:"unpaired"`
}

func (api *Api) GetPairs(c *gin.Context) {
	topo, err := api.op.Topology()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pairsOf(topo))
}

func pairsOf(topo *model.Topology) pairsResponse {
	resp := pairsResponse{Pairs: []model.DeploymentPair{}, Unpaired: []string{}}
	for _, p := range topo.Pairs {
		resp.Pairs = append(resp.Pairs, p)
	}
	sort.Slice(resp.Pairs, func(i, j int) bool { return resp.Pairs[i].Dev < resp.Pairs[j].Dev })
	for _, h := range topo.Hostnames() {
		if topo.Services[h].Role != model.RoleDevelopment {
			continue
		}
		if _, ok := topo.Pairs[h]; !ok {
			resp.Unpaired = append(resp.Unpaired, h)
		}
	}
	return resp
}

type reconcileResponse struct {
	Report   *reconcile.Report `json:"report"`
	Topology *model.Topology   `json:"topology"`
}

func (api *Api) Reconcile(c *gin.Context) {
	topo, report, err := api.op.Reconcile(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, reconcileResponse{Report: report, Topology: topo})
}

type deployRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

func (api *Api) Deploy(c *gin.Context) {
	var req deployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_PARAMETER", "invalid request body: "+err.Error())
		return
	}
	req.Source, req.Target = strings.TrimSpace(req.Source), strings.TrimSpace(req.Target)
	if req.Source == "" || req.Target == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_PARAMETER", "source and target are required")
		return
	}
	av, err := api.op.Deploy(c.Request.Context(), req.Source, req.Target)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, av)
}

func (api *Api) ListDeployments(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	items, err := api.op.RecentAttempts(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (api *Api) ListReconciles(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	items, err := api.op.RecentReconciles(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func parseLimit(c *gin.Context) (int, bool) {
	s := strings.TrimSpace(c.Query("limit"))
	if s == "" {
		return 20, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 500 {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_PARAMETER", "limit must be 1-500")
		return 0, false
	}
	return n, true
}

func (api *Api) Verify(c *gin.Context) {
	d, err := api.op.Verify(c.Request.Context(), c.Param("hostname"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (api *Api) VerifyAll(c *gin.Context) {
	ds, err := api.op.VerifyAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": ds})
}

func (api *Api) GetHealth(c *gin.Context) {
	hostname := c.Param("hostname")
	d, err := api.op.CachedHealth(c.Request.Context(), hostname)
	if err != nil {
		writeError(c, err)
		return
	}
	if d == nil {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "no diagnosis recorded for "+hostname)
		return
	}
	c.JSON(http.StatusOK, d)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, map[string]any{"error": errorBody{Code: code, Message: message}})
}

// writeError maps domain errors onto the error envelope.
func writeError(c *gin.Context, err error) {
	var (
		failed  *deploy.DeployFailedError
		timeout *deploy.DeployTimeoutError
	)
	body := errorBody{Message: err.Error()}
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &failed):
		status, body.Code, body.Details = http.StatusBadGateway, "DEPLOY_FAILED", failed
	case errors.As(err, &timeout):
		status, body.Code, body.Details = http.StatusGatewayTimeout, "DEPLOY_TIMEOUT", timeout
	case errors.Is(err, operator.ErrNoTopology), errors.Is(err, store.ErrNotFound):
		status, body.Code = http.StatusNotFound, "NO_TOPOLOGY"
	case errors.Is(err, operator.ErrServiceNotFound):
		status, body.Code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, operator.ErrPendingService):
		status, body.Code = http.StatusConflict, "SERVICE_PENDING"
	case errors.Is(err, fetcher.ErrFatalFetch):
		status, body.Code = http.StatusBadGateway, "FATAL_FETCH"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, body.Code = http.StatusServiceUnavailable, "CANCELLED"
	default:
		body.Code = "INTERNAL_ERROR"
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, map[string]any{"error": body})
}

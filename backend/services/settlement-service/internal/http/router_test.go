package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gpurental/backend/services/settlement-service/internal/audit"
	"gpurental/backend/services/settlement-service/internal/http/handlers"
	"gpurental/backend/services/settlement-service/internal/http/middleware"
	"gpurental/backend/services/settlement-service/internal/orchestrator"
	"gpurental/backend/services/settlement-service/internal/repository/memory"
	"gpurental/backend/services/settlement-service/internal/service"
)

type stubOrchestrator struct {
	mu      sync.Mutex
	stopped int
	wipes   int
	wipeErr error
}

func (s *stubOrchestrator) Launch(_ context.Context, cfg orchestrator.LaunchConfig) (*orchestrator.Handle, error) {
	return &orchestrator.Handle{ContainerID: "ctr-" + cfg.JobID, JobID: cfg.JobID, GPUID: cfg.GPU.ID}, nil
}

func (s *stubOrchestrator) Monitor(context.Context, orchestrator.Handle) orchestrator.Metrics {
	return orchestrator.Metrics{Status: orchestrator.StatusRunning}
}

func (s *stubOrchestrator) Stop(context.Context, orchestrator.Handle, string) error {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
	return nil
}

func (s *stubOrchestrator) WipeGPU(context.Context, orchestrator.GPURef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wipes++
	return s.wipeErr
}

type testAPI struct {
	handler http.Handler
	audit   *audit.Logger
	orch    *stubOrchestrator
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := zap.NewNop()
	store := memory.New()
	auditLog := audit.NewLogger(memory.NewAuditStore(), audit.Config{}, logger)
	auditLog.Start()
	t.Cleanup(auditLog.Close)

	orch := &stubOrchestrator{}
	wallet := service.NewWalletService(store, auditLog, logger)
	billing := service.NewBillingService(store, wallet, service.BillingConfig{}, auditLog, logger)
	fleet := service.NewFleetService(store, orch, auditLog, logger)
	jobs := service.NewJobService(store, billing, orch, nil, service.JobsConfig{}, auditLog, logger)

	router := NewRouter(RouterDeps{
		WalletHandlers:  handlers.NewWalletHandlers(wallet, logger),
		BillingHandlers: handlers.NewBillingHandlers(billing, logger),
		JobHandlers:     handlers.NewJobHandlers(jobs, nil, logger),
		FleetHandlers:   handlers.NewFleetHandlers(fleet, logger),
		AuditHandlers:   handlers.NewAuditHandlers(auditLog, logger),
		HealthHandler:   handlers.NewHealthHandler(nil),
	}, middleware.AuthMiddleware(nil), middleware.AuditMiddleware(auditLog))

	return &testAPI{
		handler: middleware.Chain(router, middleware.RecoveryMiddleware(logger)),
		audit:   auditLog,
		orch:    orch,
	}
}

func (a *testAPI) do(t *testing.T, method, path, userID, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
		req.Header.Set("X-User-Role", role)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthIsPublic(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestAPIRequiresIdentity(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/api/v1/wallets/renter-1/balance", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/wallets/renter-1/balance", "renter-1", "superuser", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWalletEndpoints(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/wallets/renter-1/credit", "renter-1", audit.RoleRenter,
		map[string]any{"amount_halala": 10000, "reason": "top-up"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/wallets/renter-1/credit", "ops", audit.RoleAdmin,
		map[string]any{"amount_halala": 10000, "reason": "top-up"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "100.00", decode(t, rec)["amount_major"])

	rec = api.do(t, http.MethodGet, "/api/v1/wallets/renter-1/balance", "renter-1", audit.RoleRenter, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 10000, body["total_halala"])
	assert.EqualValues(t, 10000, body["available_halala"])

	rec = api.do(t, http.MethodGet, "/api/v1/wallets/renter-1/balance", "renter-2", audit.RoleRenter, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/wallets/renter-1/debit", "ops", audit.RoleAdmin,
		map[string]any{"amount_halala": 20000, "reason": "overdraft"})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/wallets/renter-1/debit", "ops", audit.RoleAdmin,
		map[string]any{"amount_halala": 0, "reason": "zero"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/wallets/renter-1/debit", "ops", audit.RoleAdmin,
		map[string]any{"amount": 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/wallets/renter-1/transactions", "renter-1", audit.RoleRenter, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["transactions"], 1)
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPut, "/api/v1/gpus/gpu-1", "prov-1", audit.RoleProvider, map[string]any{
		"model": "RTX 4090", "vram_gb": 24, "rate_per_hour_halala": 1000, "reliability": 0.99, "device_id": "0",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "prov-1", decode(t, rec)["provider_id"])

	rec = api.do(t, http.MethodPut, "/api/v1/gpus/gpu-1", "prov-2", audit.RoleProvider, map[string]any{
		"model": "RTX 4090", "vram_gb": 24, "rate_per_hour_halala": 1, "reliability": 0.99,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/gpus?min_vram_gb=16", "renter-1", audit.RoleRenter, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["gpus"], 1)

	rec = api.do(t, http.MethodPost, "/api/v1/wallets/renter-1/credit", "ops", audit.RoleAdmin,
		map[string]any{"amount_halala": 10000, "reason": "top-up"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/jobs", "renter-1", audit.RoleRenter, map[string]any{
		"image": "pytorch/pytorch:latest", "required_vram_gb": 16, "estimated_hours": 1, "max_budget_halala": 5000,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decode(t, rec)
	jobID := job["id"].(string)
	assert.Equal(t, "running", job["status"])
	assert.Equal(t, "renter-1", job["renter_id"])
	assert.Equal(t, "gpu-1", job["gpu_id"])

	rec = api.do(t, http.MethodGet, "/api/v1/jobs/"+jobID+"/status", "renter-1", audit.RoleRenter, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, "renter-2", audit.RoleRenter, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, "prov-1", audit.RoleProvider, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/jobs/"+jobID+"/stream", "renter-1", audit.RoleRenter, nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/complete", "prov-1", audit.RoleProvider, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = api.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/cancel", "prov-1", audit.RoleProvider, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, api.orch.stopped)

	rec = api.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/complete", "renter-1", audit.RoleRenter, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode(t, rec)
	assert.Equal(t, "completed", result["job"].(map[string]any)["status"])
	assert.Equal(t, 1, api.orch.stopped)

	rec = api.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/cancel", "renter-1", audit.RoleRenter, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decode(t, rec)["job"].(map[string]any)["status"])

	rec = api.do(t, http.MethodGet, "/api/v1/wallets/renter-1/balance", "renter-1", audit.RoleRenter, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decode(t, rec)["reserved_halala"])
}

func TestProviderCannotSetReliability(t *testing.T) {
	api := newTestAPI(t)
	listing := map[string]any{
		"model": "RTX 4090", "vram_gb": 24, "rate_per_hour_halala": 1000, "reliability": 1.0, "device_id": "0",
	}

	rec := api.do(t, http.MethodPut, "/api/v1/gpus/gpu-1", "prov-1", audit.RoleProvider, listing)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, service.DefaultReliability, decode(t, rec)["reliability"])

	rec = api.do(t, http.MethodPut, "/api/v1/gpus/gpu-1", "ops", audit.RoleAdmin, map[string]any{
		"provider_id": "prov-1", "model": "RTX 4090", "vram_gb": 24, "rate_per_hour_halala": 1000,
		"reliability": 0.95, "device_id": "0",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 0.95, decode(t, rec)["reliability"])

	rec = api.do(t, http.MethodPut, "/api/v1/gpus/gpu-1", "prov-1", audit.RoleProvider, listing)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0.95, decode(t, rec)["reliability"])
}

func TestQuarantinedGPUNeedsCleanWipe(t *testing.T) {
	api := newTestAPI(t)
	listing := map[string]any{"model": "RTX 4090", "vram_gb": 24, "rate_per_hour_halala": 1000, "device_id": "0"}
	rec := api.do(t, http.MethodPut, "/api/v1/gpus/gpu-1", "prov-1", audit.RoleProvider, listing)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodPatch, "/api/v1/gpus/gpu-1/status", "ops", audit.RoleAdmin,
		map[string]any{"status": "maintenance"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodPut, "/api/v1/gpus/gpu-1", "prov-1", audit.RoleProvider, listing)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "maintenance", decode(t, rec)["status"])

	api.orch.wipeErr = orchestrator.ErrResidualMemory
	rec = api.do(t, http.MethodPatch, "/api/v1/gpus/gpu-1/status", "prov-1", audit.RoleProvider,
		map[string]any{"status": "available"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/gpus", "renter-1", audit.RoleRenter, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["gpus"])

	api.orch.wipeErr = nil
	rec = api.do(t, http.MethodPatch, "/api/v1/gpus/gpu-1/status", "prov-1", audit.RoleProvider,
		map[string]any{"status": "available"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "available", decode(t, rec)["status"])
	assert.Equal(t, 2, api.orch.wipes)
}

func TestSubmitWithoutCapacity(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/api/v1/wallets/renter-1/credit", "ops", audit.RoleAdmin,
		map[string]any{"amount_halala": 10000, "reason": "top-up"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/jobs", "renter-1", audit.RoleRenter, map[string]any{
		"image": "pytorch/pytorch:latest", "required_vram_gb": 80, "estimated_hours": 1, "max_budget_halala": 5000,
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBillingEndpointsArePrivileged(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/api/v1/billing/sessions", "renter-1", audit.RoleRenter, map[string]any{
		"job_id": "job-1", "renter_id": "renter-1", "provider_id": "prov-1", "rate_per_hour_halala": 600,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/billing/sessions/missing", "ops", audit.RoleAdmin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownMethodIsRejected(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodDelete, "/api/v1/jobs", "renter-1", audit.RoleRenter, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAuditQueryIsAdminOnly(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/api/v1/audit", "renter-1", audit.RoleRenter, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/audit?page_size=500", "ops", audit.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, audit.MaxPageSize, body["page_size"])

	rec = api.do(t, http.MethodGet, "/api/v1/audit?from=yesterday", "ops", audit.RoleAdmin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

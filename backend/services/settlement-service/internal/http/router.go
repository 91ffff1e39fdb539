package httpserver

import (
	"net/http"

	"gpurental/backend/services/settlement-service/internal/http/handlers"
	"gpurental/backend/services/settlement-service/internal/http/middleware"
)

// RouterDeps collects handler dependencies.
type RouterDeps struct {
	WalletHandlers  *handlers.WalletHandlers
	BillingHandlers *handlers.BillingHandlers
	JobHandlers     *handlers.JobHandlers
	FleetHandlers   *handlers.FleetHandlers
	AuditHandlers   *handlers.AuditHandlers
	HealthHandler   http.HandlerFunc
	MetricsHandler  http.Handler
}

// NewRouter wires HTTP routes. Everything except /health and /metrics runs behind the
// given authenticated chain.
func NewRouter(deps RouterDeps, authenticated ...func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /health", deps.HealthHandler)
	if deps.MetricsHandler != nil {
		mux.Handle("GET /metrics", deps.MetricsHandler)
	}

	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, middleware.Chain(h, authenticated...))
	}

	api("GET /api/v1/wallets/{userId}/balance", deps.WalletHandlers.Balance)
	api("GET /api/v1/wallets/{userId}/transactions", deps.WalletHandlers.Transactions)
	api("POST /api/v1/wallets/{userId}/credit", deps.WalletHandlers.Credit)
	api("POST /api/v1/wallets/{userId}/debit", deps.WalletHandlers.Debit)
	api("POST /api/v1/wallets/{userId}/reservations", deps.WalletHandlers.Reserve)
	api("POST /api/v1/reservations/{id}/release", deps.WalletHandlers.Release)

	api("POST /api/v1/billing/sessions", deps.BillingHandlers.Start)
	api("GET /api/v1/billing/sessions/{id}", deps.BillingHandlers.Get)
	api("POST /api/v1/billing/sessions/{id}/ticks", deps.BillingHandlers.Tick)
	api("GET /api/v1/billing/sessions/{id}/ticks", deps.BillingHandlers.Ticks)
	api("POST /api/v1/billing/sessions/{id}/close", deps.BillingHandlers.Close)
	api("GET /api/v1/billing/sessions/{id}/receipt", deps.BillingHandlers.Receipt)
	api("GET /api/v1/billing/sessions/{id}/verify", deps.BillingHandlers.Verify)

	api("POST /api/v1/jobs", deps.JobHandlers.Submit)
	api("GET /api/v1/jobs/{id}", deps.JobHandlers.Get)
	api("GET /api/v1/jobs/{id}/status", deps.JobHandlers.Status)
	api("POST /api/v1/jobs/{id}/complete", deps.JobHandlers.Complete)
	api("POST /api/v1/jobs/{id}/cancel", deps.JobHandlers.Cancel)
	api("GET /api/v1/jobs/{id}/stream", deps.JobHandlers.Stream)

	api("GET /api/v1/gpus", deps.FleetHandlers.List)
	api("PUT /api/v1/gpus/{id}", deps.FleetHandlers.Register)
	api("PATCH /api/v1/gpus/{id}/status", deps.FleetHandlers.SetStatus)

	api("GET /api/v1/audit", deps.AuditHandlers.Query)

	return mux
}

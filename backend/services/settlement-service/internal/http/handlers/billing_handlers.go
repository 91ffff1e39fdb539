package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"gpurental/backend/services/settlement-service/internal/service"
)

// BillingHandlers exposes metering and settlement. Mutations are for operators and
// internal callers; renters read through the job endpoints.
type BillingHandlers struct {
	svc    *service.BillingService
	logger *zap.Logger
}

// NewBillingHandlers returns handler.
func NewBillingHandlers(svc *service.BillingService, logger *zap.Logger) *BillingHandlers {
	return &BillingHandlers{svc: svc, logger: logger}
}

type startSessionRequest struct {
	JobID       string `json:"job_id"`
	RenterID    string `json:"renter_id"`
	ProviderID  string `json:"provider_id"`
	RatePerHour int64  `json:"rate_per_hour_halala"`
	ReserveCap  int64  `json:"reserve_cap_halala"`
}

// Start handles POST /billing/sessions.
func (h *BillingHandlers) Start(w http.ResponseWriter, r *http.Request) {
	if !requirePrivileged(w, r) {
		return
	}
	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	session, err := h.svc.Start(r.Context(), service.StartSessionInput{
		JobID:       req.JobID,
		RenterID:    req.RenterID,
		ProviderID:  req.ProviderID,
		RatePerHour: req.RatePerHour,
		ReserveCap:  req.ReserveCap,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionResponse(session))
}

// Get handles GET /billing/sessions/{id}.
func (h *BillingHandlers) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if !requireParticipant(w, r, session.RenterID, session.ProviderID) {
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(session))
}

// Tick handles POST /billing/sessions/{id}/ticks.
func (h *BillingHandlers) Tick(w http.ResponseWriter, r *http.Request) {
	if !requirePrivileged(w, r) {
		return
	}
	tick, err := h.svc.RecordTick(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTickResponse(*tick))
}

// Ticks handles GET /billing/sessions/{id}/ticks.
func (h *BillingHandlers) Ticks(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if !requireParticipant(w, r, session.RenterID, session.ProviderID) {
		return
	}
	ticks, err := h.svc.ListTicks(r.Context(), session.ID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	out := make([]tickResponse, 0, len(ticks))
	for _, t := range ticks {
		out = append(out, newTickResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ticks": out})
}

// Close handles POST /billing/sessions/{id}/close.
func (h *BillingHandlers) Close(w http.ResponseWriter, r *http.Request) {
	if !requirePrivileged(w, r) {
		return
	}
	receipt, err := h.svc.Close(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

// Receipt handles GET /billing/sessions/{id}/receipt.
func (h *BillingHandlers) Receipt(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if !requireParticipant(w, r, session.RenterID, session.ProviderID) {
		return
	}
	receipt, err := h.svc.GetReceipt(r.Context(), session.ID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

// Verify handles GET /billing/sessions/{id}/verify.
func (h *BillingHandlers) Verify(w http.ResponseWriter, r *http.Request) {
	if !requirePrivileged(w, r) {
		return
	}
	report, err := h.svc.Verify(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// requireParticipant admits the session's renter or provider, or an admin.
func requireParticipant(w http.ResponseWriter, r *http.Request, renterID, providerID string) bool {
	id, ok := caller(w, r)
	if !ok {
		return false
	}
	if id.UserID != renterID && id.UserID != providerID && !privileged(id) {
		writeError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

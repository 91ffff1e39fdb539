package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"gpurental/backend/services/settlement-service/internal/models"
	"gpurental/backend/services/settlement-service/internal/service"
)

// WalletHandlers exposes the wallet ledger.
type WalletHandlers struct {
	svc    *service.WalletService
	logger *zap.Logger
}

// NewWalletHandlers returns handler.
func NewWalletHandlers(svc *service.WalletService, logger *zap.Logger) *WalletHandlers {
	return &WalletHandlers{svc: svc, logger: logger}
}

type ledgerRequest struct {
	Amount         int64  `json:"amount_halala"`
	Reason         string `json:"reason"`
	JobID          string `json:"job_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type reserveRequest struct {
	Amount int64  `json:"amount_halala"`
	JobID  string `json:"job_id"`
}

type releaseRequest struct {
	ActualAmount int64 `json:"actual_halala"`
}

// Balance handles GET /wallets/{userId}/balance.
func (h *WalletHandlers) Balance(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if !requireSelfOrPrivileged(w, r, userID) {
		return
	}
	bal, err := h.svc.GetBalance(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newBalanceResponse(bal))
}

// Transactions handles GET /wallets/{userId}/transactions.
func (h *WalletHandlers) Transactions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if !requireSelfOrPrivileged(w, r, userID) {
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	txs, err := h.svc.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, newTransactionResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": out})
}

// Credit handles POST /wallets/{userId}/credit.
func (h *WalletHandlers) Credit(w http.ResponseWriter, r *http.Request) {
	h.ledger(w, r, h.svc.Credit)
}

// Debit handles POST /wallets/{userId}/debit.
func (h *WalletHandlers) Debit(w http.ResponseWriter, r *http.Request) {
	h.ledger(w, r, h.svc.Debit)
}

func (h *WalletHandlers) ledger(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, e service.LedgerEntry) (*models.WalletTransaction, error)) {
	if !requirePrivileged(w, r) {
		return
	}
	var req ledgerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	txn, err := apply(r.Context(), service.LedgerEntry{
		UserID:         r.PathValue("userId"),
		Amount:         req.Amount,
		Reason:         req.Reason,
		JobID:          req.JobID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTransactionResponse(*txn))
}

// Reserve handles POST /wallets/{userId}/reservations.
func (h *WalletHandlers) Reserve(w http.ResponseWriter, r *http.Request) {
	if !requirePrivileged(w, r) {
		return
	}
	var req reserveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := h.svc.Reserve(r.Context(), r.PathValue("userId"), req.Amount, req.JobID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newReservationResponse(res))
}

// Release handles POST /reservations/{id}/release.
func (h *WalletHandlers) Release(w http.ResponseWriter, r *http.Request) {
	if !requirePrivileged(w, r) {
		return
	}
	var req releaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := h.svc.ReleaseReservation(r.Context(), r.PathValue("id"), req.ActualAmount)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newReservationResponse(res))
}

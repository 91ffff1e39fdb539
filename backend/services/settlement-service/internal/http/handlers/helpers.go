package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"gpurental/backend/services/settlement-service/internal/audit"
	"gpurental/backend/services/settlement-service/internal/repository"
	"gpurental/backend/services/settlement-service/internal/service"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps domain errors to status codes. Unexpected errors are logged
// and reported without detail.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrInsufficientBalance), errors.Is(err, service.ErrInsufficientAvailable):
		status = http.StatusPaymentRequired
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, audit.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrSessionNotActive),
		errors.Is(err, service.ErrJobNotRunning),
		errors.Is(err, service.ErrNoNewMinutes),
		errors.Is(err, service.ErrIntegrityViolation),
		errors.Is(err, repository.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, service.ErrNoAvailableGPU):
		status = http.StatusServiceUnavailable
	case errors.Is(err, service.ErrContainerLaunchFailed), errors.Is(err, service.ErrContainerStopFailed),
		errors.Is(err, service.ErrGPUWipeFailed):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

// caller returns the authenticated identity or writes 401.
func caller(w http.ResponseWriter, r *http.Request) (audit.Identity, bool) {
	id, ok := audit.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return audit.Identity{}, false
	}
	return id, true
}

func privileged(id audit.Identity) bool {
	return id.Role == audit.RoleAdmin || id.Role == audit.RoleSystem
}

// requireSelfOrPrivileged lets a user act on their own resources and admins on any.
func requireSelfOrPrivileged(w http.ResponseWriter, r *http.Request, ownerID string) bool {
	id, ok := caller(w, r)
	if !ok {
		return false
	}
	if id.UserID != ownerID && !privileged(id) {
		writeError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func requirePrivileged(w http.ResponseWriter, r *http.Request) bool {
	id, ok := caller(w, r)
	if !ok {
		return false
	}
	if !privileged(id) {
		writeError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

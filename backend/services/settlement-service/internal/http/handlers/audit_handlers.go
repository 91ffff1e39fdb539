package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"gpurental/backend/services/settlement-service/internal/audit"
	"gpurental/backend/services/settlement-service/internal/models"
)

// AuditHandlers exposes the audit trail to admins.
type AuditHandlers struct {
	log    *audit.Logger
	logger *zap.Logger
}

// NewAuditHandlers returns handler.
func NewAuditHandlers(log *audit.Logger, logger *zap.Logger) *AuditHandlers {
	return &AuditHandlers{log: log, logger: logger}
}

// Query handles GET /audit?actor=&action=&from=&to=&page=&page_size=.
func (h *AuditHandlers) Query(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := models.AuditFilter{Actor: q.Get("actor"), Action: q.Get("action")}

	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid from")
		return
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid to")
		return
	}
	if f.Page, err = queryInt(r, "page", 1); err != nil {
		writeError(w, http.StatusBadRequest, "invalid page")
		return
	}
	if f.PageSize, err = queryInt(r, "page_size", audit.DefaultPageSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid page_size")
		return
	}

	records, err := h.log.Query(r.Context(), id.Role, f)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	f = audit.NormalizeFilter(f)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records":   records,
		"page":      f.Page,
		"page_size": f.PageSize,
	})
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"gpurental/backend/services/settlement-service/internal/audit"
	"gpurental/backend/services/settlement-service/internal/models"
	"gpurental/backend/services/settlement-service/internal/service"
)

// FleetHandlers exposes the GPU directory.
type FleetHandlers struct {
	svc    *service.FleetService
	logger *zap.Logger
}

// NewFleetHandlers returns handler.
func NewFleetHandlers(svc *service.FleetService, logger *zap.Logger) *FleetHandlers {
	return &FleetHandlers{svc: svc, logger: logger}
}

type registerGPURequest struct {
	ProviderID  string  `json:"provider_id"`
	Model       string  `json:"model"`
	VRAMGB      int     `json:"vram_gb"`
	RatePerHour int64   `json:"rate_per_hour_halala"`
	Reliability float64 `json:"reliability"`
	DeviceID    string  `json:"device_id"`
}

type gpuStatusRequest struct {
	Status models.GPUStatus `json:"status"`
}

// List handles GET /gpus.
func (h *FleetHandlers) List(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	minVRAM, err := queryInt(r, "min_vram_gb", 0)
	if err != nil || minVRAM < 0 {
		writeError(w, http.StatusBadRequest, "invalid min_vram_gb")
		return
	}
	gpus, err := h.svc.ListAvailable(r.Context(), minVRAM)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	out := make([]gpuResponse, 0, len(gpus))
	for i := range gpus {
		out = append(out, newGPUResponse(&gpus[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"gpus": out})
}

// Register handles PUT /gpus/{id}. Providers list their own devices; only operators set
// the reliability score used for ranking.
func (h *FleetHandlers) Register(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req registerGPURequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	providerID := req.ProviderID
	if !privileged(id) {
		if id.Role != audit.RoleProvider || (providerID != "" && providerID != id.UserID) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		providerID = id.UserID
	}
	existing, ok := h.ownsOrNew(w, r, id, r.PathValue("id"))
	if !ok {
		return
	}
	reliability := req.Reliability
	if !privileged(id) {
		reliability = service.DefaultReliability
		if existing != nil {
			reliability = existing.Reliability
		}
	}

	gpu, err := h.svc.RegisterGPU(r.Context(), models.ProviderGPU{
		ID:          r.PathValue("id"),
		ProviderID:  providerID,
		Model:       req.Model,
		VRAMGB:      req.VRAMGB,
		RatePerHour: req.RatePerHour,
		Reliability: reliability,
		DeviceID:    req.DeviceID,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newGPUResponse(gpu))
}

// SetStatus handles PATCH /gpus/{id}/status.
func (h *FleetHandlers) SetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req gpuStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	gpuID := r.PathValue("id")
	if !privileged(id) {
		gpu, err := h.svc.GetGPU(r.Context(), gpuID)
		if err != nil {
			writeServiceError(w, h.logger, err)
			return
		}
		if gpu.ProviderID != id.UserID {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
	}
	gpu, err := h.svc.SetStatus(r.Context(), gpuID, req.Status)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newGPUResponse(gpu))
}

// ownsOrNew stops a provider from overwriting another provider's listing. It returns
// the current listing, or nil for a new one.
func (h *FleetHandlers) ownsOrNew(w http.ResponseWriter, r *http.Request, id audit.Identity, gpuID string) (*models.ProviderGPU, bool) {
	existing, err := h.svc.GetGPU(r.Context(), gpuID)
	if errors.Is(err, service.ErrNotFound) {
		return nil, true
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return nil, false
	}
	if !privileged(id) && existing.ProviderID != id.UserID {
		writeError(w, http.StatusForbidden, "forbidden")
		return nil, false
	}
	return existing, true
}

package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"gpurental/backend/services/settlement-service/internal/models"
	"gpurental/backend/services/settlement-service/internal/service"
)

// StreamServer upgrades a request to a job status stream.
type StreamServer interface {
	Stream(w http.ResponseWriter, r *http.Request, jobID string)
}

// JobHandlers exposes the job pipeline.
type JobHandlers struct {
	svc    *service.JobService
	stream StreamServer
	logger *zap.Logger
}

// NewJobHandlers returns handler. stream may be nil to disable streaming.
func NewJobHandlers(svc *service.JobService, stream StreamServer, logger *zap.Logger) *JobHandlers {
	return &JobHandlers{svc: svc, stream: stream, logger: logger}
}

type submitJobRequest struct {
	RenterID       string   `json:"renter_id"`
	Image          string   `json:"image"`
	Command        []string `json:"command"`
	JobCodePath    string   `json:"job_code_path"`
	RequiredVRAMGB int      `json:"required_vram_gb"`
	EstimatedHours int64    `json:"estimated_hours"`
	MaxBudget      int64    `json:"max_budget_halala"`
}

// Submit handles POST /jobs. Renters submit for themselves; admins may name a renter.
func (h *JobHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req submitJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	renterID := id.UserID
	if privileged(id) && req.RenterID != "" {
		renterID = req.RenterID
	}

	job, err := h.svc.Submit(r.Context(), service.SubmitJobInput{
		RenterID:       renterID,
		Image:          req.Image,
		Command:        req.Command,
		JobCodePath:    req.JobCodePath,
		RequiredVRAMGB: req.RequiredVRAMGB,
		EstimatedHours: req.EstimatedHours,
		MaxBudget:      req.MaxBudget,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newJobResponse(job))
}

// Get handles GET /jobs/{id}.
func (h *JobHandlers) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.authorizedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

// Status handles GET /jobs/{id}/status. Polling may finish an over-budget or exited job.
func (h *JobHandlers) Status(w http.ResponseWriter, r *http.Request) {
	job, ok := h.authorizedJob(w, r)
	if !ok {
		return
	}
	view, err := h.svc.GetJobStatus(r.Context(), job.ID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobStatusResponse(view))
}

// Complete handles POST /jobs/{id}/complete.
func (h *JobHandlers) Complete(w http.ResponseWriter, r *http.Request) {
	job, ok := h.renterJob(w, r)
	if !ok {
		return
	}
	res, err := h.svc.CompleteJob(r.Context(), job.ID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResultResponse(res))
}

// Cancel handles POST /jobs/{id}/cancel.
func (h *JobHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	job, ok := h.renterJob(w, r)
	if !ok {
		return
	}
	res, err := h.svc.CancelJob(r.Context(), job.ID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResultResponse(res))
}

// Stream handles GET /jobs/{id}/stream.
func (h *JobHandlers) Stream(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		writeError(w, http.StatusNotImplemented, "streaming disabled")
		return
	}
	job, ok := h.authorizedJob(w, r)
	if !ok {
		return
	}
	h.stream.Stream(w, r, job.ID)
}

// authorizedJob loads the path job and admits its renter, its provider, or an admin.
func (h *JobHandlers) authorizedJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	id, ok := caller(w, r)
	if !ok {
		return nil, false
	}
	job, err := h.svc.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return nil, false
	}
	if job.RenterID != id.UserID && job.ProviderID != id.UserID && !privileged(id) {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return job, true
}

// renterJob narrows authorizedJob to the renter or an admin. A provider can see the
// job but not end it.
func (h *JobHandlers) renterJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	job, ok := h.authorizedJob(w, r)
	if !ok {
		return nil, false
	}
	id, _ := caller(w, r)
	if job.RenterID != id.UserID && !privileged(id) {
		writeError(w, http.StatusForbidden, "forbidden")
		return nil, false
	}
	return job, true
}

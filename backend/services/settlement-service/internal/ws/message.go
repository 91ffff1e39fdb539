package ws

import (
	"time"

	"gpurental/backend/services/settlement-service/internal/models"
	"gpurental/backend/services/settlement-service/internal/orchestrator"
	"gpurental/backend/services/settlement-service/internal/service"
)

// StatusMessage is one frame on a job stream.
type StatusMessage struct {
	Type                 string                `json:"type"`
	JobID                string                `json:"job_id"`
	Status               models.JobStatus      `json:"status"`
	CostSoFarHalala      int64                 `json:"cost_so_far_halala"`
	CostSoFarMajor       string                `json:"cost_so_far_major"`
	RemainingBudget      int64                 `json:"remaining_budget_halala"`
	RemainingBudgetMajor string                `json:"remaining_budget_major"`
	GPUWipeFailed        bool                  `json:"gpu_wipe_failed,omitempty"`
	Metrics              *orchestrator.Metrics `json:"metrics,omitempty"`
	ReceiptHash          string                `json:"receipt_hash,omitempty"`
	SentAt               time.Time             `json:"sent_at"`
}

// NewStatusMessage flattens a status view for streaming.
func NewStatusMessage(v *service.JobStatusView) StatusMessage {
	msg := StatusMessage{
		Type:                 "job.status",
		JobID:                v.Job.ID,
		Status:               v.Job.Status,
		CostSoFarHalala:      v.CostSoFar,
		CostSoFarMajor:       models.FormatMajor(v.CostSoFar),
		RemainingBudget:      v.RemainingBudget,
		RemainingBudgetMajor: models.FormatMajor(v.RemainingBudget),
		GPUWipeFailed:        v.Job.GPUWipeFailed,
		Metrics:              v.Metrics,
		SentAt:               time.Now().UTC(),
	}
	if v.Job.Status.Finished() {
		msg.Type = "job.finished"
	}
	if v.Receipt != nil {
		msg.ReceiptHash = v.Receipt.ReceiptHash
	}
	return msg
}

package models

import "time"

// JobStatus is the job pipeline state machine:
// pending -> matching -> launching -> running -> {completed | failed | over-budget | cancelled}.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobMatching   JobStatus = "matching"
	JobLaunching  JobStatus = "launching"
	JobRunning    JobStatus = "running"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobOverBudget JobStatus = "over-budget"
	JobCancelled  JobStatus = "cancelled"
)

// Finished reports whether the job reached an end state.
func (s JobStatus) Finished() bool {
	switch s {
	case JobCompleted, JobFailed, JobOverBudget, JobCancelled:
		return true
	}
	return false
}

// Job is a renter's compute submission.
type Job struct {
	ID               string     `db:"id" json:"id"`
	RenterID         string     `db:"renter_id" json:"renter_id"`
	GPUID            string     `db:"gpu_id" json:"gpu_id,omitempty"`
	ProviderID       string     `db:"provider_id" json:"provider_id,omitempty"`
	ContainerID      string     `db:"container_id" json:"container_id,omitempty"`
	BillingSessionID string     `db:"billing_session_id" json:"billing_session_id,omitempty"`
	Image            string     `db:"image" json:"image"`
	Command          []string   `db:"command" json:"command,omitempty"`
	JobCodePath      string     `db:"job_code_path" json:"job_code_path,omitempty"`
	RequiredVRAMGB   int        `db:"required_vram_gb" json:"required_vram_gb"`
	EstimatedHours   int64      `db:"estimated_hours" json:"estimated_hours"`
	RatePerHour      int64      `db:"rate_per_hour" json:"rate_per_hour_halala"`
	MaxBudget        int64      `db:"max_budget" json:"max_budget_halala"`
	Status           JobStatus  `db:"status" json:"status"`
	FinalCost        *int64     `db:"final_cost" json:"final_cost_halala,omitempty"`
	GPUWipeFailed    bool       `db:"gpu_wipe_failed" json:"gpu_wipe_failed"`
	FailureReason    string     `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	StartedAt        *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt       *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

package models

import "time"

// SessionStatus is the lifecycle of a billing session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionClosing SessionStatus = "closing"
	SessionClosed  SessionStatus = "closed"
)

// BillingSession meters one job. Mutated only by tick and close operations.
type BillingSession struct {
	ID            string        `db:"id" json:"id"`
	JobID         string        `db:"job_id" json:"job_id"`
	RenterID      string        `db:"renter_id" json:"renter_id"`
	ProviderID    string        `db:"provider_id" json:"provider_id"`
	RatePerHour   int64         `db:"rate_per_hour" json:"rate_per_hour_halala"`
	// MaxCharge caps the session's total charge; zero means uncapped.
	MaxCharge     int64         `db:"max_charge" json:"max_charge_halala"`
	ReservationID string        `db:"reservation_id" json:"reservation_id"`
	Status        SessionStatus `db:"status" json:"status"`
	StartedAt     time.Time     `db:"started_at" json:"started_at"`
	EndedAt       *time.Time    `db:"ended_at" json:"ended_at,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// BillingTick is one metering event. ProviderShare + PlatformShare == Amount.
type BillingTick struct {
	ID               string    `db:"id" json:"id"`
	SessionID        string    `db:"session_id" json:"session_id"`
	TickNumber       int64     `db:"tick_number" json:"tick_number"`
	ElapsedMinutes   int64     `db:"elapsed_minutes" json:"elapsed_minutes"`
	IncrementMinutes int64     `db:"increment_minutes" json:"increment_minutes"`
	Amount           int64     `db:"amount" json:"amount_halala"`
	ProviderShare    int64     `db:"provider_share" json:"provider_share_halala"`
	PlatformShare    int64     `db:"platform_share" json:"platform_share_halala"`
	ProofHash        string    `db:"proof_hash" json:"proof_hash"`
	RecordedAt       time.Time `db:"recorded_at" json:"recorded_at"`
}

// BillingReceipt closes a session. TotalCharged == sum(tick amounts) + SettlementAmount.
type BillingReceipt struct {
	ID               string    `db:"id" json:"id"`
	SessionID        string    `db:"session_id" json:"session_id"`
	JobID            string    `db:"job_id" json:"job_id"`
	TotalMinutes     int64     `db:"total_minutes" json:"total_minutes"`
	TotalCharged     int64     `db:"total_charged" json:"total_charged_halala"`
	ProviderPayout   int64     `db:"provider_payout" json:"provider_payout_halala"`
	PlatformRevenue  int64     `db:"platform_revenue" json:"platform_revenue_halala"`
	SettlementAmount int64     `db:"settlement_amount" json:"settlement_amount_halala"`
	ReceiptHash      string    `db:"receipt_hash" json:"receipt_hash"`
	ClosedAt         time.Time `db:"closed_at" json:"closed_at"`
}

// Discrepancy kinds reported by integrity verification.
const (
	DiscrepancyHashMismatch   = "hash_mismatch"
	DiscrepancySplitMismatch  = "split_mismatch"
	DiscrepancyAmountMismatch = "amount_mismatch"
	DiscrepancyNonSequential  = "non_sequential_tick"
	DiscrepancyTotalMismatch  = "total_mismatch"
	DiscrepancyReceiptHash    = "receipt_hash_mismatch"
)

// Discrepancy names one integrity problem found on a session.
type Discrepancy struct {
	Kind       string `json:"kind"`
	TickNumber int64  `json:"tick_number,omitempty"`
	TickID     string `json:"tick_id,omitempty"`
	Expected   string `json:"expected"`
	Actual     string `json:"actual"`
}

// IntegrityReport is the read-only result of verifying a session.
type IntegrityReport struct {
	SessionID     string        `json:"session_id"`
	Valid         bool          `json:"valid"`
	TicksChecked  int           `json:"ticks_checked"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

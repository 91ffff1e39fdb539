package models

import "time"

// TransactionKind distinguishes debits from credits in the wallet ledger.
type TransactionKind string

const (
	TransactionDebit  TransactionKind = "debit"
	TransactionCredit TransactionKind = "credit"
)

// WalletTransaction is one immutable ledger row. Amount is always positive halala.
type WalletTransaction struct {
	ID             string          `db:"id" json:"id"`
	UserID         string          `db:"user_id" json:"user_id"`
	Kind           TransactionKind `db:"kind" json:"kind"`
	Amount         int64           `db:"amount" json:"amount_halala"`
	Reason         string          `db:"reason" json:"reason"`
	JobID          string          `db:"job_id" json:"job_id,omitempty"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// ReservationStatus tracks a hold on wallet funds.
type ReservationStatus string

const (
	ReservationHeld     ReservationStatus = "held"
	ReservationSettled  ReservationStatus = "settled"
	ReservationReleased ReservationStatus = "released"
)

// Terminal reports whether the reservation can no longer change.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationSettled || s == ReservationReleased
}

// Reservation earmarks funds for a job. Only the terminal status and settled fields are
// ever written after insert.
type Reservation struct {
	ID            string            `db:"id" json:"id"`
	UserID        string            `db:"user_id" json:"user_id"`
	Amount        int64             `db:"amount" json:"amount_halala"`
	JobID         string            `db:"job_id" json:"job_id"`
	Status        ReservationStatus `db:"status" json:"status"`
	SettledAmount *int64            `db:"settled_amount" json:"settled_amount_halala,omitempty"`
	SettledAt     *time.Time        `db:"settled_at" json:"settled_at,omitempty"`
	CreatedAt     time.Time         `db:"created_at" json:"created_at"`
}

// Balance is derived from the ledger: Available is always Total - Reserved.
type Balance struct {
	UserID    string `json:"user_id"`
	Total     int64  `json:"total_halala"`
	Reserved  int64  `json:"reserved_halala"`
	Available int64  `json:"available_halala"`
}

// NewBalance builds a balance that honours the available = total - reserved invariant.
func NewBalance(userID string, total, reserved int64) Balance {
	return Balance{
		UserID:    userID,
		Total:     total,
		Reserved:  reserved,
		Available: total - reserved,
	}
}

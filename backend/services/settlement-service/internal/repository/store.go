package repository

import (
	"context"
	"errors"
	"time"

	"gpurental/backend/services/settlement-service/internal/models"
)

var (
	// ErrNotFound indicates a missing row.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict indicates a unique constraint or lost race on insert.
	ErrConflict = errors.New("repository: conflict")
)

// Store is the transactional entry point for ledger, billing and job state. Every
// financial change happens inside InTx so the balance check and the insert commit or
// roll back together.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx exposes the operations available inside one database transaction.
type Tx interface {
	WalletTx
	BillingTx
	JobTx
}

// WalletTx covers wallets, ledger rows and reservations.
type WalletTx interface {
	// LockWallet takes the row lock that serialises every balance change for a user.
	LockWallet(ctx context.Context, userID string) error
	// EnsureWallet creates the wallet row if missing and then locks it.
	EnsureWallet(ctx context.Context, userID string) error
	WalletBalance(ctx context.Context, userID string) (models.Balance, error)
	// JobHoldRemaining returns what is left of the user's held reservation for a job
	// after debits already charged against that job.
	JobHoldRemaining(ctx context.Context, userID, jobID string) (int64, error)
	TransactionByKey(ctx context.Context, userID, key string) (*models.WalletTransaction, error)
	InsertTransaction(ctx context.Context, t *models.WalletTransaction) error
	ListTransactions(ctx context.Context, userID string, limit int) ([]models.WalletTransaction, error)
	HeldReservation(ctx context.Context, userID, jobID string) (*models.Reservation, error)
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	LockReservation(ctx context.Context, id string) (*models.Reservation, error)
	InsertReservation(ctx context.Context, r *models.Reservation) error
	FinalizeReservation(ctx context.Context, r *models.Reservation) error
}

// BillingTx covers billing sessions, ticks and receipts.
type BillingTx interface {
	OpenSessionByJob(ctx context.Context, jobID string) (*models.BillingSession, error)
	GetSession(ctx context.Context, id string) (*models.BillingSession, error)
	LockSession(ctx context.Context, id string) (*models.BillingSession, error)
	InsertSession(ctx context.Context, s *models.BillingSession) error
	UpdateSession(ctx context.Context, s *models.BillingSession) error
	ListSessionIDsByStatus(ctx context.Context, status models.SessionStatus, limit int) ([]string, error)
	ListTicks(ctx context.Context, sessionID string) ([]models.BillingTick, error)
	InsertTick(ctx context.Context, t *models.BillingTick) error
	ReceiptBySession(ctx context.Context, sessionID string) (*models.BillingReceipt, error)
	InsertReceipt(ctx context.Context, r *models.BillingReceipt) error
}

// JobTx covers jobs and the GPU fleet directory.
type JobTx interface {
	InsertJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	LockJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, j *models.Job) error
	ListJobIDsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]string, error)
	ListAvailableGPUs(ctx context.Context, minVRAMGB int) ([]models.ProviderGPU, error)
	GetGPU(ctx context.Context, id string) (*models.ProviderGPU, error)
	LockGPU(ctx context.Context, id string) (*models.ProviderGPU, error)
	UpdateGPUStatus(ctx context.Context, id string, status models.GPUStatus, at time.Time) error
	UpsertGPU(ctx context.Context, g *models.ProviderGPU) error
}

// AuditStore persists append-only audit records.
type AuditStore interface {
	InsertAudit(ctx context.Context, r *models.AuditRecord) error
	QueryAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditRecord, error)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gpurental/backend/services/settlement-service/internal/audit"
	"gpurental/backend/services/settlement-service/internal/metrics"
	"gpurental/backend/services/settlement-service/internal/models"
	"gpurental/backend/services/settlement-service/internal/repository"
)

const maxTransactionPage = 200

// WalletService is the prepaid wallet ledger. Every balance change locks the wallet row
// and re-derives the balance inside the same transaction as the insert.
type WalletService struct {
	store  repository.Store
	audit  Auditor
	logger *zap.Logger
	now    func() time.Time
}

// NewWalletService builds service.
func NewWalletService(store repository.Store, auditor Auditor, logger *zap.Logger) *WalletService {
	return &WalletService{
		store:  store,
		audit:  auditorOrNop(auditor),
		logger: logger,
		now:    time.Now,
	}
}

// LedgerEntry describes a debit or credit. JobID and IdempotencyKey are optional.
type LedgerEntry struct {
	UserID         string
	Amount         int64
	Reason         string
	JobID          string
	IdempotencyKey string
}

func (e LedgerEntry) validate() error {
	if e.UserID == "" {
		return fmt.Errorf("%w: user id required", ErrValidation)
	}
	if e.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	return nil
}

// Debit removes funds from a wallet. A debit carrying a JobID draws first from the
// renter's held reservation for that job.
func (s *WalletService) Debit(ctx context.Context, in LedgerEntry) (*models.WalletTransaction, error) {
	var txn *models.WalletTransaction
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		txn, err = s.debitTx(ctx, tx, in)
		return err
	})
	metrics.RecordLedgerOp("debit", err)
	if err != nil {
		return nil, err
	}
	s.audit.LogEvent(ctx, audit.Event{
		Action:     "wallet.debit",
		ResourceID: in.UserID,
		Details:    map[string]any{"amount_halala": in.Amount, "reason": in.Reason, "job_id": in.JobID},
	})
	return txn, nil
}

// Credit adds funds, creating the wallet on first use.
func (s *WalletService) Credit(ctx context.Context, in LedgerEntry) (*models.WalletTransaction, error) {
	var txn *models.WalletTransaction
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		txn, err = s.creditTx(ctx, tx, in)
		return err
	})
	metrics.RecordLedgerOp("credit", err)
	if err != nil {
		return nil, err
	}
	s.audit.LogEvent(ctx, audit.Event{
		Action:     "wallet.credit",
		ResourceID: in.UserID,
		Details:    map[string]any{"amount_halala": in.Amount, "reason": in.Reason, "job_id": in.JobID},
	})
	return txn, nil
}

// Reserve holds funds for a job. Reserving again for the same job returns the
// existing hold.
func (s *WalletService) Reserve(ctx context.Context, userID string, amount int64, jobID string) (*models.Reservation, error) {
	var res *models.Reservation
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		res, err = s.reserveTx(ctx, tx, userID, amount, jobID)
		return err
	})
	metrics.RecordLedgerOp("reserve", err)
	if err != nil {
		return nil, err
	}
	s.audit.LogEvent(ctx, audit.Event{
		Action:     "wallet.reserve",
		ResourceID: res.ID,
		Details:    map[string]any{"user_id": userID, "amount_halala": amount, "job_id": jobID},
	})
	return res, nil
}

// ReleaseReservation finalises a hold. It is a no-op on a settled or released
// reservation.
func (s *WalletService) ReleaseReservation(ctx context.Context, reservationID string, actualAmount int64) (*models.Reservation, error) {
	var res *models.Reservation
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		res, err = s.releaseTx(ctx, tx, reservationID, actualAmount)
		return err
	})
	metrics.RecordLedgerOp("release", err)
	if err != nil {
		return nil, err
	}
	s.audit.LogEvent(ctx, audit.Event{
		Action:     "wallet.release",
		ResourceID: reservationID,
		Details:    map[string]any{"actual_halala": actualAmount, "status": string(res.Status)},
	})
	return res, nil
}

// GetBalance returns the derived balance. The wallet lock keeps total and reserved
// consistent with each other.
func (s *WalletService) GetBalance(ctx context.Context, userID string) (models.Balance, error) {
	var bal models.Balance
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		if err := lockWallet(ctx, tx, userID); err != nil {
			return err
		}
		var err error
		bal, err = tx.WalletBalance(ctx, userID)
		return err
	})
	return bal, err
}

// ListTransactions returns the newest ledger rows for a user.
func (s *WalletService) ListTransactions(ctx context.Context, userID string, limit int) ([]models.WalletTransaction, error) {
	if limit <= 0 || limit > maxTransactionPage {
		limit = maxTransactionPage
	}
	var txs []models.WalletTransaction
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		if err := lockWallet(ctx, tx, userID); err != nil {
			return err
		}
		var err error
		txs, err = tx.ListTransactions(ctx, userID, limit)
		return err
	})
	if txs == nil && err == nil {
		txs = []models.WalletTransaction{}
	}
	return txs, err
}

func lockWallet(ctx context.Context, tx repository.Tx, userID string) error {
	if err := tx.LockWallet(ctx, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: wallet %s", ErrNotFound, userID)
		}
		return err
	}
	return nil
}

// replay returns the transaction already stored under the entry's idempotency key.
func replay(ctx context.Context, tx repository.Tx, in LedgerEntry, kind models.TransactionKind) (*models.WalletTransaction, error) {
	if in.IdempotencyKey == "" {
		return nil, nil
	}
	existing, err := tx.TransactionByKey(ctx, in.UserID, in.IdempotencyKey)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.Kind != kind || existing.Amount != in.Amount {
		return nil, fmt.Errorf("%w: idempotency key %q reused for a different operation", ErrValidation, in.IdempotencyKey)
	}
	return existing, nil
}

func (s *WalletService) debitTx(ctx context.Context, tx repository.Tx, in LedgerEntry) (*models.WalletTransaction, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := lockWallet(ctx, tx, in.UserID); err != nil {
		return nil, err
	}
	if existing, err := replay(ctx, tx, in, models.TransactionDebit); err != nil || existing != nil {
		return existing, err
	}

	bal, err := tx.WalletBalance(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	spendable := bal.Available
	if in.JobID != "" {
		hold, err := tx.JobHoldRemaining(ctx, in.UserID, in.JobID)
		if err != nil {
			return nil, err
		}
		spendable += hold
	}
	if in.Amount > spendable {
		return nil, fmt.Errorf("%w: need %d halala, spendable %d", ErrInsufficientBalance, in.Amount, spendable)
	}

	txn := s.newTransaction(in, models.TransactionDebit)
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return nil, err
	}
	s.logger.Info("wallet debited",
		zap.String("user_id", in.UserID),
		zap.Int64("amount_halala", in.Amount),
		zap.String("job_id", in.JobID),
		zap.String("reason", in.Reason),
	)
	return txn, nil
}

func (s *WalletService) creditTx(ctx context.Context, tx repository.Tx, in LedgerEntry) (*models.WalletTransaction, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := tx.EnsureWallet(ctx, in.UserID); err != nil {
		return nil, err
	}
	if existing, err := replay(ctx, tx, in, models.TransactionCredit); err != nil || existing != nil {
		return existing, err
	}

	txn := s.newTransaction(in, models.TransactionCredit)
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return nil, err
	}
	s.logger.Info("wallet credited",
		zap.String("user_id", in.UserID),
		zap.Int64("amount_halala", in.Amount),
		zap.String("job_id", in.JobID),
		zap.String("reason", in.Reason),
	)
	return txn, nil
}

func (s *WalletService) reserveTx(ctx context.Context, tx repository.Tx, userID string, amount int64, jobID string) (*models.Reservation, error) {
	if userID == "" || jobID == "" {
		return nil, fmt.Errorf("%w: user id and job id required", ErrValidation)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if err := lockWallet(ctx, tx, userID); err != nil {
		return nil, err
	}

	existing, err := tx.HeldReservation(ctx, userID, jobID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	bal, err := tx.WalletBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if amount > bal.Available {
		return nil, fmt.Errorf("%w: need %d halala, available %d", ErrInsufficientAvailable, amount, bal.Available)
	}

	res := &models.Reservation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Amount:    amount,
		JobID:     jobID,
		Status:    models.ReservationHeld,
		CreatedAt: s.now().UTC(),
	}
	if err := tx.InsertReservation(ctx, res); err != nil {
		return nil, err
	}
	s.logger.Info("wallet funds reserved",
		zap.String("user_id", userID),
		zap.String("reservation_id", res.ID),
		zap.Int64("amount_halala", amount),
		zap.String("job_id", jobID),
	)
	return res, nil
}

// releaseTx locks wallet then reservation, the same order every other ledger path uses.
func (s *WalletService) releaseTx(ctx context.Context, tx repository.Tx, reservationID string, actualAmount int64) (*models.Reservation, error) {
	if actualAmount < 0 {
		return nil, fmt.Errorf("%w: actual amount must not be negative", ErrValidation)
	}
	peek, err := tx.GetReservation(ctx, reservationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: reservation %s", ErrNotFound, reservationID)
		}
		return nil, err
	}
	if err := lockWallet(ctx, tx, peek.UserID); err != nil {
		return nil, err
	}
	res, err := tx.LockReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res.Status.Terminal() {
		return res, nil
	}

	now := s.now().UTC()
	res.Status = models.ReservationReleased
	if actualAmount > 0 {
		res.Status = models.ReservationSettled
	}
	res.SettledAmount = &actualAmount
	res.SettledAt = &now
	if err := tx.FinalizeReservation(ctx, res); err != nil {
		return nil, err
	}
	s.logger.Info("wallet reservation finalised",
		zap.String("reservation_id", res.ID),
		zap.String("user_id", res.UserID),
		zap.String("status", string(res.Status)),
		zap.Int64("reserved_halala", res.Amount),
		zap.Int64("actual_halala", actualAmount),
	)
	return res, nil
}

func (s *WalletService) newTransaction(in LedgerEntry, kind models.TransactionKind) *models.WalletTransaction {
	return &models.WalletTransaction{
		ID:             uuid.NewString(),
		UserID:         in.UserID,
		Kind:           kind,
		Amount:         in.Amount,
		Reason:         in.Reason,
		JobID:          in.JobID,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      s.now().UTC(),
	}
}

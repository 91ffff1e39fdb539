package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gpurental/backend/services/settlement-service/internal/audit"
	"gpurental/backend/services/settlement-service/internal/metrics"
	"gpurental/backend/services/settlement-service/internal/models"
	"gpurental/backend/services/settlement-service/internal/repository"
)

// BillingConfig tunes metering and settlement.
type BillingConfig struct {
	// WindowHours of cost reserved when a session opens.
	WindowHours       int64
	ProviderShareBP   int64
	PlatformAccountID string
}

// BillingService meters jobs into ticks and settles them into receipts.
type BillingService struct {
	store  repository.Store
	wallet *WalletService
	cfg    BillingConfig
	audit  Auditor
	logger *zap.Logger
	now    func() time.Time
}

// NewBillingService builds service.
func NewBillingService(store repository.Store, wallet *WalletService, cfg BillingConfig, auditor Auditor, logger *zap.Logger) *BillingService {
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = 24
	}
	if cfg.ProviderShareBP <= 0 || cfg.ProviderShareBP > basisPoints {
		cfg.ProviderShareBP = DefaultProviderShareBP
	}
	if cfg.PlatformAccountID == "" {
		cfg.PlatformAccountID = "platform"
	}
	return &BillingService{
		store:  store,
		wallet: wallet,
		cfg:    cfg,
		audit:  auditorOrNop(auditor),
		logger: logger,
		now:    time.Now,
	}
}

// StartSessionInput opens metering for a job. ReserveCap, when positive, caps both the
// reserved window and the session's total charge (the job pipeline passes the job's
// max budget).
type StartSessionInput struct {
	JobID       string
	RenterID    string
	ProviderID  string
	RatePerHour int64
	ReserveCap  int64
}

// clock returns the current time at the store's microsecond precision so proof
// hashes recompute identically after a round trip.
func (s *BillingService) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Start opens a session, or returns the job's open session if one exists.
func (s *BillingService) Start(ctx context.Context, in StartSessionInput) (*models.BillingSession, error) {
	if in.JobID == "" || in.RenterID == "" || in.ProviderID == "" {
		return nil, fmt.Errorf("%w: job, renter and provider ids required", ErrValidation)
	}
	if in.RatePerHour <= 0 {
		return nil, fmt.Errorf("%w: rate per hour must be positive", ErrValidation)
	}
	hold := in.RatePerHour * s.cfg.WindowHours
	if in.ReserveCap > 0 && in.ReserveCap < hold {
		hold = in.ReserveCap
	}

	var (
		session *models.BillingSession
		created bool
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		// The wallet lock serialises concurrent starts for the same renter before the
		// open-session check.
		if err := lockWallet(ctx, tx, in.RenterID); err != nil {
			return err
		}
		existing, err := tx.OpenSessionByJob(ctx, in.JobID)
		if err == nil {
			session = existing
			return nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		res, err := s.wallet.reserveTx(ctx, tx, in.RenterID, hold, in.JobID)
		if err != nil {
			return err
		}
		now := s.clock()
		session = &models.BillingSession{
			ID:            uuid.NewString(),
			JobID:         in.JobID,
			RenterID:      in.RenterID,
			ProviderID:    in.ProviderID,
			RatePerHour:   in.RatePerHour,
			MaxCharge:     max(in.ReserveCap, 0),
			ReservationID: res.ID,
			Status:        models.SessionActive,
			StartedAt:     now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		created = true
		return tx.InsertSession(ctx, session)
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("billing session started",
			zap.String("session_id", session.ID),
			zap.String("job_id", in.JobID),
			zap.Int64("rate_per_hour_halala", in.RatePerHour),
			zap.Int64("reserved_halala", hold),
		)
		s.audit.LogEvent(ctx, audit.Event{
			Action:     "billing.session_start",
			ResourceID: session.ID,
			Details:    map[string]any{"job_id": in.JobID, "rate_per_hour_halala": in.RatePerHour, "reserved_halala": hold},
		})
	}
	return session, nil
}

// RecordTick charges the whole minutes elapsed since the previous tick. Zero new minutes
// returns ErrNoNewMinutes and changes nothing, so duplicate triggers never double charge.
func (s *BillingService) RecordTick(ctx context.Context, sessionID string) (*models.BillingTick, error) {
	var tick *models.BillingTick
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		session, err := lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session.Status != models.SessionActive {
			return fmt.Errorf("%w: session %s is %s", ErrSessionNotActive, sessionID, session.Status)
		}

		ticks, err := tx.ListTicks(ctx, sessionID)
		if err != nil {
			return err
		}
		var prevElapsed, number, ticked int64 = 0, 1, 0
		for _, t := range ticks {
			ticked += t.Amount
		}
		if n := len(ticks); n > 0 {
			prevElapsed, number = ticks[n-1].ElapsedMinutes, ticks[n-1].TickNumber+1
		}

		now := s.clock()
		elapsed := WholeMinutes(session.StartedAt, now)
		increment := elapsed - prevElapsed
		if increment <= 0 {
			return ErrNoNewMinutes
		}
		amount := capCharge(ChargeFor(increment, session.RatePerHour), ticked, session.MaxCharge)
		split := splitCost(amount, s.cfg.ProviderShareBP)

		key := "tick:" + sessionID + ":" + strconv.FormatInt(number, 10)
		if err := s.transfer(ctx, tx, session, amount, split, key, "billing tick"); err != nil {
			return err
		}

		tick = &models.BillingTick{
			ID:               uuid.NewString(),
			SessionID:        sessionID,
			TickNumber:       number,
			ElapsedMinutes:   elapsed,
			IncrementMinutes: increment,
			Amount:           amount,
			ProviderShare:    split.Provider,
			PlatformShare:    split.Platform,
			ProofHash:        ProofHash(session.JobID, sessionID, amount, now),
			RecordedAt:       now,
		}
		return tx.InsertTick(ctx, tick)
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordTick(tick.Amount)
	s.logger.Info("billing tick recorded",
		zap.String("session_id", sessionID),
		zap.Int64("tick_number", tick.TickNumber),
		zap.Int64("increment_minutes", tick.IncrementMinutes),
		zap.Int64("amount_halala", tick.Amount),
		zap.Int64("provider_halala", tick.ProviderShare),
		zap.Int64("platform_halala", tick.PlatformShare),
	)
	s.audit.LogEvent(ctx, audit.Event{
		Action:     "billing.tick",
		ResourceID: sessionID,
		Details: map[string]any{
			"tick_number":   tick.TickNumber,
			"amount_halala": tick.Amount,
			"proof_hash":    tick.ProofHash,
		},
	})
	return tick, nil
}

// transfer debits the renter and credits provider and platform inside tx. Keys derive
// from base so a retried settlement cannot apply twice.
func (s *BillingService) transfer(ctx context.Context, tx repository.Tx, session *models.BillingSession, amount int64, split Split, base, reason string) error {
	if amount <= 0 {
		return nil
	}
	if _, err := s.wallet.debitTx(ctx, tx, LedgerEntry{
		UserID:         session.RenterID,
		Amount:         amount,
		Reason:         reason,
		JobID:          session.JobID,
		IdempotencyKey: base,
	}); err != nil {
		return err
	}
	if split.Provider > 0 {
		if _, err := s.wallet.creditTx(ctx, tx, LedgerEntry{
			UserID:         session.ProviderID,
			Amount:         split.Provider,
			Reason:         reason + " provider share",
			JobID:          session.JobID,
			IdempotencyKey: base + ":provider",
		}); err != nil {
			return err
		}
	}
	if split.Platform > 0 {
		if _, err := s.wallet.creditTx(ctx, tx, LedgerEntry{
			UserID:         s.cfg.PlatformAccountID,
			Amount:         split.Platform,
			Reason:         reason + " platform share",
			JobID:          session.JobID,
			IdempotencyKey: base + ":platform",
		}); err != nil {
			return err
		}
	}
	return nil
}

// Close settles a session. The first transaction moves it to closing so no further
// ticks land; the second settles. A failed settlement leaves the session closing and
// Close can be retried. Closing a closed session returns its receipt.
func (s *BillingService) Close(ctx context.Context, sessionID string) (*models.BillingReceipt, error) {
	var receipt *models.BillingReceipt
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		session, err := lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		switch session.Status {
		case models.SessionClosed:
			receipt, err = tx.ReceiptBySession(ctx, sessionID)
			return err
		case models.SessionActive:
			now := s.clock()
			session.Status = models.SessionClosing
			session.EndedAt = &now
			session.UpdatedAt = now
			return tx.UpdateSession(ctx, session)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if receipt != nil {
		return receipt, nil
	}

	var settled bool
	err = s.store.InTx(ctx, func(tx repository.Tx) error {
		session, err := lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session.Status == models.SessionClosed {
			receipt, err = tx.ReceiptBySession(ctx, sessionID)
			return err
		}
		receipt, err = s.settle(ctx, tx, session)
		settled = err == nil
		return err
	})
	if err != nil {
		s.logger.Error("billing settlement failed, session left closing",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return nil, err
	}
	if settled {
		metrics.RecordReceipt(receipt.SettlementAmount)
		s.logger.Info("billing session closed",
			zap.String("session_id", sessionID),
			zap.String("job_id", receipt.JobID),
			zap.Int64("total_minutes", receipt.TotalMinutes),
			zap.Int64("total_halala", receipt.TotalCharged),
			zap.Int64("settlement_halala", receipt.SettlementAmount),
		)
		s.audit.LogEvent(ctx, audit.Event{
			Action:     "billing.session_close",
			ResourceID: sessionID,
			Details: map[string]any{
				"total_minutes":     receipt.TotalMinutes,
				"total_halala":      receipt.TotalCharged,
				"settlement_halala": receipt.SettlementAmount,
				"receipt_hash":      receipt.ReceiptHash,
			},
		})
	}
	return receipt, nil
}

func (s *BillingService) settle(ctx context.Context, tx repository.Tx, session *models.BillingSession) (*models.BillingReceipt, error) {
	ticks, err := tx.ListTicks(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	var (
		ticked, providerTotal, platformTotal int64
		lastElapsed                          int64
		lastProof                            string
	)
	for _, t := range ticks {
		ticked += t.Amount
		providerTotal += t.ProviderShare
		platformTotal += t.PlatformShare
		lastElapsed = t.ElapsedMinutes
		lastProof = t.ProofHash
	}

	endedAt := s.clock()
	if session.EndedAt != nil {
		endedAt = *session.EndedAt
	}
	totalMinutes := WholeMinutes(session.StartedAt, endedAt)
	if totalMinutes < lastElapsed {
		totalMinutes = lastElapsed
	}
	full := ChargeFor(totalMinutes, session.RatePerHour)
	if session.MaxCharge > 0 && full > session.MaxCharge {
		full = session.MaxCharge
	}
	remainder := full - ticked
	if remainder < 0 {
		return nil, fmt.Errorf("%w: session %s ticks charged %d beyond full charge %d", ErrIntegrityViolation, session.ID, ticked, full)
	}

	split := splitCost(remainder, s.cfg.ProviderShareBP)
	if err := s.transfer(ctx, tx, session, remainder, split, "settle:"+session.ID, "billing settlement"); err != nil {
		return nil, err
	}
	if _, err := s.wallet.releaseTx(ctx, tx, session.ReservationID, full); err != nil {
		return nil, err
	}

	now := s.clock()
	receipt := &models.BillingReceipt{
		ID:               uuid.NewString(),
		SessionID:        session.ID,
		JobID:            session.JobID,
		TotalMinutes:     totalMinutes,
		TotalCharged:     ticked + remainder,
		ProviderPayout:   providerTotal + split.Provider,
		PlatformRevenue:  platformTotal + split.Platform,
		SettlementAmount: remainder,
		ClosedAt:         now,
	}
	receipt.ReceiptHash = ReceiptHash(receipt, lastProof)
	if err := tx.InsertReceipt(ctx, receipt); err != nil {
		return nil, err
	}

	session.Status = models.SessionClosed
	session.EndedAt = &endedAt
	session.UpdatedAt = now
	if err := tx.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	return receipt, nil
}

// Verify recomputes every tick's proof hash and split, and the receipt totals, without
// writing anything.
func (s *BillingService) Verify(ctx context.Context, sessionID string) (*models.IntegrityReport, error) {
	var report *models.IntegrityReport
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		session, err := getSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		ticks, err := tx.ListTicks(ctx, sessionID)
		if err != nil {
			return err
		}
		receipt, err := tx.ReceiptBySession(ctx, sessionID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		report = s.verify(session, ticks, receipt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !report.Valid {
		s.logger.Warn("billing integrity violation detected",
			zap.String("session_id", sessionID),
			zap.Int("discrepancies", len(report.Discrepancies)),
		)
		s.audit.LogEvent(ctx, audit.Event{
			Action:     "billing.integrity_violation",
			ResourceID: sessionID,
			Details:    map[string]any{"discrepancies": report.Discrepancies},
		})
	}
	return report, nil
}

func (s *BillingService) verify(session *models.BillingSession, ticks []models.BillingTick, receipt *models.BillingReceipt) *models.IntegrityReport {
	report := &models.IntegrityReport{
		SessionID:     session.ID,
		TicksChecked:  len(ticks),
		Discrepancies: []models.Discrepancy{},
	}
	add := func(d models.Discrepancy) { report.Discrepancies = append(report.Discrepancies, d) }
	itoa := func(v int64) string { return strconv.FormatInt(v, 10) }

	var (
		sum         int64
		lastElapsed int64
		lastProof   string
	)
	for i, t := range ticks {
		if want := int64(i + 1); t.TickNumber != want {
			add(models.Discrepancy{
				Kind: models.DiscrepancyNonSequential, TickNumber: t.TickNumber, TickID: t.ID,
				Expected: itoa(want), Actual: itoa(t.TickNumber),
			})
		}
		if want := ProofHash(session.JobID, session.ID, t.Amount, t.RecordedAt); want != t.ProofHash {
			add(models.Discrepancy{
				Kind: models.DiscrepancyHashMismatch, TickNumber: t.TickNumber, TickID: t.ID,
				Expected: want, Actual: t.ProofHash,
			})
		}
		want := splitCost(t.Amount, s.cfg.ProviderShareBP)
		if t.ProviderShare != want.Provider || t.PlatformShare != want.Platform {
			add(models.Discrepancy{
				Kind: models.DiscrepancySplitMismatch, TickNumber: t.TickNumber, TickID: t.ID,
				Expected: fmt.Sprintf("%d/%d", want.Provider, want.Platform),
				Actual:   fmt.Sprintf("%d/%d", t.ProviderShare, t.PlatformShare),
			})
		}
		if want := capCharge(ChargeFor(t.IncrementMinutes, session.RatePerHour), sum, session.MaxCharge); want != t.Amount || t.ElapsedMinutes-lastElapsed != t.IncrementMinutes {
			add(models.Discrepancy{
				Kind: models.DiscrepancyAmountMismatch, TickNumber: t.TickNumber, TickID: t.ID,
				Expected: itoa(want), Actual: itoa(t.Amount),
			})
		}
		sum += t.Amount
		lastElapsed = t.ElapsedMinutes
		lastProof = t.ProofHash
	}

	if receipt != nil {
		if want := sum + receipt.SettlementAmount; want != receipt.TotalCharged {
			add(models.Discrepancy{Kind: models.DiscrepancyTotalMismatch, Expected: itoa(want), Actual: itoa(receipt.TotalCharged)})
		}
		if want := ReceiptHash(receipt, lastProof); want != receipt.ReceiptHash {
			add(models.Discrepancy{Kind: models.DiscrepancyReceiptHash, Expected: want, Actual: receipt.ReceiptHash})
		}
	}
	report.Valid = len(report.Discrepancies) == 0
	return report
}

// GetSession returns a session by id.
func (s *BillingService) GetSession(ctx context.Context, sessionID string) (*models.BillingSession, error) {
	var session *models.BillingSession
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		session, err = getSession(ctx, tx, sessionID)
		return err
	})
	return session, err
}

// ListTicks returns a session's ticks in order.
func (s *BillingService) ListTicks(ctx context.Context, sessionID string) ([]models.BillingTick, error) {
	var ticks []models.BillingTick
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		if _, err := getSession(ctx, tx, sessionID); err != nil {
			return err
		}
		var err error
		ticks, err = tx.ListTicks(ctx, sessionID)
		return err
	})
	if ticks == nil && err == nil {
		ticks = []models.BillingTick{}
	}
	return ticks, err
}

// GetReceipt returns the receipt of a closed session.
func (s *BillingService) GetReceipt(ctx context.Context, sessionID string) (*models.BillingReceipt, error) {
	var receipt *models.BillingReceipt
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		receipt, err = tx.ReceiptBySession(ctx, sessionID)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: receipt for session %s", ErrNotFound, sessionID)
		}
		return err
	})
	return receipt, err
}

// ListActiveSessions returns ids of sessions still metering.
func (s *BillingService) ListActiveSessions(ctx context.Context, limit int) ([]string, error) {
	return s.listSessions(ctx, models.SessionActive, limit)
}

// ListClosingSessions returns ids of sessions whose settlement has not completed.
func (s *BillingService) ListClosingSessions(ctx context.Context, limit int) ([]string, error) {
	return s.listSessions(ctx, models.SessionClosing, limit)
}

func (s *BillingService) listSessions(ctx context.Context, status models.SessionStatus, limit int) ([]string, error) {
	var ids []string
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		ids, err = tx.ListSessionIDsByStatus(ctx, status, limit)
		return err
	})
	return ids, err
}

// capCharge limits a charge to what is left under maxCharge after charged. A zero
// maxCharge leaves the charge as is.
func capCharge(charge, charged, maxCharge int64) int64 {
	if maxCharge <= 0 {
		return charge
	}
	return min(charge, max(maxCharge-charged, 0))
}

func getSession(ctx context.Context, tx repository.Tx, id string) (*models.BillingSession, error) {
	session, err := tx.GetSession(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: billing session %s", ErrNotFound, id)
	}
	return session, err
}

func lockSession(ctx context.Context, tx repository.Tx, id string) (*models.BillingSession, error) {
	session, err := tx.LockSession(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: billing session %s", ErrNotFound, id)
	}
	return session, err
}

package repository

import (
	"context"
	"database/sql"

	"gpurental/backend/services/settlement-service/internal/models"
)

const sessionColumns = `id, job_id, renter_id, provider_id, rate_per_hour, max_charge, reservation_id, status, started_at, ended_at, created_at, updated_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*models.BillingSession, error) {
	var (
		s       models.BillingSession
		endedAt sql.NullTime
	)
	if err := row.Scan(
		&s.ID,
		&s.JobID,
		&s.RenterID,
		&s.ProviderID,
		&s.RatePerHour,
		&s.MaxCharge,
		&s.ReservationID,
		&s.Status,
		&s.StartedAt,
		&endedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, mapErr(err)
	}
	if endedAt.Valid {
		v := endedAt.Time
		s.EndedAt = &v
	}
	return &s, nil
}

func (t *pgTx) OpenSessionByJob(ctx context.Context, jobID string) (*models.BillingSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM billing_sessions WHERE job_id = $1 AND status <> 'closed'`
	return scanSession(t.tx.QueryRowContext(ctx, query, jobID))
}

func (t *pgTx) GetSession(ctx context.Context, id string) (*models.BillingSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM billing_sessions WHERE id = $1`
	return scanSession(t.tx.QueryRowContext(ctx, query, id))
}

func (t *pgTx) LockSession(ctx context.Context, id string) (*models.BillingSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM billing_sessions WHERE id = $1 FOR UPDATE`
	return scanSession(t.tx.QueryRowContext(ctx, query, id))
}

func (t *pgTx) InsertSession(ctx context.Context, s *models.BillingSession) error {
	const query = `
		INSERT INTO billing_sessions (id, job_id, renter_id, provider_id, rate_per_hour, max_charge, reservation_id, status, started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := t.tx.ExecContext(ctx, query,
		s.ID,
		s.JobID,
		s.RenterID,
		s.ProviderID,
		s.RatePerHour,
		s.MaxCharge,
		s.ReservationID,
		string(s.Status),
		s.StartedAt,
		s.CreatedAt,
		s.UpdatedAt,
	)
	return mapErr(err)
}

func (t *pgTx) UpdateSession(ctx context.Context, s *models.BillingSession) error {
	const query = `
		UPDATE billing_sessions
		SET status = $2,
		    ended_at = $3,
		    updated_at = $4
		WHERE id = $1
	`
	res, err := t.tx.ExecContext(ctx, query, s.ID, string(s.Status), s.EndedAt, s.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	return requireAffected(res)
}

func (t *pgTx) ListSessionIDsByStatus(ctx context.Context, status models.SessionStatus, limit int) ([]string, error) {
	const query = `SELECT id FROM billing_sessions WHERE status = $1 ORDER BY started_at LIMIT $2`
	return t.listIDs(ctx, query, string(status), limit)
}

func (t *pgTx) listIDs(ctx context.Context, query string, status string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const tickColumns = `id, session_id, tick_number, elapsed_minutes, increment_minutes, amount, provider_share, platform_share, proof_hash, recorded_at`

func scanTick(row interface{ Scan(...interface{}) error }) (*models.BillingTick, error) {
	var tk models.BillingTick
	if err := row.Scan(
		&tk.ID,
		&tk.SessionID,
		&tk.TickNumber,
		&tk.ElapsedMinutes,
		&tk.IncrementMinutes,
		&tk.Amount,
		&tk.ProviderShare,
		&tk.PlatformShare,
		&tk.ProofHash,
		&tk.RecordedAt,
	); err != nil {
		return nil, mapErr(err)
	}
	return &tk, nil
}

func (t *pgTx) ListTicks(ctx context.Context, sessionID string) ([]models.BillingTick, error) {
	query := `SELECT ` + tickColumns + ` FROM billing_ticks WHERE session_id = $1 ORDER BY tick_number`
	rows, err := t.tx.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var ticks []models.BillingTick
	for rows.Next() {
		tk, err := scanTick(rows)
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, *tk)
	}
	return ticks, rows.Err()
}

func (t *pgTx) InsertTick(ctx context.Context, tk *models.BillingTick) error {
	const query = `
		INSERT INTO billing_ticks (id, session_id, tick_number, elapsed_minutes, increment_minutes, amount, provider_share, platform_share, proof_hash, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := t.tx.ExecContext(ctx, query,
		tk.ID,
		tk.SessionID,
		tk.TickNumber,
		tk.ElapsedMinutes,
		tk.IncrementMinutes,
		tk.Amount,
		tk.ProviderShare,
		tk.PlatformShare,
		tk.ProofHash,
		tk.RecordedAt,
	)
	return mapErr(err)
}

func (t *pgTx) ReceiptBySession(ctx context.Context, sessionID string) (*models.BillingReceipt, error) {
	const query = `
		SELECT id, session_id, job_id, total_minutes, total_charged, provider_payout, platform_revenue, settlement_amount, receipt_hash, closed_at
		FROM billing_receipts
		WHERE session_id = $1
	`
	var r models.BillingReceipt
	if err := t.tx.QueryRowContext(ctx, query, sessionID).Scan(
		&r.ID,
		&r.SessionID,
		&r.JobID,
		&r.TotalMinutes,
		&r.TotalCharged,
		&r.ProviderPayout,
		&r.PlatformRevenue,
		&r.SettlementAmount,
		&r.ReceiptHash,
		&r.ClosedAt,
	); err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (t *pgTx) InsertReceipt(ctx context.Context, r *models.BillingReceipt) error {
	const query = `
		INSERT INTO billing_receipts (id, session_id, job_id, total_minutes, total_charged, provider_payout, platform_revenue, settlement_amount, receipt_hash, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := t.tx.ExecContext(ctx, query,
		r.ID,
		r.SessionID,
		r.JobID,
		r.TotalMinutes,
		r.TotalCharged,
		r.ProviderPayout,
		r.PlatformRevenue,
		r.SettlementAmount,
		r.ReceiptHash,
		r.ClosedAt,
	)
	return mapErr(err)
}

package repository

import (
	"context"
	"database/sql"
	"time"

	"gpurental/backend/services/settlement-service/internal/models"
)

func (t *pgTx) LockWallet(ctx context.Context, userID string) error {
	const query = `SELECT user_id FROM wallets WHERE user_id = $1 FOR UPDATE`
	var id string
	return mapErr(t.tx.QueryRowContext(ctx, query, userID).Scan(&id))
}

func (t *pgTx) EnsureWallet(ctx context.Context, userID string) error {
	const query = `INSERT INTO wallets (user_id, created_at) VALUES ($1, NOW()) ON CONFLICT (user_id) DO NOTHING`
	if _, err := t.tx.ExecContext(ctx, query, userID); err != nil {
		return mapErr(err)
	}
	return t.LockWallet(ctx, userID)
}

func (t *pgTx) WalletBalance(ctx context.Context, userID string) (models.Balance, error) {
	const totalQuery = `
		SELECT COALESCE(SUM(CASE WHEN kind = 'credit' THEN amount ELSE -amount END), 0)
		FROM wallet_transactions
		WHERE user_id = $1
	`
	const reservedQuery = `
		SELECT COALESCE(SUM(GREATEST(r.amount - COALESCE(d.spent, 0), 0)), 0)
		FROM wallet_reservations r
		LEFT JOIN (
			SELECT job_id, SUM(amount) AS spent
			FROM wallet_transactions
			WHERE user_id = $1 AND kind = 'debit' AND job_id IS NOT NULL
			GROUP BY job_id
		) d ON d.job_id = r.job_id
		WHERE r.user_id = $1 AND r.status = 'held'
	`
	var total, reserved int64
	if err := t.tx.QueryRowContext(ctx, totalQuery, userID).Scan(&total); err != nil {
		return models.Balance{}, mapErr(err)
	}
	if err := t.tx.QueryRowContext(ctx, reservedQuery, userID).Scan(&reserved); err != nil {
		return models.Balance{}, mapErr(err)
	}
	return models.NewBalance(userID, total, reserved), nil
}

func (t *pgTx) JobHoldRemaining(ctx context.Context, userID, jobID string) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(GREATEST(r.amount - COALESCE((
			SELECT SUM(amount) FROM wallet_transactions
			WHERE user_id = $1 AND kind = 'debit' AND job_id = $2
		), 0), 0)), 0)
		FROM wallet_reservations r
		WHERE r.user_id = $1 AND r.job_id = $2 AND r.status = 'held'
	`
	var remaining int64
	if err := t.tx.QueryRowContext(ctx, query, userID, jobID).Scan(&remaining); err != nil {
		return 0, mapErr(err)
	}
	return remaining, nil
}

const transactionColumns = `id, user_id, kind, amount, reason, COALESCE(job_id, ''), COALESCE(idempotency_key, ''), created_at`

func scanTransaction(row interface{ Scan(...interface{}) error }) (*models.WalletTransaction, error) {
	var wt models.WalletTransaction
	if err := row.Scan(
		&wt.ID,
		&wt.UserID,
		&wt.Kind,
		&wt.Amount,
		&wt.Reason,
		&wt.JobID,
		&wt.IdempotencyKey,
		&wt.CreatedAt,
	); err != nil {
		return nil, mapErr(err)
	}
	return &wt, nil
}

func (t *pgTx) TransactionByKey(ctx context.Context, userID, key string) (*models.WalletTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM wallet_transactions WHERE user_id = $1 AND idempotency_key = $2`
	return scanTransaction(t.tx.QueryRowContext(ctx, query, userID, key))
}

func (t *pgTx) InsertTransaction(ctx context.Context, wt *models.WalletTransaction) error {
	const query = `
		INSERT INTO wallet_transactions (id, user_id, kind, amount, reason, job_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := t.tx.ExecContext(ctx, query,
		wt.ID,
		wt.UserID,
		string(wt.Kind),
		wt.Amount,
		wt.Reason,
		nullString(wt.JobID),
		nullString(wt.IdempotencyKey),
		wt.CreatedAt,
	)
	return mapErr(err)
}

func (t *pgTx) ListTransactions(ctx context.Context, userID string, limit int) ([]models.WalletTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + transactionColumns + ` FROM wallet_transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := t.tx.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var txs []models.WalletTransaction
	for rows.Next() {
		wt, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *wt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}

const reservationColumns = `id, user_id, amount, job_id, status, settled_amount, settled_at, created_at`

func scanReservation(row interface{ Scan(...interface{}) error }) (*models.Reservation, error) {
	var (
		r             models.Reservation
		settledAmount sql.NullInt64
		settledAt     sql.NullTime
	)
	if err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.Amount,
		&r.JobID,
		&r.Status,
		&settledAmount,
		&settledAt,
		&r.CreatedAt,
	); err != nil {
		return nil, mapErr(err)
	}
	if settledAmount.Valid {
		v := settledAmount.Int64
		r.SettledAmount = &v
	}
	if settledAt.Valid {
		v := settledAt.Time
		r.SettledAt = &v
	}
	return &r, nil
}

func (t *pgTx) HeldReservation(ctx context.Context, userID, jobID string) (*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM wallet_reservations WHERE user_id = $1 AND job_id = $2 AND status = 'held'`
	return scanReservation(t.tx.QueryRowContext(ctx, query, userID, jobID))
}

func (t *pgTx) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM wallet_reservations WHERE id = $1`
	return scanReservation(t.tx.QueryRowContext(ctx, query, id))
}

func (t *pgTx) LockReservation(ctx context.Context, id string) (*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM wallet_reservations WHERE id = $1 FOR UPDATE`
	return scanReservation(t.tx.QueryRowContext(ctx, query, id))
}

func (t *pgTx) InsertReservation(ctx context.Context, r *models.Reservation) error {
	const query = `
		INSERT INTO wallet_reservations (id, user_id, amount, job_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := t.tx.ExecContext(ctx, query, r.ID, r.UserID, r.Amount, r.JobID, string(r.Status), r.CreatedAt)
	return mapErr(err)
}

// FinalizeReservation writes the terminal status. The WHERE clause keeps a settled or
// released reservation from being rewritten.
func (t *pgTx) FinalizeReservation(ctx context.Context, r *models.Reservation) error {
	const query = `
		UPDATE wallet_reservations
		SET status = $2,
		    settled_amount = $3,
		    settled_at = $4
		WHERE id = $1 AND status = 'held'
	`
	var settledAt interface{}
	if r.SettledAt != nil {
		settledAt = r.SettledAt.UTC()
	} else {
		settledAt = time.Now().UTC()
	}
	res, err := t.tx.ExecContext(ctx, query, r.ID, string(r.Status), r.SettledAmount, settledAt)
	if err != nil {
		return mapErr(err)
	}
	return requireAffected(res)
}

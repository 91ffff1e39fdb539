package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"gpurental/backend/services/settlement-service/internal/models"
)

// AuditRepository writes audit records outside of any business transaction.
type AuditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) InsertAudit(ctx context.Context, rec *models.AuditRecord) error {
	const query = `
		INSERT INTO audit_log (id, actor, action, resource_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	var details interface{}
	if len(rec.Details) > 0 {
		details = string(rec.Details)
	}
	_, err := r.db.ExecContext(ctx, query, rec.ID, rec.Actor, rec.Action, rec.ResourceID, details, rec.CreatedAt)
	return mapErr(err)
}

// QueryAudit returns one page of records, newest first. Page and PageSize must already
// be normalised by the caller.
func (r *AuditRepository) QueryAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}

	query := `SELECT id, actor, action, resource_id, COALESCE(details::text, ''), created_at FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var records []models.AuditRecord
	for rows.Next() {
		var (
			rec     models.AuditRecord
			details string
		)
		if err := rows.Scan(&rec.ID, &rec.Actor, &rec.Action, &rec.ResourceID, &details, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if details != "" {
			rec.Details = []byte(details)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

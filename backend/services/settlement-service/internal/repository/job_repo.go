package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"gpurental/backend/services/settlement-service/internal/models"
)

const jobColumns = `id, renter_id, COALESCE(gpu_id, ''), COALESCE(provider_id, ''), COALESCE(container_id, ''),
	COALESCE(billing_session_id::text, ''), image, command, job_code_path, required_vram_gb, estimated_hours,
	rate_per_hour, max_budget, status, final_cost, gpu_wipe_failed, failure_reason, created_at, started_at,
	finished_at, updated_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*models.Job, error) {
	var (
		j          models.Job
		command    []byte
		finalCost  sql.NullInt64
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	if err := row.Scan(
		&j.ID,
		&j.RenterID,
		&j.GPUID,
		&j.ProviderID,
		&j.ContainerID,
		&j.BillingSessionID,
		&j.Image,
		&command,
		&j.JobCodePath,
		&j.RequiredVRAMGB,
		&j.EstimatedHours,
		&j.RatePerHour,
		&j.MaxBudget,
		&j.Status,
		&finalCost,
		&j.GPUWipeFailed,
		&j.FailureReason,
		&j.CreatedAt,
		&startedAt,
		&finishedAt,
		&j.UpdatedAt,
	); err != nil {
		return nil, mapErr(err)
	}
	if len(command) > 0 {
		if err := json.Unmarshal(command, &j.Command); err != nil {
			return nil, fmt.Errorf("repository: decode job command: %w", err)
		}
	}
	if finalCost.Valid {
		v := finalCost.Int64
		j.FinalCost = &v
	}
	if startedAt.Valid {
		v := startedAt.Time
		j.StartedAt = &v
	}
	if finishedAt.Valid {
		v := finishedAt.Time
		j.FinishedAt = &v
	}
	return &j, nil
}

func encodeCommand(cmd []string) ([]byte, error) {
	if cmd == nil {
		cmd = []string{}
	}
	return json.Marshal(cmd)
}

func (t *pgTx) InsertJob(ctx context.Context, j *models.Job) error {
	const query = `
		INSERT INTO jobs (id, renter_id, image, command, job_code_path, required_vram_gb, estimated_hours, max_budget, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	command, err := encodeCommand(j.Command)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, query,
		j.ID,
		j.RenterID,
		j.Image,
		string(command),
		j.JobCodePath,
		j.RequiredVRAMGB,
		j.EstimatedHours,
		j.MaxBudget,
		string(j.Status),
		j.CreatedAt,
		j.UpdatedAt,
	)
	return mapErr(err)
}

func (t *pgTx) GetJob(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	return scanJob(t.tx.QueryRowContext(ctx, query, id))
}

func (t *pgTx) LockJob(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 FOR UPDATE`
	return scanJob(t.tx.QueryRowContext(ctx, query, id))
}

func (t *pgTx) UpdateJob(ctx context.Context, j *models.Job) error {
	const query = `
		UPDATE jobs
		SET gpu_id = $2,
		    provider_id = $3,
		    container_id = $4,
		    billing_session_id = $5,
		    rate_per_hour = $6,
		    status = $7,
		    final_cost = $8,
		    gpu_wipe_failed = $9,
		    failure_reason = $10,
		    started_at = $11,
		    finished_at = $12,
		    updated_at = $13
		WHERE id = $1
	`
	res, err := t.tx.ExecContext(ctx, query,
		j.ID,
		nullString(j.GPUID),
		nullString(j.ProviderID),
		nullString(j.ContainerID),
		nullString(j.BillingSessionID),
		j.RatePerHour,
		string(j.Status),
		j.FinalCost,
		j.GPUWipeFailed,
		j.FailureReason,
		j.StartedAt,
		j.FinishedAt,
		j.UpdatedAt,
	)
	if err != nil {
		return mapErr(err)
	}
	return requireAffected(res)
}

func (t *pgTx) ListJobIDsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]string, error) {
	const query = `SELECT id FROM jobs WHERE status = $1 ORDER BY created_at LIMIT $2`
	return t.listIDs(ctx, query, string(status), limit)
}

const gpuColumns = `id, provider_id, model, vram_gb, rate_per_hour, reliability, device_id, status, updated_at`

func scanGPU(row interface{ Scan(...interface{}) error }) (*models.ProviderGPU, error) {
	var g models.ProviderGPU
	if err := row.Scan(
		&g.ID,
		&g.ProviderID,
		&g.Model,
		&g.VRAMGB,
		&g.RatePerHour,
		&g.Reliability,
		&g.DeviceID,
		&g.Status,
		&g.UpdatedAt,
	); err != nil {
		return nil, mapErr(err)
	}
	return &g, nil
}

func (t *pgTx) ListAvailableGPUs(ctx context.Context, minVRAMGB int) ([]models.ProviderGPU, error) {
	query := `SELECT ` + gpuColumns + ` FROM provider_gpus WHERE status = 'available' AND vram_gb >= $1`
	rows, err := t.tx.QueryContext(ctx, query, minVRAMGB)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var gpus []models.ProviderGPU
	for rows.Next() {
		g, err := scanGPU(rows)
		if err != nil {
			return nil, err
		}
		gpus = append(gpus, *g)
	}
	return gpus, rows.Err()
}

func (t *pgTx) GetGPU(ctx context.Context, id string) (*models.ProviderGPU, error) {
	query := `SELECT ` + gpuColumns + ` FROM provider_gpus WHERE id = $1`
	return scanGPU(t.tx.QueryRowContext(ctx, query, id))
}

func (t *pgTx) LockGPU(ctx context.Context, id string) (*models.ProviderGPU, error) {
	query := `SELECT ` + gpuColumns + ` FROM provider_gpus WHERE id = $1 FOR UPDATE`
	return scanGPU(t.tx.QueryRowContext(ctx, query, id))
}

func (t *pgTx) UpdateGPUStatus(ctx context.Context, id string, status models.GPUStatus, at time.Time) error {
	const query = `UPDATE provider_gpus SET status = $2, updated_at = $3 WHERE id = $1`
	res, err := t.tx.ExecContext(ctx, query, id, string(status), at)
	if err != nil {
		return mapErr(err)
	}
	return requireAffected(res)
}

func (t *pgTx) UpsertGPU(ctx context.Context, g *models.ProviderGPU) error {
	const query = `
		INSERT INTO provider_gpus (id, provider_id, model, vram_gb, rate_per_hour, reliability, device_id, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET provider_id = EXCLUDED.provider_id,
		    model = EXCLUDED.model,
		    vram_gb = EXCLUDED.vram_gb,
		    rate_per_hour = EXCLUDED.rate_per_hour,
		    reliability = EXCLUDED.reliability,
		    device_id = EXCLUDED.device_id,
		    status = EXCLUDED.status,
		    updated_at = EXCLUDED.updated_at
	`
	_, err := t.tx.ExecContext(ctx, query,
		g.ID,
		g.ProviderID,
		g.Model,
		g.VRAMGB,
		g.RatePerHour,
		g.Reliability,
		g.DeviceID,
		string(g.Status),
		g.UpdatedAt,
	)
	return mapErr(err)
}

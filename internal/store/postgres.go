package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sandbox-runner/internal/models"
)

// Postgres is the durable Store implementation backed by pgx.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJob inserts a job row in state queued and the creation audit record
// in one transaction.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, payload_ref, image, state, cpu_limit, memory_limit, timeout_ms, network_allowed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, id, p.PayloadRef, p.Image, models.StateQueued, p.Limits.CPU, p.Limits.Memory, p.Limits.Timeout.Milliseconds(), p.Limits.NetworkAllowed, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO job_audit (job_id, from_state, to_state, detail, at)
		VALUES ($1, '', $2, '', $3)
	`, id, models.StateQueued, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:         id,
		PayloadRef: p.PayloadRef,
		Image:      p.Image,
		State:      models.StateQueued,
		Limits:     p.Limits,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `
		SELECT id, payload_ref, image, state, cpu_limit, memory_limit, timeout_ms, network_allowed, result, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id))
}

// Transition locks the job row, validates the state machine, applies the
// update and appends the audit record atomically. Concurrent callers for
// the same job serialize on the row lock; other jobs are unaffected.
func (s *Postgres) Transition(ctx context.Context, id, to string, result *models.Result, detail string) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var from string
	err = tx.QueryRow(ctx, `SELECT state FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&from)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("lock job: %w", err)
	}

	if !models.CanTransition(from, to) {
		return models.Job{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	var resultJSON []byte
	if result != nil {
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return models.Job{}, fmt.Errorf("marshal result: %w", err)
		}
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE jobs SET state = $2, result = COALESCE($3, result), updated_at = $4 WHERE id = $1
	`, id, to, resultJSON, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO job_audit (job_id, from_state, to_state, detail, at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, from, to, detail, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert audit: %w", err)
	}

	job, err := scanJob(tx.QueryRow(ctx, `
		SELECT id, payload_ref, image, state, cpu_limit, memory_limit, timeout_ms, network_allowed, result, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id))
	if err != nil {
		return models.Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// AuditTrail returns a job's transition records in write order.
func (s *Postgres) AuditTrail(ctx context.Context, id string) ([]models.AuditRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, from_state, to_state, detail, at
		FROM job_audit WHERE job_id = $1 ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var records []models.AuditRecord
	for rows.Next() {
		var r models.AuditRecord
		if err := rows.Scan(&r.JobID, &r.FromState, &r.ToState, &r.Detail, &r.At); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ReconcileOrphans fails every job still marked running. Run at startup
// before accepting work; any such job's backing process died with the
// previous worker.
func (s *Postgres) ReconcileOrphans(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM jobs WHERE state = $1`, models.StateRunning)
	if err != nil {
		return nil, fmt.Errorf("query running jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var reconciled []string
	for _, id := range ids {
		result := &models.Result{Allowed: true, ExitCode: -1, Reason: models.ReasonOrphaned}
		if _, err := s.Transition(ctx, id, models.StateFailed, result, "reconciled at startup"); err != nil {
			// A concurrent reconciler may have gotten there first.
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
				continue
			}
			return reconciled, err
		}
		reconciled = append(reconciled, id)
	}
	return reconciled, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var timeoutMS int64
	var resultJSON []byte

	err := row.Scan(&job.ID, &job.PayloadRef, &job.Image, &job.State,
		&job.Limits.CPU, &job.Limits.Memory, &timeoutMS, &job.Limits.NetworkAllowed,
		&resultJSON, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	job.Limits.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if len(resultJSON) > 0 {
		var result models.Result
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
		job.Result = &result
	}
	return job, nil
}

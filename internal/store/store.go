package store

import (
	"context"
	"errors"

	"sandbox-runner/internal/models"
)

// ErrNotFound is returned when no job exists for the given id.
var ErrNotFound = errors.New("job not found")

// ErrInvalidTransition is returned when a requested state change is not a
// legal step of the lifecycle. The stored state is left unchanged.
var ErrInvalidTransition = errors.New("invalid state transition")

// CreateJobParams collects inputs required to create a job.
type CreateJobParams struct {
	PayloadRef string
	Image      string
	Limits     models.Limits
}

// Store is the durable mapping from job id to lifecycle state. Jobs are
// created queued; every successful transition appends an immutable audit
// record. Transitions for the same job are serialized; different jobs
// proceed independently.
type Store interface {
	// CreateJob inserts a job in state queued and writes the creation
	// audit record.
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)

	// GetJob fetches a job by id, or ErrNotFound.
	GetJob(ctx context.Context, id string) (models.Job, error)

	// Transition moves a job to the given state, recording the result for
	// terminal states and appending an audit record with the given detail.
	// Returns ErrInvalidTransition (state unchanged) for illegal moves and
	// ErrNotFound for unknown ids.
	Transition(ctx context.Context, id, to string, result *models.Result, detail string) (models.Job, error)

	// AuditTrail returns the append-only transition records for a job in
	// the order they were written.
	AuditTrail(ctx context.Context, id string) ([]models.AuditRecord, error)

	// ReconcileOrphans moves every job still marked running to failed with
	// reason "orphaned after restart" and returns the affected ids. Called
	// once at worker startup, before any new work is accepted.
	ReconcileOrphans(ctx context.Context) ([]string, error)

	Close()
}

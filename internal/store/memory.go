package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"sandbox-runner/internal/models"
)

// Memory is an in-process Store with the same contract as Postgres. Used in
// tests and for single-node setups that do not need durability.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*memoryJob
}

type memoryJob struct {
	// mu serializes transitions for this job only; unrelated jobs never
	// contend with each other.
	mu    sync.Mutex
	job   models.Job
	audit []models.AuditRecord
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*memoryJob)}
}

func (s *Memory) Close() {}

func (s *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, error) {
	now := time.Now().UTC()
	job := models.Job{
		ID:         uuid.New().String(),
		PayloadRef: p.PayloadRef,
		Image:      p.Image,
		State:      models.StateQueued,
		Limits:     p.Limits,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	entry := &memoryJob{
		job: job,
		audit: []models.AuditRecord{{
			JobID:   job.ID,
			ToState: models.StateQueued,
			At:      now,
		}},
	}

	s.mu.Lock()
	s.jobs[job.ID] = entry
	s.mu.Unlock()
	return job, nil
}

func (s *Memory) lookup(id string) (*memoryJob, error) {
	s.mu.RLock()
	entry, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (s *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	entry, err := s.lookup(id)
	if err != nil {
		return models.Job{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return copyJob(entry.job), nil
}

func (s *Memory) Transition(_ context.Context, id, to string, result *models.Result, detail string) (models.Job, error) {
	entry, err := s.lookup(id)
	if err != nil {
		return models.Job{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	from := entry.job.State
	if !models.CanTransition(from, to) {
		return models.Job{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := time.Now().UTC()
	entry.job.State = to
	entry.job.UpdatedAt = now
	if result != nil {
		r := *result
		entry.job.Result = &r
	}
	entry.audit = append(entry.audit, models.AuditRecord{
		JobID:     id,
		FromState: from,
		ToState:   to,
		Detail:    detail,
		At:        now,
	})
	return copyJob(entry.job), nil
}

func (s *Memory) AuditTrail(_ context.Context, id string) ([]models.AuditRecord, error) {
	entry, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	out := make([]models.AuditRecord, len(entry.audit))
	copy(out, entry.audit)
	return out, nil
}

func (s *Memory) ReconcileOrphans(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var reconciled []string
	for _, id := range ids {
		entry, err := s.lookup(id)
		if err != nil {
			continue
		}
		entry.mu.Lock()
		if entry.job.State != models.StateRunning {
			entry.mu.Unlock()
			continue
		}
		entry.mu.Unlock()

		result := &models.Result{Allowed: true, ExitCode: -1, Reason: models.ReasonOrphaned}
		if _, err := s.Transition(ctx, id, models.StateFailed, result, "reconciled at startup"); err == nil {
			reconciled = append(reconciled, id)
		}
	}
	return reconciled, nil
}

func copyJob(job models.Job) models.Job {
	out := job
	if job.Result != nil {
		r := *job.Result
		out.Result = &r
	}
	return out
}

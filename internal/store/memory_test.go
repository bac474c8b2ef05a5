package store

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"sandbox-runner/internal/models"
)

func testLimits() models.Limits {
	return models.Limits{CPU: "1", Memory: "512m", Timeout: 30 * time.Second}
}

func mustCreate(t *testing.T, s Store) models.Job {
	t.Helper()
	job, err := s.CreateJob(context.Background(), CreateJobParams{
		PayloadRef: "file:///tmp/payloads/x",
		Image:      "python:3.11-slim",
		Limits:     testLimits(),
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestCreateJobStartsQueued(t *testing.T) {
	s := NewMemory()
	job := mustCreate(t, s)

	if job.State != models.StateQueued {
		t.Errorf("new job state = %q, want queued", job.State)
	}
	if job.ID == "" {
		t.Errorf("job id not generated")
	}

	trail, err := s.AuditTrail(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if len(trail) != 1 || trail[0].FromState != "" || trail[0].ToState != models.StateQueued {
		t.Errorf("unexpected creation audit: %+v", trail)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := NewMemory()
	if _, err := s.GetJob(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job := mustCreate(t, s)

	if _, err := s.Transition(ctx, job.ID, models.StateRunning, nil, ""); err != nil {
		t.Fatalf("queued -> running: %v", err)
	}
	result := &models.Result{Allowed: true, ExitCode: 0, Stdout: "hi\n", Reason: models.ReasonOK}
	done, err := s.Transition(ctx, job.ID, models.StateSucceeded, result, "")
	if err != nil {
		t.Fatalf("running -> succeeded: %v", err)
	}
	if done.Result == nil || done.Result.Reason != models.ReasonOK {
		t.Errorf("result not recorded: %+v", done.Result)
	}

	trail, err := s.AuditTrail(ctx, job.ID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	want := [][2]string{{"", "queued"}, {"queued", "running"}, {"running", "succeeded"}}
	if len(trail) != len(want) {
		t.Fatalf("trail length = %d, want %d", len(trail), len(want))
	}
	for i, w := range want {
		if trail[i].FromState != w[0] || trail[i].ToState != w[1] {
			t.Errorf("trail[%d] = %s->%s, want %s->%s", i, trail[i].FromState, trail[i].ToState, w[0], w[1])
		}
	}
}

func TestTransitionRejectsIllegalMoves(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	// Skipping queued.
	job := mustCreate(t, s)
	if _, err := s.Transition(ctx, job.ID, models.StateSucceeded, nil, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("queued -> succeeded should be invalid, got %v", err)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.State != models.StateQueued {
		t.Errorf("failed transition mutated state to %q", got.State)
	}

	// Leaving a terminal state.
	if _, err := s.Transition(ctx, job.ID, models.StateRejected, &models.Result{Reason: models.ReasonCancelled}, ""); err != nil {
		t.Fatalf("queued -> rejected: %v", err)
	}
	if _, err := s.Transition(ctx, job.ID, models.StateRunning, nil, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("rejected -> running should be invalid, got %v", err)
	}

	if _, err := s.Transition(ctx, "missing", models.StateRunning, nil, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestStatusIdempotentAfterTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job := mustCreate(t, s)
	_, _ = s.Transition(ctx, job.ID, models.StateRunning, nil, "")
	_, _ = s.Transition(ctx, job.ID, models.StateFailed, &models.Result{Allowed: true, ExitCode: 3, Reason: models.ReasonNonzeroExit}, "")

	first, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := s.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("terminal read not idempotent: %+v vs %+v", first, again)
		}
	}
}

func TestConcurrentTransitionsOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job := mustCreate(t, s)
	_, _ = s.Transition(ctx, job.ID, models.StateRunning, nil, "")

	terminals := []string{models.StateSucceeded, models.StateFailed, models.StateTimedOut, models.StateRejected}
	var wg sync.WaitGroup
	wins := make(chan string, len(terminals))
	for _, term := range terminals {
		wg.Add(1)
		go func(to string) {
			defer wg.Done()
			if _, err := s.Transition(ctx, job.ID, to, &models.Result{Reason: "race"}, ""); err == nil {
				wins <- to
			}
		}(term)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one terminal transition to win, got %v", winners)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.State != winners[0] {
		t.Errorf("stored state %q does not match winner %q", got.State, winners[0])
	}
}

func TestReconcileOrphans(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	orphan := mustCreate(t, s)
	_, _ = s.Transition(ctx, orphan.ID, models.StateRunning, nil, "")
	queued := mustCreate(t, s)
	done := mustCreate(t, s)
	_, _ = s.Transition(ctx, done.ID, models.StateRunning, nil, "")
	_, _ = s.Transition(ctx, done.ID, models.StateSucceeded, &models.Result{Allowed: true, Reason: models.ReasonOK}, "")

	ids, err := s.ReconcileOrphans(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(ids) != 1 || ids[0] != orphan.ID {
		t.Fatalf("reconciled %v, want [%s]", ids, orphan.ID)
	}

	got, _ := s.GetJob(ctx, orphan.ID)
	if got.State != models.StateFailed || got.Result == nil || got.Result.Reason != models.ReasonOrphaned {
		t.Errorf("orphan not reconciled: state=%q result=%+v", got.State, got.Result)
	}
	if j, _ := s.GetJob(ctx, queued.ID); j.State != models.StateQueued {
		t.Errorf("queued job touched by reconcile: %q", j.State)
	}
	if j, _ := s.GetJob(ctx, done.ID); j.State != models.StateSucceeded {
		t.Errorf("terminal job touched by reconcile: %q", j.State)
	}
}

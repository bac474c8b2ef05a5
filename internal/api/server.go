package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"sandbox-runner/internal/config"
	"sandbox-runner/internal/models"
	"sandbox-runner/internal/payload"
	"sandbox-runner/internal/policy"
	"sandbox-runner/internal/queue"
	"sandbox-runner/internal/ratelimit"
	"sandbox-runner/internal/store"
	"sandbox-runner/internal/telemetry"
)

// Server wires HTTP handlers for the submission and status boundary.
type Server struct {
	cfg      config.Config
	store    store.Store
	queue    *queue.RedisQueue
	policies *policy.Store
	payloads payload.Store
	limiter  *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil to disable rate
// limiting.
func New(cfg config.Config, st store.Store, q *queue.RedisQueue, pol *policy.Store, pay payload.Store, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		policies: pol,
		payloads: pay,
		limiter:  limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleStatus)
	r.Get("/jobs/{id}/audit", s.handleAudit)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	return r
}

type submitRequest struct {
	Payload string `json:"payload"`
	Image   string `json:"image"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

// handleSubmit stores the payload, records the job queued, and enqueues it
// for a worker slot. The job id is returned as soon as queued is durable;
// execution happens asynchronously.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, s.maxPayloadBytes())
	var req submitRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Image == "" {
		http.Error(w, "image is required", http.StatusBadRequest)
		return
	}
	if req.Payload == "" {
		http.Error(w, "payload is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), submitterFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	ref, err := s.payloads.Put(r.Context(), uuid.New().String(), []byte(req.Payload))
	if err != nil {
		http.Error(w, "store payload failed", http.StatusInternalServerError)
		return
	}

	// Limits are captured from the current policy snapshot at admission;
	// a later policy reload never changes them for this job.
	limits := s.policies.Snapshot().JobLimits()

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		PayloadRef: ref,
		Image:      req.Image,
		Limits:     limits,
	})
	if err != nil {
		http.Error(w, "create job failed", http.StatusInternalServerError)
		return
	}

	if err := s.queue.Enqueue(r.Context(), job.ID); err != nil {
		s.rejectForFault(r, job.ID, "enqueue: "+err.Error())
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	telemetry.JobsSubmitted.Inc()
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleAudit exposes the append-only transition trail; external monitors
// poll this instead of reaching into internal state.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	trail, err := s.store.AuditTrail(r.Context(), id)
	if err != nil {
		http.Error(w, "audit lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": trail})
}

// handleCancel rejects a queued job outright; for a running job it leaves
// a cancel marker that forces the executing slot down the timeout path.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	if models.IsTerminal(job.State) {
		writeJSON(w, http.StatusConflict, map[string]string{"state": job.State})
		return
	}

	if job.State == models.StateQueued {
		if removed, err := s.queue.Remove(r.Context(), id); err == nil && removed {
			result := &models.Result{Allowed: false, ExitCode: 1, Reason: models.ReasonCancelled}
			if _, err := s.store.Transition(r.Context(), id, models.StateRejected, result, "cancelled before execution"); err == nil {
				telemetry.JobsRejected.Inc()
				writeJSON(w, http.StatusOK, map[string]string{"state": models.StateRejected})
				return
			}
		}
		// Already dequeued by a worker; fall through to the marker.
	}

	if err := s.queue.RequestCancel(r.Context(), id); err != nil {
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"state": job.State})
}

func (s *Server) maxPayloadBytes() int64 {
	if s.cfg.MaxPayloadBytes > 0 {
		// Leave headroom for the JSON envelope around the payload.
		return s.cfg.MaxPayloadBytes + 4096
	}
	return 1<<20 + 4096
}

// rejectForFault tears down a job whose submission could not complete. The
// job never left queued, so rejected is the terminal state it takes; the
// fault detail lands in the audit trail.
func (s *Server) rejectForFault(r *http.Request, jobID, detail string) {
	result := &models.Result{Allowed: false, ExitCode: -1, Reason: models.ReasonInternalError}
	if _, err := s.store.Transition(r.Context(), jobID, models.StateRejected, result, detail); err == nil {
		telemetry.JobsRejected.Inc()
	}
}

func submitterFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Submitter-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

package models

import (
	"time"
)

// Job lifecycle states persisted in the job state store.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateTimedOut  = "timed_out"
	StateRejected  = "rejected"
)

// Machine-stable reason tokens. External consumers branch on these,
// so they are a closed set and never free-form text.
const (
	ReasonOK                 = "ok"
	ReasonNonzeroExit        = "nonzero exit"
	ReasonTimeout            = "timeout"
	ReasonNotAllowlisted     = "image not allowlisted"
	ReasonBackendUnavailable = "isolation backend unavailable"
	ReasonInternalError      = "internal error"
	ReasonOrphaned           = "orphaned after restart"
	ReasonCancelled          = "cancelled"
)

// TimeoutExitCode is the sentinel exit code recorded when the sandbox is
// forcibly terminated at the wall-clock deadline, matching shell timeout(1).
const TimeoutExitCode = 124

// Limits is the resource envelope a job was admitted under. It is captured
// from the policy snapshot at submission time and persisted with the job, so
// a later policy reload never changes what an in-flight job may use.
type Limits struct {
	CPU            string        `json:"cpu"`
	Memory         string        `json:"memory"`
	Timeout        time.Duration `json:"timeout"`
	NetworkAllowed bool          `json:"network_allowed"`
}

// Result is the terminal outcome of a job. Allowed is false only for policy
// denials and backend unavailability; everything that actually executed has
// Allowed true, including timeouts and non-zero exits.
type Result struct {
	Allowed  bool   `json:"allowed"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Reason   string `json:"reason"`
}

// Job is a unit of untrusted work persisted in the job state store.
// The ID is the sole external handle.
type Job struct {
	ID         string    `json:"id"`
	PayloadRef string    `json:"payload_ref"`
	Image      string    `json:"image"`
	State      string    `json:"state"`
	Limits     Limits    `json:"limits"`
	Result     *Result   `json:"result,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AuditRecord is one append-only state transition row. FromState is empty
// for the record written at creation.
type AuditRecord struct {
	JobID     string    `json:"job_id"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

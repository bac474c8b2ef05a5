// Package sandbox executes untrusted payloads inside a constrained,
// ephemeral environment. The backend is a mechanism, not a decision-maker:
// images reaching Execute have already been approved by the policy store,
// and the backend never re-checks the allowlist.
package sandbox

import (
	"context"

	"sandbox-runner/internal/models"
)

// Backend runs one unit of code under the given limits. Execute never
// returns a Go error: every reachable condition, including the isolation
// mechanism being unreachable, is expressed as a Result with a
// machine-stable reason token. Wall-clock enforcement belongs to this side
// of the boundary; the sandboxed process is never trusted to stop itself.
//
// Cancelling ctx forcibly terminates the sandbox and yields the timeout
// result, which is how job cancellation is implemented.
type Backend interface {
	Execute(ctx context.Context, payload []byte, image string, limits models.Limits) models.Result
}

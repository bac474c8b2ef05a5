// Package payload stores submitted code blobs and resolves the payload_ref
// recorded on a job back into bytes for staging.
package payload

import (
	"context"
	"fmt"
	"strings"
)

// Store persists payloads at submission time and fetches them for
// execution. Put returns the ref recorded on the job; Fetch accepts only
// refs produced by the same store kind.
type Store interface {
	Put(ctx context.Context, jobID string, data []byte) (string, error)
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// NewStore picks the S3 store when a bucket is configured, the local
// directory store otherwise.
func NewStore(ctx context.Context, dir string, s3cfg S3Config) (Store, error) {
	if s3cfg.Bucket != "" {
		return NewS3(ctx, s3cfg)
	}
	return NewLocal(dir)
}

func refScheme(ref string) (scheme, rest string, err error) {
	i := strings.Index(ref, "://")
	if i < 0 {
		return "", "", fmt.Errorf("malformed payload ref %q", ref)
	}
	return ref[:i], ref[i+3:], nil
}

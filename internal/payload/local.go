package payload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Local stores payloads as files under a base directory. Refs look like
// file://<base>/<job_id>.
type Local struct {
	baseDir string
}

var _ Store = (*Local)(nil)

// NewLocal creates the base directory if needed.
func NewLocal(baseDir string) (*Local, error) {
	if baseDir == "" {
		baseDir = "./payloads"
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve payload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create payload dir: %w", err)
	}
	return &Local{baseDir: abs}, nil
}

func (l *Local) Put(_ context.Context, jobID string, data []byte) (string, error) {
	path := filepath.Join(l.baseDir, jobID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write payload: %w", err)
	}
	return "file://" + path, nil
}

func (l *Local) Fetch(_ context.Context, ref string) ([]byte, error) {
	scheme, path, err := refScheme(ref)
	if err != nil {
		return nil, err
	}
	if scheme != "file" {
		return nil, fmt.Errorf("local store cannot fetch %q", ref)
	}
	// Refs come from the job state store, but stay inside the base dir
	// regardless.
	clean := filepath.Clean("/" + path)
	if !strings.HasPrefix(clean, l.baseDir+string(filepath.Separator)) && clean != l.baseDir {
		return nil, fmt.Errorf("payload ref %q outside payload dir", ref)
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

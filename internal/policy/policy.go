package policy

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"sandbox-runner/internal/models"
)

// ErrPolicy wraps every configuration failure surfaced by Load. The policy
// document being missing or malformed is fatal at startup, never per-job.
var ErrPolicy = errors.New("policy error")

// Policy is the validated isolation policy: which images may run and under
// what resource envelope. Immutable once loaded; Store.Reload swaps whole
// snapshots, never mutates one in place.
type Policy struct {
	AllowedImages []string     `yaml:"allowed_images"`
	Limits        policyLimits `yaml:"limits"`
	Network       bool         `yaml:"network"`

	allowed map[string]struct{}
}

type policyLimits struct {
	CPU     string   `yaml:"cpu"`
	Memory  string   `yaml:"memory"`
	Timeout duration `yaml:"timeout"`
}

// duration accepts either a Go duration string ("30s") or a bare number of
// seconds, which is what older policy files used.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	if parsed, err := time.ParseDuration(s); err == nil {
		*d = duration(parsed)
		return nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration %q", s)
}

// Load reads and validates the policy document at path. It returns the full
// validated policy or an error wrapping ErrPolicy; a partially-applied
// policy is never produced. An empty allowlist in a present, well-formed
// document is valid (explicit default-deny) and reported by DefaultDeny.
func Load(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: policy file %s does not exist", ErrPolicy, path)
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrPolicy, path, err)
	}

	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrPolicy, path, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPolicy, path, err)
	}

	p.allowed = make(map[string]struct{}, len(p.AllowedImages))
	for _, img := range p.AllowedImages {
		p.allowed[img] = struct{}{}
	}
	return &p, nil
}

func (p *Policy) validate() error {
	if p.Limits.CPU == "" {
		return errors.New("limits.cpu is required")
	}
	if p.Limits.Memory == "" {
		return errors.New("limits.memory is required")
	}
	if p.Limits.Timeout <= 0 {
		return errors.New("limits.timeout must be a positive duration")
	}
	for _, img := range p.AllowedImages {
		if img == "" {
			return errors.New("allowed_images contains an empty entry")
		}
	}
	return nil
}

// Evaluate is a pure membership test against the allowlist.
func (p *Policy) Evaluate(image string) bool {
	_, ok := p.allowed[image]
	return ok
}

// DefaultDeny reports whether the allowlist is empty, meaning every image
// is denied. Valid, but worth a warning at startup since it is usually
// a half-written policy rather than an intentional lockdown.
func (p *Policy) DefaultDeny() bool {
	return len(p.allowed) == 0
}

// JobLimits returns the resource envelope to stamp onto a job admitted
// under this policy snapshot.
func (p *Policy) JobLimits() models.Limits {
	return models.Limits{
		CPU:            p.Limits.CPU,
		Memory:         p.Limits.Memory,
		Timeout:        time.Duration(p.Limits.Timeout),
		NetworkAllowed: p.Network,
	}
}

// Store holds the current policy snapshot. Reads are lock-free; Reload
// swaps the pointer wholesale so jobs already holding a snapshot keep it.
type Store struct {
	path    string
	current atomic.Pointer[Policy]
}

// NewStore loads the policy at path. Failure here is a fatal startup
// condition for the caller.
func NewStore(path string) (*Store, error) {
	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(p)
	return s, nil
}

// Snapshot returns the current policy. The returned value is immutable.
func (s *Store) Snapshot() *Policy {
	return s.current.Load()
}

// Reload re-reads the policy file and swaps the snapshot atomically.
// On error the previous snapshot stays in effect.
func (s *Store) Reload() error {
	p, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(p)
	return nil
}

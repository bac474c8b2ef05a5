package sandbox

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"sandbox-runner/internal/models"
)

// dockerDaemonExit is the exit code docker reports when the run failed
// inside docker itself rather than in the contained command.
const dockerDaemonExit = 125

// DockerConfig configures the docker-backed isolation backend.
type DockerConfig struct {
	// Binary is the container runtime executable. Defaults to "docker";
	// anything CLI-compatible (podman) works too.
	Binary string

	// EntryFile is the filename the payload is staged as inside the
	// ephemeral work directory.
	EntryFile string

	// Command is what runs inside the container, relative to /work.
	Command []string

	// StageDir is the parent directory for ephemeral work directories.
	// Defaults to the system temp dir.
	StageDir string

	// Grace bounds how long we wait for process teardown after the kill.
	Grace time.Duration

	Logger *slog.Logger
}

// Docker executes payloads via `docker run` with CPU, memory, and network
// constraints, and a caller-enforced wall-clock timeout.
type Docker struct {
	binary    string
	entryFile string
	command   []string
	stageDir  string
	grace     time.Duration
	logger    *slog.Logger
}

var _ Backend = (*Docker)(nil)

// NewDocker builds the backend, applying defaults for unset fields.
func NewDocker(cfg DockerConfig) *Docker {
	d := &Docker{
		binary:    cfg.Binary,
		entryFile: cfg.EntryFile,
		command:   cfg.Command,
		stageDir:  cfg.StageDir,
		grace:     cfg.Grace,
		logger:    cfg.Logger,
	}
	if d.binary == "" {
		d.binary = "docker"
	}
	if d.entryFile == "" {
		d.entryFile = "main.py"
	}
	if len(d.command) == 0 {
		d.command = []string{"python", d.entryFile}
	}
	if d.grace <= 0 {
		d.grace = 2 * time.Second
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Execute stages the payload into an ephemeral directory, runs the
// container under the given limits, and maps every outcome to a Result.
// The staging directory and the process group are released on every path.
func (d *Docker) Execute(ctx context.Context, payload []byte, image string, limits models.Limits) models.Result {
	binPath, err := exec.LookPath(d.binary)
	if err != nil {
		d.logger.Warn("isolation backend unavailable", "binary", d.binary, "error", err)
		return unavailableResult()
	}

	workDir, err := os.MkdirTemp(d.stageDir, "sandbox-job-")
	if err != nil {
		d.logger.Warn("stage dir creation failed", "error", err)
		return unavailableResult()
	}
	defer os.RemoveAll(workDir)

	if err := os.WriteFile(filepath.Join(workDir, d.entryFile), payload, 0o644); err != nil {
		d.logger.Warn("payload staging failed", "error", err)
		return unavailableResult()
	}

	runCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	containerName := "sandbox-" + uuid.New().String()
	args := d.buildRunArgs(containerName, workDir, image, limits)
	cmd := exec.CommandContext(runCtx, binPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// The contained process is a child of the daemon, not of the CLI, so
	// the deadline kill must go through the daemon by container name. The
	// group kill afterwards reaps the CLI and anything it spawned locally.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		d.killContainer(binPath, containerName)
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = d.grace

	d.logger.Debug("executing sandboxed payload",
		"image", image,
		"cpu", limits.CPU,
		"memory", limits.Memory,
		"timeout", limits.Timeout,
		"network", limits.NetworkAllowed,
	)

	runErr := cmd.Run()

	// Deadline expiry and caller cancellation both take the timeout path:
	// the container and the process group are already dead, partial output
	// is preserved.
	if runCtx.Err() != nil {
		return models.Result{
			Allowed:  true,
			ExitCode: models.TimeoutExitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Reason:   models.ReasonTimeout,
		}
	}

	if runErr == nil {
		return models.Result{
			Allowed:  true,
			ExitCode: 0,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Reason:   models.ReasonOK,
		}
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		if code == dockerDaemonExit || daemonUnreachable(stderr.String()) {
			d.logger.Warn("isolation backend unavailable", "exit_code", code, "stderr", stderr.String())
			return unavailableResult()
		}
		return models.Result{
			Allowed:  true,
			ExitCode: code,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Reason:   models.ReasonNonzeroExit,
		}
	}

	// The runtime could not be started at all.
	d.logger.Warn("isolation backend invocation failed", "error", runErr)
	return unavailableResult()
}

func (d *Docker) buildRunArgs(containerName, workDir, image string, limits models.Limits) []string {
	args := []string{"run", "--rm",
		"--name", containerName,
		"--cpus", limits.CPU,
		"--memory", limits.Memory,
	}
	if !limits.NetworkAllowed {
		args = append(args, "--network", "none")
	}
	args = append(args, "-v", workDir+":/work", "-w", "/work", image)
	return append(args, d.command...)
}

// killContainer asks the daemon to terminate the container. The run is
// named per job exactly so this kill has a handle that survives the CLI
// process dying.
func (d *Docker) killContainer(binPath, containerName string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.grace)
	defer cancel()
	out, err := exec.CommandContext(ctx, binPath, "kill", containerName).CombinedOutput()
	if err != nil {
		d.logger.Warn("container kill failed", "container", containerName, "error", err, "output", string(out))
	}
}

func unavailableResult() models.Result {
	return models.Result{
		Allowed:  false,
		ExitCode: 1,
		Reason:   models.ReasonBackendUnavailable,
	}
}

func daemonUnreachable(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "cannot connect to the docker daemon") ||
		strings.Contains(s, "permission denied while trying to connect")
}

package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDockerBinary   = "docker"
	defaultMemoryLimit    = "4g"
	defaultCPULimit       = "2"
	defaultNetwork        = "none"
	defaultPIDsLimit      = 256
	defaultTimeout        = 600 * time.Second
	defaultWaitDelay      = 2 * time.Second
	containerCleanupLimit = 10 * time.Second

	// containerShell interprets CommandSpec.Command inside the image.
	containerShell = "bash"
)

// DockerConfig configures the Docker-based executor.
type DockerConfig struct {
	Binary         string        // Docker CLI path or name looked up on PATH. Default "docker".
	MemoryLimit    string        // --memory and --memory-swap (e.g. "4g"); equal values disable swap.
	CPULimit       string        // --cpus rate limit (e.g. "2").
	Network        string        // --network mode. Default "none" (no network stack at all).
	PIDsLimit      int           // --pids-limit (prevents fork bombs).
	DefaultTimeout time.Duration // Wall-clock timeout per run when the CommandSpec sets none.
	WaitDelay      time.Duration // Grace period for output pipes after the process group is killed.
}

// DockerExecutor runs each CommandSpec in an ephemeral container.
//
// Per run:
//   - a unique container name, so a timed-out run can be removed by name
//   - --rm, plus a docker rm -f after a timeout or cancellation
//   - memory hard limit with swap disabled, CPU rate limit, PIDs limit
//   - network mode from config, "none" by default
//   - the docker CLI runs in its own process group, killed as a whole
//   - stdout/stderr capped at 1 MiB each
type DockerExecutor struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerExecutor creates a Docker-based executor, filling unset limits
// with defaults.
func NewDockerExecutor(cfg DockerConfig, logger *slog.Logger) *DockerExecutor {
	if cfg.Binary == "" {
		cfg.Binary = defaultDockerBinary
	}
	if cfg.MemoryLimit == "" {
		cfg.MemoryLimit = defaultMemoryLimit
	}
	if cfg.CPULimit == "" {
		cfg.CPULimit = defaultCPULimit
	}
	if cfg.Network == "" {
		cfg.Network = defaultNetwork
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultPIDsLimit
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaultWaitDelay
	}
	return &DockerExecutor{
		config: cfg,
		logger: logger,
	}
}

// Config returns the effective configuration.
func (e *DockerExecutor) Config() DockerConfig {
	return e.config
}

// Run executes spec in a fresh container and reports the outcome. It
// blocks until the container exits, the timeout elapses, or ctx is done.
func (e *DockerExecutor) Run(ctx context.Context, spec CommandSpec) *ExecutionResult {
	start := time.Now()

	if err := validateSpec(spec); err != nil {
		e.logger.Error("docker run rejected", slog.String("error", err.Error()))
		return failure(start, ExitInvalidSpec, "Invalid command spec: "+err.Error())
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name, err := generateContainerName()
	if err != nil {
		e.logger.Error("docker run failed", slog.String("error", err.Error()))
		return failure(start, ExitLaunchFailed, "OS error: "+err.Error())
	}

	cmd := exec.CommandContext(runCtx, e.config.Binary, e.BuildArgs(name, spec)...)
	isolateProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = e.config.WaitDelay

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := newLimitedWriter(&stdoutBuf, maxOutputBytes)
	stderr := newLimitedWriter(&stderrBuf, maxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	e.logger.Info("docker run",
		slog.String("container", name),
		slog.String("image", spec.Image),
		slog.Int("cmd_len", len(spec.Command)),
		slog.Duration("timeout", timeout),
	)

	runErr := cmd.Run()
	duration := time.Since(start)

	// A descendant holding the output pipes open past exit is not a failure.
	if errors.Is(runErr, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success() {
		runErr = nil
	}

	if runErr != nil && runCtx.Err() != nil {
		// The CLI is gone; make sure the container is too.
		e.forceRemoveContainer(name)

		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			e.logger.Warn("docker run timed out",
				slog.String("container", name),
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			return &ExecutionResult{
				Stdout:   stdoutBuf.String(),
				Stderr:   joinNonEmpty(fmt.Sprintf("Docker command timed out after %s", timeout), stderrBuf.String()),
				ExitCode: ExitTimeout,
				Duration: duration,
			}
		}
		e.logger.Warn("docker run canceled",
			slog.String("container", name),
			slog.Duration("duration", duration),
		)
		return &ExecutionResult{
			Stdout:   stdoutBuf.String(),
			Stderr:   joinNonEmpty("Docker command canceled: "+ctx.Err().Error(), stderrBuf.String()),
			ExitCode: ExitLaunchFailed,
			Duration: duration,
		}
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			code, msg := classifyLaunchError(runErr)
			e.logger.Error("docker run failed",
				slog.String("container", name),
				slog.Int("exit_code", code),
				slog.String("error", runErr.Error()),
			)
			return failure(start, code, msg)
		}

		exitCode := exitErr.ExitCode()
		if code, ok := classifyDaemonError(exitCode, stderrBuf.String()); ok {
			e.logger.Error("docker daemon unavailable",
				slog.String("container", name),
				slog.Int("exit_code", code),
				slog.String("stderr", strings.TrimSpace(stderrBuf.String())),
			)
			return &ExecutionResult{
				Stderr:   stderrBuf.String(),
				ExitCode: code,
				Duration: duration,
			}
		}

		e.logger.Warn("docker run exited",
			slog.String("container", name),
			slog.Int("exit_code", exitCode),
			slog.Duration("duration", duration),
			slog.Bool("output_truncated", stdout.Truncated() || stderr.Truncated()),
		)
		return &ExecutionResult{
			Stdout:   stdoutBuf.String(),
			Stderr:   stderrBuf.String(),
			ExitCode: exitCode,
			Duration: duration,
		}
	}

	e.logger.Info("docker run completed",
		slog.String("container", name),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)
	return &ExecutionResult{
		Success:  true,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: 0,
		Duration: duration,
	}
}

// BuildArgs returns the docker CLI arguments for spec. Volumes and env are
// emitted in sorted order. The command is passed as one opaque argument
// to the container shell.
func (e *DockerExecutor) BuildArgs(name string, spec CommandSpec) []string {
	args := []string{
		"run", "--rm",
		"--name", name,

		// --- Resource limits ---
		"--memory", e.config.MemoryLimit,
		"--memory-swap", e.config.MemoryLimit, // Same as memory = disable swap (OOM kill).
		"--cpus", e.config.CPULimit,
		"--pids-limit", strconv.Itoa(e.config.PIDsLimit),

		// --- Network policy ---
		"--network", e.config.Network,
	}

	for _, host := range slices.Sorted(maps.Keys(spec.Volumes)) {
		args = append(args, "-v", host+":"+spec.Volumes[host])
	}
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	if spec.WorkDir != "" {
		args = append(args, "-w", spec.WorkDir)
	}

	// Image (must come after all flags, before command).
	return append(args, spec.Image, containerShell, "-c", spec.Command)
}

// forceRemoveContainer removes a container by name. Best effort: errors
// are logged, not returned. "No such container" is expected when the
// container never started or --rm already fired.
func (e *DockerExecutor) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), containerCleanupLimit)
	defer cancel()

	out, err := exec.CommandContext(ctx, e.config.Binary, "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		e.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

func validateSpec(spec CommandSpec) error {
	if strings.TrimSpace(spec.Image) == "" {
		return errors.New("image is required")
	}
	if strings.HasPrefix(spec.Image, "-") {
		return fmt.Errorf("image %q must not start with '-'", spec.Image)
	}
	if strings.TrimSpace(spec.Command) == "" {
		return errors.New("command is required")
	}
	for host, container := range spec.Volumes {
		if !filepath.IsAbs(host) || !strings.HasPrefix(container, "/") {
			return fmt.Errorf("volume %q:%q must map absolute paths", host, container)
		}
		if strings.Contains(host, ":") || strings.Contains(container, ":") {
			return fmt.Errorf("volume %q:%q must not contain ':'", host, container)
		}
	}
	for k := range spec.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return fmt.Errorf("invalid env name %q", k)
		}
	}
	if spec.WorkDir != "" && !strings.HasPrefix(spec.WorkDir, "/") {
		return fmt.Errorf("workdir %q must be absolute", spec.WorkDir)
	}
	return nil
}

// classifyLaunchError maps a failure to start the docker CLI to a
// sentinel exit code and a human-readable message.
func classifyLaunchError(err error) (int, string) {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return ExitRuntimeMissing, "Docker is not installed or not in PATH"
	case errors.Is(err, fs.ErrPermission):
		return ExitPermissionDenied, "Permission denied: " + err.Error()
	default:
		return ExitLaunchFailed, "OS error: " + err.Error()
	}
}

// classifyDaemonError recognizes docker CLI failures to reach the daemon,
// which the CLI reports as an ordinary non-zero exit.
func classifyDaemonError(exitCode int, stderr string) (int, bool) {
	if exitCode != 1 && exitCode != 125 {
		return 0, false
	}
	switch {
	case strings.Contains(stderr, "permission denied while trying to connect to the Docker daemon"):
		return ExitPermissionDenied, true
	case strings.Contains(stderr, "Cannot connect to the Docker daemon"),
		strings.Contains(stderr, "Is the docker daemon running"):
		return ExitRuntimeMissing, true
	default:
		return 0, false
	}
}

func failure(start time.Time, code int, msg string) *ExecutionResult {
	return &ExecutionResult{
		Stderr:   msg,
		ExitCode: code,
		Duration: time.Since(start),
	}
}

func joinNonEmpty(a, b string) string {
	if strings.TrimSpace(b) == "" {
		return a
	}
	return a + "\n" + b
}

// generateContainerName returns a unique container name: edagate-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "edagate-sbx-" + hex.EncodeToString(b), nil
}

var _ Executor = (*DockerExecutor)(nil)

//go:build unix

package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

// fakeDocker is a stand-in for the docker CLI. "run" executes the last
// argument (the container command) with sh; every invocation is appended
// to $FAKE_DOCKER_LOG.
const fakeDocker = `#!/bin/sh
if [ -n "$FAKE_DOCKER_LOG" ]; then
	echo "$*" >> "$FAKE_DOCKER_LOG"
fi
case "$1" in
rm|kill)
	exit 0
	;;
esac
for last; do :; done
exec sh -c "$last"
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFakeExecutor installs the fake docker script and returns an executor
// that uses it, plus the invocation log path.
func newFakeExecutor(t *testing.T, cfg DockerConfig) (*DockerExecutor, string) {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "docker")
	if err := os.WriteFile(bin, []byte(fakeDocker), 0755); err != nil {
		t.Fatal(err)
	}
	logPath := filepath.Join(dir, "invocations.log")
	t.Setenv("FAKE_DOCKER_LOG", logPath)

	cfg.Binary = bin
	return NewDockerExecutor(cfg, testLogger()), logPath
}

func TestBuildArgs(t *testing.T) {
	e := NewDockerExecutor(DockerConfig{MemoryLimit: "4g", CPULimit: "2", PIDsLimit: 256}, testLogger())

	got := e.BuildArgs("edagate-sbx-test", CommandSpec{
		Image:   "yosys:local",
		Volumes: map[string]string{"/ws/b": "/b", "/ws/a": "/a"},
		Command: "yosys -c synth.tcl; echo done",
		WorkDir: "/a",
		Env:     map[string]string{"Z": "1", "A": "x y"},
	})
	want := []string{
		"run", "--rm", "--name", "edagate-sbx-test",
		"--memory", "4g", "--memory-swap", "4g",
		"--cpus", "2", "--pids-limit", "256",
		"--network", "none",
		"-v", "/ws/a:/a", "-v", "/ws/b:/b",
		"-e", "A=x y", "-e", "Z=1",
		"-w", "/a",
		"yosys:local", "bash", "-c", "yosys -c synth.tcl; echo done",
	}
	if !slices.Equal(got, want) {
		t.Errorf("BuildArgs =\n%q\nwant\n%q", got, want)
	}
}

func TestBuildArgs_NoWorkDir(t *testing.T) {
	e := NewDockerExecutor(DockerConfig{Network: "bridge"}, testLogger())
	got := e.BuildArgs("n", CommandSpec{Image: "img", Command: "true"})
	if slices.Contains(got, "-w") {
		t.Errorf("unexpected -w in %q", got)
	}
	if i := slices.Index(got, "--network"); i < 0 || got[i+1] != "bridge" {
		t.Errorf("network flag missing or wrong in %q", got)
	}
}

func TestRun_Success(t *testing.T) {
	e, _ := newFakeExecutor(t, DockerConfig{})

	res := e.Run(context.Background(), CommandSpec{Image: "img", Command: "echo hello; echo warn >&2"})
	if !res.Success || res.ExitCode != 0 {
		t.Fatalf("result = %+v, want success", res)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "warn" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if res.Failure() != FailureNone {
		t.Errorf("Failure = %q", res.Failure())
	}
}

func TestRun_ProgramFailure(t *testing.T) {
	e, _ := newFakeExecutor(t, DockerConfig{})

	res := e.Run(context.Background(), CommandSpec{Image: "img", Command: "echo 'ERROR: bad' >&2; exit 3"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if res.Failure() != FailureProgram {
		t.Errorf("Failure = %q, want %q", res.Failure(), FailureProgram)
	}
	if !strings.Contains(res.Log(), "ERROR: bad") {
		t.Errorf("log = %q", res.Log())
	}
}

// processGone reports whether pid has exited (or is a zombie awaiting reaping).
func processGone(pid int) bool {
	if err := syscall.Kill(pid, 0); err == syscall.ESRCH {
		return true
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return os.IsNotExist(err)
	}
	// Format: pid (comm) state ...
	s := string(data)
	if i := strings.LastIndexByte(s, ')'); i >= 0 && len(s) > i+2 {
		return s[i+2] == 'Z'
	}
	return false
}

func TestRun_TimeoutKillsProcessTree(t *testing.T) {
	e, logPath := newFakeExecutor(t, DockerConfig{WaitDelay: 500 * time.Millisecond})
	pidFile := filepath.Join(t.TempDir(), "child.pid")

	start := time.Now()
	res := e.Run(context.Background(), CommandSpec{
		Image:   "img",
		Command: "sleep 30 & echo $! > " + pidFile + "; wait",
		Timeout: 300 * time.Millisecond,
	})
	elapsed := time.Since(start)

	if res.ExitCode != ExitTimeout || res.Success {
		t.Fatalf("result = %+v, want timeout sentinel", res)
	}
	if res.Failure() != FailureTimeout {
		t.Errorf("Failure = %q", res.Failure())
	}
	if !strings.Contains(res.Stderr, "timed out") {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if elapsed > 5*time.Second {
		t.Errorf("Run took %v after a 300ms timeout", elapsed)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("reading child pid: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("parsing child pid: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for !processGone(pid) {
		if time.Now().After(deadline) {
			syscall.Kill(pid, syscall.SIGKILL)
			t.Fatalf("background child %d survived the timeout", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}

	log, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(log), "rm -f edagate-sbx-") {
		t.Errorf("container not force-removed; invocations:\n%s", log)
	}
}

func TestRun_Canceled(t *testing.T) {
	e, _ := newFakeExecutor(t, DockerConfig{WaitDelay: 500 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res := e.Run(ctx, CommandSpec{Image: "img", Command: "sleep 30", Timeout: time.Minute})
	if res.ExitCode != ExitLaunchFailed {
		t.Errorf("exit code = %d, want %d", res.ExitCode, ExitLaunchFailed)
	}
	if !strings.Contains(res.Stderr, "canceled") {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestRun_RuntimeMissing(t *testing.T) {
	for _, bin := range []string{
		filepath.Join(t.TempDir(), "no-such-docker"),
		"edagate-no-such-docker-binary",
	} {
		e := NewDockerExecutor(DockerConfig{Binary: bin}, testLogger())
		res := e.Run(context.Background(), CommandSpec{Image: "img", Command: "true"})
		if res.ExitCode != ExitRuntimeMissing {
			t.Errorf("%s: exit code = %d, want %d", bin, res.ExitCode, ExitRuntimeMissing)
		}
		if res.Failure() != FailureRuntimeMissing {
			t.Errorf("%s: Failure = %q", bin, res.Failure())
		}
	}
}

func TestRun_PermissionDenied(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "docker")
	if err := os.WriteFile(bin, []byte(fakeDocker), 0644); err != nil {
		t.Fatal(err)
	}
	e := NewDockerExecutor(DockerConfig{Binary: bin}, testLogger())
	res := e.Run(context.Background(), CommandSpec{Image: "img", Command: "true"})
	if res.ExitCode != ExitPermissionDenied {
		t.Errorf("exit code = %d, want %d (stderr %q)", res.ExitCode, ExitPermissionDenied, res.Stderr)
	}
}

func TestRun_DaemonUnreachable(t *testing.T) {
	e, _ := newFakeExecutor(t, DockerConfig{})
	res := e.Run(context.Background(), CommandSpec{
		Image:   "img",
		Command: "echo 'docker: Cannot connect to the Docker daemon at unix:///var/run/docker.sock. Is the docker daemon running?' >&2; exit 125",
	})
	if res.ExitCode != ExitRuntimeMissing {
		t.Errorf("exit code = %d, want %d", res.ExitCode, ExitRuntimeMissing)
	}
}

func TestRun_OutputCapped(t *testing.T) {
	e, _ := newFakeExecutor(t, DockerConfig{})
	res := e.Run(context.Background(), CommandSpec{Image: "img", Command: "head -c 3000000 /dev/zero"})
	if !res.Success {
		t.Fatalf("result = %+v", res.ExitCode)
	}
	if len(res.Stdout) != maxOutputBytes {
		t.Errorf("stdout length = %d, want %d", len(res.Stdout), maxOutputBytes)
	}
}

func TestRun_InvalidSpec(t *testing.T) {
	e := NewDockerExecutor(DockerConfig{}, testLogger())
	tests := []struct {
		name string
		spec CommandSpec
	}{
		{"no image", CommandSpec{Command: "true"}},
		{"flag image", CommandSpec{Image: "--privileged", Command: "true"}},
		{"no command", CommandSpec{Image: "img"}},
		{"relative host volume", CommandSpec{Image: "img", Command: "true", Volumes: map[string]string{"ws": "/ws"}}},
		{"relative container volume", CommandSpec{Image: "img", Command: "true", Volumes: map[string]string{"/ws": "ws"}}},
		{"colon in volume", CommandSpec{Image: "img", Command: "true", Volumes: map[string]string{"/ws:/etc": "/ws"}}},
		{"bad env name", CommandSpec{Image: "img", Command: "true", Env: map[string]string{"A=B": "c"}}},
		{"relative workdir", CommandSpec{Image: "img", Command: "true", WorkDir: "work"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Run(context.Background(), tt.spec)
			if res.ExitCode != ExitInvalidSpec {
				t.Errorf("exit code = %d, want %d", res.ExitCode, ExitInvalidSpec)
			}
		})
	}
}

func TestLimitedWriter(t *testing.T) {
	var sb strings.Builder
	lw := newLimitedWriter(&sb, 5)

	n, err := lw.Write([]byte("abc"))
	if n != 3 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	n, err = lw.Write([]byte("defgh"))
	if n != 5 || err != nil {
		t.Fatalf("Write over limit = %d, %v; want full length reported", n, err)
	}
	if sb.String() != "abcde" {
		t.Errorf("written = %q", sb.String())
	}
	if !lw.Truncated() {
		t.Error("Truncated = false")
	}
}

func TestExecutionResult_Failure(t *testing.T) {
	tests := []struct {
		res  ExecutionResult
		want FailureKind
	}{
		{ExecutionResult{Success: true}, FailureNone},
		{ExecutionResult{ExitCode: 1}, FailureProgram},
		{ExecutionResult{ExitCode: ExitRuntimeMissing}, FailureRuntimeMissing},
		{ExecutionResult{ExitCode: ExitTimeout}, FailureTimeout},
		{ExecutionResult{ExitCode: ExitPermissionDenied}, FailurePermissionDenied},
		{ExecutionResult{ExitCode: ExitLaunchFailed}, FailureLaunch},
		{ExecutionResult{ExitCode: ExitInvalidSpec}, FailureInvalidSpec},
	}
	for _, tt := range tests {
		if got := tt.res.Failure(); got != tt.want {
			t.Errorf("Failure(exit=%d) = %q, want %q", tt.res.ExitCode, got, tt.want)
		}
	}
}

package process

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/bootvisor/internal/logger"
)

func waitUntil(timeout, step time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(step)
	}
	return cond()
}

func TestStartWaitRecordsExitCode(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "exit3", Command: "sh -c 'exit 3'"})
	if err := p.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.PID() <= 0 || p.StartedAt().IsZero() {
		t.Fatalf("pid/start time not recorded: pid=%d", p.PID())
	}
	err := p.Wait()
	if got := ExitCode(err); got != 3 {
		t.Fatalf("exit code = %d, want 3 (err=%v)", got, err)
	}
	if !p.Exited() || p.Alive() {
		t.Fatalf("process should be reported as exited")
	}
	if ExitCode(p.ExitErr()) != 3 {
		t.Fatalf("ExitErr not recorded: %v", p.ExitErr())
	}
}

func TestStartFailsForMissingBinary(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "missing", Command: "/nonexistent/definitely-not-here"})
	if err := p.Start(nil); err == nil {
		t.Fatalf("expected spawn error")
	}
	if err := p.Wait(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Wait on unstarted process: %v", err)
	}
}

func TestConfigureCmdAppliesEnvWorkdirLogging(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	work := filepath.Join(dir, "work")
	if err := os.MkdirAll(work, 0o755); err != nil {
		t.Fatal(err)
	}
	logs := filepath.Join(dir, "logs")
	p := New(Spec{
		Name:    "cfg",
		Command: "sh -c 'echo out-$FOO; echo err 1>&2; pwd'",
		WorkDir: work,
		Log:     logger.FileConfig{Dir: logs},
	})
	if err := p.Start([]string{"FOO=bar"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	out, err := os.ReadFile(filepath.Join(logs, "cfg.stdout.log"))
	if err != nil {
		t.Fatalf("stdout log: %v", err)
	}
	if !strings.Contains(string(out), "out-bar") || !strings.Contains(string(out), work) {
		t.Fatalf("unexpected stdout log: %q", out)
	}
	errOut, err := os.ReadFile(filepath.Join(logs, "cfg.stderr.log"))
	if err != nil || !strings.Contains(string(errOut), "err") {
		t.Fatalf("stderr log missing: %v %q", err, errOut)
	}
}

func TestWaitReturnsWhileChildHoldsLogPipe(t *testing.T) {
	requireUnix(t)
	cases := []struct {
		name    string
		command string
		code    int
	}{
		{"clean exit", "sh -c 'sleep 5 & exit 0'", 0},
		{"failed exit", "sh -c 'sleep 5 & exit 2'", 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := New(Spec{Name: "leaky", Command: tc.command, Log: logger.FileConfig{Dir: t.TempDir()}})
			if err := p.Start(nil); err != nil {
				t.Fatalf("Start: %v", err)
			}
			pid := p.PID()
			t.Cleanup(func() { _ = signalGroup(pid, sigKill) })

			done := make(chan error, 1)
			go func() { done <- p.Wait() }()
			select {
			case err := <-done:
				if got := ExitCode(err); got != tc.code {
					t.Fatalf("exit code = %d, want %d (err=%v)", got, tc.code, err)
				}
			case <-time.After(outputDrainDelay + 3*time.Second):
				t.Fatalf("Wait blocked on the leftover child's output")
			}
			if !p.Exited() {
				t.Fatalf("process should be reported as exited")
			}
		})
	}
}

func TestConfigureCmdSetsProcessGroup(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "pg", Command: "true"})
	cmd, err := p.ConfigureCmd(nil)
	if err != nil {
		t.Fatal(err)
	}
	requireOwnProcessGroup(t, cmd)
}

func TestTerminateReachesShellChildren(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "tree", Command: "sh -c 'sleep 30 & wait'"})
	if err := p.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- p.Wait() }()
	if !waitUntil(time.Second, 10*time.Millisecond, p.Alive) {
		t.Fatalf("process not alive after start")
	}
	if err := p.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		_ = p.Kill()
		t.Fatalf("process group did not exit on SIGTERM")
	}
	if ExitCode(p.ExitErr()) != -1 {
		t.Fatalf("expected signal exit, got %v", p.ExitErr())
	}
	// signalling an exited process is a no-op
	if err := p.Kill(); err != nil {
		t.Fatalf("Kill after exit: %v", err)
	}
}

func TestKillIgnoresSIGTERMTrap(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "stubborn", Command: "sh -c 'trap \"\" TERM; sleep 30'"})
	if err := p.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- p.Wait() }()
	time.Sleep(100 * time.Millisecond)
	_ = p.Terminate()
	select {
	case <-done:
		t.Fatalf("trapped SIGTERM should not stop the worker")
	case <-time.After(300 * time.Millisecond):
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("SIGKILL did not stop the worker")
	}
}

func TestSignalBeforeStart(t *testing.T) {
	p := New(Spec{Name: "idle", Command: "true"})
	if err := p.Terminate(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Terminate before start: %v", err)
	}
	if p.Alive() {
		t.Fatalf("unstarted process reported alive")
	}
}

func TestExitCode(t *testing.T) {
	if ExitCode(nil) != 0 {
		t.Fatalf("nil error must map to 0")
	}
	if ExitCode(errors.New("boom")) != -1 {
		t.Fatalf("non-exit error must map to -1")
	}
}

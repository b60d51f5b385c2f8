package process

import (
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"
)

// ErrNotStarted is returned by operations that need a running OS process.
var ErrNotStarted = errors.New("process not started")

// outputDrainDelay bounds how long Wait keeps copying worker output after the worker has
// exited. A leftover child holding stdout or stderr would otherwise block Wait forever.
const outputDrainDelay = time.Second

// Process is one run of the worker. A new Process is created for every spawn, so its
// PID and start time never change after Start returns.
//
// Only one goroutine may call Wait. Signal, Terminate, Kill and Alive are safe for
// concurrent use.
type Process struct {
	spec Spec

	mu        sync.Mutex
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	stoppedAt time.Time
	exitErr   error
	outCloser io.WriteCloser
	errCloser io.WriteCloser
	done      chan struct{}
}

func New(spec Spec) *Process {
	return &Process{spec: spec, done: make(chan struct{})}
}

// Spec returns the spec this run was started with.
func (p *Process) Spec() Spec { return p.spec }

// ConfigureCmd builds the *exec.Cmd for this run: workdir, environment, stdio/logging
// and process group attributes.
func (p *Process) ConfigureCmd(env []string) (*exec.Cmd, error) {
	spec := p.spec
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if env != nil {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)
	cmd.WaitDelay = outputDrainDelay

	if spec.Log.Enabled() {
		outW, errW, err := spec.Log.ProcessWriters(spec.Name)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.outCloser, p.errCloser = outW, errW
		p.mu.Unlock()
		if outW != nil {
			cmd.Stdout = outW
		}
		if errW != nil {
			cmd.Stderr = errW
		}
	}
	// nil Stdout/Stderr are connected to the null device by os/exec.
	return cmd, nil
}

// Start spawns the worker. On success the PID file (if configured) is written before
// Start returns.
func (p *Process) Start(env []string) error {
	cmd, err := p.ConfigureCmd(env)
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		p.closeWriters()
		return err
	}
	p.mu.Lock()
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	p.mu.Unlock()

	if p.spec.PIDFile != "" {
		_ = WritePIDFile(p.spec.PIDFile, p.pid, StartTimeUnix(p.pid))
	}
	return nil
}

// Wait blocks until the worker exits, records the exit error, releases log writers and
// removes the PID file. It must be called exactly once per successful Start.
func (p *Process) Wait() error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil {
		return ErrNotStarted
	}
	err := cmd.Wait()
	if errors.Is(err, exec.ErrWaitDelay) {
		// exited with status 0; only the output copy was cut short
		err = nil
	}

	p.mu.Lock()
	p.exitErr = err
	p.stoppedAt = time.Now()
	p.mu.Unlock()

	p.closeWriters()
	if p.spec.PIDFile != "" {
		RemovePIDFile(p.spec.PIDFile)
	}
	close(p.done)
	return err
}

// Done is closed once Wait has returned.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *Process) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// ExitErr returns the error recorded by Wait (nil for exit status 0 or while running).
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Exited reports whether Wait has observed the exit.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Terminate asks the worker's process group to stop gracefully.
func (p *Process) Terminate() error { return p.signal(sigTerm) }

// Kill force-terminates the worker's process group.
func (p *Process) Kill() error { return p.signal(sigKill) }

func (p *Process) signal(sig sysSignal) error {
	pid := p.PID()
	if pid <= 0 {
		return ErrNotStarted
	}
	if p.Exited() {
		return nil
	}
	return signalGroup(pid, sig)
}

// Alive probes liveness without touching os/exec internals. A zombie (exited but not yet
// reaped) counts as not alive.
func (p *Process) Alive() bool {
	pid := p.PID()
	if pid <= 0 || p.Exited() {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return pidExists(pid)
}

func (p *Process) closeWriters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outCloser != nil {
		_ = p.outCloser.Close()
		p.outCloser = nil
	}
	if p.errCloser != nil {
		_ = p.errCloser.Close()
		p.errCloser = nil
	}
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// ExitCode extracts the numeric exit code from an error returned by Wait.
// It returns 0 for nil, -1 when the process was terminated by a signal or the code is unknown.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

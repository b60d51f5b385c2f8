package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/bootvisor/internal/config"
	"github.com/loykin/bootvisor/internal/history"
	"github.com/loykin/bootvisor/internal/metrics"
	"github.com/loykin/bootvisor/internal/process"
)

// HealthGate is the part of the health monitor driven by the supervisor: it is armed for
// a generation when the worker reaches Running and suspended in every other state.
type HealthGate interface {
	Arm(gen uint64)
	Suspend()
	Configure(config.Snapshot)
}

type Options struct {
	Spec process.Spec
	// Env is the complete environment of every spawn; nil inherits the daemon's.
	Env     []string
	Policy  config.Snapshot
	Health  HealthGate
	History *history.Recorder
	Log     *slog.Logger
}

type eventKind int

const (
	evEnable eventKind = iota
	evPolicy
	evSpawned
	evExited
	evUnhealthy
	evBackoff
	evMinUptime
	evGraceful
	evKillMargin
	evShutdown
)

type event struct {
	kind eventKind
	gen  uint64
	snap config.Snapshot
	proc *process.Process
	err  error
	ack  chan error
}

// Supervisor owns one worker. Every input is a message on a single channel consumed by
// the control loop, which is the only goroutine touching the fields below the divider.
//
// State Machine:
// Stopped -> Starting -> Running -> Stopping -> Stopped
// Running -> Crashed -> Restarting -> Starting
// any -> ShuttingDown -> Stopped
type Supervisor struct {
	spec    process.Spec
	env     []string
	health  HealthGate
	history *history.Recorder
	log     *slog.Logger

	events    chan event
	done      chan struct{}
	changed   chan struct{}
	status    atomic.Pointer[Status]
	startOnce sync.Once
	// written by the loop before done is closed
	shutdownErr error

	// --- owned by the control loop ---
	state            State
	enabled          bool
	policy           config.Snapshot
	gen              uint64
	proc             *process.Process
	restartCount     int
	everStarted      bool
	lastErr          error
	fatalReason      string
	degraded         bool
	stopRequested    bool
	stopReason       string
	stopMode         string
	abandoned        bool
	pendingStop      bool
	respawnAfterStop bool
	awaitingReap     bool
	backoffDue       bool
	shuttingDown     bool
	closed           bool
	waiters          []chan error
	timers           map[eventKind]*time.Timer
}

func New(opts Options) *Supervisor {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	policy := opts.Policy
	if policy.PollInterval <= 0 {
		policy = config.DefaultSnapshot()
	}
	s := &Supervisor{
		spec:    opts.Spec,
		env:     opts.Env,
		health:  opts.Health,
		history: opts.History,
		log:     log.With("component", "supervisor", "worker", opts.Spec.Name),
		events:  make(chan event, 64),
		done:    make(chan struct{}),
		changed: make(chan struct{}, 1),
		state:   StateStopped,
		policy:  policy,
		timers:  make(map[eventKind]*time.Timer),
	}
	if s.health != nil {
		s.health.Configure(policy)
	}
	metrics.SetCurrentState(s.spec.Name, StateStopped.String(), true)
	s.publish()
	return s
}

// Start launches the control loop. Cancelling ctx has the same effect as Shutdown.
func (s *Supervisor) Start(ctx context.Context) {
	s.startOnce.Do(func() { go s.runStateMachine(ctx) })
}

// Status returns the latest published status. It never blocks.
func (s *Supervisor) Status() *Status { return s.status.Load() }

// Changes receives a value after status changes; bursts are coalesced.
func (s *Supervisor) Changes() <-chan struct{} { return s.changed }

// Done is closed when the control loop has exited after a shutdown.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// EnabledTransition applies snap and starts or stops the worker according to
// snap.Enabled. It returns once the loop has accepted the transition, not when the
// worker has reached its target state.
func (s *Supervisor) EnabledTransition(ctx context.Context, snap config.Snapshot) error {
	return s.request(ctx, event{kind: evEnable, snap: snap})
}

// IntervalChanged applies new policy values. Timers already armed keep their deadline.
func (s *Supervisor) IntervalChanged(ctx context.Context, snap config.Snapshot) error {
	return s.request(ctx, event{kind: evPolicy, snap: snap})
}

// ReportUnhealthy folds a health verdict for run gen into the crash path.
func (s *Supervisor) ReportUnhealthy(gen uint64, err error) {
	s.send(event{kind: evUnhealthy, gen: gen, err: err})
}

// Shutdown stops the worker (graceful, then forced) and ends the control loop. Every
// caller waits for the same sequence and gets the same result; after the loop has exited
// it returns that result immediately.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	err := s.request(ctx, event{kind: evShutdown})
	if errors.Is(err, ErrClosed) {
		return s.shutdownErr
	}
	return err
}

func (s *Supervisor) request(ctx context.Context, ev event) error {
	ev.ack = make(chan error, 1)
	select {
	case s.events <- ev:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ev.ack:
		return err
	case <-s.done:
		select {
		case err := <-ev.ack:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send posts from helper goroutines and timers; it gives up once the loop is gone.
func (s *Supervisor) send(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// runStateMachine is the control loop (single goroutine, no locks on loop state)
func (s *Supervisor) runStateMachine(ctx context.Context) {
	defer close(s.done)
	ctxDone := ctx.Done()
	for {
		var ev event
		select {
		case <-ctxDone:
			ctxDone = nil
			s.log.Info("context cancelled, shutting down")
			s.handleShutdown(nil)
		case ev = <-s.events:
			s.handle(ev)
		}
		s.publish()
		// acked after publish so callers observe the new status
		if ev.ack != nil && ev.kind != evShutdown {
			ev.ack <- nil
		}
		if s.closed {
			for k := range s.timers {
				s.disarm(k)
			}
			for _, w := range s.waiters {
				w <- s.shutdownErr
			}
			s.waiters = nil
			return
		}
	}
}

func (s *Supervisor) handle(ev event) {
	switch ev.kind {
	case evEnable:
		s.onEnable(ev.snap)
	case evPolicy:
		s.applyPolicy(ev.snap)
	case evSpawned:
		s.onSpawned(ev)
	case evExited:
		s.onExited(ev)
	case evUnhealthy:
		s.onUnhealthy(ev)
	case evBackoff:
		s.onBackoff(ev)
	case evMinUptime:
		s.onMinUptime(ev)
	case evGraceful:
		s.onGraceful(ev)
	case evKillMargin:
		s.onKillMargin(ev)
	case evShutdown:
		// acked when the sequence completes
		s.handleShutdown(ev.ack)
	}
}

func (s *Supervisor) applyPolicy(snap config.Snapshot) {
	if !s.policy.SamePolicy(snap) {
		s.log.Info("policy updated",
			"poll_interval", snap.PollInterval,
			"health_check_interval", snap.HealthCheckInterval,
			"max_restart_attempts", snap.MaxRestartAttempts)
	}
	s.policy = snap
	if s.health != nil {
		s.health.Configure(snap)
	}
}

func (s *Supervisor) onEnable(snap config.Snapshot) {
	s.applyPolicy(snap)
	s.enabled = snap.Enabled
	if s.shuttingDown {
		return
	}
	if snap.Enabled {
		s.onEnabled()
	} else {
		s.onDisabled()
	}
}

func (s *Supervisor) onEnabled() {
	switch s.state {
	case StateStopped:
		s.resetCounters()
		s.spawn()
	case StateStarting:
		s.pendingStop = false
	case StateStopping:
		s.respawnAfterStop = true
	case StateCrashed:
		if s.fatalReason != "" {
			s.log.Info("worker is in terminal crashed state; set enabled=false then enabled=true to reset")
		}
	}
}

func (s *Supervisor) onDisabled() {
	s.respawnAfterStop = false
	switch s.state {
	case StateStarting:
		s.pendingStop = true
	case StateRunning:
		s.beginStop("disable")
	case StateCrashed, StateRestarting:
		s.disarm(evBackoff)
		s.backoffDue = false
		if s.awaitingReap {
			// the unhealthy worker was already killed; finish like a forced stop
			s.stopRequested = true
			s.stopReason = "disable"
			s.stopMode = "kill"
			s.setState(StateStopping)
			return
		}
		s.log.Info("worker disabled, pending restart cancelled", "restart_count", s.restartCount)
		s.setState(StateStopped)
	}
}

func (s *Supervisor) resetCounters() {
	s.restartCount = 0
	s.fatalReason = ""
	s.lastErr = nil
	s.degraded = false
	metrics.SetRestartCount(s.spec.Name, 0)
}

func (s *Supervisor) spawn() {
	s.gen++
	gen := s.gen
	proc := process.New(s.spec)
	s.proc = proc
	s.stopRequested = false
	s.awaitingReap = false
	s.backoffDue = false
	s.setState(StateStarting)
	s.log.Info("spawning worker", "generation", gen, "command", s.spec.Command)

	env := s.env
	go func() {
		if err := proc.Start(env); err != nil {
			s.send(event{kind: evSpawned, gen: gen, proc: proc, err: err})
			return
		}
		s.send(event{kind: evSpawned, gen: gen, proc: proc})
		err := proc.Wait()
		s.send(event{kind: evExited, gen: gen, proc: proc, err: err})
	}()
}

func (s *Supervisor) current(ev event) bool {
	return ev.gen == s.gen && ev.proc != nil && ev.proc == s.proc
}

func (s *Supervisor) onSpawned(ev event) {
	if !s.current(ev) {
		s.log.Debug("discarding stale spawn result", "generation", ev.gen)
		return
	}
	stop := s.pendingStop || !s.enabled || s.shuttingDown
	s.pendingStop = false

	if ev.err != nil {
		serr := &SpawnError{Command: s.spec.Command, Err: ev.err}
		s.proc = nil
		s.lastErr = serr
		s.log.Error("worker spawn failed", "generation", ev.gen, "error", serr)
		if stop {
			s.record(history.EventSpawnFailed, 0, 0, serr)
			s.setState(StateStopped)
			s.maybeFinishShutdown()
			return
		}
		s.crash(serr, 0)
		return
	}

	pid := ev.proc.PID()
	s.everStarted = true
	metrics.IncSpawn(s.spec.Name)
	s.record(history.EventSpawn, pid, 0, nil)
	if stop {
		s.log.Info("worker started while a stop was pending", "pid", pid, "generation", ev.gen)
		s.beginStop(s.pendingReason())
		return
	}
	s.log.Info("worker running", "pid", pid, "generation", ev.gen)
	s.setState(StateRunning)
	s.arm(evMinUptime, s.policy.MinUptime)
	if s.health != nil {
		s.health.Arm(ev.gen)
	}
}

func (s *Supervisor) pendingReason() string {
	if s.shuttingDown {
		return "shutdown"
	}
	return "disable"
}

func (s *Supervisor) onExited(ev event) {
	if !s.current(ev) {
		s.log.Debug("discarding stale exit", "generation", ev.gen)
		return
	}
	s.disarm(evGraceful, evKillMargin, evMinUptime)
	s.suspendHealth()

	pid := ev.proc.PID()
	code := process.ExitCode(ev.err)
	uptime := time.Since(ev.proc.StartedAt())
	s.proc = nil

	switch {
	case s.stopRequested || s.shuttingDown:
		s.stopRequested = false
		s.awaitingReap = false
		s.finishStop(pid, code)
	case s.awaitingReap:
		s.awaitingReap = false
		s.log.Info("unhealthy worker reaped", "pid", pid, "exit_code", code)
		if s.backoffDue && s.state == StateRestarting {
			s.respawn()
		}
	default:
		xerr := &ExitError{Code: code, Uptime: uptime, Err: ev.err}
		s.crash(xerr, pid)
	}
}

// crash counts a failure and either schedules a restart or parks in terminal Crashed.
func (s *Supervisor) crash(cause error, pid int) {
	s.restartCount++
	s.lastErr = cause
	s.disarm(evMinUptime)
	s.suspendHealth()
	metrics.IncCrash(s.spec.Name, crashReason(cause))
	metrics.SetRestartCount(s.spec.Name, s.restartCount)
	s.setState(StateCrashed)

	typ := history.EventCrash
	var serr *SpawnError
	if errors.As(cause, &serr) {
		typ = history.EventSpawnFailed
	}
	var xerr *ExitError
	code := 0
	if errors.As(cause, &xerr) {
		code = xerr.Code
	}
	s.record(typ, pid, code, cause)

	ceiling := s.policy.MaxRestartAttempts
	if !s.policy.Unlimited() && s.restartCount >= ceiling {
		fatal := fmt.Errorf("%w: %d consecutive failures (max %d), last: %v", ErrRestartCeiling, s.restartCount, ceiling, cause)
		s.fatalReason = fatal.Error()
		s.record(history.EventFatal, pid, code, fatal)
		s.log.Error("worker reached restart ceiling, manual intervention required",
			"restart_count", s.restartCount, "max_restart_attempts", ceiling, "error", cause)
		return
	}

	d := backoffDelay(s.policy, s.restartCount)
	s.backoffDue = false
	s.setState(StateRestarting)
	s.arm(evBackoff, d)
	s.log.Warn("worker crashed, restart scheduled",
		"restart_count", s.restartCount, "max_restart_attempts", ceiling, "delay", d, "error", cause)
}

func (s *Supervisor) onUnhealthy(ev event) {
	if ev.gen != s.gen || s.state != StateRunning || s.proc == nil {
		s.log.Debug("discarding stale health report", "generation", ev.gen)
		return
	}
	pid := s.proc.PID()
	s.log.Error("worker failed health checks, killing", "pid", pid, "generation", ev.gen, "error", ev.err)
	if err := s.proc.Kill(); err != nil {
		s.log.Warn("kill unhealthy worker", "pid", pid, "error", err)
	}
	s.awaitingReap = true
	s.arm(evKillMargin, s.policy.KillMargin)
	s.crash(ev.err, pid)
}

func (s *Supervisor) onBackoff(ev event) {
	if ev.gen != s.gen || s.state != StateRestarting {
		return
	}
	s.backoffDue = true
	if s.awaitingReap {
		s.log.Info("backoff elapsed, waiting for the previous worker to be reaped")
		return
	}
	s.respawn()
}

func (s *Supervisor) respawn() {
	metrics.IncRestart(s.spec.Name)
	s.record(history.EventRestart, 0, 0, nil)
	s.spawn()
}

func (s *Supervisor) onMinUptime(ev event) {
	if ev.gen != s.gen || s.state != StateRunning {
		return
	}
	if s.restartCount > 0 {
		s.log.Info("worker stable, restart count reset", "previous", s.restartCount, "min_uptime", s.policy.MinUptime)
	}
	s.restartCount = 0
	metrics.SetRestartCount(s.spec.Name, 0)
}

// beginStop sends SIGTERM to the worker's process group and arms the graceful timer.
func (s *Supervisor) beginStop(reason string) {
	s.stopRequested = true
	s.stopReason = reason
	s.stopMode = "graceful"
	s.abandoned = false
	s.disarm(evMinUptime, evBackoff)
	s.suspendHealth()
	if s.shuttingDown {
		s.setState(StateShuttingDown)
	} else {
		s.setState(StateStopping)
	}
	pid := s.proc.PID()
	s.log.Info("stopping worker", "reason", reason, "pid", pid, "timeout", s.policy.GracefulStopTimeout)
	if err := s.proc.Terminate(); err != nil {
		s.log.Warn("signal worker", "pid", pid, "error", err)
	}
	s.arm(evGraceful, s.policy.GracefulStopTimeout)
}

func (s *Supervisor) onGraceful(ev event) {
	if ev.gen != s.gen || !s.stopRequested || s.proc == nil {
		return
	}
	pid := s.proc.PID()
	s.log.Warn("worker ignored SIGTERM, sending SIGKILL", "pid", pid, "timeout", s.policy.GracefulStopTimeout)
	s.stopMode = "kill"
	if err := s.proc.Kill(); err != nil {
		s.log.Warn("kill worker", "pid", pid, "error", err)
	}
	s.arm(evKillMargin, s.policy.KillMargin)
}

func (s *Supervisor) onKillMargin(ev event) {
	if ev.gen != s.gen || s.proc == nil || (!s.stopRequested && !s.awaitingReap) {
		return
	}
	pid := s.proc.PID()
	s.log.Warn("worker still present after SIGKILL, abandoning handle (degraded)", "pid", pid, "kill_margin", s.policy.KillMargin)
	s.degraded = true
	// a late exit from this run is now stale: proc no longer matches
	s.proc = nil
	s.disarm(evGraceful)
	if s.stopRequested {
		s.stopRequested = false
		s.awaitingReap = false
		s.stopMode = "abandoned"
		s.abandoned = true
		s.finishStop(pid, -1)
		return
	}
	s.awaitingReap = false
	if s.backoffDue && s.state == StateRestarting {
		s.respawn()
	}
}

func (s *Supervisor) finishStop(pid, code int) {
	metrics.IncStop(s.spec.Name, s.stopMode)
	s.record(history.EventStop, pid, code, nil)
	s.log.Info("worker stopped", "reason", s.stopReason, "mode", s.stopMode, "pid", pid, "exit_code", code)
	s.setState(StateStopped)
	if s.maybeFinishShutdown() {
		return
	}
	if s.respawnAfterStop && s.enabled {
		s.respawnAfterStop = false
		s.resetCounters()
		s.spawn()
	}
}

func (s *Supervisor) handleShutdown(ack chan error) {
	if ack != nil {
		s.waiters = append(s.waiters, ack)
	}
	if s.shuttingDown {
		return
	}
	s.shuttingDown = true
	s.respawnAfterStop = false
	s.disarm(evBackoff)
	s.backoffDue = false
	s.log.Info("shutdown requested", "state", s.state.String())

	switch {
	case s.state == StateRunning:
		s.beginStop("shutdown")
	case s.state == StateStarting:
		s.pendingStop = true
		s.setState(StateShuttingDown)
	case s.stopRequested:
		s.setState(StateShuttingDown)
	case s.awaitingReap:
		s.stopRequested = true
		s.stopReason = "shutdown"
		s.stopMode = "kill"
		s.setState(StateShuttingDown)
	default:
		s.setState(StateShuttingDown)
		s.finishShutdown()
	}
}

func (s *Supervisor) maybeFinishShutdown() bool {
	if !s.shuttingDown {
		return false
	}
	s.finishShutdown()
	return true
}

func (s *Supervisor) finishShutdown() {
	s.setState(StateStopped)
	s.record(history.EventShutdown, 0, 0, nil)
	var err error
	if s.abandoned {
		err = ErrDegradedStop
	}
	s.shutdownErr = err
	s.closed = true
	s.log.Info("supervisor stopped", "degraded", s.abandoned)
}

func (s *Supervisor) suspendHealth() {
	if s.health != nil {
		s.health.Suspend()
	}
}

// arm (re)starts the timer for kind, tagged with the current generation.
func (s *Supervisor) arm(kind eventKind, d time.Duration) {
	s.disarm(kind)
	gen := s.gen
	s.timers[kind] = time.AfterFunc(d, func() {
		s.send(event{kind: kind, gen: gen})
	})
}

func (s *Supervisor) disarm(kinds ...eventKind) {
	for _, k := range kinds {
		if t, ok := s.timers[k]; ok {
			t.Stop()
			delete(s.timers, k)
		}
	}
}

func (s *Supervisor) setState(next State) {
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next
	name := s.spec.Name
	metrics.RecordStateTransition(name, prev.String(), next.String())
	metrics.SetCurrentState(name, prev.String(), false)
	metrics.SetCurrentState(name, next.String(), true)
	s.log.Debug("state transition", "from", prev.String(), "to", next.String(), "generation", s.gen)
}

func (s *Supervisor) record(typ history.EventType, pid, code int, err error) {
	e := history.Event{
		Type:         typ,
		OccurredAt:   time.Now().UTC(),
		Worker:       s.spec.Name,
		PID:          pid,
		Generation:   s.gen,
		State:        s.state.String(),
		RestartCount: s.restartCount,
		ExitCode:     code,
	}
	if err != nil {
		e.Error = err.Error()
	}
	s.history.Record(e)
}

func (s *Supervisor) publish() {
	st := &Status{
		Worker:             s.spec.Name,
		State:              s.state,
		Enabled:            s.enabled,
		Generation:         s.gen,
		RestartCount:       s.restartCount,
		MaxRestartAttempts: s.policy.MaxRestartAttempts,
		EverStarted:        s.everStarted,
		FatalReason:        s.fatalReason,
		Degraded:           s.degraded,
		UpdatedAt:          time.Now(),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if s.proc != nil && s.proc.PID() > 0 {
		st.Handle = &Handle{
			PID:          s.proc.PID(),
			StartedAt:    s.proc.StartedAt(),
			Generation:   s.gen,
			Spec:         s.spec,
			RestartCount: s.restartCount,
		}
	}
	s.status.Store(st)
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

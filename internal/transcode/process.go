// Package transcode runs one external transcoder process per camera and
// tracks its lifecycle through an explicit state machine.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// ErrSpawn wraps failures to start the transcoder binary.
var ErrSpawn = errors.New("transcoder spawn failed")

// Spec describes one transcoder invocation.
type Spec struct {
	CameraID string
	Binary   string
	Args     []string
	Env      []string // appended to the parent environment
	Dir      string   // working directory; the output dir in practice

	// OnErrorLine is called for every diagnostic line classified as an error.
	OnErrorLine func(line string)
	// OnExit is called once after the process has exited and its state has
	// been updated. It is never called when Launch returns an error.
	OnExit func(p *Process, exit Exit)
}

// Process is one running transcoder. It is single-use: once it leaves
// StateRunning it never returns to it.
type Process struct {
	cameraID string
	log      *slog.Logger
	cmd      *exec.Cmd
	diag     *diagWriter
	done     chan struct{}

	mu        sync.Mutex
	state     State
	requested bool
	exit      Exit
	pid       int
	startedAt time.Time
}

// Launch spawns the transcoder described by spec. On spawn failure the
// process is left in StateCrashed and the error wraps ErrSpawn.
func Launch(spec Spec, log *slog.Logger) (*Process, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("camera_id", spec.CameraID))
	p := &Process{
		cameraID: spec.CameraID,
		log:      log,
		done:     make(chan struct{}),
		state:    StateStopped,
	}
	p.apply(Event{Kind: EventLaunch})

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), spec.Env...)
	}
	p.diag = newDiagWriter(log, 20, spec.OnErrorLine)
	cmd.Stdout = p.diag
	cmd.Stderr = p.diag
	setProcessGroup(cmd)
	p.cmd = cmd

	log.Debug("starting transcoder",
		slog.String("bin", spec.Binary),
		slog.Any("args", RedactArgs(spec.Args)))

	if err := cmd.Start(); err != nil {
		p.apply(Event{Kind: EventSpawnFailed})
		close(p.done)
		log.Error("transcoder spawn failed", slog.String("error", err.Error()))
		return p, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	p.mu.Lock()
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now().UTC()
	p.mu.Unlock()
	p.apply(Event{Kind: EventSpawned})
	log.Info("transcoder started", slog.Int("pid", p.pid))

	go p.wait(spec.OnExit)
	return p, nil
}

func (p *Process) wait(onExit func(*Process, Exit)) {
	err := p.cmd.Wait()
	p.diag.Flush()

	exit := Exit{Err: err}
	if p.cmd.ProcessState != nil {
		exit.Code = p.cmd.ProcessState.ExitCode()
		exit.Signaled = exitSignaled(p.cmd.ProcessState)
	} else if err != nil {
		exit.Code = -1
	}

	p.mu.Lock()
	exit.Requested = p.requested
	p.exit = exit
	p.mu.Unlock()
	p.apply(Event{Kind: EventExited, Exit: exit})

	switch {
	case exit.Crashed() && !exit.Requested:
		p.log.Error("transcoder crashed",
			slog.Int("pid", p.Pid()),
			slog.Int("exit_code", exit.Code),
			slog.String("stderr_tail", p.diag.Tail()))
	case exit.Requested:
		p.log.Info("transcoder stopped", slog.Int("pid", p.Pid()), slog.Int("exit_code", exit.Code))
	default:
		p.log.Warn("transcoder exited",
			slog.Int("pid", p.Pid()),
			slog.Int("exit_code", exit.Code),
			slog.Bool("signaled", exit.Signaled))
	}

	close(p.done)
	if onExit != nil {
		onExit(p, exit)
	}
}

// apply runs the transition function and drops invalid events.
func (p *Process) apply(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, ok := Transition(p.state, ev)
	if !ok {
		p.log.Debug("ignoring process event",
			slog.String("state", p.state.String()),
			slog.String("event", ev.Kind.String()))
		return
	}
	p.state = next
}

// CameraID returns the camera this process serves.
func (p *Process) CameraID() string { return p.cameraID }

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Pid returns the OS process id, or 0 if the process never spawned.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// StartedAt returns the spawn time.
func (p *Process) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// Killed reports whether a stop has been requested.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requested
}

// Done is closed once the process has exited (or failed to spawn).
func (p *Process) Done() <-chan struct{} { return p.done }

// Exit returns the exit description; valid after Done is closed.
func (p *Process) Exit() Exit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Alive reports whether the process is running and the OS still knows its pid.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
	}
	pid := p.Pid()
	if pid <= 0 {
		return false
	}
	return pidAlive(pid)
}

// Terminate asks the process group to exit with SIGTERM, escalating to
// SIGKILL after grace. It returns once the process has exited or ctx ends.
// Calling it more than once, or after exit, is safe.
func (p *Process) Terminate(ctx context.Context, grace time.Duration) error {
	p.mu.Lock()
	p.requested = true
	pid := p.pid
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	default:
	}
	if pid <= 0 {
		return nil
	}

	if err := signalGroup(pid, sigTerm); err != nil {
		p.log.Debug("sigterm failed", slog.Int("pid", pid), slog.String("error", err.Error()))
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		p.log.Warn("transcoder ignored sigterm, killing", slog.Int("pid", pid), slog.Duration("grace", grace))
	case <-ctx.Done():
		_ = signalGroup(pid, sigKill)
		return ctx.Err()
	}

	if err := signalGroup(pid, sigKill); err != nil {
		p.log.Debug("sigkill failed", slog.Int("pid", pid), slog.String("error", err.Error()))
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

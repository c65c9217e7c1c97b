// Package events publishes stream lifecycle changes for the dashboard.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Type names a lifecycle change.
type Type string

const (
	TypeStarted     Type = "stream.started"
	TypeStopped     Type = "stream.stopped"
	TypeExited      Type = "stream.exited"
	TypeCrashed     Type = "stream.crashed"
	TypeSpawnFailed Type = "stream.spawn_failed"
)

// Event is one lifecycle change for one camera.
type Event struct {
	Type     Type      `json:"type"`
	CameraID string    `json:"camera_id"`
	PID      int       `json:"pid,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Marshal encodes the event payload.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events somewhere.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Async decouples callers from a slow Publisher. Events are delivered in
// submission order by one goroutine; when the buffer is full new events are
// dropped and logged.
type Async struct {
	next    Publisher
	log     *slog.Logger
	timeout time.Duration
	ch      chan Event
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts the delivery goroutine. Close must be called to stop it.
func NewAsync(next Publisher, buffer int, timeout time.Duration, log *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 64
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	a := &Async{next: next, log: log, timeout: timeout, ch: make(chan Event, buffer)}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) run() {
	defer a.wg.Done()
	for ev := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Publish(ctx, ev); err != nil {
			a.log.Warn("publish event failed",
				slog.String("type", string(ev.Type)),
				slog.String("camera_id", ev.CameraID),
				slog.String("error", err.Error()))
		}
		cancel()
	}
}

// Publish enqueues ev without blocking. It never returns an error; events
// published after Close are dropped.
func (a *Async) Publish(_ context.Context, ev Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case a.ch <- ev:
	default:
		a.log.Warn("event buffer full, dropping", slog.String("type", string(ev.Type)), slog.String("camera_id", ev.CameraID))
	}
	return nil
}

// Close stops accepting events and waits for queued ones to be delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// Package lazymount defers building a decode pipeline until its tile is
// about to become visible, then stops watching.
package lazymount

import (
	"sync"
	"time"
)

// Defaults match a wall of small tiles: start loading a little before the
// tile scrolls in, once a sliver of it shows.
const (
	DefaultRootMargin  = 200.0
	DefaultThreshold   = 0.01
	DefaultSettleDelay = 150 * time.Millisecond
)

// Entry is one visibility report.
type Entry struct {
	Intersecting bool
	Ratio        float64 // visible fraction of the element, 0..1
}

// ObserveOptions configure an observation.
type ObserveOptions struct {
	RootMargin float64 // grows the viewport on every side, in pixels
	Threshold  float64
}

// Observer watches one element. Observe may deliver the current state
// immediately. After Disconnect no further entries are delivered.
type Observer interface {
	Observe(opts ObserveOptions, fn func(Entry))
	Disconnect()
}

// Timer is a pending settle delay.
type Timer interface {
	Stop() bool
}

// Config for a Mount.
// Zero values select the defaults; a negative RootMargin or SettleDelay
// means none.
type Config struct {
	RootMargin  float64
	Threshold   float64
	SettleDelay time.Duration
	// OnLoad runs once, when the mount flips to should-load.
	OnLoad    func()
	AfterFunc func(time.Duration, func()) Timer
}

// Mount fires at most once per lifetime.
type Mount struct {
	cfg Config
	obs Observer

	mu         sync.Mutex
	triggered  bool
	shouldLoad bool
	closed     bool
	timer      Timer
}

// New starts observing through obs.
func New(obs Observer, cfg Config) *Mount {
	switch {
	case cfg.RootMargin == 0:
		cfg.RootMargin = DefaultRootMargin
	case cfg.RootMargin < 0:
		cfg.RootMargin = 0
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	} else if cfg.SettleDelay == 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	m := &Mount{cfg: cfg, obs: obs}
	obs.Observe(ObserveOptions{RootMargin: cfg.RootMargin, Threshold: cfg.Threshold}, m.onEntry)
	return m
}

func (m *Mount) onEntry(e Entry) {
	if !e.Intersecting || e.Ratio < m.cfg.Threshold {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.triggered || m.closed {
		return
	}
	m.triggered = true
	m.timer = m.cfg.AfterFunc(m.cfg.SettleDelay, m.fire)
}

func (m *Mount) fire() {
	m.mu.Lock()
	if m.closed || m.shouldLoad {
		m.mu.Unlock()
		return
	}
	m.shouldLoad = true
	m.timer = nil
	m.mu.Unlock()

	m.obs.Disconnect()
	if m.cfg.OnLoad != nil {
		m.cfg.OnLoad()
	}
}

// ShouldLoad reports whether the element has been visible long enough.
func (m *Mount) ShouldLoad() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldLoad
}

// Close cancels a pending settle and always disconnects the observer.
func (m *Mount) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
	m.obs.Disconnect()
}

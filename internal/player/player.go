// Package player drives a segmented-stream decoder for one camera view,
// classifying decoder errors and applying a fixed recovery policy per class.
package player

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"camstream/internal/platform/logger"
	"camstream/internal/platform/metrics"
)

// DefaultMaxMediaRecoveries bounds in-place media recoveries between two
// successful fragment loads.
const DefaultMaxMediaRecoveries = 3

const msgUnsupported = "HLS playback is not supported"

// Timer is a pending delayed action.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Delays overrides the default retry delays. Zero fields keep the defaults.
type Delays struct {
	FragmentRetry       time.Duration
	ManifestEmpty       time.Duration
	ManifestUnavailable time.Duration
	ManifestServer      time.Duration
	NetworkRetries      []time.Duration
}

func (d Delays) forKind(k Kind, def time.Duration) time.Duration {
	var v time.Duration
	switch k {
	case KindFragmentServer:
		v = d.FragmentRetry
	case KindManifestEmpty:
		v = d.ManifestEmpty
	case KindManifestUnavailable:
		v = d.ManifestUnavailable
	case KindManifestServer:
		v = d.ManifestServer
	}
	if v > 0 {
		return v
	}
	return def
}

// Config for a Player.
type Config struct {
	NewDecoder         DecoderFactory
	Delays             Delays
	MaxMediaRecoveries int
	// OnFailure is called once per source when playback gives up.
	OnFailure func(reason string)
	// OnChange is called after every visible state change.
	OnChange  func(Session)
	AfterFunc AfterFunc
	Log       *slog.Logger
	Metrics   *metrics.Metrics
}

// Session is the visible playback state of one camera view.
type Session struct {
	ID         string
	CameraID   string
	Source     string
	ErrorState string // message shown to the viewer; empty when healthy
	RetryCount int
	Fatal      bool // playback has given up
}

// Player owns one decoder and at most one pending retry timer.
type Player struct {
	cfg Config
	log *slog.Logger

	mu              sync.Mutex
	session         Session
	dec             Decoder
	timer           Timer
	networkFailures int
	mediaRecoveries int
	errorFatal      bool
	failed          bool
	closed          bool
}

// New returns an idle Player for cameraID.
func New(cameraID string, cfg Config) *Player {
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = realAfterFunc
	}
	if cfg.MaxMediaRecoveries <= 0 {
		cfg.MaxMediaRecoveries = DefaultMaxMediaRecoveries
	}
	if len(cfg.Delays.NetworkRetries) == 0 {
		cfg.Delays.NetworkRetries = DefaultNetworkRetryDelays
	}
	return &Player{
		cfg:     cfg,
		log:     logger.WithComponent(cfg.Log, "player").With(slog.String("camera_id", cameraID)),
		session: Session{CameraID: cameraID},
	}
}

// Session returns a snapshot of the playback state.
func (p *Player) Session() Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// SetSource tears down any current playback and starts a fresh session on url.
// It returns an error wrapping ErrUnsupported when no decoder can be built.
func (p *Player) SetSource(url string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("player: closed")
	}
	timer, old := p.detachLocked()
	p.session = Session{ID: uuid.NewString(), CameraID: p.session.CameraID, Source: url}
	p.networkFailures, p.mediaRecoveries = 0, 0
	p.errorFatal, p.failed = false, false
	id := p.session.ID
	p.mu.Unlock()
	teardown(timer, old)

	if p.cfg.NewDecoder == nil {
		p.terminal(nil, msgUnsupported)
		return ErrUnsupported
	}

	var dec Decoder
	dec, err := p.cfg.NewDecoder(func(ev Event) { p.handle(dec, ev) })
	if err != nil {
		p.terminal(nil, msgUnsupported)
		if errors.Is(err, ErrUnsupported) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	p.mu.Lock()
	if p.closed || p.session.ID != id {
		p.mu.Unlock()
		dec.Destroy()
		return nil
	}
	p.dec = dec
	p.mu.Unlock()

	p.log.Info("loading source", slog.String("session_id", id), slog.String("url", url))
	dec.AttachMedia()
	dec.LoadSource(url)
	p.notify()
	return nil
}

// Close cancels any pending retry and destroys the decoder. Safe to call twice.
func (p *Player) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	timer, dec := p.detachLocked()
	p.mu.Unlock()
	teardown(timer, dec)
}

// detachLocked hands the timer and decoder to the caller for teardown.
func (p *Player) detachLocked() (Timer, Decoder) {
	t, d := p.timer, p.dec
	p.timer, p.dec = nil, nil
	return t, d
}

// teardown stops the timer before destroying the decoder.
func teardown(t Timer, d Decoder) {
	if t != nil {
		t.Stop()
	}
	if d != nil {
		d.Destroy()
	}
}

// handle processes an event from dec. Events from a decoder that is no longer
// current are dropped.
func (p *Player) handle(dec Decoder, ev Event) {
	p.mu.Lock()
	if p.closed || p.failed || dec == nil || p.dec != dec {
		p.mu.Unlock()
		return
	}

	switch ev.Kind {
	case EventFragLoading, EventBufferAppended:
		changed := p.clearLocked()
		p.mu.Unlock()
		if changed {
			p.notify()
		}
		return
	case EventFragLoaded:
		changed := p.clearLocked() || p.session.RetryCount != 0
		p.session.RetryCount = 0
		p.networkFailures, p.mediaRecoveries = 0, 0
		p.mu.Unlock()
		if changed {
			p.notify()
		}
		return
	case EventError:
	default:
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if ev.Error != nil {
		p.recover(dec, *ev.Error)
	}
}

// clearLocked drops a non-fatal error message once the stream makes progress.
func (p *Player) clearLocked() bool {
	if p.session.ErrorState == "" || p.errorFatal {
		return false
	}
	p.session.ErrorState = ""
	return true
}

func (p *Player) recover(dec Decoder, e ErrorEvent) {
	kind := Classify(e)
	pol := Recovery(kind)
	pol.Delay = p.cfg.Delays.forKind(kind, pol.Delay)

	log := p.log.With(
		slog.String("kind", kind.String()),
		slog.String("details", e.Details),
		slog.Bool("fatal", e.Fatal),
		slog.Int("response_code", e.ResponseCode))
	if kind == KindIgnored {
		log.Debug("decoder error ignored")
		return
	}
	p.cfg.Metrics.IncPlayerRecovery(kind.String())

	switch pol.Action {
	case ActionResume:
		log.Debug("resuming after stall")
		if dec.Buffered() {
			if err := dec.Play(); err == nil {
				return
			}
		}
		dec.StartLoad()

	case ActionStartLoad:
		if pol.Delay == 0 {
			log.Debug("resuming load")
			dec.StartLoad()
			return
		}
		log.Warn("retrying load", slog.Duration("delay", pol.Delay))
		p.schedule(dec, pol, pol.Delay, func() { dec.StartLoad() })

	case ActionReload:
		log.Warn("reloading stream", slog.Duration("delay", pol.Delay))
		p.schedule(dec, pol, pol.Delay, func() {
			if !dec.MediaAttached() {
				dec.LoadSource(p.Session().Source)
				return
			}
			dec.StartLoad()
		})

	case ActionNetworkRetry:
		p.mu.Lock()
		n := p.networkFailures
		p.networkFailures++
		p.mu.Unlock()
		if n >= len(p.cfg.Delays.NetworkRetries) {
			p.terminal(dec, "Connection lost.")
			return
		}
		delay := p.cfg.Delays.NetworkRetries[n]
		log.Warn("network error, retrying", slog.Int("attempt", n+1), slog.Duration("delay", delay))
		p.schedule(dec, pol, delay, func() { dec.StartLoad() })

	case ActionRecoverMedia, ActionRecoverAppend:
		p.mu.Lock()
		exhausted := p.mediaRecoveries >= p.cfg.MaxMediaRecoveries
		p.mediaRecoveries++
		p.mu.Unlock()
		if exhausted {
			p.terminal(dec, "Video could not be decoded.")
			return
		}
		// Recovery runs now, so the message may clear on the next progress event.
		pol.Fatal = false
		if !p.show(dec, pol, true) {
			return
		}
		if pol.Action == ActionRecoverAppend {
			log.Warn("buffer append failed, resuming load")
			dec.StartLoad()
			return
		}
		log.Warn("recovering media error")
		if err := dec.RecoverMediaError(); err != nil {
			log.Warn("media recovery failed, resuming load", slog.String("error", err.Error()))
			dec.StartLoad()
		}

	case ActionTerminal:
		reason := "Playback failed"
		if e.Details != "" {
			reason = fmt.Sprintf("Playback failed (%s)", e.Details)
		}
		p.terminal(dec, reason)
	}
}

// show records a recovery message and retry for the current decoder. It
// reports false when dec is no longer current.
func (p *Player) show(dec Decoder, pol Policy, countRetry bool) bool {
	p.mu.Lock()
	if p.closed || p.failed || p.dec != dec {
		p.mu.Unlock()
		return false
	}
	if pol.Message != "" {
		p.session.ErrorState = pol.Message
		p.errorFatal = pol.Fatal
	}
	if countRetry {
		p.session.RetryCount++
	}
	p.mu.Unlock()
	p.notify()
	return true
}

// schedule replaces any pending retry with fn after d.
func (p *Player) schedule(dec Decoder, pol Policy, d time.Duration, fn func()) {
	if !p.show(dec, pol, true) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dec != dec {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	var t Timer
	t = p.cfg.AfterFunc(d, func() {
		p.mu.Lock()
		current := !p.closed && !p.failed && p.dec == dec && p.timer == t
		if current {
			p.timer = nil
			p.errorFatal = false
		}
		p.mu.Unlock()
		if current {
			fn()
		}
	})
	p.timer = t
}

// terminal gives up: the decoder is destroyed and OnFailure fires once.
func (p *Player) terminal(dec Decoder, reason string) {
	p.mu.Lock()
	if p.closed || p.failed || (dec != nil && p.dec != dec) {
		p.mu.Unlock()
		return
	}
	p.failed = true
	p.errorFatal = true
	p.session.Fatal = true
	p.session.ErrorState = reason
	timer, d := p.detachLocked()
	p.mu.Unlock()

	teardown(timer, d)
	p.cfg.Metrics.IncPlayerTerminal()
	p.log.Error("playback failed", slog.String("reason", reason))
	if p.cfg.OnFailure != nil {
		p.cfg.OnFailure(reason)
	}
	p.notify()
}

func (p *Player) notify() {
	if p.cfg.OnChange != nil {
		p.cfg.OnChange(p.Session())
	}
}

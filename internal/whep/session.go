// Package whep negotiates receive-only WebRTC playback against a WHEP
// gateway, reconnecting within a fixed retry budget.
package whep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"camstream/internal/platform/logger"
	"camstream/internal/platform/metrics"
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("whep: session closed")

// errSuperseded ends an attempt whose generation is no longer current.
var errSuperseded = errors.New("whep: attempt superseded")

const (
	DefaultRetryBudget    = 3
	DefaultRetryDelay     = 2 * time.Second
	DefaultRequestTimeout = 10 * time.Second
)

// Negotiation is the state of one connection attempt. A reconnect starts a
// new Negotiation with a higher Generation.
type Negotiation struct {
	Generation uint64
	TraceID    string
	ICEState   string
	Offer      string
	Answer     string
	RetryCount int
}

// Config for a Session. Zero values select defaults.
type Config struct {
	ICEServers     []string
	RetryBudget    int // reconnects after the first attempt; negative disables them
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	NewPeer        PeerFactory

	// OnTrack receives tracks of the current generation only.
	OnTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	// OnFailure is called once per Connect when the session gives up.
	OnFailure func(error)

	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// Session is one viewer's WHEP playback. Every asynchronous callback carries
// the generation it was created for and is ignored once a newer attempt or
// Close has advanced the generation.
type Session struct {
	cfg    Config
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	gen atomic.Uint64

	mu      sync.Mutex
	target  Target
	peer    Peer
	peerGen uint64
	neg     Negotiation
	retries int
	failed  bool
	closed  bool
	timer   *time.Timer
}

// NewSession returns an idle Session.
func NewSession(cfg Config) *Session {
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = DefaultICEServers
	}
	switch {
	case cfg.RetryBudget == 0:
		cfg.RetryBudget = DefaultRetryBudget
	case cfg.RetryBudget < 0:
		cfg.RetryBudget = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.NewPeer == nil {
		cfg.NewPeer = NewPionPeer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:    cfg,
		log:    logger.WithComponent(cfg.Log, "whep"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect starts a fresh negotiation for the camera at rtspURL, superseding
// any previous one and restoring the full retry budget. It returns the result
// of the first attempt; transient failures keep reconnecting in the background.
func (s *Session) Connect(ctx context.Context, rtspURL, gatewayBase string) error {
	t, err := ParseTarget(rtspURL, gatewayBase)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.stopTimerLocked()
	s.target = t
	s.retries = 0
	s.failed = false
	g := s.gen.Add(1)
	old := s.detachLocked()
	s.mu.Unlock()

	closePeer(old)
	err = s.attempt(ctx, g)
	if errors.Is(err, errSuperseded) {
		return nil
	}
	return err
}

// Generation returns the current generation.
func (s *Session) Generation() uint64 { return s.gen.Load() }

// Negotiation returns a copy of the current attempt's state.
func (s *Session) Negotiation() Negotiation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.neg
}

// Close tears the session down. Pending reconnects and callbacks from any
// generation become no-ops.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopTimerLocked()
	s.gen.Add(1)
	p := s.detachLocked()
	s.mu.Unlock()

	s.cancel()
	return closePeer(p)
}

func (s *Session) attempt(ctx context.Context, g uint64) error {
	traceID := uuid.NewString()
	log := s.log.With(slog.Uint64("generation", g), slog.String("trace_id", traceID))

	peer, err := s.cfg.NewPeer(s.cfg.ICEServers)
	if err != nil {
		s.fail(g, fmt.Errorf("create peer: %w", err))
		return err
	}
	peer.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		if s.gen.Load() != g {
			return
		}
		log.Info("track received", slog.String("kind", track.Kind().String()))
		if s.cfg.OnTrack != nil {
			s.cfg.OnTrack(track, recv)
		}
	})
	peer.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.onICEState(g, state, log)
	})

	s.mu.Lock()
	if s.gen.Load() != g || s.closed {
		s.mu.Unlock()
		closePeer(peer)
		return errSuperseded
	}
	s.peer, s.peerGen = peer, g
	s.neg = Negotiation{Generation: g, TraceID: traceID, ICEState: webrtc.ICEConnectionStateNew.String(), RetryCount: s.retries}
	t := s.target
	s.mu.Unlock()

	offer, err := peer.CreateOffer(ctx)
	if s.gen.Load() != g {
		return errSuperseded
	}
	if err != nil {
		s.fail(g, err)
		return err
	}
	s.update(g, func(n *Negotiation) { n.Offer = offer })

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	answer, err := exchange(reqCtx, s.cfg.HTTPClient, t, offer, traceID)
	cancel()
	if s.gen.Load() != g {
		return errSuperseded
	}
	if err != nil {
		s.fail(g, err)
		return err
	}

	if err := peer.SetAnswer(answer); err != nil {
		err = fmt.Errorf("%w: apply answer: %v", ErrSignaling, err)
		s.fail(g, err)
		return err
	}
	s.update(g, func(n *Negotiation) { n.Answer = answer })
	s.cfg.Metrics.IncWhepAttempt("ok")
	log.Info("whep negotiated", slog.String("endpoint", t.Endpoint()))
	return nil
}

func (s *Session) onICEState(g uint64, state webrtc.ICEConnectionState, log *slog.Logger) {
	if s.gen.Load() != g {
		return
	}
	s.update(g, func(n *Negotiation) { n.ICEState = state.String() })
	log.Debug("ice state", slog.String("state", state.String()))

	switch state {
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		s.fail(g, fmt.Errorf("whep: ice connection %s", state))
	}
}

// fail cleans up generation g and either schedules a reconnect or, when the
// budget is spent or the path does not exist, reports the failure.
func (s *Session) fail(g uint64, cause error) {
	s.mu.Lock()
	if s.gen.Load() != g || s.closed || s.failed {
		s.mu.Unlock()
		return
	}
	var p Peer
	if s.peerGen == g {
		p = s.detachLocked()
	}

	terminal := errors.Is(cause, ErrPathNotFound) || s.retries >= s.cfg.RetryBudget
	if terminal {
		s.failed = true
		s.retries = s.cfg.RetryBudget
		s.gen.Add(1)
	} else {
		s.retries++
		next := s.gen.Add(1)
		s.timer = time.AfterFunc(s.cfg.RetryDelay, func() {
			_ = s.attempt(s.ctx, next)
		})
	}
	retries := s.retries
	s.mu.Unlock()

	closePeer(p)

	log := s.log.With(slog.Uint64("generation", g), slog.String("error", cause.Error()))
	switch {
	case errors.Is(cause, ErrPathNotFound):
		s.cfg.Metrics.IncWhepAttempt("not_found")
	default:
		s.cfg.Metrics.IncWhepAttempt("error")
	}
	if !terminal {
		log.Warn("whep attempt failed, reconnecting",
			slog.Int("retry", retries),
			slog.Duration("delay", s.cfg.RetryDelay))
		return
	}
	log.Error("whep session failed", slog.Int("retries", retries))
	if s.cfg.OnFailure != nil {
		s.cfg.OnFailure(cause)
	}
}

func (s *Session) update(g uint64, fn func(*Negotiation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.neg.Generation == g {
		fn(&s.neg)
	}
}

// detachLocked hands the current peer to the caller, who closes it after
// releasing the lock.
func (s *Session) detachLocked() Peer {
	p := s.peer
	s.peer = nil
	s.peerGen = 0
	return p
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func closePeer(p Peer) error {
	if p == nil {
		return nil
	}
	return p.Close()
}

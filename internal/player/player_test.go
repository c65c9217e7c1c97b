package player

import (
	"errors"
	"sync"
	"testing"
	"time"

	"camstream/internal/platform/logger"
)

// fakeDecoder records calls. Events are injected by the test through emit.
type fakeDecoder struct {
	mu           sync.Mutex
	emit         func(Event)
	calls        []string
	attached     bool
	buffered     bool
	recoverErr   error
	destroyCount int
}

func (d *fakeDecoder) record(call string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
}

func (d *fakeDecoder) LoadSource(string) { d.record("loadSource") }
func (d *fakeDecoder) AttachMedia() {
	d.mu.Lock()
	d.attached = true
	d.mu.Unlock()
	d.record("attachMedia")
}
func (d *fakeDecoder) MediaAttached() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attached
}
func (d *fakeDecoder) StartLoad() { d.record("startLoad") }
func (d *fakeDecoder) StopLoad()  { d.record("stopLoad") }
func (d *fakeDecoder) RecoverMediaError() error {
	d.record("recoverMediaError")
	return d.recoverErr
}
func (d *fakeDecoder) Play() error {
	d.record("play")
	return nil
}
func (d *fakeDecoder) Buffered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffered
}
func (d *fakeDecoder) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyCount++
}

func (d *fakeDecoder) count(call string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (d *fakeDecoder) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

func (d *fakeDecoder) fail(e ErrorEvent) { d.emit(Event{Kind: EventError, Error: &e}) }

// fakeClock collects scheduled funcs; the test fires them.
type fakeClock struct {
	mu      sync.Mutex
	pending []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.pending = append(c.pending, t)
	return t
}

// fire runs the most recent live timer and returns its delay.
func (c *fakeClock) fire(t *testing.T) time.Duration {
	t.Helper()
	c.mu.Lock()
	var next *fakeTimer
	for i := len(c.pending) - 1; i >= 0; i-- {
		if !c.pending[i].stopped {
			next = c.pending[i]
			break
		}
	}
	c.mu.Unlock()
	if next == nil {
		t.Fatal("no pending timer")
	}
	next.stopped = true
	next.f()
	return next.d
}

func (c *fakeClock) live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, tm := range c.pending {
		if !tm.stopped {
			n++
		}
	}
	return n
}

type harness struct {
	p        *Player
	dec      *fakeDecoder
	clock    *fakeClock
	failures []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{dec: &fakeDecoder{}, clock: &fakeClock{}}
	h.p = New("7", Config{
		NewDecoder: func(emit func(Event)) (Decoder, error) {
			h.dec.emit = emit
			return h.dec, nil
		},
		OnFailure: func(reason string) { h.failures = append(h.failures, reason) },
		AfterFunc: h.clock.AfterFunc,
		Log:       logger.Discard(),
	})
	if err := h.p.SetSource("http://srv/hls/7/stream.m3u8"); err != nil {
		t.Fatal(err)
	}
	h.dec.reset()
	t.Cleanup(h.p.Close)
	return h
}

func TestPlayer_SetSource_loads(t *testing.T) {
	h := &harness{dec: &fakeDecoder{}, clock: &fakeClock{}}
	p := New("7", Config{
		NewDecoder: func(emit func(Event)) (Decoder, error) { h.dec.emit = emit; return h.dec, nil },
		AfterFunc:  h.clock.AfterFunc,
	})
	defer p.Close()
	if err := p.SetSource("http://srv/a.m3u8"); err != nil {
		t.Fatal(err)
	}
	if h.dec.count("attachMedia") != 1 || h.dec.count("loadSource") != 1 {
		t.Errorf("calls = %v", h.dec.calls)
	}
	s := p.Session()
	if s.ID == "" || s.CameraID != "7" || s.Source != "http://srv/a.m3u8" || s.Fatal {
		t.Errorf("session = %+v", s)
	}
}

func TestPlayer_unsupported_is_terminal(t *testing.T) {
	var failures []string
	p := New("7", Config{
		NewDecoder: func(func(Event)) (Decoder, error) { return nil, ErrUnsupported },
		OnFailure:  func(r string) { failures = append(failures, r) },
	})
	defer p.Close()

	err := p.SetSource("http://srv/a.m3u8")
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v", err)
	}
	s := p.Session()
	if !s.Fatal || s.ErrorState == "" {
		t.Errorf("session = %+v", s)
	}
	if len(failures) != 1 {
		t.Errorf("failure callbacks = %d, want 1", len(failures))
	}
}

func TestPlayer_buffer_stall(t *testing.T) {
	h := newHarness(t)
	stall := ErrorEvent{Type: MediaError, Details: DetailBufferStalledError}

	h.dec.fail(stall)
	if h.dec.count("startLoad") != 1 || h.dec.count("play") != 0 {
		t.Errorf("empty buffer: calls = %v", h.dec.calls)
	}

	h.dec.reset()
	h.dec.buffered = true
	h.dec.fail(stall)
	if h.dec.count("play") != 1 || h.dec.count("startLoad") != 0 {
		t.Errorf("buffered: calls = %v", h.dec.calls)
	}
	if s := h.p.Session(); s.ErrorState != "" {
		t.Errorf("stall must stay silent, got %q", s.ErrorState)
	}
}

func TestPlayer_fragment_server_error_retries_after_delay(t *testing.T) {
	h := newHarness(t)
	h.dec.fail(ErrorEvent{Type: NetworkError, Details: DetailFragLoadError, ResponseCode: 500})

	if h.dec.count("startLoad") != 0 {
		t.Fatal("startLoad before the delay")
	}
	if s := h.p.Session(); s.ErrorState == "" || s.RetryCount != 1 {
		t.Errorf("session = %+v", s)
	}
	if d := h.clock.fire(t); d != FragmentRetryDelay {
		t.Errorf("delay = %v, want %v", d, FragmentRetryDelay)
	}
	if h.dec.count("startLoad") != 1 {
		t.Errorf("calls = %v", h.dec.calls)
	}

	// Progress clears the message and the retry count.
	h.dec.emit(Event{Kind: EventFragLoaded})
	if s := h.p.Session(); s.ErrorState != "" || s.RetryCount != 0 {
		t.Errorf("after frag loaded: %+v", s)
	}
}

func TestPlayer_manifest_errors_reload(t *testing.T) {
	cases := []struct {
		name     string
		ev       ErrorEvent
		delay    time.Duration
		attached bool
		want     string
	}{
		{"empty_no_media", ErrorEvent{Type: NetworkError, Details: DetailManifestLoadError, Fatal: true, Empty: true}, 5 * time.Second, false, "loadSource"},
		{"503_attached", ErrorEvent{Type: NetworkError, Details: DetailManifestLoadError, Fatal: true, ResponseCode: 503}, 3 * time.Second, true, "startLoad"},
		{"500_level", ErrorEvent{Type: NetworkError, Details: DetailLevelLoadError, Fatal: true, ResponseCode: 500}, 1500 * time.Millisecond, true, "startLoad"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.dec.mu.Lock()
			h.dec.attached = tc.attached
			h.dec.mu.Unlock()

			h.dec.fail(tc.ev)
			if d := h.clock.fire(t); d != tc.delay {
				t.Errorf("delay = %v, want %v", d, tc.delay)
			}
			if h.dec.count(tc.want) != 1 {
				t.Errorf("calls = %v, want one %s", h.dec.calls, tc.want)
			}
			if s := h.p.Session(); s.Fatal {
				t.Error("manifest errors are retried, not terminal")
			}
		})
	}
}

func TestPlayer_level_timeout_resumes_immediately(t *testing.T) {
	h := newHarness(t)
	h.dec.fail(ErrorEvent{Type: NetworkError, Details: DetailLevelLoadTimeOut})
	if h.dec.count("startLoad") != 1 || h.clock.live() != 0 {
		t.Errorf("calls = %v, timers = %d", h.dec.calls, h.clock.live())
	}
}

func TestPlayer_network_fatal_retries_twice_then_fails(t *testing.T) {
	h := newHarness(t)
	netErr := ErrorEvent{Type: NetworkError, Details: DetailFragLoadError, Fatal: true}

	h.dec.fail(netErr)
	if s := h.p.Session(); s.ErrorState != "Connection lost. Retrying…" {
		t.Errorf("message = %q", s.ErrorState)
	}
	if d := h.clock.fire(t); d != 2*time.Second {
		t.Errorf("first retry delay = %v", d)
	}

	h.dec.fail(netErr)
	if d := h.clock.fire(t); d != 5*time.Second {
		t.Errorf("second retry delay = %v", d)
	}
	if h.dec.count("startLoad") != 2 {
		t.Errorf("calls = %v", h.dec.calls)
	}

	h.dec.fail(netErr)
	s := h.p.Session()
	if !s.Fatal || len(h.failures) != 1 {
		t.Errorf("session = %+v, failures = %v", s, h.failures)
	}
	if h.dec.destroyCount != 1 {
		t.Errorf("decoder destroyed %d times, want 1", h.dec.destroyCount)
	}

	// Terminal state ignores further errors.
	h.dec.fail(netErr)
	if len(h.failures) != 1 {
		t.Error("failure callback fired twice")
	}
}

func TestPlayer_network_failures_reset_on_progress(t *testing.T) {
	h := newHarness(t)
	netErr := ErrorEvent{Type: NetworkError, Details: DetailFragLoadError, Fatal: true}

	for i := 0; i < 5; i++ {
		h.dec.fail(netErr)
		if d := h.clock.fire(t); d != 2*time.Second {
			t.Fatalf("round %d delay = %v", i, d)
		}
		h.dec.emit(Event{Kind: EventFragLoaded})
	}
	if s := h.p.Session(); s.Fatal || s.ErrorState != "" {
		t.Errorf("session = %+v", s)
	}
}

func TestPlayer_media_errors(t *testing.T) {
	t.Run("recover_in_place", func(t *testing.T) {
		h := newHarness(t)
		h.dec.fail(ErrorEvent{Type: MediaError, Details: DetailFragParsingError, Fatal: true})
		if h.dec.count("recoverMediaError") != 1 || h.dec.count("startLoad") != 0 {
			t.Errorf("calls = %v", h.dec.calls)
		}
		h.dec.emit(Event{Kind: EventBufferAppended})
		if s := h.p.Session(); s.ErrorState != "" {
			t.Errorf("message not cleared after append: %q", s.ErrorState)
		}
	})

	t.Run("append_failure_resumes_load", func(t *testing.T) {
		h := newHarness(t)
		h.dec.fail(ErrorEvent{Type: MediaError, Details: DetailBufferAppendError, Fatal: true})
		if h.dec.count("startLoad") != 1 || h.dec.count("recoverMediaError") != 0 {
			t.Errorf("calls = %v", h.dec.calls)
		}
	})

	t.Run("recovery_error_falls_back_to_load", func(t *testing.T) {
		h := newHarness(t)
		h.dec.recoverErr = errors.New("no source buffer")
		h.dec.fail(ErrorEvent{Type: MediaError, Details: DetailFragParsingError, Fatal: true})
		if h.dec.count("recoverMediaError") != 1 || h.dec.count("startLoad") != 1 {
			t.Errorf("calls = %v", h.dec.calls)
		}
	})

	t.Run("bounded", func(t *testing.T) {
		h := newHarness(t)
		mediaErr := ErrorEvent{Type: MediaError, Details: DetailFragParsingError, Fatal: true}
		for i := 0; i < DefaultMaxMediaRecoveries; i++ {
			h.dec.fail(mediaErr)
		}
		if h.p.Session().Fatal {
			t.Fatal("terminal before the recovery bound")
		}
		h.dec.fail(mediaErr)
		if !h.p.Session().Fatal || len(h.failures) != 1 {
			t.Errorf("session = %+v", h.p.Session())
		}
	})
}

func TestPlayer_unrecoverable(t *testing.T) {
	h := newHarness(t)
	h.dec.fail(ErrorEvent{Type: OtherError, Details: DetailInternalException, Fatal: true})
	h.dec.fail(ErrorEvent{Type: OtherError, Details: DetailInternalException, Fatal: true})

	s := h.p.Session()
	if !s.Fatal || s.ErrorState == "" {
		t.Errorf("session = %+v", s)
	}
	if len(h.failures) != 1 {
		t.Errorf("failure callbacks = %d, want 1", len(h.failures))
	}
	if h.dec.destroyCount != 1 {
		t.Errorf("destroyed %d times", h.dec.destroyCount)
	}
}

func TestPlayer_teardown_cancels_timer(t *testing.T) {
	h := newHarness(t)
	h.dec.fail(ErrorEvent{Type: NetworkError, Details: DetailFragLoadError, ResponseCode: 503})
	if h.clock.live() != 1 {
		t.Fatalf("timers = %d, want 1", h.clock.live())
	}

	h.p.Close()
	h.p.Close()
	if h.clock.live() != 0 {
		t.Error("pending retry survived teardown")
	}
	if h.dec.destroyCount != 1 {
		t.Errorf("destroyed %d times, want 1", h.dec.destroyCount)
	}
	// Late events from the destroyed decoder are dropped.
	h.dec.fail(ErrorEvent{Type: OtherError, Fatal: true})
	if len(h.failures) != 0 {
		t.Error("event after teardown reached the player")
	}
}

func TestPlayer_SetSource_replaces_session(t *testing.T) {
	h := newHarness(t)
	first := h.p.Session().ID
	oldDec := h.dec
	h.dec.fail(ErrorEvent{Type: NetworkError, Details: DetailFragLoadError, ResponseCode: 500})

	h.dec = &fakeDecoder{}
	if err := h.p.SetSource("http://srv/hls/8/stream.m3u8"); err != nil {
		t.Fatal(err)
	}
	if h.p.Session().ID == first {
		t.Error("SetSource kept the old session id")
	}
	if oldDec.destroyCount != 1 || h.clock.live() != 0 {
		t.Error("old decoder or timer not torn down")
	}
	oldDec.fail(ErrorEvent{Type: OtherError, Fatal: true})
	if h.p.Session().Fatal {
		t.Error("stale decoder event affected the new session")
	}
}

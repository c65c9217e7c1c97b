package whep

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"camstream/internal/platform/logger"
	"camstream/internal/platform/metrics"
)

const testAnswer = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 102\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:102 H264/90000\r\n" +
	"a=sendonly\r\n"

type fakePeer struct {
	mu      sync.Mutex
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onICE   func(webrtc.ICEConnectionState)
	answer  string
	closes  int
}

func (p *fakePeer) CreateOffer(context.Context) (string, error) { return "fake-offer", nil }

func (p *fakePeer) SetAnswer(sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answer = sdp
	return nil
}

func (p *fakePeer) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *fakePeer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = fn
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *fakePeer) fireICE(state webrtc.ICEConnectionState) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	fn(state)
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

type peerRecorder struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (r *peerRecorder) factory(_ []string) (Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &fakePeer{}
	r.peers = append(r.peers, p)
	return p, nil
}

func (r *peerRecorder) get(i int) *fakePeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[i]
}

func (r *peerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// gateway answers every POST with status, counting requests.
type gateway struct {
	status int
	posts  atomic.Int32
	last   atomic.Pointer[http.Request]
	body   atomic.Value
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.posts.Add(1)
	g.last.Store(r.Clone(context.Background()))
	b, _ := io.ReadAll(r.Body)
	g.body.Store(string(b))
	w.Header().Set("Content-Type", sdpContentType)
	w.WriteHeader(g.status)
	if g.status == http.StatusCreated || g.status == http.StatusOK {
		io.WriteString(w, testAnswer)
	}
}

func newTestSession(t *testing.T, budget int, rec *peerRecorder, failures chan error) *Session {
	t.Helper()
	s := NewSession(Config{
		RetryBudget: budget,
		RetryDelay:  10 * time.Millisecond,
		NewPeer:     rec.factory,
		OnFailure:   func(err error) { failures <- err },
		Log:         logger.Discard(),
	})
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSession_Connect_sends_offer_with_auth(t *testing.T) {
	gw := &gateway{status: http.StatusCreated}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	rec := &peerRecorder{}
	s := newTestSession(t, 1, rec, make(chan error, 1))

	if err := s.Connect(context.Background(), "rtsp://u:p@host/path", srv.URL); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	req := gw.last.Load()
	if req.Method != http.MethodPost || req.URL.Path != "/path/whep" {
		t.Errorf("request = %s %s, want POST /path/whep", req.Method, req.URL.Path)
	}
	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("u:p"))
	if got := req.Header.Get("Authorization"); got != wantAuth {
		t.Errorf("Authorization = %q, want %q", got, wantAuth)
	}
	if req.Header.Get("Content-Type") != sdpContentType || req.Header.Get("Accept") != sdpContentType {
		t.Errorf("headers = %v", req.Header)
	}
	if body := gw.body.Load().(string); body != "fake-offer" {
		t.Errorf("body = %q, want the local offer", body)
	}
	if rec.get(0).answer != testAnswer {
		t.Error("answer not applied as remote description")
	}
	n := s.Negotiation()
	if n.Generation != s.Generation() || n.Answer != testAnswer || n.TraceID == "" {
		t.Errorf("negotiation = %+v", n)
	}
}

func TestSession_404_is_terminal(t *testing.T) {
	gw := &gateway{status: http.StatusNotFound}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	rec := &peerRecorder{}
	failures := make(chan error, 4)
	s := newTestSession(t, 3, rec, failures)

	err := s.Connect(context.Background(), "rtsp://host/cam1", srv.URL)
	if !errors.Is(err, ErrPathNotFound) {
		t.Fatalf("err = %v, want ErrPathNotFound", err)
	}
	time.Sleep(100 * time.Millisecond)

	if n := gw.posts.Load(); n != 1 {
		t.Errorf("posts = %d, want 1", n)
	}
	if len(failures) != 1 {
		t.Errorf("failure callbacks = %d, want 1", len(failures))
	}
	if rec.get(0).closeCount() == 0 {
		t.Error("peer not closed after terminal failure")
	}
}

func TestSession_records_attempt_outcomes(t *testing.T) {
	met := metrics.New()
	for _, status := range []int{http.StatusCreated, http.StatusNotFound, http.StatusServiceUnavailable} {
		srv := httptest.NewServer(&gateway{status: status})
		rec := &peerRecorder{}
		s := NewSession(Config{
			RetryBudget: -1,
			NewPeer:     rec.factory,
			Log:         logger.Discard(),
			Metrics:     met,
		})
		s.Connect(context.Background(), "rtsp://host/cam1", srv.URL)
		s.Close()
		srv.Close()
	}

	w := httptest.NewRecorder()
	met.Handler(nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	out := w.Body.String()
	for _, outcome := range []string{"ok", "not_found", "error"} {
		want := `camstream_whep_attempts_total{outcome="` + outcome + `"} 1`
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in:\n%s", want, out)
		}
	}
}

func TestSession_503_reconnects_within_budget(t *testing.T) {
	gw := &gateway{status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	rec := &peerRecorder{}
	failures := make(chan error, 4)
	s := newTestSession(t, 1, rec, failures)

	err := s.Connect(context.Background(), "rtsp://host/cam1", srv.URL)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable || !errors.Is(err, ErrSignaling) {
		t.Fatalf("err = %v, want 503 StatusError", err)
	}

	select {
	case err := <-failures:
		if !errors.Is(err, ErrSignaling) {
			t.Errorf("failure cause = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal failure after budget spent")
	}
	time.Sleep(100 * time.Millisecond)

	if n := gw.posts.Load(); n != 2 {
		t.Errorf("posts = %d, want 2", n)
	}
	if len(failures) != 0 {
		t.Error("failure callback fired more than once")
	}
	if rec.count() != 2 {
		t.Errorf("peers = %d, want 2", rec.count())
	}
}

func TestSession_ICE_failure_reconnects(t *testing.T) {
	gw := &gateway{status: http.StatusCreated}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	rec := &peerRecorder{}
	s := newTestSession(t, 1, rec, make(chan error, 1))

	if err := s.Connect(context.Background(), "rtsp://host/cam1", srv.URL); err != nil {
		t.Fatal(err)
	}
	first := rec.get(0)
	first.fireICE(webrtc.ICEConnectionStateFailed)

	deadline := time.Now().Add(5 * time.Second)
	for gw.posts.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("no reconnect after ICE failure")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if first.closeCount() != 1 {
		t.Errorf("failed peer closed %d times, want 1", first.closeCount())
	}
}

func TestSession_stale_generation_is_fenced(t *testing.T) {
	gw := &gateway{status: http.StatusCreated}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	rec := &peerRecorder{}
	failures := make(chan error, 1)
	var tracks atomic.Int32
	s := NewSession(Config{
		RetryBudget: 2,
		RetryDelay:  10 * time.Millisecond,
		NewPeer:     rec.factory,
		OnFailure:   func(err error) { failures <- err },
		OnTrack:     func(*webrtc.TrackRemote, *webrtc.RTPReceiver) { tracks.Add(1) },
		Log:         logger.Discard(),
	})
	defer s.Close()
	ctx := context.Background()

	if err := s.Connect(ctx, "rtsp://host/cam1", srv.URL); err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(ctx, "rtsp://host/cam1", srv.URL); err != nil {
		t.Fatal(err)
	}
	old := rec.get(0)
	if old.closeCount() != 1 {
		t.Errorf("superseded peer closed %d times, want 1", old.closeCount())
	}

	gen := s.Generation()
	old.fireICE(webrtc.ICEConnectionStateFailed)
	old.fireICE(webrtc.ICEConnectionStateClosed)
	old.onTrack(nil, nil)
	time.Sleep(100 * time.Millisecond)

	if s.Generation() != gen {
		t.Error("stale callback advanced the generation")
	}
	if gw.posts.Load() != 2 {
		t.Errorf("posts = %d, stale ICE failure must not reconnect", gw.posts.Load())
	}
	if tracks.Load() != 0 || len(failures) != 0 {
		t.Error("stale callbacks reached the session owner")
	}
	if rec.get(1).closeCount() != 0 {
		t.Error("current peer closed by a stale callback")
	}
}

func TestSession_Close(t *testing.T) {
	gw := &gateway{status: http.StatusCreated}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	rec := &peerRecorder{}
	failures := make(chan error, 1)
	s := newTestSession(t, 1, rec, failures)

	if err := s.Connect(context.Background(), "rtsp://host/cam1", srv.URL); err != nil {
		t.Fatal(err)
	}
	p := rec.get(0)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if p.closeCount() != 1 {
		t.Errorf("peer closed %d times, want 1", p.closeCount())
	}

	p.fireICE(webrtc.ICEConnectionStateClosed)
	if len(failures) != 0 {
		t.Error("close reported as failure")
	}
	if err := s.Connect(context.Background(), "rtsp://host/cam1", srv.URL); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
}

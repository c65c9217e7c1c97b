// Package hlsfetch is a player.Decoder that follows a live HLS playlist over
// HTTP and writes validated MPEG-TS segments to a sink.
package hlsfetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"camstream/internal/platform/logger"
	"camstream/internal/player"
	"camstream/internal/segmentstore"
)

const (
	tsPacketSize = 188
	tsSyncByte   = 0x47

	DefaultManifestTimeout = 5 * time.Second
	DefaultFragmentTimeout = 10 * time.Second
	maxPlaylistBytes       = 1 << 20
	maxSegmentBytes        = 64 << 20
)

// Config for a Fetcher.
type Config struct {
	Client          *http.Client
	Sink            io.Writer // receives segment payloads in order
	ManifestTimeout time.Duration
	FragmentTimeout time.Duration
	// PollInterval overrides half the target duration between playlist reloads.
	PollInterval time.Duration
	Log          *slog.Logger
}

// Factory returns a player.DecoderFactory building Fetchers from cfg. Without
// a sink there is nowhere to play, which is reported as unsupported.
func Factory(cfg Config) player.DecoderFactory {
	return func(emit func(player.Event)) (player.Decoder, error) {
		if cfg.Sink == nil {
			return nil, fmt.Errorf("%w: no media sink", player.ErrUnsupported)
		}
		return New(cfg, emit), nil
	}
}

// Fetcher implements player.Decoder.
type Fetcher struct {
	cfg  Config
	log  *slog.Logger
	emit func(player.Event)

	mu          sync.Mutex
	src         string
	attached    bool
	destroyed   bool
	loadGen     uint64
	cancel      context.CancelFunc
	next        int64 // next media sequence to fetch, -1 before the first
	buffered    bool
	playing     bool
	manifestOK  bool
	lastAppend  time.Time
	stallLogged bool
}

// New returns a Fetcher reporting to emit.
func New(cfg Config, emit func(player.Event)) *Fetcher {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.ManifestTimeout <= 0 {
		cfg.ManifestTimeout = DefaultManifestTimeout
	}
	if cfg.FragmentTimeout <= 0 {
		cfg.FragmentTimeout = DefaultFragmentTimeout
	}
	if emit == nil {
		emit = func(player.Event) {}
	}
	return &Fetcher{
		cfg:  cfg,
		log:  logger.WithComponent(cfg.Log, "hlsfetch"),
		emit: emit,
		next: -1,
	}
}

// LoadSource switches to url and starts loading.
func (f *Fetcher) LoadSource(src string) {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return
	}
	f.src = src
	f.next = -1
	f.manifestOK = false
	f.buffered = false
	f.stopLocked()
	f.startLocked()
	f.mu.Unlock()
}

// AttachMedia implements player.Decoder.
func (f *Fetcher) AttachMedia() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = true
}

// MediaAttached implements player.Decoder.
func (f *Fetcher) MediaAttached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attached
}

// StartLoad resumes loading. It does nothing while a load loop is running.
func (f *Fetcher) StartLoad() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed || f.src == "" || f.cancel != nil {
		return
	}
	f.startLocked()
}

// StopLoad implements player.Decoder.
func (f *Fetcher) StopLoad() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopLocked()
}

// RecoverMediaError drops continuity so the next load starts at the live
// window, as if the pipeline had been rebuilt.
func (f *Fetcher) RecoverMediaError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed || !f.attached {
		return errors.New("hlsfetch: no media attached")
	}
	f.next = -1
	f.buffered = false
	return nil
}

// Play implements player.Decoder.
func (f *Fetcher) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.buffered {
		return errors.New("hlsfetch: nothing buffered")
	}
	f.playing = true
	return nil
}

// Buffered implements player.Decoder.
func (f *Fetcher) Buffered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

// Destroy stops loading for good.
func (f *Fetcher) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	f.stopLocked()
}

func (f *Fetcher) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	f.loadGen++
	f.cancel = cancel
	f.lastAppend = time.Now()
	f.stallLogged = false
	go f.loop(ctx, f.loadGen, f.src)
}

func (f *Fetcher) stopLocked() {
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
}

// finish marks loop gen as stopped and reports whether it was still current.
// Called before emitting the error that ended the loop, so a StartLoad from
// the event handler starts a new one.
func (f *Fetcher) finish(gen uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadGen != gen || f.destroyed {
		return false
	}
	f.stopLocked()
	return true
}

func (f *Fetcher) current(gen uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadGen == gen && !f.destroyed && f.cancel != nil
}

func (f *Fetcher) fail(gen uint64, e player.ErrorEvent) {
	if !f.finish(gen) {
		return
	}
	f.log.Debug("load stopped",
		slog.String("details", e.Details),
		slog.Bool("fatal", e.Fatal),
		slog.Int("response_code", e.ResponseCode))
	f.emit(player.Event{Kind: player.EventError, Error: &e})
}

func (f *Fetcher) notify(gen uint64, kind player.EventKind) {
	if f.current(gen) {
		f.emit(player.Event{Kind: kind})
	}
}

func (f *Fetcher) loop(ctx context.Context, gen uint64, src string) {
	base, err := url.Parse(src)
	if err != nil {
		f.fail(gen, player.ErrorEvent{Type: player.NetworkError, Details: player.DetailManifestLoadError, Fatal: true, Err: err})
		return
	}

	for {
		pl, ok := f.loadPlaylist(ctx, gen, src)
		if !ok {
			return
		}
		progressed, ok := f.loadSegments(ctx, gen, base, pl)
		if !ok {
			return
		}
		if pl.Ended {
			f.finish(gen)
			return
		}
		f.checkStall(gen, pl, progressed)

		select {
		case <-ctx.Done():
			return
		case <-time.After(f.pollInterval(pl)):
		}
	}
}

func (f *Fetcher) pollInterval(pl segmentstore.Playlist) time.Duration {
	if f.cfg.PollInterval > 0 {
		return f.cfg.PollInterval
	}
	if pl.TargetDuration > 0 {
		return time.Duration(pl.TargetDuration) * time.Second / 2
	}
	return time.Second
}

// loadPlaylist fetches and parses the playlist, reporting failures as
// manifest errors before the first success and level errors after.
func (f *Fetcher) loadPlaylist(ctx context.Context, gen uint64, src string) (segmentstore.Playlist, bool) {
	f.mu.Lock()
	details := player.DetailManifestLoadError
	timeoutDetails := player.DetailManifestLoadTimeOut
	if f.manifestOK {
		details = player.DetailLevelLoadError
		timeoutDetails = player.DetailLevelLoadTimeOut
	}
	f.mu.Unlock()

	body, code, err := f.get(ctx, src, f.cfg.ManifestTimeout, maxPlaylistBytes)
	switch {
	case ctx.Err() != nil:
		return segmentstore.Playlist{}, false
	case errors.Is(err, context.DeadlineExceeded):
		// A timed-out reload is not fatal; the first load is.
		f.fail(gen, player.ErrorEvent{Type: player.NetworkError, Details: timeoutDetails, Fatal: details == player.DetailManifestLoadError, Err: err})
		return segmentstore.Playlist{}, false
	case err != nil:
		f.fail(gen, player.ErrorEvent{Type: player.NetworkError, Details: details, Fatal: true, ResponseCode: code, Err: err})
		return segmentstore.Playlist{}, false
	case len(bytes.TrimSpace(body)) == 0:
		f.fail(gen, player.ErrorEvent{Type: player.NetworkError, Details: details, Fatal: true, ResponseCode: code, Empty: true})
		return segmentstore.Playlist{}, false
	}

	pl, err := segmentstore.ParsePlaylist(bytes.NewReader(body))
	if err != nil {
		f.fail(gen, player.ErrorEvent{Type: player.NetworkError, Details: player.DetailManifestParsingError, Fatal: true, Err: err})
		return segmentstore.Playlist{}, false
	}
	f.mu.Lock()
	f.manifestOK = true
	f.mu.Unlock()
	return pl, true
}

// loadSegments fetches every segment not yet delivered. It reports whether
// anything was appended and whether the loop should continue.
func (f *Fetcher) loadSegments(ctx context.Context, gen uint64, base *url.URL, pl segmentstore.Playlist) (bool, bool) {
	if len(pl.Segments) == 0 {
		return false, true
	}

	f.mu.Lock()
	next := f.next
	f.mu.Unlock()

	first := pl.Segments[0].Sequence
	if next >= 0 && next < first {
		// Segments expired before we fetched them.
		f.log.Debug("skipping expired segments", slog.Int64("from", next), slog.Int64("to", first))
		f.notifyError(gen, player.ErrorEvent{Type: player.MediaError, Details: player.DetailBufferSeekOverHole})
		next = first
	}

	progressed := false
	for _, seg := range pl.Segments {
		if next >= 0 && seg.Sequence < next {
			continue
		}
		if !f.current(gen) {
			return progressed, false
		}
		ref, err := url.Parse(seg.Filename)
		if err != nil {
			f.fail(gen, player.ErrorEvent{Type: player.NetworkError, Details: player.DetailFragLoadError, Fatal: true, Err: err})
			return progressed, false
		}

		f.notify(gen, player.EventFragLoading)
		data, code, err := f.get(ctx, base.ResolveReference(ref).String(), f.cfg.FragmentTimeout, maxSegmentBytes)
		switch {
		case ctx.Err() != nil:
			return progressed, false
		case err != nil && code >= 500:
			f.fail(gen, player.ErrorEvent{Type: player.NetworkError, Details: player.DetailFragLoadError, ResponseCode: code, Err: err})
			return progressed, false
		case errors.Is(err, context.DeadlineExceeded):
			f.fail(gen, player.ErrorEvent{Type: player.NetworkError, Details: player.DetailFragLoadTimeOut, Fatal: true, Err: err})
			return progressed, false
		case err != nil:
			f.fail(gen, player.ErrorEvent{Type: player.NetworkError, Details: player.DetailFragLoadError, Fatal: true, ResponseCode: code, Err: err})
			return progressed, false
		}
		f.notify(gen, player.EventFragLoaded)

		if err := validateTS(data); err != nil {
			f.fail(gen, player.ErrorEvent{Type: player.MediaError, Details: player.DetailFragParsingError, Fatal: true, Err: err})
			return progressed, false
		}
		if _, err := f.cfg.Sink.Write(data); err != nil {
			f.fail(gen, player.ErrorEvent{Type: player.MediaError, Details: player.DetailBufferAppendError, Fatal: true, Err: err})
			return progressed, false
		}

		f.mu.Lock()
		f.next = seg.Sequence + 1
		f.buffered = true
		f.lastAppend = time.Now()
		f.stallLogged = false
		f.mu.Unlock()
		next = seg.Sequence + 1
		progressed = true
		f.notify(gen, player.EventBufferAppended)
	}
	return progressed, true
}

// checkStall reports a non-fatal stall once when no segment has been appended
// for three target durations.
func (f *Fetcher) checkStall(gen uint64, pl segmentstore.Playlist, progressed bool) {
	if progressed {
		return
	}
	target := time.Duration(pl.TargetDuration) * time.Second
	if target <= 0 {
		target = 2 * time.Second
	}
	f.mu.Lock()
	stalled := !f.stallLogged && time.Since(f.lastAppend) > 3*target
	if stalled {
		f.stallLogged = true
		f.buffered = false
	}
	f.mu.Unlock()
	if stalled {
		f.notifyError(gen, player.ErrorEvent{Type: player.MediaError, Details: player.DetailBufferStalledError})
	}
}

// notifyError reports a non-fatal error without stopping the loop.
func (f *Fetcher) notifyError(gen uint64, e player.ErrorEvent) {
	if f.current(gen) {
		f.emit(player.Event{Kind: player.EventError, Error: &e})
	}
}

// get performs one bounded GET. code is the HTTP status when a response arrived.
func (f *Fetcher) get(ctx context.Context, target string, timeout time.Duration, limit int64) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := f.cfg.Client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, 0, context.DeadlineExceeded
		}
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, resp.StatusCode, context.DeadlineExceeded
		}
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode != http.StatusOK {
		return body, resp.StatusCode, fmt.Errorf("GET %s: %s", req.URL.Path, resp.Status)
	}
	return body, resp.StatusCode, nil
}

// validateTS checks packet alignment and sync bytes.
func validateTS(data []byte) error {
	if len(data) == 0 || len(data)%tsPacketSize != 0 {
		return fmt.Errorf("hlsfetch: segment size %d is not a multiple of %d", len(data), tsPacketSize)
	}
	for i := 0; i < len(data); i += tsPacketSize {
		if data[i] != tsSyncByte {
			return fmt.Errorf("hlsfetch: lost sync at byte %d", i)
		}
	}
	return nil
}

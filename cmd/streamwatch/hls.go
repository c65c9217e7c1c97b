package main

import (
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"camstream/internal/platform/metrics"
	"camstream/internal/player"
	"camstream/internal/player/hlsfetch"
)

// countingSink stands in for a media element: it accepts segment payloads and
// counts them.
type countingSink struct {
	n atomic.Int64
}

func (s *countingSink) Write(p []byte) (int, error) {
	s.n.Add(int64(len(p)))
	return len(p), nil
}

// manifestTimeout outlasts the server's wait for a cold transcoder's first
// segment, so a fresh camera is not reported as a network failure.
const manifestTimeout = 12 * time.Second

type hlsViewer struct {
	p    *player.Player
	sink *countingSink
}

func hlsStarter(server string, met *metrics.Metrics, log *slog.Logger) startFunc {
	client := &http.Client{Timeout: 30 * time.Second}
	return func(cameraID string) viewer {
		sink := &countingSink{}
		p := player.New(cameraID, player.Config{
			NewDecoder: hlsfetch.Factory(hlsfetch.Config{
				Client:          client,
				Sink:            sink,
				ManifestTimeout: manifestTimeout,
				Log:             log,
			}),
			OnFailure: func(reason string) {
				log.Error("playback gave up", "camera_id", cameraID, "reason", reason)
			},
			OnChange: func(s player.Session) {
				if s.ErrorState != "" {
					log.Warn("playback degraded", "camera_id", cameraID, "message", s.ErrorState, "retries", s.RetryCount)
				}
			},
			Log:     log,
			Metrics: met,
		})
		src := server + "/hls/" + url.PathEscape(cameraID) + "/stream.m3u8"
		if err := p.SetSource(src); err != nil {
			log.Error("set source", "camera_id", cameraID, "error", err)
		}
		return &hlsViewer{p: p, sink: sink}
	}
}

func (v *hlsViewer) stats() tileStats {
	s := v.p.Session()
	state := "playing"
	switch {
	case s.Fatal:
		state = "failed"
	case s.ErrorState != "":
		state = "recovering"
	}
	return tileStats{state: state, bytes: v.sink.n.Load(), retries: s.RetryCount}
}

func (v *hlsViewer) close() { v.p.Close() }

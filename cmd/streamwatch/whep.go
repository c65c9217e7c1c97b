package main

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"camstream/internal/platform/metrics"
	"camstream/internal/whep"
)

type whepViewer struct {
	s       *whep.Session
	packets atomic.Int64
	bytes   atomic.Int64
	failed  atomic.Bool
}

func whepStarter(gateway string, iceServers []string, met *metrics.Metrics, log *slog.Logger) startFunc {
	return func(rtspURL string) viewer {
		v := &whepViewer{}
		v.s = whep.NewSession(whep.Config{
			ICEServers: iceServers,
			OnTrack: func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
				go v.drain(track)
			},
			OnFailure: func(err error) {
				v.failed.Store(true)
				log.Error("whep gave up", "error", err)
			},
			Log:     log,
			Metrics: met,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := v.s.Connect(ctx, rtspURL, gateway); err != nil {
			log.Warn("whep connect", "error", err)
		}
		return v
	}
}

// drain reads RTP until the track ends. Packets are only counted.
func (v *whepViewer) drain(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		v.packets.Add(1)
		v.bytes.Add(int64(len(pkt.Payload)))
	}
}

func (v *whepViewer) stats() tileStats {
	n := v.s.Negotiation()
	state := n.ICEState
	if v.failed.Load() {
		state = "failed"
	}
	return tileStats{state: state, bytes: v.bytes.Load(), retries: n.RetryCount}
}

func (v *whepViewer) close() { v.s.Close() }

package whep

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
)

// DefaultICEServers is used when a Session is configured without any.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// Peer is the receive side of one negotiation attempt. Session owns exactly
// one Peer per generation.
type Peer interface {
	// CreateOffer adds a receive-only video transceiver, sets the local
	// description and returns it once ICE gathering is complete.
	CreateOffer(ctx context.Context) (string, error)
	SetAnswer(sdp string) error
	OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState))
	// Close stops transceivers and closes the connection. Safe to call twice.
	Close() error
}

// PeerFactory creates a Peer using the given ICE server URLs.
type PeerFactory func(iceServers []string) (Peer, error)

// PionPeer is a Peer backed by a pion PeerConnection.
type PionPeer struct {
	pc *webrtc.PeerConnection

	closeOnce sync.Once
	closeErr  error
}

// NewPionPeer creates a PeerConnection. An empty iceServers list gathers host
// candidates only.
func NewPionPeer(iceServers []string) (Peer, error) {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &PionPeer{pc: pc}, nil
}

// CreateOffer implements Peer.
func (p *PionPeer) CreateOffer(ctx context.Context) (string, error) {
	tr, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return "", fmt.Errorf("add transceiver: %w", err)
	}
	preferCodec(tr, webrtc.MimeTypeH264)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	if p.pc.ICEGatheringState() != webrtc.ICEGatheringStateComplete {
		select {
		case <-gatherComplete:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return "", errors.New("no local description after gathering")
	}
	return local.SDP, nil
}

// preferCodec moves codecs of the given mime type to the front. It reports
// false when the codec is not available, which is not an error.
func preferCodec(tr *webrtc.RTPTransceiver, mimeType string) bool {
	if tr.Receiver() == nil {
		return false
	}
	var preferred, rest []webrtc.RTPCodecParameters
	for _, c := range tr.Receiver().GetParameters().Codecs {
		if strings.EqualFold(c.MimeType, mimeType) {
			preferred = append(preferred, c)
		} else {
			rest = append(rest, c)
		}
	}
	if len(preferred) == 0 {
		return false
	}
	return tr.SetCodecPreferences(append(preferred, rest...)) == nil
}

// SetAnswer implements Peer.
func (p *PionPeer) SetAnswer(answer string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	})
}

// OnTrack implements Peer.
func (p *PionPeer) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.pc.OnTrack(fn)
}

// OnICEConnectionStateChange implements Peer.
func (p *PionPeer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(fn)
}

// Close implements Peer.
func (p *PionPeer) Close() error {
	p.closeOnce.Do(func() {
		for _, tr := range p.pc.GetTransceivers() {
			_ = tr.Stop()
		}
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}

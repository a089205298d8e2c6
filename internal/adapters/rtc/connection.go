package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Callbox/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrRemoteDescriptionSet = errors.New("remote description already set")

type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	label  string
	cancel context.CancelFunc
	closed atomic.Bool

	mu       sync.Mutex
	onICE    func(domain.Candidate)
	onTrack  func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onState  func(webrtc.PeerConnectionState)
	onClosed func()
}

// NewWebRTCConnection creates a peer connection. api may be nil, in which
// case pion's default API is used. label only tags log lines.
func NewWebRTCConnection(api *webrtc.API, cfg webrtc.Configuration, label string) (*WebRTCConnection, error) {
	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if api != nil {
		pc, err = api.NewPeerConnection(cfg)
	} else {
		pc, err = webrtc.NewPeerConnection(cfg)
	}
	if err != nil {
		return nil, err
	}
	return &WebRTCConnection{pc: pc, label: label}, nil
}

func (c *WebRTCConnection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", c.label).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed ||
			s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", c.label).Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		onState, onClosed := c.onState, c.onClosed
		c.mu.Unlock()
		if onState != nil {
			onState(s)
		}
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			if onClosed != nil {
				onClosed()
			}
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil marks the end of gathering and is not forwarded.
		if cand == nil {
			return
		}
		c.mu.Lock()
		onICE := c.onICE
		c.mu.Unlock()
		if onICE != nil {
			onICE(CandidateFromPion(cand.ToJSON()))
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("peer", c.label).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.Lock()
		onTrack := c.onTrack
		c.mu.Unlock()
		if onTrack != nil {
			onTrack(ctx, track, receiver)
		}
	})

	return nil
}

// CreateOffer generates an offer and sets it as the local description.
// Candidates trickle through OnICECandidate afterwards.
func (c *WebRTCConnection) CreateOffer() (domain.Description, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.Description{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return domain.Description{}, err
	}
	return DescriptionFromPion(offer), nil
}

// ApplyOfferAndCreateAnswer sets the remote offer, then generates and sets
// the local answer.
func (c *WebRTCConnection) ApplyOfferAndCreateAnswer(offer domain.Description) (domain.Description, error) {
	sd, err := DescriptionToPion(offer)
	if err != nil {
		return domain.Description{}, err
	}
	if err := c.pc.SetRemoteDescription(sd); err != nil {
		return domain.Description{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.Description{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return domain.Description{}, err
	}
	return DescriptionFromPion(answer), nil
}

// ApplyAnswer sets the remote answer unless a remote description is already
// in place.
func (c *WebRTCConnection) ApplyAnswer(answer domain.Description) error {
	if c.pc.CurrentRemoteDescription() != nil {
		return ErrRemoteDescriptionSet
	}
	sd, err := DescriptionToPion(answer)
	if err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(sd)
}

func (c *WebRTCConnection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *WebRTCConnection) AddICECandidate(cand domain.Candidate) error {
	return c.pc.AddICECandidate(CandidateToPion(cand))
}

func (c *WebRTCConnection) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("peer", c.label).Msg("close error")
	} else {
		log.Info().Str("module", "webrtc").Str("peer", c.label).Msg("closed")
	}
}

func (c *WebRTCConnection) IsClosed() bool { return c.closed.Load() }

func (c *WebRTCConnection) OnICECandidate(fn func(domain.Candidate)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

// OnTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// OnClosed sets application-level callback for cleanup tracks
func (c *WebRTCConnection) OnClosed(fn func()) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

// AddLocalTrack attaches a local track and drains its RTCP so interceptors
// keep running.
func (c *WebRTCConnection) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

func DescriptionFromPion(sd webrtc.SessionDescription) domain.Description {
	return domain.Description{Type: sd.Type.String(), SDP: sd.SDP}
}

func DescriptionToPion(d domain.Description) (webrtc.SessionDescription, error) {
	t := webrtc.NewSDPType(d.Type)
	if t == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, fmt.Errorf("unknown sdp type %q", d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}

func CandidateFromPion(ci webrtc.ICECandidateInit) domain.Candidate {
	return domain.Candidate{
		Candidate:        ci.Candidate,
		SDPMid:           ci.SDPMid,
		SDPMLineIndex:    ci.SDPMLineIndex,
		UsernameFragment: ci.UsernameFragment,
	}
}

func CandidateToPion(c domain.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

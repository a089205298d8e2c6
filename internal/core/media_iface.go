package core

import (
	"context"

	"github.com/dkeye/Callbox/internal/domain"
	"github.com/pion/webrtc/v4"
)

type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	IsClosed() bool
	// CreateOffer generates the local offer and sets it as local description.
	CreateOffer() (domain.Description, error)
	ApplyOfferAndCreateAnswer(offer domain.Description) (domain.Description, error)
	ApplyAnswer(domain.Description) error
	HasRemoteDescription() bool
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(domain.Candidate) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(domain.Candidate))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	OnStateChange(func(webrtc.PeerConnectionState))
	// AddLocalTrack attaches a local track to the underlying PeerConnection.
	AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	// OnClosed sets a callback for cleanup media session.
	OnClosed(func())
}

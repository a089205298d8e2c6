package call

import (
	"context"
	"sync"

	"github.com/dkeye/Callbox/internal/adapters/rtc"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/pion/webrtc/v4"
)

// fakeConn records what the session does to its transport.
type fakeConn struct {
	mu        sync.Mutex
	remote    *domain.Description
	applied   []domain.Candidate
	tracks    int
	closed    bool
	onICE     func(domain.Candidate)
	onState   func(webrtc.PeerConnectionState)
	onClosed  func()
	offerSDP  string
	offerErr  error
	answerSDP string

	// beforeAnswer runs inside ApplyOfferAndCreateAnswer, after the offer is
	// applied.
	beforeAnswer func(*fakeConn)
}

func (f *fakeConn) Start(context.Context) error { return nil }

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) CreateOffer() (domain.Description, error) {
	if f.offerErr != nil {
		return domain.Description{}, f.offerErr
	}
	return domain.Description{Type: "offer", SDP: f.offerSDP}, nil
}

func (f *fakeConn) ApplyOfferAndCreateAnswer(offer domain.Description) (domain.Description, error) {
	f.mu.Lock()
	f.remote = &offer
	hook := f.beforeAnswer
	f.mu.Unlock()
	if hook != nil {
		hook(f)
	}
	return domain.Description{Type: "answer", SDP: f.answerSDP}, nil
}

func (f *fakeConn) ApplyAnswer(answer domain.Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote != nil {
		return rtc.ErrRemoteDescriptionSet
	}
	f.remote = &answer
	return nil
}

func (f *fakeConn) HasRemoteDescription() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote != nil
}

func (f *fakeConn) AddICECandidate(c domain.Candidate) error {
	f.mu.Lock()
	f.applied = append(f.applied, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) OnICECandidate(fn func(domain.Candidate)) {
	f.mu.Lock()
	f.onICE = fn
	f.mu.Unlock()
}

func (f *fakeConn) OnTrack(func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (f *fakeConn) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeConn) AddLocalTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	f.tracks++
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeConn) OnClosed(fn func()) {
	f.mu.Lock()
	f.onClosed = fn
	f.mu.Unlock()
}

// fail plays the transport dropping from the far side.
func (f *fakeConn) fail() {
	f.mu.Lock()
	onState, onClosed := f.onState, f.onClosed
	f.mu.Unlock()
	onState(webrtc.PeerConnectionStateFailed)
	onClosed()
}

// emit plays a locally gathered candidate.
func (f *fakeConn) emit(c domain.Candidate) {
	f.mu.Lock()
	fn := f.onICE
	f.mu.Unlock()
	fn(c)
}

func (f *fakeConn) appliedCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.applied))
	for _, c := range f.applied {
		out = append(out, c.Candidate)
	}
	return out
}

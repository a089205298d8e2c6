package media

import (
	"context"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RemoteStream collects the tracks received from the other participant.
// Each track gets a Relay that keeps reading it for as long as the call lives.
type RemoteStream struct {
	mu     sync.RWMutex
	relays map[string]*Relay
	added  []func(TrackInfo)
}

func NewRemoteStream() *RemoteStream {
	return &RemoteStream{
		relays: make(map[string]*Relay),
	}
}

// OnTrackAdded registers fn for every track added after the call.
func (m *RemoteStream) OnTrackAdded(fn func(TrackInfo)) {
	m.mu.Lock()
	m.added = append(m.added, fn)
	m.mu.Unlock()
}

// AddTrack starts relaying a remote pion track.
func (m *RemoteStream) AddTrack(ctx context.Context, track *webrtc.TrackRemote) {
	m.StartRelay(ctx, trackInfoOf(track), func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	})
}

// StartRelay creates a new Relay for the given track and starts its loop.
func (m *RemoteStream) StartRelay(ctx context.Context, info TrackInfo, read func() (*rtp.Packet, error)) {
	logger := log.With().
		Str("module", "relay").
		Str("track_id", info.ID).
		Str("kind", info.Kind).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := newRelay(info, read, cancel)

	m.mu.Lock()
	if old, ok := m.relays[info.ID]; ok {
		logger.Info().Msg("replacing existing relay for track")
		old.cancel()
	}
	m.relays[info.ID] = relay
	added := append([]func(TrackInfo){}, m.added...)
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")
	go relay.loop(relayCtx, &logger)

	for _, fn := range added {
		fn(info)
	}
}

// Tracks lists the remote tracks seen so far.
func (m *RemoteStream) Tracks() []TrackInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TrackInfo, 0, len(m.relays))
	for _, r := range m.relays {
		out = append(out, r.Info)
	}
	return out
}

// Packets reports how many packets arrived on a track.
func (m *RemoteStream) Packets(trackID string) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.relays[trackID]
	if !ok {
		return 0, false
	}
	return r.Packets(), true
}

// Close stops every relay.
func (m *RemoteStream) Close() {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[string]*Relay)
	m.mu.Unlock()
	for _, r := range relays {
		r.cancel()
	}
}

package media

import (
	"context"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Relay keeps reading one remote track so its RTP keeps flowing, and counts
// what arrived.
type Relay struct {
	Info TrackInfo

	read func() (*rtp.Packet, error)

	packets atomic.Uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

func newRelay(info TrackInfo, read func() (*rtp.Packet, error), cancel context.CancelFunc) *Relay {
	return &Relay{
		Info:   info,
		read:   read,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// loop reads RTP packets from the source track until ctx ends or the read fails.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("relay ctx done")
			return
		default:
		}
		if _, err := r.read(); err != nil {
			logger.Debug().Err(err).Msg("relay read RTP error, stopping")
			return
		}
		r.packets.Add(1)
	}
}

// Packets is the number of RTP packets read so far.
func (r *Relay) Packets() uint64 { return r.packets.Load() }

// Done is closed once the relay stopped reading.
func (r *Relay) Done() <-chan struct{} { return r.done }

// TrackInfo describes a remote track.
type TrackInfo struct {
	ID       string `json:"id"`
	StreamID string `json:"streamId"`
	Kind     string `json:"kind"`
}

func trackInfoOf(t *webrtc.TrackRemote) TrackInfo {
	return TrackInfo{ID: t.ID(), StreamID: t.StreamID(), Kind: t.Kind().String()}
}

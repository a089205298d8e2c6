package media

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	audioClockRate = 48000
	videoClockRate = 90000

	audioPayloadType = 111
	videoPayloadType = 96
)

// SyntheticSource produces test-pattern RTP in place of a camera and
// microphone. Packets are paced at Interval.
type SyntheticSource struct {
	Interval time.Duration
}

func (s SyntheticSource) Acquire(ctx context.Context, c Constraints) (*LocalStream, error) {
	if !c.Audio && !c.Video {
		return nil, errors.New("media: nothing requested")
	}
	interval := s.Interval
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}

	streamID := "callbox-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	var (
		tracks  []webrtc.TrackLocal
		writers []*generator
	)
	if c.Audio {
		t, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audioClockRate, Channels: 2},
			"audio", streamID,
		)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
		writers = append(writers, newGenerator(t, audioPayloadType, audioClockRate, interval, 40))
	}
	if c.Video {
		t, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: videoClockRate},
			"video", streamID,
		)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
		writers = append(writers, newGenerator(t, videoPayloadType, videoClockRate, interval, 200))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	for _, w := range writers {
		go w.run(runCtx)
	}
	log.Info().Str("module", "media").Str("stream_id", streamID).Int("tracks", len(tracks)).Msg("synthetic capture started")
	return NewLocalStream(streamID, tracks, cancel), nil
}

type generator struct {
	track       *webrtc.TrackLocalStaticRTP
	payloadType uint8
	ssrc        uint32
	step        uint32
	interval    time.Duration
	payloadSize int
}

func newGenerator(t *webrtc.TrackLocalStaticRTP, pt uint8, clockRate uint32, interval time.Duration, size int) *generator {
	return &generator{
		track:       t,
		payloadType: pt,
		ssrc:        rand.Uint32(),
		step:        uint32(time.Duration(clockRate) * interval / time.Second),
		interval:    interval,
		payloadSize: size,
	}
}

func (g *generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	seq := uint16(rand.UintN(1 << 16))
	ts := rand.Uint32()
	payload := make([]byte, g.payloadSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for i := range payload {
			payload[i] = byte(seq) + byte(i)
		}
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         true,
				PayloadType:    g.payloadType,
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           g.ssrc,
			},
			Payload: payload,
		}
		if err := g.track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Debug().Err(err).Str("module", "media").Str("track_id", g.track.ID()).Msg("write RTP")
		}
		seq++
		ts += g.step
	}
}

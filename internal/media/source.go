// Package media provides local capture sources and the remote stream that
// collects incoming tracks of a call.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

var ErrPermissionDenied = errors.New("media: permission denied")

// Constraints selects the kinds of media to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// DefaultConstraints asks for both microphone and camera.
func DefaultConstraints() Constraints {
	return Constraints{Audio: true, Video: true}
}

// Source is a capture device. Acquire plays the role of a user media prompt.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (*LocalStream, error)
}

// LocalStream owns the local tracks until Close.
type LocalStream struct {
	ID     string
	Tracks []webrtc.TrackLocal

	stopOnce sync.Once
	stop     func()
}

func NewLocalStream(id string, tracks []webrtc.TrackLocal, stop func()) *LocalStream {
	return &LocalStream{ID: id, Tracks: tracks, stop: stop}
}

func (s *LocalStream) Close() {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// DeniedSource refuses every request, like a user declining the prompt.
type DeniedSource struct{}

func (DeniedSource) Acquire(context.Context, Constraints) (*LocalStream, error) {
	return nil, ErrPermissionDenied
}

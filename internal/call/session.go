// Package call runs one peer-to-peer call: capture local media, negotiate
// through the signaling mailbox and collect the remote tracks.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Callbox/internal/adapters/rtc"
	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/dkeye/Callbox/internal/media"
	"github.com/dkeye/Callbox/internal/signaling"
	"github.com/dkeye/Callbox/internal/store"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State string

const (
	StateIdle      State = "idle"
	StateMedia     State = "media"
	StateCalling   State = "calling"
	StateAnswering State = "answering"
	StateConnected State = "connected"
	StateClosed    State = "closed"
)

var (
	ErrBusy   = errors.New("call: session already has a call")
	ErrClosed = errors.New("call: session closed")
)

// ConnectionFactory opens the transport for one call. label tags log lines.
type ConnectionFactory func(label string) (core.MediaConnection, error)

// PionFactory returns a factory over pion with the given API and ICE setup.
func PionFactory(api *webrtc.API, ice rtc.ICEConfig) ConnectionFactory {
	return func(label string) (core.MediaConnection, error) {
		return rtc.NewWebRTCConnection(api, ice.WebRTC(), label)
	}
}

type Config struct {
	Mailbox       *signaling.Mailbox
	Source        media.Source
	Constraints   media.Constraints
	NewConnection ConnectionFactory
}

// Session holds the transport and stream handles of a single call. It is
// discarded after Hangup.
type Session struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu        sync.Mutex
	state     State
	id        domain.CallID
	side      domain.Side
	conn      core.MediaConnection
	out       *outbox
	local     *media.LocalStream
	remote    *media.RemoteStream
	listeners []store.Listener
	pending   []domain.Candidate
	connected chan struct{}
}

func NewSession(cfg Config) *Session {
	if cfg.Constraints == (media.Constraints{}) {
		cfg.Constraints = media.DefaultConstraints()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.With().Str("module", "call").Logger(),
		state:     StateIdle,
		remote:    media.NewRemoteStream(),
		connected: make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) CallID() domain.CallID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Remote is the stream of tracks received from the other side.
func (s *Session) Remote() *media.RemoteStream { return s.remote }

// Connected is closed once the peer connection reaches the connected state.
func (s *Session) Connected() <-chan struct{} { return s.connected }

// Done is closed when the session ends, by Hangup or because the transport
// failed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// OnRemoteTrack registers fn for every remote track that arrives.
func (s *Session) OnRemoteTrack(fn func(media.TrackInfo)) {
	s.remote.OnTrackAdded(fn)
}

// StartMedia acquires local capture. Calling it again is a no-op.
func (s *Session) StartMedia(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startMediaLocked(ctx)
}

func (s *Session) startMediaLocked(ctx context.Context) error {
	if s.state == StateClosed {
		return ErrClosed
	}
	if s.local != nil {
		return nil
	}
	stream, err := s.cfg.Source.Acquire(ctx, s.cfg.Constraints)
	if err != nil {
		s.logger.Error().Err(err).Msg("media acquisition failed")
		return fmt.Errorf("start media: %w", err)
	}
	s.local = stream
	if s.state == StateIdle {
		s.state = StateMedia
	}
	s.logger.Info().Str("stream_id", stream.ID).Msg("local media started")
	return nil
}

// Originate places an outgoing call and returns the id to share with the
// callee.
func (s *Session) Originate(ctx context.Context) (domain.CallID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.beginLocked(ctx); err != nil {
		return "", err
	}

	id := s.cfg.Mailbox.NewCall()
	if err := s.originateLocked(ctx, id); err != nil {
		s.abandonLocked()
		return "", err
	}
	s.state = StateCalling
	s.logger.Info().Str("call", id.String()).Msg("call placed")
	return id, nil
}

func (s *Session) originateLocked(ctx context.Context, id domain.CallID) error {
	side := domain.SideCaller
	if err := s.openConnLocked(id, side); err != nil {
		return err
	}

	offer, err := s.conn.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.cfg.Mailbox.WriteOffer(ctx, id, offer); err != nil {
		return err
	}
	s.out.open()

	answerL, err := s.cfg.Mailbox.OnAnswer(s.ctx, id, s.applyAnswer)
	if err != nil {
		return err
	}
	s.listeners = append(s.listeners, answerL)

	candL, err := s.cfg.Mailbox.OnCandidates(s.ctx, id, side.Opposite(), s.addRemoteCandidate)
	if err != nil {
		return err
	}
	s.listeners = append(s.listeners, candL)
	return nil
}

// Accept answers the call with the given id. A call that already carries an
// answer is refused before any transport is opened.
func (s *Session) Accept(ctx context.Context, id domain.CallID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.beginLocked(ctx); err != nil {
		return err
	}

	rec, err := s.cfg.Mailbox.OpenCall(ctx, id)
	if err != nil {
		return err
	}
	if rec.Answer != nil {
		return fmt.Errorf("%w: %s", signaling.ErrAlreadyAnswered, id)
	}
	if err := s.acceptLocked(ctx, id, *rec.Offer); err != nil {
		s.abandonLocked()
		return err
	}
	s.state = StateAnswering
	s.logger.Info().Str("call", id.String()).Msg("call answered")
	return nil
}

func (s *Session) acceptLocked(ctx context.Context, id domain.CallID, offer domain.Description) error {
	side := domain.SideCallee
	if err := s.openConnLocked(id, side); err != nil {
		return err
	}

	answer, err := s.conn.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		return fmt.Errorf("apply offer: %w", err)
	}
	// Losing the race for the answer slot leaves no trace in the call.
	if err := s.cfg.Mailbox.WriteAnswer(ctx, id, answer); err != nil {
		return err
	}
	s.out.open()

	candL, err := s.cfg.Mailbox.OnCandidates(s.ctx, id, side.Opposite(), s.addRemoteCandidate)
	if err != nil {
		return err
	}
	s.listeners = append(s.listeners, candL)
	return nil
}

func (s *Session) beginLocked(ctx context.Context) error {
	switch s.state {
	case StateClosed:
		return ErrClosed
	case StateIdle, StateMedia:
	default:
		return ErrBusy
	}
	// Media failures stop the flow before anything is written.
	return s.startMediaLocked(ctx)
}

func (s *Session) openConnLocked(id domain.CallID, side domain.Side) error {
	conn, err := s.cfg.NewConnection(string(side) + ":" + id.String())
	if err != nil {
		return fmt.Errorf("open connection: %w", err)
	}
	if err := conn.Start(s.ctx); err != nil {
		conn.Close()
		return err
	}
	for _, track := range s.local.Tracks {
		if _, err := conn.AddLocalTrack(track); err != nil {
			conn.Close()
			return fmt.Errorf("add local track: %w", err)
		}
	}

	out := &outbox{write: func(c domain.Candidate) {
		if err := s.cfg.Mailbox.AddCandidate(s.ctx, id, side, c); err != nil {
			s.logger.Warn().Err(err).Str("call", id.String()).Msg("write candidate")
			return
		}
		s.logger.Debug().Str("call", id.String()).Str("side", string(side)).Msg("local candidate written")
	}}

	conn.OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.remote.AddTrack(ctx, track)
	})
	conn.OnStateChange(func(st webrtc.PeerConnectionState) {
		if st != webrtc.PeerConnectionStateConnected {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.conn == conn && (s.state == StateCalling || s.state == StateAnswering) {
			s.state = StateConnected
			close(s.connected)
		}
	})
	conn.OnICECandidate(out.add)
	conn.OnClosed(func() { s.transportClosed(conn) })

	s.conn = conn
	s.out = out
	s.id = id
	s.side = side
	return nil
}

// abandonLocked undoes a failed Originate or Accept so the session can try
// again. Candidates gathered for the attempt are discarded unwritten.
func (s *Session) abandonLocked() {
	if s.out != nil {
		s.out.drop()
	}
	for _, l := range s.listeners {
		l.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.listeners = nil
	s.pending = nil
	s.conn, s.out = nil, nil
	s.id, s.side = "", ""
}

// transportClosed ends the session when its live transport fails or is
// closed from the far side.
func (s *Session) transportClosed(conn core.MediaConnection) {
	s.mu.Lock()
	live := s.conn == conn && s.state != StateClosed
	s.mu.Unlock()
	if !live {
		return
	}
	s.logger.Warn().Str("call", s.CallID().String()).Msg("transport closed")
	s.Hangup()
}

func (s *Session) applyAnswer(answer domain.Description) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.conn.IsClosed() || s.state == StateClosed {
		return
	}
	err := s.conn.ApplyAnswer(answer)
	if errors.Is(err, rtc.ErrRemoteDescriptionSet) {
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("call", s.id.String()).Msg("apply answer")
		return
	}
	s.logger.Info().Str("call", s.id.String()).Msg("answer applied")
	s.flushPendingLocked()
}

func (s *Session) addRemoteCandidate(c domain.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.state == StateClosed {
		return
	}
	if !s.conn.HasRemoteDescription() {
		s.pending = append(s.pending, c)
		return
	}
	s.applyCandidateLocked(c)
}

func (s *Session) flushPendingLocked() {
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		s.applyCandidateLocked(c)
	}
}

func (s *Session) applyCandidateLocked(c domain.Candidate) {
	if err := s.conn.AddICECandidate(c); err != nil {
		s.logger.Warn().Err(err).Str("call", s.id.String()).Msg("add remote candidate")
		return
	}
	s.logger.Debug().Str("call", s.id.String()).Msg("remote candidate applied")
}

// Hangup closes every subscription, the transport and local capture.
func (s *Session) Hangup() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	listeners := s.listeners
	s.listeners = nil
	conn, local, out := s.conn, s.local, s.out
	s.pending = nil
	s.mu.Unlock()

	if out != nil {
		out.drop()
	}

	s.cancel()
	for _, l := range listeners {
		l.Close()
	}
	if conn != nil {
		conn.Close()
	}
	if local != nil {
		local.Close()
	}
	s.remote.Close()
	s.logger.Info().Str("call", s.CallID().String()).Msg("hung up")
}

// outbox holds local candidates until the description they belong to is
// stored, then writes them through. After drop nothing is written.
type outbox struct {
	write func(domain.Candidate)

	mu      sync.Mutex
	opened  bool
	dropped bool
	queued  []domain.Candidate
}

func (o *outbox) add(c domain.Candidate) {
	o.mu.Lock()
	if o.dropped {
		o.mu.Unlock()
		return
	}
	if !o.opened {
		o.queued = append(o.queued, c)
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.write(c)
}

func (o *outbox) open() {
	o.mu.Lock()
	if o.opened || o.dropped {
		o.mu.Unlock()
		return
	}
	o.opened = true
	queued := o.queued
	o.queued = nil
	o.mu.Unlock()
	for _, c := range queued {
		o.write(c)
	}
}

func (o *outbox) drop() {
	o.mu.Lock()
	o.dropped = true
	o.queued = nil
	o.mu.Unlock()
}

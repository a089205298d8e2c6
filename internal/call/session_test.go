package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Callbox/internal/adapters/rtc"
	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/dkeye/Callbox/internal/media"
	"github.com/dkeye/Callbox/internal/signaling"
	"github.com/dkeye/Callbox/internal/store"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fakeFactory(conn *fakeConn) ConnectionFactory {
	return func(string) (core.MediaConnection, error) { return conn, nil }
}

func waitUntil(t *testing.T, what string, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ok() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func countDocs(t *testing.T, s *store.Store, coll string) int {
	t.Helper()
	snaps, err := s.List(context.Background(), coll)
	if err != nil {
		t.Fatalf("List %s: %v", coll, err)
	}
	return len(snaps)
}

func TestOriginateWithoutMediaWritesNothing(t *testing.T) {
	st := newStore(t)
	conn := &fakeConn{offerSDP: "o"}
	sess := NewSession(Config{
		Mailbox:       signaling.NewMailbox(st),
		Source:        media.DeniedSource{},
		NewConnection: fakeFactory(conn),
	})
	defer sess.Hangup()

	_, err := sess.Originate(context.Background())
	if !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("Originate err = %v, want ErrPermissionDenied", err)
	}
	if n := countDocs(t, st, signaling.CallsCollection); n != 0 {
		t.Fatalf("calls written = %d, want 0", n)
	}
	if sess.State() != StateIdle {
		t.Fatalf("state = %s, want idle", sess.State())
	}
}

func TestAcceptMissingCall(t *testing.T) {
	st := newStore(t)
	conn := &fakeConn{}
	sess := NewSession(Config{
		Mailbox:       signaling.NewMailbox(st),
		Source:        media.SyntheticSource{},
		NewConnection: fakeFactory(conn),
	})
	defer sess.Hangup()

	if err := sess.Accept(context.Background(), "does-not-exist"); !errors.Is(err, signaling.ErrCallNotFound) {
		t.Fatalf("Accept err = %v, want ErrCallNotFound", err)
	}
	if sess.State() != StateMedia {
		t.Fatalf("state = %s, want media", sess.State())
	}
}

func TestOriginateFlowWithFakeTransport(t *testing.T) {
	st := newStore(t)
	mb := signaling.NewMailbox(st)
	conn := &fakeConn{offerSDP: "v=0 caller"}
	sess := NewSession(Config{
		Mailbox:       mb,
		Source:        media.SyntheticSource{},
		NewConnection: fakeFactory(conn),
	})
	defer sess.Hangup()
	ctx := context.Background()

	if err := sess.StartMedia(ctx); err != nil {
		t.Fatalf("StartMedia: %v", err)
	}
	if sess.State() != StateMedia {
		t.Fatalf("state = %s, want media", sess.State())
	}

	id, err := sess.Originate(ctx)
	if err != nil {
		t.Fatalf("Originate: %v", err)
	}
	if id == "" || sess.CallID() != id || sess.State() != StateCalling {
		t.Fatalf("id=%q state=%s", id, sess.State())
	}
	if conn.tracks != 2 {
		t.Fatalf("local tracks attached = %d, want 2", conn.tracks)
	}
	if _, err := sess.Originate(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Originate err = %v, want ErrBusy", err)
	}

	// Local candidates go to offerCandidates exactly once each.
	conn.emit(domain.Candidate{Candidate: "c1"})
	conn.emit(domain.Candidate{Candidate: "c2"})
	offerColl := signaling.CandidatesPath(id, domain.SideCaller)
	if n := countDocs(t, st, offerColl); n != 2 {
		t.Fatalf("offerCandidates = %d, want 2", n)
	}
	if n := countDocs(t, st, signaling.CandidatesPath(id, domain.SideCallee)); n != 0 {
		t.Fatalf("answerCandidates = %d, want 0", n)
	}

	// A callee candidate before the answer waits for the remote description.
	if err := mb.AddCandidate(ctx, id, domain.SideCallee, domain.Candidate{Candidate: "early"}); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := conn.appliedCandidates(); len(got) != 0 {
		t.Fatalf("applied before answer: %v", got)
	}

	if err := mb.WriteAnswer(ctx, id, domain.Description{Type: "answer", SDP: "v=0 callee"}); err != nil {
		t.Fatalf("WriteAnswer: %v", err)
	}
	waitUntil(t, "answer applied", conn.HasRemoteDescription)
	waitUntil(t, "early candidate applied", func() bool { return len(conn.appliedCandidates()) == 1 })

	if err := mb.AddCandidate(ctx, id, domain.SideCallee, domain.Candidate{Candidate: "late"}); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}
	waitUntil(t, "late candidate applied", func() bool { return len(conn.appliedCandidates()) == 2 })
	if got := conn.appliedCandidates(); got[0] != "early" || got[1] != "late" {
		t.Fatalf("applied = %v", got)
	}

	conn.onState(webrtc.PeerConnectionStateConnected)
	select {
	case <-sess.Connected():
	case <-time.After(time.Second):
		t.Fatalf("Connected not closed")
	}
	if sess.State() != StateConnected {
		t.Fatalf("state = %s, want connected", sess.State())
	}

	sess.Hangup()
	sess.Hangup()
	if sess.State() != StateClosed || !conn.IsClosed() {
		t.Fatalf("after Hangup state=%s closed=%v", sess.State(), conn.IsClosed())
	}
	if _, err := sess.Originate(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Originate after Hangup err = %v, want ErrClosed", err)
	}
	if n := countDocs(t, st, signaling.CallsCollection); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
}

func TestAcceptFlowWithFakeTransport(t *testing.T) {
	st := newStore(t)
	mb := signaling.NewMailbox(st)
	ctx := context.Background()

	id := mb.NewCall()
	if err := mb.WriteOffer(ctx, id, domain.Description{Type: "offer", SDP: "v=0 caller"}); err != nil {
		t.Fatalf("WriteOffer: %v", err)
	}
	if err := mb.AddCandidate(ctx, id, domain.SideCaller, domain.Candidate{Candidate: "from-caller"}); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}

	conn := &fakeConn{answerSDP: "v=0 callee"}
	sess := NewSession(Config{
		Mailbox:       mb,
		Source:        media.SyntheticSource{},
		NewConnection: fakeFactory(conn),
	})
	defer sess.Hangup()

	if err := sess.Accept(ctx, id); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if sess.State() != StateAnswering {
		t.Fatalf("state = %s, want answering", sess.State())
	}

	rec, err := mb.OpenCall(ctx, id)
	if err != nil {
		t.Fatalf("OpenCall: %v", err)
	}
	if rec.Answer == nil || rec.Answer.SDP != "v=0 callee" {
		t.Fatalf("answer = %+v", rec.Answer)
	}
	if n := countDocs(t, st, signaling.CallsCollection); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}

	waitUntil(t, "caller candidate applied", func() bool { return len(conn.appliedCandidates()) == 1 })

	conn.emit(domain.Candidate{Candidate: "from-callee"})
	if n := countDocs(t, st, signaling.CandidatesPath(id, domain.SideCallee)); n != 1 {
		t.Fatalf("answerCandidates = %d, want 1", n)
	}
}

// seqFactory hands out conns in order and counts how many were opened.
func seqFactory(conns ...*fakeConn) (ConnectionFactory, *int) {
	opened := new(int)
	return func(string) (core.MediaConnection, error) {
		c := conns[*opened]
		*opened++
		return c, nil
	}, opened
}

func offeredCall(t *testing.T, mb *signaling.Mailbox) domain.CallID {
	t.Helper()
	id := mb.NewCall()
	if err := mb.WriteOffer(context.Background(), id, domain.Description{Type: "offer", SDP: "v=0 caller"}); err != nil {
		t.Fatalf("WriteOffer: %v", err)
	}
	return id
}

func TestAcceptAnsweredCallOpensNothing(t *testing.T) {
	st := newStore(t)
	mb := signaling.NewMailbox(st)
	ctx := context.Background()

	id := offeredCall(t, mb)
	if err := mb.WriteAnswer(ctx, id, domain.Description{Type: "answer", SDP: "v=0 first"}); err != nil {
		t.Fatalf("WriteAnswer: %v", err)
	}

	factory, opened := seqFactory(&fakeConn{})
	sess := NewSession(Config{Mailbox: mb, Source: media.SyntheticSource{}, NewConnection: factory})
	defer sess.Hangup()

	if err := sess.Accept(ctx, id); !errors.Is(err, signaling.ErrAlreadyAnswered) {
		t.Fatalf("Accept err = %v, want ErrAlreadyAnswered", err)
	}
	if *opened != 0 {
		t.Fatalf("connections opened = %d, want 0", *opened)
	}
	if sess.State() != StateMedia || sess.CallID() != "" {
		t.Fatalf("state=%s id=%q, want media and no call", sess.State(), sess.CallID())
	}
	if n := countDocs(t, st, signaling.CandidatesPath(id, domain.SideCallee)); n != 0 {
		t.Fatalf("answerCandidates = %d, want 0", n)
	}
}

func TestAcceptLosingAnswerRaceLeavesNoTrace(t *testing.T) {
	st := newStore(t)
	mb := signaling.NewMailbox(st)
	ctx := context.Background()
	id := offeredCall(t, mb)

	lost := &fakeConn{answerSDP: "v=0 late"}
	lost.beforeAnswer = func(f *fakeConn) {
		f.emit(domain.Candidate{Candidate: "gathered-early"})
		if err := mb.WriteAnswer(ctx, id, domain.Description{Type: "answer", SDP: "v=0 winner"}); err != nil {
			t.Errorf("competing WriteAnswer: %v", err)
		}
	}
	won := &fakeConn{answerSDP: "v=0 retry"}
	factory, opened := seqFactory(lost, won)
	sess := NewSession(Config{Mailbox: mb, Source: media.SyntheticSource{}, NewConnection: factory})
	defer sess.Hangup()

	if err := sess.Accept(ctx, id); !errors.Is(err, signaling.ErrAlreadyAnswered) {
		t.Fatalf("Accept err = %v, want ErrAlreadyAnswered", err)
	}
	if !lost.IsClosed() {
		t.Fatalf("losing connection left open")
	}
	if sess.State() != StateMedia || sess.CallID() != "" {
		t.Fatalf("state=%s id=%q, want media and no call", sess.State(), sess.CallID())
	}

	// Candidates from the abandoned transport never reach the live call.
	lost.emit(domain.Candidate{Candidate: "gathered-late"})
	if n := countDocs(t, st, signaling.CandidatesPath(id, domain.SideCallee)); n != 0 {
		t.Fatalf("answerCandidates = %d, want 0", n)
	}
	rec, err := mb.OpenCall(ctx, id)
	if err != nil {
		t.Fatalf("OpenCall: %v", err)
	}
	if rec.Answer == nil || rec.Answer.SDP != "v=0 winner" {
		t.Fatalf("answer = %+v, want the winner's", rec.Answer)
	}

	next := offeredCall(t, mb)
	if err := sess.Accept(ctx, next); err != nil {
		t.Fatalf("retry Accept: %v", err)
	}
	if *opened != 2 || sess.State() != StateAnswering || sess.CallID() != next {
		t.Fatalf("opened=%d state=%s id=%q", *opened, sess.State(), sess.CallID())
	}
	won.emit(domain.Candidate{Candidate: "c"})
	if n := countDocs(t, st, signaling.CandidatesPath(next, domain.SideCallee)); n != 1 {
		t.Fatalf("answerCandidates = %d, want 1", n)
	}
}

func TestOriginateFailureReleasesConnection(t *testing.T) {
	st := newStore(t)
	mb := signaling.NewMailbox(st)
	ctx := context.Background()

	broken := &fakeConn{offerErr: errors.New("no codecs")}
	good := &fakeConn{offerSDP: "v=0 caller"}
	factory, _ := seqFactory(broken, good)
	sess := NewSession(Config{Mailbox: mb, Source: media.SyntheticSource{}, NewConnection: factory})
	defer sess.Hangup()

	if _, err := sess.Originate(ctx); err == nil {
		t.Fatalf("Originate succeeded with a failing offer")
	}
	if !broken.IsClosed() || sess.State() != StateMedia || sess.CallID() != "" {
		t.Fatalf("closed=%v state=%s id=%q", broken.IsClosed(), sess.State(), sess.CallID())
	}
	if n := countDocs(t, st, signaling.CallsCollection); n != 0 {
		t.Fatalf("calls = %d, want 0", n)
	}

	id, err := sess.Originate(ctx)
	if err != nil {
		t.Fatalf("retry Originate: %v", err)
	}
	// A stale transport going down does not touch the live call.
	broken.fail()
	if sess.State() != StateCalling || sess.CallID() != id {
		t.Fatalf("state=%s id=%q after stale failure", sess.State(), sess.CallID())
	}
}

func TestTransportFailureEndsSession(t *testing.T) {
	st := newStore(t)
	conn := &fakeConn{offerSDP: "v=0 caller"}
	sess := NewSession(Config{
		Mailbox:       signaling.NewMailbox(st),
		Source:        media.SyntheticSource{},
		NewConnection: fakeFactory(conn),
	})
	defer sess.Hangup()

	if _, err := sess.Originate(context.Background()); err != nil {
		t.Fatalf("Originate: %v", err)
	}
	conn.fail()
	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatalf("Done not closed after transport failure")
	}
	if sess.State() != StateClosed || !conn.IsClosed() {
		t.Fatalf("state=%s closed=%v", sess.State(), conn.IsClosed())
	}
}

// vnetFactory gives each side its own virtual interface on one router.
func vnetFactories(t *testing.T) (ConnectionFactory, ConnectionFactory) {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	mk := func(ip string) ConnectionFactory {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net: %v", err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net: %v", err)
		}
		se := webrtc.SettingEngine{}
		se.SetNet(n)
		api, err := rtc.NewAPI(&se)
		if err != nil {
			t.Fatalf("new api: %v", err)
		}
		return PionFactory(api, rtc.ICEConfig{})
	}
	a, b := mk("10.0.0.1"), mk("10.0.0.2")
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })
	return a, b
}

func TestCallEndToEnd(t *testing.T) {
	st := newStore(t)
	callerFactory, calleeFactory := vnetFactories(t)

	caller := NewSession(Config{
		Mailbox:       signaling.NewMailbox(st),
		Source:        media.SyntheticSource{Interval: 10 * time.Millisecond},
		NewConnection: callerFactory,
	})
	defer caller.Hangup()
	callee := NewSession(Config{
		Mailbox:       signaling.NewMailbox(st),
		Source:        media.SyntheticSource{Interval: 10 * time.Millisecond},
		NewConnection: calleeFactory,
	})
	defer callee.Hangup()

	var (
		mu       sync.Mutex
		received = map[string]map[string]bool{"caller": {}, "callee": {}}
	)
	track := func(side string) func(media.TrackInfo) {
		return func(info media.TrackInfo) {
			mu.Lock()
			received[side][info.Kind] = true
			mu.Unlock()
		}
	}
	caller.OnRemoteTrack(track("caller"))
	callee.OnRemoteTrack(track("callee"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	id, err := caller.Originate(ctx)
	if err != nil {
		t.Fatalf("Originate: %v", err)
	}
	if err := callee.Accept(ctx, id); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	for _, s := range []*Session{caller, callee} {
		select {
		case <-s.Connected():
		case <-ctx.Done():
			t.Fatalf("peer did not connect")
		}
	}

	bothKinds := func(side string) bool {
		mu.Lock()
		defer mu.Unlock()
		return received[side]["audio"] && received[side]["video"]
	}
	waitUntilCtx(t, ctx, "caller remote tracks", func() bool { return bothKinds("caller") })
	waitUntilCtx(t, ctx, "callee remote tracks", func() bool { return bothKinds("callee") })

	snaps, err := st.List(context.Background(), signaling.CallsCollection)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("calls = %d, want 1", len(snaps))
	}
	// One offer write plus one answer merge.
	if snaps[0].Version != 2 {
		t.Fatalf("call record version = %d, want 2", snaps[0].Version)
	}
}

func waitUntilCtx(t *testing.T, ctx context.Context, what string, ok func() bool) {
	t.Helper()
	for !ok() {
		select {
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

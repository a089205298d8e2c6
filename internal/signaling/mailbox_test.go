package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Callbox/internal/domain"
	"github.com/dkeye/Callbox/internal/store"
)

func newMailbox(t *testing.T) (*Mailbox, *store.Store) {
	t.Helper()
	s, err := store.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewMailbox(s), s
}

func strPtr(s string) *string { return &s }
func u16Ptr(v uint16) *uint16 { return &v }

func TestOpenCallMissing(t *testing.T) {
	m, _ := newMailbox(t)
	ctx := context.Background()

	if _, err := m.OpenCall(ctx, "nope"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("OpenCall missing err = %v, want ErrCallNotFound", err)
	}
	if _, err := m.OpenCall(ctx, ""); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("OpenCall empty err = %v, want ErrCallNotFound", err)
	}
	if _, err := m.OpenCall(ctx, "a/b"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("OpenCall bad id err = %v, want ErrCallNotFound", err)
	}
}

func TestOpenCallWithoutOffer(t *testing.T) {
	m, s := newMailbox(t)
	ctx := context.Background()

	if err := s.Set(ctx, CallPath("c1"), map[string]any{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := m.OpenCall(ctx, "c1"); !errors.Is(err, ErrNoOffer) {
		t.Fatalf("OpenCall err = %v, want ErrNoOffer", err)
	}
}

func TestAnswerGoesToSameRecord(t *testing.T) {
	m, s := newMailbox(t)
	ctx := context.Background()

	id := m.NewCall()
	offer := domain.Description{Type: "offer", SDP: "v=0 offer"}
	if err := m.WriteOffer(ctx, id, offer); err != nil {
		t.Fatalf("WriteOffer: %v", err)
	}

	rec, err := m.OpenCall(ctx, id)
	if err != nil {
		t.Fatalf("OpenCall: %v", err)
	}
	if *rec.Offer != offer || rec.Answer != nil {
		t.Fatalf("record = %+v", rec)
	}

	answer := domain.Description{Type: "answer", SDP: "v=0 answer"}
	if err := m.WriteAnswer(ctx, id, answer); err != nil {
		t.Fatalf("WriteAnswer: %v", err)
	}

	calls, err := s.List(ctx, CallsCollection)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(calls) != 1 || calls[0].ID != id.String() {
		t.Fatalf("calls = %d records, want exactly %s", len(calls), id)
	}
	var got Record
	if err := calls[0].DataTo(&got); err != nil {
		t.Fatalf("DataTo: %v", err)
	}
	if got.Offer == nil || *got.Offer != offer {
		t.Fatalf("offer lost: %+v", got.Offer)
	}
	if got.Answer == nil || *got.Answer != answer {
		t.Fatalf("answer = %+v, want %+v", got.Answer, answer)
	}

	if err := m.WriteAnswer(ctx, id, answer); !errors.Is(err, ErrAlreadyAnswered) {
		t.Fatalf("second WriteAnswer err = %v, want ErrAlreadyAnswered", err)
	}
}

func TestCandidatesLandInSideCollection(t *testing.T) {
	m, s := newMailbox(t)
	ctx := context.Background()
	id := domain.CallID("c1")

	caller := domain.Candidate{
		Candidate:     "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host",
		SDPMid:        strPtr("0"),
		SDPMLineIndex: u16Ptr(0),
	}
	callee := domain.Candidate{Candidate: "candidate:2 1 udp 2130706431 10.0.0.2 5001 typ host"}

	if err := m.AddCandidate(ctx, id, domain.SideCaller, caller); err != nil {
		t.Fatalf("AddCandidate caller: %v", err)
	}
	if err := m.AddCandidate(ctx, id, domain.SideCallee, callee); err != nil {
		t.Fatalf("AddCandidate callee: %v", err)
	}

	offers, err := s.List(ctx, "calls/c1/offerCandidates")
	if err != nil || len(offers) != 1 {
		t.Fatalf("offerCandidates = %d (%v), want 1", len(offers), err)
	}
	answers, err := s.List(ctx, "calls/c1/answerCandidates")
	if err != nil || len(answers) != 1 {
		t.Fatalf("answerCandidates = %d (%v), want 1", len(answers), err)
	}

	var got domain.Candidate
	if err := offers[0].DataTo(&got); err != nil {
		t.Fatalf("DataTo: %v", err)
	}
	if got.Candidate != caller.Candidate || got.SDPMid == nil || *got.SDPMid != "0" || got.SDPMLineIndex == nil {
		t.Fatalf("caller candidate = %+v", got)
	}
}

func TestOnCandidatesDeliversBacklogAndNew(t *testing.T) {
	m, _ := newMailbox(t)
	ctx := context.Background()
	id := domain.CallID("c1")

	if err := m.AddCandidate(ctx, id, domain.SideCaller, domain.Candidate{Candidate: "a"}); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}

	var (
		mu  sync.Mutex
		got []string
	)
	l, err := m.OnCandidates(ctx, id, domain.SideCaller, func(c domain.Candidate) {
		mu.Lock()
		got = append(got, c.Candidate)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("OnCandidates: %v", err)
	}
	defer l.Close()

	if err := m.AddCandidate(ctx, id, domain.SideCaller, domain.Candidate{Candidate: "b"}); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}
	// Not ours.
	if err := m.AddCandidate(ctx, id, domain.SideCallee, domain.Candidate{Candidate: "x"}); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("candidates = %v, want [a b]", got)
	}
}

func TestOnAnswerFiresOnce(t *testing.T) {
	m, s := newMailbox(t)
	ctx := context.Background()

	id := m.NewCall()
	if err := m.WriteOffer(ctx, id, domain.Description{Type: "offer", SDP: "o"}); err != nil {
		t.Fatalf("WriteOffer: %v", err)
	}

	answers := make(chan domain.Description, 4)
	l, err := m.OnAnswer(ctx, id, func(d domain.Description) { answers <- d })
	if err != nil {
		t.Fatalf("OnAnswer: %v", err)
	}
	defer l.Close()

	if err := m.WriteAnswer(ctx, id, domain.Description{Type: "answer", SDP: "a"}); err != nil {
		t.Fatalf("WriteAnswer: %v", err)
	}
	// Unrelated later write to the record.
	if err := s.Update(ctx, CallPath(id), map[string]any{"note": "x"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	select {
	case d := <-answers:
		if d.SDP != "a" {
			t.Fatalf("answer sdp = %q", d.SDP)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("answer not delivered")
	}
	select {
	case d := <-answers:
		t.Fatalf("answer delivered twice: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConcurrentAnswersKeepOne(t *testing.T) {
	m, _ := newMailbox(t)
	ctx := context.Background()

	for round := 0; round < 50; round++ {
		id := m.NewCall()
		if err := m.WriteOffer(ctx, id, domain.Description{Type: "offer", SDP: "v=0"}); err != nil {
			t.Fatalf("WriteOffer: %v", err)
		}

		const callees = 4
		start := make(chan struct{})
		var wg sync.WaitGroup
		var mu sync.Mutex
		accepted := 0
		for i := 0; i < callees; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				err := m.WriteAnswer(ctx, id, domain.Description{Type: "answer", SDP: "v=0"})
				if err != nil && !errors.Is(err, ErrAlreadyAnswered) {
					t.Errorf("WriteAnswer: %v", err)
					return
				}
				if err == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}()
		}
		close(start)
		wg.Wait()

		if accepted != 1 {
			t.Fatalf("round %d: %d answers accepted, want 1", round, accepted)
		}
	}
}

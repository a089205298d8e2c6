// Package signaling keeps call records in the document store: one document
// per call holding the offer and the answer, plus two candidate
// sub-collections, one per side.
package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Callbox/internal/domain"
	"github.com/dkeye/Callbox/internal/store"
	"github.com/rs/zerolog/log"
)

const (
	CallsCollection            = "calls"
	OfferCandidatesCollection  = "offerCandidates"
	AnswerCandidatesCollection = "answerCandidates"
)

var (
	ErrCallNotFound    = errors.New("call not found")
	ErrNoOffer         = errors.New("call has no offer")
	ErrAlreadyAnswered = errors.New("call already answered")
)

// Record is the stored shape of calls/{id}.
type Record struct {
	Offer  *domain.Description `json:"offer,omitempty"`
	Answer *domain.Description `json:"answer,omitempty"`
}

// Mailbox is the call-record view of a Store.
type Mailbox struct {
	store *store.Store
}

func NewMailbox(s *store.Store) *Mailbox {
	return &Mailbox{store: s}
}

func CallPath(id domain.CallID) string {
	return store.Join(CallsCollection, id.String())
}

// CandidatesPath returns the sub-collection the given side writes into.
func CandidatesPath(id domain.CallID, side domain.Side) string {
	sub := OfferCandidatesCollection
	if side == domain.SideCallee {
		sub = AnswerCandidatesCollection
	}
	return store.Join(CallsCollection, id.String(), sub)
}

// NewCall reserves an id for a call record. Nothing is written until
// WriteOffer.
func (m *Mailbox) NewCall() domain.CallID {
	return domain.CallID(m.store.NewID())
}

// WriteOffer creates the call record holding the offer.
func (m *Mailbox) WriteOffer(ctx context.Context, id domain.CallID, offer domain.Description) error {
	if err := m.store.Set(ctx, CallPath(id), Record{Offer: &offer}); err != nil {
		return fmt.Errorf("write offer %s: %w", id, err)
	}
	log.Debug().Str("module", "signaling").Str("call", id.String()).Msg("offer written")
	return nil
}

// OpenCall loads a call record and returns its offer.
func (m *Mailbox) OpenCall(ctx context.Context, id domain.CallID) (Record, error) {
	if id == "" {
		return Record{}, ErrCallNotFound
	}
	snap, err := m.store.Get(ctx, CallPath(id))
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidPath) {
		return Record{}, fmt.Errorf("%w: %s", ErrCallNotFound, id)
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := snap.DataTo(&rec); err != nil {
		return Record{}, fmt.Errorf("decode call %s: %w", id, err)
	}
	if rec.Offer == nil || rec.Offer.SDP == "" {
		return Record{}, fmt.Errorf("%w: %s", ErrNoOffer, id)
	}
	return rec, nil
}

// WriteAnswer adds the answer to an existing call record. A record keeps at
// most one answer.
func (m *Mailbox) WriteAnswer(ctx context.Context, id domain.CallID, answer domain.Description) error {
	rec, err := m.OpenCall(ctx, id)
	if err != nil {
		return err
	}
	if rec.Answer != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyAnswered, id)
	}
	// A concurrent answer may land between the read above and this write.
	err = m.store.UpdateNew(ctx, CallPath(id), Record{Answer: &answer})
	if errors.Is(err, store.ErrFieldExists) {
		return fmt.Errorf("%w: %s", ErrAlreadyAnswered, id)
	}
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrCallNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("write answer %s: %w", id, err)
	}
	log.Debug().Str("module", "signaling").Str("call", id.String()).Msg("answer written")
	return nil
}

// AddCandidate appends a local candidate to the side's sub-collection.
func (m *Mailbox) AddCandidate(ctx context.Context, id domain.CallID, side domain.Side, c domain.Candidate) error {
	_, err := m.store.Add(ctx, CandidatesPath(id, side), c)
	return err
}

// OnAnswer calls fn once, with the first answer that appears on the record.
func (m *Mailbox) OnAnswer(ctx context.Context, id domain.CallID, fn func(domain.Description)) (store.Listener, error) {
	delivered := false
	return m.store.OnSnapshot(ctx, CallPath(id), func(snap store.Snapshot) {
		if delivered || !snap.Exists {
			return
		}
		var rec Record
		if err := snap.DataTo(&rec); err != nil {
			log.Warn().Err(err).Str("module", "signaling").Str("call", id.String()).Msg("bad call record")
			return
		}
		if rec.Answer == nil {
			return
		}
		delivered = true
		fn(*rec.Answer)
	})
}

// OnCandidates calls fn for every candidate the given side has written,
// including those written before the subscription.
func (m *Mailbox) OnCandidates(ctx context.Context, id domain.CallID, side domain.Side, fn func(domain.Candidate)) (store.Listener, error) {
	return m.store.OnChanges(ctx, CandidatesPath(id, side), func(ch store.Change) {
		if ch.Type != store.ChangeAdded {
			return
		}
		var c domain.Candidate
		if err := ch.Doc.DataTo(&c); err != nil {
			log.Warn().Err(err).Str("module", "signaling").Str("call", id.String()).Msg("bad candidate")
			return
		}
		fn(c)
	})
}

// Package store is a small document database used as a signaling mailbox.
// Documents live in collections addressed by slash paths, every write bumps a
// per-document version, and listeners receive snapshots or change events
// until they are closed.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound    = errors.New("store: document not found")
	ErrInvalidPath = errors.New("store: invalid path")
	ErrNotObject   = errors.New("store: document data must be a JSON object")
	ErrClosed      = errors.New("store: closed")
	ErrFieldExists = errors.New("store: field already set")
)

// Record is a stored document as seen by a backend.
type Record struct {
	Collection string
	ID         string
	// Seq orders documents by creation inside a collection.
	Seq       int64
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	Data      []byte
}

// Event tells listeners that a document reached Version.
type Event struct {
	Collection string `json:"c"`
	ID         string `json:"i"`
	Version    int64  `json:"v"`
}

// Backend persists records and publishes an Event for every write.
type Backend interface {
	Get(ctx context.Context, collection, id string) (Record, error)
	// Put creates or overwrites a document.
	Put(ctx context.Context, collection, id string, data []byte) (Record, error)
	// Merge overwrites the given top-level fields of an existing document.
	// When exclusive is set the write fails with ErrFieldExists if any of
	// the fields is already present, checked atomically with the write.
	Merge(ctx context.Context, collection, id string, fields map[string]json.RawMessage, exclusive bool) (Record, error)
	// List returns the documents of a collection in creation order.
	List(ctx context.Context, collection string) ([]Record, error)
	// Listen delivers events until ctx is done. ready is called once the
	// feed is live; events written after that point are not lost.
	Listen(ctx context.Context, ready func(), fn func(Event)) error
	Close() error
}

// Snapshot is an immutable view of a document.
type Snapshot struct {
	ID        string
	Path      string
	Exists    bool
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	raw       []byte
}

func snapshotOf(r Record) Snapshot {
	return Snapshot{
		ID:        r.ID,
		Path:      Join(r.Collection, r.ID),
		Exists:    true,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		raw:       r.Data,
	}
}

// DataTo decodes the document into v.
func (s Snapshot) DataTo(v any) error {
	if !s.Exists {
		return ErrNotFound
	}
	return json.Unmarshal(s.raw, v)
}

// Raw returns the document JSON, or nil for a missing document.
func (s Snapshot) Raw() json.RawMessage { return s.raw }

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
)

type Change struct {
	Type ChangeType
	Doc  Snapshot
}

// Listener is a live subscription. Close stops delivery and is idempotent.
type Listener interface {
	Close()
}

// Store fans backend events out to listeners.
type Store struct {
	backend Backend
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.RWMutex
	listeners map[*listener]struct{}
	closed    bool
}

// New starts the backend feed and waits until it is live.
func New(ctx context.Context, b Backend) (*Store, error) {
	feedCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		backend:   b,
		cancel:    cancel,
		done:      make(chan struct{}),
		listeners: make(map[*listener]struct{}),
	}

	ready := make(chan struct{})
	var readyOnce sync.Once
	go s.feed(feedCtx, func() {
		readyOnce.Do(func() { close(ready) })
	})

	select {
	case <-ready:
		return s, nil
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}

func (s *Store) feed(ctx context.Context, ready func()) {
	defer close(s.done)
	first := true
	for {
		err := s.backend.Listen(ctx, func() {
			if !first {
				// Events may have been missed while reconnecting.
				s.resyncAll()
			}
			first = false
			ready()
		}, s.dispatch)
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("module", "store").Msg("change feed dropped, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *Store) dispatch(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for l := range s.listeners {
		if l.matches(ev) {
			l.q.push(item{ev: ev})
		}
	}
}

func (s *Store) resyncAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for l := range s.listeners {
		l.q.push(item{resync: true})
	}
}

// Close stops every listener and the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ls := make([]*listener, 0, len(s.listeners))
	for l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()

	for _, l := range ls {
		l.Close()
	}
	s.cancel()
	<-s.done
	return s.backend.Close()
}

// NewID returns a fresh 20 character document id.
func (s *Store) NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

func (s *Store) Get(ctx context.Context, docPath string) (Snapshot, error) {
	coll, id, err := SplitDoc(docPath)
	if err != nil {
		return Snapshot{}, err
	}
	rec, err := s.backend.Get(ctx, coll, id)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(rec), nil
}

// Set creates or overwrites the document at docPath.
func (s *Store) Set(ctx context.Context, docPath string, v any) error {
	coll, id, err := SplitDoc(docPath)
	if err != nil {
		return err
	}
	data, err := encodeObject(v)
	if err != nil {
		return err
	}
	_, err = s.backend.Put(ctx, coll, id, data)
	return err
}

// Update merges the top-level fields of v into an existing document.
func (s *Store) Update(ctx context.Context, docPath string, v any) error {
	return s.merge(ctx, docPath, v, false)
}

// UpdateNew is Update for fields that may be written only once. It fails
// with ErrFieldExists when any field of v is already set.
func (s *Store) UpdateNew(ctx context.Context, docPath string, v any) error {
	return s.merge(ctx, docPath, v, true)
}

func (s *Store) merge(ctx context.Context, docPath string, v any, exclusive bool) error {
	coll, id, err := SplitDoc(docPath)
	if err != nil {
		return err
	}
	data, err := encodeObject(v)
	if err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("update %s: %w", docPath, err)
	}
	_, err = s.backend.Merge(ctx, coll, id, fields, exclusive)
	return err
}

// Add stores v under a fresh id in the collection and returns the id.
func (s *Store) Add(ctx context.Context, collectionPath string, v any) (string, error) {
	coll, err := CleanCollection(collectionPath)
	if err != nil {
		return "", err
	}
	data, err := encodeObject(v)
	if err != nil {
		return "", err
	}
	id := s.NewID()
	if _, err := s.backend.Put(ctx, coll, id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) List(ctx context.Context, collectionPath string) ([]Snapshot, error) {
	coll, err := CleanCollection(collectionPath)
	if err != nil {
		return nil, err
	}
	recs, err := s.backend.List(ctx, coll)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(recs))
	for _, r := range recs {
		out = append(out, snapshotOf(r))
	}
	return out, nil
}

// OnSnapshot calls fn with the current state of the document and again after
// every later write. A missing document is delivered with Exists false.
func (s *Store) OnSnapshot(ctx context.Context, docPath string, fn func(Snapshot)) (Listener, error) {
	coll, id, err := SplitDoc(docPath)
	if err != nil {
		return nil, err
	}
	l := newListener(s, coll, id)
	if err := s.register(l); err != nil {
		return nil, err
	}
	go l.runDoc(ctx, fn)
	return l, nil
}

// OnChanges calls fn once per existing document (as added, in creation
// order) and then for every document added or modified later.
func (s *Store) OnChanges(ctx context.Context, collectionPath string, fn func(Change)) (Listener, error) {
	coll, err := CleanCollection(collectionPath)
	if err != nil {
		return nil, err
	}
	l := newListener(s, coll, "")
	if err := s.register(l); err != nil {
		return nil, err
	}
	go l.runCollection(ctx, fn)
	return l, nil
}

func (s *Store) register(l *listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.listeners[l] = struct{}{}
	return nil
}

func (s *Store) unregister(l *listener) {
	s.mu.Lock()
	delete(s.listeners, l)
	s.mu.Unlock()
}

func encodeObject(v any) ([]byte, error) {
	var data []byte
	switch t := v.(type) {
	case json.RawMessage:
		data = t
	case []byte:
		data = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		data = b
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil || probe == nil {
		return nil, ErrNotObject
	}
	return data, nil
}

// mergeFields overlays fields onto the JSON object doc. With exclusive set,
// a field already present in doc is an ErrFieldExists.
func mergeFields(doc []byte, fields map[string]json.RawMessage, exclusive bool) ([]byte, error) {
	current := make(map[string]json.RawMessage)
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &current); err != nil {
			return nil, err
		}
	}
	if exclusive {
		for k := range fields {
			if _, ok := current[k]; ok {
				return nil, fmt.Errorf("%w: %s", ErrFieldExists, k)
			}
		}
	}
	for k, v := range fields {
		current[k] = v
	}
	return json.Marshal(current)
}

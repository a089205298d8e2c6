package store

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

type item struct {
	ev     Event
	resync bool
}

// queue is an unbounded FIFO so the feed never blocks on a slow listener.
type queue struct {
	mu     sync.Mutex
	items  []item
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(it item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) pop(ctx context.Context, stop <-chan struct{}) (item, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items[0] = item{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return item{}, false
		case <-stop:
			return item{}, false
		case <-q.signal:
		}
	}
}

type listener struct {
	store      *Store
	collection string
	id         string // empty for collection listeners
	q          *queue

	stop     chan struct{}
	stopOnce sync.Once
}

func newListener(s *Store, collection, id string) *listener {
	return &listener{
		store:      s,
		collection: collection,
		id:         id,
		q:          newQueue(),
		stop:       make(chan struct{}),
	}
}

func (l *listener) matches(ev Event) bool {
	if ev.Collection != l.collection {
		return false
	}
	return l.id == "" || ev.ID == l.id
}

func (l *listener) Close() {
	l.stopOnce.Do(func() {
		close(l.stop)
		l.store.unregister(l)
	})
}

func (l *listener) stopped() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

func (l *listener) runDoc(ctx context.Context, fn func(Snapshot)) {
	defer l.Close()
	logger := log.With().Str("module", "store").Str("doc", Join(l.collection, l.id)).Logger()

	var seen int64 = -1
	load := func() {
		rec, err := l.store.backend.Get(ctx, l.collection, l.id)
		switch {
		case errors.Is(err, ErrNotFound):
			if seen < 0 {
				seen = 0
				fn(Snapshot{ID: l.id, Path: Join(l.collection, l.id)})
			}
		case err != nil:
			logger.Error().Err(err).Msg("snapshot load failed")
		case rec.Version > seen:
			seen = rec.Version
			fn(snapshotOf(rec))
		}
	}

	load()
	for {
		it, ok := l.q.pop(ctx, l.stop)
		if !ok || l.stopped() {
			return
		}
		if !it.resync && it.ev.Version <= seen {
			continue
		}
		load()
	}
}

func (l *listener) runCollection(ctx context.Context, fn func(Change)) {
	defer l.Close()
	logger := log.With().Str("module", "store").Str("collection", l.collection).Logger()

	seen := make(map[string]int64)
	emit := func(rec Record) {
		prev, ok := seen[rec.ID]
		if ok && rec.Version <= prev {
			return
		}
		seen[rec.ID] = rec.Version
		ct := ChangeAdded
		if ok {
			ct = ChangeModified
		}
		fn(Change{Type: ct, Doc: snapshotOf(rec)})
	}
	loadAll := func() {
		recs, err := l.store.backend.List(ctx, l.collection)
		if err != nil {
			logger.Error().Err(err).Msg("collection load failed")
			return
		}
		for _, rec := range recs {
			if l.stopped() {
				return
			}
			emit(rec)
		}
	}

	loadAll()
	for {
		it, ok := l.q.pop(ctx, l.stop)
		if !ok || l.stopped() {
			return
		}
		if it.resync {
			loadAll()
			continue
		}
		if prev, ok := seen[it.ev.ID]; ok && it.ev.Version <= prev {
			continue
		}
		rec, err := l.store.backend.Get(ctx, l.collection, it.ev.ID)
		if err != nil {
			logger.Error().Err(err).Str("id", it.ev.ID).Msg("change load failed")
			continue
		}
		emit(rec)
	}
}

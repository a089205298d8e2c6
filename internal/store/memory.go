package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memCollection struct {
	docs  map[string]*Record
	order []string
}

// Memory is a process-local Backend.
type Memory struct {
	mu    sync.RWMutex
	colls map[string]*memCollection
	now   func() time.Time

	subMu  sync.RWMutex
	subs   map[int]func(Event)
	nextID int
}

func NewMemory() *Memory {
	return &Memory{
		colls: make(map[string]*memCollection),
		now:   time.Now,
		subs:  make(map[int]func(Event)),
	}
}

// NewMemoryStore is the common test and single-process setup.
func NewMemoryStore(ctx context.Context) (*Store, error) {
	return New(ctx, NewMemory())
}

func (m *Memory) Get(_ context.Context, collection, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.colls[collection]
	if !ok {
		return Record{}, ErrNotFound
	}
	r, ok := c.docs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (m *Memory) Put(_ context.Context, collection, id string, data []byte) (Record, error) {
	now := m.now().UTC()
	m.mu.Lock()
	c, ok := m.colls[collection]
	if !ok {
		c = &memCollection{docs: make(map[string]*Record)}
		m.colls[collection] = c
	}
	r, ok := c.docs[id]
	if ok {
		r.Version++
		r.UpdatedAt = now
		r.Data = append([]byte(nil), data...)
	} else {
		c.order = append(c.order, id)
		r = &Record{
			Collection: collection,
			ID:         id,
			Seq:        int64(len(c.order)),
			Version:    1,
			CreatedAt:  now,
			UpdatedAt:  now,
			Data:       append([]byte(nil), data...),
		}
		c.docs[id] = r
	}
	out := cloneRecord(r)
	m.mu.Unlock()

	m.publish(Event{Collection: collection, ID: id, Version: out.Version})
	return out, nil
}

func (m *Memory) Merge(_ context.Context, collection, id string, fields map[string]json.RawMessage, exclusive bool) (Record, error) {
	m.mu.Lock()
	c, ok := m.colls[collection]
	if !ok {
		m.mu.Unlock()
		return Record{}, ErrNotFound
	}
	r, ok := c.docs[id]
	if !ok {
		m.mu.Unlock()
		return Record{}, ErrNotFound
	}
	merged, err := mergeFields(r.Data, fields, exclusive)
	if err != nil {
		m.mu.Unlock()
		return Record{}, err
	}
	r.Data = merged
	r.Version++
	r.UpdatedAt = m.now().UTC()
	out := cloneRecord(r)
	m.mu.Unlock()

	m.publish(Event{Collection: collection, ID: id, Version: out.Version})
	return out, nil
}

func (m *Memory) List(_ context.Context, collection string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.colls[collection]
	if !ok {
		return nil, nil
	}
	out := make([]Record, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, cloneRecord(c.docs[id]))
	}
	return out, nil
}

func (m *Memory) Listen(ctx context.Context, ready func(), fn func(Event)) error {
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.subMu.Unlock()

	ready()
	<-ctx.Done()

	m.subMu.Lock()
	delete(m.subs, id)
	m.subMu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) publish(ev Event) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, fn := range m.subs {
		fn(ev)
	}
}

func cloneRecord(r *Record) Record {
	out := *r
	out.Data = append([]byte(nil), r.Data...)
	return out
}

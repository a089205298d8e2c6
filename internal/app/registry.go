package app

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/store"
	"github.com/rs/zerolog/log"
)

type watchEntry struct {
	Path     string
	Listener store.Listener
}

type clientEntry struct {
	Signal  core.SignalConnection
	Cancel  context.CancelFunc
	watches map[string]*watchEntry
}

// Registry tracks live WebSocket clients and the store subscriptions each
// of them opened.
type Registry struct {
	mu      sync.RWMutex
	clients map[core.ClientID]*clientEntry
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[core.ClientID]*clientEntry),
	}
}

// BindSignal registers a connection. An older connection of the same client
// is unbound first.
func (r *Registry) BindSignal(cid core.ClientID, conn core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	old := r.clients[cid]
	r.clients[cid] = &clientEntry{
		Signal:  conn,
		Cancel:  cancel,
		watches: make(map[string]*watchEntry),
	}
	r.mu.Unlock()

	if old != nil {
		log.Info().Str("module", "app.registry").Str("cid", string(cid)).Msg("replacing signal")
		old.release()
	}
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Msg("bound signal")
}

// Signal returns the live connection of a client, if the client is bound to conn.
func (r *Registry) Signal(cid core.ClientID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.clients[cid]; ok {
		return e.Signal, true
	}
	return nil, false
}

// AddWatch records a subscription. It fails when the client is gone or
// watchID is taken; the caller then owns l and must close it.
func (r *Registry) AddWatch(cid core.ClientID, watchID, path string, l store.Listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[cid]
	if !ok {
		return false
	}
	if _, taken := e.watches[watchID]; taken {
		return false
	}
	e.watches[watchID] = &watchEntry{Path: path, Listener: l}
	log.Debug().Str("module", "app.registry").Str("cid", string(cid)).Str("watch", watchID).Str("path", path).Msg("added watch")
	return true
}

// RemoveWatch closes and forgets one subscription.
func (r *Registry) RemoveWatch(cid core.ClientID, watchID string) bool {
	r.mu.Lock()
	e, ok := r.clients[cid]
	var w *watchEntry
	if ok {
		w = e.watches[watchID]
		delete(e.watches, watchID)
	}
	r.mu.Unlock()
	if w == nil {
		return false
	}
	w.Listener.Close()
	return true
}

// Watches lists the watch ids of a client in sorted order.
func (r *Registry) Watches(cid core.ClientID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[cid]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.watches))
	for id := range e.watches {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Unbind drops the client if conn is still its current connection, closing
// every watch and cancelling its context.
func (r *Registry) Unbind(cid core.ClientID, conn core.SignalConnection) {
	r.mu.Lock()
	e, ok := r.clients[cid]
	if !ok || e.Signal != conn {
		r.mu.Unlock()
		return
	}
	delete(r.clients, cid)
	r.mu.Unlock()

	e.release()
	log.Info().Str("module", "app.registry").Str("cid", string(cid)).Msg("unbind signal")
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (e *clientEntry) release() {
	for _, w := range e.watches {
		w.Listener.Close()
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	if e.Signal != nil {
		e.Signal.Close()
	}
}

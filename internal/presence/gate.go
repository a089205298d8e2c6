package presence

import (
	"context"
	"sync"

	"github.com/dkeye/Callbox/internal/domain"
)

// NameGate collects the display name without blocking the caller that
// supplies it. Initialisation waits on Wait.
type NameGate struct {
	mu    sync.Mutex
	name  string
	ready chan struct{}
}

func NewNameGate() *NameGate {
	return &NameGate{ready: make(chan struct{})}
}

// Submit offers a name. An empty name is rejected so the caller can ask
// again. A later valid name replaces the earlier one.
func (g *NameGate) Submit(name string) error {
	clean, err := domain.ValidateUsername(name)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	first := g.name == ""
	g.name = clean
	if first {
		close(g.ready)
	}
	return nil
}

// Wait blocks until a valid name was submitted.
func (g *NameGate) Wait(ctx context.Context) (string, error) {
	select {
	case <-g.ready:
		return g.Name(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *NameGate) Name() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.name
}

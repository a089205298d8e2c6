package presence

import (
	"context"
	"fmt"

	"github.com/dkeye/Callbox/internal/domain"
	"github.com/dkeye/Callbox/internal/store"
	"github.com/rs/zerolog/log"
)

// Locator answers a single location query.
type Locator interface {
	Locate(ctx context.Context) (domain.Coordinate, error)
}

// StaticLocator reports a fixed position; nil At means no fix.
type StaticLocator struct {
	At *domain.Coordinate
}

func (l StaticLocator) Locate(context.Context) (domain.Coordinate, error) {
	if l.At == nil {
		return domain.Coordinate{}, ErrLocationUnavailable
	}
	return *l.At, nil
}

// Presence ties the users collection to a view.
type Presence struct {
	dir     *Directory
	locator Locator
	view    *View
}

func New(dir *Directory, locator Locator, view *View) *Presence {
	return &Presence{dir: dir, locator: locator, view: view}
}

// Subscribe renders every user record into the view until the listener is
// closed. It does not depend on the local location being known.
func (p *Presence) Subscribe(ctx context.Context) (store.Listener, error) {
	return p.dir.Watch(ctx, func(u domain.User) {
		p.view.Place(u)
	})
}

// Announce waits for the display name, queries the location once and
// stores the user record. The own marker is placed right away under the
// record id so the subscription does not draw it twice.
func (p *Presence) Announce(ctx context.Context, gate *NameGate) (domain.User, error) {
	name, err := gate.Wait(ctx)
	if err != nil {
		return domain.User{}, err
	}
	at, err := p.locator.Locate(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "presence").Msg("no location, not announcing")
		return domain.User{}, fmt.Errorf("locate: %w", err)
	}
	u, err := p.dir.Add(ctx, name, at)
	if err != nil {
		return domain.User{}, err
	}
	p.view.Place(u)
	return u, nil
}

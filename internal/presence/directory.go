// Package presence publishes where users are and keeps a map view of
// everyone who announced themselves.
package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Callbox/internal/domain"
	"github.com/dkeye/Callbox/internal/store"
	"github.com/rs/zerolog/log"
)

const UsersCollection = "users"

var ErrLocationUnavailable = errors.New("location unavailable")

// Directory is the users collection. Records are appended, never changed.
type Directory struct {
	store *store.Store
}

func NewDirectory(s *store.Store) *Directory {
	return &Directory{store: s}
}

// Add stores a new user record and returns it with its id.
func (d *Directory) Add(ctx context.Context, name string, at domain.Coordinate) (domain.User, error) {
	u, err := domain.NewUser(name, at)
	if err != nil {
		return domain.User{}, err
	}
	id, err := d.store.Add(ctx, UsersCollection, u)
	if err != nil {
		return domain.User{}, fmt.Errorf("add user: %w", err)
	}
	u.ID = domain.UserID(id)
	log.Info().Str("module", "presence").Str("user", id).Str("name", u.Username).Msg("user announced")
	return *u, nil
}

func (d *Directory) List(ctx context.Context) ([]domain.User, error) {
	snaps, err := d.store.List(ctx, UsersCollection)
	if err != nil {
		return nil, err
	}
	out := make([]domain.User, 0, len(snaps))
	for _, snap := range snaps {
		u, err := userOf(snap)
		if err != nil {
			log.Warn().Err(err).Str("module", "presence").Str("user", snap.ID).Msg("skip bad user record")
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// Watch calls fn once for every user record, existing ones first.
func (d *Directory) Watch(ctx context.Context, fn func(domain.User)) (store.Listener, error) {
	return d.store.OnChanges(ctx, UsersCollection, func(ch store.Change) {
		if ch.Type != store.ChangeAdded {
			return
		}
		u, err := userOf(ch.Doc)
		if err != nil {
			log.Warn().Err(err).Str("module", "presence").Str("user", ch.Doc.ID).Msg("skip bad user record")
			return
		}
		fn(u)
	})
}

func userOf(snap store.Snapshot) (domain.User, error) {
	var u domain.User
	if err := snap.DataTo(&u); err != nil {
		return domain.User{}, err
	}
	u.ID = domain.UserID(snap.ID)
	return u, nil
}

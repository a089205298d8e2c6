package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Callbox/internal/domain"
	"github.com/dkeye/Callbox/internal/presence"
	"github.com/spf13/pflag"
)

// consoleRenderer prints markers and roster lines as they are placed.
type consoleRenderer struct {
	mu sync.Mutex
}

func (r *consoleRenderer) AddMarker(id domain.UserID, label string, at domain.Coordinate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Printf("marker %s %q at %.6f,%.6f\n", id, label, at.Latitude, at.Longitude)
}

func (r *consoleRenderer) AddRosterEntry(id domain.UserID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Printf("roster %s %s\n", id, name)
}

// announce submits name and writes the user record. view may be nil when
// the caller does not draw the map.
func announce(ctx context.Context, e *env, name string, loc *location, fs *pflag.FlagSet, view *presence.View) error {
	gate := presence.NewNameGate()
	if err := gate.Submit(name); err != nil {
		return err
	}
	var locator presence.StaticLocator
	if loc.set(fs) {
		locator.At = &domain.Coordinate{Latitude: loc.lat, Longitude: loc.lng}
	}
	if view == nil {
		view = presence.NewView(&consoleRenderer{})
	}
	p := presence.New(presence.NewDirectory(e.store), locator, view)
	_, err := p.Announce(ctx, gate)
	return err
}

func runPresence(ctx context.Context, e *env, args []string) error {
	fs := pflag.NewFlagSet("presence", pflag.ContinueOnError)
	name := fs.String("name", "", "display name")
	var loc location
	loc.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	view := presence.NewView(&consoleRenderer{})
	p := presence.New(presence.NewDirectory(e.store), presence.StaticLocator{}, view)
	l, err := p.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	if *name != "" {
		err := announce(ctx, e, *name, &loc, fs, view)
		if errors.Is(err, presence.ErrLocationUnavailable) {
			fmt.Println("location unavailable, not announcing")
		} else if err != nil {
			return err
		}
	}

	<-ctx.Done()
	return nil
}

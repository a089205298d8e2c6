package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Callbox/internal/adapters/rtc"
	"github.com/dkeye/Callbox/internal/call"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/dkeye/Callbox/internal/media"
	"github.com/dkeye/Callbox/internal/signaling"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func newSession(e *env) (*call.Session, error) {
	ice := e.cfg.ICE()
	if err := ice.Validate(); err != nil {
		return nil, err
	}
	api, err := rtc.NewAPI(nil)
	if err != nil {
		return nil, err
	}
	s := call.NewSession(call.Config{
		Mailbox:       signaling.NewMailbox(e.store),
		Source:        media.SyntheticSource{Interval: 20 * time.Millisecond},
		NewConnection: call.PionFactory(api, ice),
	})
	s.OnRemoteTrack(func(t media.TrackInfo) {
		fmt.Printf("remote %s track %s\n", t.Kind, t.ID)
	})
	return s, nil
}

// hold keeps the call up until ctx ends or the transport drops, reporting
// when media flows.
func hold(ctx context.Context, s *call.Session) {
	defer s.Hangup()
	select {
	case <-s.Connected():
		fmt.Println("connected")
	case <-s.Done():
		fmt.Println("call ended")
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-s.Done():
		fmt.Println("call ended")
	case <-ctx.Done():
		log.Info().Str("module", "callbox").Str("call", s.CallID().String()).Msg("hanging up")
	}
}

func runCall(ctx context.Context, e *env, args []string) error {
	fs := pflag.NewFlagSet("call", pflag.ContinueOnError)
	name := fs.String("name", "", "display name to announce on the presence map")
	var loc location
	loc.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *name != "" {
		// Presence is independent of the call; a failure is only logged.
		go func() {
			if err := announce(ctx, e, *name, &loc, fs, nil); err != nil {
				log.Warn().Err(err).Str("module", "callbox").Msg("presence announce failed")
			}
		}()
	}

	s, err := newSession(e)
	if err != nil {
		return err
	}
	id, err := s.Originate(ctx)
	if err != nil {
		s.Hangup()
		return fmt.Errorf("originate: %w", err)
	}
	fmt.Println(id)
	hold(ctx, s)
	return nil
}

func runAnswer(ctx context.Context, e *env, args []string) error {
	fs := pflag.NewFlagSet("answer", pflag.ContinueOnError)
	id := fs.String("id", "", "call id printed by the caller")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("--id is required")
	}

	s, err := newSession(e)
	if err != nil {
		return err
	}
	if err := s.Accept(ctx, domain.CallID(*id)); err != nil {
		s.Hangup()
		return fmt.Errorf("accept %s: %w", *id, err)
	}
	hold(ctx, s)
	return nil
}

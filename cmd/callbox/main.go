// Command callbox is a headless call peer. It talks to the document store
// directly and runs the call, answer, presence and motion flows.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dkeye/Callbox/internal/config"
	"github.com/dkeye/Callbox/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

type command struct {
	usage string
	run   func(ctx context.Context, env *env, args []string) error
	// shared commands meet other peers through the store, so it must be one
	// other processes can reach.
	shared bool
}

var commands = map[string]command{
	"call":     {"call [--name N --lat X --lng Y]", runCall, true},
	"answer":   {"answer --id ID", runAnswer, true},
	"presence": {"presence --name N [--lat X --lng Y]", runPresence, true},
	"motion":   {"motion < readings.jsonl", runMotion, false},
}

var errPrivateStore = errors.New("the memory store lives inside this process and no other peer can reach it; set store.driver to redis or postgres")

// checkDriver refuses a process-local store for commands that need to meet
// another peer.
func checkDriver(cmd command, driver string) error {
	if cmd.shared && driver == store.DriverMemory {
		return errPrivateStore
	}
	return nil
}

// env is what every sub-command shares.
type env struct {
	cfg   *config.Config
	store *store.Store
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: callbox <command> [flags]")
	for _, name := range []string{"call", "answer", "presence", "motion"} {
		fmt.Fprintf(os.Stderr, "  %s\n", commands[name].usage)
	}
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if err := checkDriver(cmd, cfg.Store.Driver); err != nil {
		log.Fatal().Err(err).Str("command", os.Args[1]).Msg("unusable document store")
	}

	e := &env{cfg: cfg}
	if cmd.shared {
		openCtx, openCancel := context.WithTimeout(ctx, 10*time.Second)
		e.store, err = store.Open(openCtx, cfg.StoreOptions())
		openCancel()
		if err != nil {
			log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open document store")
		}
		defer e.store.Close()
	}

	if err := cmd.run(ctx, e, os.Args[2:]); err != nil {
		log.Error().Err(err).Str("command", os.Args[1]).Msg("command failed")
		if e.store != nil {
			_ = e.store.Close()
		}
		cancel()
		os.Exit(1)
	}
}

// location reads the shared --lat/--lng pair; both must be set to count.
type location struct {
	lat, lng float64
}

func (l *location) register(fs *pflag.FlagSet) {
	fs.Float64Var(&l.lat, "lat", 0, "latitude in degrees")
	fs.Float64Var(&l.lng, "lng", 0, "longitude in degrees")
}

func (l *location) set(fs *pflag.FlagSet) bool {
	return fs.Changed("lat") && fs.Changed("lng")
}

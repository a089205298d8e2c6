package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Driver      string
	RedisAddr   string
	PostgresDSN string
}

// Open builds the backend named by opts.Driver and starts a Store over it.
func Open(ctx context.Context, opts Options) (*Store, error) {
	var (
		b   Backend
		err error
	)
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	switch driver {
	case "", DriverMemory:
		driver = DriverMemory
		b = NewMemory()
	case DriverRedis:
		b, err = OpenRedis(ctx, RedisConfig{Addr: opts.RedisAddr})
	case DriverPostgres:
		b, err = OpenPostgres(ctx, PostgresConfig{DSN: opts.PostgresDSN})
	default:
		return nil, fmt.Errorf("store: unknown driver %q", opts.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", driver, err)
	}

	s, err := New(ctx, b)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	log.Info().Str("module", "store").Str("driver", driver).Msg("document store ready")
	return s, nil
}

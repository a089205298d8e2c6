package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisConfig controls redis client behavior.
// Keep it config-driven; defaults should be safe and conservative.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key and the change channel.
	Prefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	PingTimeout  time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.Prefix == "" {
		out.Prefix = "callbox"
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

const (
	redisTxRetries = 8
	redisPingEvery = 30 * time.Second
)

// Redis stores each document as a hash, keeps creation order in a sorted
// set per collection and publishes change events on one channel.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Redis{rdb: rdb, prefix: cfg.Prefix}, nil
}

func (r *Redis) docKey(collection, id string) string {
	return r.prefix + ":doc:" + collection + ":" + id
}

func (r *Redis) orderKey(collection string) string {
	return r.prefix + ":order:" + collection
}

func (r *Redis) seqKey(collection string) string {
	return r.prefix + ":seq:" + collection
}

func (r *Redis) channel() string {
	return r.prefix + ":changes"
}

const (
	fieldData    = "data"
	fieldVersion = "version"
	fieldSeq     = "seq"
	fieldCreated = "created"
	fieldUpdated = "updated"
)

func recordFromHash(collection, id string, h map[string]string) (Record, error) {
	if len(h) == 0 {
		return Record{}, ErrNotFound
	}
	version, err := strconv.ParseInt(h[fieldVersion], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("redis doc %s/%s: bad version: %w", collection, id, err)
	}
	seq, _ := strconv.ParseInt(h[fieldSeq], 10, 64)
	created, _ := strconv.ParseInt(h[fieldCreated], 10, 64)
	updated, _ := strconv.ParseInt(h[fieldUpdated], 10, 64)
	return Record{
		Collection: collection,
		ID:         id,
		Seq:        seq,
		Version:    version,
		CreatedAt:  time.UnixMilli(created).UTC(),
		UpdatedAt:  time.UnixMilli(updated).UTC(),
		Data:       []byte(h[fieldData]),
	}, nil
}

func (r *Redis) Get(ctx context.Context, collection, id string) (Record, error) {
	h, err := r.rdb.HGetAll(ctx, r.docKey(collection, id)).Result()
	if err != nil {
		return Record{}, err
	}
	return recordFromHash(collection, id, h)
}

func (r *Redis) Put(ctx context.Context, collection, id string, data []byte) (Record, error) {
	key := r.docKey(collection, id)
	var out Record
	txf := func(tx *redis.Tx) error {
		h, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if cur, err := recordFromHash(collection, id, h); err == nil {
			out = cur
			out.Version++
		} else {
			seq, err := r.rdb.Incr(ctx, r.seqKey(collection)).Result()
			if err != nil {
				return err
			}
			out = Record{Collection: collection, ID: id, Seq: seq, Version: 1, CreatedAt: now}
		}
		out.UpdatedAt = now
		out.Data = data
		return r.commit(ctx, tx, out)
	}
	if err := r.withRetry(ctx, txf, key); err != nil {
		return Record{}, err
	}
	return out, nil
}

func (r *Redis) Merge(ctx context.Context, collection, id string, fields map[string]json.RawMessage, exclusive bool) (Record, error) {
	key := r.docKey(collection, id)
	var out Record
	txf := func(tx *redis.Tx) error {
		h, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		cur, err := recordFromHash(collection, id, h)
		if err != nil {
			return err
		}
		merged, err := mergeFields(cur.Data, fields, exclusive)
		if err != nil {
			return err
		}
		out = cur
		out.Version++
		out.UpdatedAt = time.Now().UTC()
		out.Data = merged
		return r.commit(ctx, tx, out)
	}
	if err := r.withRetry(ctx, txf, key); err != nil {
		return Record{}, err
	}
	return out, nil
}

func (r *Redis) commit(ctx context.Context, tx *redis.Tx, rec Record) error {
	ev, err := json.Marshal(Event{Collection: rec.Collection, ID: rec.ID, Version: rec.Version})
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.docKey(rec.Collection, rec.ID),
			fieldData, string(rec.Data),
			fieldVersion, rec.Version,
			fieldSeq, rec.Seq,
			fieldCreated, rec.CreatedAt.UnixMilli(),
			fieldUpdated, rec.UpdatedAt.UnixMilli(),
		)
		pipe.ZAddNX(ctx, r.orderKey(rec.Collection), redis.Z{Score: float64(rec.Seq), Member: rec.ID})
		pipe.Publish(ctx, r.channel(), ev)
		return nil
	})
	return err
}

func (r *Redis) withRetry(ctx context.Context, fn func(*redis.Tx) error, key string) error {
	for i := 0; i < redisTxRetries; i++ {
		err := r.rdb.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis: too much contention on %s", key)
}

func (r *Redis) List(ctx context.Context, collection string) ([]Record, error) {
	ids, err := r.rdb.ZRange(ctx, r.orderKey(collection), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.docKey(collection, id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(ids))
	for i, id := range ids {
		rec, err := recordFromHash(collection, id, cmds[i].Val())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Redis) Listen(ctx context.Context, ready func(), fn func(Event)) error {
	ps := r.rdb.Subscribe(ctx, r.channel())
	defer ps.Close()

	// Receive blocks until the subscription is confirmed.
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	ready()

	// Receive hands back every connection error before go-redis quietly
	// resubscribes, so returning here lets the store resync what was missed.
	for {
		msg, err := ps.ReceiveTimeout(ctx, redisPingEvery)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTimeout(err) {
				if err := ps.Ping(ctx); err != nil {
					return fmt.Errorf("redis: ping subscription: %w", err)
				}
				continue
			}
			return fmt.Errorf("redis: receive: %w", err)
		}
		if err := handlePubSub(msg, fn); err != nil {
			return err
		}
	}
}

var errResubscribed = errors.New("redis: subscription re-established")

// handlePubSub delivers one pub/sub frame. A late subscribe confirmation
// means the connection was replaced and events may be missing.
func handlePubSub(msg any, fn func(Event)) error {
	switch m := msg.(type) {
	case *redis.Message:
		var ev Event
		if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
			log.Warn().Err(err).Str("module", "store.redis").Msg("bad change event")
			return nil
		}
		fn(ev)
	case *redis.Pong:
	case *redis.Subscription:
		if m.Kind == "subscribe" {
			return errResubscribed
		}
		return fmt.Errorf("redis: %s from %s", m.Kind, m.Channel)
	default:
		return fmt.Errorf("redis: unexpected pub/sub frame %T", msg)
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

package events

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
)

// DefaultStream is the Redis stream events are mirrored to.
const DefaultStream = "hatchery:events"

// Emitter appends events to the event log.
type Emitter interface {
	Emit(ctx context.Context, ev ops.Event) (ops.Event, error)
}

// Store is the persistence the Bus writes through.
type Store interface {
	InsertEvent(ctx context.Context, ev ops.Event) (ops.Event, error)
}

// Option configures a Bus.
type Option func(*Bus)

// WithRedis mirrors every stored event onto stream.
func WithRedis(client redis.Cmdable, stream string) Option {
	return func(b *Bus) {
		b.redis = client
		if stream != "" {
			b.stream = stream
		}
	}
}

// WithMaxLenApprox trims the stream to roughly maxLen entries.
func WithMaxLenApprox(maxLen int64) Option {
	return func(b *Bus) {
		if maxLen > 0 {
			b.maxLen = maxLen
		}
	}
}

// WithLogger sets the logger used for stream warnings.
func WithLogger(l *log.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// Bus is the Emitter used in production: the store is the system of record,
// the Redis stream is a best-effort feed for dashboards and tailing.
type Bus struct {
	store  Store
	redis  redis.Cmdable
	stream string
	maxLen int64
	logger *log.Logger
}

// NewBus builds a Bus over store.
func NewBus(store Store, opts ...Option) *Bus {
	b := &Bus{
		store:  store,
		stream: DefaultStream,
		maxLen: 10000,
		logger: log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit stores ev and publishes it to the stream. Publish failures are logged, not returned.
func (b *Bus) Emit(ctx context.Context, ev ops.Event) (ops.Event, error) {
	if b.store == nil {
		return ops.Event{}, fmt.Errorf("event store not configured")
	}
	stored, err := b.store.InsertEvent(ctx, ev)
	if err != nil {
		return ops.Event{}, ops.Persist("insert event", err)
	}
	if b.redis != nil {
		if err := b.publish(ctx, stored); err != nil {
			b.logger.Printf("warn: publish event %s (%s): %v", stored.ID, stored.Kind, err)
		}
	}
	return stored, nil
}

func (b *Bus) publish(ctx context.Context, ev ops.Event) error {
	env, err := NewEnvelope(ev)
	if err != nil {
		return err
	}
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{"envelope": raw},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.redis.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// Tail reads up to count envelopes published after lastID ("$" for only new
// ones), waiting up to block for new entries. block <= 0 returns immediately.
func Tail(ctx context.Context, client redis.Cmdable, stream, lastID string, count int64, block time.Duration) ([]Envelope, string, error) {
	if stream == "" {
		stream = DefaultStream
	}
	if lastID == "" {
		lastID = "$"
	}
	if block <= 0 {
		block = -1
	}
	streams, err := client.XRead(ctx, &redis.XReadArgs{Streams: []string{stream, lastID}, Count: count, Block: block}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, lastID, nil
		}
		return nil, lastID, fmt.Errorf("xread: %w", err)
	}
	var out []Envelope
	next := lastID
	for _, st := range streams {
		for _, msg := range st.Messages {
			next = msg.ID
			raw, ok := msg.Values["envelope"].(string)
			if !ok {
				continue
			}
			env, err := UnmarshalEnvelope([]byte(raw))
			if err != nil {
				continue
			}
			out = append(out, env)
		}
	}
	return out, next, nil
}

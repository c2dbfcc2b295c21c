package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLockKey is the Redis key guarding heartbeat ticks.
const DefaultLockKey = "hatchery:heartbeat:lock"

// Lock is a distributed single-flight guard. Acquire returns ok=false when
// another holder has it.
type Lock interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLock holds a SET NX PX key for the duration of a tick. While held, the
// key's TTL is refreshed every TTL/3, so a long tick keeps it; a crashed
// holder stops refreshing and the key expires after TTL.
type RedisLock struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewRedisLock builds a RedisLock. Empty key uses DefaultLockKey.
func NewRedisLock(client redis.Cmdable, key string, ttl time.Duration) *RedisLock {
	if key == "" {
		key = DefaultLockKey
	}
	if ttl <= 0 {
		ttl = 4 * time.Minute
	}
	return &RedisLock{client: client, key: key, ttl: ttl}
}

func (l *RedisLock) Acquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire heartbeat lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.keepAlive(token, stop)
	}()
	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-done
			// only delete our own token; the key may have expired and been re-taken
			_ = releaseScript.Run(context.Background(), l.client, []string{l.key}, token).Err()
		})
	}
	return release, true, nil
}

func (l *RedisLock) keepAlive(token string, stop <-chan struct{}) {
	every := l.ttl / 3
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			n, err := extendScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err == nil && n == 0 {
				// expired and taken by someone else
				return
			}
		}
	}
}

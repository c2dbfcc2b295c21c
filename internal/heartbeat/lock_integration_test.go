package heartbeat_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/heartbeat"
)

func TestRedisLockOutlivesTTLWhileHeldIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	redisC, err := tcRedis.RunContainer(ctx,
		testcontainers.WithImage("redis:7-alpine"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")),
	)
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	defer func() { _ = rdb.Close() }()

	const key = "hatchery:test:lock"
	a := heartbeat.NewRedisLock(rdb, key, 300*time.Millisecond)
	b := heartbeat.NewRedisLock(rdb, key, 300*time.Millisecond)

	release, ok, err := a.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	// several TTLs pass while the tick is still running
	time.Sleep(time.Second)
	if _, ok, err := b.Acquire(ctx); err != nil || ok {
		t.Fatalf("lock expired under a live holder: ok=%v err=%v", ok, err)
	}

	release()
	release()
	if n, err := rdb.Exists(ctx, key).Result(); err != nil || n != 0 {
		t.Fatalf("expected key removed on release: n=%d err=%v", n, err)
	}
	releaseB, ok, err := b.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
	releaseB()
}

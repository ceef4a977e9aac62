package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestLocal_ExclusiveUntilUnlocked(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	unlock, ok, err := l.TryLock(ctx, "sweep")
	if err != nil || !ok {
		t.Fatalf("expected first lock to succeed, got ok=%v err=%v", ok, err)
	}
	if _, ok, _ := l.TryLock(ctx, "sweep"); ok {
		t.Fatal("expected second lock to fail while held")
	}
	if _, ok, _ := l.TryLock(ctx, "other"); !ok {
		t.Error("expected independent key to lock")
	}

	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := unlock(ctx); !errors.Is(err, ErrNotHeld) {
		t.Errorf("expected ErrNotHeld on double unlock, got %v", err)
	}
	if _, ok, _ := l.TryLock(ctx, "sweep"); !ok {
		t.Error("expected lock to be free after unlock")
	}
}

func TestLocal_ConcurrentTryLock(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := l.TryLock(ctx, "sweep"); ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("expected exactly one winner, got %d", winners)
	}
}

func TestRedis_UnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	_, ok, err := NewRedis(client, time.Minute).TryLock(context.Background(), "sweep")
	if err == nil {
		t.Fatal("expected error from unreachable redis")
	}
	if ok {
		t.Error("lock must not be reported as held on error")
	}
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	if _, err := NewRedisClient(context.Background(), "not a url"); err == nil {
		t.Error("expected parse error")
	}
}

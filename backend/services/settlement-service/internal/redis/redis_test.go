package redisstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestLockerExcludesSecondHolder(t *testing.T) {
	_, client := setupMiniredis(t)
	locker := NewGPULocker(client, time.Minute)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "gpu:gpu-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	held, err := locker.held(ctx, "gpu:gpu-1")
	if err != nil || !held {
		t.Fatalf("expected lock held, got %v %v", held, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(waitCtx, "gpu:gpu-1"); err == nil {
		t.Fatal("second lock acquired while first is held")
	}

	unlock()
	unlock2, err := locker.Lock(ctx, "gpu:gpu-1")
	if err != nil {
		t.Fatalf("lock after unlock: %v", err)
	}
	unlock2()
}

func TestLockerReleaseKeepsForeignToken(t *testing.T) {
	mr, client := setupMiniredis(t)
	locker := NewGPULocker(client, time.Second)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "gpu:gpu-2")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	mr.FastForward(2 * time.Second)

	unlockOther, err := locker.Lock(ctx, "gpu:gpu-2")
	if err != nil {
		t.Fatalf("lock after expiry: %v", err)
	}
	unlock()
	if !mr.Exists("settlement:lock:gpu:gpu-2") {
		t.Fatal("stale unlock removed another holder's lock")
	}
	unlockOther()
	if mr.Exists("settlement:lock:gpu:gpu-2") {
		t.Fatal("lock not released")
	}
}

func TestLockerSerialisesGoroutines(t *testing.T) {
	_, client := setupMiniredis(t)
	locker := NewGPULocker(client, time.Minute)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "gpu:shared")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected one holder at a time, saw %d", maxSeen)
	}
}

func TestRateLimitStoreWindow(t *testing.T) {
	mr, client := setupMiniredis(t)
	limiter := NewRateLimitStore(client, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "10.0.0.1")
		if err != nil || !ok {
			t.Fatalf("request %d: expected allowed, got %v %v", i, ok, err)
		}
	}
	ok, err := limiter.Allow(ctx, "10.0.0.1")
	if err != nil || ok {
		t.Fatalf("expected fourth request rejected, got %v %v", ok, err)
	}
	ok, err = limiter.Allow(ctx, "10.0.0.2")
	if err != nil || !ok {
		t.Fatalf("other key must have its own window, got %v %v", ok, err)
	}

	mr.FastForward(time.Minute + time.Second)
	ok, err = limiter.Allow(ctx, "10.0.0.1")
	if err != nil || !ok {
		t.Fatalf("expected allowed after window, got %v %v", ok, err)
	}
}

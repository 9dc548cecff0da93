package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// --- MemoryLocker ---

func TestMemoryLocker_mutualExclusion(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "request:1")
			if err != nil {
				t.Errorf("Lock error: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max holders = %d, want 1", maxInside)
	}
	if l.Held() != 0 {
		t.Errorf("Held() = %d after all unlocks, want 0", l.Held())
	}
}

func TestMemoryLocker_timeout(t *testing.T) {
	l := NewMemoryLocker()

	unlock, err := l.Lock(context.Background(), "request:1")
	if err != nil {
		t.Fatalf("Lock error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "request:1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
	if l.Held() != 1 {
		t.Errorf("Held() = %d, want 1 (timed-out waiter released)", l.Held())
	}
}

func TestMemoryLocker_independentKeys(t *testing.T) {
	l := NewMemoryLocker()

	unlockA, _ := l.Lock(context.Background(), "request:a")
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	unlockB, err := l.Lock(ctx, "request:b")
	if err != nil {
		t.Fatalf("Lock(b) error = %v, want no contention", err)
	}
	unlockB()
}

func TestMemoryLocker_unlockTwice(t *testing.T) {
	l := NewMemoryLocker()

	unlock, _ := l.Lock(context.Background(), "request:1")
	unlock()
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	again, err := l.Lock(ctx, "request:1")
	if err != nil {
		t.Fatalf("Lock after double unlock error = %v", err)
	}
	again()
}

// --- RedisLocker ---

func newTestLocker(t *testing.T) (*miniredis.Miniredis, *RedisLocker) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewRedisLocker(client, "approvals:lock:", time.Minute, 5*time.Millisecond)
}

func TestRedisLocker_LockUnlock(t *testing.T) {
	mr, l := newTestLocker(t)

	unlock, err := l.Lock(context.Background(), "request:1")
	if err != nil {
		t.Fatalf("Lock error: %v", err)
	}
	if !mr.Exists("approvals:lock:request:1") {
		t.Fatal("lock key not set")
	}
	if ttl := mr.TTL("approvals:lock:request:1"); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}

	unlock()
	if mr.Exists("approvals:lock:request:1") {
		t.Error("lock key still set after unlock")
	}
}

func TestRedisLocker_contention(t *testing.T) {
	_, l := newTestLocker(t)

	unlock, _ := l.Lock(context.Background(), "request:1")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "request:1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("contended Lock error = %v, want deadline exceeded", err)
	}

	done := make(chan error, 1)
	go func() {
		u, err := l.Lock(context.Background(), "request:1")
		if err == nil {
			u()
		}
		done <- err
	}()
	unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("waiter Lock error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestRedisLocker_expiredLeaseNotReleasedByOldHolder(t *testing.T) {
	mr, l := newTestLocker(t)

	unlockOld, _ := l.Lock(context.Background(), "request:1")
	mr.FastForward(2 * time.Minute)

	unlockNew, err := l.Lock(context.Background(), "request:1")
	if err != nil {
		t.Fatalf("Lock after expiry error: %v", err)
	}
	defer unlockNew()

	unlockOld()
	if !mr.Exists("approvals:lock:request:1") {
		t.Error("old holder released the new holder's lock")
	}
}

func TestRedisLocker_redisDown(t *testing.T) {
	mr, l := newTestLocker(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := l.Lock(ctx, "request:1"); err == nil {
		t.Fatal("Lock with redis down should fail")
	}
	if err := l.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck with redis down should fail")
	}
}

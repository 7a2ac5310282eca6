package keylock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func exerciseMutualExclusion(t *testing.T, l Locker) {
	t.Helper()
	var inside, maxInside, total int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, unlock, err := l.Lock(context.Background(), "officer:A/123")
			if err != nil {
				t.Errorf("Lock: %v", err)
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
			atomic.AddInt32(&total, 1)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxInside)
	}
	if total != 16 {
		t.Fatalf("expected 16 critical sections, got %d", total)
	}
}

func TestLocal_MutualExclusion(t *testing.T) {
	l := NewLocal()
	exerciseMutualExclusion(t, l)
	if l.Len() != 0 {
		t.Fatalf("expected entries to be dropped, %d left", l.Len())
	}
}

func TestLocal_IndependentKeys(t *testing.T) {
	l := NewLocal()
	_, u1, err := l.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("Lock a: %v", err)
	}
	defer u1()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, u2, err := l.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("different key should not block: %v", err)
	}
	u2()
}

func TestLocal_ContextCancelWhileWaiting(t *testing.T) {
	l := NewLocal()
	_, unlock, _ := l.Lock(context.Background(), "k")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, _, err := l.Lock(ctx, "k"); err == nil {
		t.Fatal("expected timeout while key is held")
	}
	unlock()
	unlock()
	if l.Len() != 0 {
		t.Fatalf("expected no entries after release, got %d", l.Len())
	}
}

func TestRedis_MutualExclusion(t *testing.T) {
	s := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), "redis://"+s.Addr(), RedisOptions{WaitInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer r.Close()

	exerciseMutualExclusion(t, r)
	if keys := s.Keys(); len(keys) != 0 {
		t.Fatalf("expected lock keys to be deleted, got %v", keys)
	}
}

func TestRedis_ReleaseOnlyOwnToken(t *testing.T) {
	s := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), "redis://"+s.Addr(), RedisOptions{Prefix: "t:"})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer r.Close()

	_, unlock, err := r.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	// Simulate expiry and takeover by another process.
	s.Set("t:k", "someone-else")
	unlock()

	got, err := s.Get("t:k")
	if err != nil || got != "someone-else" {
		t.Fatalf("foreign lock must survive release, got %q (%v)", got, err)
	}
}

func TestChain_LocalThenRedis(t *testing.T) {
	s := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), "redis://"+s.Addr(), RedisOptions{WaitInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer r.Close()

	exerciseMutualExclusion(t, Chain(NewLocal(), r))
}

func TestLocal_HeldContextEndsOnUnlock(t *testing.T) {
	held, unlock, err := NewLocal().Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if held.Err() != nil {
		t.Fatal("held context cancelled while the lock is held")
	}
	unlock()
	if !errors.Is(context.Cause(held), context.Canceled) {
		t.Fatalf("expected Canceled after unlock, got %v", context.Cause(held))
	}
}

func waitLost(t *testing.T, held context.Context) {
	t.Helper()
	select {
	case <-held.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("lock loss was not signalled")
	}
	if !errors.Is(context.Cause(held), ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", context.Cause(held))
	}
}

func TestRedis_TakeoverCancelsHeldContext(t *testing.T) {
	s := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), "redis://"+s.Addr(), RedisOptions{Prefix: "t:", TTL: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer r.Close()

	held, unlock, err := r.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock()
	s.Set("t:k", "someone-else")
	waitLost(t, held)
}

func TestRedis_RenewalKeepsLock(t *testing.T) {
	s := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), "redis://"+s.Addr(), RedisOptions{Prefix: "t:", TTL: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer r.Close()

	held, unlock, err := r.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if held.Err() != nil {
		t.Fatalf("lock lost despite renewal: %v", context.Cause(held))
	}
	unlock()
}

func TestChain_PropagatesLoss(t *testing.T) {
	s := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), "redis://"+s.Addr(), RedisOptions{Prefix: "t:", TTL: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer r.Close()

	held, unlock, err := Chain(NewLocal(), r).Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock()
	s.Del("t:k")
	waitLost(t, held)
}

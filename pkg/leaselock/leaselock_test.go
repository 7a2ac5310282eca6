package leaselock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeLocks emulates the app_locks statements in memory.
type fakeLocks struct {
	mu       sync.Mutex
	rows     map[string]lockRow
	extendFn func(key string) error
}

type lockRow struct {
	owner   string
	expires time.Time
}

type row struct {
	val string
	err error
}

func (r row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.val
	return nil
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{rows: map[string]lockRow{}}
}

func (f *fakeLocks) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, owner := args[0].(string), args[1].(string)
	ttl := time.Duration(args[2].(float64) * float64(time.Second))
	cur, held := f.rows[key]
	switch sql {
	case claimSQL:
		if held && cur.expires.After(time.Now()) {
			return row{err: pgx.ErrNoRows}
		}
	case extendSQL:
		if f.extendFn != nil {
			if err := f.extendFn(key); err != nil {
				return row{err: err}
			}
		}
		if !held || cur.owner != owner {
			return row{err: pgx.ErrNoRows}
		}
	}
	f.rows[key] = lockRow{owner: owner, expires: time.Now().Add(ttl)}
	return row{val: owner}
}

func (f *fakeLocks) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sql == releaseSQL {
		key, owner := args[0].(string), args[1].(string)
		if cur, ok := f.rows[key]; ok && cur.owner == owner {
			delete(f.rows, key)
		}
	}
	return pgconn.NewCommandTag("DELETE 1"), nil
}

func (f *fakeLocks) set(key string, r lockRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[key] = r
}

func (f *fakeLocks) held(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[key]
	return ok
}

func TestWithLease_BusyWhileHeld(t *testing.T) {
	f := newFakeLocks()
	c := newClient(f, Options{TTL: time.Minute, Owner: "w1"})
	other := newClient(f, Options{TTL: time.Minute, Owner: "w2"})
	ctx := context.Background()
	key := InputKey("s3://feeds/officers.jsonl")

	err := c.WithLease(ctx, key, func(ctx context.Context) error {
		if err := other.WithLease(ctx, key, func(context.Context) error { return nil }); !errors.Is(err, ErrBusy) {
			t.Errorf("expected ErrBusy, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLease: %v", err)
	}
	if f.held(key) {
		t.Fatal("lease row should be released")
	}
	if err := other.WithLease(ctx, key, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("lease should be free after release: %v", err)
	}
}

func TestWithLease_ReturnsRunError(t *testing.T) {
	c := newClient(newFakeLocks(), Options{TTL: time.Minute})
	boom := errors.New("boom")
	if err := c.WithLease(context.Background(), "k", func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected run error, got %v", err)
	}
}

func TestWithLease_ReclaimsExpiredLease(t *testing.T) {
	f := newFakeLocks()
	f.set("k", lockRow{owner: "crashed:abc", expires: time.Now().Add(-time.Second)})
	c := newClient(f, Options{TTL: time.Minute})

	ran := false
	if err := c.WithLease(context.Background(), "k", func(context.Context) error {
		ran = true
		return nil
	}); err != nil || !ran {
		t.Fatalf("expected expired lease to be reclaimed, got %v ran=%v", err, ran)
	}
}

func TestWithLease_ToleratesFailedExtensionBeforeExpiry(t *testing.T) {
	f := newFakeLocks()
	var mu sync.Mutex
	calls := 0
	f.extendFn = func(string) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("connection reset")
		}
		return nil
	}
	c := newClient(f, Options{TTL: 200 * time.Millisecond, RenewEvery: 10 * time.Millisecond})

	err := c.WithLease(context.Background(), "k", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(60 * time.Millisecond):
			return nil
		}
	})
	if err != nil {
		t.Fatalf("a single failed extension must not lose the lease: %v", err)
	}
}

func TestWithLease_LostLeaseCancelsWork(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fakeLocks)
	}{
		{"extension keeps failing", func(f *fakeLocks) {
			f.extendFn = func(string) error { return errors.New("connection reset") }
		}},
		{"taken over", func(f *fakeLocks) {
			f.extendFn = func(key string) error {
				f.rows[key] = lockRow{owner: "intruder", expires: time.Now().Add(time.Minute)}
				return nil
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeLocks()
			tt.setup(f)
			c := newClient(f, Options{TTL: 30 * time.Millisecond, RenewEvery: 5 * time.Millisecond})

			err := c.WithLease(context.Background(), "k", func(ctx context.Context) error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(2 * time.Second):
					return errors.New("lease loss not noticed")
				}
			})
			if !errors.Is(err, ErrLost) {
				t.Fatalf("expected ErrLost, got %v", err)
			}
		})
	}
}

func TestInputKey(t *testing.T) {
	a := InputKey("s3://feeds/a.jsonl")
	if a != InputKey("  s3://feeds/a.jsonl\n") {
		t.Fatal("whitespace should not change the key")
	}
	if a == InputKey("s3://feeds/b.jsonl") {
		t.Fatal("different inputs share a key")
	}
}

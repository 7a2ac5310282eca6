// Package leaselock guards ingestion runs with expiring leases stored in the
// app_locks table, so two workers never ingest the same input at once.
package leaselock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/lawgraph/ingest/pkg/logger"
)

var (
	// ErrBusy is returned when another owner holds an unexpired lease.
	ErrBusy = errors.New("input lease held elsewhere")
	// ErrLost is the cancellation cause of a run whose lease could not be
	// extended before it expired.
	ErrLost = errors.New("input lease lost")
)

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Options configure every lease a Client takes. Owner is recorded in
// app_locks.locked_by ahead of a random suffix.
type Options struct {
	TTL        time.Duration
	RenewEvery time.Duration
	Owner      string
}

type Client struct {
	db    dbConn
	ttl   time.Duration
	every time.Duration
	owner string
}

func New(pool *pgxpool.Pool, opts Options) *Client {
	return newClient(pool, opts)
}

func newClient(db dbConn, opts Options) *Client {
	c := &Client{db: db, ttl: opts.TTL, every: opts.RenewEvery, owner: opts.Owner}
	if c.ttl <= 0 {
		c.ttl = 5 * time.Minute
	}
	if c.every <= 0 || c.every >= c.ttl {
		c.every = c.ttl / 3
	}
	if c.owner == "" {
		c.owner = "worker"
	}
	return c
}

// InputKey derives the lease key for an input uri, ignoring surrounding
// whitespace.
func InputKey(uri string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(uri)))
	return "ingest:input:" + hex.EncodeToString(sum[:12])
}

// WithLease claims key, runs fn and releases the lease afterwards. It does
// not wait: a held lease fails with ErrBusy and the caller retries later. If
// the lease cannot be extended before it expires, fn's context is cancelled
// with ErrLost and WithLease returns that cause.
func (c *Client) WithLease(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if key == "" {
		return errors.New("lease key is empty")
	}
	suffix, err := gonanoid.New()
	if err != nil {
		return err
	}
	token := c.owner + ":" + suffix

	if err := c.claim(ctx, key, token); err != nil {
		return err
	}
	logger.Debug("[Lease] Claimed", "key", key, "owner", token, "ttl", c.ttl)

	runCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go c.hold(runCtx, cancel, key, token, done)

	err = fn(runCtx)
	lost := context.Cause(runCtx)
	cancel(context.Canceled)
	<-done

	if _, rerr := c.db.Exec(context.WithoutCancel(ctx), releaseSQL, key, token); rerr != nil {
		logger.Warn("[Lease] Release failed", "key", key, "err", rerr)
	}
	if errors.Is(lost, ErrLost) {
		return ErrLost
	}
	return err
}

func (c *Client) claim(ctx context.Context, key, token string) error {
	var holder string
	err := c.db.QueryRow(ctx, claimSQL, key, token, c.ttl.Seconds()).Scan(&holder)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrBusy
	case err != nil:
		return fmt.Errorf("claim lease: %w", err)
	case holder != token:
		return ErrBusy
	}
	return nil
}

// hold extends the lease every c.every. Failed extensions are retried on the
// next tick; the lease only counts as lost once its last confirmed expiry has
// passed or the row has been taken over.
func (c *Client) hold(ctx context.Context, cancel context.CancelCauseFunc, key, token string, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(c.every)
	defer t.Stop()
	expires := time.Now().Add(c.ttl)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		ectx, ecancel := context.WithTimeout(ctx, c.every)
		var holder string
		err := c.db.QueryRow(ectx, extendSQL, key, token, c.ttl.Seconds()).Scan(&holder)
		ecancel()
		switch {
		case err == nil:
			expires = time.Now().Add(c.ttl)
			continue
		case errors.Is(err, pgx.ErrNoRows):
			logger.Error("[Lease] Taken over", "key", key)
			cancel(ErrLost)
			return
		case ctx.Err() != nil:
			return
		}
		if !time.Now().Before(expires) {
			logger.Error("[Lease] Expired while extension failed", "key", key, "err", err)
			cancel(ErrLost)
			return
		}
		logger.Warn("[Lease] Extension failed, retrying", "key", key, "err", err)
	}
}

const claimSQL = `
INSERT INTO app_locks AS l (lock_key, locked_by, expires_at)
VALUES ($1, $2, now() + make_interval(secs => $3::double precision))
ON CONFLICT (lock_key) DO UPDATE
   SET locked_by = EXCLUDED.locked_by,
       expires_at = EXCLUDED.expires_at
 WHERE l.expires_at < now()
RETURNING l.locked_by;
`

const extendSQL = `
UPDATE app_locks
   SET expires_at = now() + make_interval(secs => $3::double precision)
 WHERE lock_key = $1 AND locked_by = $2
RETURNING locked_by;
`

const releaseSQL = `
DELETE FROM app_locks
 WHERE lock_key = $1 AND locked_by = $2;
`

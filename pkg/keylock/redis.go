package keylock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/lawgraph/ingest/pkg/logger"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisOptions tunes the distributed lock.
type RedisOptions struct {
	Prefix       string
	TTL          time.Duration
	WaitInterval time.Duration
}

// Redis is a distributed per-key lock for several loader processes sharing one
// graph. Keys are held with SET NX PX and renewed while held.
type Redis struct {
	client *redis.Client
	opts   RedisOptions
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(ctx context.Context, redisURL string, opts RedisOptions) (*Redis, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(ropts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, opts), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, opts RedisOptions) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "ingest:lock:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.WaitInterval <= 0 {
		opts.WaitInterval = 25 * time.Millisecond
	}
	return &Redis{client: client, opts: opts}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Lock(ctx context.Context, key string) (context.Context, func(), error) {
	token, err := gonanoid.New()
	if err != nil {
		return nil, nil, err
	}
	k := r.opts.Prefix + key

	for {
		ok, err := r.client.SetNX(ctx, k, token, r.opts.TTL).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(r.opts.WaitInterval)))
		t := time.NewTimer(r.opts.WaitInterval + jitter)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, nil, ctx.Err()
		case <-t.C:
		}
	}

	held, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go r.renewLoop(held, cancel, k, token, time.Now().Add(r.opts.TTL), done)

	var once sync.Once
	return held, func() {
		once.Do(func() {
			cancel(context.Canceled)
			<-done
			r.release(ctx, key, k, token)
		})
	}, nil
}

func (r *Redis) release(ctx context.Context, key, k, token string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(rctx, r.client, []string{k}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		logger.Warn("[Keylock] release failed", "key", key, "err", err)
	}
}

// renewLoop extends the key every TTL/3 until held is done. A key that no
// longer carries token, or that could not be extended before its last known
// expiry, cancels held with ErrLockLost.
func (r *Redis) renewLoop(held context.Context, cancel context.CancelCauseFunc, k, token string, expires time.Time, done chan<- struct{}) {
	defer close(done)
	every := r.opts.TTL / 3
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-held.Done():
			return
		case <-t.C:
		}
		ctx, ctxCancel := context.WithTimeout(context.WithoutCancel(held), every)
		n, err := renewScript.Run(ctx, r.client, []string{k}, token, r.opts.TTL.Milliseconds()).Int64()
		ctxCancel()
		switch {
		case err == nil && n == 1:
			expires = time.Now().Add(r.opts.TTL)
			continue
		case err == nil:
			logger.Warn("[Keylock] lock taken over while held", "key", k)
			cancel(ErrLockLost)
			return
		case !time.Now().Before(expires):
			logger.Warn("[Keylock] lock expired while renewal failed", "key", k, "err", err)
			cancel(ErrLockLost)
			return
		}
		logger.Debug("[Keylock] renewal failed, retrying", "key", k, "err", err)
	}
}

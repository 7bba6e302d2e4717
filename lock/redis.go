package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL          = 30 * time.Second
	defaultPollInterval = 50 * time.Millisecond
)

// renewScript extends the key's TTL only if it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker backed by SET NX PX. A held lock is renewed every
// ttl/3 until it is released or the holder's context ends, so a dead holder
// frees the key after at most ttl.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

// NewRedisLocker creates a locker whose keys are namespaced by prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		poll:   defaultPollInterval,
		logger: logger,
	}
}

// NewRedisLockerFromURL parses a redis:// URL and creates a locker.
func NewRedisLockerFromURL(url, prefix string, ttl time.Duration, logger *slog.Logger) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisLocker(redis.NewClient(opts), prefix, ttl, logger), nil
}

// Lock polls until the key is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	_, unlock, err := l.LockLease(ctx, key)
	return unlock, err
}

// LockLease acquires key and renews it in the background. The returned context
// is cancelled with ErrLockLost when the token disappears from Redis or when
// renewal keeps failing until the lease is about to run out.
func (l *RedisLocker) LockLease(ctx context.Context, key string) (context.Context, func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	acquiredAt, err := l.acquire(ctx, redisKey, token)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	held, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.renew(held, cancel, stop, key, redisKey, token, acquiredAt.Add(l.ttl))
	}()

	var once sync.Once
	return held, func() {
		once.Do(func() {
			close(stop)
			<-done
			cancel(nil)

			// The caller's context may already be cancelled; release on a fresh one.
			rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer rcancel()
			if err := releaseScript.Run(rctx, l.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				l.logger.Warn("failed to release lock", "key", key, "error", err)
			}
		})
	}, nil
}

// acquire returns the time just before the successful SET, which bounds when
// the key can expire.
func (l *RedisLocker) acquire(ctx context.Context, redisKey, token string) (time.Time, error) {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		attempt := time.Now()
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return time.Time{}, err
		}
		if ok {
			return attempt, nil
		}

		select {
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) renew(ctx context.Context, cancel context.CancelCauseFunc, stop <-chan struct{}, key, redisKey, token string, validUntil time.Time) {
	interval := l.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Give up one interval before the key could expire.
	giveUp := time.NewTimer(time.Until(validUntil) - interval)
	defer giveUp.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-giveUp.C:
			l.logger.Warn("lock lease ran out before it could be renewed", "key", key)
			cancel(ErrLockLost)
			return
		case <-ticker.C:
		}

		attempt := time.Now()
		rctx, rcancel := context.WithTimeout(ctx, interval)
		renewed, err := renewScript.Run(rctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
		rcancel()

		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			l.logger.Warn("failed to renew lock", "key", key, "error", err)
		case renewed == 0:
			l.logger.Warn("lock taken over or expired", "key", key)
			cancel(ErrLockLost)
			return
		default:
			giveUp.Reset(time.Until(attempt.Add(l.ttl)) - interval)
		}
	}
}

// Close releases the underlying client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

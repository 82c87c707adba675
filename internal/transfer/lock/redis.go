package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"

	id "remit/pkg/domain"
	dErrors "remit/pkg/domain-errors"
)

const (
	defaultLockExpiry = 10 * time.Second
	defaultLockTries  = 32
	defaultRetryDelay = 25 * time.Millisecond
	keyPrefix         = "remit:lock:account:"
)

// Redis is a Locker shared across processes. Each account is one redsync
// mutex; mutexes are taken in ascending id order and released in reverse.
type Redis struct {
	rs     *redsync.Redsync
	expiry time.Duration
	tries  int
	delay  time.Duration
	logger *slog.Logger
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithExpiry sets how long an intent survives a crashed holder.
func WithExpiry(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.expiry = d
		}
	}
}

// WithRetry sets the acquisition attempts per account and the delay between them.
func WithRetry(tries int, delay time.Duration) RedisOption {
	return func(r *Redis) {
		if tries > 0 {
			r.tries = tries
		}
		if delay > 0 {
			r.delay = delay
		}
	}
}

// WithRedisLogger sets the logger for release failures.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(r *Redis) {
		r.logger = logger
	}
}

func NewRedis(client goredislib.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: defaultLockExpiry,
		tries:  defaultLockTries,
		delay:  defaultRetryDelay,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) Acquire(ctx context.Context, accounts ...id.AccountID) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "write intent aborted: context cancelled")
	}

	var held []*redsync.Mutex
	release := func() {
		// Release must run even when the request context is gone.
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			if ok, err := held[i].UnlockContext(unlockCtx); !ok || err != nil {
				r.logger.WarnContext(ctx, "failed to release write intent",
					"lock_key", held[i].Name(),
					"error", err,
				)
			}
		}
	}

	for _, acc := range ordered(accounts) {
		mutex := r.rs.NewMutex(keyPrefix+acc.String(),
			redsync.WithExpiry(r.expiry),
			redsync.WithTries(r.tries),
			redsync.WithRetryDelay(r.delay),
		)
		if err := mutex.LockContext(ctx); err != nil {
			release()
			if ctx.Err() != nil || errors.Is(err, redsync.ErrFailed) {
				return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "timed out waiting for write intent")
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to acquire write intent")
		}
		held = append(held, mutex)
	}
	return release, nil
}

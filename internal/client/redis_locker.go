package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

var errLockHeld = stderrors.New("approval lock is held")

// releaseScript deletes the key only while it still carries our token, so an
// expired lock taken over by another replica is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLockerConfig tunes lock expiry and acquisition retries.
type RedisLockerConfig struct {
	Prefix        string
	TTL           time.Duration
	RetryAttempts uint
	RetryDelay    time.Duration
}

// RedisLocker serializes work on an approval across replicas with a
// SET NX PX token lock.
type RedisLocker struct {
	client redis.UniversalClient
	cfg    RedisLockerConfig
}

// NewRedisLocker creates a new RedisLocker.
func NewRedisLocker(client redis.UniversalClient, cfg RedisLockerConfig) *RedisLocker {
	if cfg.Prefix == "" {
		cfg.Prefix = "approvals:lock"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 50
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	return &RedisLocker{client: client, cfg: cfg}
}

// WithLock runs fn while holding the approval's lock. fn must finish within
// the configured TTL.
func (l *RedisLocker) WithLock(ctx context.Context, approvalID int64, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("%s:%d", l.cfg.Prefix, approvalID)
	token := uuid.NewString()

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(l.cfg.RetryAttempts),
		retry.Delay(l.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	err := r.Do(func() error {
		ok, err := l.client.SetNX(ctx, key, token, l.cfg.TTL).Result()
		if err != nil {
			return err
		}
		if !ok {
			return errLockHeld
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if stderrors.Is(err, errLockHeld) {
			return errors.Wrap(err, errors.ErrCodeUnavailable, "approval is busy, try again")
		}
		return errors.Wrap(err, errors.ErrCodeUnavailable, "failed to lock approval")
	}

	defer func() {
		_ = releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{key}, token).Err()
	}()
	return fn(ctx)
}

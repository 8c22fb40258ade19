package distlock

import (
	"context"
	"fmt"
	"time"

	"github.com/example/mall-core/internal/redisx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Compare-and-delete / compare-and-expire. Token must match the current
// holder or the call is a no-op; this is what keeps a slow holder from
// releasing a lock that already expired and was re-acquired by someone else.
var (
	releaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
else
  return 0
end`)

	renewScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('pexpire', KEYS[1], ARGV[2])
else
  return 0
end`)
)

const (
	DefaultTTL           = 30 * time.Second
	DefaultRetryAttempts = 3
	DefaultRetryInterval = 100 * time.Millisecond
)

type Locker struct {
	RDB *redis.Client
}

func New(rdb *redis.Client) *Locker { return &Locker{RDB: rdb} }

func key(resource string) string { return fmt.Sprintf(redisx.KeyLock, resource) }

// NewToken returns a holder token unique to one acquisition attempt.
func NewToken() string { return uuid.NewString() }

// Acquire sets the lock key only if absent. At most one concurrent caller wins.
func (l *Locker) Acquire(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	return l.RDB.SetNX(ctx, key(resource), token, ttl).Result()
}

// AcquireRetry retries a bounded number of times with a fixed delay, then
// reports not-acquired. It never blocks past attempts*interval.
func (l *Locker) AcquireRetry(ctx context.Context, resource, token string, ttl time.Duration, attempts int, interval time.Duration) (bool, error) {
	ok, err := l.Acquire(ctx, resource, token, ttl)
	if err != nil || ok {
		return ok, err
	}
	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
		ok, err = l.Acquire(ctx, resource, token, ttl)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// Release deletes the lock only if token still matches the holder.
func (l *Locker) Release(ctx context.Context, resource, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.RDB, []string{key(resource)}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Renew extends the TTL only if token still matches the holder.
func (l *Locker) Renew(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, l.RDB, []string{key(resource)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IsHeld reports whether any holder currently owns the resource.
func (l *Locker) IsHeld(ctx context.Context, resource string) (bool, error) {
	return redisx.Exists(ctx, l.RDB, key(resource))
}

// TTLRemaining returns the remaining lifetime of the lock, or a negative
// duration if the key does not exist (go-redis convention).
func (l *Locker) TTLRemaining(ctx context.Context, resource string) (time.Duration, error) {
	return l.RDB.TTL(ctx, key(resource)).Result()
}

package cacheshield

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"

	"github.com/example/mall-core/internal/distlock"
	"github.com/example/mall-core/internal/redisx"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when the backing store confirmed the row is absent.
// Callers must not confuse it with infrastructure failures.
var ErrNotFound = errors.New("cacheshield: not found")

// Loader fetches the value from the backing store. Returning ErrNotFound
// caches a null marker so repeated lookups of a missing key stay off the
// database for TTLNullMarker.
type Loader func(ctx context.Context) ([]byte, error)

const (
	mutexTTL       = 10 * time.Second
	waitInterval   = 100 * time.Millisecond
	waitAttempts   = 5
	jitterLow      = 0.8
	jitterHigh     = 1.2
	mutexKeyPrefix = "cache:"
)

type Shield struct {
	RDB  *redis.Client
	Lock *distlock.Locker
}

func New(rdb *redis.Client, lock *distlock.Locker) *Shield {
	return &Shield{RDB: rdb, Lock: lock}
}

// GetOrLoad is the read-through path with breakdown, penetration and
// avalanche protection:
//   - hit -> return; null-marker hit -> ErrNotFound without touching the DB
//   - miss -> per-key mutex, double-check, load, write with jittered TTL
//   - mutex contended -> bounded cache re-polls, then a direct uncached load;
//     cache contention alone never fails the caller.
func (s *Shield) GetOrLoad(ctx context.Context, key string, ttl time.Duration, loader Loader) ([]byte, error) {
	if v, err := s.lookup(ctx, key); err == nil || errors.Is(err, ErrNotFound) {
		return v, err
	}

	token := distlock.NewToken()
	acquired, err := s.Lock.Acquire(ctx, mutexKeyPrefix+key, token, mutexTTL)
	if err != nil {
		// redis degraded: bypass the cache entirely
		log.Printf("cacheshield: mutex acquire failed, direct load: key=%s err=%v", key, err)
		return loader(ctx)
	}

	if !acquired {
		// another caller is loading; poll the cache a few times
		for i := 0; i < waitAttempts; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(waitInterval):
			}
			if v, err := s.lookup(ctx, key); err == nil || errors.Is(err, ErrNotFound) {
				return v, err
			}
		}
		// last-resort degrade, uncached
		return loader(ctx)
	}
	defer func() {
		if _, err := s.Lock.Release(ctx, mutexKeyPrefix+key, token); err != nil {
			log.Printf("cacheshield: mutex release: key=%s err=%v", key, err)
		}
	}()

	// double-check under the mutex
	if v, err := s.lookup(ctx, key); err == nil || errors.Is(err, ErrNotFound) {
		return v, err
	}

	v, err := loader(ctx)
	if errors.Is(err, ErrNotFound) {
		if serr := s.RDB.Set(ctx, key, redisx.NullMarker, redisx.TTLNullMarker).Err(); serr != nil {
			log.Printf("cacheshield: null-marker set: key=%s err=%v", key, serr)
		}
		return nil, ErrNotFound
	}
	if err != nil {
		// loader failure: leave cache unset, surface the error
		log.Printf("cacheshield: loader failed: key=%s err=%v", key, err)
		return nil, err
	}
	if serr := s.RDB.Set(ctx, key, v, Jitter(ttl)).Err(); serr != nil {
		log.Printf("cacheshield: cache set: key=%s err=%v", key, serr)
	}
	return v, nil
}

// Invalidate drops the cached entry so the next read goes through the loader.
func (s *Shield) Invalidate(ctx context.Context, key string) error {
	return s.RDB.Del(ctx, key).Err()
}

// lookup returns (value, nil) on hit, (nil, ErrNotFound) on null-marker hit,
// and (nil, redis.Nil) on miss.
func (s *Shield) lookup(ctx context.Context, key string) ([]byte, error) {
	v, err := s.RDB.Get(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if v == redisx.NullMarker {
		return nil, ErrNotFound
	}
	return []byte(v), nil
}

// Jitter spreads expiries over base*[0.8,1.2) so entries written together do
// not expire together.
func Jitter(base time.Duration) time.Duration {
	f := jitterLow + rand.Float64()*(jitterHigh-jitterLow)
	return time.Duration(float64(base) * f)
}

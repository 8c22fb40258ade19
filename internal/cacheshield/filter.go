package cacheshield

import (
	"context"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// Filter gates lookups with an approximate membership set. A negative answer
// is definitive (the key can never exist), the strongest penetration guard.
// Keys are added when rows are created and when a load proves existence.
type Filter struct {
	mu sync.RWMutex
	bf *bloom.BloomFilter
}

// NewFilter sizes the bloom filter for n expected keys at false-positive
// rate fp.
func NewFilter(n uint, fp float64) *Filter {
	return &Filter{bf: bloom.NewWithEstimates(n, fp)}
}

func (f *Filter) Add(key string) {
	f.mu.Lock()
	f.bf.AddString(key)
	f.mu.Unlock()
}

func (f *Filter) MayExist(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bf.TestString(key)
}

// GetOrLoadFiltered short-circuits with ErrNotFound when the filter rules the
// key out, before any cache or database access.
func (s *Shield) GetOrLoadFiltered(ctx context.Context, f *Filter, key string, ttl time.Duration, loader Loader) ([]byte, error) {
	if !f.MayExist(key) {
		return nil, ErrNotFound
	}
	v, err := s.GetOrLoad(ctx, key, ttl, loader)
	if err == nil {
		f.Add(key) // keep the filter warm for keys proven to exist
	}
	return v, err
}

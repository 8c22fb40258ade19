package stock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newFlashPool(t *testing.T, cap int) *FlashPool {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return &FlashPool{RDB: rdb, PerUserCap: cap}
}

func TestDeductUnprimedPool(t *testing.T) {
	p := newFlashPool(t, 1)

	out, err := p.Deduct(context.Background(), "o1", "promo", "sku-1", "u1", 1)
	require.Error(t, err)
	require.Equal(t, OutcomeConflict, out)
}

func TestDeductAndSellOut(t *testing.T) {
	p := newFlashPool(t, 10)
	ctx := context.Background()

	require.NoError(t, p.Prime(ctx, "promo", "sku-1", 5))

	out, err := p.Deduct(ctx, "o1", "promo", "sku-1", "u1", 3)
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, out)

	n, err := p.Remaining(ctx, "sku-1")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	out, err = p.Deduct(ctx, "o2", "promo", "sku-1", "u2", 3)
	require.NoError(t, err)
	require.Equal(t, OutcomeInsufficient, out, "pool must never go negative")

	n, err = p.Remaining(ctx, "sku-1")
	require.NoError(t, err)
	require.Equal(t, 2, n, "a rejected deduct must not touch the counter")
}

func TestPerUserCap(t *testing.T) {
	p := newFlashPool(t, 1)
	ctx := context.Background()

	require.NoError(t, p.Prime(ctx, "promo", "sku-1", 10))

	out, err := p.Deduct(ctx, "o1", "promo", "sku-1", "u1", 1)
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, out)

	out, err = p.Deduct(ctx, "o2", "promo", "sku-1", "u1", 1)
	require.NoError(t, err)
	require.Equal(t, OutcomeUserCapped, out)

	n, err := p.Remaining(ctx, "sku-1")
	require.NoError(t, err)
	require.Equal(t, 9, n, "capped attempt must not consume stock")

	// a different user is unaffected
	out, err = p.Deduct(ctx, "o3", "promo", "sku-1", "u2", 1)
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, out)
}

func TestRestoreReleasesStockAndUserQuota(t *testing.T) {
	p := newFlashPool(t, 1)
	ctx := context.Background()

	require.NoError(t, p.Prime(ctx, "promo", "sku-1", 5))

	out, err := p.Deduct(ctx, "o1", "promo", "sku-1", "u1", 1)
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, out)

	require.NoError(t, p.Restore(ctx, "o1", "promo", "sku-1", "u1", 1))

	n, err := p.Remaining(ctx, "sku-1")
	require.NoError(t, err)
	require.Equal(t, 5, n)

	// the user may buy again after the compensation
	out, err = p.Deduct(ctx, "o2", "promo", "sku-1", "u1", 1)
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, out)
}

func TestConcurrentDeductsNeverOversell(t *testing.T) {
	p := newFlashPool(t, 1)
	ctx := context.Background()

	require.NoError(t, p.Prime(ctx, "promo", "sku-1", 10))

	const buyers = 25
	var ok int32
	errs := make([]error, buyers)
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := p.Deduct(ctx, "o", "promo", "sku-1", string(rune('a'+i)), 1)
			errs[i] = err
			if out == OutcomeOK {
				atomic.AddInt32(&ok, 1)
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, int32(10), atomic.LoadInt32(&ok), "exactly pool size may win")
	n, err := p.Remaining(ctx, "sku-1")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRemainingUnprimed(t *testing.T) {
	p := newFlashPool(t, 1)
	n, err := p.Remaining(context.Background(), "nope")
	require.NoError(t, err)
	require.Equal(t, -1, n)
}

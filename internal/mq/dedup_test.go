package mq

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newDeduper(t *testing.T) *Deduper {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return &Deduper{RDB: rdb, Service: "worker"}
}

func TestDedupDropsSecondDelivery(t *testing.T) {
	d := newDeduper(t)
	ctx := context.Background()

	calls := 0
	h := d.Wrap(func(ctx context.Context, del amqp.Delivery) error {
		calls++
		return nil
	})

	del := amqp.Delivery{MessageId: "ev-1"}
	require.NoError(t, h(ctx, del))
	require.NoError(t, h(ctx, del), "duplicate must be acked, not retried")
	require.Equal(t, 1, calls)
}

func TestDedupReleasesClaimOnFailure(t *testing.T) {
	d := newDeduper(t)
	ctx := context.Background()

	calls := 0
	h := d.Wrap(func(ctx context.Context, del amqp.Delivery) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})

	del := amqp.Delivery{MessageId: "ev-1"}
	require.Error(t, h(ctx, del))
	require.NoError(t, h(ctx, del), "redelivery after failure must be processed")
	require.Equal(t, 2, calls)
}

func TestDedupPassesThroughWithoutMessageID(t *testing.T) {
	d := newDeduper(t)
	ctx := context.Background()

	calls := 0
	h := d.Wrap(func(ctx context.Context, del amqp.Delivery) error {
		calls++
		return nil
	})

	require.NoError(t, h(ctx, amqp.Delivery{}))
	require.NoError(t, h(ctx, amqp.Delivery{}))
	require.Equal(t, 2, calls, "unidentified deliveries cannot be deduplicated")
}

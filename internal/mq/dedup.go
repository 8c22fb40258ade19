package mq

import (
	"context"
	"fmt"
	"log"

	"github.com/example/mall-core/internal/redisx"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// Deduper drops deliveries whose event id was already processed by this
// service. The claim is taken before the handler runs and given back on
// failure, so a redelivered message can still be retried.
type Deduper struct {
	RDB     *redis.Client
	Service string
}

func (d *Deduper) Wrap(h Handler) Handler {
	return func(ctx context.Context, del amqp.Delivery) error {
		if del.MessageId == "" {
			return h(ctx, del)
		}
		key := fmt.Sprintf(redisx.KeyDedup, d.Service, del.MessageId)
		claimed, err := d.RDB.SetNX(ctx, key, 1, redisx.TTLDedup).Result()
		if err != nil {
			// redis degraded: process anyway, handlers are idempotent
			log.Printf("mq: dedup claim failed, processing: msg=%s err=%v", del.MessageId, err)
			return h(ctx, del)
		}
		if !claimed {
			log.Printf("mq: duplicate delivery dropped: queue=%s msg=%s", FirstDeathQueue(del), del.MessageId)
			return nil
		}
		if herr := h(ctx, del); herr != nil {
			_ = d.RDB.Del(ctx, key)
			return herr
		}
		return nil
	}
}

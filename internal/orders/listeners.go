package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/example/mall-core/internal/mq"
	"github.com/example/mall-core/internal/redisx"
	"github.com/redis/go-redis/v9"
)

// CacheRefreshListener keeps the hot order-status key in step with committed
// transitions. Terminal states still get written (readers want to see
// CANCELLED, not a miss), the TTL bounds staleness if a write is lost.
func CacheRefreshListener(rdb *redis.Client) Observer {
	return func(ctx context.Context, ev StatusChanged) {
		key := fmt.Sprintf(redisx.KeyOrderStatus, ev.OrderID)
		body, _ := json.Marshal(map[string]any{
			"order_id": ev.OrderID,
			"order_no": ev.OrderNo,
			"status":   ev.NewStatus,
		})
		if err := rdb.Set(ctx, key, body, redisx.TTLStatusCache).Err(); err != nil {
			log.Printf("orders: status cache refresh: order=%s err=%v", ev.OrderID, err)
		}
	}
}

// PublishStatusListener mirrors every committed transition onto the fabric
// under order.status.<old>.<new>, plus the coarse cancel/complete keys that
// downstream consumers (notifications, fulfilment) bind to.
func PublishStatusListener(pub *mq.Publisher, producer string) Observer {
	return func(ctx context.Context, ev StatusChanged) {
		env := mq.NewEnvelope(producer, mq.EventOrderStatus, ev.OrderID)
		env.EntityNo = ev.OrderNo
		env.OldStatus = string(ev.OldStatus)
		env.NewStatus = string(ev.NewStatus)
		env.Payload = mq.MustMarshal(map[string]string{
			"event":    string(ev.Event),
			"operator": ev.Operator,
			"reason":   ev.Reason,
		})
		pub.Publish(mq.OrderExchange, mq.OrderStatusRoutingKey(string(ev.OldStatus), string(ev.NewStatus)), env)

		switch ev.NewStatus {
		case StatusCancelled:
			pub.Publish(mq.OrderExchange, mq.OrderCancelKey, env)
		case StatusCompleted:
			pub.Publish(mq.OrderExchange, mq.OrderCompleteKey, env)
		}
	}
}

// PublishPaymentListener emits payment.success / payment.failed when the
// payment machine reaches a terminal state. Intermediate moves stay local.
func PublishPaymentListener(pub *mq.Publisher, producer string) PaymentObserver {
	return func(ctx context.Context, ev PaymentStatusChanged) {
		var eventType, key string
		switch ev.NewStatus {
		case PaymentSuccess:
			eventType, key = mq.EventPaymentSuccess, mq.PaymentSuccessKey
		case PaymentFailed:
			eventType, key = mq.EventPaymentFailed, mq.PaymentFailedKey
		default:
			return
		}
		env := mq.NewEnvelope(producer, eventType, ev.OrderID)
		env.OldStatus = string(ev.OldStatus)
		env.NewStatus = string(ev.NewStatus)
		env.Payload = mq.MustMarshal(mq.PaymentResultPayload{
			PaymentID: ev.PaymentID,
			OrderID:   ev.OrderID,
		})
		pub.Publish(mq.PaymentExchange, key, env)
	}
}

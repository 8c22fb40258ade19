package mq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchanges, queues and routing keys of the fabric. One topic exchange per
// business area; every business queue declares TTL, bounded depth and a
// dead-letter route, so nothing expires or overflows silently.
const (
	OrderExchange   = "order.exchange"
	PaymentExchange = "payment.exchange"
	DLXExchange     = "dlx.exchange"

	OrderCreateQueue   = "order.create.queue"
	OrderStatusQueue   = "order.status.queue"
	OrderCancelQueue   = "order.cancel.queue"
	OrderCompleteQueue = "order.complete.queue"

	PaymentSuccessQueue = "payment.success.queue"
	PaymentFailedQueue  = "payment.failed.queue"
	PaymentRefundQueue  = "payment.refund.queue"

	// The delay queue has no consumer: a token sits there until its TTL
	// expires, then dead-letters into the timeout queue. Expiry is the timer.
	OrderDelayQueue   = "order.delay.queue"
	OrderTimeoutQueue = "order.timeout.queue"

	DLXQueue = "dlx.queue"

	OrderCreateKey    = "order.create"
	OrderStatusKey    = "order.status.#"
	OrderStatusPrefix = "order.status"
	OrderCancelKey    = "order.cancel"
	OrderCompleteKey  = "order.complete"
	OrderTimeoutKey   = "order.timeout"

	PaymentSuccessKey = "payment.success"
	PaymentFailedKey  = "payment.failed"
	PaymentRefundKey  = "payment.refund"

	DLXRoutingKey = "dlx.routing.key"
)

const (
	defaultMessageTTL = 30 * time.Minute
	maxQueueLength    = 10000

	// MaxRedelivery bounds broker-side requeue loops for transient handler
	// errors; past this the message is dead-lettered.
	MaxRedelivery = 3
)

// OrderStatusRoutingKey builds the per-transition routing key, e.g.
// order.status.PENDING_PAYMENT.PAID.
func OrderStatusRoutingKey(oldStatus, newStatus string) string {
	return OrderStatusPrefix + "." + oldStatus + "." + newStatus
}

// Topology declares the full fabric. Declaration is idempotent; every binary
// runs it on startup so ordering between api and worker does not matter.
type Topology struct {
	// PaymentWindow is the delay-queue TTL: how long an order may stay
	// unpaid before its token dead-letters into the timeout queue.
	PaymentWindow time.Duration
}

func (t Topology) Declare(ch *amqp.Channel) error {
	for _, ex := range []struct{ name, kind string }{
		{OrderExchange, "topic"},
		{PaymentExchange, "topic"},
		{DLXExchange, "direct"},
	} {
		if err := ch.ExchangeDeclare(ex.name, ex.kind, true, false, false, false, nil); err != nil {
			return err
		}
	}

	if _, err := ch.QueueDeclare(DLXQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(DLXQueue, DLXRoutingKey, DLXExchange, false, nil); err != nil {
		return err
	}

	business := []struct {
		queue, exchange, key string
	}{
		{OrderCreateQueue, OrderExchange, OrderCreateKey},
		{OrderStatusQueue, OrderExchange, OrderStatusKey},
		{OrderCancelQueue, OrderExchange, OrderCancelKey},
		{OrderCompleteQueue, OrderExchange, OrderCompleteKey},
		{OrderTimeoutQueue, OrderExchange, OrderTimeoutKey},
		{PaymentSuccessQueue, PaymentExchange, PaymentSuccessKey},
		{PaymentFailedQueue, PaymentExchange, PaymentFailedKey},
		{PaymentRefundQueue, PaymentExchange, PaymentRefundKey},
	}
	for _, b := range business {
		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, amqp.Table{
			"x-message-ttl":             defaultMessageTTL.Milliseconds(),
			"x-max-length":              int32(maxQueueLength),
			"x-dead-letter-exchange":    DLXExchange,
			"x-dead-letter-routing-key": DLXRoutingKey,
		}); err != nil {
			return err
		}
		if err := ch.QueueBind(b.queue, b.key, b.exchange, false, nil); err != nil {
			return err
		}
	}

	// Delay queue: TTL = payment window, dead-letters into the timeout queue
	// via order.exchange. Published through the default exchange by name.
	_, err := ch.QueueDeclare(OrderDelayQueue, true, false, false, false, amqp.Table{
		"x-message-ttl":             t.PaymentWindow.Milliseconds(),
		"x-max-length":              int32(maxQueueLength),
		"x-dead-letter-exchange":    OrderExchange,
		"x-dead-letter-routing-key": OrderTimeoutKey,
	})
	return err
}

package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/example/mall-core/internal/mq"
	"github.com/example/mall-core/internal/orders"
	amqp "github.com/rabbitmq/amqp091-go"
)

// HandlePaymentSuccess is wired as the payment.success.queue consumer handler.
// It closes the gap between "money moved" and "order moved": the callback may
// have committed the payment row and crashed, or the order may have been
// cancelled before the callback took its lock. Current order status decides.
func (r *Reconciler) HandlePaymentSuccess(ctx context.Context, d amqp.Delivery) error {
	env, err := paymentEnvelope(d)
	if err != nil {
		return err
	}

	o, err := r.Store.Get(ctx, env.EntityID)
	if errors.Is(err, orders.ErrNotFound) {
		log.Printf("ALERT reconcile: payment success for unknown order: order=%s", env.EntityID)
		return nil
	}
	if err != nil {
		return err
	}

	switch o.Status {
	case orders.StatusPendingPayment:
		// payment committed but the order move never landed
		if _, err := r.Life.Transition(ctx, o.ID, orders.EventPay, "system",
			"derived from payment success event"); err != nil {
			var inv *orders.InvalidTransitionError
			if errors.As(err, &inv) {
				log.Printf("reconcile: order moved under us, no-op: order=%s status=%s", o.ID, inv.From)
				return nil
			}
			return err
		}
		log.Printf("reconcile: order paid via payment event: order=%s", o.ID)
		return nil
	case orders.StatusCancelled:
		// money captured for a dead order: stock is already restored, the
		// buyer needs their money back. Manual refund, page the operator.
		log.Printf("ALERT reconcile: payment captured for cancelled order, refund required: order=%s payment_event=%s",
			o.ID, env.EventID)
		return nil
	default:
		return nil
	}
}

// HandlePaymentFailed is wired as the payment.failed.queue consumer handler.
// A failed attempt does not cancel the order; the buyer may retry until the
// timeout token settles it.
func (r *Reconciler) HandlePaymentFailed(ctx context.Context, d amqp.Delivery) error {
	env, err := paymentEnvelope(d)
	if err != nil {
		return err
	}
	log.Printf("reconcile: payment failed, order keeps waiting: order=%s", env.EntityID)
	return nil
}

func paymentEnvelope(d amqp.Delivery) (mq.Envelope, error) {
	var env mq.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return env, mq.Permanent(fmt.Errorf("payment event envelope: %w", err))
	}
	if env.EntityID == "" {
		return env, mq.Permanent(errors.New("payment event without entity id"))
	}
	return env, nil
}

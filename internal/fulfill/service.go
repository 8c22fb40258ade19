// Package fulfill consumes the order-side business queues: it opens a
// fulfillment record when an order is created, closes it on completion and
// mirrors status changes into the notification log. Every handler is
// idempotent under redelivery.
package fulfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/example/mall-core/internal/mq"
	"github.com/jackc/pgx/v5/pgconn"
	amqp "github.com/rabbitmq/amqp091-go"
)

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Service struct {
	DB DB
}

func New(db DB) *Service { return &Service{DB: db} }

// HandleOrderCreated is wired as the order.create.queue consumer handler.
// ON CONFLICT keyed on order_id makes redelivery a no-op.
func (s *Service) HandleOrderCreated(ctx context.Context, d amqp.Delivery) error {
	var env mq.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return mq.Permanent(fmt.Errorf("order created envelope: %w", err))
	}
	p, err := mq.Unwrap[mq.OrderCreatedPayload](env.Payload)
	if err != nil {
		return mq.Permanent(err)
	}
	if p.OrderID == "" {
		return mq.Permanent(errors.New("order created event without order id"))
	}

	tag, err := s.DB.Exec(ctx, `
		INSERT INTO fulfillments (order_id, order_no, user_id, total_cents, status, received_at)
		VALUES ($1, $2, $3, $4, 'RECEIVED', $5)
		ON CONFLICT (order_id) DO NOTHING`,
		p.OrderID, p.OrderNo, p.UserID, p.TotalCents, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		log.Printf("fulfill: duplicate create event, no-op: order=%s", p.OrderID)
		return nil
	}
	log.Printf("fulfill: record opened: order=%s order_no=%s", p.OrderID, p.OrderNo)
	return nil
}

// HandleOrderCompleted is wired as the order.complete.queue consumer handler.
func (s *Service) HandleOrderCompleted(ctx context.Context, d amqp.Delivery) error {
	var env mq.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return mq.Permanent(fmt.Errorf("order completed envelope: %w", err))
	}
	if env.EntityID == "" {
		return mq.Permanent(errors.New("order completed event without entity id"))
	}

	tag, err := s.DB.Exec(ctx, `
		UPDATE fulfillments SET status = 'COMPLETED', completed_at = $2
		WHERE order_id = $1 AND status <> 'COMPLETED'`,
		env.EntityID, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// duplicate, or the create event never arrived; either way nothing to do
		log.Printf("fulfill: no open record for completion: order=%s", env.EntityID)
		return nil
	}
	log.Printf("fulfill: record completed: order=%s", env.EntityID)
	return nil
}

// HandleStatusChanged is wired as the order.status.queue consumer handler. It
// is the notification tap: downstream messaging (SMS, mail) hangs off this
// log line; the state itself already lives in state_log.
func (s *Service) HandleStatusChanged(ctx context.Context, d amqp.Delivery) error {
	var env mq.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return mq.Permanent(fmt.Errorf("order status envelope: %w", err))
	}
	log.Printf("fulfill: order status: order=%s order_no=%s %s -> %s",
		env.EntityID, env.EntityNo, env.OldStatus, env.NewStatus)
	return nil
}

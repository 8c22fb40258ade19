package mq

import (
	"context"
	"errors"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery. Return nil to ack. Returning an error
// wrapped with Permanent routes the message to the dead-letter exchange
// without requeue; any other error requeues until MaxRedelivery.
type Handler func(ctx context.Context, d amqp.Delivery) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as poison: no amount of redelivery will fix it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Consumer fans deliveries from one queue out to a bounded worker pool and
// acks manually, only after the handler succeeded.
type Consumer struct {
	ch      *amqp.Channel
	queue   string
	tag     string
	workers int
}

func NewConsumer(conn *amqp.Connection, queue, tag string, workers int) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = 1
	}
	// prefetch caps in-flight unacked deliveries per worker
	if err := ch.Qos(workers*2, 0, false); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &Consumer{ch: ch, queue: queue, tag: tag, workers: workers}, nil
}

func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.ch.Close()

	deliveries, err := c.ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return err
	}

	jobs := make(chan amqp.Delivery, c.workers*2)
	done := make(chan struct{})
	for i := 0; i < c.workers; i++ {
		go func() {
			for d := range jobs {
				c.settle(ctx, d, h(ctx, d))
			}
			done <- struct{}{}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			close(jobs)
			for i := 0; i < c.workers; i++ {
				<-done
			}
			return nil
		case d, ok := <-deliveries:
			if !ok {
				close(jobs)
				for i := 0; i < c.workers; i++ {
					<-done
				}
				select {
				case <-ctx.Done():
					return nil
				default:
					return errors.New("mq: delivery channel closed")
				}
			}
			select {
			case jobs <- d:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				close(jobs)
				for i := 0; i < c.workers; i++ {
					<-done
				}
				return nil
			}
		}
	}
}

// settle applies the delivery contract: ack on success; poison or exhausted
// retries go to the DLX without requeue, transient errors requeue.
func (c *Consumer) settle(ctx context.Context, d amqp.Delivery, herr error) {
	if herr == nil {
		if err := d.Ack(false); err != nil {
			log.Printf("mq: ack failed: queue=%s msg=%s err=%v", c.queue, d.MessageId, err)
		}
		return
	}
	poison := IsPermanent(herr)
	// requeue does not grow x-death, so Redelivered is the second-strike
	// signal; x-death still bounds messages cycling through the DLX.
	exhausted := d.Redelivered || DeathCount(d) >= MaxRedelivery
	if poison || exhausted {
		log.Printf("mq: dead-lettering: queue=%s msg=%s poison=%t deaths=%d err=%v",
			c.queue, d.MessageId, poison, DeathCount(d), herr)
		if err := d.Nack(false, false); err != nil {
			log.Printf("mq: nack failed: queue=%s msg=%s err=%v", c.queue, d.MessageId, err)
		}
		return
	}
	log.Printf("mq: requeueing: queue=%s msg=%s deaths=%d err=%v", c.queue, d.MessageId, DeathCount(d), herr)
	if err := d.Nack(false, true); err != nil {
		log.Printf("mq: nack failed: queue=%s msg=%s err=%v", c.queue, d.MessageId, err)
	}
}

// DeathCount sums the broker's x-death history for the delivery.
func DeathCount(d amqp.Delivery) int {
	deaths, ok := d.Headers["x-death"].([]interface{})
	if !ok {
		return 0
	}
	total := 0
	for _, entry := range deaths {
		t, ok := entry.(amqp.Table)
		if !ok {
			continue
		}
		switch n := t["count"].(type) {
		case int64:
			total += int(n)
		case int32:
			total += int(n)
		case int:
			total += n
		}
	}
	return total
}

// FirstDeathReason reads the broker-set header describing why a message was
// dead-lettered: rejected, expired or maxlen.
func FirstDeathReason(d amqp.Delivery) string {
	if r, ok := d.Headers["x-first-death-reason"].(string); ok {
		return r
	}
	return "unknown"
}

// FirstDeathQueue is the queue the message originally died in.
func FirstDeathQueue(d amqp.Delivery) string {
	if q, ok := d.Headers["x-first-death-queue"].(string); ok {
		return q
	}
	return ""
}

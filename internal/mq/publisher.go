package mq

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher owns one confirm-mode channel behind a buffered inbox: callers
// enqueue, a single goroutine writes and waits for the broker confirm. The
// inbox is never closed; shutdown closes quit, the writer drains what was
// already enqueued and late Publish calls are dropped with a log line, so a
// consumer handler publishing mid-shutdown cannot panic.
type Publisher struct {
	ch       *amqp.Channel
	inbox    chan job
	quit     chan struct{}
	closeCh  chan struct{}
	quitOnce sync.Once
}

type job struct {
	exchange, key string
	env           Envelope
}

func NewPublisher(conn *amqp.Connection, buf int) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &Publisher{
		ch:      ch,
		inbox:   make(chan job, buf),
		quit:    make(chan struct{}),
		closeCh: make(chan struct{}),
	}, nil
}

func (p *Publisher) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				p.signalQuit()
				p.drain()
				return
			case <-p.quit:
				p.drain()
				return
			case j := <-p.inbox:
				p.send(j)
			}
		}
	}()
}

// drain flushes jobs enqueued before shutdown, then releases WaitClosed.
func (p *Publisher) drain() {
	for {
		select {
		case j := <-p.inbox:
			p.send(j)
		default:
			_ = p.ch.Close()
			close(p.closeCh)
			return
		}
	}
}

// Publish enqueues fire-and-forget. Confirm failures are logged by the writer
// loop; callers that must know use PublishSync. After Close the message is
// dropped, not sent.
func (p *Publisher) Publish(exchange, key string, env Envelope) {
	select {
	case <-p.quit:
		log.Printf("mq: publisher closed, dropping: exchange=%s key=%s event=%s", exchange, key, env.EventType)
		return
	default:
	}
	select {
	case p.inbox <- job{exchange: exchange, key: key, env: env}:
	case <-p.quit:
		log.Printf("mq: publisher closed, dropping: exchange=%s key=%s event=%s", exchange, key, env.EventType)
	}
}

// PublishSync writes on the caller's goroutine and returns the broker error,
// for critical writes that need a synchronous fallback decision.
func (p *Publisher) PublishSync(ctx context.Context, exchange, key string, env Envelope) error {
	return p.publish(ctx, exchange, key, env)
}

// PublishDelayToken drops a timeout token into the delay queue through the
// default exchange. Its TTL expiry is the order-timeout timer.
func (p *Publisher) PublishDelayToken(ctx context.Context, env Envelope) error {
	return p.publish(ctx, "", OrderDelayQueue, env)
}

func (p *Publisher) send(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.publish(ctx, j.exchange, j.key, j.env); err != nil {
		log.Printf("mq: publish failed: exchange=%s key=%s event=%s err=%v",
			j.exchange, j.key, j.env.EventType, err)
	}
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, env Envelope) error {
	conf, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     env.EventID,
			CorrelationId: env.CorrelationID,
			Timestamp:     env.OccurredAt,
			Type:          env.EventType,
			Body:          MustMarshal(env),
		})
	if err != nil {
		return err
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("mq: broker nacked publish: exchange=%s key=%s", exchange, key)
	}
	return nil
}

// Close stops accepting work; WaitClosed blocks until the drain finished.
// Close and a context cancellation may race, hence the once.
func (p *Publisher) Close()      { p.signalQuit() }
func (p *Publisher) WaitClosed() { <-p.closeCh }

func (p *Publisher) signalQuit() { p.quitOnce.Do(func() { close(p.quit) }) }

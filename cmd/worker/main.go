package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/example/mall-core/internal/config"
	"github.com/example/mall-core/internal/distlock"
	"github.com/example/mall-core/internal/fulfill"
	"github.com/example/mall-core/internal/mq"
	"github.com/example/mall-core/internal/orders"
	"github.com/example/mall-core/internal/postgres"
	"github.com/example/mall-core/internal/reconcile"
	"github.com/example/mall-core/internal/redisx"
	"github.com/example/mall-core/internal/stock"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
)

func mustAtoi(s, def string) int {
	if s == "" {
		s = def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return i
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// RabbitMQ
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		log.Fatalf("amqp dial: %v", err)
	}
	defer conn.Close()

	topoCh, err := conn.Channel()
	if err != nil {
		log.Fatalf("amqp channel: %v", err)
	}
	if err := (mq.Topology{PaymentWindow: cfg.PaymentWindow}).Declare(topoCh); err != nil {
		log.Fatalf("topology declare: %v", err)
	}
	_ = topoCh.Close()

	pub, err := mq.NewPublisher(conn, 1024)
	if err != nil {
		log.Fatalf("publisher: %v", err)
	}
	pub.Start(ctx)

	// Services
	lock := distlock.New(rdb)
	repo := orders.NewRepo(db)
	ledger := stock.NewLedger(db)
	flash := &stock.FlashPool{RDB: rdb, PerUserCap: 1, Log: ledger}

	life := orders.NewLifecycle(repo, lock)
	life.OnTransition(orders.CacheRefreshListener(rdb))
	life.OnTransition(orders.PublishStatusListener(pub, cfg.ServiceName))

	rec := reconcile.New(repo, life, ledger, flash)
	triage := reconcile.NewTriage(db, rdb)
	ful := fulfill.New(db)

	workers := mustAtoi(os.Getenv("WORKER_CONCURRENCY"), "8")

	// One transition fans out under several routing keys with one event id,
	// so the dedup claim is scoped per queue, not per service.
	dedupFor := func(queue string) *mq.Deduper {
		return &mq.Deduper{RDB: rdb, Service: cfg.ServiceName + ":" + queue}
	}
	runConsumer := func(queue string, n int, h mq.Handler) {
		cons, err := mq.NewConsumer(conn, queue, cfg.ServiceName+"-"+queue, n)
		if err != nil {
			log.Fatalf("consumer %s: %v", queue, err)
		}
		go func() {
			log.Printf("consumer started: queue=%s workers=%d", queue, n)
			if err := cons.Start(ctx, h); err != nil {
				log.Printf("consumer exit: queue=%s err=%v", queue, err)
				cancel()
			}
		}()
	}

	// Order-side business queues
	runConsumer(mq.OrderCreateQueue, workers, dedupFor(mq.OrderCreateQueue).Wrap(ful.HandleOrderCreated))
	runConsumer(mq.OrderStatusQueue, workers, ful.HandleStatusChanged)
	runConsumer(mq.OrderCancelQueue, workers, dedupFor(mq.OrderCancelQueue).Wrap(rec.HandleCancel))
	runConsumer(mq.OrderCompleteQueue, workers, dedupFor(mq.OrderCompleteQueue).Wrap(ful.HandleOrderCompleted))

	// Payment results
	runConsumer(mq.PaymentSuccessQueue, workers, dedupFor(mq.PaymentSuccessQueue).Wrap(rec.HandlePaymentSuccess))
	runConsumer(mq.PaymentFailedQueue, workers, rec.HandlePaymentFailed)

	// Timeout tokens dead-lettered out of the delay queue
	runConsumer(mq.OrderTimeoutQueue, workers, dedupFor(mq.OrderTimeoutQueue).Wrap(rec.HandleTimeout))

	// Dead-letter triage
	runConsumer(mq.DLXQueue, 2, triage.Handle)

	// Periodic sweep: catches orders whose timeout token was lost, and
	// prunes triaged dead letters past retention.
	sweepEvery := 5 * time.Minute
	go func() {
		tick := time.NewTicker(sweepEvery)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if err := rec.Sweep(ctx, cfg.PaymentWindow); err != nil {
					log.Printf("sweep: %v", err)
				}
				if n, err := triage.Prune(ctx, 7*24*time.Hour); err != nil {
					log.Printf("dead-letter prune: %v", err)
				} else if n > 0 {
					log.Printf("dead-letter prune: removed=%d", n)
				}
			}
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down worker...")
	cancel()
	time.Sleep(500 * time.Millisecond)
	pub.Close()
	pub.WaitClosed()
}

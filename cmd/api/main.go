package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/mall-core/internal/cacheshield"
	"github.com/example/mall-core/internal/checkout"
	"github.com/example/mall-core/internal/config"
	"github.com/example/mall-core/internal/distlock"
	"github.com/example/mall-core/internal/httpx"
	"github.com/example/mall-core/internal/mq"
	"github.com/example/mall-core/internal/orders"
	"github.com/example/mall-core/internal/postgres"
	"github.com/example/mall-core/internal/redisx"
	"github.com/example/mall-core/internal/stock"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// RabbitMQ: declare the topology, then start the confirm-mode publisher
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

	// Core services
	lock := distlock.New(rdb)
	shield := cacheshield.New(rdb, lock)
	repo := orders.NewRepo(db)
	ledger := stock.NewLedger(db)
	flash := &stock.FlashPool{RDB: rdb, PerUserCap: 1, Log: ledger}

	life := orders.NewLifecycle(repo, lock)
	life.OnTransition(orders.CacheRefreshListener(rdb))
	life.OnTransition(orders.PublishStatusListener(pub, cfg.ServiceName))
	life.OnPaymentTransition(orders.PublishPaymentListener(pub, cfg.ServiceName))

	co := &checkout.Service{
		Repo:        repo,
		Ledger:      ledger,
		Flash:       flash,
		Shield:      shield,
		RDB:         rdb,
		Pub:         pub,
		ServiceName: cfg.ServiceName,
		CacheTTL:    cfg.CacheTTL,
	}

	router := httpx.NewRouter()
	h := &httpx.Handler{
		Checkout: co,
		Life:     life,
		Repo:     repo,
		Shield:   shield,
	}
	h.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	pub.Close()      // stop accepting publishes
	cancel()         // stop publisher loop
	pub.WaitClosed() // drain what was already enqueued
}

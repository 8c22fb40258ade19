package reconcile

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/example/mall-core/internal/mq"
	"github.com/example/mall-core/internal/redisx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

type triageDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type DeadLetterRecord struct {
	ID            int64
	OriginalQueue string
	Reason        string
	Payload       []byte
	FirstSeenAt   time.Time
}

// Triage consumes dlx.queue: persist the record, bump per-origin and
// per-reason counters, then apply the per-origin strategy. A payment-success
// message landing here means money moved without the order moving — that is
// an incident, never a silent drop.
type Triage struct {
	DB  triageDB
	RDB *redis.Client
}

func NewTriage(db triageDB, rdb *redis.Client) *Triage {
	return &Triage{DB: db, RDB: rdb}
}

func (t *Triage) Handle(ctx context.Context, d amqp.Delivery) error {
	origin := mq.FirstDeathQueue(d)
	reason := mq.FirstDeathReason(d)

	if _, err := t.DB.Exec(ctx,
		`INSERT INTO dead_letter(original_queue, reason, payload, first_seen_at)
		 VALUES ($1,$2,$3,$4)`,
		origin, reason, d.Body, time.Now().UTC()); err != nil {
		return err // transient: requeue and try recording again
	}

	if err := t.RDB.HIncrBy(ctx, redisx.KeyDeadLetterStats, "queue_"+origin, 1).Err(); err != nil {
		log.Printf("reconcile: dead-letter stats: err=%v", err)
	}
	if err := t.RDB.HIncrBy(ctx, redisx.KeyDeadLetterStats, "reason_"+reason, 1).Err(); err != nil {
		log.Printf("reconcile: dead-letter stats: err=%v", err)
	}

	switch origin {
	case mq.PaymentSuccessQueue:
		// Manual intervention path: alert loudly, keep the record. No
		// automated compensation here; the money trail needs human eyes.
		log.Printf("ALERT reconcile: payment-success message dead-lettered: reason=%s msg=%s body=%s",
			reason, d.MessageId, truncate(d.Body, 512))
	case mq.OrderCreateQueue:
		log.Printf("reconcile: order-create dead-lettered: reason=%s msg=%s", reason, d.MessageId)
	case mq.OrderTimeoutQueue:
		// A poisoned timeout token; the periodic sweep will still catch the
		// order, so record-and-move-on is safe.
		log.Printf("reconcile: timeout token dead-lettered: reason=%s msg=%s", reason, d.MessageId)
	default:
		log.Printf("reconcile: dead letter recorded: queue=%s reason=%s msg=%s", origin, reason, d.MessageId)
	}
	return nil
}

// Stats snapshots the per-queue/per-reason counters.
func (t *Triage) Stats(ctx context.Context) (map[string]int64, error) {
	raw, err := t.RDB.HGetAll(ctx, redisx.KeyDeadLetterStats).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, _ := strconv.ParseInt(v, 10, 64)
		out[k] = n
	}
	return out, nil
}

// Prune deletes triaged records older than the retention window. The only
// sanctioned delete on this table.
func (t *Triage) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	ct, err := t.DB.Exec(ctx,
		`DELETE FROM dead_letter WHERE first_seen_at < $1`,
		time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

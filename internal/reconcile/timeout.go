package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/example/mall-core/internal/mq"
	"github.com/example/mall-core/internal/orders"
	"github.com/example/mall-core/internal/stock"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Narrow seams so the handler can be exercised against fakes.
type orderStore interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	ReservedSkus(ctx context.Context, orderID string) ([]orders.ReservedSku, error)
	PendingOlderThan(ctx context.Context, cutoff time.Time) ([]*orders.Order, error)
}

type transitioner interface {
	Transition(ctx context.Context, orderID string, event orders.Event, operator, reason string) (*orders.Order, error)
}

type ledger interface {
	RestoreOnce(ctx context.Context, orderID, skuID string, qty int) (bool, error)
	HasLog(ctx context.Context, orderID, skuID, changeType string) (bool, error)
}

type flashPool interface {
	Restore(ctx context.Context, orderID, promoID, skuID, userID string, qty int) error
}

// Reconciler consumes dead-lettered timeout tokens. The token is identity
// only; current order status decides everything, which is what makes the
// handler safe under duplicate delivery and against payment/timeout races.
type Reconciler struct {
	Store  orderStore
	Life   transitioner
	Ledger ledger
	Flash  flashPool
}

func New(store orderStore, life transitioner, ledger ledger, flash flashPool) *Reconciler {
	return &Reconciler{Store: store, Life: life, Ledger: ledger, Flash: flash}
}

// HandleTimeout is wired as the order.timeout.queue consumer handler.
func (r *Reconciler) HandleTimeout(ctx context.Context, d amqp.Delivery) error {
	var env mq.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return mq.Permanent(fmt.Errorf("timeout token envelope: %w", err))
	}
	token, err := mq.Unwrap[mq.TimeoutToken](env.Payload)
	if err != nil {
		return mq.Permanent(err)
	}

	o, err := r.Store.Get(ctx, token.OrderID)
	if errors.Is(err, orders.ErrNotFound) {
		log.Printf("reconcile: order gone, dropping token: order=%s", token.OrderID)
		return nil
	}
	if err != nil {
		return err
	}

	switch o.Status {
	case orders.StatusPendingPayment:
		if _, err := r.Life.Transition(ctx, o.ID, orders.EventTimeout, "system",
			"payment window elapsed, cancelled by timeout token"); err != nil {
			var inv *orders.InvalidTransitionError
			if errors.As(err, &inv) {
				// payment raced the token between our read and the lock
				log.Printf("reconcile: timeout raced, no-op: order=%s status=%s", o.ID, inv.From)
				return nil
			}
			return err
		}
		return r.RestoreOrder(ctx, o.ID, o.UserID)
	case orders.StatusCancelled:
		// Redelivery after a partial failure: the transition landed but a
		// restore may not have. RestoreOnce makes this a no-op otherwise.
		return r.RestoreOrder(ctx, o.ID, o.UserID)
	default:
		log.Printf("reconcile: order already progressed, no-op: order=%s status=%s", o.ID, o.Status)
		return nil
	}
}

// HandleCancel is wired as the order.cancel.queue consumer handler: a user
// cancel must give its stock back right away, not whenever the original
// timeout token finally expires. RestoreOrder is at-most-once per line, so
// the token arriving later for the same order restores nothing twice.
func (r *Reconciler) HandleCancel(ctx context.Context, d amqp.Delivery) error {
	var env mq.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return mq.Permanent(fmt.Errorf("cancel event envelope: %w", err))
	}
	if env.EntityID == "" {
		return mq.Permanent(errors.New("cancel event without entity id"))
	}

	o, err := r.Store.Get(ctx, env.EntityID)
	if errors.Is(err, orders.ErrNotFound) {
		log.Printf("reconcile: order gone, dropping cancel event: order=%s", env.EntityID)
		return nil
	}
	if err != nil {
		return err
	}
	if o.Status != orders.StatusCancelled {
		log.Printf("reconcile: cancel event for non-cancelled order, no-op: order=%s status=%s", o.ID, o.Status)
		return nil
	}
	return r.RestoreOrder(ctx, o.ID, o.UserID)
}

// Sweep is the safety net behind the token mechanism: any order still
// unpaid past the window (token lost, broker outage) gets the same
// check-then-cancel treatment. Runs periodically from the worker binary.
func (r *Reconciler) Sweep(ctx context.Context, window time.Duration) error {
	stale, err := r.Store.PendingOlderThan(ctx, time.Now().UTC().Add(-window))
	if err != nil {
		return err
	}
	for _, o := range stale {
		if _, err := r.Life.Transition(ctx, o.ID, orders.EventTimeout, "system",
			"payment window elapsed, cancelled by reconciler sweep"); err != nil {
			var inv *orders.InvalidTransitionError
			if errors.As(err, &inv) {
				continue // raced with payment, leave it alone
			}
			log.Printf("reconcile: sweep transition failed: order=%s err=%v", o.ID, err)
			continue
		}
		if err := r.RestoreOrder(ctx, o.ID, o.UserID); err != nil {
			log.Printf("reconcile: sweep restore failed: order=%s err=%v", o.ID, err)
		}
	}
	return nil
}

// RestoreOrder compensates every reserved line of a cancelled order, at most
// once per line. Also used by the cancel listener for user-driven cancels.
func (r *Reconciler) RestoreOrder(ctx context.Context, orderID, userID string) error {
	lines, err := r.Store.ReservedSkus(ctx, orderID)
	if err != nil {
		return err
	}
	for _, ln := range lines {
		if ln.Flash {
			done, err := r.Ledger.HasLog(ctx, orderID, ln.SkuID, stock.ChangeFlashRestore)
			if err != nil {
				return err
			}
			if done {
				continue
			}
			if err := r.Flash.Restore(ctx, orderID, ln.PromoID, ln.SkuID, userID, ln.Qty); err != nil {
				return err
			}
			continue
		}
		restored, err := r.Ledger.RestoreOnce(ctx, orderID, ln.SkuID, ln.Qty)
		if err != nil {
			return err
		}
		if restored {
			log.Printf("reconcile: restored stock: order=%s sku=%s qty=%d", orderID, ln.SkuID, ln.Qty)
		}
	}
	return nil
}

package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/mall-core/internal/distlock"
)

// ErrOrderBusy is returned when the per-order critical section could not be
// entered within bounded retries. "Try later", not a fault.
var ErrOrderBusy = fmt.Errorf("orders: order busy, try later")

const (
	orderLockTTL = 10 * time.Second
)

// Lifecycle owns every status move of orders and payments. All transitions
// for one order are serialized through a DistLock keyed by order id, so a
// racing payment callback and timeout token cannot interleave.
type Lifecycle struct {
	Repo *Repo
	Lock *distlock.Locker

	observers        []Observer
	paymentObservers []PaymentObserver
}

func NewLifecycle(repo *Repo, lock *distlock.Locker) *Lifecycle {
	return &Lifecycle{Repo: repo, Lock: lock}
}

// OnTransition registers a fan-out listener. Registration happens at wiring
// time, before any traffic; the slice is not mutated afterwards.
func (s *Lifecycle) OnTransition(fn Observer) { s.observers = append(s.observers, fn) }

func (s *Lifecycle) OnPaymentTransition(fn PaymentObserver) {
	s.paymentObservers = append(s.paymentObservers, fn)
}

func (s *Lifecycle) lockKey(orderID string) string { return "order:" + orderID }

// withOrderLock runs fn inside the per-order critical section.
func (s *Lifecycle) withOrderLock(ctx context.Context, orderID string, fn func(ctx context.Context) error) error {
	token := distlock.NewToken()
	ok, err := s.Lock.AcquireRetry(ctx, s.lockKey(orderID), token, orderLockTTL,
		distlock.DefaultRetryAttempts, distlock.DefaultRetryInterval)
	if err != nil {
		return fmt.Errorf("orders: order lock: %w", err)
	}
	if !ok {
		return ErrOrderBusy
	}
	defer func() { _, _ = s.Lock.Release(ctx, s.lockKey(orderID), token) }()
	return fn(ctx)
}

// Transition validates the event against the table, persists status + state
// log atomically, then notifies observers. Invalid pairs mutate nothing.
func (s *Lifecycle) Transition(ctx context.Context, orderID string, event Event, operator, reason string) (*Order, error) {
	var o *Order
	err := s.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		var err error
		o, err = s.transitionLocked(ctx, orderID, event, operator, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// TransitionPayment drives the payment machine. The critical section is the
// owning order's, not the payment's: order and payment moves for the same
// order must not interleave either.
func (s *Lifecycle) TransitionPayment(ctx context.Context, orderID string, event PaymentEvent, operator, reason string) (*Payment, error) {
	var p *Payment
	err := s.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		var err error
		p, err = s.transitionPaymentLocked(ctx, orderID, event, operator, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SettlePayment applies a gateway result: payment PROCESS/SUCCEED (or FAIL)
// and the order PAY move happen inside ONE per-order critical section, so a
// timeout token cannot slip between the payment move and the order move.
//
// If the order left PENDING_PAYMENT before the lock was taken (a timeout or
// user cancel won the race), the capture still happened: the payment is
// recorded SUCCESS anyway and the payment.success consumer raises the refund
// alert from the cancelled-order state it then observes.
func (s *Lifecycle) SettlePayment(ctx context.Context, orderID string, success bool, operator, reason string) (*Order, *Payment, error) {
	var o *Order
	var p *Payment
	err := s.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		cur, err := s.Repo.GetPaymentByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if cur.Status == PaymentSuccess || cur.Status == PaymentFailed || cur.Status == PaymentClosed {
			// gateway replay of an already settled payment
			p = cur
			o, err = s.Repo.Get(ctx, orderID)
			return err
		}
		if cur.Status == PaymentPending {
			if _, err := s.transitionPaymentLocked(ctx, orderID, PaymentEventProcess, operator, "callback received"); err != nil {
				return err
			}
		}
		if !success {
			if p, err = s.transitionPaymentLocked(ctx, orderID, PaymentEventFail, operator, reason); err != nil {
				return err
			}
			o, err = s.Repo.Get(ctx, orderID)
			return err
		}

		o, err = s.transitionLocked(ctx, orderID, EventPay, operator, reason)
		if err != nil {
			var inv *InvalidTransitionError
			if !errors.As(err, &inv) {
				return err
			}
			if o, err = s.Repo.Get(ctx, orderID); err != nil {
				return err
			}
		}
		p, err = s.transitionPaymentLocked(ctx, orderID, PaymentEventSucceed, operator, reason)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return o, p, nil
}

func (s *Lifecycle) transitionLocked(ctx context.Context, orderID string, event Event, operator, reason string) (*Order, error) {
	o, err := s.Repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	next, err := Next(o.Status, event)
	if err != nil {
		return nil, err
	}
	if err := s.Repo.UpdateStatus(ctx, orderID, o.Status, next, event, operator, reason); err != nil {
		return nil, err
	}

	ev := StatusChanged{
		OrderID:    o.ID,
		OrderNo:    o.OrderNo,
		OldStatus:  o.Status,
		NewStatus:  next,
		Event:      event,
		Operator:   operator,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
	o.Status = next
	notify(ctx, s.observers, ev)
	return o, nil
}

func (s *Lifecycle) transitionPaymentLocked(ctx context.Context, orderID string, event PaymentEvent, operator, reason string) (*Payment, error) {
	p, err := s.Repo.GetPaymentByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	next, err := NextPayment(p.Status, event)
	if err != nil {
		return nil, err
	}
	if err := s.Repo.UpdatePaymentStatus(ctx, p.ID, p.Status, next, event, operator, reason); err != nil {
		return nil, err
	}

	ev := PaymentStatusChanged{
		PaymentID:  p.ID,
		OrderID:    p.OrderID,
		OldStatus:  p.Status,
		NewStatus:  next,
		Event:      event,
		OccurredAt: time.Now().UTC(),
	}
	p.Status = next
	notifyPayment(ctx, s.paymentObservers, ev)
	return p, nil
}

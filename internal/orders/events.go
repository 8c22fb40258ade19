package orders

import (
	"context"
	"log"
	"time"
)

// StatusChanged is emitted after a transition commits. Listeners never see a
// transition that could still roll back.
type StatusChanged struct {
	OrderID    string
	OrderNo    string
	OldStatus  Status
	NewStatus  Status
	Event      Event
	Operator   string
	Reason     string
	OccurredAt time.Time
}

type PaymentStatusChanged struct {
	PaymentID  string
	OrderID    string
	OldStatus  PaymentStatus
	NewStatus  PaymentStatus
	Event      PaymentEvent
	OccurredAt time.Time
}

// Observer receives committed transitions. Delivery is at-least-once from the
// listener's point of view (a crash between commit and fan-out is recovered
// by the message fabric), so observers must be idempotent.
type Observer func(ctx context.Context, ev StatusChanged)

type PaymentObserver func(ctx context.Context, ev PaymentStatusChanged)

// notify runs observers synchronously, isolating panics so one bad listener
// cannot take down the transition caller.
func notify(ctx context.Context, obs []Observer, ev StatusChanged) {
	for _, fn := range obs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("orders: observer panic: order=%s event=%s r=%v", ev.OrderID, ev.Event, r)
				}
			}()
			fn(ctx, ev)
		}()
	}
}

func notifyPayment(ctx context.Context, obs []PaymentObserver, ev PaymentStatusChanged) {
	for _, fn := range obs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("orders: payment observer panic: payment=%s event=%s r=%v", ev.PaymentID, ev.Event, r)
				}
			}()
			fn(ctx, ev)
		}()
	}
}

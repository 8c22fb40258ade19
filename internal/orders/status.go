package orders

import "fmt"

type Status string

const (
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusPaid           Status = "PAID"
	StatusShipped        Status = "SHIPPED"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
)

type Event string

const (
	EventPay      Event = "PAY"
	EventShip     Event = "SHIP"
	EventComplete Event = "COMPLETE"
	EventCancel   Event = "CANCEL"
	EventTimeout  Event = "TIMEOUT"
	// EventRefund is the only way out of PAID other than shipment.
	EventRefund Event = "REFUND"
)

// transitions is the whole state machine. Anything not listed is invalid.
var transitions = map[Status]map[Event]Status{
	StatusPendingPayment: {
		EventPay:     StatusPaid,
		EventCancel:  StatusCancelled,
		EventTimeout: StatusCancelled,
	},
	StatusPaid: {
		EventShip:   StatusShipped,
		EventRefund: StatusCancelled,
	},
	StatusShipped: {
		EventComplete: StatusCompleted,
	},
	StatusCompleted: {},
	StatusCancelled: {},
}

// InvalidTransitionError reports a (status, event) pair outside the table.
// The order is left untouched.
type InvalidTransitionError struct {
	From  Status
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("orders: no transition from %s on %s", e.From, e.Event)
}

// Next resolves the target status for event, or an InvalidTransitionError.
func Next(from Status, event Event) (Status, error) {
	if to, ok := transitions[from][event]; ok {
		return to, nil
	}
	return "", &InvalidTransitionError{From: from, Event: event}
}

func CanTransition(from Status, event Event) bool {
	_, ok := transitions[from][event]
	return ok
}

func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

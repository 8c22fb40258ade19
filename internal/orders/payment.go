package orders

import "fmt"

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentSuccess    PaymentStatus = "SUCCESS"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentClosed     PaymentStatus = "CLOSED"
)

type PaymentEvent string

const (
	PaymentEventProcess PaymentEvent = "PROCESS"
	PaymentEventSucceed PaymentEvent = "SUCCEED"
	PaymentEventFail    PaymentEvent = "FAIL"
	PaymentEventClose   PaymentEvent = "CLOSE"
	PaymentEventTimeout PaymentEvent = "TIMEOUT"
)

var paymentTransitions = map[PaymentStatus]map[PaymentEvent]PaymentStatus{
	PaymentPending: {
		PaymentEventProcess: PaymentProcessing,
		PaymentEventClose:   PaymentClosed,
		PaymentEventTimeout: PaymentClosed,
	},
	PaymentProcessing: {
		PaymentEventSucceed: PaymentSuccess,
		PaymentEventFail:    PaymentFailed,
		PaymentEventClose:   PaymentClosed,
		PaymentEventTimeout: PaymentClosed,
	},
	PaymentSuccess: {},
	PaymentFailed:  {},
	PaymentClosed:  {},
}

type InvalidPaymentTransitionError struct {
	From  PaymentStatus
	Event PaymentEvent
}

func (e *InvalidPaymentTransitionError) Error() string {
	return fmt.Sprintf("orders: no payment transition from %s on %s", e.From, e.Event)
}

func NextPayment(from PaymentStatus, event PaymentEvent) (PaymentStatus, error) {
	if to, ok := paymentTransitions[from][event]; ok {
		return to, nil
	}
	return "", &InvalidPaymentTransitionError{From: from, Event: event}
}

func CanTransitionPayment(from PaymentStatus, event PaymentEvent) bool {
	_, ok := paymentTransitions[from][event]
	return ok
}

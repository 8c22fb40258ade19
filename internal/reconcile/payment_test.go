package reconcile

import (
	"context"
	"testing"

	"github.com/example/mall-core/internal/mq"
	"github.com/example/mall-core/internal/orders"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

func paymentDelivery(eventType, orderID string) amqp.Delivery {
	env := mq.NewEnvelope("mall-api", eventType, orderID)
	env.Payload = mq.MustMarshal(mq.PaymentResultPayload{PaymentID: "p1", OrderID: orderID})
	return amqp.Delivery{Body: mq.MustMarshal(env)}
}

func TestHandlePaymentSuccessMovesPendingOrder(t *testing.T) {
	store := &fakeStore{
		orders: map[string]*orders.Order{
			"o1": {ID: "o1", UserID: "u1", Status: orders.StatusPendingPayment},
		},
	}
	life := &fakeLife{}
	r := newReconciler(store, life, &fakeLedger{}, &fakeFlash{})

	require.NoError(t, r.HandlePaymentSuccess(context.Background(), paymentDelivery(mq.EventPaymentSuccess, "o1")))
	require.Equal(t, []transitionCall{{"o1", orders.EventPay}}, life.calls,
		"payment landed but the order move did not: the event closes the gap")
}

func TestHandlePaymentSuccessPaidOrderIsNoop(t *testing.T) {
	store := &fakeStore{
		orders: map[string]*orders.Order{"o1": {ID: "o1", Status: orders.StatusPaid}},
	}
	life := &fakeLife{}
	r := newReconciler(store, life, &fakeLedger{}, &fakeFlash{})

	require.NoError(t, r.HandlePaymentSuccess(context.Background(), paymentDelivery(mq.EventPaymentSuccess, "o1")))
	require.Empty(t, life.calls)
}

func TestHandlePaymentSuccessCancelledOrderAlertsOnly(t *testing.T) {
	store := &fakeStore{
		orders: map[string]*orders.Order{"o1": {ID: "o1", Status: orders.StatusCancelled}},
	}
	life := &fakeLife{}
	led := &fakeLedger{}
	r := newReconciler(store, life, led, &fakeFlash{})

	require.NoError(t, r.HandlePaymentSuccess(context.Background(), paymentDelivery(mq.EventPaymentSuccess, "o1")))
	require.Empty(t, life.calls, "refund is a human decision, no automated state change")
	require.Empty(t, led.restored, "the cancel path already restored stock")
}

func TestHandlePaymentSuccessRaceIsNoop(t *testing.T) {
	store := &fakeStore{
		orders: map[string]*orders.Order{"o1": {ID: "o1", Status: orders.StatusPendingPayment}},
	}
	life := &fakeLife{err: &orders.InvalidTransitionError{From: orders.StatusPaid, Event: orders.EventPay}}
	r := newReconciler(store, life, &fakeLedger{}, &fakeFlash{})

	require.NoError(t, r.HandlePaymentSuccess(context.Background(), paymentDelivery(mq.EventPaymentSuccess, "o1")),
		"a callback finishing first must not fail the event")
}

func TestHandlePaymentSuccessUnknownOrder(t *testing.T) {
	r := newReconciler(&fakeStore{orders: map[string]*orders.Order{}}, &fakeLife{}, &fakeLedger{}, &fakeFlash{})
	require.NoError(t, r.HandlePaymentSuccess(context.Background(), paymentDelivery(mq.EventPaymentSuccess, "ghost")))
}

func TestHandlePaymentMalformedIsPoison(t *testing.T) {
	r := newReconciler(&fakeStore{}, &fakeLife{}, &fakeLedger{}, &fakeFlash{})

	err := r.HandlePaymentSuccess(context.Background(), amqp.Delivery{Body: []byte("{")})
	require.True(t, mq.IsPermanent(err))

	err = r.HandlePaymentFailed(context.Background(), amqp.Delivery{Body: []byte(`{"event_type":"x"}`)})
	require.True(t, mq.IsPermanent(err))
}

func TestHandlePaymentFailedKeepsOrderWaiting(t *testing.T) {
	store := &fakeStore{
		orders: map[string]*orders.Order{"o1": {ID: "o1", Status: orders.StatusPendingPayment}},
	}
	life := &fakeLife{}
	r := newReconciler(store, life, &fakeLedger{}, &fakeFlash{})

	require.NoError(t, r.HandlePaymentFailed(context.Background(), paymentDelivery(mq.EventPaymentFailed, "o1")))
	require.Empty(t, life.calls, "a failed attempt leaves the timeout token in charge")
}

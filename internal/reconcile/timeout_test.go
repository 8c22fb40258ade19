package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/example/mall-core/internal/mq"
	"github.com/example/mall-core/internal/orders"
	"github.com/example/mall-core/internal/stock"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	orders  map[string]*orders.Order
	lines   map[string][]orders.ReservedSku
	pending []*orders.Order
}

func (f *fakeStore) Get(ctx context.Context, id string) (*orders.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeStore) ReservedSkus(ctx context.Context, id string) ([]orders.ReservedSku, error) {
	return f.lines[id], nil
}

func (f *fakeStore) PendingOlderThan(ctx context.Context, cutoff time.Time) ([]*orders.Order, error) {
	return f.pending, nil
}

type transitionCall struct {
	OrderID string
	Event   orders.Event
}

type fakeLife struct {
	calls []transitionCall
	err   error
}

func (f *fakeLife) Transition(ctx context.Context, orderID string, event orders.Event, operator, reason string) (*orders.Order, error) {
	f.calls = append(f.calls, transitionCall{orderID, event})
	if f.err != nil {
		return nil, f.err
	}
	return &orders.Order{ID: orderID, Status: orders.StatusCancelled}, nil
}

type fakeLedger struct {
	restored map[string]int // "order/sku" -> qty restored
	seen     map[string]bool
}

func (f *fakeLedger) RestoreOnce(ctx context.Context, orderID, skuID string, qty int) (bool, error) {
	key := orderID + "/" + skuID
	if f.seen[key] {
		return false, nil
	}
	if f.restored == nil {
		f.restored = map[string]int{}
	}
	f.restored[key] = qty
	return true, nil
}

func (f *fakeLedger) HasLog(ctx context.Context, orderID, skuID, changeType string) (bool, error) {
	return f.seen[orderID+"/"+skuID+"/"+changeType], nil
}

type fakeFlash struct {
	restores []string // "order/sku/qty"
}

func (f *fakeFlash) Restore(ctx context.Context, orderID, promoID, skuID, userID string, qty int) error {
	f.restores = append(f.restores, orderID+"/"+skuID)
	return nil
}

func tokenDelivery(t *testing.T, orderID string) amqp.Delivery {
	t.Helper()
	env := mq.NewEnvelope("mall-api", mq.EventOrderTimeout, orderID)
	env.Payload = mq.MustMarshal(mq.TimeoutToken{OrderID: orderID, OrderNo: "SO1"})
	return amqp.Delivery{Body: mq.MustMarshal(env)}
}

func newReconciler(store *fakeStore, life *fakeLife, led *fakeLedger, fl *fakeFlash) *Reconciler {
	return New(store, life, led, fl)
}

func TestHandleTimeoutMalformedIsPoison(t *testing.T) {
	r := newReconciler(&fakeStore{}, &fakeLife{}, &fakeLedger{}, &fakeFlash{})

	err := r.HandleTimeout(context.Background(), amqp.Delivery{Body: []byte("{")})
	require.Error(t, err)
	require.True(t, mq.IsPermanent(err), "garbage must dead-letter, not requeue")

	err = r.HandleTimeout(context.Background(), amqp.Delivery{Body: []byte(`{"payload": 5}`)})
	require.True(t, mq.IsPermanent(err))
}

func TestHandleTimeoutOrderGone(t *testing.T) {
	life := &fakeLife{}
	r := newReconciler(&fakeStore{orders: map[string]*orders.Order{}}, life, &fakeLedger{}, &fakeFlash{})

	require.NoError(t, r.HandleTimeout(context.Background(), tokenDelivery(t, "o1")))
	require.Empty(t, life.calls)
}

func TestHandleTimeoutCancelsAndRestores(t *testing.T) {
	store := &fakeStore{
		orders: map[string]*orders.Order{
			"o1": {ID: "o1", UserID: "u1", Status: orders.StatusPendingPayment},
		},
		lines: map[string][]orders.ReservedSku{
			"o1": {
				{OrderID: "o1", SkuID: "sku-a", Qty: 2},
				{OrderID: "o1", SkuID: "sku-b", Qty: 1, Flash: true, PromoID: "promo"},
			},
		},
	}
	life := &fakeLife{}
	led := &fakeLedger{}
	fl := &fakeFlash{}
	r := newReconciler(store, life, led, fl)

	require.NoError(t, r.HandleTimeout(context.Background(), tokenDelivery(t, "o1")))

	require.Equal(t, []transitionCall{{"o1", orders.EventTimeout}}, life.calls)
	require.Equal(t, 2, led.restored["o1/sku-a"], "normal line restores into the ledger")
	require.Equal(t, []string{"o1/sku-b"}, fl.restores, "flash line restores into the pool")
}

func TestHandleTimeoutPaymentRaceIsNoop(t *testing.T) {
	store := &fakeStore{
		orders: map[string]*orders.Order{
			"o1": {ID: "o1", Status: orders.StatusPendingPayment},
		},
		lines: map[string][]orders.ReservedSku{"o1": {{OrderID: "o1", SkuID: "sku-a", Qty: 1}}},
	}
	life := &fakeLife{err: &orders.InvalidTransitionError{From: orders.StatusPaid, Event: orders.EventTimeout}}
	led := &fakeLedger{}
	r := newReconciler(store, life, led, &fakeFlash{})

	require.NoError(t, r.HandleTimeout(context.Background(), tokenDelivery(t, "o1")))
	require.Empty(t, led.restored, "a raced payment must keep its stock")
}

func TestHandleTimeoutAlreadyProgressed(t *testing.T) {
	store := &fakeStore{
		orders: map[string]*orders.Order{"o1": {ID: "o1", Status: orders.StatusPaid}},
	}
	life := &fakeLife{}
	led := &fakeLedger{}
	r := newReconciler(store, life, led, &fakeFlash{})

	require.NoError(t, r.HandleTimeout(context.Background(), tokenDelivery(t, "o1")))
	require.Empty(t, life.calls)
	require.Empty(t, led.restored)
}

func TestHandleTimeoutRedeliveryAfterPartialFailure(t *testing.T) {
	// transition landed on the first delivery, restore did not
	store := &fakeStore{
		orders: map[string]*orders.Order{"o1": {ID: "o1", Status: orders.StatusCancelled}},
		lines:  map[string][]orders.ReservedSku{"o1": {{OrderID: "o1", SkuID: "sku-a", Qty: 2}}},
	}
	life := &fakeLife{}
	led := &fakeLedger{}
	r := newReconciler(store, life, led, &fakeFlash{})

	require.NoError(t, r.HandleTimeout(context.Background(), tokenDelivery(t, "o1")))
	require.Empty(t, life.calls, "already cancelled, no second transition")
	require.Equal(t, 2, led.restored["o1/sku-a"])

	// and a third delivery changes nothing
	led.seen = map[string]bool{"o1/sku-a": true}
	led.restored = nil
	require.NoError(t, r.HandleTimeout(context.Background(), tokenDelivery(t, "o1")))
	require.Empty(t, led.restored)
}

func TestRestoreOrderSkipsRestoredFlashLine(t *testing.T) {
	store := &fakeStore{
		lines: map[string][]orders.ReservedSku{
			"o1": {{OrderID: "o1", SkuID: "sku-b", Qty: 1, Flash: true, PromoID: "promo"}},
		},
	}
	led := &fakeLedger{seen: map[string]bool{"o1/sku-b/" + stock.ChangeFlashRestore: true}}
	fl := &fakeFlash{}
	r := newReconciler(store, &fakeLife{}, led, fl)

	require.NoError(t, r.RestoreOrder(context.Background(), "o1", "u1"))
	require.Empty(t, fl.restores, "already compensated flash line must not restore twice")
}

func TestSweepCancelsStaleOrders(t *testing.T) {
	stale := &orders.Order{ID: "o1", UserID: "u1", Status: orders.StatusPendingPayment}
	store := &fakeStore{
		pending: []*orders.Order{stale},
		lines:   map[string][]orders.ReservedSku{"o1": {{OrderID: "o1", SkuID: "sku-a", Qty: 1}}},
	}
	life := &fakeLife{}
	led := &fakeLedger{}
	r := newReconciler(store, life, led, &fakeFlash{})

	require.NoError(t, r.Sweep(context.Background(), 30*time.Minute))
	require.Equal(t, []transitionCall{{"o1", orders.EventTimeout}}, life.calls)
	require.Equal(t, 1, led.restored["o1/sku-a"])
}

func TestSweepSkipsRacedOrders(t *testing.T) {
	store := &fakeStore{
		pending: []*orders.Order{{ID: "o1", Status: orders.StatusPendingPayment}},
		lines:   map[string][]orders.ReservedSku{"o1": {{OrderID: "o1", SkuID: "sku-a", Qty: 1}}},
	}
	life := &fakeLife{err: &orders.InvalidTransitionError{From: orders.StatusPaid, Event: orders.EventTimeout}}
	led := &fakeLedger{}
	r := newReconciler(store, life, led, &fakeFlash{})

	require.NoError(t, r.Sweep(context.Background(), 30*time.Minute))
	require.Empty(t, led.restored)
}

func TestSweepContinuesPastErrors(t *testing.T) {
	store := &fakeStore{
		pending: []*orders.Order{
			{ID: "o1", Status: orders.StatusPendingPayment},
			{ID: "o2", Status: orders.StatusPendingPayment},
		},
		lines: map[string][]orders.ReservedSku{
			"o2": {{OrderID: "o2", SkuID: "sku-a", Qty: 1}},
		},
	}
	life := &fakeLife{}
	led := &fakeLedger{}
	r := newReconciler(store, life, led, &fakeFlash{})

	require.NoError(t, r.Sweep(context.Background(), 30*time.Minute))
	require.Len(t, life.calls, 2)
	require.Equal(t, 1, led.restored["o2/sku-a"])
}

func cancelDelivery(orderID string) amqp.Delivery {
	env := mq.NewEnvelope("mall-api", mq.EventOrderStatus, orderID)
	env.OldStatus = string(orders.StatusPendingPayment)
	env.NewStatus = string(orders.StatusCancelled)
	return amqp.Delivery{Body: mq.MustMarshal(env)}
}

func TestHandleCancelRestoresStock(t *testing.T) {
	store := &fakeStore{
		orders: map[string]*orders.Order{
			"o1": {ID: "o1", UserID: "u1", Status: orders.StatusCancelled},
		},
		lines: map[string][]orders.ReservedSku{
			"o1": {
				{OrderID: "o1", SkuID: "sku-a", Qty: 2},
				{OrderID: "o1", SkuID: "sku-b", Qty: 1, Flash: true, PromoID: "promo"},
			},
		},
	}
	life := &fakeLife{}
	led := &fakeLedger{}
	fl := &fakeFlash{}
	r := newReconciler(store, life, led, fl)

	require.NoError(t, r.HandleCancel(context.Background(), cancelDelivery("o1")))

	require.Empty(t, life.calls, "the cancel already happened, only stock moves")
	require.Equal(t, 2, led.restored["o1/sku-a"])
	require.Equal(t, []string{"o1/sku-b"}, fl.restores)

	// the original timeout token arriving later restores nothing more
	led.seen = map[string]bool{"o1/sku-a": true, "o1/sku-b/" + stock.ChangeFlashRestore: true}
	led.restored = nil
	fl.restores = nil
	require.NoError(t, r.HandleTimeout(context.Background(), tokenDelivery(t, "o1")))
	require.Empty(t, led.restored)
	require.Empty(t, fl.restores)
}

func TestHandleCancelNonCancelledOrderIsNoop(t *testing.T) {
	store := &fakeStore{
		orders: map[string]*orders.Order{"o1": {ID: "o1", Status: orders.StatusPendingPayment}},
		lines:  map[string][]orders.ReservedSku{"o1": {{OrderID: "o1", SkuID: "sku-a", Qty: 1}}},
	}
	led := &fakeLedger{}
	r := newReconciler(store, &fakeLife{}, led, &fakeFlash{})

	require.NoError(t, r.HandleCancel(context.Background(), cancelDelivery("o1")))
	require.Empty(t, led.restored, "a stale cancel event must not touch stock")
}

func TestHandleCancelOrderGone(t *testing.T) {
	r := newReconciler(&fakeStore{orders: map[string]*orders.Order{}}, &fakeLife{}, &fakeLedger{}, &fakeFlash{})
	require.NoError(t, r.HandleCancel(context.Background(), cancelDelivery("o1")))
}

func TestHandleCancelMalformedIsPoison(t *testing.T) {
	r := newReconciler(&fakeStore{}, &fakeLife{}, &fakeLedger{}, &fakeFlash{})

	err := r.HandleCancel(context.Background(), amqp.Delivery{Body: []byte("{")})
	require.True(t, mq.IsPermanent(err))

	err = r.HandleCancel(context.Background(), amqp.Delivery{Body: []byte(`{"event_type":"x"}`)})
	require.True(t, mq.IsPermanent(err), "an event without identity can never be handled")
}

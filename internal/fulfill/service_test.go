package fulfill

import (
	"context"
	"testing"

	"github.com/example/mall-core/internal/mq"
	"github.com/pashagolub/pgxmock/v3"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*Service, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return New(mock), mock
}

func createdDelivery(orderID string) amqp.Delivery {
	env := mq.NewEnvelope("mall-api", mq.EventOrderCreated, orderID)
	env.Payload = mq.MustMarshal(mq.OrderCreatedPayload{
		OrderID: orderID, OrderNo: "SO1", UserID: "u1", TotalCents: 1000,
	})
	return amqp.Delivery{Body: mq.MustMarshal(env)}
}

func completedDelivery(orderID string) amqp.Delivery {
	env := mq.NewEnvelope("mall-api", mq.EventOrderStatus, orderID)
	env.NewStatus = "COMPLETED"
	return amqp.Delivery{Body: mq.MustMarshal(env)}
}

func TestHandleOrderCreatedOpensRecord(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectExec("INSERT INTO fulfillments").
		WithArgs("o1", "SO1", "u1", 1000, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.HandleOrderCreated(context.Background(), createdDelivery("o1")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleOrderCreatedRedeliveryIsNoop(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectExec("INSERT INTO fulfillments").
		WithArgs("o1", "SO1", "u1", 1000, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, s.HandleOrderCreated(context.Background(), createdDelivery("o1")),
		"the conflict clause swallows the duplicate")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleOrderCreatedMalformedIsPoison(t *testing.T) {
	s, _ := newService(t)

	err := s.HandleOrderCreated(context.Background(), amqp.Delivery{Body: []byte("{")})
	require.True(t, mq.IsPermanent(err))

	env := mq.NewEnvelope("mall-api", mq.EventOrderCreated, "o1")
	env.Payload = mq.MustMarshal(mq.OrderCreatedPayload{})
	err = s.HandleOrderCreated(context.Background(), amqp.Delivery{Body: mq.MustMarshal(env)})
	require.True(t, mq.IsPermanent(err), "a payload without identity can never be handled")
}

func TestHandleOrderCompletedClosesRecord(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectExec("UPDATE fulfillments").
		WithArgs("o1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.HandleOrderCompleted(context.Background(), completedDelivery("o1")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleOrderCompletedWithoutOpenRecord(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectExec("UPDATE fulfillments").
		WithArgs("o1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.HandleOrderCompleted(context.Background(), completedDelivery("o1")),
		"no open record is not a failure")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleStatusChanged(t *testing.T) {
	s, _ := newService(t)

	require.NoError(t, s.HandleStatusChanged(context.Background(), completedDelivery("o1")))

	err := s.HandleStatusChanged(context.Background(), amqp.Delivery{Body: []byte("{")})
	require.True(t, mq.IsPermanent(err))
}

package mq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderCreated   = "OrderCreated"
	EventOrderStatus    = "OrderStatusChanged"
	EventOrderTimeout   = "OrderTimeout"
	EventPaymentStatus  = "PaymentStatusChanged"
	EventPaymentSuccess = "PaymentSuccess"
	EventPaymentFailed  = "PaymentFailed"
)

// Envelope is the wire frame for every message on the fabric. EventID doubles
// as the consumer-side dedup/idempotency key.
type Envelope struct {
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	EventVersion int             `json:"event_version"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Producer     string          `json:"producer"`

	// Business identity of the entity the message is about.
	EntityID string `json:"entity_id"`
	EntityNo string `json:"entity_no,omitempty"`

	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`

	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(producer, eventType, entityID string) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		EntityID:      entityID,
		CorrelationID: entityID,
	}
}

func MustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Unwrap decodes the event-specific payload.
func Unwrap[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}

// ---- payload types ----

type OrderCreatedPayload struct {
	OrderID    string `json:"order_id"`
	OrderNo    string `json:"order_no"`
	UserID     string `json:"user_id"`
	TotalCents int    `json:"total_cents"`
}

// TimeoutToken rides the delay queue; it carries identity only, never status.
// The consumer re-reads current status instead of trusting the token.
type TimeoutToken struct {
	OrderID string `json:"order_id"`
	OrderNo string `json:"order_no"`
}

type PaymentResultPayload struct {
	PaymentID   string `json:"payment_id"`
	OrderID     string `json:"order_id"`
	AmountCents int    `json:"amount_cents"`
	Reason      string `json:"reason,omitempty"`
}

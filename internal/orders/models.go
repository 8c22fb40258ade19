package orders

import "time"

type Order struct {
	ID         string
	OrderNo    string // business number shown to users
	ExternalID string // caller-supplied idempotency key
	UserID     string
	Status     Status
	TotalCents int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ReservedSku is one reserved line of an order. Flash lines restore into the
// redis pool, normal lines into sku_stock.
type ReservedSku struct {
	OrderID string
	SkuID   string
	Qty     int
	Flash   bool
	PromoID string
}

type Payment struct {
	ID          string
	OrderID     string
	Status      PaymentStatus
	AmountCents int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StateLog is one immutable row of the audit trail. Rows are only ever
// appended; retention is an explicit external job.
type StateLog struct {
	ID        int64
	EntityID  string // order id or payment id
	Entity    string // "order" | "payment"
	OldStatus string
	NewStatus string
	Event     string
	Operator  string
	Reason    string
	CreatedAt time.Time
}

package orders

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the slice of pgxpool.Pool the repo needs. *pgxpool.Pool satisfies it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var (
	ErrNotFound = errors.New("orders: not found")

	// ErrStaleStatus means the row no longer carried the status the caller
	// read. With per-order locking in place this indicates a bug or an
	// out-of-band write.
	ErrStaleStatus = errors.New("orders: status changed concurrently")
)

type Repo struct{ DB DB }

func NewRepo(db DB) *Repo { return &Repo{DB: db} }

// Create persists order, reserved lines and the linked payment in one tx.
func (r *Repo) Create(ctx context.Context, o *Order, lines []ReservedSku, p *Payment) error {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO orders(id, order_no, external_id, user_id, status, total_cents, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$7)`,
		o.ID, o.OrderNo, o.ExternalID, o.UserID, o.Status, o.TotalCents, now); err != nil {
		return err
	}
	for _, ln := range lines {
		if _, err := tx.Exec(ctx,
			`INSERT INTO reserved_skus(order_id, sku_id, qty, flash, promo_id)
			 VALUES ($1,$2,$3,$4,$5)`,
			o.ID, ln.SkuID, ln.Qty, ln.Flash, ln.PromoID); err != nil {
			return err
		}
	}
	if p != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO payments(id, order_id, status, amount_cents, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$5)`,
			p.ID, p.OrderID, p.Status, p.AmountCents, now); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *Repo) Get(ctx context.Context, orderID string) (*Order, error) {
	o := &Order{}
	err := r.DB.QueryRow(ctx,
		`SELECT id, order_no, external_id, user_id, status, total_cents, created_at, updated_at
		 FROM orders WHERE id=$1`, orderID).
		Scan(&o.ID, &o.OrderNo, &o.ExternalID, &o.UserID, &o.Status, &o.TotalCents, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// GetByExternalID backs checkout idempotency when the redis shortcut is cold.
func (r *Repo) GetByExternalID(ctx context.Context, externalID string) (*Order, error) {
	o := &Order{}
	err := r.DB.QueryRow(ctx,
		`SELECT id, order_no, external_id, user_id, status, total_cents, created_at, updated_at
		 FROM orders WHERE external_id=$1`, externalID).
		Scan(&o.ID, &o.OrderNo, &o.ExternalID, &o.UserID, &o.Status, &o.TotalCents, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (r *Repo) ReservedSkus(ctx context.Context, orderID string) ([]ReservedSku, error) {
	rows, err := r.DB.Query(ctx,
		`SELECT order_id, sku_id, qty, flash, promo_id FROM reserved_skus WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReservedSku
	for rows.Next() {
		var ln ReservedSku
		if err := rows.Scan(&ln.OrderID, &ln.SkuID, &ln.Qty, &ln.Flash, &ln.PromoID); err != nil {
			return nil, err
		}
		out = append(out, ln)
	}
	return out, rows.Err()
}

// PendingOlderThan lists orders still unpaid past the cutoff. Backs the
// reconciler sweep that covers lost timeout tokens.
func (r *Repo) PendingOlderThan(ctx context.Context, cutoff time.Time) ([]*Order, error) {
	rows, err := r.DB.Query(ctx,
		`SELECT id, order_no, external_id, user_id, status, total_cents, created_at, updated_at
		 FROM orders WHERE status=$1 AND created_at < $2 ORDER BY created_at`,
		StatusPendingPayment, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o := &Order{}
		if err := rows.Scan(&o.ID, &o.OrderNo, &o.ExternalID, &o.UserID, &o.Status,
			&o.TotalCents, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateStatus moves the order from->to and appends the state-log row in one
// tx. The WHERE status=$from guard makes the write a no-op if the row moved.
func (r *Repo) UpdateStatus(ctx context.Context, orderID string, from, to Status, event Event, operator, reason string) error {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	ct, err := tx.Exec(ctx,
		`UPDATE orders SET status=$3, updated_at=$4 WHERE id=$1 AND status=$2`,
		orderID, from, to, now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO state_log(entity_id, entity, old_status, new_status, event, operator, reason, created_at)
		 VALUES ($1,'order',$2,$3,$4,$5,$6,$7)`,
		orderID, from, to, event, operator, reason, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repo) GetPaymentByOrder(ctx context.Context, orderID string) (*Payment, error) {
	p := &Payment{}
	err := r.DB.QueryRow(ctx,
		`SELECT id, order_id, status, amount_cents, created_at, updated_at
		 FROM payments WHERE order_id=$1`, orderID).
		Scan(&p.ID, &p.OrderID, &p.Status, &p.AmountCents, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Repo) UpdatePaymentStatus(ctx context.Context, paymentID string, from, to PaymentStatus, event PaymentEvent, operator, reason string) error {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	ct, err := tx.Exec(ctx,
		`UPDATE payments SET status=$3, updated_at=$4 WHERE id=$1 AND status=$2`,
		paymentID, from, to, now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO state_log(entity_id, entity, old_status, new_status, event, operator, reason, created_at)
		 VALUES ($1,'payment',$2,$3,$4,$5,$6,$7)`,
		paymentID, from, to, event, operator, reason, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// StateHistory returns the append-only audit trail for one entity.
func (r *Repo) StateHistory(ctx context.Context, entityID string) ([]StateLog, error) {
	rows, err := r.DB.Query(ctx,
		`SELECT id, entity_id, entity, old_status, new_status, event, operator, reason, created_at
		 FROM state_log WHERE entity_id=$1 ORDER BY id`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StateLog
	for rows.Next() {
		var sl StateLog
		if err := rows.Scan(&sl.ID, &sl.EntityID, &sl.Entity, &sl.OldStatus, &sl.NewStatus,
			&sl.Event, &sl.Operator, &sl.Reason, &sl.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

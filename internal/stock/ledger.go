package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the slice of pgxpool.Pool the ledger needs. *pgxpool.Pool satisfies it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var ErrUnknownSku = errors.New("stock: unknown sku")

// casRetries bounds the optimistic read-modify-write loop.
const casRetries = 3

type SkuStock struct {
	SkuID      string `json:"sku_id"`
	Quantity   int    `json:"quantity"`
	PriceCents int    `json:"price_cents"`
	Version    int64  `json:"version"`
}

// Ledger owns every mutation of sku_stock. quantity never goes below zero;
// every accepted mutation bumps version and appends a stock_log row in the
// same transaction.
type Ledger struct{ DB DB }

func NewLedger(db DB) *Ledger { return &Ledger{DB: db} }

func (l *Ledger) Get(ctx context.Context, skuID string) (SkuStock, error) {
	s := SkuStock{SkuID: skuID}
	err := l.DB.QueryRow(ctx,
		`SELECT quantity, price_cents, version FROM sku_stock WHERE sku_id=$1`, skuID).
		Scan(&s.Quantity, &s.PriceCents, &s.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, ErrUnknownSku
	}
	return s, err
}

// Reserve decrements quantity by qty under optimistic concurrency: the UPDATE
// only lands if the row still carries the version we read. On interference it
// re-reads and retries up to casRetries times, then reports OutcomeConflict
// (transient, not stock exhaustion).
func (l *Ledger) Reserve(ctx context.Context, orderID, skuID string, qty int) (Outcome, error) {
	if qty <= 0 {
		return OutcomeConflict, fmt.Errorf("stock: invalid qty %d", qty)
	}
	for attempt := 0; attempt < casRetries; attempt++ {
		cur, err := l.Get(ctx, skuID)
		if err != nil {
			return OutcomeConflict, err
		}
		if cur.Quantity < qty {
			return OutcomeInsufficient, nil
		}

		tx, err := l.DB.Begin(ctx)
		if err != nil {
			return OutcomeConflict, err
		}
		ct, err := tx.Exec(ctx,
			`UPDATE sku_stock SET quantity = quantity - $2, version = version + 1
			 WHERE sku_id = $1 AND version = $3`,
			skuID, qty, cur.Version)
		if err != nil {
			_ = tx.Rollback(ctx)
			return OutcomeConflict, err
		}
		if ct.RowsAffected() == 0 {
			// someone moved the row under us; retry the read
			_ = tx.Rollback(ctx)
			continue
		}
		if err := appendLog(ctx, tx, skuID, orderID, ChangeReserve, -qty, cur.Quantity, cur.Quantity-qty); err != nil {
			_ = tx.Rollback(ctx)
			return OutcomeConflict, err
		}
		if err := tx.Commit(ctx); err != nil {
			return OutcomeConflict, err
		}
		return OutcomeOK, nil
	}
	return OutcomeConflict, nil
}

// Restore is the compensating increment. Addition is commutative, so no
// version check is needed; the version still bumps for the audit trail.
func (l *Ledger) Restore(ctx context.Context, orderID, skuID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("stock: invalid qty %d", qty)
	}
	tx, err := l.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var after int
	err = tx.QueryRow(ctx,
		`UPDATE sku_stock SET quantity = quantity + $2, version = version + 1
		 WHERE sku_id = $1 RETURNING quantity`,
		skuID, qty).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUnknownSku
	}
	if err != nil {
		return err
	}
	if err := appendLog(ctx, tx, skuID, orderID, ChangeRestore, qty, after-qty, after); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RestoreOnce restores at most once per (order, sku): the stock_log row is
// the idempotency marker, checked and written in the same tx. Duplicate
// timeout deliveries and cancel-listener overlap both collapse to one
// restoration.
func (l *Ledger) RestoreOnce(ctx context.Context, orderID, skuID string, qty int) (bool, error) {
	if qty <= 0 {
		return false, fmt.Errorf("stock: invalid qty %d", qty)
	}
	tx, err := l.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var seen bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM stock_log WHERE order_id=$1 AND sku_id=$2 AND change_type=$3)`,
		orderID, skuID, ChangeRestore).Scan(&seen); err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}

	var after int
	err = tx.QueryRow(ctx,
		`UPDATE sku_stock SET quantity = quantity + $2, version = version + 1
		 WHERE sku_id = $1 RETURNING quantity`,
		skuID, qty).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrUnknownSku
	}
	if err != nil {
		return false, err
	}
	if err := appendLog(ctx, tx, skuID, orderID, ChangeRestore, qty, after-qty, after); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// HasLog reports whether a change of the given type was already recorded for
// the order line. Used to keep flash-pool compensation idempotent.
func (l *Ledger) HasLog(ctx context.Context, orderID, skuID, changeType string) (bool, error) {
	var seen bool
	err := l.DB.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM stock_log WHERE order_id=$1 AND sku_id=$2 AND change_type=$3)`,
		orderID, skuID, changeType).Scan(&seen)
	return seen, err
}

// AppendFlashLog records a flash-pool mutation for forensic reconstruction.
// The pool itself lives in redis; this row is the durable trace.
func (l *Ledger) AppendFlashLog(ctx context.Context, skuID, orderID, changeType string, delta, before, after int) error {
	_, err := l.DB.Exec(ctx,
		`INSERT INTO stock_log(sku_id, order_id, change_type, delta, before_qty, after_qty, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		skuID, orderID, changeType, delta, before, after, time.Now().UTC())
	return err
}

func appendLog(ctx context.Context, tx pgx.Tx, skuID, orderID, changeType string, delta, before, after int) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO stock_log(sku_id, order_id, change_type, delta, before_qty, after_qty, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		skuID, orderID, changeType, delta, before, after, time.Now().UTC())
	return err
}

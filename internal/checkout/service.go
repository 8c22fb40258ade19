package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/example/mall-core/internal/cacheshield"
	"github.com/example/mall-core/internal/mq"
	"github.com/example/mall-core/internal/orders"
	"github.com/example/mall-core/internal/redisx"
	"github.com/example/mall-core/internal/stock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrUnknownSku = errors.New("checkout: unknown sku")

// Publisher is the slice of the fabric publisher checkout needs.
type Publisher interface {
	Publish(exchange, key string, env mq.Envelope)
	PublishDelayToken(ctx context.Context, env mq.Envelope) error
}

type Line struct {
	SkuID string `json:"sku_id"`
	Qty   int    `json:"qty"`
}

type Request struct {
	ExternalID string `json:"external_id"`
	UserID     string `json:"user_id"`
	Items      []Line `json:"items"`
}

type FlashRequest struct {
	ExternalID string `json:"external_id"`
	UserID     string `json:"user_id"`
	PromoID    string `json:"promo_id"`
	SkuID      string `json:"sku_id"`
	Qty        int    `json:"qty"`
}

// Result carries a typed outcome; business failures (sold out, user capped,
// transient conflict) are answers, not errors.
type Result struct {
	Outcome    stock.Outcome `json:"outcome"`
	OrderID    string        `json:"order_id,omitempty"`
	OrderNo    string        `json:"order_no,omitempty"`
	TotalCents int           `json:"total_cents,omitempty"`
	Idempotent bool          `json:"idempotent,omitempty"`
	FailedSku  string        `json:"failed_sku,omitempty"`
}

// Service drives the checkout flow: idempotency shortcut, hot-SKU lookups
// through the cache shield, ledger reservation with compensation, order +
// payment creation, then fan-out onto the fabric plus the delay token.
type Service struct {
	Repo   *orders.Repo
	Ledger *stock.Ledger
	Flash  *stock.FlashPool
	Shield *cacheshield.Shield
	RDB    *redis.Client
	Pub    Publisher

	ServiceName string
	CacheTTL    time.Duration
}

// lookupSku reads the SKU row through the shield; the cached copy serves
// price/existence checks, never reservation (that goes to the ledger).
func (s *Service) lookupSku(ctx context.Context, skuID string) (stock.SkuStock, error) {
	var sku stock.SkuStock
	b, err := s.Shield.GetOrLoad(ctx, fmt.Sprintf(redisx.KeySku, skuID), s.CacheTTL,
		func(ctx context.Context) ([]byte, error) {
			row, err := s.Ledger.Get(ctx, skuID)
			if errors.Is(err, stock.ErrUnknownSku) {
				return nil, cacheshield.ErrNotFound
			}
			if err != nil {
				return nil, err
			}
			return json.Marshal(row)
		})
	if errors.Is(err, cacheshield.ErrNotFound) {
		return sku, ErrUnknownSku
	}
	if err != nil {
		return sku, err
	}
	if err := json.Unmarshal(b, &sku); err != nil {
		return sku, err
	}
	return sku, nil
}

// PlaceOrder reserves every line, then creates the order. A failed line rolls
// back the lines already reserved, so reservation is all-or-nothing.
func (s *Service) PlaceOrder(ctx context.Context, req Request) (*Result, error) {
	if req.ExternalID == "" || req.UserID == "" || len(req.Items) == 0 {
		return nil, errors.New("checkout: missing fields")
	}

	// fast-path idempotency; DB remains the source of truth
	idemKey := fmt.Sprintf(redisx.KeyIdemOrderCreate, req.ExternalID)
	if exists, _ := redisx.Exists(ctx, s.RDB, idemKey); exists {
		if o, err := s.Repo.GetByExternalID(ctx, req.ExternalID); err == nil {
			return &Result{Outcome: stock.OutcomeOK, OrderID: o.ID, OrderNo: o.OrderNo,
				TotalCents: o.TotalCents, Idempotent: true}, nil
		}
	}
	if o, err := s.Repo.GetByExternalID(ctx, req.ExternalID); err == nil {
		return &Result{Outcome: stock.OutcomeOK, OrderID: o.ID, OrderNo: o.OrderNo,
			TotalCents: o.TotalCents, Idempotent: true}, nil
	} else if !errors.Is(err, orders.ErrNotFound) {
		return nil, err
	}

	orderID := uuid.NewString()
	total := 0
	for _, it := range req.Items {
		if it.Qty <= 0 {
			return nil, fmt.Errorf("checkout: invalid qty for sku %s", it.SkuID)
		}
		sku, err := s.lookupSku(ctx, it.SkuID)
		if err != nil {
			return nil, err
		}
		total += sku.PriceCents * it.Qty
	}

	reserved := make([]Line, 0, len(req.Items))
	for _, it := range req.Items {
		out, err := s.Ledger.Reserve(ctx, orderID, it.SkuID, it.Qty)
		if err != nil || out != stock.OutcomeOK {
			s.compensate(ctx, orderID, reserved)
			if err != nil {
				return nil, err
			}
			return &Result{Outcome: out, FailedSku: it.SkuID}, nil
		}
		reserved = append(reserved, it)
	}

	o := &orders.Order{
		ID:         orderID,
		OrderNo:    newOrderNo(),
		ExternalID: req.ExternalID,
		UserID:     req.UserID,
		Status:     orders.StatusPendingPayment,
		TotalCents: total,
	}
	lines := make([]orders.ReservedSku, 0, len(req.Items))
	for _, it := range req.Items {
		lines = append(lines, orders.ReservedSku{OrderID: orderID, SkuID: it.SkuID, Qty: it.Qty})
	}
	p := &orders.Payment{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		Status:      orders.PaymentPending,
		AmountCents: total,
	}
	if err := s.Repo.Create(ctx, o, lines, p); err != nil {
		s.compensate(ctx, orderID, reserved)
		return nil, err
	}

	s.cacheAfterCreate(ctx, req.ExternalID, o)
	s.publishCreated(ctx, o)

	return &Result{Outcome: stock.OutcomeOK, OrderID: o.ID, OrderNo: o.OrderNo, TotalCents: total}, nil
}

// PlaceFlashOrder takes from the redis pool; only a successful deduct creates
// a database order. The one read before the deduct is the idempotency check,
// which must run first so a replay never takes from the pool twice.
func (s *Service) PlaceFlashOrder(ctx context.Context, req FlashRequest) (*Result, error) {
	if req.ExternalID == "" || req.UserID == "" || req.SkuID == "" || req.Qty <= 0 {
		return nil, errors.New("checkout: missing fields")
	}
	idemKey := fmt.Sprintf(redisx.KeyIdemOrderCreate, req.ExternalID)
	if exists, _ := redisx.Exists(ctx, s.RDB, idemKey); exists {
		if o, err := s.Repo.GetByExternalID(ctx, req.ExternalID); err == nil {
			return &Result{Outcome: stock.OutcomeOK, OrderID: o.ID, OrderNo: o.OrderNo,
				TotalCents: o.TotalCents, Idempotent: true}, nil
		}
	}
	// the redis idem key can evict; the DB stays the source of truth, and a
	// replay must not deduct the pool a second time
	if o, err := s.Repo.GetByExternalID(ctx, req.ExternalID); err == nil {
		return &Result{Outcome: stock.OutcomeOK, OrderID: o.ID, OrderNo: o.OrderNo,
			TotalCents: o.TotalCents, Idempotent: true}, nil
	} else if !errors.Is(err, orders.ErrNotFound) {
		return nil, err
	}

	orderID := uuid.NewString()
	out, err := s.Flash.Deduct(ctx, orderID, req.PromoID, req.SkuID, req.UserID, req.Qty)
	if err != nil {
		return nil, err
	}
	if out != stock.OutcomeOK {
		return &Result{Outcome: out, FailedSku: req.SkuID}, nil
	}

	sku, err := s.lookupSku(ctx, req.SkuID)
	if err != nil {
		_ = s.Flash.Restore(ctx, orderID, req.PromoID, req.SkuID, req.UserID, req.Qty)
		return nil, err
	}
	total := sku.PriceCents * req.Qty

	o := &orders.Order{
		ID:         orderID,
		OrderNo:    newOrderNo(),
		ExternalID: req.ExternalID,
		UserID:     req.UserID,
		Status:     orders.StatusPendingPayment,
		TotalCents: total,
	}
	lines := []orders.ReservedSku{{OrderID: orderID, SkuID: req.SkuID, Qty: req.Qty, Flash: true, PromoID: req.PromoID}}
	p := &orders.Payment{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		Status:      orders.PaymentPending,
		AmountCents: total,
	}
	if err := s.Repo.Create(ctx, o, lines, p); err != nil {
		_ = s.Flash.Restore(ctx, orderID, req.PromoID, req.SkuID, req.UserID, req.Qty)
		return nil, err
	}

	s.cacheAfterCreate(ctx, req.ExternalID, o)
	s.publishCreated(ctx, o)

	return &Result{Outcome: stock.OutcomeOK, OrderID: o.ID, OrderNo: o.OrderNo, TotalCents: total}, nil
}

// compensate restores lines already reserved when a later step failed.
// Restore is additive and idempotent at the ledger level, so a crash between
// reserve and compensate is recovered by the timeout reconciler instead.
func (s *Service) compensate(ctx context.Context, orderID string, reserved []Line) {
	for _, it := range reserved {
		if err := s.Ledger.Restore(ctx, orderID, it.SkuID, it.Qty); err != nil {
			log.Printf("checkout: compensate restore failed: order=%s sku=%s err=%v", orderID, it.SkuID, err)
		}
	}
}

func (s *Service) cacheAfterCreate(ctx context.Context, externalID string, o *orders.Order) {
	idemKey := fmt.Sprintf(redisx.KeyIdemOrderCreate, externalID)
	if err := s.RDB.Set(ctx, idemKey, o.ID, redisx.TTLIdempotency).Err(); err != nil {
		log.Printf("checkout: idem cache set: order=%s err=%v", o.ID, err)
	}
	statusKey := fmt.Sprintf(redisx.KeyOrderStatus, o.ID)
	body, _ := json.Marshal(map[string]string{"status": string(o.Status)})
	if err := s.RDB.Set(ctx, statusKey, body, redisx.TTLStatusCache).Err(); err != nil {
		log.Printf("checkout: status cache set: order=%s err=%v", o.ID, err)
	}
}

// publishCreated emits the order-created event and arms the timeout token.
// Publish failure never fails the checkout: the order row is committed and
// the reconciler sweep covers a lost token.
func (s *Service) publishCreated(ctx context.Context, o *orders.Order) {
	env := mq.NewEnvelope(s.ServiceName, mq.EventOrderCreated, o.ID)
	env.EntityNo = o.OrderNo
	env.NewStatus = string(o.Status)
	env.Payload = mq.MustMarshal(mq.OrderCreatedPayload{
		OrderID: o.ID, OrderNo: o.OrderNo, UserID: o.UserID, TotalCents: o.TotalCents,
	})
	s.Pub.Publish(mq.OrderExchange, mq.OrderCreateKey, env)

	token := mq.NewEnvelope(s.ServiceName, mq.EventOrderTimeout, o.ID)
	token.EntityNo = o.OrderNo
	token.Payload = mq.MustMarshal(mq.TimeoutToken{OrderID: o.ID, OrderNo: o.OrderNo})
	if err := s.Pub.PublishDelayToken(ctx, token); err != nil {
		log.Printf("checkout: delay token publish failed: order=%s err=%v", o.ID, err)
	}
}

func newOrderNo() string {
	return fmt.Sprintf("SO%s%s", time.Now().UTC().Format("20060102150405"), uuid.NewString()[:8])
}

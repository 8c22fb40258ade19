package stock

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/example/mall-core/internal/redisx"
	"github.com/redis/go-redis/v9"
)

// Flash-sale pool: a small per-promotion stock counter held in redis so the
// hot path never touches postgres. Deduction, the per-user purchase cap and
// the user counter update happen in one Lua script, atomically.
//
// Script results: 1 ok, -1 insufficient, -2 user capped, -3 pool not primed.
var (
	flashDeductScript = redis.NewScript(`
local stock = redis.call('get', KEYS[1])
if not stock then return -3 end
if tonumber(stock) < tonumber(ARGV[1]) then return -1 end
if ARGV[2] ~= '' then
  local bought = tonumber(redis.call('hget', KEYS[2], ARGV[2]) or '0')
  if bought + tonumber(ARGV[1]) > tonumber(ARGV[3]) then return -2 end
  redis.call('hincrby', KEYS[2], ARGV[2], ARGV[1])
end
redis.call('decrby', KEYS[1], ARGV[1])
return 1`)

	flashRestoreScript = redis.NewScript(`
if redis.call('exists', KEYS[1]) == 0 then return -3 end
redis.call('incrby', KEYS[1], ARGV[1])
if ARGV[2] ~= '' then
  local bought = tonumber(redis.call('hget', KEYS[2], ARGV[2]) or '0')
  if bought > 0 then redis.call('hincrby', KEYS[2], ARGV[2], -tonumber(ARGV[1])) end
end
return 1`)
)

type FlashPool struct {
	RDB *redis.Client

	// PerUserCap bounds purchases per user within one promotion.
	PerUserCap int

	// Log, when set, appends a durable stock_log trace per mutation.
	Log *Ledger
}

func stockKey(skuID string) string { return fmt.Sprintf(redisx.KeySeckillStock, skuID) }
func usersKey(promoID string) string { return fmt.Sprintf(redisx.KeySeckillUsers, promoID) }

// Prime loads the pool counter for a promotion SKU. Existing counters are
// overwritten: priming is an admin action that resets the pool.
func (p *FlashPool) Prime(ctx context.Context, promoID, skuID string, qty int) error {
	if err := p.RDB.Set(ctx, stockKey(skuID), qty, redisx.TTLSeckill).Err(); err != nil {
		return err
	}
	return p.RDB.Expire(ctx, usersKey(promoID), redisx.TTLSeckill).Err()
}

// Remaining reports the current pool counter, -1 if not primed.
func (p *FlashPool) Remaining(ctx context.Context, skuID string) (int, error) {
	n, err := p.RDB.Get(ctx, stockKey(skuID)).Int()
	if err == redis.Nil {
		return -1, nil
	}
	return n, err
}

// Deduct atomically takes qty from the pool, enforcing the per-user cap.
func (p *FlashPool) Deduct(ctx context.Context, orderID, promoID, skuID, userID string, qty int) (Outcome, error) {
	if qty <= 0 {
		return OutcomeConflict, fmt.Errorf("stock: invalid qty %d", qty)
	}
	res, err := flashDeductScript.Run(ctx, p.RDB,
		[]string{stockKey(skuID), usersKey(promoID)},
		qty, userID, p.PerUserCap).Int64()
	if err != nil {
		return OutcomeConflict, err
	}
	switch res {
	case 1:
		p.trace(ctx, orderID, skuID, ChangeFlashDeduct, -qty)
		return OutcomeOK, nil
	case -1:
		return OutcomeInsufficient, nil
	case -2:
		return OutcomeUserCapped, nil
	default:
		return OutcomeConflict, fmt.Errorf("stock: flash pool not primed: sku=%s", skuID)
	}
}

// Restore compensates a deduction, e.g. when the timeout reconciler cancels
// an unpaid flash order.
func (p *FlashPool) Restore(ctx context.Context, orderID, promoID, skuID, userID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("stock: invalid qty %d", qty)
	}
	res, err := flashRestoreScript.Run(ctx, p.RDB,
		[]string{stockKey(skuID), usersKey(promoID)},
		qty, userID).Int64()
	if err != nil {
		return err
	}
	if res != 1 {
		return fmt.Errorf("stock: flash pool not primed: sku=%s", skuID)
	}
	p.trace(ctx, orderID, skuID, ChangeFlashRestore, qty)
	return nil
}

// trace is best-effort: the redis counter is the source of truth for the hot
// path, the log row is forensics only.
func (p *FlashPool) trace(ctx context.Context, orderID, skuID, changeType string, delta int) {
	if p.Log == nil {
		return
	}
	remaining, err := p.Remaining(ctx, skuID)
	if err != nil {
		remaining = -1
	}
	tctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.Log.AppendFlashLog(tctx, skuID, orderID, changeType, delta, remaining-delta, remaining); err != nil {
		log.Printf("stock: flash log append failed: sku=%s order=%s err=%v", skuID, orderID, err)
	}
}

package redisx

import "time"

const (
	// Distributed lock keys: lock:{resource} -> holder token
	KeyLock = "lock:%s"

	// Read-through cache: sku:{sku_id} -> serialized SkuStock (or NullMarker)
	KeySku = "sku:%s"

	// Cache status order: order_status:{order_id} -> {"status": "..."}
	KeyOrderStatus = "order_status:%s"

	// Idempotency create order: idem:order:create:{external_id} -> order_id
	KeyIdemOrderCreate = "idem:order:create:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Flash sale: seckill:stock:{sku_id} -> remaining pool counter
	KeySeckillStock = "seckill:stock:%s"

	// Flash sale: seckill:users:{promo_id} -> hash user_id -> purchased count
	KeySeckillUsers = "seckill:users:%s"

	// Dead letter stats hash: queue_{name} / reason_{reason} -> count
	KeyDeadLetterStats = "mq:deadletter:stats"
)

// NullMarker is the sentinel cached for a confirmed-absent database row.
// Distinct from every real serialized value (values are JSON objects).
const NullMarker = "__NULL__"

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
	TTLNullMarker  = 60 * time.Second
	TTLSeckill     = 24 * time.Hour
)

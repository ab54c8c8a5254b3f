package model

// Redis key templates
const (
	CacheShopKey     = "cache:shop:"
	CacheHotShopKey  = "cache:shop:hot:"
	CacheShopTypeKey = "cache:shop-type:"
	CacheVoucherKey  = "cache:seckill-voucher:"

	LoginTokenKey = "login:token:"

	SeckillStockKeyFmt  = "seckill:stock:%d"
	SeckillOrderKeyFmt  = "seckill:order:%d" // set of user ids holding a reservation
	SeckillOrphansKey   = "seckill:orphans"
	SeckillDeadOrderKey = "seckill:dlq:seen"

	LockOrderKeyFmt   = "order:%d"      // %d = user id, consumer side
	LockSeckillKeyFmt = "seckill:%d:%d" // %d = voucher id, user id, admission side
)

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Cache     CacheConfig
	Lock      LockConfig
	Seckill   SeckillConfig
	Broker    BrokerConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type CacheConfig struct {
	ShopTTL             time.Duration `mapstructure:"shop_ttl"`
	ShopTypeTTL         time.Duration `mapstructure:"shop_type_ttl"`
	VoucherTTL          time.Duration `mapstructure:"voucher_ttl"`
	HotShopTTL          time.Duration `mapstructure:"hot_shop_ttl"`
	NullTTL             time.Duration `mapstructure:"null_ttl"`
	RebuildLockTTL      time.Duration `mapstructure:"rebuild_lock_ttl"`
	RetryInterval       time.Duration `mapstructure:"retry_interval"`
	MaxRetries          int           `mapstructure:"max_retries"`
	LocalEnabled        bool          `mapstructure:"local_enabled"`
	LocalTTL            time.Duration `mapstructure:"local_ttl"`
	InvalidationChannel string        `mapstructure:"invalidation_channel"`
}

type LockConfig struct {
	OrderTTL      time.Duration `mapstructure:"order_ttl"`
	Attempts      int           `mapstructure:"attempts"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	MaxInterval   time.Duration `mapstructure:"max_interval"`
}

type SeckillConfig struct {
	IDPrefix string `mapstructure:"id_prefix"`
}

type BrokerConfig struct {
	OrderExchange      string        `mapstructure:"order_exchange"`
	OrderRoutingKey    string        `mapstructure:"order_routing_key"`
	OrderQueue         string        `mapstructure:"order_queue"`
	DeadLetterExchange string        `mapstructure:"dead_letter_exchange"`
	DeadLetterKey      string        `mapstructure:"dead_letter_key"`
	DeadLetterQueue    string        `mapstructure:"dead_letter_queue"`
	Consumer           string        `mapstructure:"consumer"`
	MaxDeliveries      int64         `mapstructure:"max_deliveries"`
	ClaimMinIdle       time.Duration `mapstructure:"claim_min_idle"`
	Block              time.Duration `mapstructure:"block"`
	BatchSize          int64         `mapstructure:"batch_size"`
	Workers            int           `mapstructure:"workers"`
	MonitorInterval    time.Duration `mapstructure:"monitor_interval"`
}

type AuthConfig struct {
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type RateLimitConfig struct {
	SeckillRPS   float64 `mapstructure:"seckill_rps"`
	SeckillBurst int     `mapstructure:"seckill_burst"`
}

func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":           "PORT",
		"redis.addr":            "REDIS_ADDR",
		"redis.password":        "REDIS_PASSWORD",
		"redis.db":              "REDIS_DB",
		"database.path":         "DATABASE_PATH",
		"cache.local_enabled":   "CACHE_LOCAL_ENABLED",
		"broker.consumer":       "BROKER_CONSUMER",
		"broker.workers":        "BROKER_WORKERS",
		"broker.max_deliveries": "BROKER_MAX_DELIVERIES",
		"ratelimit.seckill_rps": "SECKILL_RPS",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8081)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("database.path", "data/localhub.db")

	v.SetDefault("cache.shop_ttl", 30*time.Minute)
	v.SetDefault("cache.shop_type_ttl", 24*time.Hour)
	v.SetDefault("cache.voucher_ttl", 10*time.Minute)
	v.SetDefault("cache.hot_shop_ttl", 20*time.Second)
	v.SetDefault("cache.null_ttl", 2*time.Minute)
	v.SetDefault("cache.rebuild_lock_ttl", 10*time.Second)
	v.SetDefault("cache.retry_interval", 50*time.Millisecond)
	v.SetDefault("cache.max_retries", 40)
	v.SetDefault("cache.local_enabled", true)
	v.SetDefault("cache.local_ttl", 5*time.Minute)
	v.SetDefault("cache.invalidation_channel", "cache:invalidate")

	v.SetDefault("lock.order_ttl", 10*time.Second)
	v.SetDefault("lock.attempts", 20)
	v.SetDefault("lock.retry_interval", 20*time.Millisecond)
	v.SetDefault("lock.max_interval", 500*time.Millisecond)

	v.SetDefault("seckill.id_prefix", "order")

	v.SetDefault("broker.order_exchange", "seckillOrder.direct")
	v.SetDefault("broker.order_routing_key", "seckillOrder")
	v.SetDefault("broker.order_queue", "seckillOrder.queue")
	v.SetDefault("broker.dead_letter_exchange", "seckillOrder.dlx.direct")
	v.SetDefault("broker.dead_letter_key", "seckillOrder.fail")
	v.SetDefault("broker.dead_letter_queue", "seckillOrder.dlx.queue")
	v.SetDefault("broker.consumer", "localhub")
	v.SetDefault("broker.max_deliveries", 5)
	v.SetDefault("broker.claim_min_idle", 30*time.Second)
	v.SetDefault("broker.block", 2*time.Second)
	v.SetDefault("broker.batch_size", 16)
	v.SetDefault("broker.workers", 1)
	v.SetDefault("broker.monitor_interval", 30*time.Second)

	v.SetDefault("auth.token_ttl", 30*time.Minute)

	v.SetDefault("ratelimit.seckill_rps", 2000.0)
	v.SetDefault("ratelimit.seckill_burst", 4000)
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Redis.Addr, "REDIS_ADDR"},
		{c.Database.Path, "DATABASE_PATH"},
		{c.Broker.OrderQueue, "broker.order_queue"},
		{c.Broker.DeadLetterQueue, "broker.dead_letter_queue"},
		{c.Cache.InvalidationChannel, "cache.invalidation_channel"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	type dur struct {
		val  time.Duration
		name string
	}
	for _, d := range []dur{
		{c.Cache.ShopTTL, "cache.shop_ttl"},
		{c.Cache.NullTTL, "cache.null_ttl"},
		{c.Cache.RebuildLockTTL, "cache.rebuild_lock_ttl"},
		{c.Lock.OrderTTL, "lock.order_ttl"},
		{c.Broker.ClaimMinIdle, "broker.claim_min_idle"},
	} {
		if d.val <= 0 {
			return fmt.Errorf("config %s must be positive", d.name)
		}
	}
	if c.Broker.MaxDeliveries < 1 {
		return fmt.Errorf("config broker.max_deliveries must be at least 1")
	}
	if c.Broker.Workers < 1 {
		return fmt.Errorf("config broker.workers must be at least 1")
	}
	return nil
}

package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/example/slotsniper/internal/config"
	"github.com/example/slotsniper/internal/db"
	"github.com/example/slotsniper/internal/engine"
	"github.com/example/slotsniper/internal/metrics"
	"github.com/example/slotsniper/internal/migrate"
	"github.com/example/slotsniper/internal/notify"
	"github.com/example/slotsniper/internal/provider"
	"github.com/redis/go-redis/v9"
)

// openDB sizes the pool for every concurrent run plus the console and scheduler.
func openDB(ctx context.Context, cfg config.Config, migrateUp bool) (*db.DB, error) {
	d, err := db.Open(ctx, cfg.DatabaseURL, cfg.MaxConcurrentRuns+4)
	if err != nil {
		return nil, err
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if migrateUp {
		if err := migrate.Up(ctx, d); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}

func newProvider(cfg config.Config) *provider.Client {
	return provider.New(provider.Options{
		BaseURL:      cfg.ProviderBaseURL,
		Token:        cfg.ProviderToken,
		Cookie:       cfg.ProviderCookie,
		ShopNum:      cfg.ProviderShopNum,
		CardIndex:    cfg.ProviderCardIndex,
		CardStID:     cfg.ProviderCardStID,
		HoldingsPath: cfg.ProviderHoldingsPath,
	})
}

// newNotifier always logs; SMS is added when the gateway is configured.
func newNotifier(cfg config.Config, logger *log.Logger) notify.Multi {
	out := notify.Multi{notify.Log{Logger: logger}}
	if cfg.SMSUser != "" && cfg.SMSAPIKey != "" {
		out = append(out, notify.NewSMS(cfg.SMSUser, cfg.SMSAPIKey, cfg.NotifyPhones))
	}
	return out
}

// newMetrics writes to Postgres and, when REDIS_ADDR is set, to Redis counters.
// The returned func closes the Redis client.
func newMetrics(ctx context.Context, cfg config.Config, d *db.DB, logger *log.Logger) (engine.MetricsSink, func()) {
	sinks := metrics.Multi{metrics.NewPGSink(d)}
	if cfg.RedisAddr == "" {
		return sinks, func() {}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		logger.Printf("metrics: redis %s unreachable, continuing without it: %v", cfg.RedisAddr, err)
		_ = rdb.Close()
		return sinks, func() {}
	}
	sinks = append(sinks, metrics.NewRedisSink(rdb))
	return sinks, func() { _ = rdb.Close() }
}

func newRunner(cfg config.Config, d *db.DB, p engine.Provider, tuning *config.Store, logger *log.Logger) (*engine.Runner, func()) {
	sink, closeSink := newMetrics(context.Background(), cfg, d, logger)
	r := engine.NewRunner(p, newNotifier(cfg, logger), sink, tuning, logger)
	return r, closeSink
}

func location(cfg config.Config) *time.Location {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

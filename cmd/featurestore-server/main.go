package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/quantpine/featurestore/internal/api"
	"github.com/quantpine/featurestore/internal/cache"
	"github.com/quantpine/featurestore/internal/cache/l2store"
	"github.com/quantpine/featurestore/internal/cache/redisstore"
	"github.com/quantpine/featurestore/internal/compute"
	"github.com/quantpine/featurestore/internal/core/config"
	"github.com/quantpine/featurestore/internal/core/httpclient"
	"github.com/quantpine/featurestore/internal/core/server"
	"github.com/quantpine/featurestore/internal/costevents"
	"github.com/quantpine/featurestore/internal/flight"
	"github.com/quantpine/featurestore/internal/invalidation/kafkaconsumer"
	"github.com/quantpine/featurestore/internal/logger"
	"github.com/quantpine/featurestore/internal/metrics"
	"github.com/quantpine/featurestore/internal/rawdata"
	"github.com/quantpine/featurestore/internal/registry"
	"github.com/quantpine/featurestore/internal/store"
)

var Version = "dev"

// l1Tier is what the server needs from Redis: cache ops, the
// singleflight lock, and a liveness probe.
type l1Tier interface {
	cache.L1
	cache.Locker
	Ping(ctx context.Context) error
}

type tierChecker struct {
	l1 l1Tier
	l2 *l2store.Store
}

func (t tierChecker) CheckTiers() (bool, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	return t.l1.Ping(ctx) == nil, t.l2.Ping(ctx) == nil
}

func main() {
	os.Exit(run())
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		SampleN:   envInt("LOG_SAMPLE_N", 0),
		Instance:  cfg.InstanceID,
		Component: "featurestore",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	provider := metrics.Init(metrics.Config{Version: Version})
	appLog.Info("starting feature store",
		"addr", cfg.Addr, "version", Version,
		"redis", cfg.RedisAddr, "l2", cfg.L2DSN, "provider", cfg.ProviderURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// L1 is optional at startup: with Redis down the service runs
	// degraded on L2 and compute until Redis returns.
	var l1 l1Tier
	rdb, err := redisstore.New(ctx, cfg.RedisAddr)
	if err != nil {
		appLog.Error("redis unavailable, starting degraded", "addr", cfg.RedisAddr, "err", err)
		l1 = cache.Unavailable{}
	} else {
		l1 = rdb
		defer func() { _ = rdb.Close() }()
	}

	l2, err := l2store.Open(cfg.L2DSN, cfg.InstanceID, cfg.L2RetryBufferSize, appLog)
	if err != nil {
		appLog.Error("l2 open failed", "dsn", cfg.L2DSN, "err", err)
		return 1
	}
	defer func() { _ = l2.Close() }()

	reg, err := registry.Builtin()
	if err != nil {
		appLog.Error("registry setup failed", "err", err)
		return 1
	}

	barsProvider, err := rawdata.NewHTTPProvider(cfg.ProviderURL, httpclient.NewOutbound(), cfg.ProviderTimeout)
	if err != nil {
		appLog.Error("provider setup failed", "url", cfg.ProviderURL, "err", err)
		return 1
	}
	gateway := rawdata.NewGateway(barsProvider, appLog)

	engine := compute.New(cfg.ComputePoolSize, appLog)
	flights := flight.New(l1, cfg.InstanceID, appLog,
		flight.WithLockTTL(cfg.LockTTL),
		flight.WithPollDeadline(cfg.PollDeadline))

	st := store.New(reg, l1, l2, flights, gateway, engine, cfg, appLog)
	handler := api.New(st, appLog)

	if cfg.CostEvents.Enabled {
		pub, err := costevents.NewPublisher(splitCSV(cfg.CostEvents.Brokers), cfg.CostEvents.Topic, cfg.CostEvents.Queue)
		if err != nil {
			appLog.Error("cost events publisher failed, continuing without", "err", err)
		} else {
			costevents.InitGlobal(pub)
			defer func() { _ = costevents.CloseGlobal() }()
		}
	}

	if cfg.Invalidation.Enabled {
		consumer := kafkaconsumer.New(kafkaconsumer.FromService(cfg.Invalidation), appLog, st)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				appLog.Error("invalidation consumer stopped", "err", err)
			}
		}()
	}

	// background drain of writes that missed L2
	go func() {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if l2.PendingRetries() > 0 {
					l2.FlushRetries(ctx)
				}
			}
		}
	}()

	if err := server.Run(ctx, cfg, appLog, handler, tierChecker{l1: l1, l2: l2}, provider.Handler()); err != nil {
		appLog.Error("server error", "err", err)
		return 1
	}
	return 0
}

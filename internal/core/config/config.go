package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled bool
	Driver  string
	Topic   string
	Brokers string
	GroupID string
}

type CostEventsCfg struct {
	Enabled bool
	Topic   string
	Brokers string
	Queue   int
}

type Config struct {
	Addr     string
	LogLevel string

	RedisAddr   string
	L2DSN       string
	ProviderURL string
	InstanceID  string

	TTLIntraday  time.Duration
	TTLDaily     time.Duration
	TTLStaticMax time.Duration
	TTLOverrides map[string]time.Duration

	AbsentTTLFraction float64

	LockTTL      time.Duration
	PollDeadline time.Duration

	ComputePoolSize      int
	PendingComputeBuffer int
	L2RetryBufferSize    int

	CacheOpTimeout  time.Duration
	ProviderTimeout time.Duration

	Invalidation InvalidationCfg
	CostEvents   CostEventsCfg
}

func FromEnv() Config {
	pool := getint("COMPUTE_POOL_SIZE", runtime.NumCPU())
	if pool <= 0 {
		pool = 1
	}

	return Config{
		Addr:     getenv("ADDR", ":8090"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		RedisAddr:   getenv("REDIS_ADDR", "localhost:6379"),
		L2DSN:       getenv("L2_DSN", "featurestore.db"),
		ProviderURL: getenv("PROVIDER_URL", "http://localhost:8081/bars"),
		InstanceID:  getenv("INSTANCE_ID", hostnameOr("fs-0")),

		TTLIntraday:  getduration("TTL_INTRADAY", 300*time.Second),
		TTLDaily:     getduration("TTL_DAILY", 86400*time.Second),
		TTLStaticMax: getduration("TTL_STATIC_MAX", 86400*time.Second),
		TTLOverrides: parseDurationMap(getenv("TTL_OVERRIDES", "")),

		AbsentTTLFraction: getfloat("ABSENT_TTL_FRACTION", 0.1),

		LockTTL:      getduration("SINGLEFLIGHT_LOCK_TTL", 30*time.Second),
		PollDeadline: getduration("SINGLEFLIGHT_POLL_DEADLINE", 30*time.Second),

		ComputePoolSize:      pool,
		PendingComputeBuffer: getint("PENDING_COMPUTE_BUFFER", 10*pool),
		L2RetryBufferSize:    getint("L2_RETRY_BUFFER_SIZE", 10000),

		CacheOpTimeout:  getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		ProviderTimeout: getduration("PROVIDER_TIMEOUT", 5*time.Second),

		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Driver:  getenv("INVALIDATION_DRIVER", "none"),
			Topic:   getenv("KAFKA_TOPIC", "feature-invalidation"),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			GroupID: getenv("KAFKA_GROUP_ID", "feature-invalidator"),
		},
		CostEvents: CostEventsCfg{
			Enabled: getbool("COST_EVENTS_ENABLED", false),
			Topic:   getenv("COST_EVENTS_TOPIC", "feature-compute-cost"),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			Queue:   getint("COST_EVENTS_QUEUE", 1024),
		},
	}
}

func hostnameOr(def string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return def
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parse "ret_5d=5m,gap_open=30s" into map
func parseDurationMap(s string) map[string]time.Duration {
	out := map[string]time.Duration{}
	s = strings.TrimSpace(s)
	if s == "" {
		return out
	}
	parts := strings.SplitSeq(s, ",")
	for p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v := strings.TrimSpace(kv[1])
		if k == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil {
			out[k] = d
		}
	}
	return out
}

// Package observability holds the Prometheus instrumentation shared by all
// feature store components, including the cost accounting counters.
package observability

import (
	"math"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	featureRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feature_requests_total",
			Help: "Feature lookups by serving tier.",
		},
		[]string{"tier"},
	)

	featureLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feature_latency_seconds",
			Help:    "Per-feature resolution latency by serving tier.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~8s
		},
		[]string{"tier"},
	)

	computeRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compute_runs_total",
			Help: "Compute function invocations per feature.",
		},
		[]string{"feature_name"},
	)

	estimatedCostUSDTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estimated_cost_usd_total",
			Help: "Accumulated estimated compute cost in USD. Accounting figure, not billing.",
		},
		[]string{"feature_name"},
	)

	cacheHitRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_hit_ratio",
			Help: "Rolling hit ratio across L1 and L2 since process start.",
		},
	)

	redisOpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Latency of L1 Redis operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	cacheOpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "L1 cache operations by result.",
		},
		[]string{"op", "ok"},
	)

	l2OpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "l2_operation_duration_seconds",
			Help:    "Latency of L2 store operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"op"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of raw data provider calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream"},
	)

	degradationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tier_degradations_total",
			Help: "Counted degradations by kind.",
		},
		[]string{"kind"},
	)

	lockOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "singleflight_lock_total",
			Help: "Distributed singleflight lock attempts by outcome.",
		},
		[]string{"outcome"},
	)

	invalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invalidations_total",
			Help: "Invalidation operations by source and result.",
		},
		[]string{"source", "ok"},
	)

	invalidationLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "invalidation_lag_seconds",
			Help: "Age of the most recently consumed invalidation event.",
		},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

var hitCount, missCount atomic.Int64

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds,
		featureRequestsTotal, featureLatencySeconds,
		computeRunsTotal, estimatedCostUSDTotal, cacheHitRatio,
		redisOpDurationSeconds, cacheOpTotal, l2OpDurationSeconds,
		upstreamLatencySeconds, degradationsTotal, lockOutcomesTotal,
		invalidationsTotal, invalidationLagSeconds, buildInfo,
	}
}

func init() {
	for _, c := range collectors() {
		prometheus.DefaultRegisterer.MustRegister(c)
	}
}

// Init registers the collectors with an additional registerer, typically a
// per-test registry. Already-registered collectors are tolerated when force
// is set.
func Init(reg prometheus.Registerer, force bool) {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok || force {
				continue
			}
			panic(err)
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

// ObserveCacheOp records one L1 operation with its outcome and latency.
func ObserveCacheOp(op string, err error, durationSeconds float64) {
	ok := "true"
	if err != nil {
		ok = "false"
	}
	cacheOpTotal.WithLabelValues(op, ok).Inc()
	redisOpDurationSeconds.WithLabelValues(op).Observe(durationSeconds)
}

func ObserveL2Op(op string, durationSeconds float64) {
	l2OpDurationSeconds.WithLabelValues(op).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

func IncFeatureRequest(tier string) {
	featureRequestsTotal.WithLabelValues(tier).Inc()
}

func ObserveFeatureLatency(tier string, durationSeconds float64) {
	featureLatencySeconds.WithLabelValues(tier).Observe(durationSeconds)
}

func IncComputeRun(feature string) {
	computeRunsTotal.WithLabelValues(feature).Inc()
}

func AddComputeCost(feature string, usd float64) {
	if usd <= 0 || math.IsNaN(usd) {
		return
	}
	estimatedCostUSDTotal.WithLabelValues(feature).Add(usd)
}

func AddCacheHits(n int) {
	if n <= 0 {
		return
	}
	hitCount.Add(int64(n))
	updateHitRatio()
}

func AddCacheMisses(n int) {
	if n <= 0 {
		return
	}
	missCount.Add(int64(n))
	updateHitRatio()
}

func updateHitRatio() {
	h := hitCount.Load()
	m := missCount.Load()
	if h+m == 0 {
		return
	}
	cacheHitRatio.Set(float64(h) / float64(h+m))
}

func IncL1Unavailable()      { degradationsTotal.WithLabelValues("l1_unavailable").Inc() }
func IncL2Unavailable()      { degradationsTotal.WithLabelValues("l2_unavailable").Inc() }
func IncUncachedServed()     { degradationsTotal.WithLabelValues("uncached_served").Inc() }
func IncL2RetryDropped()     { degradationsTotal.WithLabelValues("l2_retry_dropped").Inc() }
func IncOverloadedRejected() { degradationsTotal.WithLabelValues("overloaded_rejected").Inc() }

func IncLockOutcome(outcome string) {
	lockOutcomesTotal.WithLabelValues(outcome).Inc()
}

func ObserveInvalidation(source string, err error) {
	ok := "true"
	if err != nil {
		ok = "false"
	}
	invalidationsTotal.WithLabelValues(source, ok).Inc()
}

func SetInvalidationLagSeconds(lag float64) {
	invalidationLagSeconds.Set(lag)
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}

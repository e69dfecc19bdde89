package meter

import (
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ineyio/keyalloc"
)

// PrometheusMeter exports allocator events as Prometheus metrics.
type PrometheusMeter struct {
	acquireTotal    *prometheus.CounterVec
	acquireAttempts prometheus.Histogram
	throttleWait    prometheus.Histogram
	commitTotal     *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	tokenDelta      prometheus.Histogram
	exhaustedTotal  *prometheus.CounterVec
	resetTotal      *prometheus.CounterVec
	resetCreds      prometheus.Gauge
}

var _ keyalloc.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter registers the allocator metrics with reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewPrometheusMeter(reg prometheus.Registerer) *PrometheusMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PrometheusMeter{
		acquireTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keyalloc_acquire_total",
			Help: "Total acquire calls by service and result",
		}, []string{"service", "result"}),
		acquireAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "keyalloc_acquire_attempts",
			Help:    "Reservation attempts per acquire call",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		}),
		throttleWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "keyalloc_throttle_wait_seconds",
			Help:    "Time spent waiting on throttled credentials per acquire call",
			Buckets: prometheus.DefBuckets,
		}),
		commitTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keyalloc_commit_total",
			Help: "Total commits by service and outcome",
		}, []string{"service", "outcome"}),
		tokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keyalloc_tokens_total",
			Help: "Actual tokens reported by service",
		}, []string{"service"}),
		tokenDelta: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "keyalloc_token_delta",
			Help:    "Actual minus predicted tokens per commit",
			Buckets: []float64{-10000, -1000, -100, -10, 0, 10, 100, 1000, 10000},
		}),
		exhaustedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keyalloc_quota_exhausted_total",
			Help: "Commits that left a credential quota-exhausted",
		}, []string{"service"}),
		resetTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keyalloc_reset_total",
			Help: "Epoch resets by result",
		}, []string{"result"}),
		resetCreds: f.NewGauge(prometheus.GaugeOpts{
			Name: "keyalloc_reset_credentials",
			Help: "Credentials cleared by the last successful epoch reset",
		}),
	}
}

func (m *PrometheusMeter) OnAcquire(e keyalloc.AcquireEvent) {
	m.acquireTotal.WithLabelValues(e.Service, acquireResult(e.Error)).Inc()
	m.acquireAttempts.Observe(float64(e.Attempts))
	if e.Waited > 0 {
		m.throttleWait.Observe(e.Waited.Seconds())
	}
}

func (m *PrometheusMeter) OnCommit(e keyalloc.CommitEvent) {
	outcome := "success"
	switch {
	case e.Error != nil:
		outcome = "error"
	case e.RateLimited:
		outcome = "rate_limited"
	case !e.Success:
		outcome = "failure"
	}
	m.commitTotal.WithLabelValues(e.Service, outcome).Inc()
	if e.Error != nil {
		return
	}
	m.tokensTotal.WithLabelValues(e.Service).Add(float64(e.ActualTokens))
	m.tokenDelta.Observe(float64(e.DeltaTokens))
	if e.Exhausted {
		m.exhaustedTotal.WithLabelValues(e.Service).Inc()
	}
}

func (m *PrometheusMeter) OnReset(e keyalloc.ResetEvent) {
	if e.Error != nil {
		m.resetTotal.WithLabelValues("error").Inc()
		return
	}
	m.resetTotal.WithLabelValues("ok").Inc()
	m.resetCreds.Set(float64(e.Credentials))
}

func acquireResult(err error) string {
	switch {
	case err == nil:
		return "granted"
	case errors.Is(err, keyalloc.ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, keyalloc.ErrTransientStore):
		return "transient"
	case errors.Is(err, keyalloc.ErrInvalidRequest):
		return "invalid"
	default:
		return "error"
	}
}

// RegisterPoolMetrics exposes pgx connection pool statistics as Prometheus gauges.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "keyalloc_pgxpool_acquired_conns",
			Help: "Number of currently acquired connections in the pool",
		}, func() float64 {
			return float64(pool.Stat().AcquiredConns())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "keyalloc_pgxpool_total_conns",
			Help: "Total number of connections in the pool",
		}, func() float64 {
			return float64(pool.Stat().TotalConns())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "keyalloc_pgxpool_idle_conns",
			Help: "Number of idle connections in the pool",
		}, func() float64 {
			return float64(pool.Stat().IdleConns())
		}),
	)
}

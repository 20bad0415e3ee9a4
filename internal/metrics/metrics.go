// Package metrics holds the Prometheus collectors of the sync service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	pollsTotal     *prometheus.CounterVec
	pollDuration   *prometheus.HistogramVec
	recordsSynced  *prometheus.CounterVec
	apiRequests    *prometheus.CounterVec
	apiLatency     *prometheus.HistogramVec
	activeAccounts prometheus.Gauge
	tokenHits      prometheus.Counter
	tokenMisses    prometheus.Counter
	tokenRefreshes *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		pollsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hostaway_polls_total",
			Help: "Account sync runs by outcome.",
		}, []string{"account_id", "status"}),
		pollDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hostaway_poll_duration_seconds",
			Help:    "Duration of one account sync run.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"account_id"}),
		recordsSynced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hostaway_records_synced_total",
			Help: "Rows written to the store by entity.",
		}, []string{"account_id", "entity"}),
		apiRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hostaway_api_requests_total",
			Help: "Requests sent to the PMS API by endpoint and status.",
		}, []string{"endpoint", "status"}),
		apiLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hostaway_api_latency_seconds",
			Help:    "PMS API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		activeAccounts: f.NewGauge(prometheus.GaugeOpts{
			Name: "hostaway_active_accounts",
			Help: "Number of active accounts.",
		}),
		tokenHits: f.NewCounter(prometheus.CounterOpts{
			Name: "hostaway_token_cache_hits_total",
			Help: "Access token cache hits.",
		}),
		tokenMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "hostaway_token_cache_misses_total",
			Help: "Access token cache misses.",
		}),
		tokenRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hostaway_token_refreshes_total",
			Help: "Access token exchanges by outcome.",
		}, []string{"status"}),
	}
}

func (m *Metrics) ObservePoll(accountID int64, status string, d time.Duration) {
	if m == nil {
		return
	}
	id := strconv.FormatInt(accountID, 10)
	m.pollsTotal.WithLabelValues(id, status).Inc()
	m.pollDuration.WithLabelValues(id).Observe(d.Seconds())
}

func (m *Metrics) AddRecords(accountID int64, entity string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsSynced.WithLabelValues(strconv.FormatInt(accountID, 10), entity).Add(float64(n))
}

// ObserveRequest records one PMS API attempt. status is the HTTP status, or
// "error" when no response was received.
func (m *Metrics) ObserveRequest(endpoint, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(endpoint, status).Inc()
	m.apiLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (m *Metrics) SetActiveAccounts(n int) {
	if m == nil {
		return
	}
	m.activeAccounts.Set(float64(n))
}

func (m *Metrics) TokenCacheHit() {
	if m == nil {
		return
	}
	m.tokenHits.Inc()
}

func (m *Metrics) TokenCacheMiss() {
	if m == nil {
		return
	}
	m.tokenMisses.Inc()
}

func (m *Metrics) TokenRefresh(status string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(status).Inc()
}

// Package metrics provides Prometheus collectors for pool and notification activity.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector exported by the service. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	StakesTotal          *prometheus.CounterVec   // stakes by alert type and outcome
	PoolResolutionsTotal *prometheus.CounterVec   // verify/reject/delete/admin_create by outcome
	RewardsEggsTotal     prometheus.Counter       // eggs credited by verification
	NotificationsTotal   *prometheus.CounterVec   // dispatcher decisions by type and result
	CycleDuration        prometheus.Histogram     // monitor cycle latency
	CycleErrorsTotal     prometheus.Counter       // per-item failures inside monitor cycles
	FeedRequestsTotal    *prometheus.CounterVec   // feed fetches by result
	FeedCacheTotal       *prometheus.CounterVec   // feed cache lookups by result
	HTTPRequestsTotal    *prometheus.CounterVec   // API requests by route and status
	HTTPRequestDurations *prometheus.HistogramVec // API latency by route

	registry *prometheus.Registry
}

// New creates the collectors and registers them with registry.
func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}

	m.StakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coinbeat_stakes_total",
			Help: "Stake submissions by alert type and outcome",
		},
		[]string{"alert_type", "outcome"}, // outcome: created, updated, rejected
	)
	m.PoolResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coinbeat_pool_resolutions_total",
			Help: "Pool administration operations by action and outcome",
		},
		[]string{"action", "outcome"},
	)
	m.RewardsEggsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coinbeat_reward_eggs_total",
		Help: "Eggs credited to stakers by pool verification",
	})
	m.NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coinbeat_notifications_total",
			Help: "Notification dispatcher decisions by alert type and result",
		},
		[]string{"alert_type", "result"}, // result: fired, not_triggered, cooldown, tier, quiet_hours
	)
	m.CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "coinbeat_monitor_cycle_duration_seconds",
		Help:    "Duration of monitor cycles",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
	m.CycleErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coinbeat_monitor_item_errors_total",
		Help: "Per-alert failures logged during monitor cycles",
	})
	m.FeedRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coinbeat_feed_requests_total",
			Help: "Coin metrics feed requests by result",
		},
		[]string{"result"},
	)
	m.FeedCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coinbeat_feed_cache_lookups_total",
			Help: "Coin metrics cache lookups by result",
		},
		[]string{"result"}, // hit, miss
	)
	m.HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coinbeat_http_requests_total",
			Help: "API requests by method, route and status code",
		},
		[]string{"method", "route", "code"},
	)
	m.HTTPRequestDurations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coinbeat_http_request_duration_seconds",
			Help:    "API request latency by method and route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	for _, c := range []prometheus.Collector{
		m.StakesTotal, m.PoolResolutionsTotal, m.RewardsEggsTotal, m.NotificationsTotal,
		m.CycleDuration, m.CycleErrorsTotal, m.FeedRequestsTotal, m.FeedCacheTotal,
		m.HTTPRequestsTotal, m.HTTPRequestDurations,
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

// Registry returns the registry the collectors were registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveStake(alertType, outcome string) {
	if m == nil {
		return
	}
	m.StakesTotal.WithLabelValues(alertType, outcome).Inc()
}

func (m *Metrics) ObservePoolResolution(action, outcome string) {
	if m == nil {
		return
	}
	m.PoolResolutionsTotal.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) AddRewardEggs(eggs int64) {
	if m == nil || eggs <= 0 {
		return
	}
	m.RewardsEggsTotal.Add(float64(eggs))
}

func (m *Metrics) ObserveNotification(alertType, result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(alertType, result).Inc()
}

func (m *Metrics) ObserveCycle(d time.Duration, itemErrors int) {
	if m == nil {
		return
	}
	m.CycleDuration.Observe(d.Seconds())
	if itemErrors > 0 {
		m.CycleErrorsTotal.Add(float64(itemErrors))
	}
}

func (m *Metrics) ObserveFeedRequest(result string) {
	if m == nil {
		return
	}
	m.FeedRequestsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveFeedCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.FeedCacheTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, fmt.Sprintf("%d", code)).Inc()
	m.HTTPRequestDurations.WithLabelValues(method, route).Observe(d.Seconds())
}

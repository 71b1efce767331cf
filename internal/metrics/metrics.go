package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Metric names shared by the coordinator components
const (
	OrdersPlaced         = "orders_placed"
	CheckoutFailures     = "checkout_failures"
	TransitionsApplied   = "transitions_applied"
	TransitionConflicts  = "transition_conflicts"
	GroupFetches         = "group_fetches"
	GroupFetchErrors     = "group_fetch_errors"
	GroupCacheHits       = "group_cache_hits"
	GroupResolutions     = "group_resolutions"
	NotificationsSent    = "notifications_sent"
	NotificationsDropped = "notifications_dropped"
	ActiveSubscriptions  = "active_subscriptions"
	OpenOrders           = "open_orders"
	EventsProjected      = "events_projected"
)

// TimerMetric captures timing information
type TimerMetric struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

type timer struct {
	count atomic.Int64
	total atomic.Int64
	min   atomic.Int64
	max   atomic.Int64
}

// Metrics is an in-process collector. A nil *Metrics discards everything.
type Metrics struct {
	mu        sync.RWMutex
	counters  map[string]*atomic.Int64
	gauges    map[string]*atomic.Int64
	timers    map[string]*timer
	health    map[string]*atomic.Bool
	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:  make(map[string]*atomic.Int64),
		gauges:    make(map[string]*atomic.Int64),
		timers:    make(map[string]*timer),
		health:    make(map[string]*atomic.Bool),
		startTime: time.Now(),
	}
}

func lookup[T any](m *Metrics, set map[string]*T, name string, init func() *T) *T {
	m.mu.RLock()
	v, ok := set[name]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok = set[name]; !ok {
		v = init()
		set[name] = v
	}
	return v
}

func newInt() *atomic.Int64 { return new(atomic.Int64) }

// IncrementCounter increments a counter by 1
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by the specified value
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	if m == nil {
		return
	}
	lookup(m, m.counters, name, newInt).Add(value)
}

// SetGauge sets a gauge to a specific value
func (m *Metrics) SetGauge(name string, value int64) {
	if m == nil {
		return
	}
	lookup(m, m.gauges, name, newInt).Store(value)
}

// AddGauge moves a gauge by delta
func (m *Metrics) AddGauge(name string, delta int64) {
	if m == nil {
		return
	}
	lookup(m, m.gauges, name, newInt).Add(delta)
}

// RecordTimer records a timing measurement
func (m *Metrics) RecordTimer(name string, d time.Duration) {
	if m == nil {
		return
	}
	t := lookup(m, m.timers, name, func() *timer {
		t := &timer{}
		t.min.Store(math.MaxInt64)
		return t
	})

	ms := d.Milliseconds()
	t.count.Add(1)
	t.total.Add(ms)
	for cur := t.min.Load(); ms < cur && !t.min.CompareAndSwap(cur, ms); cur = t.min.Load() {
	}
	for cur := t.max.Load(); ms > cur && !t.max.CompareAndSwap(cur, ms); cur = t.max.Load() {
	}
}

// MeasureSince records the time elapsed since start
func (m *Metrics) MeasureSince(name string, start time.Time) {
	m.RecordTimer(name, time.Since(start))
}

// SetHealth sets the health status of a component
func (m *Metrics) SetHealth(component string, healthy bool) {
	if m == nil {
		return
	}
	lookup(m, m.health, component, func() *atomic.Bool { return new(atomic.Bool) }).Store(healthy)
}

// Counter returns the current value of a counter
func (m *Metrics) Counter(name string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.counters[name]; ok {
		return c.Load()
	}
	return 0
}

// Gauge returns the current value of a gauge
func (m *Metrics) Gauge(name string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if g, ok := m.gauges[name]; ok {
		return g.Load()
	}
	return 0
}

// GetHealthChecks returns all health checks
func (m *Metrics) GetHealthChecks() map[string]bool {
	checks := make(map[string]bool)
	if m == nil {
		return checks
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, h := range m.health {
		checks[name] = h.Load()
	}
	return checks
}

// GetAllMetrics returns all metrics in a structured format
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	counters := make(map[string]int64)
	gauges := make(map[string]int64)
	timers := make(map[string]TimerMetric)
	if m == nil {
		return map[string]interface{}{}
	}

	m.mu.RLock()
	for name, c := range m.counters {
		counters[name] = c.Load()
	}
	for name, g := range m.gauges {
		gauges[name] = g.Load()
	}
	for name, t := range m.timers {
		count, total := t.count.Load(), t.total.Load()
		tm := TimerMetric{Count: count, TotalTimeMs: total, MinTimeMs: t.min.Load(), MaxTimeMs: t.max.Load()}
		if count > 0 {
			tm.AverageTimeMs = float64(total) / float64(count)
		}
		timers[name] = tm
	}
	m.mu.RUnlock()

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"counters":       counters,
		"gauges":         gauges,
		"timers":         timers,
		"health_checks":  m.GetHealthChecks(),
	}
}

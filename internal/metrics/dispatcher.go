package metrics

import (
	"sync"
	"time"
)

// DispatcherMetrics holds the dispatcher-specific metric set. All methods
// are safe on a nil receiver so the dispatcher can record unconditionally.
type DispatcherMetrics struct {
	registry *Registry

	mu              sync.Mutex
	eventsEnqueued  map[string]*Counter
	eventsPublished map[string]*Counter
	eventsDropped   map[string]*Counter
	resolutions     map[string]*Counter
	injections      map[string]*Counter

	anrsTotal           *Counter
	channelsBrokenTotal *Counter
	slowEventsTotal     *Counter
	connections         *Gauge
	targetWaitDuration  *Histogram
}

// NewDispatcherMetrics registers the dispatcher metric set on a registry.
func NewDispatcherMetrics(registry *Registry) *DispatcherMetrics {
	return &DispatcherMetrics{
		registry:        registry,
		eventsEnqueued:  make(map[string]*Counter),
		eventsPublished: make(map[string]*Counter),
		eventsDropped:   make(map[string]*Counter),
		resolutions:     make(map[string]*Counter),
		injections:      make(map[string]*Counter),

		anrsTotal: registry.RegisterCounter("anrs_total",
			"Application-not-responding notifications raised", nil),
		channelsBrokenTotal: registry.RegisterCounter("channels_broken_total",
			"Connections aborted due to transport failure", nil),
		slowEventsTotal: registry.RegisterCounter("slow_events_total",
			"Deliveries whose consumer processing exceeded the warning threshold", nil),
		connections: registry.RegisterGauge("connections",
			"Currently registered input channels", nil),
		targetWaitDuration: registry.RegisterHistogram("target_wait_seconds",
			"Time spent waiting for a target application to become ready",
			nil, DurationBuckets),
	}
}

func (m *DispatcherMetrics) labeled(cache map[string]*Counter, name, help, label, value string) *Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := cache[value]
	if !ok {
		c = m.registry.RegisterCounter(name, help, Labels{label: value})
		cache[value] = c
	}
	return c
}

// EventEnqueued counts an event entering the inbound queue.
func (m *DispatcherMetrics) EventEnqueued(kind string) {
	if m == nil {
		return
	}
	m.labeled(m.eventsEnqueued, "events_enqueued_total",
		"Events accepted onto the inbound queue", "kind", kind).Inc()
}

// EventPublished counts a delivery handed to the transport.
func (m *DispatcherMetrics) EventPublished(kind string) {
	if m == nil {
		return
	}
	m.labeled(m.eventsPublished, "events_published_total",
		"Dispatch entries published to consumers", "kind", kind).Inc()
}

// EventDropped counts an inbound event dropped with a reason.
func (m *DispatcherMetrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.labeled(m.eventsDropped, "events_dropped_total",
		"Inbound events dropped before delivery", "reason", reason).Inc()
}

// TargetResolution counts a completed target resolution and records any
// time spent waiting on the application.
func (m *DispatcherMetrics) TargetResolution(result string, waitedNanos int64) {
	if m == nil {
		return
	}
	m.labeled(m.resolutions, "target_resolutions_total",
		"Target resolutions by injection result", "result", result).Inc()
	if waitedNanos > 0 {
		m.targetWaitDuration.ObserveDuration(time.Duration(waitedNanos))
	}
}

// InjectionFinished counts an injection call's final result.
func (m *DispatcherMetrics) InjectionFinished(result string) {
	if m == nil {
		return
	}
	m.labeled(m.injections, "injections_total",
		"Injection calls by final result", "result", result).Inc()
}

// ANRRaised counts one application-not-responding notification.
func (m *DispatcherMetrics) ANRRaised() {
	if m == nil {
		return
	}
	m.anrsTotal.Inc()
}

// ChannelBroken counts one connection abort.
func (m *DispatcherMetrics) ChannelBroken() {
	if m == nil {
		return
	}
	m.channelsBrokenTotal.Inc()
}

// SlowEvent counts one slow consumer warning.
func (m *DispatcherMetrics) SlowEvent() {
	if m == nil {
		return
	}
	m.slowEventsTotal.Inc()
}

// ConnectionCount reports the current number of registered channels.
func (m *DispatcherMetrics) ConnectionCount(n int) {
	if m == nil {
		return
	}
	m.connections.Set(int64(n))
}

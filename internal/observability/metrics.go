package observability

import (
	"sync"
	"time"
)

type MethodSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// SagaSnapshot counts terminal outcomes for one saga type.
type SagaSnapshot struct {
	Completed   int64 `json:"completed"`
	Compensated int64 `json:"compensated"`
	Failed      int64 `json:"failed"`
}

type Snapshot struct {
	UptimeSec            int64                     `json:"uptime_sec"`
	TotalRequests        int64                     `json:"total_requests"`
	TotalErrors          int64                     `json:"total_errors"`
	InFlight             int64                     `json:"in_flight"`
	Sagas                map[string]SagaSnapshot   `json:"sagas,omitempty"`
	NotificationsSkipped map[string]int64          `json:"notifications_skipped,omitempty"`
	WebhookDeadLetters   int64                     `json:"webhook_dead_letters"`
	PaymentRetries       int64                     `json:"payment_retries"`
	Lifecycle            *LifecycleSnapshot        `json:"lifecycle,omitempty"`
	Methods              map[string]MethodSnapshot `json:"methods"`
}

type methodStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

type Metrics struct {
	mu                 sync.Mutex
	start              time.Time
	methods            map[string]*methodStats
	sagas              map[string]*SagaSnapshot
	notifySkips        map[string]int64
	webhookDeadLetters int64
	paymentRetries     int64
	lifecycle          lifecycleStats
}

type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:       time.Now(),
		methods:     make(map[string]*methodStats),
		sagas:       make(map[string]*SagaSnapshot),
		notifySkips: make(map[string]int64),
	}
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		method:  method,
		start:   time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.method, dur, err != nil)
}

// CountSagaOutcome records a saga reaching a terminal status.
func (m *Metrics) CountSagaOutcome(sagaType, status string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.sagas[sagaType]
	if !ok {
		snap = &SagaSnapshot{}
		m.sagas[sagaType] = snap
	}
	switch status {
	case "completed":
		snap.Completed++
	case "compensated":
		snap.Compensated++
	case "failed":
		snap.Failed++
	}
}

// CountNotificationSkip records a guardrail suppression by disposition.
func (m *Metrics) CountNotificationSkip(disposition string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.notifySkips[disposition]++
	m.mu.Unlock()
}

// CountWebhookDeadLetter records a webhook delivery giving up.
func (m *Metrics) CountWebhookDeadLetter() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.webhookDeadLetters++
	m.mu.Unlock()
}

// CountPaymentRetry records a follow-up payment attempt.
func (m *Metrics) CountPaymentRetry() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.paymentRetries++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:          int64(now.Sub(m.start).Seconds()),
		Methods:            make(map[string]MethodSnapshot),
		WebhookDeadLetters: m.webhookDeadLetters,
		PaymentRetries:     m.paymentRetries,
	}

	if len(m.sagas) > 0 {
		snap.Sagas = make(map[string]SagaSnapshot, len(m.sagas))
		for sagaType, stats := range m.sagas {
			snap.Sagas[sagaType] = *stats
		}
	}
	if len(m.notifySkips) > 0 {
		snap.NotificationsSkipped = make(map[string]int64, len(m.notifySkips))
		for disposition, count := range m.notifySkips {
			snap.NotificationsSkipped[disposition] = count
		}
	}

	for method, stats := range m.methods {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Methods[method] = MethodSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureMethod(method string) *methodStats {
	stats, ok := m.methods[method]
	if !ok {
		stats = &methodStats{}
		m.methods[method] = stats
	}
	return stats
}

func (m *Metrics) finish(method string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}

// Package bus distributes enriched decoded messages to registered sinks.
// Every enabled sink is invoked concurrently per message; a sink's
// failure is counted and reported but never delays or cancels delivery
// to the others, and never propagates to the dispatcher.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/michaelhil/euroscope2mcp/errors"
	"github.com/michaelhil/euroscope2mcp/message"
	"github.com/michaelhil/euroscope2mcp/metric"
)

// Sink accepts one enriched message, succeeding or failing. Handlers may
// block; the bus imposes no timeout on them.
type Sink func(ctx context.Context, msg message.Enriched) error

// SinkError describes one failed sink invocation.
type SinkError struct {
	Sink    string
	Err     error
	Message message.Enriched
}

// SinkStats is a snapshot of one sink's registration state and counters.
type SinkStats struct {
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Accepted int64  `json:"accepted"`
	Errors   int64  `json:"errors"`
}

// Snapshot is a point-in-time copy of the bus statistics. It shares no
// state with the live bus.
type Snapshot struct {
	TotalMessages     int64            `json:"total_messages"`
	CountsByType      map[string]int64 `json:"counts_by_type"`
	CountsByChannel   map[int]int64    `json:"counts_by_channel"`
	StartedAt         time.Time        `json:"started_at"`
	MessagesPerSecond float64          `json:"messages_per_second"`
	Sinks             []SinkStats      `json:"sinks"`
}

// sinkEntry is one registered sink with its counters. Counters are
// guarded by the bus mutex.
type sinkEntry struct {
	name     string
	handler  Sink
	enabled  bool
	accepted int64
	errors   int64
}

// Metrics holds Prometheus metrics for the distribution bus.
type Metrics struct {
	messagesTotal    *prometheus.CounterVec
	channelMessages  *prometheus.CounterVec
	sinkAccepted     *prometheus.CounterVec
	sinkErrors       *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bus",
			Name:      "messages_total",
			Help:      "Messages dispatched by decoded type",
		}, []string{"type"}),
		channelMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bus",
			Name:      "channel_messages_total",
			Help:      "Messages dispatched per originating channel",
		}, []string{"channel"}),
		sinkAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bus",
			Name:      "sink_accepted_total",
			Help:      "Messages accepted per sink",
		}, []string{"sink"}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bus",
			Name:      "sink_errors_total",
			Help:      "Failed sink invocations per sink",
		}, []string{"sink"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "bus",
			Name:      "dispatch_duration_seconds",
			Help:      "Time to settle all sink invocations for one message",
			Buckets:   []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}

	registry.MustRegister("bus",
		metric.NamedCollector{Name: "messages_total", Collector: m.messagesTotal},
		metric.NamedCollector{Name: "channel_messages", Collector: m.channelMessages},
		metric.NamedCollector{Name: "sink_accepted", Collector: m.sinkAccepted},
		metric.NamedCollector{Name: "sink_errors", Collector: m.sinkErrors},
		metric.NamedCollector{Name: "dispatch_duration", Collector: m.dispatchDuration},
	)

	return m
}

// Bus fans out enriched messages. The Go host is multi-threaded, so the
// shared counters live behind a single mutex around dispatch bookkeeping;
// sink handlers themselves run outside the lock.
type Bus struct {
	logger  *slog.Logger
	metrics *Metrics

	mu        sync.Mutex
	sinks     map[string]*sinkEntry
	sinkOrder []string

	totalMessages   int64
	countsByType    map[string]int64
	countsByChannel map[int]int64
	startedAt       time.Time

	onMessage   []func(message.Enriched)
	onType      map[string][]func(message.Enriched)
	onSinkError []func(SinkError)
}

// BusDeps holds construction dependencies for a Bus.
type BusDeps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.Registry
}

// New creates an empty distribution bus.
func New(deps BusDeps) *Bus {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "bus")
	}

	return &Bus{
		logger:          logger,
		metrics:         newMetrics(deps.MetricsRegistry),
		sinks:           make(map[string]*sinkEntry),
		countsByType:    make(map[string]int64),
		countsByChannel: make(map[int]int64),
		startedAt:       time.Now(),
		onType:          make(map[string][]func(message.Enriched)),
	}
}

// RegisterSink adds a sink under a unique name, enabled by default.
func (b *Bus) RegisterSink(name string, handler Sink) error {
	if name == "" || handler == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Bus", "RegisterSink", "sink validation")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.sinks[name]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrDuplicateSink, name),
			"Bus", "RegisterSink", "duplicate name check")
	}

	b.sinks[name] = &sinkEntry{name: name, handler: handler, enabled: true}
	b.sinkOrder = append(b.sinkOrder, name)
	b.logger.Info("sink registered", "sink", name)
	return nil
}

// UnregisterSink removes a sink and its counters.
func (b *Bus) UnregisterSink(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.sinks[name]; !exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownSink, name),
			"Bus", "UnregisterSink", "sink lookup")
	}

	delete(b.sinks, name)
	for i, n := range b.sinkOrder {
		if n == name {
			b.sinkOrder = append(b.sinkOrder[:i], b.sinkOrder[i+1:]...)
			break
		}
	}
	return nil
}

// EnableSink re-enables a disabled sink.
func (b *Bus) EnableSink(name string) error {
	return b.setSinkEnabled(name, true)
}

// DisableSink stops delivering to a sink without unregistering it;
// counters are retained.
func (b *Bus) DisableSink(name string) error {
	return b.setSinkEnabled(name, false)
}

func (b *Bus) setSinkEnabled(name string, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, exists := b.sinks[name]
	if !exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownSink, name),
			"Bus", "setSinkEnabled", "sink lookup")
	}
	entry.enabled = enabled
	return nil
}

// OnMessage registers a notification invoked for every dispatched
// message, before sinks run. Register during wiring.
func (b *Bus) OnMessage(handler func(message.Enriched)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onMessage = append(b.onMessage, handler)
}

// OnType registers a notification for one decoded message type.
func (b *Bus) OnType(msgType string, handler func(message.Enriched)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onType[msgType] = append(b.onType[msgType], handler)
}

// OnSinkError registers a notification for failed sink invocations.
func (b *Bus) OnSinkError(handler func(SinkError)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSinkError = append(b.onSinkError, handler)
}

// Dispatch records the message in the statistics, emits the generic and
// type-specific notifications, then invokes every enabled sink
// concurrently and waits for all outcomes to settle before returning.
// Sink failures are isolated: counted, reported through OnSinkError,
// never returned to the caller.
func (b *Bus) Dispatch(ctx context.Context, msg message.Enriched) {
	var start time.Time
	if b.metrics != nil {
		start = time.Now()
	}

	b.mu.Lock()
	b.totalMessages++
	b.countsByType[msg.Type]++
	b.countsByChannel[msg.ChannelID]++

	anyHandlers := b.onMessage
	typeHandlers := b.onType[msg.Type]

	targets := make([]*sinkEntry, 0, len(b.sinkOrder))
	for _, name := range b.sinkOrder {
		if entry := b.sinks[name]; entry != nil && entry.enabled {
			targets = append(targets, entry)
		}
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.messagesTotal.WithLabelValues(msg.Type).Inc()
		b.metrics.channelMessages.WithLabelValues(fmt.Sprintf("%d", msg.ChannelID)).Inc()
	}

	for _, handler := range anyHandlers {
		handler(msg)
	}
	for _, handler := range typeHandlers {
		handler(msg)
	}

	var wg sync.WaitGroup
	for _, entry := range targets {
		wg.Add(1)
		go func(entry *sinkEntry) {
			defer wg.Done()
			b.invokeSink(ctx, entry, msg)
		}(entry)
	}
	wg.Wait()

	if b.metrics != nil {
		b.metrics.dispatchDuration.Observe(time.Since(start).Seconds())
	}
}

// invokeSink runs one sink handler, recording its outcome. A panicking
// handler counts as a failure.
func (b *Bus) invokeSink(ctx context.Context, entry *sinkEntry, msg message.Enriched) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: sink %s panicked: %v", errors.ErrSinkFailure, entry.name, r)
			}
		}()
		err = entry.handler(ctx, msg)
	}()

	b.mu.Lock()
	if err != nil {
		entry.errors++
	} else {
		entry.accepted++
	}
	errHandlers := b.onSinkError
	b.mu.Unlock()

	if err == nil {
		if b.metrics != nil {
			b.metrics.sinkAccepted.WithLabelValues(entry.name).Inc()
		}
		return
	}

	if b.metrics != nil {
		b.metrics.sinkErrors.WithLabelValues(entry.name).Inc()
	}
	b.logger.Warn("sink failed", "sink", entry.name, "type", msg.Type, "error", err)

	sinkErr := SinkError{Sink: entry.name, Err: err, Message: msg}
	for _, handler := range errHandlers {
		handler(sinkErr)
	}
}

// Stats returns a snapshot of the bus statistics, including the message
// rate since start or the last reset. The snapshot is a copy; mutating
// it does not affect the bus.
func (b *Bus) Stats() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := Snapshot{
		TotalMessages:   b.totalMessages,
		CountsByType:    make(map[string]int64, len(b.countsByType)),
		CountsByChannel: make(map[int]int64, len(b.countsByChannel)),
		StartedAt:       b.startedAt,
		Sinks:           make([]SinkStats, 0, len(b.sinkOrder)),
	}
	for k, v := range b.countsByType {
		snapshot.CountsByType[k] = v
	}
	for k, v := range b.countsByChannel {
		snapshot.CountsByChannel[k] = v
	}
	for _, name := range b.sinkOrder {
		entry := b.sinks[name]
		snapshot.Sinks = append(snapshot.Sinks, SinkStats{
			Name:     entry.name,
			Enabled:  entry.enabled,
			Accepted: entry.accepted,
			Errors:   entry.errors,
		})
	}

	if elapsed := time.Since(b.startedAt).Seconds(); elapsed > 0 {
		snapshot.MessagesPerSecond = float64(b.totalMessages) / elapsed
	}

	return snapshot
}

// Reset zeroes the message counters and restarts the rate clock.
// Registered sinks and their per-sink counters are unaffected.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalMessages = 0
	b.countsByType = make(map[string]int64)
	b.countsByChannel = make(map[int]int64)
	b.startedAt = time.Now()
}

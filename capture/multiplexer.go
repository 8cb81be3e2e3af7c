package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/michaelhil/euroscope2mcp/errors"
	"github.com/michaelhil/euroscope2mcp/message"
	"github.com/michaelhil/euroscope2mcp/metric"
)

// channel tracks one capture source and its counters. Counters are
// atomics because the source goroutine writes them while stats snapshots
// read them.
type channel struct {
	cfg    ChannelConfig
	source Source

	running      atomic.Bool
	messages     atomic.Int64
	bytes        atomic.Int64
	startedAt    time.Time
	lastActivity atomic.Value // stores time.Time
}

// Metrics holds Prometheus metrics for the capture multiplexer.
type Metrics struct {
	linesReceived   *prometheus.CounterVec
	bytesReceived   *prometheus.CounterVec
	channelsRunning prometheus.Gauge
	channelErrors   *prometheus.CounterVec
}

// newMetrics creates and registers multiplexer metrics. Returns nil when
// no registry is provided.
func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		linesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "capture",
			Name:      "lines_received_total",
			Help:      "Total transport lines received per channel",
		}, []string{"channel"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "capture",
			Name:      "bytes_received_total",
			Help:      "Total line bytes received per channel",
		}, []string{"channel"}),
		channelsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "capture",
			Name:      "channels_running",
			Help:      "Number of channels currently capturing",
		}),
		channelErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "capture",
			Name:      "channel_errors_total",
			Help:      "Source errors per channel",
		}, []string{"channel"}),
	}

	registry.MustRegister("capture",
		metric.NamedCollector{Name: "lines_received", Collector: m.linesReceived},
		metric.NamedCollector{Name: "bytes_received", Collector: m.bytesReceived},
		metric.NamedCollector{Name: "channels_running", Collector: m.channelsRunning},
		metric.NamedCollector{Name: "channel_errors", Collector: m.channelErrors},
	)

	return m
}

// Multiplexer owns N independent capture channels. Channels are started
// and stopped individually; a failure on one channel is reported through
// an error event and never affects the others.
type Multiplexer struct {
	factory SourceFactory
	logger  *slog.Logger
	metrics *Metrics

	mu       sync.Mutex
	channels map[int]*channel

	lineHandlers  []func(message.RawLine)
	eventHandlers []func(Event)
}

// MultiplexerDeps holds construction dependencies for a Multiplexer.
type MultiplexerDeps struct {
	Factory         SourceFactory
	Logger          *slog.Logger
	MetricsRegistry *metric.Registry
}

// NewMultiplexer creates an empty multiplexer.
func NewMultiplexer(deps MultiplexerDeps) *Multiplexer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "capture-mux")
	}

	return &Multiplexer{
		factory:  deps.Factory,
		logger:   logger,
		metrics:  newMetrics(deps.MetricsRegistry),
		channels: make(map[int]*channel),
	}
}

// OnLine registers a handler invoked once per received transport line.
// Handlers run synchronously on the emitting channel's goroutine, in
// registration order, preserving per-channel line ordering. Register
// before starting channels.
func (m *Multiplexer) OnLine(handler func(message.RawLine)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lineHandlers = append(m.lineHandlers, handler)
}

// OnEvent registers a handler for channel lifecycle events.
func (m *Multiplexer) OnEvent(handler func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventHandlers = append(m.eventHandlers, handler)
}

// AddChannel registers a new capture channel and constructs its source.
// Fails with ErrDuplicateChannel if the id is already registered.
func (m *Multiplexer) AddChannel(cfg ChannelConfig) error {
	if m.factory == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"Multiplexer", "AddChannel", "source factory validation")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.channels[cfg.ID]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: id %d", errors.ErrDuplicateChannel, cfg.ID),
			"Multiplexer", "AddChannel", "duplicate id check")
	}

	ch := &channel{cfg: cfg}
	ch.lastActivity.Store(time.Time{})

	source, err := m.factory(cfg, SourceHandler{
		Line:  func(text string) { m.handleLine(ch, text) },
		Error: func(err error) { m.handleSourceError(ch, err) },
	})
	if err != nil {
		return errors.Wrap(err, "Multiplexer", "AddChannel", "source construction")
	}
	ch.source = source

	m.channels[cfg.ID] = ch
	m.logger.Info("channel added",
		"channel", cfg.ID, "label", cfg.Label, "decoder", cfg.Decoder, "enabled", cfg.Enabled)
	return nil
}

// RemoveChannel stops the channel's source if running and discards the
// channel along with its statistics.
func (m *Multiplexer) RemoveChannel(id int) error {
	m.mu.Lock()
	ch, exists := m.channels[id]
	if !exists {
		m.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: id %d", errors.ErrUnknownChannel, id),
			"Multiplexer", "RemoveChannel", "channel lookup")
	}
	delete(m.channels, id)
	m.mu.Unlock()

	if ch.running.Load() {
		if err := ch.source.Stop(5 * time.Second); err != nil {
			m.logger.Warn("source stop during removal", "channel", id, "error", err)
		}
		ch.running.Store(false)
		if m.metrics != nil {
			m.metrics.channelsRunning.Dec()
		}
	}

	m.logger.Info("channel removed", "channel", id)
	return nil
}

// Start starts one channel's source. Fails with ErrUnknownChannel for an
// unregistered id and ErrChannelDisabled for a disabled one.
func (m *Multiplexer) Start(ctx context.Context, id int) error {
	m.mu.Lock()
	ch, exists := m.channels[id]
	m.mu.Unlock()

	if !exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: id %d", errors.ErrUnknownChannel, id),
			"Multiplexer", "Start", "channel lookup")
	}
	if !ch.cfg.Enabled {
		return errors.WrapInvalid(
			fmt.Errorf("%w: id %d", errors.ErrChannelDisabled, id),
			"Multiplexer", "Start", "enabled check")
	}
	if ch.running.Load() {
		return nil
	}

	if err := ch.source.Start(ctx); err != nil {
		wrapped := errors.Wrap(err, "Multiplexer", "Start", "source startup")
		m.emitEvent(Event{Kind: EventError, ChannelID: id, Err: wrapped})
		return wrapped
	}

	ch.running.Store(true)
	ch.startedAt = time.Now()
	if m.metrics != nil {
		m.metrics.channelsRunning.Inc()
	}

	m.logger.Info("channel started", "channel", id, "label", ch.cfg.Label)
	m.emitEvent(Event{Kind: EventStarted, ChannelID: id})
	return nil
}

// Stop stops one channel's source. Messages already dispatched downstream
// are not retroactively cancelled.
func (m *Multiplexer) Stop(id int, timeout time.Duration) error {
	m.mu.Lock()
	ch, exists := m.channels[id]
	m.mu.Unlock()

	if !exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: id %d", errors.ErrUnknownChannel, id),
			"Multiplexer", "Stop", "channel lookup")
	}
	if !ch.running.Load() {
		return nil
	}

	err := ch.source.Stop(timeout)
	ch.running.Store(false)
	if m.metrics != nil {
		m.metrics.channelsRunning.Dec()
	}

	m.logger.Info("channel stopped", "channel", id)
	m.emitEvent(Event{Kind: EventStopped, ChannelID: id})

	if err != nil {
		return errors.Wrap(err, "Multiplexer", "Stop", "source shutdown")
	}
	return nil
}

// StartAll starts every enabled channel, best effort: a failure on one
// channel raises an error event carrying its id and the rest continue.
func (m *Multiplexer) StartAll(ctx context.Context) {
	for _, id := range m.channelIDs() {
		m.mu.Lock()
		ch, exists := m.channels[id]
		m.mu.Unlock()
		if !exists || !ch.cfg.Enabled {
			continue
		}

		if err := m.Start(ctx, id); err != nil {
			m.logger.Error("channel failed to start, continuing with others",
				"channel", id, "error", err)
		}
	}
}

// StopAll stops every running channel, best effort.
func (m *Multiplexer) StopAll(timeout time.Duration) {
	for _, id := range m.channelIDs() {
		if err := m.Stop(id, timeout); err != nil {
			m.logger.Warn("channel failed to stop cleanly", "channel", id, "error", err)
		}
	}
}

// Channels returns stats snapshots for all registered channels, ordered
// by channel id.
func (m *Multiplexer) Channels() []ChannelStats {
	ids := m.channelIDs()
	stats := make([]ChannelStats, 0, len(ids))
	for _, id := range ids {
		if s, err := m.Stats(id); err == nil {
			stats = append(stats, s)
		}
	}
	return stats
}

// Stats returns a snapshot of one channel's counters.
func (m *Multiplexer) Stats(id int) (ChannelStats, error) {
	m.mu.Lock()
	ch, exists := m.channels[id]
	m.mu.Unlock()

	if !exists {
		return ChannelStats{}, errors.WrapInvalid(
			fmt.Errorf("%w: id %d", errors.ErrUnknownChannel, id),
			"Multiplexer", "Stats", "channel lookup")
	}

	lastActivity, _ := ch.lastActivity.Load().(time.Time)
	return ChannelStats{
		ChannelID:    ch.cfg.ID,
		Label:        ch.cfg.Label,
		Running:      ch.running.Load(),
		Messages:     ch.messages.Load(),
		Bytes:        ch.bytes.Load(),
		StartedAt:    ch.startedAt,
		LastActivity: lastActivity,
	}, nil
}

// channelIDs returns registered ids in ascending order.
func (m *Multiplexer) channelIDs() []int {
	m.mu.Lock()
	ids := make([]int, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Ints(ids)
	return ids
}

// handleLine runs on the source goroutine: bookkeeping, then synchronous
// delivery to line handlers in registration order.
func (m *Multiplexer) handleLine(ch *channel, text string) {
	ch.messages.Add(1)
	ch.bytes.Add(int64(len(text)))
	ch.lastActivity.Store(time.Now())

	if m.metrics != nil {
		label := fmt.Sprintf("%d", ch.cfg.ID)
		m.metrics.linesReceived.WithLabelValues(label).Inc()
		m.metrics.bytesReceived.WithLabelValues(label).Add(float64(len(text)))
	}

	line := message.RawLine{
		ChannelID: ch.cfg.ID,
		Decoder:   ch.cfg.Decoder,
		Label:     ch.cfg.Label,
		Text:      text,
	}

	m.mu.Lock()
	handlers := m.lineHandlers
	m.mu.Unlock()

	for _, handler := range handlers {
		handler(line)
	}
}

// handleSourceError reports a source failure as an error event without
// stopping the channel; sources decide themselves whether to keep going.
func (m *Multiplexer) handleSourceError(ch *channel, err error) {
	if m.metrics != nil {
		m.metrics.channelErrors.WithLabelValues(fmt.Sprintf("%d", ch.cfg.ID)).Inc()
	}
	m.logger.Warn("channel source error", "channel", ch.cfg.ID, "error", err)
	m.emitEvent(Event{Kind: EventError, ChannelID: ch.cfg.ID, Err: err})
}

func (m *Multiplexer) emitEvent(event Event) {
	m.mu.Lock()
	handlers := m.eventHandlers
	m.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}

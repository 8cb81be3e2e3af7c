// Package pipeline wires the capture multiplexer, decoder registry and
// distribution bus into one ingestion engine.
//
// Lines flow one way: a source emits a raw line, the channel's decoder
// turns it into structured data, the pipeline enriches it with identity
// and provenance, and the bus fans it out to sinks. A batched line is
// unwrapped into its fragments before dispatch so downstream consumers
// only ever see logical messages, in wire order.
package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/michaelhil/euroscope2mcp/bus"
	"github.com/michaelhil/euroscope2mcp/capture"
	"github.com/michaelhil/euroscope2mcp/decoder"
	"github.com/michaelhil/euroscope2mcp/errors"
	"github.com/michaelhil/euroscope2mcp/message"
	"github.com/michaelhil/euroscope2mcp/metric"
)

// Metrics holds Prometheus metrics for the pipeline.
type Metrics struct {
	linesDecoded     *prometheus.CounterVec
	decodeFailures   *prometheus.CounterVec
	batchesUnwrapped prometheus.Counter
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		linesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "pipeline",
			Name:      "lines_decoded_total",
			Help:      "Lines decoded per decoder",
		}, []string{"decoder"}),
		decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "pipeline",
			Name:      "decode_failures_total",
			Help:      "Lines dropped because no decoder instance could be built",
		}, []string{"decoder"}),
		batchesUnwrapped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "pipeline",
			Name:      "batches_unwrapped_total",
			Help:      "Batched lines expanded into individual messages",
		}),
	}

	registry.MustRegister("pipeline",
		metric.NamedCollector{Name: "lines_decoded", Collector: m.linesDecoded},
		metric.NamedCollector{Name: "decode_failures", Collector: m.decodeFailures},
		metric.NamedCollector{Name: "batches_unwrapped", Collector: m.batchesUnwrapped},
	)

	return m
}

// Deps holds construction dependencies for a Pipeline.
type Deps struct {
	Multiplexer *capture.Multiplexer
	Registry    *decoder.Registry
	Bus         *bus.Bus

	// DefaultDecoder is used for channels that do not name one.
	DefaultDecoder string
	// DecoderConfig is passed to every decoder instance.
	DecoderConfig decoder.Config

	Logger          *slog.Logger
	MetricsRegistry *metric.Registry
}

// Pipeline is the ingestion engine.
type Pipeline struct {
	mux      *capture.Multiplexer
	registry *decoder.Registry
	bus      *bus.Bus

	defaultDecoder string
	decoderConfig  decoder.Config

	logger  *slog.Logger
	metrics *Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool

	decodeFailures atomic.Int64
}

// New creates a pipeline and hooks it into the multiplexer's line
// stream. Channels are added and started separately.
func New(deps Deps) (*Pipeline, error) {
	if deps.Multiplexer == nil || deps.Registry == nil || deps.Bus == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"Pipeline", "New", "dependency validation")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "pipeline")
	}

	defaultDecoder := deps.DefaultDecoder
	if defaultDecoder == "" {
		defaultDecoder = "fsd"
	}

	p := &Pipeline{
		mux:            deps.Multiplexer,
		registry:       deps.Registry,
		bus:            deps.Bus,
		defaultDecoder: defaultDecoder,
		decoderConfig:  deps.DecoderConfig,
		logger:         logger,
		metrics:        newMetrics(deps.MetricsRegistry),
	}

	p.mux.OnLine(p.handleLine)
	return p, nil
}

// Start begins ingestion on all enabled channels.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.running.Swap(true) {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Pipeline", "Start", "check running state")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mux.StartAll(p.ctx)
	p.logger.Info("pipeline started", "default_decoder", p.defaultDecoder)
	return nil
}

// Stop halts all channels. Lines already inside handleLine finish
// dispatching before their sources stop.
func (p *Pipeline) Stop(timeout time.Duration) error {
	if !p.running.Swap(false) {
		return nil
	}

	p.mux.StopAll(timeout)
	if p.cancel != nil {
		p.cancel()
	}
	p.logger.Info("pipeline stopped")
	return nil
}

// handleLine decodes one raw line and dispatches the resulting
// messages. Called synchronously from the multiplexer, which preserves
// per-channel ordering.
func (p *Pipeline) handleLine(line message.RawLine) {
	dec := p.selectDecoder(line)
	if dec == nil {
		return
	}

	decoded := dec.Decode(line.Text)

	if p.metrics != nil {
		p.metrics.linesDecoded.WithLabelValues(dec.Name()).Inc()
	}

	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	// A batched line becomes its fragments, dispatched in wire order.
	// The composite itself is not delivered.
	if decoded.IsBatched() {
		if p.metrics != nil {
			p.metrics.batchesUnwrapped.Inc()
		}
		for _, sub := range decoded.Sub {
			p.dispatch(ctx, sub, line, dec.Name())
		}
		return
	}

	p.dispatch(ctx, decoded, line, dec.Name())
}

// selectDecoder resolves the decoder for a line. The channel's
// configured decoder is authoritative; when it does not recognize the
// line the other registered decoders are probed in registration order
// as a fallback, and the configured one still wins if nobody claims it.
func (p *Pipeline) selectDecoder(line message.RawLine) decoder.Decoder {
	name := line.Decoder
	if name == "" {
		name = p.defaultDecoder
	}

	dec, err := p.registry.Create(name, p.decoderConfig)
	if err != nil {
		p.decodeFailures.Add(1)
		if p.metrics != nil {
			p.metrics.decodeFailures.WithLabelValues(name).Inc()
		}
		p.logger.Warn("no decoder for line, dropping",
			"decoder", name,
			"channel", line.ChannelID,
			"error", err)
		return nil
	}

	if dec.CanHandle(line.Text) {
		return dec
	}

	for _, candidate := range p.registry.List() {
		if candidate == name {
			continue
		}
		if p.registry.CanHandle(candidate, p.decoderConfig, line.Text) {
			other, err := p.registry.Create(candidate, p.decoderConfig)
			if err == nil {
				return other
			}
		}
	}

	// Nobody claims the line; the configured decoder degrades it to
	// UNKNOWN rather than losing it.
	return dec
}

// dispatch enriches one logical message and hands it to the bus.
// decoderName records the decoder that actually produced the result,
// which may differ from the channel's configured name after fallback.
func (p *Pipeline) dispatch(ctx context.Context, d message.Decoded, line message.RawLine, decoderName string) {
	enriched := message.NewEnriched(uuid.NewString(), d, line)
	enriched.Decoder = decoderName
	p.bus.Dispatch(ctx, enriched)
}

// DecodeFailures returns the number of lines dropped because their
// decoder could not be constructed.
func (p *Pipeline) DecodeFailures() int64 {
	return p.decodeFailures.Load()
}

// Stats aggregates channel and bus statistics into one snapshot for the
// stats endpoint.
type Stats struct {
	Channels []capture.ChannelStats `json:"channels"`
	Bus      bus.Snapshot           `json:"bus"`
	Dropped  int64                  `json:"dropped_lines"`
}

// Stats returns the combined pipeline statistics.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Channels: p.mux.Channels(),
		Bus:      p.bus.Stats(),
		Dropped:  p.decodeFailures.Load(),
	}
}

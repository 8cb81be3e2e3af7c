package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelhil/euroscope2mcp/bus"
	"github.com/michaelhil/euroscope2mcp/capture"
	"github.com/michaelhil/euroscope2mcp/decoder"
	"github.com/michaelhil/euroscope2mcp/decoder/fsd"
	"github.com/michaelhil/euroscope2mcp/message"
)

// fakeSource is a scripted source: Start delivers its lines
// synchronously through the handler.
type fakeSource struct {
	lines   []string
	handler capture.SourceHandler
}

func (s *fakeSource) Start(context.Context) error {
	for _, line := range s.lines {
		s.handler.Line(line)
	}
	return nil
}

func (s *fakeSource) Stop(time.Duration) error { return nil }

// collector gathers dispatched messages from the bus.
type collector struct {
	mu       sync.Mutex
	received []message.Enriched
}

func (c *collector) handle(_ context.Context, msg message.Enriched) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, msg)
	return nil
}

func (c *collector) messages() []message.Enriched {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]message.Enriched, len(c.received))
	copy(out, c.received)
	return out
}

type fixture struct {
	pipeline *Pipeline
	mux      *capture.Multiplexer
	bus      *bus.Bus
	sink     *collector
	sources  map[int]*fakeSource
}

func newFixture(t *testing.T, script map[int][]string) *fixture {
	t.Helper()

	f := &fixture{sources: make(map[int]*fakeSource)}

	factory := func(cfg capture.ChannelConfig, handler capture.SourceHandler) (capture.Source, error) {
		src := &fakeSource{lines: script[cfg.ID], handler: handler}
		f.sources[cfg.ID] = src
		return src, nil
	}

	f.mux = capture.NewMultiplexer(capture.MultiplexerDeps{
		Factory: factory,
		Logger:  slog.Default(),
	})
	f.bus = bus.New(bus.BusDeps{Logger: slog.Default()})
	f.sink = &collector{}
	require.NoError(t, f.bus.RegisterSink("collector", f.sink.handle))

	registry := decoder.NewRegistry(slog.Default())
	require.NoError(t, fsd.Register(registry))

	p, err := New(Deps{
		Multiplexer:    f.mux,
		Registry:       registry,
		Bus:            f.bus,
		DefaultDecoder: fsd.DecoderName,
		DecoderConfig:  decoder.Config{Summaries: true},
		Logger:         slog.Default(),
	})
	require.NoError(t, err)
	f.pipeline = p

	return f
}

func (f *fixture) addAndStart(t *testing.T, cfg capture.ChannelConfig) {
	t.Helper()
	require.NoError(t, f.mux.AddChannel(cfg))
	require.NoError(t, f.mux.Start(context.Background(), cfg.ID))
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestLineFlowsToSink(t *testing.T) {
	f := newFixture(t, map[int][]string{
		6809: {"@S:UAL123:2200:4:37.615223:-122.389977:35000:450:180:4"},
	})
	f.addAndStart(t, capture.ChannelConfig{ID: 6809, Label: "Tower", Decoder: "fsd", Enabled: true})

	msgs := f.sink.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "POSITION_FAST", msgs[0].Type)
	assert.Equal(t, 6809, msgs[0].ChannelID)
	assert.Equal(t, "Tower", msgs[0].Label)
	assert.Equal(t, "fsd", msgs[0].Decoder)
	assert.NotEmpty(t, msgs[0].ID)
	assert.Equal(t, "UAL123", msgs[0].Fields["callsign"])
}

func TestBatchedLineUnwrapped(t *testing.T) {
	batched := "#TMSERVER:ALL:first" + `\r\n` + "#TMSERVER:ALL:second"
	f := newFixture(t, map[int][]string{6809: {batched}})
	f.addAndStart(t, capture.ChannelConfig{ID: 6809, Decoder: "fsd", Enabled: true})

	msgs := f.sink.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "TEXT_MESSAGE", msgs[0].Type)
	assert.Equal(t, "first", msgs[0].Fields["message"])
	assert.Equal(t, "second", msgs[1].Fields["message"])
	// Fragments get distinct identities.
	assert.NotEqual(t, msgs[0].ID, msgs[1].ID)

	stats := f.bus.Stats()
	assert.Equal(t, int64(2), stats.TotalMessages)
	assert.Zero(t, stats.CountsByType[message.TypeBatched])
}

func TestUnrecognizedLineDegradesToUnknown(t *testing.T) {
	f := newFixture(t, map[int][]string{6809: {"garbage line"}})
	f.addAndStart(t, capture.ChannelConfig{ID: 6809, Decoder: "fsd", Enabled: true})

	msgs := f.sink.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, message.TypeUnknown, msgs[0].Type)
	assert.Equal(t, "garbage line", msgs[0].Raw)
}

func TestEmptyDecoderNameUsesDefault(t *testing.T) {
	f := newFixture(t, map[int][]string{
		6809: {"#TMSERVER:ALL:hello"},
	})
	f.addAndStart(t, capture.ChannelConfig{ID: 6809, Enabled: true})

	msgs := f.sink.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "TEXT_MESSAGE", msgs[0].Type)
	assert.Equal(t, "fsd", msgs[0].Decoder)
}

func TestUnknownDecoderDropsLine(t *testing.T) {
	f := newFixture(t, map[int][]string{
		6809: {"#TMSERVER:ALL:hello"},
	})
	f.addAndStart(t, capture.ChannelConfig{ID: 6809, Decoder: "bogus", Enabled: true})

	assert.Empty(t, f.sink.messages())
	assert.Equal(t, int64(1), f.pipeline.DecodeFailures())
	assert.Equal(t, int64(1), f.pipeline.Stats().Dropped)
}

func TestMultipleChannelsTagged(t *testing.T) {
	f := newFixture(t, map[int][]string{
		6809: {"#TMSERVER:ALL:from tower"},
		6810: {"#TMSERVER:ALL:from ground"},
	})
	f.addAndStart(t, capture.ChannelConfig{ID: 6809, Label: "Tower", Decoder: "fsd", Enabled: true})
	f.addAndStart(t, capture.ChannelConfig{ID: 6810, Label: "Ground", Decoder: "fsd", Enabled: true})

	msgs := f.sink.messages()
	require.Len(t, msgs, 2)

	byChannel := map[int]string{}
	for _, m := range msgs {
		byChannel[m.ChannelID] = m.Label
	}
	assert.Equal(t, map[int]string{6809: "Tower", 6810: "Ground"}, byChannel)
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t, map[int][]string{
		6809: {"#TMSERVER:ALL:hello"},
	})
	require.NoError(t, f.mux.AddChannel(capture.ChannelConfig{ID: 6809, Decoder: "fsd", Enabled: true}))

	require.NoError(t, f.pipeline.Start(context.Background()))
	assert.Error(t, f.pipeline.Start(context.Background()))

	require.Len(t, f.sink.messages(), 1)

	require.NoError(t, f.pipeline.Stop(time.Second))
	assert.NoError(t, f.pipeline.Stop(time.Second))
}

func TestStatsAggregation(t *testing.T) {
	f := newFixture(t, map[int][]string{
		6809: {"#TMSERVER:ALL:hello", "#TMSERVER:ALL:again"},
	})
	f.addAndStart(t, capture.ChannelConfig{ID: 6809, Label: "Tower", Decoder: "fsd", Enabled: true})

	stats := f.pipeline.Stats()
	require.Len(t, stats.Channels, 1)
	assert.Equal(t, int64(2), stats.Channels[0].Messages)
	assert.Equal(t, int64(2), stats.Bus.TotalMessages)
	assert.Equal(t, int64(2), stats.Bus.CountsByType["TEXT_MESSAGE"])
}

package bus

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelhil/euroscope2mcp/errors"
	"github.com/michaelhil/euroscope2mcp/message"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	return New(BusDeps{Logger: slog.Default()})
}

func enriched(msgType string, channelID int) message.Enriched {
	d := message.Decoded{Type: msgType, Raw: "raw"}
	line := message.RawLine{ChannelID: channelID, Decoder: "fsd", Label: "test", Text: "raw"}
	return message.NewEnriched("id-1", d, line)
}

// collectingSink records every message it receives.
type collectingSink struct {
	mu       sync.Mutex
	received []message.Enriched
	err      error
}

func (s *collectingSink) handle(_ context.Context, msg message.Enriched) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.received = append(s.received, msg)
	return nil
}

func (s *collectingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func TestRegisterSinkDuplicate(t *testing.T) {
	b := newTestBus(t)
	sink := &collectingSink{}

	require.NoError(t, b.RegisterSink("file", sink.handle))
	err := b.RegisterSink("file", sink.handle)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrDuplicateSink))
}

func TestRegisterSinkRejectsEmpty(t *testing.T) {
	b := newTestBus(t)
	assert.Error(t, b.RegisterSink("", (&collectingSink{}).handle))
	assert.Error(t, b.RegisterSink("nil-handler", nil))
}

func TestUnregisterSinkUnknown(t *testing.T) {
	b := newTestBus(t)
	err := b.UnregisterSink("missing")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrUnknownSink))
}

func TestDispatchDeliversToEnabledSinks(t *testing.T) {
	b := newTestBus(t)
	first := &collectingSink{}
	second := &collectingSink{}
	require.NoError(t, b.RegisterSink("first", first.handle))
	require.NoError(t, b.RegisterSink("second", second.handle))

	b.Dispatch(context.Background(), enriched("POSITION_FAST", 6809))

	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count())
}

func TestDispatchSkipsDisabledSink(t *testing.T) {
	b := newTestBus(t)
	sink := &collectingSink{}
	require.NoError(t, b.RegisterSink("file", sink.handle))
	require.NoError(t, b.DisableSink("file"))

	b.Dispatch(context.Background(), enriched("TEXT_MESSAGE", 6809))
	assert.Equal(t, 0, sink.count())

	require.NoError(t, b.EnableSink("file"))
	b.Dispatch(context.Background(), enriched("TEXT_MESSAGE", 6809))
	assert.Equal(t, 1, sink.count())
}

func TestEnableUnknownSink(t *testing.T) {
	b := newTestBus(t)
	assert.True(t, stderrors.Is(b.EnableSink("missing"), errors.ErrUnknownSink))
	assert.True(t, stderrors.Is(b.DisableSink("missing"), errors.ErrUnknownSink))
}

func TestSinkIsolation(t *testing.T) {
	// One sink always fails; the healthy sink still accepts every
	// message and the failure is reflected only in the failing
	// sink's error counter.
	b := newTestBus(t)
	healthy := &collectingSink{}
	failing := &collectingSink{err: stderrors.New("disk full")}
	require.NoError(t, b.RegisterSink("healthy", healthy.handle))
	require.NoError(t, b.RegisterSink("failing", failing.handle))

	for i := 0; i < 3; i++ {
		b.Dispatch(context.Background(), enriched("POSITION_FAST", 6809))
	}

	stats := b.Stats()
	require.Len(t, stats.Sinks, 2)
	byName := map[string]SinkStats{}
	for _, s := range stats.Sinks {
		byName[s.Name] = s
	}
	assert.Equal(t, int64(3), byName["healthy"].Accepted)
	assert.Equal(t, int64(0), byName["healthy"].Errors)
	assert.Equal(t, int64(0), byName["failing"].Accepted)
	assert.Equal(t, int64(3), byName["failing"].Errors)
	assert.Equal(t, 3, healthy.count())
}

func TestSinkPanicCountsAsError(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.RegisterSink("boom", func(context.Context, message.Enriched) error {
		panic("handler bug")
	}))

	var errs []SinkError
	var mu sync.Mutex
	b.OnSinkError(func(e SinkError) {
		mu.Lock()
		errs = append(errs, e)
		mu.Unlock()
	})

	b.Dispatch(context.Background(), enriched("ATC_POSITION", 6810))

	stats := b.Stats()
	require.Len(t, stats.Sinks, 1)
	assert.Equal(t, int64(1), stats.Sinks[0].Errors)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	assert.Equal(t, "boom", errs[0].Sink)
	assert.True(t, stderrors.Is(errs[0].Err, errors.ErrSinkFailure))
}

func TestNotifications(t *testing.T) {
	b := newTestBus(t)

	var any, typed []string
	b.OnMessage(func(m message.Enriched) { any = append(any, m.Type) })
	b.OnType("TEXT_MESSAGE", func(m message.Enriched) { typed = append(typed, m.Type) })

	b.Dispatch(context.Background(), enriched("TEXT_MESSAGE", 6809))
	b.Dispatch(context.Background(), enriched("POSITION_FAST", 6809))

	assert.Equal(t, []string{"TEXT_MESSAGE", "POSITION_FAST"}, any)
	assert.Equal(t, []string{"TEXT_MESSAGE"}, typed)
}

func TestSinkErrorNotification(t *testing.T) {
	b := newTestBus(t)
	failing := &collectingSink{err: stderrors.New("refused")}
	require.NoError(t, b.RegisterSink("nats", failing.handle))

	var got []SinkError
	var mu sync.Mutex
	b.OnSinkError(func(e SinkError) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	b.Dispatch(context.Background(), enriched("FLIGHT_PLAN", 6809))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "nats", got[0].Sink)
	assert.Equal(t, "FLIGHT_PLAN", got[0].Message.Type)
}

func TestStatsCounters(t *testing.T) {
	b := newTestBus(t)

	b.Dispatch(context.Background(), enriched("POSITION_FAST", 6809))
	b.Dispatch(context.Background(), enriched("POSITION_FAST", 6809))
	b.Dispatch(context.Background(), enriched("TEXT_MESSAGE", 6810))

	stats := b.Stats()
	assert.Equal(t, int64(3), stats.TotalMessages)
	assert.Equal(t, int64(2), stats.CountsByType["POSITION_FAST"])
	assert.Equal(t, int64(1), stats.CountsByType["TEXT_MESSAGE"])
	assert.Equal(t, int64(2), stats.CountsByChannel[6809])
	assert.Equal(t, int64(1), stats.CountsByChannel[6810])
	assert.GreaterOrEqual(t, stats.MessagesPerSecond, 0.0)
}

func TestStatsSnapshotIsCopy(t *testing.T) {
	b := newTestBus(t)
	b.Dispatch(context.Background(), enriched("TEXT_MESSAGE", 6809))

	stats := b.Stats()
	stats.CountsByType["TEXT_MESSAGE"] = 99
	stats.CountsByChannel[6809] = 99

	fresh := b.Stats()
	assert.Equal(t, int64(1), fresh.CountsByType["TEXT_MESSAGE"])
	assert.Equal(t, int64(1), fresh.CountsByChannel[6809])
}

func TestResetZeroesCountersKeepsSinks(t *testing.T) {
	b := newTestBus(t)
	sink := &collectingSink{}
	require.NoError(t, b.RegisterSink("file", sink.handle))

	b.Dispatch(context.Background(), enriched("POSITION_FAST", 6809))
	b.Reset()

	stats := b.Stats()
	assert.Equal(t, int64(0), stats.TotalMessages)
	assert.Empty(t, stats.CountsByType)
	assert.Empty(t, stats.CountsByChannel)
	// Sink registration and its counters survive a reset.
	require.Len(t, stats.Sinks, 1)
	assert.Equal(t, int64(1), stats.Sinks[0].Accepted)

	b.Dispatch(context.Background(), enriched("POSITION_FAST", 6809))
	assert.Equal(t, 2, sink.count())
}

func TestUnregisterStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	sink := &collectingSink{}
	require.NoError(t, b.RegisterSink("file", sink.handle))
	require.NoError(t, b.UnregisterSink("file"))

	b.Dispatch(context.Background(), enriched("TEXT_MESSAGE", 6809))
	assert.Equal(t, 0, sink.count())
	assert.Empty(t, b.Stats().Sinks)

	// Name becomes reusable after unregistration.
	require.NoError(t, b.RegisterSink("file", sink.handle))
}

func TestDispatchConcurrentSafety(t *testing.T) {
	b := newTestBus(t)
	sink := &collectingSink{}
	require.NoError(t, b.RegisterSink("file", sink.handle))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				b.Dispatch(context.Background(), enriched("POSITION_FAST", 6809))
			}
		}()
	}
	wg.Wait()

	stats := b.Stats()
	assert.Equal(t, int64(200), stats.TotalMessages)
	assert.Equal(t, 200, sink.count())
}

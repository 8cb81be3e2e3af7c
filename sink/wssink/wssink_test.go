package wssink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelhil/euroscope2mcp/message"
)

func startTestSink(t *testing.T) *Sink {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.PingInterval = 50 * time.Millisecond

	sink, err := New(cfg, slog.Default())
	require.NoError(t, err)
	require.NoError(t, sink.Start(context.Background()))
	t.Cleanup(func() { _ = sink.Stop(2 * time.Second) })

	return sink
}

func dialTestSink(t *testing.T, sink *Sink) *websocket.Conn {
	t.Helper()

	url := fmt.Sprintf("ws://%s/ws", sink.Addr())
	var conn *websocket.Conn
	var err error
	for i := 0; i < 20; i++ {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func testMessage(msgType string) message.Enriched {
	d := message.Decoded{Type: msgType, Raw: "raw-line", Timestamp: message.Now()}
	line := message.RawLine{ChannelID: 6809, Decoder: "fsd", Label: "tower", Text: "raw-line"}
	return message.NewEnriched("id-1", d, line)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Address = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Path = ""
	assert.Error(t, cfg.Validate())
}

func TestBroadcastReachesClient(t *testing.T) {
	sink := startTestSink(t)
	conn := dialTestSink(t, sink)

	// Wait for the server to register the client.
	require.Eventually(t, func() bool { return sink.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	require.NoError(t, sink.Handle(context.Background(), testMessage("POSITION_FAST")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, "data", envelope.Type)
	assert.Equal(t, "POSITION_FAST", envelope.Payload.Type)
	assert.Equal(t, 6809, envelope.Payload.ChannelID)
	assert.Equal(t, int64(1), sink.Sent())
}

func TestBroadcastWithoutClients(t *testing.T) {
	sink := startTestSink(t)
	assert.NoError(t, sink.Handle(context.Background(), testMessage("TEXT_MESSAGE")))
	assert.Equal(t, int64(0), sink.Sent())
}

func TestDisconnectedClientRemoved(t *testing.T) {
	sink := startTestSink(t)
	conn := dialTestSink(t, sink)

	require.Eventually(t, func() bool { return sink.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return sink.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestStartTwice(t *testing.T) {
	sink := startTestSink(t)
	assert.Error(t, sink.Start(context.Background()))
}

func TestStopWithoutStart(t *testing.T) {
	sink, err := New(DefaultConfig(), slog.Default())
	require.NoError(t, err)
	assert.NoError(t, sink.Stop(time.Second))
}

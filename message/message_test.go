package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoded_Degraded(t *testing.T) {
	assert.True(t, Decoded{Type: "TEXT_MESSAGE", Fields: nil}.Degraded())
	assert.False(t, Decoded{Type: "TEXT_MESSAGE", Fields: map[string]any{}}.Degraded())
	assert.False(t, Decoded{Type: TypeUnknown}.Degraded())
	assert.False(t, Decoded{Type: TypeBatched}.Degraded())
}

func TestDecoded_IsBatched(t *testing.T) {
	assert.True(t, Decoded{Type: TypeBatched, SubCount: 2}.IsBatched())
	assert.False(t, Decoded{Type: "FLIGHT_PLAN"}.IsBatched())
}

func TestNewEnriched_CarriesProvenance(t *testing.T) {
	line := RawLine{ChannelID: 6809, Decoder: "fsd", Label: "tower", Text: "#TMA:B:hi"}
	d := Decoded{Type: "TEXT_MESSAGE", Raw: line.Text, Timestamp: Now()}

	e := NewEnriched("msg-1", d, line)

	assert.Equal(t, "msg-1", e.ID)
	assert.Equal(t, 6809, e.ChannelID)
	assert.Equal(t, "fsd", e.Decoder)
	assert.Equal(t, "tower", e.Label)
	assert.Equal(t, "TEXT_MESSAGE", e.Type)
}

func TestEnriched_JSONShape(t *testing.T) {
	e := Enriched{
		Decoded: Decoded{
			Type:      "CLIENT_QUERY",
			Raw:       "$CQA:B:WH:C",
			Fields:    map[string]any{"callsign": "A"},
			Timestamp: 1700000000000,
		},
		ID:        "msg-2",
		ChannelID: 6809,
		Decoder:   "fsd",
	}

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "CLIENT_QUERY", out["type"])
	assert.Equal(t, float64(6809), out["channel_id"])
	// Batched-only fields stay out of the wire form for plain messages
	assert.NotContains(t, out, "sub")
	assert.NotContains(t, out, "sub_count")
}

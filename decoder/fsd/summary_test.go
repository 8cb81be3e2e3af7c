package fsd

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/michaelhil/euroscope2mcp/decoder"
)

func TestSummary_Position(t *testing.T) {
	d := New(decoder.Config{Summaries: true}, nil)

	got := d.Decode("@N:UAL123:1200:1:40.7128:-74.0060:35000:450:0:0")

	assert.Equal(t, "UAL123 at 35000ft, 450kts, squawk 1200", got.Summary)
}

func TestSummary_ClientQueryKnownCodes(t *testing.T) {
	d := New(decoder.Config{Summaries: true}, nil)

	tests := []struct {
		line string
		want string
	}{
		{"$CQBOS_TWR:@94836:WH:UAL123", "BOS_TWR asks who has UAL123"},
		{"$CQBOS_TWR:@94836:SC:DCT", "BOS_TWR sets scratchpad DCT"},
		{"$CQBOS_TWR:@94836:TA:8000", "BOS_TWR sets temporary altitude 8000"},
		{"$CQBOS_TWR:@94836:BC:2301", "BOS_TWR assigns squawk 2301"},
		{"$CQBOS_TWR:@94836:DR:UAL123", "BOS_TWR requests direct route UAL123"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, d.Decode(tt.line).Summary, tt.line)
	}
}

func TestSummary_ClientQueryUnknownCode(t *testing.T) {
	d := New(decoder.Config{Summaries: true}, nil)

	got := d.Decode("$CQBOS_TWR:@94836:XYZ:什么")

	assert.Equal(t, "BOS_TWR queried XYZ", got.Summary)
}

func TestSummary_TextMessage(t *testing.T) {
	d := New(decoder.Config{Summaries: true}, nil)

	got := d.Decode("#TMBOS_TWR:UAL123:cleared to land 22L")

	assert.Equal(t, "message from BOS_TWR to UAL123: cleared to land 22L", got.Summary)
}

func TestSummary_DisabledByConfig(t *testing.T) {
	d := New(decoder.Config{Summaries: false}, nil)

	got := d.Decode("#TMBOS_TWR:UAL123:hello")

	assert.Empty(t, got.Summary)
}

// A malformed fields map must degrade to placeholders, never panic.
func TestSummarize_ToleratesMissingFields(t *testing.T) {
	assert.Equal(t, "? at 0ft, 0kts, squawk ?", summarize(TypePositionFast, map[string]any{}))
	assert.Equal(t, "message from ? to ?: ?", summarize(TypeTextMessage, map[string]any{"from": 42}))
	assert.Equal(t, "", summarize("SOMETHING_ELSE", map[string]any{}))
}

// Package message defines the data types that flow through the capture
// pipeline: raw transport lines tagged with their originating channel,
// decoded protocol messages, and the enriched form handed to the
// distribution bus.
package message

import "time"

// Type tags assigned by protocol decoders. TypeUnknown is used for any
// line no decoder recognizes; TypeBatched wraps several logical messages
// carried on one transport line.
const (
	TypeUnknown = "UNKNOWN"
	TypeBatched = "BATCHED"
)

// RawLine is one transport unit as emitted by a capture source, tagged
// with the channel it arrived on. It is ephemeral: produced per line,
// consumed immediately by decoding.
type RawLine struct {
	ChannelID int    `json:"channel_id"`
	Decoder   string `json:"decoder"`
	Label     string `json:"label"`
	Text      string `json:"text"`
}

// Decoded is the result of decoding a single logical protocol message.
//
// Invariants: Type is never empty (TypeUnknown at worst). Fields is nil
// only when the sub-message failed the minimum-field-count check for its
// identified type. Sub is populated only for TypeBatched composites and
// preserves the original left-to-right order.
type Decoded struct {
	Type      string         `json:"type"`
	Raw       string         `json:"raw"`
	Fields    map[string]any `json:"fields"`
	Summary   string         `json:"summary,omitempty"`
	Timestamp int64          `json:"timestamp"` // Unix milliseconds
	Sub       []Decoded      `json:"sub,omitempty"`
	SubCount  int            `json:"sub_count,omitempty"`
}

// IsBatched reports whether this result wraps multiple sub-messages.
func (d Decoded) IsBatched() bool {
	return d.Type == TypeBatched
}

// Degraded reports whether decoding identified the type but could not
// extract fields (arity failure). Unknown-type results are not degraded;
// they were never expected to carry fields.
func (d Decoded) Degraded() bool {
	return d.Type != TypeUnknown && d.Type != TypeBatched && d.Fields == nil
}

// Enriched is a Decoded message plus its channel provenance. It is the
// unit handed to the distribution bus and is immutable once created.
type Enriched struct {
	Decoded

	ID        string `json:"id"`
	ChannelID int    `json:"channel_id"`
	Decoder   string `json:"decoder"`
	Label     string `json:"label,omitempty"`
}

// NewEnriched binds a decoded message to the line it came from.
func NewEnriched(id string, d Decoded, line RawLine) Enriched {
	return Enriched{
		Decoded:   d,
		ID:        id,
		ChannelID: line.ChannelID,
		Decoder:   line.Decoder,
		Label:     line.Label,
	}
}

// Now returns the current time in Unix milliseconds, the timestamp
// resolution used on Decoded messages.
func Now() int64 {
	return time.Now().UnixMilli()
}

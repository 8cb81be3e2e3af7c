// Package fsd decodes the colon-delimited FSD wire protocol used by
// air-traffic simulation networks. One transport line may carry several
// logical messages joined by the escaped CRLF marker the upstream text
// extraction tool emits; the decoder splits those, identifies each
// fragment's type by prefix, and parses the per-type field layout.
//
// The decoder never fails on malformed input. An unrecognized prefix
// yields type UNKNOWN; a fragment with too few fields for its type keeps
// the type but carries nil fields; an embedded JSON payload that does not
// parse is retained as plain text.
package fsd

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/michaelhil/euroscope2mcp/decoder"
	"github.com/michaelhil/euroscope2mcp/message"
)

// DecoderName is the name this decoder registers under.
const DecoderName = "fsd"

// escapedCRLF is the literal marker separating logical messages inside
// one transport line: backslash-r backslash-n as printed by the capture
// tool, not an actual line break.
const escapedCRLF = `\r\n`

// Message type tags.
const (
	TypePositionSlow       = "POSITION_SLOW"
	TypePositionFast       = "POSITION_FAST"
	TypeFlightPlan         = "FLIGHT_PLAN"
	TypeClientQuery        = "CLIENT_QUERY"
	TypeAuthChallenge      = "AUTH_CHALLENGE"
	TypeQueryResponse      = "QUERY_RESPONSE"
	TypeAuthResponse       = "AUTH_RESPONSE"
	TypeTextMessage        = "TEXT_MESSAGE"
	TypeClientComm         = "CLIENT_COMM"
	TypeAddPilot           = "ADD_PILOT"
	TypeStationPosition    = "STATION_POSITION"
	TypeAddATC             = "ADD_ATC"
	TypeDeleteATC          = "DELETE_ATC"
	TypeControllerPosition = "CONTROLLER_POSITION"
)

// typeChecks lists prefix/tag pairs in priority order. Several prefixes
// share leading characters, so longer or more specific prefixes must be
// tested before shorter ones that would otherwise match first.
var typeChecks = []struct {
	prefix string
	tag    string
}{
	{"@S:", TypePositionSlow},
	{"@N:", TypePositionFast},
	{"$FP", TypeFlightPlan},
	{"$CQ", TypeClientQuery},
	{"$ZC", TypeAuthChallenge},
	{"$CR", TypeQueryResponse},
	{"$ZR", TypeAuthResponse},
	{"#TM", TypeTextMessage},
	{"#PC", TypeClientComm},
	{"#AP", TypeAddPilot},
	{"#ST", TypeStationPosition},
	{"#AA", TypeAddATC},
	{"#DA", TypeDeleteATC},
	{"%", TypeControllerPosition},
}

// IdentifyType resolves a fragment's message type from its prefix,
// honoring the fixed precedence order. Returns message.TypeUnknown for
// anything that matches no known prefix.
func IdentifyType(s string) string {
	for _, check := range typeChecks {
		if strings.HasPrefix(s, check.prefix) {
			return check.tag
		}
	}
	return message.TypeUnknown
}

// Decoder implements decoder.Decoder for the FSD protocol.
type Decoder struct {
	summaries bool
	logger    *slog.Logger
}

var _ decoder.Decoder = (*Decoder)(nil)

// New creates an FSD decoder. Summaries are rendered only when enabled
// in the configuration; they are presentational and never affect the
// primary decode.
func New(cfg decoder.Config, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default().With("decoder", DecoderName)
	}
	return &Decoder{
		summaries: cfg.Summaries,
		logger:    logger,
	}
}

// Register adds the FSD decoder factory to a registry.
func Register(r *decoder.Registry) error {
	return r.Register(DecoderName, func(cfg decoder.Config, logger *slog.Logger) (decoder.Decoder, error) {
		return New(cfg, logger), nil
	})
}

// Name returns the decoder's registered name.
func (d *Decoder) Name() string { return DecoderName }

// CanHandle reports whether the line starts with a known FSD prefix,
// checking only the first fragment of a batched line.
func (d *Decoder) CanHandle(line string) bool {
	for _, fragment := range splitBatch(line) {
		return IdentifyType(fragment) != message.TypeUnknown
	}
	return false
}

// Decode parses one transport line. Lines carrying multiple logical
// messages come back as a BATCHED composite with sub-results in their
// original order.
func (d *Decoder) Decode(line string) message.Decoded {
	fragments := splitBatch(line)

	if len(fragments) <= 1 {
		text := line
		if len(fragments) == 1 {
			text = fragments[0]
		}
		return d.decodeOne(text)
	}

	sub := make([]message.Decoded, 0, len(fragments))
	for _, fragment := range fragments {
		sub = append(sub, d.decodeOne(fragment))
	}

	batch := message.Decoded{
		Type:      message.TypeBatched,
		Raw:       line,
		Timestamp: message.Now(),
		Sub:       sub,
		SubCount:  len(sub),
	}
	if d.summaries {
		batch.Summary = strconv.Itoa(len(sub)) + " batched messages"
	}
	return batch
}

// splitBatch splits a transport line on the escaped CRLF marker and
// discards empty fragments.
func splitBatch(line string) []string {
	parts := strings.Split(line, escapedCRLF)
	fragments := parts[:0]
	for _, part := range parts {
		if part != "" {
			fragments = append(fragments, part)
		}
	}
	return fragments
}

// decodeOne parses a single logical message.
func (d *Decoder) decodeOne(s string) message.Decoded {
	tag := IdentifyType(s)
	result := message.Decoded{
		Type:      tag,
		Raw:       s,
		Timestamp: message.Now(),
	}

	switch tag {
	case TypePositionSlow, TypePositionFast:
		result.Fields = parsePosition(s)
	case TypeFlightPlan:
		result.Fields = parseFlightPlan(s)
	case TypeClientQuery:
		result.Fields = parseClientQuery(s)
	case TypeTextMessage:
		result.Fields = parseTextMessage(s)
	case TypeControllerPosition:
		result.Fields = parseControllerPosition(s)
	case TypeAddPilot:
		result.Fields = parseAddPilot(s)
	case TypeStationPosition:
		result.Fields = parseStationPosition(s)
	case TypeAuthChallenge, TypeQueryResponse, TypeAuthResponse,
		TypeClientComm, TypeAddATC, TypeDeleteATC:
		result.Fields = parseGeneric(s)
	case message.TypeUnknown:
		// No fields for unrecognized lines
	}

	if d.summaries && result.Fields != nil {
		result.Summary = summarize(tag, result.Fields)
	}

	return result
}

// parsePosition decodes slow/fast position reports. The prefix occupies
// the first colon-field, so the minimum of 10 colon-fields leaves 9
// payload fields.
func parsePosition(s string) map[string]any {
	parts := strings.Split(s, ":")
	if len(parts) < 10 {
		return nil
	}

	return map[string]any{
		"callsign":     parts[1],
		"squawk":       parts[2],
		"rating":       atoiOr(parts[3], 0),
		"latitude":     atofOr(parts[4], 0),
		"longitude":    atofOr(parts[5], 0),
		"altitude":     atoiOr(parts[6], 0),
		"ground_speed": atoiOr(parts[7], 0),
		"orientation":  parts[8],
		"flags":        parts[9],
	}
}

// parseFlightPlan extracts the callsign between the 3-character prefix
// and the next colon; everything after that colon is opaque flight-plan
// payload text and is not decoded further.
func parseFlightPlan(s string) map[string]any {
	body := s[3:]
	idx := strings.IndexByte(body, ':')
	if idx < 0 {
		return nil
	}

	return map[string]any{
		"callsign": body[:idx],
		"plan":     body[idx+1:],
	}
}

// parseClientQuery decodes $CQ messages. The data portion is rejoined
// with colons and opportunistically parsed as JSON; when that succeeds
// the decoded value is additionally exposed as data_json. A JSON failure
// is silent and never aborts the outer parse.
func parseClientQuery(s string) map[string]any {
	parts := strings.Split(s[3:], ":")
	if len(parts) < 4 {
		return nil
	}

	data := strings.Join(parts[3:], ":")
	fields := map[string]any{
		"callsign":   parts[0],
		"server":     parts[1],
		"query_type": parts[2],
		"data":       data,
	}

	var embedded any
	if err := json.Unmarshal([]byte(data), &embedded); err == nil {
		switch embedded.(type) {
		case map[string]any, []any:
			fields["data_json"] = embedded
		}
	}

	return fields
}

// parseTextMessage decodes #TM messages; the message text may itself
// contain colons, so the tail is rejoined.
func parseTextMessage(s string) map[string]any {
	parts := strings.Split(s[3:], ":")
	if len(parts) < 3 {
		return nil
	}

	return map[string]any{
		"from":    parts[0],
		"to":      parts[1],
		"message": strings.Join(parts[2:], ":"),
	}
}

// parseControllerPosition decodes % position updates from controllers.
func parseControllerPosition(s string) map[string]any {
	parts := strings.Split(s[1:], ":")
	if len(parts) < 8 {
		return nil
	}

	return map[string]any{
		"callsign":       parts[0],
		"frequency":      parts[1],
		"facility":       atoiOr(parts[2], 0),
		"visual_range":   atoiOr(parts[3], 0),
		"rating":         atoiOr(parts[4], 0),
		"latitude":       atofOr(parts[5], 0),
		"longitude":      atofOr(parts[6], 0),
		"altitude_range": atoiOr(parts[7], 0),
	}
}

// parseAddPilot decodes #AP connect messages. The fourth colon-field is
// always empty on the wire and is skipped.
func parseAddPilot(s string) map[string]any {
	parts := strings.Split(s[3:], ":")
	if len(parts) < 7 {
		return nil
	}

	fields := map[string]any{
		"callsign":     parts[0],
		"server":       parts[1],
		"cid":          parts[2],
		"visual_range": parts[4],
		"rating":       atoiOr(parts[5], 0),
		"protocol":     atoiOr(parts[6], 0),
	}
	fields["real_name"] = strings.Join(parts[7:], ":")
	return fields
}

// parseStationPosition decodes #ST ground station reports.
func parseStationPosition(s string) map[string]any {
	parts := strings.Split(s[3:], ":")
	if len(parts) < 7 {
		return nil
	}

	return map[string]any{
		"callsign":       parts[0],
		"latitude":       atofOr(parts[1], 0),
		"longitude":      atofOr(parts[2], 0),
		"altitude_agl":   atofOr(parts[3], 0),
		"ground_speed":   atofOr(parts[4], 0),
		"flags":          parts[5],
		"vertical_speed": atofOr(parts[6], 0),
	}
}

// parseGeneric handles typed messages with no declared field layout:
// callsign up to the first colon, remainder kept opaque.
func parseGeneric(s string) map[string]any {
	body := s[3:]
	idx := strings.IndexByte(body, ':')
	if idx < 0 {
		return map[string]any{"callsign": body, "payload": ""}
	}

	return map[string]any{
		"callsign": body[:idx],
		"payload":  body[idx+1:],
	}
}

// atoiOr parses an integer, falling back to def on any failure.
func atoiOr(s string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return v
}

// atofOr parses a float, falling back to def on any failure.
func atofOr(s string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return def
	}
	return v
}

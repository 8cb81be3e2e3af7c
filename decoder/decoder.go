// Package decoder defines the protocol decoder contract and the registry
// that maps decoder names to factories. Decoders turn raw transport lines
// into typed message.Decoded records; the registry caches instances so
// construction happens at most once per distinct (name, config) pair.
package decoder

import (
	"log/slog"

	"github.com/michaelhil/euroscope2mcp/message"
)

// Decoder is a pluggable component that turns raw protocol text into
// typed structured data. Implementations must never fail on malformed
// input: Decode always returns a result, degrading to UNKNOWN type or
// nil fields instead of erroring.
type Decoder interface {
	// Name returns the decoder's registered name (e.g. "fsd").
	Name() string

	// CanHandle reports whether the line looks like something this
	// decoder recognizes, without committing to a full parse.
	CanHandle(line string) bool

	// Decode parses one transport line into a decoded message. A line
	// carrying several logical messages yields a BATCHED composite.
	Decode(line string) message.Decoded
}

// Config is the value-type configuration for decoder instances. It is
// comparable and doubles as the instance cache key, so identical
// configurations share one decoder instance.
type Config struct {
	// Summaries enables the human-readable summary enrichment.
	Summaries bool
	// Options carries decoder-specific settings in a canonical
	// "k=v,k=v" form; empty means defaults.
	Options string
}

// Factory constructs a decoder instance for a given configuration.
// Factories must not perform I/O; any expensive initialization happens
// at most once per distinct configuration thanks to the registry cache.
type Factory func(cfg Config, logger *slog.Logger) (Decoder, error)

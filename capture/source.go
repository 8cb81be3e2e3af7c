// Package capture owns the set of independent capture channels feeding
// the pipeline. Each channel binds one line-producing source to a decoder
// name; the multiplexer starts and stops sources independently, tags
// every emitted line with its channel, and isolates per-channel failures.
package capture

import (
	"context"
	"time"
)

// Source produces a sequence of complete text lines from a live byte
// stream. One line is one transport unit, not necessarily one protocol
// message. The core does not care how lines are produced.
type Source interface {
	// Start begins producing lines. It is idempotent while running.
	Start(ctx context.Context) error

	// Stop terminates line production, waiting up to timeout for a
	// graceful shutdown. Lines already delivered are unaffected.
	Stop(timeout time.Duration) error
}

// SourceHandler receives a source's notifications. Line is invoked once
// per transport unit from the source's own goroutine; Error reports
// failures that do not necessarily stop the source.
type SourceHandler struct {
	Line  func(text string)
	Error func(err error)
}

// SourceFactory builds a source for a channel. The multiplexer calls it
// once per channel when the channel is added; the host application
// supplies the factory, keeping transport details out of the core.
type SourceFactory func(cfg ChannelConfig, handler SourceHandler) (Source, error)

// ChannelConfig describes one capture channel. ID is typically the
// captured port number and must be unique within a multiplexer.
type ChannelConfig struct {
	ID      int    `json:"id"       yaml:"id"`
	Label   string `json:"label"    yaml:"label"`
	Decoder string `json:"decoder"  yaml:"decoder"`
	Enabled bool   `json:"enabled"  yaml:"enabled"`

	// Source selects the transport adapter ("exec", "udp"); source
	// adapters interpret Address/Command as they see fit.
	Source  string   `json:"source,omitempty"  yaml:"source,omitempty"`
	Address string   `json:"address,omitempty" yaml:"address,omitempty"`
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`
}

// EventKind classifies channel lifecycle notifications.
type EventKind int

const (
	// EventStarted signals a channel's source began producing lines.
	EventStarted EventKind = iota
	// EventStopped signals a channel's source stopped.
	EventStopped
	// EventError reports a per-channel failure; other channels continue.
	EventError
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a channel lifecycle notification tagged with the channel id.
type Event struct {
	Kind      EventKind
	ChannelID int
	Err       error
}

// ChannelStats is a point-in-time snapshot of one channel's counters.
type ChannelStats struct {
	ChannelID    int       `json:"channel_id"`
	Label        string    `json:"label"`
	Running      bool      `json:"running"`
	Messages     int64     `json:"messages"`
	Bytes        int64     `json:"bytes"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

// Package natssink publishes enriched messages to NATS subjects.
package natssink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/michaelhil/euroscope2mcp/errors"
	"github.com/michaelhil/euroscope2mcp/message"
	"github.com/michaelhil/euroscope2mcp/pkg/retry"
)

// Config holds configuration for the NATS sink.
type Config struct {
	URL           string        `json:"url"            yaml:"url"`
	SubjectPrefix string        `json:"subject_prefix" yaml:"subject_prefix"`
	ClientName    string        `json:"client_name"    yaml:"client_name"`
	ReconnectWait time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	MaxReconnects int           `json:"max_reconnects" yaml:"max_reconnects"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "url is required")
	}
	if c.SubjectPrefix == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"subject_prefix is required")
	}
	return nil
}

// DefaultConfig returns default configuration for the NATS sink.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "fsd.messages",
		ClientName:    "euroscope2mcp",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Sink publishes each enriched message as JSON on a per-type subject,
// <prefix>.<channel>.<type>.
type Sink struct {
	config Config
	logger *slog.Logger

	conn      *nats.Conn
	running   atomic.Bool
	published int64
}

// New creates a NATS sink from configuration. The connection is
// established by Start.
func New(config Config, logger *slog.Logger) (*Sink, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.ReconnectWait <= 0 {
		config.ReconnectWait = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default().With("component", "natssink")
	}

	return &Sink{config: config, logger: logger}, nil
}

// Start connects to the NATS server, retrying transient failures.
func (s *Sink) Start(ctx context.Context) error {
	if s.running.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Sink", "Start", "check running state")
	}

	opts := []nats.Option{
		nats.Name(s.config.ClientName),
		nats.ReconnectWait(s.config.ReconnectWait),
		nats.MaxReconnects(s.config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	err := retry.Do(ctx, retry.Startup(), func() error {
		conn, err := nats.Connect(s.config.URL, opts...)
		if err != nil {
			return err
		}
		s.conn = conn
		return nil
	})
	if err != nil {
		return errors.WrapTransient(err, "Sink", "Start", "connect to NATS")
	}

	s.running.Store(true)
	s.logger.Info("nats sink started",
		"url", s.config.URL,
		"subject_prefix", s.config.SubjectPrefix)
	return nil
}

// Stop drains and closes the connection.
func (s *Sink) Stop(timeout time.Duration) error {
	if !s.running.Swap(false) {
		return nil
	}

	if s.conn != nil {
		done := make(chan struct{})
		go func() {
			if err := s.conn.Drain(); err != nil {
				s.logger.Warn("nats drain failed", "error", err)
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			s.conn.Close()
			return errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", timeout),
				"Sink", "Stop", "drain connection")
		}
	}
	return nil
}

// Handle publishes one enriched message. Intended for registration on
// the distribution bus.
func (s *Sink) Handle(_ context.Context, msg message.Enriched) error {
	if !s.running.Load() || s.conn == nil {
		return errors.WrapTransient(errors.ErrNotStarted, "Sink", "Handle", "check connection")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.WrapInvalid(err, "Sink", "Handle", "marshal message")
	}

	if err := s.conn.Publish(s.subject(msg), data); err != nil {
		return errors.WrapTransient(err, "Sink", "Handle", "publish message")
	}
	atomic.AddInt64(&s.published, 1)
	return nil
}

// subject builds <prefix>.<channel>.<type> with the type lowercased for
// subject hygiene.
func (s *Sink) subject(msg message.Enriched) string {
	msgType := strings.ToLower(msg.Type)
	msgType = strings.ReplaceAll(msgType, ".", "_")
	return fmt.Sprintf("%s.%d.%s", s.config.SubjectPrefix, msg.ChannelID, msgType)
}

// Published returns the number of messages published so far.
func (s *Sink) Published() int64 {
	return atomic.LoadInt64(&s.published)
}

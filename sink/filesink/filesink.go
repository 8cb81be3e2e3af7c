// Package filesink appends enriched messages to a JSON Lines file.
package filesink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/michaelhil/euroscope2mcp/errors"
	"github.com/michaelhil/euroscope2mcp/message"
)

// Config holds configuration for the file sink.
type Config struct {
	Path          string        `json:"path"           yaml:"path"`
	Append        bool          `json:"append"         yaml:"append"`
	BufferSize    int           `json:"buffer_size"    yaml:"buffer_size"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "path is required")
	}
	if c.BufferSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"buffer_size cannot be negative")
	}
	return nil
}

// DefaultConfig returns default configuration for the file sink.
func DefaultConfig() Config {
	return Config{
		Path:          "messages.jsonl",
		Append:        true,
		BufferSize:    100,
		FlushInterval: time.Second,
	}
}

// Sink buffers enriched messages and writes them to disk as one JSON
// object per line.
type Sink struct {
	config Config
	logger *slog.Logger

	file   *os.File
	fileMu sync.Mutex

	buffer   [][]byte
	bufferMu sync.Mutex

	shutdown    chan struct{}
	closeOnce   sync.Once
	running     bool
	lifecycleMu sync.Mutex
	wg          sync.WaitGroup

	messagesWritten int64
	bytesWritten    int64
	writeErrors     int64
}

// New creates a file sink from configuration.
func New(config Config, logger *slog.Logger) (*Sink, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default().With("component", "filesink")
	}

	return &Sink{
		config:   config,
		logger:   logger,
		buffer:   make([][]byte, 0, config.BufferSize),
		shutdown: make(chan struct{}),
	}, nil
}

// Start opens the output file and begins the periodic flush loop.
func (s *Sink) Start(_ context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Sink", "Start", "check running state")
	}

	if dir := filepath.Dir(s.config.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.WrapFatal(err, "Sink", "Start", "create output directory")
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if s.config.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	file, err := os.OpenFile(s.config.Path, flags, 0o644)
	if err != nil {
		return errors.WrapFatal(err, "Sink", "Start", "open output file")
	}
	s.file = file

	s.wg.Add(1)
	go s.flushLoop()

	s.running = true
	s.logger.Info("file sink started",
		"path", s.config.Path,
		"append", s.config.Append,
		"buffer_size", s.config.BufferSize)

	return nil
}

// Stop flushes the remaining buffer and closes the file.
func (s *Sink) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return nil
	}

	s.closeOnce.Do(func() { close(s.shutdown) })

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"Sink", "Stop", "wait for flush loop")
	}

	s.flush()

	s.fileMu.Lock()
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			s.logger.Warn("failed to close output file", "path", s.config.Path, "error", err)
		}
		s.file = nil
	}
	s.fileMu.Unlock()

	s.running = false
	return nil
}

// Handle buffers one enriched message for writing. Intended for
// registration on the distribution bus.
func (s *Sink) Handle(_ context.Context, msg message.Enriched) error {
	data, err := json.Marshal(msg)
	if err != nil {
		atomic.AddInt64(&s.writeErrors, 1)
		return errors.WrapInvalid(err, "Sink", "Handle", "marshal message")
	}

	s.bufferMu.Lock()
	s.buffer = append(s.buffer, data)
	shouldFlush := len(s.buffer) >= s.config.BufferSize
	s.bufferMu.Unlock()

	if shouldFlush {
		s.flush()
	}
	return nil
}

func (s *Sink) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

// flush writes buffered lines to the file.
func (s *Sink) flush() {
	s.bufferMu.Lock()
	if len(s.buffer) == 0 {
		s.bufferMu.Unlock()
		return
	}
	lines := s.buffer
	s.buffer = make([][]byte, 0, s.config.BufferSize)
	s.bufferMu.Unlock()

	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	if s.file == nil {
		atomic.AddInt64(&s.writeErrors, int64(len(lines)))
		s.logger.Error("file handle is nil during flush", "messages_lost", len(lines))
		return
	}

	for _, line := range lines {
		n, err := s.file.Write(append(line, '\n'))
		if err != nil {
			atomic.AddInt64(&s.writeErrors, 1)
			s.logger.Error("failed to write message to file", "error", err)
			continue
		}
		atomic.AddInt64(&s.messagesWritten, 1)
		atomic.AddInt64(&s.bytesWritten, int64(n))
	}
}

// Written returns the number of messages flushed to disk so far.
func (s *Sink) Written() int64 {
	return atomic.LoadInt64(&s.messagesWritten)
}

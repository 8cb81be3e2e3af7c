// Package udpsource provides a line-oriented UDP capture source, useful
// for replay feeds and test rigs that forward protocol text over UDP.
// Each datagram may carry one or more newline-terminated lines; every
// non-empty line is one transport unit.
package udpsource

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/michaelhil/euroscope2mcp/capture"
	"github.com/michaelhil/euroscope2mcp/errors"
	"github.com/michaelhil/euroscope2mcp/pkg/retry"
)

// Source implements capture.Source over a UDP socket.
type Source struct {
	addr    string
	handler capture.SourceHandler
	logger  *slog.Logger

	retryConfig retry.Config

	shutdown chan struct{}
	done     chan struct{}
	running  atomic.Bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	conn     *net.UDPConn
}

var _ capture.Source = (*Source)(nil)

// New creates a UDP source listening on addr ("host:port").
func New(addr string, handler capture.SourceHandler, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default().With("component", "udp-source", "addr", addr)
	}
	return &Source{
		addr:        addr,
		handler:     handler,
		logger:      logger,
		retryConfig: retry.Startup(),
	}
}

// Factory adapts New to the capture.SourceFactory signature, taking the
// listen address from the channel config.
func Factory(logger *slog.Logger) capture.SourceFactory {
	return func(cfg capture.ChannelConfig, handler capture.SourceHandler) (capture.Source, error) {
		addr := cfg.Address
		if addr == "" {
			addr = fmt.Sprintf("0.0.0.0:%d", cfg.ID)
		}
		return New(addr, handler, logger), nil
	}
}

// Start binds the socket and begins the read loop.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil
	}

	s.shutdown = make(chan struct{})
	s.done = make(chan struct{})

	if err := retry.Do(ctx, s.retryConfig, s.bindSocket); err != nil {
		return errors.WrapTransient(err, "udp-source", "Start", "socket binding")
	}

	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.done)
		s.readLoop(ctx)
	}()

	return nil
}

func (s *Source) bindSocket() error {
	addr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("resolve UDP address %s: %w", s.addr, err))
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.conn = conn
	return nil
}

// Stop closes the socket and waits for the read loop to exit.
func (s *Source) Stop(timeout time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)

	s.mu.Lock()
	if s.shutdown != nil {
		close(s.shutdown)
		s.shutdown = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	done := s.done
	s.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(timeout):
			return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
				"udp-source", "Stop", "graceful shutdown")
		}
	}

	return nil
}

// readLoop reads datagrams until shutdown, using short read deadlines so
// shutdown is noticed promptly.
func (s *Source) readLoop(ctx context.Context) {
	buf := make([]byte, 65536)

	for s.running.Load() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		conn := s.conn
		shutdown := s.shutdown
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			if shutdown == nil {
				return
			}
			select {
			case <-shutdown:
				return
			default:
			}

			if s.handler.Error != nil {
				s.handler.Error(err)
			}
			if !errors.IsTransient(err) {
				return
			}
			continue
		}

		s.emitLines(string(buf[:n]))
	}
}

// emitLines splits a datagram into newline-delimited transport units.
func (s *Source) emitLines(data string) {
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		if s.handler.Line != nil {
			s.handler.Line(line)
		}
	}
}

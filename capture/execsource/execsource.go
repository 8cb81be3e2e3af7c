// Package execsource runs an external capture utility (tcpdump-style)
// and turns its stdout into transport lines. The utility is expected to
// print one transport unit per line; stderr is logged at debug level.
package execsource

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/michaelhil/euroscope2mcp/capture"
	"github.com/michaelhil/euroscope2mcp/errors"
)

// maxLineBytes bounds scanner buffers; FSD lines are short, but a
// batched transport line can grow well past bufio's default.
const maxLineBytes = 1 << 20

// Source implements capture.Source by spawning a subprocess.
type Source struct {
	argv    []string
	handler capture.SourceHandler
	logger  *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

var _ capture.Source = (*Source)(nil)

// New creates an exec source for the given argv (program + arguments).
func New(argv []string, handler capture.SourceHandler, logger *slog.Logger) (*Source, error) {
	if len(argv) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"exec-source", "New", "command validation")
	}
	if logger == nil {
		logger = slog.Default().With("component", "exec-source", "command", argv[0])
	}
	return &Source{argv: argv, handler: handler, logger: logger}, nil
}

// Factory adapts New to the capture.SourceFactory signature, taking the
// command line from the channel config.
func Factory(logger *slog.Logger) capture.SourceFactory {
	return func(cfg capture.ChannelConfig, handler capture.SourceHandler) (capture.Source, error) {
		return New(cfg.Command, handler, logger)
	}
}

// Start spawns the capture utility and begins scanning its stdout.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil
	}

	cmdCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(cmdCtx, s.argv[0], s.argv[1:]...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return errors.Wrap(err, "exec-source", "Start", "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return errors.Wrap(err, "exec-source", "Start", "stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return errors.WrapTransient(err, "exec-source", "Start", "process spawn")
	}

	s.cmd = cmd
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)
	s.logger.Info("capture utility started", "pid", cmd.Process.Pid)

	go s.drainStderr(stderr)

	done := s.done
	go func() {
		defer close(done)
		s.scanStdout(stdout)

		err := cmd.Wait()
		wasRunning := s.running.Swap(false)
		if err != nil && wasRunning {
			// The utility died underneath us rather than being stopped
			s.logger.Warn("capture utility exited", "error", err)
			if s.handler.Error != nil {
				s.handler.Error(errors.WrapTransient(err, "exec-source", "run", "capture utility"))
			}
		}
	}()

	return nil
}

// Stop terminates the subprocess and waits for the scan loop to finish.
func (s *Source) Stop(timeout time.Duration) error {
	if !s.running.Swap(false) {
		return nil
	}

	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if done != nil {
		select {
		case <-done:
		case <-time.After(timeout):
			return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
				"exec-source", "Stop", "process shutdown")
		}
	}

	return nil
}

func (s *Source) scanStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if s.handler.Line != nil {
			s.handler.Line(line)
		}
	}

	if err := scanner.Err(); err != nil && s.running.Load() {
		if s.handler.Error != nil {
			s.handler.Error(errors.WrapTransient(err, "exec-source", "scan", "stdout read"))
		}
	}
}

func (s *Source) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Debug("capture utility stderr", "line", scanner.Text())
	}
}

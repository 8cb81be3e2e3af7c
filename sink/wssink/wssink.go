// Package wssink broadcasts enriched messages to WebSocket clients.
//
// The sink runs its own HTTP server with a single upgrade endpoint.
// Every message handled is wrapped in an envelope and written to all
// connected clients concurrently; a client that fails a write is
// dropped.
package wssink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/michaelhil/euroscope2mcp/errors"
	"github.com/michaelhil/euroscope2mcp/message"
)

// Config holds configuration for the WebSocket sink.
type Config struct {
	Address      string        `json:"address"       yaml:"address"`
	Path         string        `json:"path"          yaml:"path"`
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Address == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "address is required")
	}
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "path is required")
	}
	return nil
}

// DefaultConfig returns default configuration for the WebSocket sink.
func DefaultConfig() Config {
	return Config{
		Address:      ":8081",
		Path:         "/ws",
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Envelope wraps each broadcast message with type discrimination so
// clients can distinguish data frames from future control frames.
type Envelope struct {
	Type      string           `json:"type"`
	Timestamp int64            `json:"timestamp"`
	Payload   message.Enriched `json:"payload"`
}

// clientInfo tracks one connected WebSocket client. The write mutex is
// required because gorilla/websocket panics on concurrent writes.
type clientInfo struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// Sink is a WebSocket broadcast server.
type Sink struct {
	config Config
	logger *slog.Logger

	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	clients   map[*websocket.Conn]*clientInfo
	clientsMu sync.RWMutex

	shutdown    chan struct{}
	running     bool
	lifecycleMu sync.Mutex
	wg          sync.WaitGroup

	messagesSent int64
	sendErrors   int64
}

// New creates a WebSocket sink from configuration.
func New(config Config, logger *slog.Logger) (*Sink, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default().With("component", "wssink")
	}

	return &Sink{
		config: config,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*clientInfo),
	}, nil
}

// Start binds the listener and begins serving WebSocket upgrades.
func (s *Sink) Start(_ context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Sink", "Start", "check running state")
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return errors.WrapFatal(err, "Sink", "Start", "bind listener")
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleUpgrade)
	s.server = &http.Server{Handler: mux}

	s.shutdown = make(chan struct{})

	s.wg.Add(2)
	go s.runServer()
	go s.maintainClients()

	s.running = true
	s.logger.Info("websocket sink started",
		"address", listener.Addr().String(),
		"path", s.config.Path)
	return nil
}

// Addr returns the bound listener address, useful when the configured
// port is 0.
func (s *Sink) Addr() string {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down and closes all client connections.
func (s *Sink) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	close(s.shutdown)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown", "error", err)
	}

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close()
	}
	s.clients = make(map[*websocket.Conn]*clientInfo)
	s.clientsMu.Unlock()

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
			"Sink", "Stop", "wait for goroutines")
	}

	s.server = nil
	s.listener = nil
	return nil
}

// Handle broadcasts one enriched message to every connected client.
// Intended for registration on the distribution bus. Having no clients
// is not an error.
func (s *Sink) Handle(_ context.Context, msg message.Enriched) error {
	envelope := Envelope{
		Type:      "data",
		Timestamp: time.Now().UnixMilli(),
		Payload:   msg,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return errors.WrapInvalid(err, "Sink", "Handle", "marshal envelope")
	}

	s.clientsMu.RLock()
	targets := make([]*clientInfo, 0, len(s.clients))
	for _, info := range s.clients {
		if !info.closed.Load() {
			targets = append(targets, info)
		}
	}
	s.clientsMu.RUnlock()

	var wg sync.WaitGroup
	for _, info := range targets {
		wg.Add(1)
		go func(info *clientInfo) {
			defer wg.Done()
			if err := s.writeToClient(info, data); err != nil {
				atomic.AddInt64(&s.sendErrors, 1)
				s.removeClient(info)
				return
			}
			atomic.AddInt64(&s.messagesSent, 1)
		}(info)
	}
	wg.Wait()
	return nil
}

func (s *Sink) writeToClient(info *clientInfo, data []byte) error {
	info.writeMu.Lock()
	defer info.writeMu.Unlock()

	_ = info.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	return info.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Sink) runServer() {
	defer s.wg.Done()

	if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		s.logger.Error("websocket server failed", "error", err)
	}
}

// handleUpgrade upgrades a client and starts its read loop. Inbound
// frames are discarded; the read loop exists to notice disconnects and
// service pong frames.
func (s *Sink) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	info := &clientInfo{conn: conn}
	s.clientsMu.Lock()
	s.clients[conn] = info
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Info("websocket client connected", "remote", r.RemoteAddr, "clients", count)

	s.wg.Add(1)
	go s.readLoop(info)
}

func (s *Sink) readLoop(info *clientInfo) {
	defer s.wg.Done()
	defer s.removeClient(info)

	info.conn.SetPongHandler(func(string) error { return nil })

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		_ = info.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		if _, _, err := info.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Sink) removeClient(info *clientInfo) {
	info.closeOnce.Do(func() {
		info.closed.Store(true)

		s.clientsMu.Lock()
		delete(s.clients, info.conn)
		s.clientsMu.Unlock()

		_ = info.conn.Close()
	})
}

// maintainClients pings connected clients periodically and drops the
// unresponsive ones.
func (s *Sink) maintainClients() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.pingClients()
		}
	}
}

func (s *Sink) pingClients() {
	s.clientsMu.RLock()
	targets := make([]*clientInfo, 0, len(s.clients))
	for _, info := range s.clients {
		if !info.closed.Load() {
			targets = append(targets, info)
		}
	}
	s.clientsMu.RUnlock()

	for _, info := range targets {
		info.writeMu.Lock()
		err := info.conn.WriteMessage(websocket.PingMessage, nil)
		info.writeMu.Unlock()
		if err != nil {
			s.removeClient(info)
		}
	}
}

// ClientCount returns the number of currently connected clients.
func (s *Sink) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Sent returns the number of frames successfully written to clients.
func (s *Sink) Sent() int64 {
	return atomic.LoadInt64(&s.messagesSent)
}

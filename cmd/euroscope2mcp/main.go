// Package main implements the entry point for euroscope2mcp, a capture
// and distribution daemon for FSD air traffic simulation traffic. It
// tails one or more capture channels, decodes the FSD text protocol into
// structured messages, and fans the results out to file, NATS and
// WebSocket consumers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/michaelhil/euroscope2mcp/bus"
	"github.com/michaelhil/euroscope2mcp/capture"
	"github.com/michaelhil/euroscope2mcp/capture/execsource"
	"github.com/michaelhil/euroscope2mcp/capture/udpsource"
	"github.com/michaelhil/euroscope2mcp/config"
	"github.com/michaelhil/euroscope2mcp/decoder"
	"github.com/michaelhil/euroscope2mcp/decoder/fsd"
	"github.com/michaelhil/euroscope2mcp/metric"
	"github.com/michaelhil/euroscope2mcp/pipeline"
	"github.com/michaelhil/euroscope2mcp/sink/filesink"
	"github.com/michaelhil/euroscope2mcp/sink/natssink"
	"github.com/michaelhil/euroscope2mcp/sink/wssink"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "euroscope2mcp"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printHelp()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// CLI flags win over both file and environment.
	if cliCfg.LogLevel != "" {
		cfg.Logging.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Logging.Format = cliCfg.LogFormat
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	slog.Info("Starting euroscope2mcp (FSD capture and distribution)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"channels", len(cfg.Channels))

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	var metricsRegistry *metric.Registry
	if cfg.Metrics.Enabled {
		metricsRegistry = metric.NewRegistry()
	}

	registry, err := setupDecoders(cfg, logger)
	if err != nil {
		return err
	}

	distBus := bus.New(bus.BusDeps{
		Logger:          logger.With("component", "bus"),
		MetricsRegistry: metricsRegistry,
	})

	sinks, err := setupSinks(cfg, distBus, logger)
	if err != nil {
		return err
	}

	mux := capture.NewMultiplexer(capture.MultiplexerDeps{
		Factory:         sourceFactory(logger),
		Logger:          logger.With("component", "capture"),
		MetricsRegistry: metricsRegistry,
	})
	for _, ch := range cfg.Channels {
		if err := mux.AddChannel(ch); err != nil {
			return fmt.Errorf("add channel %d: %w", ch.ID, err)
		}
	}

	engine, err := pipeline.New(pipeline.Deps{
		Multiplexer:    mux,
		Registry:       registry,
		Bus:            distBus,
		DefaultDecoder: cfg.Decoder.Default,
		DecoderConfig: decoder.Config{
			Summaries: cfg.Decoder.Summaries,
			Options:   cfg.Decoder.Options,
		},
		Logger:          logger.With("component", "pipeline"),
		MetricsRegistry: metricsRegistry,
	})
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	return runWithSignalHandling(cfg, cliCfg, engine, sinks, metricsRegistry, logger)
}

// setupDecoders builds the decoder registry with the built-in FSD
// decoder and any external plugins.
func setupDecoders(cfg config.Config, logger *slog.Logger) (*decoder.Registry, error) {
	registry := decoder.NewRegistry(logger.With("component", "decoder-registry"))
	if err := fsd.Register(registry); err != nil {
		return nil, fmt.Errorf("register fsd decoder: %w", err)
	}

	if cfg.Decoder.PluginDir != "" {
		loaded, err := registry.LoadDir(cfg.Decoder.PluginDir)
		if err != nil {
			return nil, fmt.Errorf("load decoder plugins: %w", err)
		}
		slog.Info("decoder plugins loaded", "dir", cfg.Decoder.PluginDir, "count", loaded)
	}

	slog.Info("decoders registered", "decoders", registry.List())
	return registry, nil
}

// lifecycleSink is the common surface of the built-in sinks.
type lifecycleSink interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// namedSink pairs a sink with its bus registration name.
type namedSink struct {
	name string
	sink lifecycleSink
}

// setupSinks constructs the enabled sinks and registers their handlers
// on the bus. The returned slice is used for lifecycle management.
func setupSinks(cfg config.Config, distBus *bus.Bus, logger *slog.Logger) ([]namedSink, error) {
	var sinks []namedSink

	if cfg.Sinks.File.Enabled {
		s, err := filesink.New(cfg.Sinks.File.Config, logger.With("component", "filesink"))
		if err != nil {
			return nil, fmt.Errorf("create file sink: %w", err)
		}
		if err := distBus.RegisterSink("file", s.Handle); err != nil {
			return nil, err
		}
		sinks = append(sinks, namedSink{name: "file", sink: s})
	}

	if cfg.Sinks.NATS.Enabled {
		s, err := natssink.New(cfg.Sinks.NATS.Config, logger.With("component", "natssink"))
		if err != nil {
			return nil, fmt.Errorf("create nats sink: %w", err)
		}
		if err := distBus.RegisterSink("nats", s.Handle); err != nil {
			return nil, err
		}
		sinks = append(sinks, namedSink{name: "nats", sink: s})
	}

	if cfg.Sinks.WebSocket.Enabled {
		s, err := wssink.New(cfg.Sinks.WebSocket.Config, logger.With("component", "wssink"))
		if err != nil {
			return nil, fmt.Errorf("create websocket sink: %w", err)
		}
		if err := distBus.RegisterSink("websocket", s.Handle); err != nil {
			return nil, err
		}
		sinks = append(sinks, namedSink{name: "websocket", sink: s})
	}

	return sinks, nil
}

// sourceFactory routes channel configs to the matching transport
// adapter.
func sourceFactory(logger *slog.Logger) capture.SourceFactory {
	udp := udpsource.Factory(logger)
	execF := execsource.Factory(logger)

	return func(cfg capture.ChannelConfig, handler capture.SourceHandler) (capture.Source, error) {
		switch cfg.Source {
		case "exec":
			return execF(cfg, handler)
		default:
			return udp(cfg, handler)
		}
	}
}

// runWithSignalHandling starts everything and blocks until a shutdown
// signal arrives.
func runWithSignalHandling(
	cfg config.Config,
	cliCfg *CLIConfig,
	engine *pipeline.Pipeline,
	sinks []namedSink,
	metricsRegistry *metric.Registry,
	logger *slog.Logger,
) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	for _, s := range sinks {
		if err := s.sink.Start(signalCtx); err != nil {
			return fmt.Errorf("start sink %s: %w", s.name, err)
		}
		slog.Info("sink started", "sink", s.name)
	}

	var servers []*http.Server
	if metricsRegistry != nil && cfg.Metrics.Address != "" {
		servers = append(servers, serveHTTP(cfg.Metrics.Address, "/metrics", metricsRegistry.Handler(), logger))
	}
	if cfg.StatsAddress != "" {
		servers = append(servers, serveHTTP(cfg.StatsAddress, "/stats", statsHandler(engine), logger))
	}

	if err := engine.Start(signalCtx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	slog.Info("euroscope2mcp started")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	return shutdown(cfg, cliCfg.ShutdownTimeout, engine, sinks, servers)
}

// serveHTTP starts one HTTP endpoint in the background.
func serveHTTP(address, path string, handler http.Handler, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	server := &http.Server{Addr: address, Handler: mux}

	go func() {
		slog.Info("http endpoint listening", "address", address, "path", path)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http endpoint failed", "address", address, "error", err)
		}
	}()

	return server
}

// statsHandler serves the aggregated pipeline statistics as JSON.
func statsHandler(engine *pipeline.Pipeline) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(engine.Stats()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// shutdown stops the pipeline first so no new messages reach the sinks,
// then drains the sinks and HTTP servers.
func shutdown(
	cfg config.Config,
	timeout time.Duration,
	engine *pipeline.Pipeline,
	sinks []namedSink,
	servers []*http.Server,
) error {
	if timeout <= 0 {
		timeout = cfg.StopTimeout
	}

	if err := engine.Stop(cfg.StopTimeout); err != nil {
		slog.Error("pipeline stop failed", "error", err)
	}

	for _, s := range sinks {
		if err := s.sink.Stop(cfg.StopTimeout); err != nil {
			slog.Error("sink stop failed", "sink", s.name, "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "address", server.Addr, "error", err)
		}
	}

	slog.Info("euroscope2mcp shutdown complete")
	return nil
}

// printHelp prints help information
func printHelp() {
	printDetailedHelp()
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zerratar/RavenNest-sub002/internal/config"
	"github.com/zerratar/RavenNest-sub002/internal/dispatch"
	"github.com/zerratar/RavenNest-sub002/internal/logger"
	"github.com/zerratar/RavenNest-sub002/internal/metrics"
	"github.com/zerratar/RavenNest-sub002/internal/orchestrator"
	"github.com/zerratar/RavenNest-sub002/internal/packet"
	"github.com/zerratar/RavenNest-sub002/internal/ratelimit"
	"github.com/zerratar/RavenNest-sub002/internal/registry"
	"github.com/zerratar/RavenNest-sub002/internal/tcpserver"
	"github.com/zerratar/RavenNest-sub002/internal/token"
	"github.com/zerratar/RavenNest-sub002/internal/tracing"
	"github.com/zerratar/RavenNest-sub002/internal/wsconn"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "Configuration file path")
	flag.Parse()

	// Initialize logger (read from environment variable or use default)
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	if err := logger.Init(logLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.L.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize tracing (optional, enabled by config or environment)
	traceEndpoint := cfg.Tracing.Endpoint
	if env := os.Getenv("OTLP_ENDPOINT"); env != "" {
		traceEndpoint = env
	}
	if traceEndpoint != "" {
		if err := tracing.Init("ravennest-transport", version, traceEndpoint); err != nil {
			logger.L.Warn("Failed to initialize tracing", zap.Error(err))
		} else {
			logger.L.Info("Tracing initialized", zap.String("endpoint", traceEndpoint))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Session token store
	store := token.NewRedisStore(&cfg.Redis)
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		logger.L.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	sink := metrics.NewPrometheusSink()
	limiter := ratelimit.NewConnectionLimiter(int64(cfg.Transport.MaxConnections))

	// Envelope protocol payload types and handlers
	types := packet.NewTypeRegistry()
	registerPacketTypes(types)
	codec := packet.NewCodec(types)

	game := newGameService()
	handlers := dispatch.NewTable(nil)
	game.registerHandlers(handlers)

	orch := orchestrator.New(game, cfg.Transport.TickInterval,
		cfg.Transport.TickFailureBackoff, sink)

	// WebSocket transport
	reg := registry.New(store, codec, handlers, game, orch, limiter, sink, wsconn.Config{
		MaxMessageSize:     cfg.Transport.MaxMessageSize,
		SendQueueCapacity:  cfg.Transport.SendQueueCapacity,
		TickInterval:       cfg.Transport.TickInterval,
		TickFailureBackoff: cfg.Transport.TickFailureBackoff,
	})

	// TCP transport
	tcp := tcpserver.NewServer(cfg, store, game, orch, limiter, sink)
	if err := tcp.Start(ctx); err != nil {
		logger.L.Fatal("Failed to start TCP transport", zap.Error(err))
	}

	// HTTP server: WebSocket endpoint, health checks and metrics
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.WebSocketPath, reg.Accept)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !tcp.Running() {
			http.Error(w, "tcp transport stopped", http.StatusServiceUnavailable)
			return
		}
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "token store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.L.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	logger.L.Info("Transport server started successfully",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("git_commit", gitCommit),
		zap.String("tcp_addr", cfg.Server.TCPListenAddr),
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.String("websocket_path", cfg.Server.WebSocketPath),
	)

	// Wait for interrupt signal or the TCP transport stopping itself
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.L.Info("Received stop signal, starting graceful shutdown...")
	case <-tcp.Stopped():
		logger.L.Error("TCP transport stopped on its own, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("Error during HTTP shutdown", zap.Error(err))
	}
	reg.KillAll()
	if err := tcp.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("Error during TCP shutdown", zap.Error(err))
	}
	orch.StopAll()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Error during tracing shutdown", zap.Error(err))
	}

	logger.L.Info("Transport server closed")
}

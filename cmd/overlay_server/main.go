package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fbn/imgrec/overlay-server/internal/inference"
	"github.com/fbn/imgrec/overlay-server/internal/logger"
	"github.com/fbn/imgrec/overlay-server/internal/metrics"
	"github.com/fbn/imgrec/overlay-server/internal/store"
	"github.com/fbn/imgrec/overlay-server/internal/webmonitor"
	"github.com/fbn/imgrec/overlay-server/internal/webrtc"
)

func main() {
	envFile := os.Getenv("OVERLAY_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	cfg, err := webmonitor.LoadEnv(webmonitor.DefaultConfig(), envFile)
	if err != nil {
		log.Fatalf("Failed to load %s: %v", envFile, err)
	}

	var (
		logLevel    string
		logColor    bool
		pprofAddr   string
		stunServers string
	)

	flag.StringVar(&cfg.Addr, "http", cfg.Addr, "HTTP server address")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Separate metrics server address (empty serves /metrics on -http only)")
	flag.StringVar(&pprofAddr, "pprof", "", "pprof server address (empty disables)")
	flag.StringVar(&cfg.AssetsDir, "assets", cfg.AssetsDir, "Web assets directory")
	flag.StringVar(&cfg.BuildAssetsDir, "assets-build", cfg.BuildAssetsDir, "Build assets directory")
	flag.StringVar(&cfg.InferenceURL, "inference", cfg.InferenceURL, "Inference service base URL (empty disables)")
	flag.DurationVar(&cfg.InferenceTimeout, "inference-timeout", cfg.InferenceTimeout, "Inference request timeout")
	flag.Float64Var(&cfg.TrackingThreshold, "tracking-threshold", cfg.TrackingThreshold, "Tracking threshold forwarded to the inference service")
	flag.StringVar(&cfg.CachePath, "cache", cfg.CachePath, "SQLite result cache path (empty disables)")
	flag.StringVar(&cfg.ColorMode, "color-mode", cfg.ColorMode, "Detection colors: tracked or mono")
	flag.Float64Var(&cfg.SurfaceWidth, "surface-width", cfg.SurfaceWidth, "Overlay width before the first viewport report")
	flag.Float64Var(&cfg.SurfaceHeight, "surface-height", cfg.SurfaceHeight, "Overlay height before the first viewport report")
	flag.DurationVar(&cfg.StatusInterval, "status-interval", cfg.StatusInterval, "Status stream interval")
	flag.StringVar(&stunServers, "stun", strings.Join(cfg.STUNServers, ","), "STUN server URLs (comma-separated)")
	flag.IntVar(&cfg.MaxWebRTCClients, "max-clients", cfg.MaxWebRTCClients, "Maximum WebRTC clients (0 disables WebRTC)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&logColor, "log-color", true, "Enable colored log output")
	flag.Parse()

	// Initialize logger
	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, logColor)

	cfg.STUNServers = nil
	for _, url := range strings.Split(stunServers, ",") {
		if url = strings.TrimSpace(url); url != "" {
			cfg.STUNServers = append(cfg.STUNServers, url)
		}
	}

	m := metrics.New()
	deps := webmonitor.Deps{Metrics: m}

	if cfg.CachePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.CachePath), 0o755); err != nil {
			log.Fatalf("Failed to create cache directory: %v", err)
		}
		st, err := store.Open(cfg.CachePath)
		if err != nil {
			log.Fatalf("Failed to open result cache: %v", err)
		}
		defer st.Close()
		deps.Store = st
	}

	if cfg.InferenceURL != "" {
		client := inference.NewClient(cfg.InferenceURL, cfg.InferenceTimeout, m)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		healthy, err := client.Health(ctx)
		cancel()
		if err != nil || !healthy {
			logger.Warn("Main", "Inference service at %s is not healthy yet (err: %v)", client.Endpoint(), err)
		}
		deps.Inference = client
	}

	if cfg.MaxWebRTCClients > 0 {
		rtc := webrtc.NewServer(cfg.STUNServers, cfg.MaxWebRTCClients)
		rtc.OnClientCountChange = func(n int) {
			m.WebRTCClients.Store(uint64(n))
		}
		defer rtc.Close()
		deps.WebRTC = rtc
	}

	server, err := webmonitor.NewServer(cfg, deps)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	logger.Info("Main", "Overlay server listening on %s", cfg.Addr)
	logger.Info("Main", "Assets: %s (build: %s)", cfg.AssetsDir, cfg.BuildAssetsDir)
	logger.Info("Main", "Inference: %q, cache: %q, colors: %s", cfg.InferenceURL, cfg.CachePath, cfg.ColorMode)
	logger.Info("Main", "Log level: %s", level)

	if pprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", pprofAddr)
			if err := http.ListenAndServe(pprofAddr, nil); err != nil {
				logger.Error("Main", "pprof server error: %v", err)
			}
		}()
	}

	if cfg.MetricsAddr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", cfg.MetricsAddr)
			if err := m.StartServer(cfg.MetricsAddr); err != nil {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	// Streams stay open until the session and broadcasters close them.
	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}

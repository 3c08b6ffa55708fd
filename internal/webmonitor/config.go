package webmonitor

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fbn/imgrec/overlay-server/internal/tracking"
	"github.com/joho/godotenv"
)

// Config defines the runtime configuration for the overlay server.
type Config struct {
	Addr              string
	MetricsAddr       string
	AssetsDir         string
	BuildAssetsDir    string
	InferenceURL      string
	InferenceTimeout  time.Duration
	TrackingThreshold float64
	CachePath         string
	ColorMode         string
	SurfaceWidth      float64
	SurfaceHeight     float64
	StatusInterval    time.Duration
	STUNServers       []string
	MaxWebRTCClients  int
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		MetricsAddr:       "",
		AssetsDir:         filepath.Clean("./web/assets"),
		BuildAssetsDir:    filepath.Clean("./build/web"),
		InferenceURL:      "http://localhost:3000",
		InferenceTimeout:  2 * time.Minute,
		TrackingThreshold: 0,
		CachePath:         filepath.Clean("./data/results.db"),
		ColorMode:         tracking.ColorModeTracked,
		SurfaceWidth:      1280,
		SurfaceHeight:     720,
		StatusInterval:    2 * time.Second,
		STUNServers:       []string{"stun:stun.l.google.com:19302"},
		MaxWebRTCClients:  10,
	}
}

// LoadEnv loads envFile (a missing file is not an error) and applies the
// OVERLAY_* environment variables on top of base.
func LoadEnv(base Config, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return base, err
		}
	}

	cfg := base
	cfg.Addr = getEnv("OVERLAY_ADDR", cfg.Addr)
	cfg.MetricsAddr = getEnv("OVERLAY_METRICS_ADDR", cfg.MetricsAddr)
	cfg.AssetsDir = getEnv("OVERLAY_ASSETS_DIR", cfg.AssetsDir)
	cfg.BuildAssetsDir = getEnv("OVERLAY_BUILD_ASSETS_DIR", cfg.BuildAssetsDir)
	cfg.InferenceURL = getEnv("OVERLAY_INFERENCE_URL", cfg.InferenceURL)
	cfg.InferenceTimeout = getEnvAsDuration("OVERLAY_INFERENCE_TIMEOUT", cfg.InferenceTimeout)
	cfg.TrackingThreshold = getEnvAsFloat("OVERLAY_TRACKING_THRESHOLD", cfg.TrackingThreshold)
	cfg.CachePath = getEnv("OVERLAY_CACHE_PATH", cfg.CachePath)
	cfg.ColorMode = getEnv("OVERLAY_COLOR_MODE", cfg.ColorMode)
	cfg.SurfaceWidth = getEnvAsFloat("OVERLAY_SURFACE_WIDTH", cfg.SurfaceWidth)
	cfg.SurfaceHeight = getEnvAsFloat("OVERLAY_SURFACE_HEIGHT", cfg.SurfaceHeight)
	cfg.StatusInterval = getEnvAsDuration("OVERLAY_STATUS_INTERVAL", cfg.StatusInterval)
	cfg.STUNServers = getEnvAsList("OVERLAY_STUN_SERVERS", cfg.STUNServers)
	cfg.MaxWebRTCClients = getEnvAsInt("OVERLAY_MAX_WEBRTC_CLIENTS", cfg.MaxWebRTCClients)
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma separated value. An explicit "none" clears the list.
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if value == "none" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

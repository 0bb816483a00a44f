// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Generative model.
	GeminiAPIKey string
	GeminiModel  string

	// Streaming speech-to-text.
	CartesiaAPIKey string
	STTModel       string

	// Conversation document store. Empty means in-memory (dev mode).
	DatabaseURL string

	// Bot personas. Empty means the built-in default bot only.
	BotsFile string

	// External scheduling widget base URL; the conversation id is
	// appended as a query parameter.
	SchedulerBaseURL string

	// Back-office endpoint the dispatch_order tool posts to. Empty
	// means orders are accepted without an external call.
	OrderEndpoint string

	// Knowledge base entries for search_knowledge_base (JSON file).
	KnowledgeFile string

	// Shared secrets for the out-of-band HTTP surface.
	BookingWebhookSecret string
	SupervisorSecret     string

	// Default supervision report endpoint (bots may override).
	SupervisorReportURL string

	// WebSocket session limits.
	WSMaxMessageBytes  int64
	WSHandshakeTimeout time.Duration
	WSPingInterval     time.Duration
	WSWriteTimeout     time.Duration

	// Outbound call budgets.
	ModelCallTimeout time.Duration
	ToolTimeout      time.Duration
	ReportTimeout    time.Duration

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("VOXGATE_ADDR", ":8080"),
		GeminiAPIKey:         strings.TrimSpace(os.Getenv("VOXGATE_GEMINI_API_KEY")),
		GeminiModel:          envOr("VOXGATE_GEMINI_MODEL", "gemini-2.5-flash"),
		CartesiaAPIKey:       strings.TrimSpace(os.Getenv("VOXGATE_CARTESIA_API_KEY")),
		STTModel:             envOr("VOXGATE_STT_MODEL", "ink-whisper"),
		DatabaseURL:          strings.TrimSpace(os.Getenv("VOXGATE_DATABASE_URL")),
		BotsFile:             strings.TrimSpace(os.Getenv("VOXGATE_BOTS_FILE")),
		SchedulerBaseURL:     envOr("VOXGATE_SCHEDULER_BASE_URL", ""),
		OrderEndpoint:        strings.TrimSpace(os.Getenv("VOXGATE_ORDER_ENDPOINT")),
		KnowledgeFile:        strings.TrimSpace(os.Getenv("VOXGATE_KNOWLEDGE_FILE")),
		BookingWebhookSecret: strings.TrimSpace(os.Getenv("VOXGATE_BOOKING_WEBHOOK_SECRET")),
		SupervisorSecret:     strings.TrimSpace(os.Getenv("VOXGATE_SUPERVISOR_SECRET")),
		SupervisorReportURL:  strings.TrimSpace(os.Getenv("VOXGATE_SUPERVISOR_REPORT_URL")),
		WSMaxMessageBytes:    envInt64Or("VOXGATE_WS_MAX_MESSAGE_BYTES", 512*1024),
		WSHandshakeTimeout:   envDurationOr("VOXGATE_WS_HANDSHAKE_TIMEOUT", 10*time.Second),
		WSPingInterval:       envDurationOr("VOXGATE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:       envDurationOr("VOXGATE_WS_WRITE_TIMEOUT", 5*time.Second),
		ModelCallTimeout:     envDurationOr("VOXGATE_MODEL_CALL_TIMEOUT", 60*time.Second),
		ToolTimeout:          envDurationOr("VOXGATE_TOOL_TIMEOUT", 15*time.Second),
		ReportTimeout:        envDurationOr("VOXGATE_REPORT_TIMEOUT", 10*time.Second),
		ReadHeaderTimeout:    envDurationOr("VOXGATE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:  envDurationOr("VOXGATE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("VOXGATE_GEMINI_API_KEY must be set")
	}
	if cfg.CartesiaAPIKey == "" {
		return Config{}, fmt.Errorf("VOXGATE_CARTESIA_API_KEY must be set")
	}
	if cfg.BookingWebhookSecret == "" {
		return Config{}, fmt.Errorf("VOXGATE_BOOKING_WEBHOOK_SECRET must be set")
	}
	if cfg.SupervisorSecret == "" {
		return Config{}, fmt.Errorf("VOXGATE_SUPERVISOR_SECRET must be set")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_WS_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ModelCallTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_MODEL_CALL_TIMEOUT must be > 0")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_TOOL_TIMEOUT must be > 0")
	}
	if cfg.ReportTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_REPORT_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

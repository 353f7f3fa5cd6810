// Package config loads the orchestrator's configuration once at startup
// from environment variables into an immutable Config value (§9 design
// note: immutable config struct read once, no hot-reload). Grounded on the
// teacher's internal/config/config.go env-override pattern
// (applyEnvOverrides): same "parse, and on failure fall back to the
// default rather than fail startup" posture, generalized from YAML+env
// merge to env-only and extended to log rejected values instead of
// silently dropping them.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the orchestrator's full runtime configuration, read once by
// Load and never mutated afterward. Every field below maps to one of the
// environment variables in §6.
type Config struct {
	OutputDir string

	MaxConcurrentTasks int
	MaxResponseTime    time.Duration
	MinConfidence      float64

	EnableExponentialBackoff bool

	LogLevel string

	// WebsocketPort/HTTPAgentPort/SSEPort are preferred ports; 0 lets the
	// transport manager pick from its port range (§4.3 dynamic allocation).
	WebsocketPort int
	HTTPAgentPort int
	SSEPort       int

	WebsocketPortRange PortRange
	HTTPAgentPortRange PortRange
	SSEPortRange       PortRange

	LLMProvider string
	LLMModel    string
	LLMAPIKey   string

	OTelEnabled     bool
	OTelExporter    string
	OTelEndpoint    string
	OTelServiceName string
}

// PortRange bounds the ports the transport manager may scan when its
// preferred port is taken (§4.3).
type PortRange struct {
	Low  int
	High int
}

func (r PortRange) valid() bool {
	return r.Low > 0 && r.High >= r.Low
}

const (
	defaultMaxConcurrentTasks = 10
	defaultMaxResponseTime    = 30 * time.Second
	defaultMinConfidence      = 0.5

	defaultWebsocketPort = 8080
	defaultHTTPAgentPort = 8081
	defaultSSEPort       = 8082
)

func defaultConfig() Config {
	return Config{
		OutputDir:                "./output",
		MaxConcurrentTasks:       defaultMaxConcurrentTasks,
		MaxResponseTime:          defaultMaxResponseTime,
		MinConfidence:            defaultMinConfidence,
		EnableExponentialBackoff: true,
		LogLevel:                 "info",
		WebsocketPort:            defaultWebsocketPort,
		HTTPAgentPort:            defaultHTTPAgentPort,
		SSEPort:                  defaultSSEPort,
		WebsocketPortRange:       PortRange{Low: 8080, High: 8099},
		HTTPAgentPortRange:       PortRange{Low: 8100, High: 8119},
		SSEPortRange:             PortRange{Low: 8120, High: 8139},
		LLMProvider:              "google",
		OTelExporter:             "none",
		OTelServiceName:          "vibe-orchestrator",
	}
}

// Load reads configuration from the environment, logging and discarding
// any value that fails to parse rather than failing startup (§6: invalid
// values are logged and ignored, never fatal).
func Load() Config {
	cfg := defaultConfig()

	if v := strings.TrimSpace(os.Getenv("VIBE_CODER_OUTPUT_DIR")); v != "" {
		cfg.OutputDir = v
	}

	if v := os.Getenv("VIBE_MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentTasks = n
		} else {
			slog.Warn("ignoring invalid VIBE_MAX_CONCURRENT_TASKS", "value", v)
		}
	}

	if v := os.Getenv("VIBE_MAX_RESPONSE_TIME"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxResponseTime = time.Duration(n) * time.Second
		} else {
			slog.Warn("ignoring invalid VIBE_MAX_RESPONSE_TIME", "value", v)
		}
	}

	if v := os.Getenv("VIBE_MIN_CONFIDENCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.MinConfidence = f
		} else {
			slog.Warn("ignoring invalid VIBE_MIN_CONFIDENCE", "value", v)
		}
	}

	if v := os.Getenv("VIBE_ENABLE_EXPONENTIAL_BACKOFF"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.EnableExponentialBackoff = b
		} else {
			slog.Warn("ignoring invalid VIBE_ENABLE_EXPONENTIAL_BACKOFF", "value", v)
		}
	}

	if v := strings.TrimSpace(os.Getenv("VIBE_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}

	cfg.WebsocketPort = envPort("WEBSOCKET_PORT", cfg.WebsocketPort)
	cfg.HTTPAgentPort = envPort("HTTP_AGENT_PORT", cfg.HTTPAgentPort)
	cfg.SSEPort = envPort("SSE_PORT", cfg.SSEPort)

	cfg.WebsocketPortRange = envPortRange("WEBSOCKET_PORT_RANGE", cfg.WebsocketPortRange)
	cfg.HTTPAgentPortRange = envPortRange("HTTP_AGENT_PORT_RANGE", cfg.HTTPAgentPortRange)
	cfg.SSEPortRange = envPortRange("SSE_PORT_RANGE", cfg.SSEPortRange)

	if v := strings.TrimSpace(os.Getenv("VIBE_LLM_PROVIDER")); v != "" {
		cfg.LLMProvider = v
	}
	if v := strings.TrimSpace(os.Getenv("VIBE_LLM_MODEL")); v != "" {
		cfg.LLMModel = v
	}
	cfg.LLMAPIKey = llmAPIKeyFromEnv(cfg.LLMProvider)

	if v := os.Getenv("VIBE_OTEL_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.OTelEnabled = b
		} else {
			slog.Warn("ignoring invalid VIBE_OTEL_ENABLED", "value", v)
		}
	}
	if v := strings.TrimSpace(os.Getenv("VIBE_OTEL_EXPORTER")); v != "" {
		cfg.OTelExporter = v
	}
	if v := strings.TrimSpace(os.Getenv("VIBE_OTEL_ENDPOINT")); v != "" {
		cfg.OTelEndpoint = v
	}

	return cfg
}

func envPort(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 65535 {
		slog.Warn("ignoring invalid port env var", "key", key, "value", v)
		return fallback
	}
	return n
}

// envPortRange parses "LOW-HIGH" (e.g. "8080-8099").
func envPortRange(key string, fallback PortRange) PortRange {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	low, high, ok := strings.Cut(v, "-")
	if !ok {
		slog.Warn("ignoring malformed port range env var", "key", key, "value", v)
		return fallback
	}
	loN, errLo := strconv.Atoi(strings.TrimSpace(low))
	hiN, errHi := strconv.Atoi(strings.TrimSpace(high))
	r := PortRange{Low: loN, High: hiN}
	if errLo != nil || errHi != nil || !r.valid() {
		slog.Warn("ignoring invalid port range env var", "key", key, "value", v)
		return fallback
	}
	return r
}

func llmAPIKeyFromEnv(provider string) string {
	switch strings.ToLower(provider) {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	default:
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
}

// Package config reads kernel settings from MANDATE_* environment
// variables. Every setting has a usable default: with an empty environment
// the kernel runs as an in-process library with console auditing, built-in
// pricing, and no telemetry.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Audit sink selectors accepted by MANDATE_AUDIT_SINK.
const (
	AuditConsole = "console"
	AuditMemory  = "memory"
	AuditFile    = "file"
	AuditNone    = "none"
)

// Config holds kernel configuration.
type Config struct {
	LogLevel string

	// RedisKeyPrefix namespaces all distributed-state keys.
	RedisKeyPrefix string

	// AuditSink selects the default sink: console, memory, file, or none.
	// AuditFilePath is the append target when the sink is "file".
	AuditSink     string
	AuditFilePath string

	// VerificationTimeout bounds verifiers whose tool policy does not set
	// its own deadline.
	VerificationTimeout time.Duration

	// FreeModelMaxTokens caps output tokens for models priced at zero,
	// where budget arithmetic yields no ceiling.
	FreeModelMaxTokens int64

	// PriceTablePath points at a YAML price sheet overriding the built-in
	// table. Empty means built-in prices only.
	PriceTablePath string

	OTLPEndpoint         string
	ObservabilityEnabled bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		LogLevel:             envOr("MANDATE_LOG_LEVEL", "INFO"),
		RedisKeyPrefix:       envOr("MANDATE_REDIS_KEY_PREFIX", "mandate:"),
		AuditSink:            envOr("MANDATE_AUDIT_SINK", AuditConsole),
		AuditFilePath:        envOr("MANDATE_AUDIT_FILE", "mandate_audit.jsonl"),
		VerificationTimeout:  time.Duration(envInt64("MANDATE_VERIFICATION_TIMEOUT_MS", 50)) * time.Millisecond,
		FreeModelMaxTokens:   envInt64("MANDATE_FREE_MODEL_MAX_TOKENS", 4096),
		PriceTablePath:       os.Getenv("MANDATE_PRICE_TABLE"),
		OTLPEndpoint:         envOr("MANDATE_OTLP_ENDPOINT", "localhost:4317"),
		ObservabilityEnabled: envBool("MANDATE_OBSERVABILITY", false),
	}
}

// SlogLevel maps LogLevel onto a slog level. Unknown values mean Info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt64 parses an integer variable, falling back to the default on any
// parse failure: a typo in the environment must not take the kernel down.
func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return def
	}
}

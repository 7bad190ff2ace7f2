// Package config loads the gateway's runtime configuration from the
// environment, with a small set of command-line overrides.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/quickpair/gateway/internal/origin"
)

const (
	envVarListenAddr      = "QUICKPAIR_LISTEN_ADDR"
	envVarMode            = "QUICKPAIR_MODE"
	envVarLogFormat       = "QUICKPAIR_LOG_FORMAT"
	envVarLogLevel        = "QUICKPAIR_LOG_LEVEL"
	envVarShutdownTimeout = "QUICKPAIR_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Room lifecycle knobs.
	envVarRoomMessageCap    = "ROOM_MESSAGE_CAP"
	envVarRoomIdleTimeout   = "ROOM_IDLE_TIMEOUT"
	envVarRoomSweepInterval = "ROOM_SWEEP_INTERVAL"

	// File-transfer knobs.
	envVarMaxFileBytes          = "MAX_FILE_BYTES"
	envVarFileChunkBytes        = "FILE_CHUNK_BYTES"
	envVarTransferTimeout       = "TRANSFER_TIMEOUT"
	envVarTransferSweepInterval = "TRANSFER_SWEEP_INTERVAL"
	envVarTransferCompleteDelay = "TRANSFER_COMPLETE_DELAY"

	// Abuse throttling.
	envVarRateCreatePerMinute = "RATE_CREATE_PER_MINUTE"
	envVarRateJoinPerMinute   = "RATE_JOIN_PER_MINUTE"
	envVarJoinBlockDuration   = "JOIN_BLOCK_DURATION"
	envVarRateSweepInterval   = "RATE_SWEEP_INTERVAL"

	// Shared store (clustering). An empty REDIS_ADDR disables clustering and
	// the gateway runs single-process.
	envVarRedisAddr        = "REDIS_ADDR"
	envVarRedisPassword    = "REDIS_PASSWORD"
	envVarRedisDB          = "REDIS_DB"
	envVarSnapshotTTL      = "SNAPSHOT_TTL"
	envVarClusterOpTimeout = "CLUSTER_OP_TIMEOUT"

	// WebSocket hardening.
	envVarMaxEventBytes   = "MAX_EVENT_BYTES"
	envVarWSIdleTimeout   = "WS_IDLE_TIMEOUT"
	envVarWSPingInterval  = "WS_PING_INTERVAL"
	envVarMaxMessageChars = "MAX_MESSAGE_CHARS"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTL            = "TURN_REST_TTL"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultRoomMessageCap    = 50
	DefaultRoomIdleTimeout   = 30 * time.Minute
	DefaultRoomSweepInterval = 10 * time.Minute

	DefaultMaxFileBytes          = int64(100 << 20) // 100 MiB
	DefaultFileChunkBytes        = 64 * 1024
	DefaultTransferTimeout       = 5 * time.Minute
	DefaultTransferSweepInterval = 10 * time.Minute
	DefaultTransferCompleteDelay = 500 * time.Millisecond

	DefaultRateCreatePerMinute = 5
	DefaultRateJoinPerMinute   = 3
	DefaultJoinBlockDuration   = 10 * time.Minute
	DefaultRateSweepInterval   = 10 * time.Minute

	DefaultSnapshotTTL      = time.Hour
	DefaultClusterOpTimeout = 2 * time.Second

	DefaultMaxEventBytes   = int64(512 * 1024)
	DefaultWSIdleTimeout   = 60 * time.Second
	DefaultWSPingInterval  = 25 * time.Second
	DefaultMaxMessageChars = 2000

	DefaultTURNRESTTTL            = 10 * time.Minute
	DefaultTURNRESTUsernamePrefix = "quickpair"
)

type Mode string

const (
	ModeDev        Mode = "dev"
	ModeProduction Mode = "production"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// AllowedOrigins holds normalized origins (or "*"). Empty means
	// same-host only.
	AllowedOrigins []string

	RoomMessageCap    int
	RoomIdleTimeout   time.Duration
	RoomSweepInterval time.Duration

	MaxFileBytes          int64
	FileChunkBytes        int
	TransferTimeout       time.Duration
	TransferSweepInterval time.Duration
	TransferCompleteDelay time.Duration

	RateCreatePerMinute int
	RateJoinPerMinute   int
	JoinBlockDuration   time.Duration
	RateSweepInterval   time.Duration

	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	SnapshotTTL      time.Duration
	ClusterOpTimeout time.Duration

	MaxEventBytes   int64
	WSIdleTimeout   time.Duration
	WSPingInterval  time.Duration
	MaxMessageChars int

	TURNRESTSharedSecret   string
	TURNRESTTTL            time.Duration
	TURNRESTUsernamePrefix string
}

// ClusteringEnabled is the capability flag resolved once at startup; all
// cluster-aware components branch on it at construction, not per call.
func (c Config) ClusteringEnabled() bool {
	return c.RedisAddr != ""
}

func (c Config) TURNRESTEnabled() bool {
	return c.TURNRESTSharedSecret != ""
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	cfg := Config{
		ListenAddr:      envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		ShutdownTimeout: DefaultShutdownTimeout,

		RoomMessageCap:    DefaultRoomMessageCap,
		RoomIdleTimeout:   DefaultRoomIdleTimeout,
		RoomSweepInterval: DefaultRoomSweepInterval,

		MaxFileBytes:          DefaultMaxFileBytes,
		FileChunkBytes:        DefaultFileChunkBytes,
		TransferTimeout:       DefaultTransferTimeout,
		TransferSweepInterval: DefaultTransferSweepInterval,
		TransferCompleteDelay: DefaultTransferCompleteDelay,

		RateCreatePerMinute: DefaultRateCreatePerMinute,
		RateJoinPerMinute:   DefaultRateJoinPerMinute,
		JoinBlockDuration:   DefaultJoinBlockDuration,
		RateSweepInterval:   DefaultRateSweepInterval,

		SnapshotTTL:      DefaultSnapshotTTL,
		ClusterOpTimeout: DefaultClusterOpTimeout,

		MaxEventBytes:   DefaultMaxEventBytes,
		WSIdleTimeout:   DefaultWSIdleTimeout,
		WSPingInterval:  DefaultWSPingInterval,
		MaxMessageChars: DefaultMaxMessageChars,

		TURNRESTTTL:            DefaultTURNRESTTTL,
		TURNRESTUsernamePrefix: DefaultTURNRESTUsernamePrefix,
	}

	mode, err := parseMode(envOrDefault(lookup, envVarMode, string(ModeDev)))
	if err != nil {
		return Config{}, err
	}
	cfg.Mode = mode

	cfg.LogFormat, err = parseLogFormat(envOrDefault(lookup, envVarLogFormat, defaultLogFormat(mode)))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel, err = parseLogLevel(envOrDefault(lookup, envVarLogLevel, defaultLogLevel(mode)))
	if err != nil {
		return Config{}, err
	}

	if raw, ok := lookup(envVarAllowedOrigins); ok {
		cfg.AllowedOrigins, err = parseAllowedOrigins(raw)
		if err != nil {
			return Config{}, err
		}
	}

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{envVarShutdownTimeout, &cfg.ShutdownTimeout},
		{envVarRoomIdleTimeout, &cfg.RoomIdleTimeout},
		{envVarRoomSweepInterval, &cfg.RoomSweepInterval},
		{envVarTransferTimeout, &cfg.TransferTimeout},
		{envVarTransferSweepInterval, &cfg.TransferSweepInterval},
		{envVarTransferCompleteDelay, &cfg.TransferCompleteDelay},
		{envVarJoinBlockDuration, &cfg.JoinBlockDuration},
		{envVarRateSweepInterval, &cfg.RateSweepInterval},
		{envVarSnapshotTTL, &cfg.SnapshotTTL},
		{envVarClusterOpTimeout, &cfg.ClusterOpTimeout},
		{envVarWSIdleTimeout, &cfg.WSIdleTimeout},
		{envVarWSPingInterval, &cfg.WSPingInterval},
		{envVarTURNRESTTTL, &cfg.TURNRESTTTL},
	} {
		if *d.dst, err = envDurationOrDefault(lookup, d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	for _, n := range []struct {
		key string
		dst *int
	}{
		{envVarRoomMessageCap, &cfg.RoomMessageCap},
		{envVarFileChunkBytes, &cfg.FileChunkBytes},
		{envVarRateCreatePerMinute, &cfg.RateCreatePerMinute},
		{envVarRateJoinPerMinute, &cfg.RateJoinPerMinute},
		{envVarRedisDB, &cfg.RedisDB},
		{envVarMaxMessageChars, &cfg.MaxMessageChars},
	} {
		if *n.dst, err = envIntOrDefault(lookup, n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}

	if cfg.MaxFileBytes, err = envInt64OrDefault(lookup, envVarMaxFileBytes, cfg.MaxFileBytes); err != nil {
		return Config{}, err
	}
	if cfg.MaxEventBytes, err = envInt64OrDefault(lookup, envVarMaxEventBytes, cfg.MaxEventBytes); err != nil {
		return Config{}, err
	}

	cfg.RedisAddr = envOrDefault(lookup, envVarRedisAddr, "")
	cfg.RedisPassword = envOrDefault(lookup, envVarRedisPassword, "")
	cfg.TURNRESTSharedSecret = envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	cfg.TURNRESTUsernamePrefix = envOrDefault(lookup, envVarTURNRESTUsernamePrefix, cfg.TURNRESTUsernamePrefix)

	fs := flag.NewFlagSet("quickpair-gateway", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "TCP address to listen on")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.RoomMessageCap <= 0 {
		return fmt.Errorf("%s must be > 0", envVarRoomMessageCap)
	}
	if c.FileChunkBytes <= 0 {
		return fmt.Errorf("%s must be > 0", envVarFileChunkBytes)
	}
	if c.MaxFileBytes <= 0 {
		return fmt.Errorf("%s must be > 0", envVarMaxFileBytes)
	}
	if c.MaxMessageChars <= 0 {
		return fmt.Errorf("%s must be > 0", envVarMaxMessageChars)
	}
	if c.WSPingInterval >= c.WSIdleTimeout {
		return fmt.Errorf("%s must be shorter than %s", envVarWSPingInterval, envVarWSIdleTimeout)
	}
	return nil
}

// NewLogger builds the process logger from the loaded configuration.
func NewLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var handler slog.Handler
	if cfg.LogFormat == LogFormatJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	v, ok := lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	v, ok := lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	v, ok := lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func parseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(raw)) {
	case ModeDev:
		return ModeDev, nil
	case ModeProduction:
		return ModeProduction, nil
	default:
		return "", fmt.Errorf("invalid %s %q (want dev or production)", envVarMode, raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(raw)) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid %s %q (want text or json)", envVarLogFormat, raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid %s %q", envVarLogLevel, raw)
	}
}

func defaultLogFormat(mode Mode) string {
	if mode == ModeProduction {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevel(mode Mode) string {
	if mode == ModeProduction {
		return "info"
	}
	return "debug"
}

// parseAllowedOrigins splits and normalizes a comma-separated origin list.
// "*" is accepted as a standalone wildcard entry.
func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "*" {
			out = append(out, "*")
			continue
		}
		normalized, _, ok := origin.Normalize(part)
		if !ok {
			return nil, fmt.Errorf("invalid %s entry %q", envVarAllowedOrigins, part)
		}
		out = append(out, normalized)
	}
	return out, nil
}

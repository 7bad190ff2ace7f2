package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(lookupFrom(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Mode != ModeDev {
		t.Errorf("Mode = %q", cfg.Mode)
	}
	if cfg.LogFormat != LogFormatText || cfg.LogLevel != slog.LevelDebug {
		t.Errorf("dev logging defaults = %q/%v", cfg.LogFormat, cfg.LogLevel)
	}
	if cfg.RoomMessageCap != 50 {
		t.Errorf("RoomMessageCap = %d", cfg.RoomMessageCap)
	}
	if cfg.FileChunkBytes != 64*1024 {
		t.Errorf("FileChunkBytes = %d", cfg.FileChunkBytes)
	}
	if cfg.RateCreatePerMinute != 5 || cfg.RateJoinPerMinute != 3 {
		t.Errorf("rate defaults = %d/%d", cfg.RateCreatePerMinute, cfg.RateJoinPerMinute)
	}
	if cfg.JoinBlockDuration != 10*time.Minute {
		t.Errorf("JoinBlockDuration = %v", cfg.JoinBlockDuration)
	}
	if cfg.RoomIdleTimeout != 30*time.Minute {
		t.Errorf("RoomIdleTimeout = %v", cfg.RoomIdleTimeout)
	}
	if cfg.SnapshotTTL != time.Hour {
		t.Errorf("SnapshotTTL = %v", cfg.SnapshotTTL)
	}
	if cfg.ClusteringEnabled() {
		t.Errorf("clustering must default to disabled")
	}
	if cfg.TURNRESTEnabled() {
		t.Errorf("TURN REST must default to disabled")
	}
}

func TestLoad_ProductionLoggingDefaults(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{envVarMode: "production"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON || cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("production logging defaults = %q/%v", cfg.LogFormat, cfg.LogLevel)
	}
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		envVarRoomMessageCap:    "100",
		envVarRoomIdleTimeout:   "45m",
		envVarRedisAddr:         "redis:6379",
		envVarRateJoinPerMinute: "7",
		envVarMaxFileBytes:      "1048576",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RoomMessageCap != 100 {
		t.Errorf("RoomMessageCap = %d", cfg.RoomMessageCap)
	}
	if cfg.RoomIdleTimeout != 45*time.Minute {
		t.Errorf("RoomIdleTimeout = %v", cfg.RoomIdleTimeout)
	}
	if !cfg.ClusteringEnabled() {
		t.Errorf("REDIS_ADDR must enable clustering")
	}
	if cfg.RateJoinPerMinute != 7 {
		t.Errorf("RateJoinPerMinute = %d", cfg.RateJoinPerMinute)
	}
	if cfg.MaxFileBytes != 1<<20 {
		t.Errorf("MaxFileBytes = %d", cfg.MaxFileBytes)
	}
}

func TestLoad_FlagOverridesEnv(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{envVarListenAddr: "127.0.0.1:9999"}), []string{"-listen-addr", "0.0.0.0:8888"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:8888" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
}

func TestLoad_AllowedOrigins(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		envVarAllowedOrigins: "https://App.Example.com, http://localhost:3000 ,*",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"https://app.example.com", "http://localhost:3000", "*"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Fatalf("AllowedOrigins[%d] = %q, want %q", i, cfg.AllowedOrigins[i], want[i])
		}
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad mode", map[string]string{envVarMode: "staging"}, "QUICKPAIR_MODE"},
		{"bad log level", map[string]string{envVarLogLevel: "verbose"}, "QUICKPAIR_LOG_LEVEL"},
		{"bad origin", map[string]string{envVarAllowedOrigins: "not a url"}, "ALLOWED_ORIGINS"},
		{"bad int", map[string]string{envVarRoomMessageCap: "fifty"}, "ROOM_MESSAGE_CAP"},
		{"zero cap", map[string]string{envVarRoomMessageCap: "0"}, "ROOM_MESSAGE_CAP"},
		{"bad duration", map[string]string{envVarRoomIdleTimeout: "soon"}, "ROOM_IDLE_TIMEOUT"},
		{"negative duration", map[string]string{envVarRoomIdleTimeout: "-5m"}, "ROOM_IDLE_TIMEOUT"},
		{"ping not below idle", map[string]string{envVarWSPingInterval: "2m"}, "WS_PING_INTERVAL"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(lookupFrom(tc.env), nil)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}

package config

import (
	"log/slog"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"APP_SECRET": "s3cret",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Mode != ModeDev {
		t.Errorf("Mode = %q", cfg.Mode)
	}
	if cfg.LogFormat != LogFormatText {
		t.Errorf("LogFormat = %q", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
	if cfg.TokenLifetime != 24*time.Hour {
		t.Errorf("TokenLifetime = %v", cfg.TokenLifetime)
	}
	if cfg.ClusterQueryTimeout != DefaultClusterQueryTimeout {
		t.Errorf("ClusterQueryTimeout = %v", cfg.ClusterQueryTimeout)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Errorf("MaxSignalingMessageBytes = %d", cfg.MaxSignalingMessageBytes)
	}
	if cfg.NATSURL != "" {
		t.Errorf("NATSURL = %q", cfg.NATSURL)
	}
}

func TestLoadRequiresAppSecret(t *testing.T) {
	if _, err := load(lookupFrom(nil), nil); err == nil {
		t.Fatal("expected error when APP_SECRET is unset")
	}
}

func TestLoadEnvValues(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"APP_SECRET":                        "s3cret",
		"APP_PASS":                          "letmein",
		"LISTEN_ADDR":                       "0.0.0.0:9000",
		"TOKEN_LIFETIME":                    "3600",
		"NATS_URL":                          "nats://10.0.0.1:4222",
		"CLUSTER_QUERY_TIMEOUT":             "500ms",
		"MAX_SIGNALING_MESSAGE_BYTES":       "1024",
		"MAX_SIGNALING_MESSAGES_PER_SECOND": "10",
		"SHUTDOWN_TIMEOUT":                  "5s",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.AppPass != "letmein" {
		t.Errorf("AppPass = %q", cfg.AppPass)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.TokenLifetime != time.Hour {
		t.Errorf("TokenLifetime = %v", cfg.TokenLifetime)
	}
	if cfg.NATSURL != "nats://10.0.0.1:4222" {
		t.Errorf("NATSURL = %q", cfg.NATSURL)
	}
	if cfg.ClusterQueryTimeout != 500*time.Millisecond {
		t.Errorf("ClusterQueryTimeout = %v", cfg.ClusterQueryTimeout)
	}
	if cfg.MaxSignalingMessageBytes != 1024 {
		t.Errorf("MaxSignalingMessageBytes = %d", cfg.MaxSignalingMessageBytes)
	}
	if cfg.MaxSignalingMessagesPerSecond != 10 {
		t.Errorf("MaxSignalingMessagesPerSecond = %d", cfg.MaxSignalingMessagesPerSecond)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"APP_SECRET":  "s3cret",
		"LISTEN_ADDR": "127.0.0.1:8080",
	}), []string{"--listen-addr", "127.0.0.1:9999", "--token-lifetime", "60"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9999" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.TokenLifetime != time.Minute {
		t.Errorf("TokenLifetime = %v", cfg.TokenLifetime)
	}
}

func TestLoadProdModeDefaultsToJSONLogs(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"APP_SECRET": "s3cret",
		"MODE":       "prod",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Errorf("LogFormat = %q", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
}

func TestLoadAllowedOrigins(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"APP_SECRET":      "s3cret",
		"ALLOWED_ORIGINS": " https://App.Example.com:443 , * ",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://app.example.com" || cfg.AllowedOrigins[1] != "*" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad token lifetime":  {"APP_SECRET": "s", "TOKEN_LIFETIME": "soon"},
		"zero token lifetime": {"APP_SECRET": "s", "TOKEN_LIFETIME": "0"},
		"bad query timeout":   {"APP_SECRET": "s", "CLUSTER_QUERY_TIMEOUT": "fast"},
		"bad message bytes":   {"APP_SECRET": "s", "MAX_SIGNALING_MESSAGE_BYTES": "-1"},
		"bad log level":       {"APP_SECRET": "s", "LOG_LEVEL": "loud"},
		"bad mode":            {"APP_SECRET": "s", "MODE": "staging"},
		"bad origin":          {"APP_SECRET": "s", "ALLOWED_ORIGINS": "example.com"},
	}
	for name, env := range cases {
		if _, err := load(lookupFrom(env), nil); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

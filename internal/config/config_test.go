package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if name, _, _ := strings.Cut(kv, "="); strings.HasPrefix(name, envPrefix) {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.Backend != "file" {
		t.Errorf("Backend = %q, want file", cfg.Backend)
	}
	if cfg.LockTimeout != defaultLockTimeout {
		t.Errorf("LockTimeout = %s, want %s", cfg.LockTimeout, defaultLockTimeout)
	}
	if want := filepath.Join(defaultDataDir, "spool"); cfg.SpoolDir != want {
		t.Errorf("SpoolDir = %q, want %q", cfg.SpoolDir, want)
	}
	if want := filepath.Join(defaultDataDir, "voicemail.conf"); cfg.VoicemailConf != want {
		t.Errorf("VoicemailConf = %q, want %q", cfg.VoicemailConf, want)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.SMTPEnabled() || cfg.SIPEnabled() {
		t.Error("notifications enabled without configuration")
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("VMSTORE_HTTP_PORT", "9090")
	t.Setenv("VMSTORE_DATA_DIR", "/tmp/vmstore-test")
	t.Setenv("VMSTORE_LOG_LEVEL", "debug")
	t.Setenv("VMSTORE_LOCK_TIMEOUT", "2s")
	t.Setenv("VMSTORE_REALTIME", "true")

	cfg, err := load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.DataDir != "/tmp/vmstore-test" {
		t.Errorf("DataDir = %q, want /tmp/vmstore-test", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.LockTimeout != 2*time.Second {
		t.Errorf("LockTimeout = %s, want 2s", cfg.LockTimeout)
	}
	if !cfg.Realtime {
		t.Error("Realtime = false, want true")
	}
}

func TestInvalidEnvValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("VMSTORE_HTTP_PORT", "eighty")
	if _, err := load(nil); err == nil {
		t.Fatal("expected error for a non-numeric port")
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	// CLI flags should override env vars.
	clearEnv(t)
	t.Setenv("VMSTORE_HTTP_PORT", "9090")
	t.Setenv("VMSTORE_LOG_LEVEL", "debug")

	cfg, err := load([]string{"--http-port", "3000", "--log-level", "warn"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"invalid port", []string{"--http-port", "99999"}},
		{"invalid log level", []string{"--log-level", "verbose"}},
		{"tls mismatch", []string{"--tls-cert", "cert.pem"}},
		{"unknown backend", []string{"--backend", "s3"}},
		{"imap without server", []string{"--backend", "imap"}},
		{"postgres without dsn", []string{"--backend", "sql", "--sql-driver", "postgres"}},
		{"unknown driver", []string{"--sql-driver", "oracle"}},
		{"zero lock timeout", []string{"--lock-timeout", "0s"}},
		{"short jwt secret", []string{"--jwt-secret", "abcd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			if _, err := load(tt.args); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestBackendOptions(t *testing.T) {
	clearEnv(t)
	cfg, err := load([]string{
		"--backend", "IMAP",
		"--imap-server", "mail.example.com",
		"--imap-user-format", "{mailbox}@{context}",
		"--imap-rate", "2.5",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	opts := cfg.BackendOptions()
	for k, want := range map[string]string{
		"server":      "mail.example.com",
		"tls":         "implicit",
		"folder":      "INBOX",
		"user_format": "{mailbox}@{context}",
		"rate":        "2.5",
	} {
		if opts[k] != want {
			t.Errorf("option %s = %q, want %q", k, opts[k], want)
		}
	}

	cfg, err = load([]string{"--backend", "sql", "--data-dir", "/var/vm"})
	if err != nil {
		t.Fatal(err)
	}
	opts = cfg.BackendOptions()
	if opts["driver"] != "sqlite" || opts["data_dir"] != "/var/vm" {
		t.Errorf("sql options = %v", opts)
	}
}

func TestJWTSecretBytes(t *testing.T) {
	secret, err := GenerateJWTSecret()
	if err != nil {
		t.Fatal(err)
	}
	cfg := &Config{JWTSecret: secret}
	key, err := cfg.JWTSecretBytes()
	if err != nil || len(key) != 32 {
		t.Fatalf("JWTSecretBytes() = %d bytes, %v", len(key), err)
	}

	open := &Config{}
	if key, err := open.JWTSecretBytes(); key != nil || err != nil {
		t.Errorf("empty secret = %v, %v; want nil, nil", key, err)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the vmstore server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir       string
	SpoolDir      string // message spool; defaults to <data-dir>/spool
	VoicemailConf string // voicemail.conf with [general] and mailbox contexts
	HTTPPort      int
	TLSCert       string
	TLSKey        string
	LogLevel      string
	LogFormat     string // log output format: "text" or "json"
	JWTSecret     string // hex-encoded 32-byte secret; empty leaves the API open

	Backend      string        // storage backend: file, sql or imap
	LockTimeout  time.Duration // bound on every folder lock wait
	LockPoll     time.Duration // file and sql lock retry interval
	PollInterval time.Duration // mailbox recount interval; 0 uses voicemail.conf pollfreq

	SQLDriver string // sqlite or postgres
	SQLDSN    string
	Realtime  bool // look up mailboxes missing from voicemail.conf in the voicemail_users table

	IMAPServer     string
	IMAPTLS        string // implicit, starttls or none
	IMAPAuth       string // plain or login
	IMAPAuthUser   string // master user for proxy authentication
	IMAPPassword   string
	IMAPFolder     string // server folder holding the Inbox
	IMAPUserFormat string // login name template, e.g. "{mailbox}@{context}"
	IMAPRate       float64
	IMAPSkipVerify bool

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPTLS      string // none, starttls or tls

	SIPProxy     string // MWI NOTIFY target, e.g. "pbx.example.com:5060"
	SIPTransport string
	SIPDomain    string
	SIPFrom      string
	SIPUsername  string
	SIPPassword  string

	NotifyScript string // overrides externnotify from voicemail.conf
	NotifyRate   float64

	// Args holds the positional arguments left after the flags.
	Args []string
}

// defaults
const (
	defaultDataDir      = "./data"
	defaultHTTPPort     = 8080
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
	defaultBackend      = "file"
	defaultLockTimeout  = 5 * time.Second
	defaultLockPoll     = 50 * time.Millisecond
	defaultSQLDriver    = "sqlite"
	defaultIMAPTLS      = "implicit"
	defaultIMAPAuth     = "plain"
	defaultIMAPFolder   = "INBOX"
	defaultIMAPUserFmt  = "{mailbox}"
	defaultSMTPPort     = "25"
	defaultSMTPTLS      = "starttls"
	defaultSIPTransport = "udp"
	defaultNotifyRate   = 1
)

// envPrefix is the prefix for all vmstore environment variables.
const envPrefix = "VMSTORE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("vmstore", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the database and spool")
	fs.StringVar(&cfg.SpoolDir, "spool-dir", "", "message spool directory (default <data-dir>/spool)")
	fs.StringVar(&cfg.VoicemailConf, "voicemail-conf", "", "path to voicemail.conf (default <data-dir>/voicemail.conf)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret required on API requests (API is open if empty)")

	fs.StringVar(&cfg.Backend, "backend", defaultBackend, "storage backend (file, sql, imap)")
	fs.DurationVar(&cfg.LockTimeout, "lock-timeout", defaultLockTimeout, "maximum wait for a folder lock")
	fs.DurationVar(&cfg.LockPoll, "lock-poll", defaultLockPoll, "lock retry interval of the file and sql backends")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", 0, "mailbox recount interval (default from voicemail.conf pollfreq)")

	fs.StringVar(&cfg.SQLDriver, "sql-driver", defaultSQLDriver, "database driver (sqlite, postgres)")
	fs.StringVar(&cfg.SQLDSN, "sql-dsn", "", "database DSN (default <data-dir>/vmstore.db for sqlite)")
	fs.BoolVar(&cfg.Realtime, "realtime", false, "look up unknown mailboxes in the database")

	fs.StringVar(&cfg.IMAPServer, "imap-server", "", "IMAP server host[:port]")
	fs.StringVar(&cfg.IMAPTLS, "imap-tls", defaultIMAPTLS, "IMAP TLS mode (implicit, starttls, none)")
	fs.StringVar(&cfg.IMAPAuth, "imap-auth", defaultIMAPAuth, "IMAP authentication (plain, login)")
	fs.StringVar(&cfg.IMAPAuthUser, "imap-auth-user", "", "IMAP master user for proxy authentication")
	fs.StringVar(&cfg.IMAPPassword, "imap-password", "", "IMAP password (of the master user when set)")
	fs.StringVar(&cfg.IMAPFolder, "imap-folder", defaultIMAPFolder, "IMAP folder holding new messages")
	fs.StringVar(&cfg.IMAPUserFormat, "imap-user-format", defaultIMAPUserFmt, "IMAP login template ({mailbox}, {context})")
	fs.Float64Var(&cfg.IMAPRate, "imap-rate", 0, "IMAP commands per second per connection (0 is unlimited)")
	fs.BoolVar(&cfg.IMAPSkipVerify, "imap-skip-verify", false, "skip IMAP server certificate verification")

	fs.StringVar(&cfg.SMTPHost, "smtp-host", "", "SMTP server for mail and pager notifications")
	fs.StringVar(&cfg.SMTPPort, "smtp-port", defaultSMTPPort, "SMTP port")
	fs.StringVar(&cfg.SMTPUsername, "smtp-username", "", "SMTP auth username")
	fs.StringVar(&cfg.SMTPPassword, "smtp-password", "", "SMTP auth password")
	fs.StringVar(&cfg.SMTPTLS, "smtp-tls", defaultSMTPTLS, "SMTP TLS mode (none, starttls, tls)")

	fs.StringVar(&cfg.SIPProxy, "sip-proxy", "", "SIP proxy receiving message-summary NOTIFYs")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp)")
	fs.StringVar(&cfg.SIPDomain, "sip-domain", "", "SIP domain of notified extensions (default proxy host)")
	fs.StringVar(&cfg.SIPFrom, "sip-from", "", "SIP From user of NOTIFYs")
	fs.StringVar(&cfg.SIPUsername, "sip-username", "", "SIP digest auth username")
	fs.StringVar(&cfg.SIPPassword, "sip-password", "", "SIP digest auth password")

	fs.StringVar(&cfg.NotifyScript, "notify-script", "", "external notify script (overrides externnotify)")
	fs.Float64Var(&cfg.NotifyRate, "notify-rate", defaultNotifyRate, "maximum notify script runs per second for each mailbox")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	if err := applyEnvOverrides(fs); err != nil {
		return nil, err
	}
	cfg.Args = fs.Args()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envName maps a flag name to its environment variable, e.g. "imap-tls"
// to VMSTORE_IMAP_TLS.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag that was not explicitly provided on the
// command line from its environment variable.
func applyEnvOverrides(fs *flag.FlagSet) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || set[f.Name] {
			return
		}
		val, ok := os.LookupEnv(envName(f.Name))
		if !ok || val == "" {
			return
		}
		if serr := fs.Set(f.Name, val); serr != nil {
			err = fmt.Errorf("invalid %s: %w", envName(f.Name), serr)
		}
	})
	return err
}

// validate checks that the config values are sane and fills derived defaults.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	// TLS cert and key must both be set or both be empty.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	c.Backend = strings.ToLower(c.Backend)
	switch c.Backend {
	case "file", "sql":
	case "imap":
		if c.IMAPServer == "" {
			return fmt.Errorf("imap-server is required for the imap backend")
		}
	default:
		return fmt.Errorf("backend must be one of file, sql, imap; got %q", c.Backend)
	}

	c.SQLDriver = strings.ToLower(c.SQLDriver)
	switch c.SQLDriver {
	case "sqlite":
	case "postgres":
		if c.SQLDSN == "" && (c.Backend == "sql" || c.Realtime) {
			return fmt.Errorf("sql-dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("sql-driver must be one of sqlite, postgres; got %q", c.SQLDriver)
	}

	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock-timeout must be positive, got %s", c.LockTimeout)
	}
	if c.LockPoll <= 0 {
		return fmt.Errorf("lock-poll must be positive, got %s", c.LockPoll)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll-interval must not be negative, got %s", c.PollInterval)
	}
	if c.IMAPRate < 0 || c.NotifyRate < 0 {
		return fmt.Errorf("imap-rate and notify-rate must not be negative")
	}

	if c.JWTSecret != "" {
		if _, err := c.JWTSecretBytes(); err != nil {
			return err
		}
	}

	if c.SpoolDir == "" {
		c.SpoolDir = filepath.Join(c.DataDir, "spool")
	}
	if c.VoicemailConf == "" {
		c.VoicemailConf = filepath.Join(c.DataDir, "voicemail.conf")
	}
	return nil
}

// TLSEnabled returns true if TLS certificates are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != ""
}

// BackendOptions returns the storage backend settings passed to
// voicemail.OpenBackend for the configured backend.
func (c *Config) BackendOptions() map[string]string {
	opts := map[string]string{}
	switch c.Backend {
	case "file":
		opts["lock_poll"] = c.LockPoll.String()
	case "sql":
		opts["driver"] = c.SQLDriver
		opts["dsn"] = c.SQLDSN
		opts["data_dir"] = c.DataDir
		opts["lock_poll"] = c.LockPoll.String()
	case "imap":
		opts["server"] = c.IMAPServer
		opts["tls"] = c.IMAPTLS
		opts["auth"] = c.IMAPAuth
		opts["auth_user"] = c.IMAPAuthUser
		opts["auth_password"] = c.IMAPPassword
		opts["folder"] = c.IMAPFolder
		opts["user_format"] = c.IMAPUserFormat
		opts["skip_verify"] = strconv.FormatBool(c.IMAPSkipVerify)
		if c.IMAPRate > 0 {
			opts["rate"] = strconv.FormatFloat(c.IMAPRate, 'f', -1, 64)
		}
	}
	return opts
}

// SMTPEnabled reports whether mail and pager notifications can be sent.
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != ""
}

// SIPEnabled reports whether message-waiting NOTIFYs are sent.
func (c *Config) SIPEnabled() bool {
	return c.SIPProxy != ""
}

// JWTSecretBytes returns the decoded 32-byte API signing secret, or nil
// when the API is unauthenticated.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// GenerateJWTSecret returns a random hex-encoded secret suitable for
// jwt-secret.
func GenerateJWTSecret() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating jwt secret: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/emiago/sipgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/flowpbx/vmstore/internal/api"
	"github.com/flowpbx/vmstore/internal/api/middleware"
	"github.com/flowpbx/vmstore/internal/config"
	"github.com/flowpbx/vmstore/internal/database"
	"github.com/flowpbx/vmstore/internal/email"
	"github.com/flowpbx/vmstore/internal/metrics"
	"github.com/flowpbx/vmstore/internal/mwi"
	"github.com/flowpbx/vmstore/internal/recording"
	"github.com/flowpbx/vmstore/internal/vmconf"
	"github.com/flowpbx/vmstore/internal/voicemail"
	_ "github.com/flowpbx/vmstore/internal/voicemail/filestore"
	"github.com/flowpbx/vmstore/internal/voicemail/imapstore"
	"github.com/flowpbx/vmstore/internal/voicemail/sqlstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if len(cfg.Args) > 0 {
		err = command(cfg, cfg.Args)
	} else {
		err = run(cfg, logger)
	}
	if err != nil {
		slog.Error("vmstore failed", "error", err)
		os.Exit(1)
	}
}

// command runs a one-shot subcommand.
//
//	vmstore token [mailbox@context]   print an API token (admin without a mailbox)
//	vmstore gensecret                 print a random jwt-secret
func command(cfg *config.Config, args []string) error {
	switch args[0] {
	case "gensecret":
		secret, err := config.GenerateJWTSecret()
		if err != nil {
			return err
		}
		fmt.Println(secret)
		return nil
	case "token":
		key, err := cfg.JWTSecretBytes()
		if err != nil {
			return err
		}
		if key == nil {
			return errors.New("jwt-secret is not configured")
		}
		mailbox := ""
		if len(args) > 1 {
			id, vmContext, err := voicemail.ParseMailboxKey(args[1])
			if err != nil {
				return err
			}
			mailbox = voicemail.MailboxKey(id, vmContext)
		}
		token, exp, err := middleware.GenerateToken(key, mailbox, middleware.DefaultTokenTTL)
		if err != nil {
			return err
		}
		fmt.Printf("%s\nexpires %s\n", token, exp.Format(time.RFC3339))
		return nil
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("starting vmstore",
		"http_port", cfg.HTTPPort,
		"backend", cfg.Backend,
		"spool_dir", cfg.SpoolDir,
		"voicemail_conf", cfg.VoicemailConf,
	)

	// Mailbox configuration.
	loader := vmconf.NewLoader(logger)
	vc, err := loader.LoadFile(cfg.VoicemailConf)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("voicemail config not found, starting without static mailboxes", "path", cfg.VoicemailConf)
		vc, err = &vmconf.Config{General: vmconf.DefaultGeneral()}, nil
	}
	if err != nil {
		return err
	}

	// Storage backend.
	if err := os.MkdirAll(cfg.SpoolDir, 0o750); err != nil {
		return fmt.Errorf("creating spool directory: %w", err)
	}
	backend, err := voicemail.OpenBackend(voicemail.BackendConfig{
		Type:     cfg.Backend,
		SpoolDir: cfg.SpoolDir,
		Options:  cfg.BackendOptions(),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("opening storage backend: %w", err)
	}
	defer backend.Close()

	registry := voicemail.NewRegistry(logger)
	registry.Load(vc.Mailboxes)
	registry.SetPasswordWriter(vmconf.NewFileWriter(cfg.VoicemailConf, logger))

	if cfg.Realtime {
		var db *database.DB
		if st, ok := backend.(*sqlstore.Store); ok {
			db = st.DB()
		} else {
			db, err = database.Open(cfg.SQLDriver, cfg.SQLDSN, cfg.DataDir)
			if err != nil {
				return fmt.Errorf("opening realtime database: %w", err)
			}
			defer db.Close()
		}
		rt := sqlstore.NewRealtime(db, loader, vc.General, logger)
		registry.SetRealtime(rt, rt)
		slog.Info("realtime mailbox lookup enabled", "driver", cfg.SQLDriver)
	}

	// Notification fan-out.
	notifier := voicemail.NewNotifier(backend, logger)
	bus := mwi.NewBus()
	notifier.Subscribe("bus", bus)

	var sessions metrics.SessionCounter
	if st, ok := backend.(*imapstore.Store); ok {
		sessions = st.Sessions()
	}
	collector := metrics.NewCollector(backend.Name(), sessions, bus, time.Now())
	notifier.Subscribe("metrics", collector)
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if cfg.SIPEnabled() {
		ua, err := sipgo.NewUA(sipgo.WithUserAgent("vmstore"))
		if err != nil {
			return fmt.Errorf("creating sip user agent: %w", err)
		}
		defer ua.Close()
		sipNotifier, err := mwi.NewSIPNotifier(ua, mwi.SIPConfig{
			Proxy:     cfg.SIPProxy,
			Transport: cfg.SIPTransport,
			Domain:    cfg.SIPDomain,
			From:      cfg.SIPFrom,
			Username:  cfg.SIPUsername,
			Password:  cfg.SIPPassword,
		}, logger)
		if err != nil {
			return err
		}
		defer sipNotifier.Close()
		notifier.Subscribe("sip", sipNotifier)
		slog.Info("sip message-waiting notifications enabled", "proxy", cfg.SIPProxy)
	}

	script := cfg.NotifyScript
	if script == "" {
		script = vc.General.ExternNotify
	}
	if script != "" {
		sn := mwi.NewScriptNotifier(script, cfg.NotifyRate, 5, logger)
		defer sn.Close()
		notifier.Subscribe("externnotify", sn)
	}

	if cfg.SMTPEnabled() {
		hostname, _ := os.Hostname()
		sender := email.NewSender(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			TLS:      cfg.SMTPTLS,
		}, logger)
		notifier.OnDeposit("email", email.NewNotifier(sender, email.Identity{
			ServerEmail: vc.General.ServerEmail,
			FromString:  vc.General.FromString,
			PagerFrom:   vc.General.PagerFrom,
			ServerName:  hostname,
		}, logger))
	}

	svc := voicemail.NewService(backend, registry, notifier, voicemail.ServiceOptions{
		SpoolDir:    cfg.SpoolDir,
		LockTimeout: cfg.LockTimeout,
	}, logger)
	svc.SetStatsRecorder(collector)

	// Mailbox polling picks up changes made by other processes sharing
	// the storage.
	if vc.General.PollMailbox || cfg.PollInterval > 0 {
		interval := cfg.PollInterval
		if interval == 0 {
			interval = time.Duration(vc.General.PollFreq) * time.Second
		}
		poller := voicemail.NewPoller(notifier, registry.Mailboxes, interval, logger)
		poller.Start()
		defer poller.Stop()
	}

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		return err
	}
	if jwtSecret == nil {
		slog.Warn("no jwt-secret configured, mailbox api is unauthenticated")
	}
	uploadDir := filepath.Join(cfg.DataDir, "uploads")
	if err := os.MkdirAll(uploadDir, 0o750); err != nil {
		return fmt.Errorf("creating upload directory: %w", err)
	}
	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	defer stopCleanup()
	recording.StartCleanupTicker(cleanupCtx, uploadDir, time.Hour, 15*time.Minute, logger)

	handler := api.NewServer(svc, api.Options{
		JWTSecret:  jwtSecret,
		TLSEnabled: cfg.TLSEnabled(),
		Gatherer:   promReg,
		Changes:    bus,
		UploadDir:  uploadDir,
	}, logger)
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr, "tls", cfg.TLSEnabled())
		var err error
		if cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case serveErr = <-errCh:
		slog.Error("http server error", "error", serveErr)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("vmstore stopped")
	return serveErr
}

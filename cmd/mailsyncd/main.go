// Command mailsyncd runs the mail synchronization daemon: it watches the
// configured mailboxes, executes queued jobs, and dispatches outbound
// messages until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/openmsg/mailsync/internal/account"
	"github.com/openmsg/mailsync/internal/config"
	"github.com/openmsg/mailsync/internal/event"
	"github.com/openmsg/mailsync/internal/imap"
	"github.com/openmsg/mailsync/internal/intake"
	"github.com/openmsg/mailsync/internal/smtp"
	"github.com/openmsg/mailsync/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mailsyncd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info().Str("config", *configPath).Msg("starting mailsyncd")

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	s, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer s.Close()

	imapCfg := imapConfig(cfg)
	sender := smtp.NewSender(smtpConfig(cfg), logger)
	defer sender.Close()

	selfAddr := cfg.IMAP.Username
	receiver := intake.NewReceiver(s, selfAddr, logger)
	renderer := intake.NewRenderer(s, selfAddr, "", logger)

	acct := account.New(account.Options{
		InboxFolder:      cfg.Sync.InboxFolder,
		MvboxFolder:      cfg.Sync.MvboxFolder,
		SentboxFolder:    cfg.Sync.SentboxFolder,
		WatchInbox:       cfg.Sync.WatchInbox,
		WatchMvbox:       cfg.Sync.WatchMvbox,
		WatchSentbox:     cfg.Sync.WatchSentbox,
		MvboxMove:        cfg.Sync.MvboxMove,
		SendReadReceipts: cfg.Sync.SendReadReceipts,
		SpoolDir:         cfg.SpoolDir,
	}, s, account.Deps{
		Emitter:  event.NewLogEmitter(logger),
		Messages: s,
		Receiver: receiver,
		Renderer: renderer,
		Sender:   sender,
		Policy:   account.NewShowPolicy(cfg.Sync.ChatOnly),
		IMAP:     imapCfg,
		Reconfigure: func(ctx context.Context) (imap.Config, error) {
			fresh, err := config.Load(*configPath)
			if err != nil {
				return imap.Config{}, err
			}
			sender.SetConfig(smtpConfig(fresh))
			return imapConfig(fresh), nil
		},
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := acct.RequestHousekeeping(ctx, 0); err != nil {
		logger.Warn().Err(err).Msg("scheduling housekeeping")
	}
	acct.Run(ctx)

	logger.Info().Msg("stopped")
	return nil
}

// imapConfig maps the file configuration onto connection parameters,
// resolving the password through the keyring.
func imapConfig(cfg *config.Config) imap.Config {
	security := imap.SecurityTLS
	if cfg.IMAP.StartTLS {
		security = imap.SecuritySTARTTLS
	}
	return imap.Config{
		Host:     cfg.IMAP.Host,
		Port:     cfg.IMAP.Port,
		Security: security,
		Username: cfg.IMAP.Username,
		Password: config.Secret("imap.password", cfg.IMAP.Password),
	}
}

func smtpConfig(cfg *config.Config) smtp.Config {
	return smtp.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		StartTLS: cfg.SMTP.StartTLS,
		Username: cfg.SMTP.Username,
		Password: config.Secret("smtp.password", cfg.SMTP.Password),
		From:     cfg.IMAP.Username,
	}
}

// newLogger builds the root logger writing human-readable output.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).
		With().Timestamp().Logger()
}

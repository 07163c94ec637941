// Package smtp is the outbound transport: a thin connection-reusing
// client over the submission protocol.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
)

// Config carries the relay connection parameters.
type Config struct {
	Host     string
	Port     int
	StartTLS bool
	Username string
	Password string

	// From is the envelope sender.
	From string
}

// Addr returns the host:port dial target.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Sender submits messages over one reused SMTP connection, redialing
// when the relay dropped it.
type Sender struct {
	log zerolog.Logger

	mu  sync.Mutex
	cfg Config
	cli *smtp.Client
}

// NewSender returns a disconnected sender.
func NewSender(cfg Config, logger zerolog.Logger) *Sender {
	return &Sender{
		log: logger.With().Str("component", "smtp").Str("host", cfg.Host).Logger(),
		cfg: cfg,
	}
}

// SetConfig replaces the relay parameters; the next Connect redials.
func (s *Sender) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.dropLocked()
}

// Connect establishes and authenticates the session if necessary.
func (s *Sender) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Sender) connectLocked(ctx context.Context) error {
	if s.cli != nil {
		// Liveness probe; relays drop idle submissions quickly.
		if err := s.cli.Noop(); err == nil {
			return nil
		}
		s.dropLocked()
	}

	s.log.Info().Str("addr", s.cfg.Addr()).Msg("connecting to relay")

	var (
		cli *smtp.Client
		err error
	)
	tlsCfg := &tls.Config{ServerName: s.cfg.Host}
	if s.cfg.StartTLS {
		cli, err = smtp.DialStartTLS(s.cfg.Addr(), tlsCfg)
	} else {
		cli, err = smtp.DialTLS(s.cfg.Addr(), tlsCfg)
	}
	if err != nil {
		return fmt.Errorf("dialing relay %s: %w", s.cfg.Addr(), err)
	}

	if s.cfg.Username != "" {
		auth := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
		if err := cli.Auth(auth); err != nil {
			cli.Close()
			return fmt.Errorf("authenticating as %s: %w", s.cfg.Username, err)
		}
	}

	s.cli = cli
	return nil
}

// Send submits one message. The caller connects first; a submission
// failure here is distinct from a connection failure there.
func (s *Sender) Send(ctx context.Context, recipients []string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cli == nil {
		if err := s.connectLocked(ctx); err != nil {
			return err
		}
	}

	err := s.cli.SendMail(s.cfg.From, recipients, bytes.NewReader(body))
	if err != nil {
		// The session state after a failed transaction is uncertain.
		s.dropLocked()
		return fmt.Errorf("submitting to %d recipients: %w", len(recipients), err)
	}
	return nil
}

// Close drops the connection.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked()
}

func (s *Sender) dropLocked() {
	if s.cli == nil {
		return
	}
	if err := s.cli.Quit(); err != nil {
		s.cli.Close()
	}
	s.cli = nil
}

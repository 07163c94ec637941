// Package imap wraps emersion/go-imap/v2 into the connection state
// machine the sync loops drive: explicit connect/disconnect, capability
// probing per connection, folder selection with deferred expunge, cursor
// based incremental fetch, and IDLE with a polling fallback.
package imap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by operations that need an established
// session while the client is disconnected. Handlers translate it into
// a not-yet-ready disposition rather than a retry penalty.
var ErrNotConnected = errors.New("imap: not connected")

// Security selects the transport protection for the initial connection.
type Security int

const (
	SecurityTLS Security = iota
	SecuritySTARTTLS
)

// Config carries everything needed to establish a session.
type Config struct {
	Host     string
	Port     int
	Security Security
	Username string
	Password string
}

// Addr returns the host:port dial target.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// capabilities is the per-connection snapshot of the extensions the
// server advertises. Re-probed on every connect because servers behind
// load balancers may differ between connections.
type capabilities struct {
	idle           bool
	move           bool
	metadata       bool
	metadataServer bool
}

// CursorStore persists per-folder sync cursors.
type CursorStore interface {
	GetCursor(ctx context.Context, folder string) (uidValidity, lastSeenUID uint32, err error)
	SetCursor(ctx context.Context, folder string, uidValidity, lastSeenUID uint32) error
}

// Client is one IMAP connection state machine. All exported methods are
// safe for concurrent use, but the intended usage is one owning worker
// goroutine with other goroutines only calling InterruptIdle and
// ScheduleReconnect.
type Client struct {
	log     zerolog.Logger
	cursors CursorStore

	// interrupt carries idle wakeups. Buffered with capacity one so a
	// wakeup sent while no idle is in progress terminates the next idle
	// immediately instead of being lost.
	interrupt chan struct{}

	// updates is signalled by unilateral server responses (EXISTS).
	updates chan struct{}

	mu              sync.Mutex
	cfg             Config
	cli             *imapclient.Client
	connected       bool
	shouldReconnect bool
	caps            capabilities
	selectedFolder  string
	selected        *imap.SelectData
	needsExpunge    bool
	hadSuccess      bool // a connection succeeded since the last failure report

	// serverMoves records that the server relocates chat messages itself,
	// as negotiated over this connection. While set, the local move
	// heuristic stands down. Reset on every fresh connect.
	serverMoves bool
}

// NewClient returns a disconnected client. Connect (or any operation via
// EnsureConnected) establishes the session on first use.
func NewClient(cfg Config, cursors CursorStore, logger zerolog.Logger) *Client {
	return &Client{
		log:        logger.With().Str("component", "imap").Str("host", cfg.Host).Logger(),
		cursors:    cursors,
		cfg:        cfg,
		interrupt:  make(chan struct{}, 1),
		updates:    make(chan struct{}, 1),
		hadSuccess: true,
	}
}

// SetConfig replaces the connection parameters and forces the next
// operation to reconnect. Used by the configure job.
func (c *Client) SetConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.shouldReconnect = true
}

// IsConnected reports whether a session is currently established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.shouldReconnect
}

// ScheduleReconnect marks the session stale; the next operation tears it
// down and dials again.
func (c *Client) ScheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shouldReconnect = true
}

// FirstFailure reports whether the next connection failure is the first
// since the last successful connect, and consumes that state.
func (c *Client) FirstFailure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	first := c.hadSuccess
	c.hadSuccess = false
	return first
}

// EnsureConnected establishes the session if necessary. It is the entry
// point every operation goes through.
func (c *Client) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnectedLocked(ctx)
}

func (c *Client) ensureConnectedLocked(ctx context.Context) error {
	if c.shouldReconnect {
		c.dropLocked()
		c.shouldReconnect = false
	}
	if c.connected {
		return nil
	}

	opts := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					select {
					case c.updates <- struct{}{}:
					default:
					}
				}
			},
		},
	}

	c.log.Info().Str("addr", c.cfg.Addr()).Msg("connecting")

	var (
		cli *imapclient.Client
		err error
	)
	switch c.cfg.Security {
	case SecuritySTARTTLS:
		cli, err = imapclient.DialStartTLS(c.cfg.Addr(), opts)
	default:
		cli, err = imapclient.DialTLS(c.cfg.Addr(), opts)
	}
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.cfg.Addr(), err)
	}

	if err := cli.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		cli.Close()
		return fmt.Errorf("logging in as %s: %w", c.cfg.Username, err)
	}

	caps, err := cli.Capability().Wait()
	if err != nil {
		cli.Close()
		return fmt.Errorf("querying capabilities: %w", err)
	}

	c.cli = cli
	c.connected = true
	c.hadSuccess = true
	c.selectedFolder = ""
	c.selected = nil
	c.needsExpunge = false
	c.serverMoves = false
	c.caps = capabilities{
		idle:           caps.Has(imap.CapIdle),
		move:           caps.Has(imap.CapMove),
		metadata:       caps.Has(imap.CapMetadata),
		metadataServer: caps.Has(imap.CapMetadataServer),
	}

	c.log.Info().
		Bool("idle", c.caps.idle).
		Bool("move", c.caps.move).
		Bool("metadata", c.caps.metadata).
		Msg("connected")

	return nil
}

// Disconnect closes the session, issuing a pending expunge first.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
}

func (c *Client) dropLocked() {
	if c.cli == nil {
		return
	}
	if c.needsExpunge {
		// Best effort; the flags are already set server-side.
		if err := c.cli.Expunge().Close(); err != nil {
			c.log.Debug().Err(err).Msg("expunge on disconnect failed")
		}
		c.needsExpunge = false
	}
	if err := c.cli.Logout().Wait(); err != nil {
		c.cli.Close()
	}
	c.cli = nil
	c.connected = false
	c.selectedFolder = ""
	c.selected = nil
}

// SetServerMoves records whether the server performs chat-folder moves
// itself on this connection. The feature layer calls this after
// interpreting the negotiated metadata; a reconnect clears it.
func (c *Client) SetServerMoves(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverMoves = enabled
}

// ServerMoves reports whether server-side moving is active on this
// connection.
func (c *Client) ServerMoves() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverMoves
}

// SupportsMetadata reports whether the current connection advertises the
// METADATA or METADATA-SERVER extension.
func (c *Client) SupportsMetadata() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && (c.caps.metadata || c.caps.metadataServer)
}

// selectFolder makes folder the selected mailbox, expunging the
// previously selected one first if deletions are pending there.
func (c *Client) selectFolder(ctx context.Context, folder string) (*imap.SelectData, error) {
	if err := c.ensureConnectedLocked(ctx); err != nil {
		return nil, err
	}
	if c.selectedFolder == folder && c.selected != nil {
		return c.selected, nil
	}

	if c.needsExpunge {
		if err := c.cli.Expunge().Close(); err != nil {
			return nil, fmt.Errorf("expunging %s before deselect: %w", c.selectedFolder, err)
		}
		c.needsExpunge = false
	}

	data, err := c.cli.Select(folder, nil).Wait()
	if err != nil {
		c.selectedFolder = ""
		c.selected = nil
		return nil, fmt.Errorf("selecting %s: %w", folder, err)
	}

	c.selectedFolder = folder
	c.selected = data
	return data, nil
}

// session returns the live protocol client, for operations that have
// already ensured connectivity under c.mu.
func (c *Client) sessionLocked() (*imapclient.Client, error) {
	if !c.connected || c.cli == nil {
		return nil, ErrNotConnected
	}
	return c.cli, nil
}

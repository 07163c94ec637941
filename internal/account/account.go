// Package account wires the sync core together: one store, one job
// queue, three mailbox watcher threads sharing the IMAP lane, and the
// SMTP lane. It owns the long-lived loops and the public operations the
// embedding application calls.
package account

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openmsg/mailsync/internal/event"
	"github.com/openmsg/mailsync/internal/imap"
	"github.com/openmsg/mailsync/internal/model"
	"github.com/openmsg/mailsync/internal/queue"
	"github.com/openmsg/mailsync/internal/store"
	"github.com/openmsg/mailsync/internal/worker"
)

// connectRetryWait spaces reconnection attempts of a watcher loop.
const connectRetryWait = 30 * time.Second

// MessageStore is the embedding application's message table, reduced to
// what the sync core needs.
type MessageStore interface {
	// MessageByID returns the message or nil when it no longer exists.
	MessageByID(ctx context.Context, id int64) (*model.Message, error)

	// MessageByMessageID looks a message up by its RFC 5322 Message-ID;
	// nil when unknown.
	MessageByMessageID(ctx context.Context, messageID string) (*model.Message, error)

	// CountSharingMessageID counts local messages carrying the given
	// Message-ID. Server-side deletion waits until only one is left.
	CountSharingMessageID(ctx context.Context, messageID string) (int, error)

	// SetServerRef records where the server copy of a message lives.
	SetServerRef(ctx context.Context, id int64, folder string, uid uint32) error

	// SetMoveState records the folder-move verdict.
	SetMoveState(ctx context.Context, id int64, st model.MoveState) error

	// MarkDelivered records that the relay accepted an outbound message.
	MarkDelivered(ctx context.Context, id int64) error

	// MarkFailed records that an outbound message was abandoned.
	MarkFailed(ctx context.Context, id int64, errText string) error
}

// Receiver consumes downloaded messages.
type Receiver interface {
	// Receive parses and stores one raw message, returning its local
	// record (nil when the message was discarded).
	Receive(ctx context.Context, folder string, uid uint32, body []byte) (*model.Message, error)
}

// Renderer produces outbound MIME payloads the sync core cannot build
// itself.
type Renderer interface {
	// RenderReadReceipt builds the MDN for a message. Empty recipients
	// mean no receipt is owed (message gone, sender unknown).
	RenderReadReceipt(ctx context.Context, messageID int64) (recipients []string, body []byte, err error)

	// RenderLocationBeacon builds a location update. ok is false when no
	// beacon is currently active.
	RenderLocationBeacon(ctx context.Context, ended bool) (recipients []string, body []byte, ok bool, err error)
}

// Sender is the outbound transport. Connect and Send are separate so
// handlers can tell connection failures from submission failures.
type Sender interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, recipients []string, body []byte) error
}

// ShowPolicy decides, on prefetched headers alone, whether a message is
// worth downloading.
type ShowPolicy interface {
	ShouldDownload(pf imap.Prefetch) bool
}

// Options configures one account.
type Options struct {
	InboxFolder   string
	MvboxFolder   string
	SentboxFolder string

	WatchInbox   bool
	WatchMvbox   bool
	WatchSentbox bool

	// MvboxMove enables the heuristic that relocates chat messages out
	// of the inbox.
	MvboxMove bool

	// SendReadReceipts enables MDN dispatch for messages that ask for it.
	SendReadReceipts bool

	// SpoolDir holds queued outbound payloads.
	SpoolDir string
}

// Deps bundles the collaborators the embedding application provides.
type Deps struct {
	Emitter  event.Emitter
	Messages MessageStore
	Receiver Receiver
	Renderer Renderer
	Sender   Sender
	Policy   ShowPolicy

	// IMAP is the initial connection configuration.
	IMAP imap.Config

	// Reconfigure reloads connection parameters; the configure job
	// applies its result to every connection.
	Reconfigure func(ctx context.Context) (imap.Config, error)
}

// Account is the explicit session handle: every operation and every
// loop hangs off one of these, nothing is process-global.
type Account struct {
	log  zerolog.Logger
	opts Options

	store      *store.SQLiteStore
	queue      *queue.Queue
	imapRunner *queue.Runner
	smtpRunner *queue.Runner

	inbox   *worker.Thread
	mvbox   *worker.Thread
	sentbox *worker.Thread
	send    *worker.SendState

	emitter  event.Emitter
	msgs     MessageStore
	receiver Receiver
	renderer Renderer
	sender   Sender
	policy   ShowPolicy

	reconfigure func(ctx context.Context) (imap.Config, error)

	// Probing flags: set by MaybeNetwork, consumed once per lane pass.
	imapProbe atomic.Bool
	smtpProbe atomic.Bool

	// network gates fetch and idle: while false the watchers never touch
	// their connections and park until woken.
	network atomic.Bool
}

// New assembles an account over an opened store.
func New(opts Options, s *store.SQLiteStore, deps Deps, logger zerolog.Logger) *Account {
	if opts.InboxFolder == "" {
		opts.InboxFolder = "INBOX"
	}

	a := &Account{
		log:         logger.With().Str("component", "account").Logger(),
		opts:        opts,
		store:       s,
		emitter:     deps.Emitter,
		msgs:        deps.Messages,
		receiver:    deps.Receiver,
		renderer:    deps.Renderer,
		sender:      deps.Sender,
		policy:      deps.Policy,
		reconfigure: deps.Reconfigure,
	}
	if a.emitter == nil {
		a.emitter = event.NewLogEmitter(logger)
	}

	a.inbox = worker.NewThread("inbox", imap.NewClient(deps.IMAP, s, logger), logger)
	a.mvbox = worker.NewThread("mvbox", imap.NewClient(deps.IMAP, s, logger), logger)
	a.sentbox = worker.NewThread("sentbox", imap.NewClient(deps.IMAP, s, logger), logger)
	a.send = worker.NewSendState(logger)

	a.queue = queue.NewQueue(s, logger)
	a.queue.OnWake(model.LaneIMAP, a.inbox.Interrupt)
	a.queue.OnWake(model.LaneSMTP, a.send.Interrupt)

	a.imapRunner = queue.NewRunner(s, model.LaneIMAP, logger)
	a.smtpRunner = queue.NewRunner(s, model.LaneSMTP, logger)

	// Exclusive jobs run on the inbox loop; every other worker pauses.
	a.imapRunner.AddSibling(a.mvbox)
	a.imapRunner.AddSibling(a.sentbox)
	a.imapRunner.AddSibling(a.send)

	a.network.Store(true)
	a.registerHandlers()
	return a
}

// Run starts the loops and blocks until ctx is cancelled, then tears
// down the connections.
func (a *Account) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.inboxLoop(ctx)
	}()

	if a.opts.WatchMvbox && a.opts.MvboxFolder != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.watchLoop(ctx, a.mvbox, a.opts.MvboxFolder)
		}()
	}
	if a.opts.WatchSentbox && a.opts.SentboxFolder != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.watchLoop(ctx, a.sentbox, a.opts.SentboxFolder)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.smtpLoop(ctx)
	}()

	<-ctx.Done()
	a.log.Info().Msg("shutting down")

	a.inbox.Interrupt()
	a.mvbox.Interrupt()
	a.sentbox.Interrupt()
	a.send.Interrupt()
	wg.Wait()

	a.inbox.Client().Disconnect()
	a.mvbox.Client().Disconnect()
	a.sentbox.Client().Disconnect()
}

// inboxLoop is the IMAP lane's home: run queued jobs, fetch, idle. The
// inbox watcher fetches only when inbox watching is on, but it idles
// either way so queued jobs keep a loop to run on.
func (a *Account) inboxLoop(ctx context.Context) {
	for ctx.Err() == nil {
		online := a.network.Load()
		if online && !a.ensureWatcherConnected(ctx, a.inbox) {
			continue
		}

		probing := a.imapProbe.Swap(false)
		a.imapRunner.RunPending(ctx, probing)

		a.inbox.TakeJobsNeeded()
		a.inbox.Fetch(ctx, a.opts.InboxFolder, a.pipeline(), online && a.opts.WatchInbox)
		a.inbox.Idle(ctx, a.opts.InboxFolder, online)
	}
}

// watchLoop drives a secondary folder watcher: fetch, idle, repeat.
func (a *Account) watchLoop(ctx context.Context, t *worker.Thread, folder string) {
	for ctx.Err() == nil {
		online := a.network.Load()
		if online && !a.ensureWatcherConnected(ctx, t) {
			continue
		}
		t.TakeJobsNeeded()
		t.Fetch(ctx, folder, a.pipeline(), online)
		t.Idle(ctx, folder, online)
	}
}

// smtpLoop drains the SMTP lane, then sleeps until the next job is due.
func (a *Account) smtpLoop(ctx context.Context) {
	for ctx.Err() == nil {
		a.smtpPass(ctx)

		var nextDue time.Time
		if ts, ok, err := a.store.MinDesiredTimestamp(ctx, model.LaneSMTP); err != nil {
			a.log.Error().Err(err).Msg("querying smtp wakeup time")
		} else if ok {
			nextDue = time.Unix(ts, 0)
		}
		a.send.Idle(ctx, nextDue)
	}
}

// smtpPass runs one drain of the SMTP lane. The probing flag is consumed
// only when the pass actually runs, so a wakeup arriving while the lane
// is suspended survives for the next pass.
func (a *Account) smtpPass(ctx context.Context) {
	if !a.send.BeginPass() {
		return
	}
	defer a.send.EndPass()

	probing := a.smtpProbe.Swap(false)
	a.smtpRunner.RunPending(ctx, probing)
}

// ensureWatcherConnected connects the thread's client, reporting the
// first failure of a streak and pacing retries. It returns false when
// the loop should restart its iteration.
func (a *Account) ensureWatcherConnected(ctx context.Context, t *worker.Thread) bool {
	cli := t.Client()
	wasConnected := cli.IsConnected()

	if err := cli.EnsureConnected(ctx); err != nil {
		a.emitter.Emit(event.Event{
			Kind:  event.KindNetworkError,
			Text:  err.Error(),
			First: cli.FirstFailure(),
		})
		cli.WaitRetry(ctx, connectRetryWait)
		return false
	}

	if !wasConnected {
		a.emitter.Emit(event.Event{Kind: event.KindConnected})
	}
	return true
}

// SetNetworkEnabled toggles network use for the watcher loops. While
// disabled they skip fetching, park instead of idling and leave their
// connections untouched; queued jobs still run and report their own
// connectivity failures.
func (a *Account) SetNetworkEnabled(enabled bool) {
	a.network.Store(enabled)
	a.inbox.Interrupt()
	a.mvbox.Interrupt()
	a.sentbox.Interrupt()
	a.send.Interrupt()
}

// MaybeNetwork tells the account the network may be back: every lane
// wakes up and runs a probing pass over its retry backlog.
func (a *Account) MaybeNetwork() {
	a.imapProbe.Store(true)
	a.smtpProbe.Store(true)
	a.inbox.Interrupt()
	a.mvbox.Interrupt()
	a.sentbox.Interrupt()
	a.send.Interrupt()
}

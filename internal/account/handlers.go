package account

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	goimap "github.com/emersion/go-imap/v2"

	"github.com/openmsg/mailsync/internal/event"
	"github.com/openmsg/mailsync/internal/imap"
	"github.com/openmsg/mailsync/internal/model"
	"github.com/openmsg/mailsync/internal/param"
)

// registerHandlers binds every action to its handler. Configure and
// import/export are exclusive: they supersede queued duplicates and run
// with all other workers suspended.
func (a *Account) registerHandlers() {
	a.imapRunner.Register(model.ActionHousekeeping, false, a.handleHousekeeping)
	a.imapRunner.Register(model.ActionDeleteMessage, false, a.handleDeleteMessage)
	a.imapRunner.Register(model.ActionMarkSeenReceipt, false, a.handleMarkSeenReceipt)
	a.imapRunner.Register(model.ActionMarkSeenMessage, false, a.handleMarkSeenMessage)
	a.imapRunner.Register(model.ActionMoveMessage, false, a.handleMoveMessage)
	a.imapRunner.Register(model.ActionSetMetadata, false, a.handleSetMetadata)
	a.imapRunner.Register(model.ActionGetMetadata, false, a.handleGetMetadata)
	a.imapRunner.Register(model.ActionConfigure, true, a.handleConfigure)
	a.imapRunner.Register(model.ActionImportExport, true, a.handleImportExport)

	a.smtpRunner.Register(model.ActionSendMessage, false, a.handleSendMessage)
	a.smtpRunner.Register(model.ActionSendReadReceipt, false, a.handleSendReadReceipt)
	a.smtpRunner.Register(model.ActionLocationBeacon, false, a.handleLocationBeacon)
	a.smtpRunner.Register(model.ActionLocationBeaconEnded, false, a.handleLocationBeaconEnded)

	a.smtpRunner.OnAbandon(a.onSendAbandoned)
}

// imapDisposition maps an IMAP operation error to a retry verdict: a
// missing connection costs the job nothing, everything else backs off.
func imapDisposition(job *model.Job, err error) model.Disposition {
	if err == nil {
		return model.Done
	}
	job.PendingError = err
	if errors.Is(err, ErrNoConnection) || errors.Is(err, imap.ErrNotConnected) {
		return model.NotYetReady
	}
	return model.RetryWithBackoff
}

// ErrNoConnection marks failures where no session could be used at all.
var ErrNoConnection = errors.New("account: imap connection unavailable")

// requireConnection short-circuits IMAP jobs while the lane is offline;
// the watcher loop reconnects and a probing pass re-runs them.
func (a *Account) requireConnection() error {
	if !a.inbox.Client().IsConnected() {
		return ErrNoConnection
	}
	return nil
}

func (a *Account) handleHousekeeping(ctx context.Context, job *model.Job) model.Disposition {
	if a.opts.SpoolDir == "" {
		return model.Done
	}

	referenced, err := a.store.SpoolFilesReferenced(ctx)
	if err != nil {
		job.PendingError = err
		return model.RetryWithBackoff
	}

	entries, err := os.ReadDir(a.opts.SpoolDir)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Done
		}
		job.PendingError = err
		return model.RetryWithBackoff
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(a.opts.SpoolDir, e.Name())
		if referenced[path] {
			continue
		}
		if err := os.Remove(path); err != nil {
			a.log.Warn().Err(err).Str("path", path).Msg("removing stale spool file")
			continue
		}
		removed++
	}
	if removed > 0 {
		a.log.Info().Int("removed", removed).Msg("housekeeping cleaned spool")
	}
	return model.Done
}

func (a *Account) handleDeleteMessage(ctx context.Context, job *model.Job) model.Disposition {
	msg, err := a.msgs.MessageByID(ctx, job.ForeignID)
	if err != nil {
		job.PendingError = err
		return model.RetryWithBackoff
	}
	if msg == nil || msg.Folder == "" {
		// Nothing on the server to delete.
		return model.Done
	}

	if err := a.requireConnection(); err != nil {
		return imapDisposition(job, err)
	}

	// Other local parts still share this Message-ID (e.g. a forwarded
	// copy); the server copy must survive until the last one goes.
	count, err := a.msgs.CountSharingMessageID(ctx, msg.MessageID)
	if err != nil {
		job.PendingError = err
		return model.RetryWithBackoff
	}
	if count > 1 {
		a.log.Debug().Int64("message_id", msg.ID).Int("sharing", count).
			Msg("skipping server delete, message-id still shared")
		return model.Done
	}

	err = a.inbox.Client().DeleteMessage(ctx, msg.Folder, goimap.UID(msg.UID), msg.MessageID)
	if err != nil {
		return imapDisposition(job, err)
	}

	a.emitter.Emit(event.Event{Kind: event.KindMessageDeleted, MessageID: msg.ID})
	return model.Done
}

func (a *Account) handleMarkSeenMessage(ctx context.Context, job *model.Job) model.Disposition {
	msg, err := a.msgs.MessageByID(ctx, job.ForeignID)
	if err != nil {
		job.PendingError = err
		return model.RetryWithBackoff
	}
	if msg == nil || msg.Folder == "" {
		return model.Done
	}

	if err := a.requireConnection(); err != nil {
		return imapDisposition(job, err)
	}

	cli := a.inbox.Client()
	if err := cli.SetSeen(ctx, msg.Folder, goimap.UID(msg.UID)); err != nil {
		return imapDisposition(job, err)
	}

	if job.Param.GetInt(param.KeyAlsoMove, 0) == 1 {
		a.MaybeMove(ctx, msg)
	}

	// A fresh $MDNSent flag is the cross-device guard: only the device
	// that sets it first dispatches the receipt.
	if msg.WantsMDN && !msg.Outgoing && a.opts.SendReadReceipts {
		fresh, err := cli.SetMDNSent(ctx, msg.Folder, goimap.UID(msg.UID))
		if err != nil {
			a.log.Warn().Err(err).Int64("message_id", msg.ID).Msg("setting $MDNSent")
		} else if fresh {
			receipt := model.NewJob(model.ActionSendReadReceipt, msg.ID, nil, 0)
			if err := a.queue.Add(ctx, receipt); err != nil {
				a.log.Error().Err(err).Int64("message_id", msg.ID).Msg("queueing read receipt")
			}
		}
	}
	return model.Done
}

func (a *Account) handleMarkSeenReceipt(ctx context.Context, job *model.Job) model.Disposition {
	folder := job.Param.GetDefault(param.KeyFolder, "")
	uid := job.Param.GetUint32(param.KeyServerUID)
	if folder == "" || uid == 0 {
		return model.Done
	}

	if err := a.requireConnection(); err != nil {
		return imapDisposition(job, err)
	}
	err := a.inbox.Client().SetSeen(ctx, folder, goimap.UID(uid))
	return imapDisposition(job, err)
}

func (a *Account) handleMoveMessage(ctx context.Context, job *model.Job) model.Disposition {
	msg, err := a.msgs.MessageByID(ctx, job.ForeignID)
	if err != nil {
		job.PendingError = err
		return model.RetryWithBackoff
	}
	if msg == nil || msg.Folder == "" {
		return model.Done
	}
	if msg.Folder == a.opts.MvboxFolder {
		if err := a.msgs.SetMoveState(ctx, msg.ID, model.MoveStateStay); err != nil {
			a.log.Warn().Err(err).Int64("message_id", msg.ID).Msg("recording move state")
		}
		return model.Done
	}

	if err := a.requireConnection(); err != nil {
		return imapDisposition(job, err)
	}

	err = a.inbox.Client().MoveMessage(ctx, msg.Folder, goimap.UID(msg.UID), a.opts.MvboxFolder)
	if err != nil {
		return imapDisposition(job, err)
	}

	// The UID in the destination folder is unknown until the watcher
	// sees the message there again.
	if err := a.msgs.SetServerRef(ctx, msg.ID, a.opts.MvboxFolder, 0); err != nil {
		a.log.Warn().Err(err).Int64("message_id", msg.ID).Msg("recording new server ref")
	}
	if err := a.msgs.SetMoveState(ctx, msg.ID, model.MoveStateStay); err != nil {
		a.log.Warn().Err(err).Int64("message_id", msg.ID).Msg("recording move state")
	}

	a.emitter.Emit(event.Event{Kind: event.KindMessageMoved, MessageID: msg.ID})
	return model.Done
}

// metadataFailed reports a metadata job failure to whoever queued it and
// consumes the job: metadata jobs run exactly once, the requester owns
// any retry.
func (a *Account) metadataFailed(correlation string, err error) model.Disposition {
	a.emitter.Emit(event.Event{
		Kind:        event.KindMetadataError,
		Correlation: correlation,
		Text:        err.Error(),
	})
	return model.Done
}

func (a *Account) handleSetMetadata(ctx context.Context, job *model.Job) model.Disposition {
	correlation := job.Param.GetDefault(param.KeyArg, "")
	if err := a.requireConnection(); err != nil {
		return a.metadataFailed(correlation, err)
	}

	mailbox := job.Param.GetDefault(param.KeyFolder, "")
	raw := job.Param.GetMap(param.KeyMetadata)
	entries := make(map[string]*[]byte, len(raw))
	for k, v := range raw {
		if v == "" {
			entries[k] = nil
			continue
		}
		b := []byte(v)
		entries[k] = &b
	}

	if err := a.inbox.Client().SetMetadata(ctx, mailbox, entries); err != nil {
		return a.metadataFailed(correlation, err)
	}

	a.emitter.Emit(event.Event{
		Kind:        event.KindMetadataSetDone,
		Correlation: correlation,
	})
	return model.Done
}

func (a *Account) handleGetMetadata(ctx context.Context, job *model.Job) model.Disposition {
	correlation := job.Param.GetDefault(param.KeyArg, "")
	if err := a.requireConnection(); err != nil {
		return a.metadataFailed(correlation, err)
	}

	mailbox := job.Param.GetDefault(param.KeyFolder, "")
	key := job.Param.GetDefault(param.KeyMetadata, "")
	if key == "" {
		return model.Done
	}

	values, err := a.inbox.Client().GetMetadata(ctx, mailbox, []string{key})
	if err != nil {
		return a.metadataFailed(correlation, err)
	}

	ev := event.Event{
		Kind:        event.KindMetadataValue,
		Correlation: correlation,
	}
	if raw := values[key]; raw != nil {
		s := string(*raw)
		ev.Value = &s
	}
	a.emitter.Emit(ev)
	return model.Done
}

func (a *Account) handleConfigure(ctx context.Context, job *model.Job) model.Disposition {
	if a.reconfigure == nil {
		return model.Done
	}

	cfg, err := a.reconfigure(ctx)
	if err != nil {
		job.PendingError = fmt.Errorf("reloading configuration: %w", err)
		return model.RetryWithBackoff
	}

	for _, cli := range a.clients() {
		cli.SetConfig(cfg)
	}

	if err := a.inbox.Client().EnsureConnected(ctx); err != nil {
		job.PendingError = err
		return model.RetryWithBackoff
	}
	if a.opts.MvboxMove && a.opts.MvboxFolder != "" {
		if err := a.inbox.Client().EnsureFolder(ctx, a.opts.MvboxFolder); err != nil {
			a.log.Warn().Err(err).Str("folder", a.opts.MvboxFolder).Msg("ensuring move folder")
		}
	}

	a.emitter.Emit(event.Event{Kind: event.KindConnected})
	return model.Done
}

func (a *Account) handleImportExport(ctx context.Context, job *model.Job) model.Disposition {
	destDir := job.Param.GetDefault(param.KeyArg, "")
	if destDir == "" {
		return model.Done
	}

	name := fmt.Sprintf("mailsync-backup-%s.db", time.Now().Format("2006-01-02-150405"))
	dest := filepath.Join(destDir, name)
	if err := a.store.Backup(ctx, dest); err != nil {
		job.PendingError = err
		return model.RetryWithBackoff
	}

	a.log.Info().Str("path", dest).Msg("database backup written")
	return model.Done
}

func (a *Account) handleSendMessage(ctx context.Context, job *model.Job) model.Disposition {
	file := job.Param.GetDefault(param.KeyFile, "")
	payload, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			// The message was deleted before it went out.
			a.log.Info().Int64("message_id", job.ForeignID).Msg("spool file gone, dropping send")
			return model.Done
		}
		job.PendingError = err
		return model.RetryWithBackoff
	}

	recipients := job.Param.GetList(param.KeyRecipients)
	if len(recipients) == 0 {
		return model.Done
	}

	if d := a.deliver(ctx, job, recipients, payload); d != model.Done {
		return d
	}

	if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
		a.log.Warn().Err(err).Str("path", file).Msg("removing sent spool file")
	}
	if err := a.msgs.MarkDelivered(ctx, job.ForeignID); err != nil {
		a.log.Warn().Err(err).Int64("message_id", job.ForeignID).Msg("marking delivered")
	}
	a.emitter.Emit(event.Event{Kind: event.KindMessageDelivered, MessageID: job.ForeignID})
	return model.Done
}

func (a *Account) handleSendReadReceipt(ctx context.Context, job *model.Job) model.Disposition {
	recipients, body, err := a.renderer.RenderReadReceipt(ctx, job.ForeignID)
	if err != nil {
		job.PendingError = err
		return model.RetryWithBackoff
	}
	if len(recipients) == 0 {
		return model.Done
	}
	return a.deliver(ctx, job, recipients, body)
}

func (a *Account) handleLocationBeacon(ctx context.Context, job *model.Job) model.Disposition {
	return a.sendLocation(ctx, job, false)
}

func (a *Account) handleLocationBeaconEnded(ctx context.Context, job *model.Job) model.Disposition {
	return a.sendLocation(ctx, job, true)
}

func (a *Account) sendLocation(ctx context.Context, job *model.Job, ended bool) model.Disposition {
	recipients, body, ok, err := a.renderer.RenderLocationBeacon(ctx, ended)
	if err != nil {
		job.PendingError = err
		return model.RetryWithBackoff
	}
	if !ok || len(recipients) == 0 {
		return model.Done
	}
	return a.deliver(ctx, job, recipients, body)
}

// deliver submits one payload: a connection failure backs off, a
// submission failure earns one immediate redo before backing off.
func (a *Account) deliver(ctx context.Context, job *model.Job, recipients []string, body []byte) model.Disposition {
	if err := a.sender.Connect(ctx); err != nil {
		job.PendingError = fmt.Errorf("connecting to relay: %w", err)
		return model.RetryWithBackoff
	}
	if err := a.sender.Send(ctx, recipients, body); err != nil {
		job.PendingError = fmt.Errorf("submitting message: %w", err)
		return model.RetryNowThenBackoff
	}
	return model.Done
}

// onSendAbandoned runs when a send job hits the retry ceiling: the
// message is marked failed with the last error.
func (a *Account) onSendAbandoned(job *model.Job) {
	if job.Action != model.ActionSendMessage || job.ForeignID == 0 {
		return
	}
	errText := job.Param.GetDefault(param.KeyError, "")
	if job.PendingError != nil {
		errText = job.PendingError.Error()
	}
	if err := a.msgs.MarkFailed(context.Background(), job.ForeignID, errText); err != nil {
		a.log.Error().Err(err).Int64("message_id", job.ForeignID).Msg("marking message failed")
	}
	a.emitter.Emit(event.Event{
		Kind:      event.KindMessageFailed,
		MessageID: job.ForeignID,
		Text:      errText,
	})
}

// clients returns the three connection state machines.
func (a *Account) clients() []*imap.Client {
	return []*imap.Client{
		a.inbox.Client(),
		a.mvbox.Client(),
		a.sentbox.Client(),
	}
}

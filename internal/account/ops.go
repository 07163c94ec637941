package account

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/openmsg/mailsync/internal/model"
	"github.com/openmsg/mailsync/internal/param"
)

// EnqueueMessage spools a rendered outbound message and queues its send
// job. The payload survives restarts on disk until delivery succeeds.
func (a *Account) EnqueueMessage(ctx context.Context, messageID int64, recipients []string, payload []byte) error {
	if len(recipients) == 0 {
		return fmt.Errorf("enqueueing message %d: no recipients", messageID)
	}

	if err := os.MkdirAll(a.opts.SpoolDir, 0o700); err != nil {
		return fmt.Errorf("creating spool dir: %w", err)
	}
	path := filepath.Join(a.opts.SpoolDir, uuid.New().String()+".eml")
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return fmt.Errorf("spooling message %d: %w", messageID, err)
	}

	p := param.New().
		Set(param.KeyFile, path).
		SetList(param.KeyRecipients, recipients)
	if err := a.queue.Add(ctx, model.NewJob(model.ActionSendMessage, messageID, p, 0)); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// MarkSeen queues server-side read flags for the given messages. When
// alsoMove is set the move heuristic runs right after the flag, saving
// one queue round trip for freshly read chat messages.
func (a *Account) MarkSeen(ctx context.Context, messageIDs []int64, alsoMove bool) error {
	for _, id := range messageIDs {
		p := param.New()
		if alsoMove {
			p.SetInt(param.KeyAlsoMove, 1)
		}
		if err := a.queue.Add(ctx, model.NewJob(model.ActionMarkSeenMessage, id, p, 0)); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMessages queues server-side deletion for the given messages.
func (a *Account) DeleteMessages(ctx context.Context, messageIDs []int64) error {
	for _, id := range messageIDs {
		if err := a.queue.Add(ctx, model.NewJob(model.ActionDeleteMessage, id, nil, 0)); err != nil {
			return err
		}
	}
	return nil
}

// SetServerMetadata queues a metadata write. correlation is echoed in
// the completion event. An empty value removes the entry.
func (a *Account) SetServerMetadata(ctx context.Context, mailbox string, entries map[string]string, correlation string) error {
	p := param.New().
		SetMap(param.KeyMetadata, entries).
		Set(param.KeyArg, correlation)
	if mailbox != "" {
		p.Set(param.KeyFolder, mailbox)
	}
	return a.queue.Add(ctx, model.NewJob(model.ActionSetMetadata, 0, p, 0))
}

// GetServerMetadata queues a metadata read; the value arrives as a
// metadata-value event carrying correlation.
func (a *Account) GetServerMetadata(ctx context.Context, mailbox, key, correlation string) error {
	p := param.New().
		Set(param.KeyMetadata, key).
		Set(param.KeyArg, correlation)
	if mailbox != "" {
		p.Set(param.KeyFolder, mailbox)
	}
	return a.queue.Add(ctx, model.NewJob(model.ActionGetMetadata, 0, p, 0))
}

// RequestBackup queues a database backup into destDir. Exclusive: all
// workers pause while it runs.
func (a *Account) RequestBackup(ctx context.Context, destDir string) error {
	p := param.New().Set(param.KeyArg, destDir)
	return a.queue.Add(ctx, model.NewJob(model.ActionImportExport, 0, p, 0))
}

// RequestConfigure queues a configuration reload. Exclusive; queued
// duplicates are superseded.
func (a *Account) RequestConfigure(ctx context.Context) error {
	return a.queue.Add(ctx, model.NewJob(model.ActionConfigure, 0, nil, 0))
}

// RequestHousekeeping queues a spool cleanup after delay.
func (a *Account) RequestHousekeeping(ctx context.Context, delay time.Duration) error {
	return a.queue.Add(ctx, model.NewJob(model.ActionHousekeeping, 0, nil, delay))
}

// SendLocationBeacon queues a location update; ended marks the final
// beacon of a sharing session.
func (a *Account) SendLocationBeacon(ctx context.Context, ended bool) error {
	action := model.ActionLocationBeacon
	if ended {
		action = model.ActionLocationBeaconEnded
	}
	return a.queue.Add(ctx, model.NewJob(action, 0, nil, 0))
}

package account

import (
	"context"
	"fmt"

	goimap "github.com/emersion/go-imap/v2"

	"github.com/openmsg/mailsync/internal/imap"
	"github.com/openmsg/mailsync/internal/model"
)

// fetchPipeline routes newly discovered messages: prechecked against the
// local message table, filtered by the show policy, and finally handed
// to the receiver.
type fetchPipeline struct {
	a *Account
}

// pipeline returns the account's message intake.
func (a *Account) pipeline() imap.Pipeline {
	return fetchPipeline{a: a}
}

// Precheck recognizes messages that are already known locally before
// their bodies are downloaded. The main case is the bcc-to-self copy of
// an outgoing message: when it shows up, its server coordinates are
// recorded, the move heuristic runs, and a mark-seen job keeps the
// folder tidy.
func (p fetchPipeline) Precheck(ctx context.Context, folder string, pf imap.Prefetch) (handled, wanted bool, err error) {
	a := p.a

	if pf.MessageID == "" {
		return false, a.policy.ShouldDownload(pf), nil
	}

	known, err := a.msgs.MessageByMessageID(ctx, pf.MessageID)
	if err != nil {
		return false, false, fmt.Errorf("looking up %q: %w", pf.MessageID, err)
	}
	if known == nil {
		return false, a.policy.ShouldDownload(pf), nil
	}

	if known.Folder == "" {
		// First server sighting of a message we created ourselves.
		if err := a.msgs.SetServerRef(ctx, known.ID, folder, uint32(pf.UID)); err != nil {
			return false, false, err
		}
		known.Folder = folder
		known.UID = uint32(pf.UID)

		a.MaybeMove(ctx, known)

		if known.Outgoing {
			job := model.NewJob(model.ActionMarkSeenMessage, known.ID, nil, 0)
			if err := a.queue.Add(ctx, job); err != nil {
				a.log.Error().Err(err).Int64("message_id", known.ID).Msg("queueing mark-seen")
			}
		}
	}
	// Known in another folder: a duplicate copy, nothing to download.
	return true, false, nil
}

// Receive stores a downloaded message and runs the move heuristic on
// the result.
func (p fetchPipeline) Receive(ctx context.Context, folder string, uid goimap.UID, body []byte) error {
	a := p.a

	msg, err := a.receiver.Receive(ctx, folder, uint32(uid), body)
	if err != nil {
		return fmt.Errorf("receiving %s uid %d: %w", folder, uint32(uid), err)
	}
	if msg == nil {
		return nil
	}

	a.MaybeMove(ctx, msg)
	return nil
}

// defaultShowPolicy downloads everything. Installed when the embedding
// application does not restrict intake.
type defaultShowPolicy struct{}

// ShouldDownload implements ShowPolicy.
func (defaultShowPolicy) ShouldDownload(imap.Prefetch) bool { return true }

// chatOnlyPolicy downloads only messages produced by chat clients,
// identified by the Chat-Version header, plus key transfer messages.
type chatOnlyPolicy struct{}

// ShouldDownload implements ShowPolicy.
func (chatOnlyPolicy) ShouldDownload(pf imap.Prefetch) bool {
	if pf.Header.Get("Chat-Version") != "" {
		return true
	}
	return pf.Header.Get("Autocrypt-Setup-Message") != ""
}

// NewShowPolicy returns the intake policy for the configured mode.
func NewShowPolicy(chatOnly bool) ShowPolicy {
	if chatOnly {
		return chatOnlyPolicy{}
	}
	return defaultShowPolicy{}
}

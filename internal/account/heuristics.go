package account

import (
	"context"

	"github.com/openmsg/mailsync/internal/model"
)

// MaybeMove applies the folder-move heuristic to a message: chat
// messages sitting in the inbox or sent folder are relocated into the
// dedicated chat folder, everything else stays put. The verdict is
// persisted so the heuristic never flip-flops on the same message, and
// a move job is queued at most once.
func (a *Account) MaybeMove(ctx context.Context, msg *model.Message) {
	if msg == nil {
		return
	}
	if msg.MoveState == model.MoveStateMoving || msg.MoveState == model.MoveStateStay {
		return
	}

	stay := func(reason string) {
		a.log.Debug().Int64("message_id", msg.ID).Str("reason", reason).Msg("message stays")
		msg.MoveState = model.MoveStateStay
		if err := a.msgs.SetMoveState(ctx, msg.ID, model.MoveStateStay); err != nil {
			a.log.Warn().Err(err).Int64("message_id", msg.ID).Msg("recording move state")
		}
	}

	switch {
	case !a.opts.MvboxMove || a.opts.MvboxFolder == "":
		stay("moving disabled")
	case a.inbox.Client().ServerMoves():
		// The server relocates chat messages itself on this connection;
		// local and server-side moving never run together.
		stay("server-side move active")
	case msg.Folder == a.opts.MvboxFolder:
		stay("already in chat folder")
	case msg.Folder != a.opts.InboxFolder && msg.Folder != a.opts.SentboxFolder:
		// Only the inbox and the sent folder are swept; a message the
		// user filed elsewhere respects their filing.
		stay("not in a swept folder")
	case msg.IsSetup:
		// Key transfer messages must stay discoverable by plain MUAs.
		stay("setup message")
	case !msg.IsChat:
		stay("not a chat message")
	default:
		exists, err := a.store.JobExistsForMessage(ctx, model.ActionMoveMessage, msg.ID)
		if err != nil {
			a.log.Error().Err(err).Int64("message_id", msg.ID).Msg("checking queued move")
			return
		}
		if !exists {
			if err := a.queue.Add(ctx, model.NewJob(model.ActionMoveMessage, msg.ID, nil, 0)); err != nil {
				a.log.Error().Err(err).Int64("message_id", msg.ID).Msg("queueing move")
				return
			}
		}
		msg.MoveState = model.MoveStateMoving
		if err := a.msgs.SetMoveState(ctx, msg.ID, model.MoveStateMoving); err != nil {
			a.log.Warn().Err(err).Int64("message_id", msg.ID).Msg("recording move state")
		}
	}
}

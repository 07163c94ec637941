package intake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openmsg/mailsync/internal/store"
)

// Renderer builds the outbound payloads the send jobs dispatch on their
// own: read receipts and location beacons.
type Renderer struct {
	log   zerolog.Logger
	store *store.SQLiteStore

	selfAddr string
	selfName string
}

// NewRenderer returns a renderer sending as selfAddr.
func NewRenderer(s *store.SQLiteStore, selfAddr, selfName string, logger zerolog.Logger) *Renderer {
	return &Renderer{
		log:      logger.With().Str("component", "intake").Logger(),
		store:    s,
		selfAddr: selfAddr,
		selfName: selfName,
	}
}

// RenderReadReceipt builds the MDN for a message. Empty recipients mean
// no receipt is owed: the message or its sender is gone.
func (r *Renderer) RenderReadReceipt(ctx context.Context, messageID int64) ([]string, []byte, error) {
	msg, err := r.store.MessageByID(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	if msg == nil {
		return nil, nil, nil
	}
	sender, err := r.store.MessageSender(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	if sender == "" {
		return nil, nil, nil
	}

	body, err := r.compose(
		[]*mail.Address{{Address: sender}},
		"Message opened",
		msg.MessageID,
		"The message was displayed on the recipient's device.",
	)
	if err != nil {
		return nil, nil, err
	}
	return []string{sender}, body, nil
}

// RenderLocationBeacon builds a location update. The daemon has no
// location source, so no beacon is ever active; embedding applications
// install their own renderer.
func (r *Renderer) RenderLocationBeacon(context.Context, bool) ([]string, []byte, bool, error) {
	return nil, nil, false, nil
}

// compose writes a minimal single-part chat message.
func (r *Renderer) compose(to []*mail.Address, subject, inReplyTo, text string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Name: r.selfName, Address: r.selfAddr}})
	h.SetAddressList("To", to)
	h.SetSubject(subject)
	h.Set("Message-Id", fmt.Sprintf("<%s@mailsync>", uuid.New().String()))
	h.Set("Chat-Version", "1.0")
	if inReplyTo != "" {
		h.Set("In-Reply-To", "<"+inReplyTo+">")
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("composing message: %w", err)
	}
	if _, err := io.WriteString(w, text); err != nil {
		w.Close()
		return nil, fmt.Errorf("writing message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finishing message: %w", err)
	}
	return buf.Bytes(), nil
}

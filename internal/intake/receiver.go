// Package intake turns downloaded raw messages into local message
// records and renders the outbound payloads the sync jobs need.
package intake

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"

	"github.com/openmsg/mailsync/internal/model"
	"github.com/openmsg/mailsync/internal/store"
)

// Receiver parses incoming messages and stores their sync-relevant
// attributes.
type Receiver struct {
	log   zerolog.Logger
	store *store.SQLiteStore

	// selfAddr identifies bcc-to-self copies of outgoing messages.
	selfAddr string
}

// NewReceiver returns a receiver writing into s.
func NewReceiver(s *store.SQLiteStore, selfAddr string, logger zerolog.Logger) *Receiver {
	return &Receiver{
		log:      logger.With().Str("component", "intake").Logger(),
		store:    s,
		selfAddr: strings.ToLower(selfAddr),
	}
}

// Receive parses one raw RFC 5322 message and records it.
func (r *Receiver) Receive(ctx context.Context, folder string, uid uint32, body []byte) (*model.Message, error) {
	entity, err := message.Read(bytes.NewReader(body))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parsing message in %s uid %d: %w", folder, uid, err)
	}

	hdr := mail.Header{Header: entity.Header}

	messageID := trimAngles(hdr.Get("Message-Id"))
	if messageID == "" {
		// Some MUAs omit the Message-ID; synthesize a stable stand-in so
		// dedup and deletion still work.
		messageID = fmt.Sprintf("gen.%s.%d@localhost", folder, uid)
	}

	from := ""
	if addrs, err := hdr.AddressList("From"); err == nil && len(addrs) > 0 {
		from = strings.ToLower(addrs[0].Address)
	}

	msg := &model.Message{
		MessageID: messageID,
		Folder:    folder,
		UID:       uid,
		IsChat:    hdr.Get("Chat-Version") != "",
		IsSetup:   hdr.Get("Autocrypt-Setup-Message") != "",
		WantsMDN:  hdr.Get("Disposition-Notification-To") != "",
		Outgoing:  r.selfAddr != "" && from == r.selfAddr,
	}

	if err := r.store.InsertMessage(ctx, msg, from); err != nil {
		return nil, err
	}

	r.log.Debug().
		Str("folder", folder).
		Uint32("uid", uid).
		Int64("message_id", msg.ID).
		Bool("chat", msg.IsChat).
		Msg("message received")
	return msg, nil
}

// trimAngles strips the angle brackets from a Message-ID value.
func trimAngles(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '<' && s[len(s)-1] == '>' {
		return s[1 : len(s)-1]
	}
	return s
}

package intake_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmsg/mailsync/internal/intake"
	"github.com/openmsg/mailsync/tests/testutil"
)

const chatMessage = "From: Alice <alice@example.org>\r\n" +
	"To: bob@example.org\r\n" +
	"Message-Id: <msg-1@example.org>\r\n" +
	"Chat-Version: 1.0\r\n" +
	"Disposition-Notification-To: alice@example.org\r\n" +
	"Subject: hi\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"hello\r\n"

func TestReceiveChatMessage(t *testing.T) {
	s := testutil.NewTestStore(t)
	r := intake.NewReceiver(s, "bob@example.org", zerolog.Nop())

	msg, err := r.Receive(context.Background(), "INBOX", 42, []byte(chatMessage))
	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.NotZero(t, msg.ID)
	assert.Equal(t, "msg-1@example.org", msg.MessageID)
	assert.Equal(t, "INBOX", msg.Folder)
	assert.Equal(t, uint32(42), msg.UID)
	assert.True(t, msg.IsChat)
	assert.True(t, msg.WantsMDN)
	assert.False(t, msg.IsSetup)
	assert.False(t, msg.Outgoing)

	stored, err := s.MessageByMessageID(context.Background(), "msg-1@example.org")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, msg.ID, stored.ID)
}

func TestReceiveDetectsOutgoing(t *testing.T) {
	s := testutil.NewTestStore(t)
	r := intake.NewReceiver(s, "Alice@Example.org", zerolog.Nop())

	msg, err := r.Receive(context.Background(), "INBOX", 1, []byte(chatMessage))
	require.NoError(t, err)
	require.NotNil(t, msg)

	// Address comparison is case-insensitive.
	assert.True(t, msg.Outgoing)
}

func TestReceiveSynthesizesMissingMessageID(t *testing.T) {
	s := testutil.NewTestStore(t)
	r := intake.NewReceiver(s, "bob@example.org", zerolog.Nop())

	raw := "From: alice@example.org\r\n" +
		"Subject: no id\r\n" +
		"\r\n" +
		"body\r\n"
	msg, err := r.Receive(context.Background(), "Chats", 7, []byte(raw))
	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Equal(t, "gen.Chats.7@localhost", msg.MessageID)
}

func TestRenderReadReceipt(t *testing.T) {
	s := testutil.NewTestStore(t)
	recv := intake.NewReceiver(s, "bob@example.org", zerolog.Nop())
	rend := intake.NewRenderer(s, "bob@example.org", "Bob", zerolog.Nop())

	msg, err := recv.Receive(context.Background(), "INBOX", 3, []byte(chatMessage))
	require.NoError(t, err)

	rcpt, body, err := rend.RenderReadReceipt(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"alice@example.org"}, rcpt)

	assert.Contains(t, string(body), "bob@example.org")
	assert.Contains(t, string(body), "In-Reply-To: <msg-1@example.org>")
	assert.Contains(t, string(body), "Chat-Version: 1.0")
}

func TestRenderReadReceiptForUnknownMessage(t *testing.T) {
	s := testutil.NewTestStore(t)
	rend := intake.NewRenderer(s, "bob@example.org", "", zerolog.Nop())

	rcpt, body, err := rend.RenderReadReceipt(context.Background(), 999)
	require.NoError(t, err)
	assert.Nil(t, rcpt)
	assert.Nil(t, body)
}

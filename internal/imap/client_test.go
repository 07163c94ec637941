package imap

import (
	"context"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextCursorSameValidity(t *testing.T) {
	sel := &imap.SelectData{UIDValidity: 10, UIDNext: 100, NumMessages: 50}
	validity, lastSeen := nextCursor(10, 42, sel)
	assert.Equal(t, uint32(10), validity)
	assert.Equal(t, uint32(42), lastSeen)
}

func TestNextCursorValidityChangedEmptyMailbox(t *testing.T) {
	sel := &imap.SelectData{UIDValidity: 11, UIDNext: 1, NumMessages: 0}
	validity, lastSeen := nextCursor(10, 42, sel)
	assert.Equal(t, uint32(11), validity)
	assert.Equal(t, uint32(0), lastSeen)
}

func TestNextCursorValidityChangedNonEmptyMailbox(t *testing.T) {
	// Existing messages are skipped: only mail arriving after this point
	// is fetched.
	sel := &imap.SelectData{UIDValidity: 11, UIDNext: 100, NumMessages: 50}
	validity, lastSeen := nextCursor(10, 42, sel)
	assert.Equal(t, uint32(11), validity)
	assert.Equal(t, uint32(99), lastSeen)
}

func TestPollInterval(t *testing.T) {
	assert.Equal(t, fakeIdleFastInterval, pollInterval(0))
	assert.Equal(t, fakeIdleFastInterval, pollInterval(fakeIdleFastWindow-time.Second))
	assert.Equal(t, fakeIdleSlowInterval, pollInterval(fakeIdleFastWindow))
	assert.Equal(t, fakeIdleSlowInterval, pollInterval(time.Hour))
}

func TestNormalizeMessageID(t *testing.T) {
	assert.Equal(t, "abc@example.org", normalizeMessageID("<abc@example.org>"))
	assert.Equal(t, "abc@example.org", normalizeMessageID("abc@example.org"))
	assert.Equal(t, "", normalizeMessageID(""))
}

func TestInterruptBeforeIdleIsNotLost(t *testing.T) {
	c := NewClient(Config{Host: "imap.example.org", Port: 993}, nil, zerolog.Nop())

	// The wakeup arrives while no idle is in progress.
	c.InterruptIdle()

	done := make(chan error, 1)
	go func() {
		done <- c.Idle(context.Background(), "INBOX", time.Now())
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("idle did not consume the pending interrupt")
	}
}

func TestInterruptsCoalesce(t *testing.T) {
	c := NewClient(Config{}, nil, zerolog.Nop())

	// Multiple interrupts while idle is not running must not block.
	for i := 0; i < 10; i++ {
		c.InterruptIdle()
	}

	err := c.Idle(context.Background(), "INBOX", time.Now())
	require.NoError(t, err)
}

func TestScheduleReconnectMarksDisconnected(t *testing.T) {
	c := NewClient(Config{}, nil, zerolog.Nop())
	assert.False(t, c.IsConnected())
	c.ScheduleReconnect()
	assert.False(t, c.IsConnected())
}

func TestFirstFailureReportsOnce(t *testing.T) {
	c := NewClient(Config{}, nil, zerolog.Nop())
	assert.True(t, c.FirstFailure())
	assert.False(t, c.FirstFailure())
	assert.False(t, c.FirstFailure())
}

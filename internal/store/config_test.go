package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmsg/mailsync/tests/testutil"
)

func TestConfigRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	v, err := s.GetConfig(ctx, "missing", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)

	require.NoError(t, s.SetConfig(ctx, "k", "v1"))
	require.NoError(t, s.SetConfig(ctx, "k", "v2"))

	v, err = s.GetConfig(ctx, "k", "")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestConfigBool(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	b, err := s.GetConfigBool(ctx, "flag", true)
	require.NoError(t, err)
	assert.True(t, b)

	require.NoError(t, s.SetConfig(ctx, "flag", "0"))
	b, err = s.GetConfigBool(ctx, "flag", true)
	require.NoError(t, err)
	assert.False(t, b)
}

func TestCursorRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	validity, lastSeen, err := s.GetCursor(ctx, "INBOX")
	require.NoError(t, err)
	assert.Zero(t, validity)
	assert.Zero(t, lastSeen)

	require.NoError(t, s.SetCursor(ctx, "INBOX", 123456, 789))
	validity, lastSeen, err = s.GetCursor(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(123456), validity)
	assert.Equal(t, uint32(789), lastSeen)

	// Cursors are per folder.
	validity, lastSeen, err = s.GetCursor(ctx, "Archive")
	require.NoError(t, err)
	assert.Zero(t, validity)
	assert.Zero(t, lastSeen)
}

func TestCursorToleratesMalformedValue(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetConfig(ctx, "imap.mailbox.INBOX", "garbage"))
	validity, lastSeen, err := s.GetCursor(ctx, "INBOX")
	require.NoError(t, err)
	assert.Zero(t, validity)
	assert.Zero(t, lastSeen)
}

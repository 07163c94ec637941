package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaneOf(t *testing.T) {
	imapActions := []Action{
		ActionHousekeeping, ActionDeleteMessage,
		ActionMarkSeenReceipt, ActionMarkSeenMessage,
		ActionMoveMessage, ActionSetMetadata, ActionGetMetadata,
		ActionConfigure, ActionImportExport,
	}
	for _, a := range imapActions {
		lane, ok := LaneOf(a)
		require.True(t, ok, "action %s", a)
		assert.Equal(t, LaneIMAP, lane, "action %s", a)
	}

	smtpActions := []Action{
		ActionLocationBeacon, ActionLocationBeaconEnded,
		ActionSendReadReceipt, ActionSendMessage,
	}
	for _, a := range smtpActions {
		lane, ok := LaneOf(a)
		require.True(t, ok, "action %s", a)
		assert.Equal(t, LaneSMTP, lane, "action %s", a)
	}
}

func TestLaneOfRejectsUnknownActions(t *testing.T) {
	for _, a := range []Action{0, 1, 99, 1000, 4999, 6000} {
		_, ok := LaneOf(a)
		assert.False(t, ok, "action %d", int(a))
	}
}

func TestNewJobZeroDelay(t *testing.T) {
	j := NewJob(ActionMarkSeenMessage, 42, nil, 0)
	assert.Equal(t, ActionMarkSeenMessage, j.Action)
	assert.Equal(t, int64(42), j.ForeignID)
	assert.NotNil(t, j.Param)
	assert.Equal(t, j.AddedTimestamp, j.DesiredTimestamp)
	assert.Zero(t, j.Tries)
}

func TestNewJobWithDelay(t *testing.T) {
	j := NewJob(ActionHousekeeping, 0, nil, 90*time.Second)
	assert.Equal(t, j.AddedTimestamp+90, j.DesiredTimestamp)
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "SendMessage", ActionSendMessage.String())
	assert.Equal(t, "Action(17)", Action(17).String())
}

package imap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchMetadataEntries(t *testing.T) {
	token := []byte("tok")

	out, err := matchMetadataEntries("INBOX", []string{"/private/devicetoken"}, map[string]*[]byte{
		"/private/devicetoken": &token,
	})
	require.NoError(t, err)
	require.Contains(t, out, "/private/devicetoken")
	assert.Equal(t, "tok", string(*out["/private/devicetoken"]))
}

func TestMatchMetadataEntriesAbsentMeansNoValue(t *testing.T) {
	out, err := matchMetadataEntries("INBOX", []string{"/private/devicetoken"}, nil)
	require.NoError(t, err)
	require.Contains(t, out, "/private/devicetoken")
	assert.Nil(t, out["/private/devicetoken"])
}

func TestMatchMetadataEntriesRejectsUnrequestedPath(t *testing.T) {
	other := []byte("x")

	// A server answering for a different path is a protocol-level
	// failure, not a stored nil.
	_, err := matchMetadataEntries("INBOX", []string{"/private/devicetoken"}, map[string]*[]byte{
		"/shared/comment": &other,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/shared/comment")
}

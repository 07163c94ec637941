package param

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndString(t *testing.T) {
	p := Parse("a=1\nf=2\n\nc=3")
	v, ok := p.Get(Key('a'))
	require.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, "2", p.GetDefault(KeyFile, ""))
	assert.Equal(t, 3, p.GetInt(Key('c'), 0))

	// Output is sorted by key regardless of input order.
	assert.Equal(t, "a=1\nc=3\nf=2", p.String())
}

func TestParseSkipsMalformedLines(t *testing.T) {
	p := Parse("f=ok\nnoequals\n=empty\nx")
	assert.Equal(t, "ok", p.GetDefault(KeyFile, ""))
	assert.Equal(t, "f=ok", p.String())
}

func TestRoundTrip(t *testing.T) {
	p := New().
		Set(KeyFolder, "INBOX").
		SetInt(Key('c'), 42).
		SetUint32(KeyServerUID, 7)

	q := Parse(p.String())
	assert.Equal(t, "INBOX", q.GetDefault(KeyFolder, ""))
	assert.Equal(t, 42, q.GetInt(Key('c'), 0))
	assert.Equal(t, uint32(7), q.GetUint32(KeyServerUID))
}

func TestGetIntDefaults(t *testing.T) {
	p := Parse("a=notanumber")
	assert.Equal(t, 5, p.GetInt(Key('a'), 5))
	assert.Equal(t, 5, p.GetInt(Key('b'), 5))
	assert.Equal(t, uint32(0), p.GetUint32(Key('a')))
}

func TestEscapeUnescape(t *testing.T) {
	cases := []string{
		"",
		"plain",
		"with space",
		"a=b",
		"line1\nline2\r",
		"back\\slash",
		"all \\ of\n= it\r together",
	}
	for _, c := range cases {
		assert.Equal(t, c, Unescape(Escape(c)), "case %q", c)
	}
	assert.Equal(t, "a\\sb", Escape("a b"))
	assert.Equal(t, "a\\eb", Escape("a=b"))
}

func TestUnescapeKeepsUnknownSequences(t *testing.T) {
	assert.Equal(t, "\\x", Unescape("\\x"))
	assert.Equal(t, "tail\\", Unescape("tail\\"))
}

func TestListRoundTrip(t *testing.T) {
	want := []string{"alice@example.org", "bob smith@example.org", "c=d"}
	p := New().SetList(KeyRecipients, want)

	q := Parse(p.String())
	assert.Equal(t, want, q.GetList(KeyRecipients))
	assert.Nil(t, q.GetList(KeyFile))
}

func TestMapRoundTrip(t *testing.T) {
	want := map[string]string{
		"/private/devicetoken": "tok en",
		"/private/other":       "a=b\\c",
	}
	p := New().SetMap(KeyMetadata, want)

	q := Parse(p.String())
	assert.Equal(t, want, q.GetMap(KeyMetadata))
}

func TestExistsAndDelete(t *testing.T) {
	p := New().Set(KeyCmd, "x")
	assert.True(t, p.Exists(KeyCmd))
	p.Delete(KeyCmd)
	assert.False(t, p.Exists(KeyCmd))
	assert.Equal(t, "", p.String())
}

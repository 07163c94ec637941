// Package param implements the compact key-value parameter encoding used
// by persisted job records. Keys are single-character tags from a closed
// set; values are opaque strings. The wire form is one "key=value" pair
// per line, sorted by key, with CR, LF, space, '=' and '\' escaped inside
// list and map values.
package param

import (
	"sort"
	"strconv"
	"strings"
)

// Key is a single-character parameter tag.
type Key byte

// The closed set of parameter keys. The letters are part of the persisted
// format and must not be changed.
const (
	KeyFile       Key = 'f' // path to a spooled payload file
	KeyRecipients Key = 'R' // \x1e-joined recipient addresses
	KeyFolder     Key = 'Z' // server folder name
	KeyServerUID  Key = 'u' // server-assigned message UID
	KeyAlsoMove   Key = 'M' // "1" if a mark-seen job should also relocate
	KeyMetadata   Key = 'q' // metadata path (get) or path→value map (set)
	KeyCmd        Key = 'S' // action-specific sub-command
	KeyArg        Key = 'E' // action-specific argument
	KeyError      Key = 'L' // last error text
)

// listSep joins list elements inside a single value.
const listSep = "\x1e"

// Params is an ordered mapping of Key to string value.
type Params struct {
	m map[Key]string
}

// New returns an empty parameter set.
func New() *Params {
	return &Params{m: make(map[Key]string)}
}

// Parse decodes the persisted "k=v" line format. Unknown or malformed
// lines are skipped; the format is forgiving because job rows may have
// been written by older versions.
func Parse(s string) *Params {
	p := New()
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		p.m[Key(line[0])] = line[2:]
	}
	return p
}

// String encodes the parameters in the persisted line format, sorted by
// key so that the output is deterministic.
func (p *Params) String() string {
	keys := make([]int, 0, len(p.m))
	for k := range p.m {
		keys = append(keys, int(k))
	}
	sort.Ints(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteByte(byte(k))
		b.WriteByte('=')
		b.WriteString(p.m[Key(k)])
	}
	return b.String()
}

// Get returns the raw value for key, and whether it was present.
func (p *Params) Get(key Key) (string, bool) {
	v, ok := p.m[key]
	return v, ok
}

// GetDefault returns the raw value for key or def if absent.
func (p *Params) GetDefault(key Key, def string) string {
	if v, ok := p.m[key]; ok {
		return v
	}
	return def
}

// GetInt returns the value for key parsed as an integer, or def if the
// key is absent or not numeric.
func (p *Params) GetInt(key Key, def int) int {
	v, ok := p.m[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetUint32 returns the value for key parsed as a uint32, or 0.
func (p *Params) GetUint32(key Key) uint32 {
	v, ok := p.m[key]
	if !ok {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

// GetList returns the value for key interpreted as a list of escaped
// strings joined by the list separator.
func (p *Params) GetList(key Key) []string {
	v, ok := p.m[key]
	if !ok || v == "" {
		return nil
	}
	parts := strings.Split(v, listSep)
	out := make([]string, len(parts))
	for i, s := range parts {
		out[i] = Unescape(s)
	}
	return out
}

// GetMap returns the value for key interpreted as a space-joined list of
// escaped "key=value" pairs.
func (p *Params) GetMap(key Key) map[string]string {
	v, ok := p.m[key]
	if !ok || v == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, " ") {
		k, val, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		out[Unescape(k)] = Unescape(val)
	}
	return out
}

// Set stores a raw string value.
func (p *Params) Set(key Key, value string) *Params {
	p.m[key] = value
	return p
}

// SetInt stores an integer value.
func (p *Params) SetInt(key Key, value int) *Params {
	p.m[key] = strconv.Itoa(value)
	return p
}

// SetUint32 stores a uint32 value.
func (p *Params) SetUint32(key Key, value uint32) *Params {
	p.m[key] = strconv.FormatUint(uint64(value), 10)
	return p
}

// SetList stores a list of strings, each escaped, joined by the list
// separator.
func (p *Params) SetList(key Key, values []string) *Params {
	parts := make([]string, len(values))
	for i, s := range values {
		parts[i] = Escape(s)
	}
	p.m[key] = strings.Join(parts, listSep)
	return p
}

// SetMap stores a map as space-joined escaped "key=value" pairs, sorted
// by key for deterministic output.
func (p *Params) SetMap(key Key, values map[string]string) *Params {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, Escape(k)+"="+Escape(values[k]))
	}
	p.m[key] = strings.Join(pairs, " ")
	return p
}

// Exists reports whether key is present.
func (p *Params) Exists(key Key) bool {
	_, ok := p.m[key]
	return ok
}

// Delete removes key.
func (p *Params) Delete(key Key) {
	delete(p.m, key)
}

var escaper = strings.NewReplacer(
	"\\", "\\\\",
	"\n", "\\n",
	"\r", "\\r",
	" ", "\\s",
	"=", "\\e",
)

// Escape replaces CR, LF, space, '=' and '\' with their two-character
// escape sequences so that escaped strings can be joined by spaces or
// paired with '='.
func Escape(s string) string {
	return escaper.Replace(s)
}

// Unescape reverses Escape. Unrecognized escape sequences are kept as-is.
func Unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		switch s[i+1] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 's':
			b.WriteByte(' ')
		case 'e':
			b.WriteByte('=')
		default:
			b.WriteByte(s[i])
			continue
		}
		i++
	}
	return b.String()
}

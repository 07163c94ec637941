package imap

import (
	"bufio"
	"bytes"
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message/textproto"
)

// prefetchFields are the headers pulled before deciding whether to
// download a message body.
var prefetchFields = []string{
	"Message-ID",
	"X-MS-Message-ID",
	"From",
	"Chat-Version",
	"Autocrypt-Setup-Message",
}

// Prefetch is the header-only view of a new message, handed to the
// pipeline before the body download.
type Prefetch struct {
	UID       imap.UID
	MessageID string
	Header    textproto.Header
}

// Pipeline decides what happens to newly discovered messages.
type Pipeline interface {
	// Precheck runs on the prefetched headers. handled means the message
	// is already known locally and must not be downloaded again; wanted
	// false means policy excludes the message from download (it is still
	// marked as seen by the cursor).
	Precheck(ctx context.Context, folder string, pf Prefetch) (handled, wanted bool, err error)

	// Receive consumes the full RFC 5322 message body.
	Receive(ctx context.Context, folder string, uid imap.UID, body []byte) error
}

// nextCursor reconciles a stored cursor with the state of the selected
// mailbox and returns the UID to resume after. When the server's
// UIDVALIDITY differs from the stored one all UIDs are void: an empty
// mailbox restarts from zero, a non-empty one skips the existing
// messages and watches for new ones only.
func nextCursor(storedValidity, storedLastSeen uint32, sel *imap.SelectData) (validity, lastSeen uint32) {
	if sel.UIDValidity == storedValidity {
		return storedValidity, storedLastSeen
	}
	if sel.NumMessages == 0 {
		return sel.UIDValidity, 0
	}
	return sel.UIDValidity, uint32(sel.UIDNext) - 1
}

// FetchNew selects folder, advances the cursor, and runs every message
// newer than the cursor through the pipeline. The cursor only moves past
// the contiguous prefix of successfully handled messages, so a failed
// message is re-attempted on the next fetch. It returns the number of
// messages handled.
func (c *Client) FetchNew(ctx context.Context, folder string, pipe Pipeline) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sel, err := c.selectFolder(ctx, folder)
	if err != nil {
		return 0, err
	}

	storedValidity, storedLastSeen, err := c.cursors.GetCursor(ctx, folder)
	if err != nil {
		return 0, err
	}

	validity, lastSeen := nextCursor(storedValidity, storedLastSeen, sel)
	if validity != storedValidity {
		c.log.Info().
			Str("folder", folder).
			Uint32("old_validity", storedValidity).
			Uint32("new_validity", validity).
			Msg("uidvalidity changed, resetting cursor")
		if err := c.cursors.SetCursor(ctx, folder, validity, lastSeen); err != nil {
			return 0, err
		}
	}

	if sel.NumMessages == 0 {
		return 0, nil
	}
	if uint32(sel.UIDNext) > 0 && lastSeen >= uint32(sel.UIDNext)-1 {
		return 0, nil
	}

	prefetched, err := c.prefetchLocked(lastSeen)
	if err != nil {
		return 0, fmt.Errorf("prefetching %s: %w", folder, err)
	}

	handled := 0
	advanced := lastSeen
	for _, pf := range prefetched {
		if err := c.handleNewMessageLocked(ctx, folder, pipe, pf); err != nil {
			c.log.Warn().Err(err).
				Str("folder", folder).
				Uint32("uid", uint32(pf.UID)).
				Msg("handling new message failed")
			break
		}
		handled++
		advanced = uint32(pf.UID)
	}

	if advanced != lastSeen {
		if err := c.cursors.SetCursor(ctx, folder, validity, advanced); err != nil {
			return handled, err
		}
	}
	return handled, nil
}

// prefetchLocked pulls UIDs and selected headers for every message past
// lastSeen, in UID order.
func (c *Client) prefetchLocked(lastSeen uint32) ([]Prefetch, error) {
	cli, err := c.sessionLocked()
	if err != nil {
		return nil, err
	}

	var uidSet imap.UIDSet
	uidSet.AddRange(imap.UID(lastSeen+1), 0)

	section := &imap.FetchItemBodySection{
		Peek:         true,
		Specifier:    imap.PartSpecifierHeader,
		HeaderFields: prefetchFields,
	}
	msgs, err := cli.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, err
	}

	var out []Prefetch
	for _, msg := range msgs {
		// Servers answer "lastSeen+1:*" with the last message even when
		// nothing is new.
		if uint32(msg.UID) <= lastSeen {
			continue
		}
		pf := Prefetch{UID: msg.UID}
		if raw := msg.FindBodySection(section); raw != nil {
			hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
			if err == nil {
				pf.Header = hdr
				pf.MessageID = normalizeMessageID(hdr.Get("Message-ID"))
			}
		}
		out = append(out, pf)
	}
	return out, nil
}

// handleNewMessageLocked runs the precheck and, when wanted, downloads
// the body and hands it to the pipeline.
func (c *Client) handleNewMessageLocked(ctx context.Context, folder string, pipe Pipeline, pf Prefetch) error {
	handled, wanted, err := pipe.Precheck(ctx, folder, pf)
	if err != nil {
		return fmt.Errorf("precheck uid %d: %w", uint32(pf.UID), err)
	}
	if handled || !wanted {
		return nil
	}

	cli, err := c.sessionLocked()
	if err != nil {
		return err
	}

	section := &imap.FetchItemBodySection{}
	msgs, err := cli.Fetch(imap.UIDSetNum(pf.UID), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return fmt.Errorf("fetching body uid %d: %w", uint32(pf.UID), err)
	}
	if len(msgs) == 0 {
		// Deleted between prefetch and download; nothing to do.
		return nil
	}

	body := msgs[0].FindBodySection(section)
	if body == nil {
		return fmt.Errorf("fetching body uid %d: no body section in response", uint32(pf.UID))
	}
	return pipe.Receive(ctx, folder, pf.UID, body)
}

// normalizeMessageID strips the angle brackets from a Message-ID header
// value.
func normalizeMessageID(raw string) string {
	if len(raw) >= 2 && raw[0] == '<' && raw[len(raw)-1] == '>' {
		return raw[1 : len(raw)-1]
	}
	return raw
}

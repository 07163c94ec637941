package imap

import (
	"bufio"
	"bytes"
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message/textproto"
)

// SetSeen marks a message as read on the server.
func (c *Client) SetSeen(ctx context.Context, folder string, uid imap.UID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.selectFolder(ctx, folder); err != nil {
		return err
	}
	err := c.cli.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("setting \\Seen on %s uid %d: %w", folder, uint32(uid), err)
	}
	return nil
}

// SetMDNSent sets the $MDNSent keyword on a message. It returns true
// when the flag was newly set, false when it was already present — the
// caller only dispatches a read receipt on a fresh flag, so receipts are
// not duplicated across devices.
func (c *Client) SetMDNSent(ctx context.Context, folder string, uid imap.UID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.selectFolder(ctx, folder); err != nil {
		return false, err
	}

	msgs, err := c.cli.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:   true,
		Flags: true,
	}).Collect()
	if err != nil {
		return false, fmt.Errorf("fetching flags for %s uid %d: %w", folder, uint32(uid), err)
	}
	if len(msgs) == 0 {
		// Message gone; nothing to flag and no receipt to send.
		return false, nil
	}
	for _, f := range msgs[0].Flags {
		if f == imap.FlagMDNSent {
			return false, nil
		}
	}

	err = c.cli.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagMDNSent},
	}, nil).Close()
	if err != nil {
		return false, fmt.Errorf("setting $MDNSent on %s uid %d: %w", folder, uint32(uid), err)
	}
	return true, nil
}

// DeleteMessage flags a message \Deleted after verifying that the UID
// still carries the expected Message-ID. A UID occupied by a different
// message (UIDVALIDITY games, ghost cursors) is left alone. The actual
// expunge is deferred to the next folder change or disconnect.
func (c *Client) DeleteMessage(ctx context.Context, folder string, uid imap.UID, expectedMessageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.selectFolder(ctx, folder); err != nil {
		return err
	}

	section := &imap.FetchItemBodySection{
		Peek:         true,
		Specifier:    imap.PartSpecifierHeader,
		HeaderFields: []string{"Message-ID"},
	}
	msgs, err := c.cli.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return fmt.Errorf("verifying %s uid %d before delete: %w", folder, uint32(uid), err)
	}
	if len(msgs) == 0 {
		// Already gone.
		return nil
	}

	remoteID := ""
	if raw := msgs[0].FindBodySection(section); raw != nil {
		if hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw))); err == nil {
			remoteID = normalizeMessageID(hdr.Get("Message-ID"))
		}
	}
	if expectedMessageID != "" && remoteID != expectedMessageID {
		c.log.Warn().
			Str("folder", folder).
			Uint32("uid", uint32(uid)).
			Str("expected", expectedMessageID).
			Str("found", remoteID).
			Msg("uid holds a different message, skipping server delete")
		return nil
	}

	err = c.cli.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("setting \\Deleted on %s uid %d: %w", folder, uint32(uid), err)
	}
	c.needsExpunge = true
	return nil
}

// MoveMessage relocates a message to destFolder, preferring the MOVE
// extension and falling back to COPY plus \Deleted.
func (c *Client) MoveMessage(ctx context.Context, srcFolder string, uid imap.UID, destFolder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.selectFolder(ctx, srcFolder); err != nil {
		return err
	}

	set := imap.UIDSetNum(uid)
	if c.caps.move {
		if _, err := c.cli.Move(set, destFolder).Wait(); err != nil {
			return fmt.Errorf("moving %s uid %d to %s: %w", srcFolder, uint32(uid), destFolder, err)
		}
		return nil
	}

	if _, err := c.cli.Copy(set, destFolder).Wait(); err != nil {
		return fmt.Errorf("copying %s uid %d to %s: %w", srcFolder, uint32(uid), destFolder, err)
	}
	err := c.cli.Store(set, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("flagging %s uid %d after copy: %w", srcFolder, uint32(uid), err)
	}
	c.needsExpunge = true
	return nil
}

// EnsureFolder creates folder if it does not exist yet. An
// already-exists failure is not an error.
func (c *Client) EnsureFolder(ctx context.Context, folder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(ctx); err != nil {
		return err
	}

	list, err := c.cli.List("", folder, nil).Collect()
	if err != nil {
		return fmt.Errorf("listing %s: %w", folder, err)
	}
	if len(list) > 0 {
		return nil
	}
	if err := c.cli.Create(folder, nil).Wait(); err != nil {
		return fmt.Errorf("creating %s: %w", folder, err)
	}
	return nil
}

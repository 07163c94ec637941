package imap

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2/imapclient"
)

// GetMetadata reads metadata entries from a mailbox ("" addresses the
// server). Absent entries map to nil values.
func (c *Client) GetMetadata(ctx context.Context, mailbox string, entries []string) (map[string]*[]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(ctx); err != nil {
		return nil, err
	}
	if !c.caps.metadata && !c.caps.metadataServer {
		return nil, fmt.Errorf("getting metadata: server does not advertise METADATA")
	}

	data, err := c.cli.GetMetadata(mailbox, entries, &imapclient.GetMetadataOptions{
		Depth: imapclient.GetMetadataDepthZero,
	}).Wait()
	if err != nil {
		return nil, fmt.Errorf("getting metadata from %q: %w", mailbox, err)
	}

	return matchMetadataEntries(mailbox, entries, data.Entries)
}

// matchMetadataEntries maps a metadata response onto the requested
// entries. An entry the server omitted maps to nil (no value stored); a
// response for a path that was never requested is an error, not an
// absent value.
func matchMetadataEntries(mailbox string, requested []string, got map[string]*[]byte) (map[string]*[]byte, error) {
	out := make(map[string]*[]byte, len(requested))
	for _, entry := range requested {
		out[entry] = nil
	}
	for path, value := range got {
		if _, ok := out[path]; !ok {
			return nil, fmt.Errorf("getting metadata from %q: server answered for path %q", mailbox, path)
		}
		out[path] = value
	}
	return out, nil
}

// SetMetadata writes metadata entries on a mailbox ("" addresses the
// server). A nil value removes the entry.
func (c *Client) SetMetadata(ctx context.Context, mailbox string, entries map[string]*[]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(ctx); err != nil {
		return err
	}
	if !c.caps.metadata && !c.caps.metadataServer {
		return fmt.Errorf("setting metadata: server does not advertise METADATA")
	}

	if err := c.cli.SetMetadata(mailbox, entries).Wait(); err != nil {
		return fmt.Errorf("setting metadata on %q: %w", mailbox, err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// GetConfig returns the value for key from the config table, or def if
// the key is unset.
func (s *SQLiteStore) GetConfig(ctx context.Context, key, def string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM config WHERE key = ?", key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return def, nil
		}
		return "", fmt.Errorf("reading config %q: %w", key, err)
	}
	return value, nil
}

// SetConfig stores or replaces a config value.
func (s *SQLiteStore) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO config (key, value) VALUES (?, ?)", key, value,
	)
	if err != nil {
		return fmt.Errorf("writing config %q: %w", key, err)
	}
	return nil
}

// GetConfigBool returns the config value interpreted as a boolean flag.
func (s *SQLiteStore) GetConfigBool(ctx context.Context, key string, def bool) (bool, error) {
	d := "0"
	if def {
		d = "1"
	}
	v, err := s.GetConfig(ctx, key, d)
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// cursorKey is the config key holding the sync cursor for a folder.
func cursorKey(folder string) string {
	return "imap.mailbox." + folder
}

// GetCursor returns the persisted (uidvalidity, lastseenuid) pair for a
// folder. Both are zero when the folder has never been synced.
func (s *SQLiteStore) GetCursor(ctx context.Context, folder string) (uidValidity, lastSeenUID uint32, err error) {
	raw, err := s.GetConfig(ctx, cursorKey(folder), "0:0")
	if err != nil {
		return 0, 0, err
	}
	val, seen, found := strings.Cut(raw, ":")
	if !found {
		return 0, 0, nil
	}
	v, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, 0, nil
	}
	u, err := strconv.ParseUint(seen, 10, 32)
	if err != nil {
		return 0, 0, nil
	}
	return uint32(v), uint32(u), nil
}

// SetCursor persists the (uidvalidity, lastseenuid) pair for a folder.
func (s *SQLiteStore) SetCursor(ctx context.Context, folder string, uidValidity, lastSeenUID uint32) error {
	value := fmt.Sprintf("%d:%d", uidValidity, lastSeenUID)
	return s.SetConfig(ctx, cursorKey(folder), value)
}

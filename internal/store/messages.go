package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openmsg/mailsync/internal/model"
)

// InsertMessage persists a new message record and fills in its ID.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *model.Message, fromAddr string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (rfc724_mid, from_addr, folder, uid, is_chat, is_setup,
			wants_mdn, outgoing, move_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, fromAddr, msg.Folder, msg.UID,
		boolToInt(msg.IsChat), boolToInt(msg.IsSetup),
		boolToInt(msg.WantsMDN), boolToInt(msg.Outgoing),
		int(msg.MoveState), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("inserting message %q: %w", msg.MessageID, err)
	}
	msg.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading inserted message id: %w", err)
	}
	return nil
}

// MessageByID returns a message by its local ID, or nil when it does not
// exist.
func (s *SQLiteStore) MessageByID(ctx context.Context, id int64) (*model.Message, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, rfc724_mid, from_addr, folder, uid, is_chat, is_setup,
			wants_mdn, outgoing, move_state
		FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// MessageByMessageID returns a message by its RFC 5322 Message-ID, or
// nil when unknown.
func (s *SQLiteStore) MessageByMessageID(ctx context.Context, messageID string) (*model.Message, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, rfc724_mid, from_addr, folder, uid, is_chat, is_setup,
			wants_mdn, outgoing, move_state
		FROM messages WHERE rfc724_mid = ? LIMIT 1`, messageID)
	return scanMessage(row)
}

// MessageSender returns the From address stored for a message.
func (s *SQLiteStore) MessageSender(ctx context.Context, id int64) (string, error) {
	var from string
	err := s.db.GetContext(ctx, &from, "SELECT from_addr FROM messages WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("reading sender of message %d: %w", id, err)
	}
	return from, nil
}

// CountSharingMessageID counts local messages carrying the Message-ID.
func (s *SQLiteStore) CountSharingMessageID(ctx context.Context, messageID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM messages WHERE rfc724_mid = ?", messageID)
	if err != nil {
		return 0, fmt.Errorf("counting messages with id %q: %w", messageID, err)
	}
	return count, nil
}

// SetServerRef records the server coordinates of a message.
func (s *SQLiteStore) SetServerRef(ctx context.Context, id int64, folder string, uid uint32) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE messages SET folder = ?, uid = ? WHERE id = ?", folder, uid, id)
	if err != nil {
		return fmt.Errorf("updating server ref of message %d: %w", id, err)
	}
	return nil
}

// SetMoveState records the folder-move verdict of a message.
func (s *SQLiteStore) SetMoveState(ctx context.Context, id int64, st model.MoveState) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE messages SET move_state = ? WHERE id = ?", int(st), id)
	if err != nil {
		return fmt.Errorf("updating move state of message %d: %w", id, err)
	}
	return nil
}

// MarkDelivered records relay acceptance of an outbound message.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE messages SET delivered = 1, failed_error = '' WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("marking message %d delivered: %w", id, err)
	}
	return nil
}

// MarkFailed records that an outbound message was abandoned.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id int64, errText string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE messages SET failed_error = ? WHERE id = ?", errText, id)
	if err != nil {
		return fmt.Errorf("marking message %d failed: %w", id, err)
	}
	return nil
}

// scanMessage scans a message row, mapping sql.ErrNoRows to nil.
func scanMessage(row *sqlx.Row) (*model.Message, error) {
	var (
		msg       model.Message
		from      string
		isChat    int
		isSetup   int
		wantsMDN  int
		outgoing  int
		moveState int
	)
	err := row.Scan(
		&msg.ID, &msg.MessageID, &from, &msg.Folder, &msg.UID,
		&isChat, &isSetup, &wantsMDN, &outgoing, &moveState,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning message row: %w", err)
	}
	msg.IsChat = isChat != 0
	msg.IsSetup = isSetup != 0
	msg.WantsMDN = wantsMDN != 0
	msg.Outgoing = outgoing != 0
	msg.MoveState = model.MoveState(moveState)
	return &msg, nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

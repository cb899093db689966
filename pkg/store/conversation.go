package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mercadito/chatsync/pkg/chatsync"
)

const conversationColumns = `id, user_a, user_b, last_msg_id, last_text, last_sender, last_ts_ms,
	unread_count, muted, archived, blocked, updated_ts`

func scanConversation(row dbScannable) (*chatsync.Conversation, error) {
	var conv chatsync.Conversation
	err := row.Scan(
		&conv.ID, &conv.UserA, &conv.UserB,
		&conv.Last.MessageID, &conv.Last.Text, &conv.Last.SenderID, &conv.Last.TimestampMS,
		&conv.UnreadCount, &conv.Muted, &conv.Archived, &conv.Blocked, &conv.UpdatedAtMS,
	)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// EnsureConversation creates the conversation row on first contact between
// two users; existing rows are untouched. Returns the current row either way.
func (s *Store) EnsureConversation(ctx context.Context, conversationID string) (*chatsync.Conversation, error) {
	userA, userB, ok := chatsync.SplitConversationID(conversationID)
	if !ok {
		return nil, fmt.Errorf("malformed conversation id %q", conversationID)
	}
	nowMS := time.Now().UnixMilli()
	_, err := s.db.Exec(ctx, `
		INSERT OR IGNORE INTO conversation (account_id, id, user_a, user_b, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.accountID, conversationID, userA, userB, nowMS, nowMS)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure conversation %s: %w", conversationID, err)
	}
	return s.GetConversation(ctx, conversationID)
}

// GetConversation returns one conversation by id, or nil if unknown.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (*chatsync.Conversation, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversation WHERE account_id=$1 AND id=$2`,
		s.accountID, conversationID,
	)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return conv, err
}

// ListConversations returns conversations ordered by last activity,
// newest first. Archived rows are hidden unless includeArchived is set;
// blocked conversations are always listed (blocking suspends sync, not
// visibility).
func (s *Store) ListConversations(ctx context.Context, includeArchived bool) ([]*chatsync.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversation WHERE account_id=$1`
	if !includeArchived {
		query += ` AND archived=FALSE`
	}
	query += ` ORDER BY last_ts_ms DESC, id ASC`
	rows, err := s.db.Query(ctx, query, s.accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()
	var convs []*chatsync.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (s *Store) setConversationFlag(ctx context.Context, conversationID, column string, value bool) error {
	nowMS := time.Now().UnixMilli()
	_, err := s.db.Exec(ctx,
		fmt.Sprintf(`UPDATE conversation SET %s=$1, updated_ts=$2 WHERE account_id=$3 AND id=$4`, column),
		value, nowMS, s.accountID, conversationID,
	)
	if err != nil {
		return fmt.Errorf("failed to set %s=%t on conversation %s: %w", column, value, conversationID, err)
	}
	return nil
}

// SetMuted gates notifications only; sync is unaffected. Last-write-wins
// across devices.
func (s *Store) SetMuted(ctx context.Context, conversationID string, muted bool) error {
	return s.setConversationFlag(ctx, conversationID, "muted", muted)
}

// SetArchived hides the conversation from the default list without
// deleting data. Any new inbound message auto-unarchives.
func (s *Store) SetArchived(ctx context.Context, conversationID string, archived bool) error {
	return s.setConversationFlag(ctx, conversationID, "archived", archived)
}

// SetBlocked suspends remote sync for the conversation. Unblocking is
// always an explicit user action, never automatic.
func (s *Store) SetBlocked(ctx context.Context, conversationID string, blocked bool) error {
	return s.setConversationFlag(ctx, conversationID, "blocked", blocked)
}

// AddUnread bumps the unread counter by delta (may be negative; floor 0).
func (s *Store) AddUnread(ctx context.Context, conversationID string, delta int) error {
	nowMS := time.Now().UnixMilli()
	_, err := s.db.Exec(ctx, `
		UPDATE conversation SET
			unread_count=MAX(0, unread_count + $1),
			updated_ts=$2
		WHERE account_id=$3 AND id=$4
	`, delta, nowMS, s.accountID, conversationID)
	if err != nil {
		return fmt.Errorf("failed to adjust unread count of %s: %w", conversationID, err)
	}
	return nil
}

// ResetUnread zeroes the unread counter, e.g. when the conversation is
// opened.
func (s *Store) ResetUnread(ctx context.Context, conversationID string) error {
	nowMS := time.Now().UnixMilli()
	_, err := s.db.Exec(ctx,
		`UPDATE conversation SET unread_count=0, updated_ts=$1 WHERE account_id=$2 AND id=$3`,
		nowMS, s.accountID, conversationID,
	)
	if err != nil {
		return fmt.Errorf("failed to reset unread count of %s: %w", conversationID, err)
	}
	return nil
}

// RecomputeLastMessage refreshes the denormalized last-message snapshot
// from the newest non-deleted local message. When the newest message was
// just deleted this rolls the snapshot back to the next-most-recent one,
// or to empty if none remain.
func (s *Store) RecomputeLastMessage(ctx context.Context, conversationID string) error {
	var id, text, sender string
	var tsMS int64
	err := s.db.QueryRow(ctx, `
		SELECT id, text, sender_id, timestamp_ms FROM message
		WHERE account_id=$1 AND conversation_id=$2 AND deleted=FALSE
		ORDER BY timestamp_ms DESC, id DESC LIMIT 1
	`, s.accountID, conversationID).Scan(&id, &text, &sender, &tsMS)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to find latest message of %s: %w", conversationID, err)
	}

	nowMS := time.Now().UnixMilli()
	_, err = s.db.Exec(ctx, `
		UPDATE conversation SET
			last_msg_id=$1, last_text=$2, last_sender=$3, last_ts_ms=$4, updated_ts=$5
		WHERE account_id=$6 AND id=$7
	`, id, text, sender, tsMS, nowMS, s.accountID, conversationID)
	if err != nil {
		return fmt.Errorf("failed to update last-message snapshot of %s: %w", conversationID, err)
	}
	return nil
}

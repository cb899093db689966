package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mercadito/chatsync/pkg/chatsync"
)

const messageColumns = `id, conversation_id, sender_id, text, media_url, media_thumb_url, media_type,
	timestamp_ms, status, read_at_ms, deleted, local_only`

func scanMessage(row dbScannable) (*chatsync.Message, error) {
	var msg chatsync.Message
	var status int
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Text,
		&msg.MediaURL, &msg.MediaThumbURL, &msg.MediaType,
		&msg.TimestampMS, &status, &msg.ReadAtMS, &msg.Deleted, &msg.LocalOnly,
	)
	if err != nil {
		return nil, err
	}
	msg.Status = chatsync.Status(status)
	return &msg, nil
}

type dbScannable interface {
	Scan(dest ...any) error
}

// upsertMessageQuery is the idempotent message upsert. Conflicting fields
// are last-writer-wins except:
//   - status only moves forward (a stale Sent snapshot arriving after a
//     local Read must not overwrite Read),
//   - read_at_ms is max-wins,
//   - deleted is sticky: a live re-delivery of a soft-deleted id can never
//     flip the row back to live,
//   - local_only clears once and stays cleared.
const upsertMessageQuery = `
	INSERT INTO message (
		account_id, id, conversation_id, sender_id, text,
		media_url, media_thumb_url, media_type,
		timestamp_ms, status, read_at_ms, deleted, local_only,
		created_ts, updated_ts
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (account_id, id) DO UPDATE SET
		conversation_id=excluded.conversation_id,
		sender_id=excluded.sender_id,
		text=excluded.text,
		media_url=excluded.media_url,
		media_thumb_url=excluded.media_thumb_url,
		media_type=excluded.media_type,
		timestamp_ms=excluded.timestamp_ms,
		status=CASE WHEN excluded.status > message.status THEN excluded.status ELSE message.status END,
		read_at_ms=CASE WHEN excluded.read_at_ms > message.read_at_ms THEN excluded.read_at_ms ELSE message.read_at_ms END,
		deleted=CASE WHEN message.deleted THEN message.deleted ELSE excluded.deleted END,
		local_only=(message.local_only AND excluded.local_only),
		updated_ts=excluded.updated_ts
`

// UpsertMessage inserts or merges a single message and notifies observers
// of its conversation.
func (s *Store) UpsertMessage(ctx context.Context, msg *chatsync.Message) error {
	nowMS := time.Now().UnixMilli()
	_, err := s.db.Exec(ctx, upsertMessageQuery,
		s.accountID, msg.ID, msg.ConversationID, msg.SenderID, msg.Text,
		msg.MediaURL, msg.MediaThumbURL, msg.MediaType,
		msg.TimestampMS, int(msg.Status), msg.ReadAtMS, msg.Deleted, msg.LocalOnly,
		nowMS, nowMS,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert message %s: %w", msg.ID, err)
	}
	s.notifyConversation(ctx, msg.ConversationID)
	return nil
}

// UpsertMessageBatch merges multiple messages in one transaction. Observers
// of every touched conversation are notified once after commit.
func (s *Store) UpsertMessageBatch(ctx context.Context, msgs []*chatsync.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.RawDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertMessageQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare batch statement: %w", err)
	}
	defer stmt.Close()

	nowMS := time.Now().UnixMilli()
	touched := make(map[string]bool, 1)
	for _, msg := range msgs {
		_, err = stmt.ExecContext(ctx,
			s.accountID, msg.ID, msg.ConversationID, msg.SenderID, msg.Text,
			msg.MediaURL, msg.MediaThumbURL, msg.MediaType,
			msg.TimestampMS, int(msg.Status), msg.ReadAtMS, msg.Deleted, msg.LocalOnly,
			nowMS, nowMS,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert message %s: %w", msg.ID, err)
		}
		touched[msg.ConversationID] = true
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message batch: %w", err)
	}
	for convID := range touched {
		s.notifyConversation(ctx, convID)
	}
	return nil
}

// SetMessageStatus force-sets a status without the forward-only guard.
// Reserved for local lifecycle transitions the guard would reject:
// Pending/Sent→Failed on a send error and Failed→Pending on explicit retry.
func (s *Store) SetMessageStatus(ctx context.Context, messageID string, status chatsync.Status) error {
	nowMS := time.Now().UnixMilli()
	res, err := s.db.Exec(ctx,
		`UPDATE message SET status=$1, updated_ts=$2 WHERE account_id=$3 AND id=$4`,
		int(status), nowMS, s.accountID, messageID,
	)
	if err != nil {
		return fmt.Errorf("failed to set status of message %s: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notifyMessage(ctx, messageID)
	}
	return nil
}

// MarkSynced records that a message was confirmed written to the remote
// store: status advances (guarded) and local_only clears.
func (s *Store) MarkSynced(ctx context.Context, messageID string, status chatsync.Status) error {
	nowMS := time.Now().UnixMilli()
	res, err := s.db.Exec(ctx, `
		UPDATE message SET
			status=CASE WHEN $1 > status THEN $1 ELSE status END,
			local_only=FALSE,
			updated_ts=$2
		WHERE account_id=$3 AND id=$4
	`, int(status), nowMS, s.accountID, messageID)
	if err != nil {
		return fmt.Errorf("failed to mark message %s synced: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notifyMessage(ctx, messageID)
	}
	return nil
}

// MarkDeleted soft-deletes a message. The row survives so the id stays
// known to the reconciler and a remote re-delivery cannot resurrect it.
func (s *Store) MarkDeleted(ctx context.Context, messageID string) error {
	nowMS := time.Now().UnixMilli()
	res, err := s.db.Exec(ctx,
		`UPDATE message SET deleted=TRUE, updated_ts=$1 WHERE account_id=$2 AND id=$3 AND deleted=FALSE`,
		nowMS, s.accountID, messageID,
	)
	if err != nil {
		return fmt.Errorf("failed to soft-delete message %s: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notifyMessage(ctx, messageID)
	}
	return nil
}

// MarkConversationRead sets every non-deleted inbound message in the
// conversation to Read (guarded forward-only) and stamps read_at_ms.
// Returns the ids that actually transitioned so the caller can mirror the
// change to the remote store.
func (s *Store) MarkConversationRead(ctx context.Context, conversationID, selfID string, readAtMS int64) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM message
		WHERE account_id=$1 AND conversation_id=$2 AND sender_id<>$3
			AND deleted=FALSE AND status < $4
	`, s.accountID, conversationID, selfID, int(chatsync.StatusRead))
	if err != nil {
		return nil, fmt.Errorf("failed to list unread messages: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	nowMS := time.Now().UnixMilli()
	_, err = s.db.Exec(ctx, `
		UPDATE message SET status=$1, read_at_ms=$2, updated_ts=$3
		WHERE account_id=$4 AND conversation_id=$5 AND sender_id<>$6
			AND deleted=FALSE AND status < $1
	`, int(chatsync.StatusRead), readAtMS, nowMS, s.accountID, conversationID, selfID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark conversation %s read: %w", conversationID, err)
	}
	s.notifyConversation(ctx, conversationID)
	return ids, nil
}

// GetMessage returns one message by id, or nil if unknown.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*chatsync.Message, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM message WHERE account_id=$1 AND id=$2`,
		s.accountID, messageID,
	)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return msg, err
}

// GetMessages returns the non-deleted messages of a conversation ordered
// by timestamp (ties broken by id for a stable order).
func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]*chatsync.Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE account_id=$1 AND conversation_id=$2 AND deleted=FALSE
		ORDER BY timestamp_ms ASC, id ASC
	`, s.accountID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages of %s: %w", conversationID, err)
	}
	defer rows.Close()
	var msgs []*chatsync.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// GetMessageIDs returns every known message id of a conversation,
// including soft-deleted rows. The reconciler uses this set to decide
// which remote rows are new.
func (s *Store) GetMessageIDs(ctx context.Context, conversationID string) (map[string]bool, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id FROM message WHERE account_id=$1 AND conversation_id=$2`,
		s.accountID, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query message ids of %s: %w", conversationID, err)
	}
	defer rows.Close()
	known := make(map[string]bool)
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		known[id] = true
	}
	return known, rows.Err()
}

// GetUnsyncedMessages returns all local-only, non-deleted messages across
// every conversation, oldest first, for the reconnect sweep.
func (s *Store) GetUnsyncedMessages(ctx context.Context) ([]*chatsync.Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE account_id=$1 AND local_only=TRUE AND deleted=FALSE
		ORDER BY timestamp_ms ASC, id ASC
	`, s.accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced messages: %w", err)
	}
	defer rows.Close()
	var msgs []*chatsync.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// HasMessageBatch checks existence of multiple ids in chunked queries and
// returns the subset that already exists locally.
func (s *Store) HasMessageBatch(ctx context.Context, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	existing := make(map[string]bool, len(ids))
	// SQLite has a limit on the number of variables. Process in chunks.
	const chunkSize = 500
	for i := 0; i < len(ids); i += chunkSize {
		end := i + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]

		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)+1)
		args = append(args, s.accountID)
		for j, id := range chunk {
			placeholders[j] = fmt.Sprintf("$%d", j+2)
			args = append(args, id)
		}

		query := fmt.Sprintf(
			`SELECT id FROM message WHERE account_id=$1 AND id IN (%s)`,
			strings.Join(placeholders, ","),
		)
		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			existing[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return existing, nil
}

// notifyMessage re-emits the owning conversation's snapshot after a
// single-row update.
func (s *Store) notifyMessage(ctx context.Context, messageID string) {
	var convID string
	err := s.db.QueryRow(ctx,
		`SELECT conversation_id FROM message WHERE account_id=$1 AND id=$2`,
		s.accountID, messageID,
	).Scan(&convID)
	if err != nil {
		return
	}
	s.notifyConversation(ctx, convID)
}

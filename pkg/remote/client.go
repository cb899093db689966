// Package remote abstracts the hosted realtime store behind a minimal
// read/write/listen contract. It performs no local caching: subscription
// handlers receive the full current message set of a conversation on first
// delivery and a full set again on every subsequent change, and must diff
// against their own state to find what is new.
package remote

import (
	"context"
	"time"

	"github.com/mercadito/chatsync/pkg/chatsync"
)

// Snapshot is a full current-state payload for one conversation, not a
// delta. Any number of remote changes may be coalesced into one snapshot.
type Snapshot struct {
	ConversationID string
	Messages       []*chatsync.Message
}

// SnapshotHandler consumes snapshots for one conversation. Handlers for a
// single subscription are invoked sequentially; no ordering is guaranteed
// across conversations.
type SnapshotHandler func(Snapshot)

// TypingHandler consumes typing stamps published by other participants.
// A zero time means the peer explicitly cleared its typing state.
type TypingHandler func(userID string, at time.Time)

// Subscription is the cancellation handle for an active listener.
type Subscription interface {
	Close()
}

// Client is the remote mirror contract. Implementations must be safe for
// concurrent use.
type Client interface {
	// WriteMessage persists the message under
	// conversations/{conversationId}/messages/{messageId}. Overwrites by
	// the same id are allowed (status updates reuse this path remotely).
	WriteMessage(ctx context.Context, msg *chatsync.Message) error

	// UpdateStatus advances the stored status of one message. The update
	// is forward-only: an implementation must never regress a stored
	// status. readAtMS is recorded when status is Read.
	UpdateStatus(ctx context.Context, conversationID, messageID string, status chatsync.Status, readAtMS int64) error

	// Subscribe starts delivering snapshots for one conversation.
	Subscribe(conversationID string, handler SnapshotHandler) (Subscription, error)

	// PublishTyping stamps conversations/{id}/typing/{userId} with at.
	PublishTyping(ctx context.Context, conversationID, userID string, at time.Time) error

	// ClearTyping removes the typing stamp. Observers also expire stamps
	// by age, so a missed clear is tolerated.
	ClearTyping(ctx context.Context, conversationID, userID string) error

	// SubscribeTyping delivers typing stamps of all participants in a
	// conversation, including the publisher's own.
	SubscribeTyping(conversationID string, handler TypingHandler) (Subscription, error)
}

// TypingFreshness is how long a published typing stamp counts as "typing"
// with no further publication. The publisher clears after 3 s of idle
// (see syncer); the observer-side window is deliberately longer so a
// crashed or backgrounded publisher that never sent a clear still expires.
const TypingFreshness = 5 * time.Second

// TypingFresh reports whether a stamp published at `at` still means
// "typing" when observed at `now`.
func TypingFresh(at, now time.Time) bool {
	if at.IsZero() {
		return false
	}
	return now.Sub(at) < TypingFreshness
}

// Package syncer keeps the local cache consistent with the remote mirror:
// the reconciler applies remote snapshots, the orchestrator coordinates
// connectivity, subscriptions, sends, and typing, and the gate decides
// which inbound batches become user-visible notifications.
package syncer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mercadito/chatsync/pkg/chatsync"
	"github.com/mercadito/chatsync/pkg/remote"
	"github.com/mercadito/chatsync/pkg/store"
)

// Reconciler turns remote snapshots into local cache state. It is the only
// component allowed to write remote-derived data into the store.
//
// Remote status is treated as authoritative only when it represents
// forward progress: snapshots for one conversation may arrive coalesced
// and a stale Sent must never regress a local Read. The guard lives in the
// store's upsert so every write path shares it.
type Reconciler struct {
	log    zerolog.Logger
	store  *store.Store
	remote remote.Client
	gate   *Gate
	userID string

	// activeConversation reports the conversation currently open in the
	// foreground, or "". Injected by the orchestrator, which owns the
	// marker's set/clear lifecycle.
	activeConversation func() string
}

func NewReconciler(st *store.Store, rc remote.Client, gate *Gate, userID string, activeConversation func() string, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		log:                log.With().Str("component", "reconciler").Logger(),
		store:              st,
		remote:             rc,
		gate:               gate,
		userID:             userID,
		activeConversation: activeConversation,
	}
}

type reconcileCounters struct {
	Imported int
	Updated  int
	Deleted  int
	Advanced int
}

// Apply reconciles one remote snapshot against the local cache. It is an
// idempotent set reconciliation: applying the same snapshot twice yields
// the same local state, with no duplicate rows and no double-counted
// unread messages.
func (r *Reconciler) Apply(ctx context.Context, snap remote.Snapshot) error {
	log := r.log.With().Str("conversation_id", snap.ConversationID).Logger()

	if _, err := r.store.EnsureConversation(ctx, snap.ConversationID); err != nil {
		return err
	}
	known, err := r.store.GetMessageIDs(ctx, snap.ConversationID)
	if err != nil {
		return err
	}

	var counters reconcileCounters
	batch := make([]*chatsync.Message, 0, len(snap.Messages))
	var fresh []*chatsync.Message
	var advance []*chatsync.Message
	for _, msg := range snap.Messages {
		if msg.ID == "" {
			log.Warn().Str("sender_id", msg.SenderID).Msg("Skipping remote message with empty id")
			continue
		}
		row := *msg
		row.ConversationID = snap.ConversationID
		// A message observed in the remote snapshot is by definition
		// synced, whatever the local row says.
		row.LocalOnly = false

		if row.Deleted {
			counters.Deleted++
			if known[row.ID] {
				if err = r.store.MarkDeleted(ctx, row.ID); err != nil {
					return err
				}
				continue
			}
			// Unknown remote-deleted id: persist a tombstone row so the id
			// stays known and a stale live re-delivery cannot resurrect it.
			batch = append(batch, &row)
			continue
		}

		batch = append(batch, &row)
		if known[row.ID] {
			counters.Updated++
		} else {
			counters.Imported++
			if row.SenderID != r.userID {
				fresh = append(fresh, &row)
			}
		}
		// We are the recipient and the remote still says Sent: advance to
		// Delivered to record that this device has now received it.
		if row.SenderID != r.userID && row.Status == chatsync.StatusSent {
			advance = append(advance, &row)
		}
	}

	if err = r.store.UpsertMessageBatch(ctx, batch); err != nil {
		return err
	}

	for _, msg := range advance {
		if err := r.remote.UpdateStatus(ctx, snap.ConversationID, msg.ID, chatsync.StatusDelivered, 0); err != nil {
			// Best effort: the next snapshot or the sender's own retry
			// converges the status. Local state is not blocked on it.
			log.Warn().Err(err).Str("message_id", msg.ID).
				Msg("Failed to advance remote status to delivered")
			continue
		}
		if err := r.store.MarkSynced(ctx, msg.ID, chatsync.StatusDelivered); err != nil {
			return err
		}
		counters.Advanced++
	}

	// Recompute after all upserts and deletes so a snapshot that deletes
	// the newest message rolls the conversation preview back correctly.
	if err = r.store.RecomputeLastMessage(ctx, snap.ConversationID); err != nil {
		return err
	}

	if len(fresh) > 0 {
		// New inbound activity auto-unarchives, independent of mute/block.
		if err = r.store.SetArchived(ctx, snap.ConversationID, false); err != nil {
			return err
		}
		if r.activeConversation() != snap.ConversationID {
			if err = r.store.AddUnread(ctx, snap.ConversationID, len(fresh)); err != nil {
				return err
			}
			if r.gate != nil {
				r.gate.HandleNewMessages(ctx, snap.ConversationID, fresh)
			}
		}
	}

	log.Debug().
		Int("imported", counters.Imported).
		Int("updated", counters.Updated).
		Int("deleted", counters.Deleted).
		Int("advanced", counters.Advanced).
		Int("snapshot_size", len(snap.Messages)).
		Msg("Applied remote snapshot")
	return nil
}

// ApplyAll is a convenience for bulk resync: applies snapshots for many
// conversations, isolating per-conversation failures.
func (r *Reconciler) ApplyAll(ctx context.Context, snaps []remote.Snapshot) error {
	var firstErr error
	for _, snap := range snaps {
		if err := r.Apply(ctx, snap); err != nil {
			r.log.Err(err).Str("conversation_id", snap.ConversationID).
				Msg("Failed to apply snapshot during bulk resync")
			if firstErr == nil {
				firstErr = fmt.Errorf("resync of %s: %w", snap.ConversationID, err)
			}
		}
	}
	return firstErr
}

package syncer

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercadito/chatsync/pkg/chatsync"
	"github.com/mercadito/chatsync/pkg/remote"
	"github.com/mercadito/chatsync/pkg/store"
)

const selfID = "alice"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:", selfID, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

type reconcilerFixture struct {
	store  *store.Store
	remote *fakeRemote
	sender *fakeSender
	rec    *Reconciler
	active string
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	f := &reconcilerFixture{
		store:  newTestStore(t),
		remote: newFakeRemote(),
		sender: &fakeSender{},
	}
	gate := NewGate(f.store, nil, f.sender, zerolog.Nop())
	f.rec = NewReconciler(f.store, f.remote, gate, selfID, func() string { return f.active }, zerolog.Nop())
	return f
}

func inbound(id, text string, ts int64, status chatsync.Status) *chatsync.Message {
	return &chatsync.Message{
		ID:             id,
		ConversationID: "alice-bob",
		SenderID:       "bob",
		Text:           text,
		TimestampMS:    ts,
		Status:         status,
	}
}

func snap(msgs ...*chatsync.Message) remote.Snapshot {
	return remote.Snapshot{ConversationID: "alice-bob", Messages: msgs}
}

func TestApplyImportsInbound(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)

	require.NoError(t, f.rec.Apply(ctx, snap(
		inbound("m1", "hola", 1000, chatsync.StatusDelivered),
		inbound("m2", "que tal", 2000, chatsync.StatusDelivered),
	)))

	msgs, err := f.store.GetMessages(ctx, "alice-bob")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.False(t, msgs[0].LocalOnly)

	conv, err := f.store.GetConversation(ctx, "alice-bob")
	require.NoError(t, err)
	assert.Equal(t, 2, conv.UnreadCount)
	assert.Equal(t, "m2", conv.Last.MessageID)

	payloads := f.sender.sent()
	require.Len(t, payloads, 1, "one batch yields one notification")
	assert.Equal(t, "2 new messages", payloads[0].Text)
	assert.Equal(t, 2, payloads[0].Count)
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)

	s := snap(inbound("m1", "hola", 1000, chatsync.StatusDelivered))
	require.NoError(t, f.rec.Apply(ctx, s))
	require.NoError(t, f.rec.Apply(ctx, s))

	msgs, err := f.store.GetMessages(ctx, "alice-bob")
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "replay adds no duplicate rows")

	conv, err := f.store.GetConversation(ctx, "alice-bob")
	require.NoError(t, err)
	assert.Equal(t, 1, conv.UnreadCount, "replay does not double-count unread")
	assert.Len(t, f.sender.sent(), 1, "replay does not re-notify")
}

func TestApplyAdvancesInboundSentToDelivered(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)

	require.NoError(t, f.rec.Apply(ctx, snap(inbound("m1", "hola", 1000, chatsync.StatusSent))))

	got, err := f.store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, chatsync.StatusDelivered, got.Status)

	f.remote.mu.Lock()
	updates := append([]statusUpdate(nil), f.remote.statusUpdates...)
	f.remote.mu.Unlock()
	require.Len(t, updates, 1)
	assert.Equal(t, chatsync.StatusDelivered, updates[0].Status)
	assert.Equal(t, "m1", updates[0].MessageID)
}

func TestApplyOwnMessagesNotCountedOrAdvanced(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)

	own := inbound("m1", "mine", 1000, chatsync.StatusSent)
	own.SenderID = selfID
	require.NoError(t, f.rec.Apply(ctx, snap(own)))

	conv, err := f.store.GetConversation(ctx, "alice-bob")
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCount)
	assert.Empty(t, f.sender.sent())
	f.remote.mu.Lock()
	assert.Empty(t, f.remote.statusUpdates)
	f.remote.mu.Unlock()
}

func TestApplyActiveConversationSuppressed(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)
	f.active = "alice-bob"

	require.NoError(t, f.rec.Apply(ctx, snap(inbound("m1", "hola", 1000, chatsync.StatusDelivered))))

	conv, err := f.store.GetConversation(ctx, "alice-bob")
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCount, "open conversation accrues no unread")
	assert.Empty(t, f.sender.sent(), "open conversation never notifies")
}

func TestApplyDeletedTombstone(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)

	gone := inbound("m1", "removed", 1000, chatsync.StatusSent)
	gone.Deleted = true
	require.NoError(t, f.rec.Apply(ctx, snap(gone)))

	msgs, err := f.store.GetMessages(ctx, "alice-bob")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, f.sender.sent(), "deleted messages never notify")

	// A stale live replay of the same id must not resurrect it.
	require.NoError(t, f.rec.Apply(ctx, snap(inbound("m1", "removed", 1000, chatsync.StatusSent))))
	msgs, err = f.store.GetMessages(ctx, "alice-bob")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	conv, err := f.store.GetConversation(ctx, "alice-bob")
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCount)
}

func TestApplyDeletionRollsBackPreview(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)

	require.NoError(t, f.rec.Apply(ctx, snap(
		inbound("m1", "first", 1000, chatsync.StatusDelivered),
		inbound("m2", "second", 2000, chatsync.StatusDelivered),
	)))

	deleted := inbound("m2", "second", 2000, chatsync.StatusDelivered)
	deleted.Deleted = true
	require.NoError(t, f.rec.Apply(ctx, snap(
		inbound("m1", "first", 1000, chatsync.StatusDelivered),
		deleted,
	)))

	conv, err := f.store.GetConversation(ctx, "alice-bob")
	require.NoError(t, err)
	assert.Equal(t, "m1", conv.Last.MessageID)
}

func TestApplyUnarchivesOnInbound(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)

	_, err := f.store.EnsureConversation(ctx, "alice-bob")
	require.NoError(t, err)
	require.NoError(t, f.store.SetArchived(ctx, "alice-bob", true))

	require.NoError(t, f.rec.Apply(ctx, snap(inbound("m1", "hola", 1000, chatsync.StatusDelivered))))

	conv, err := f.store.GetConversation(ctx, "alice-bob")
	require.NoError(t, err)
	assert.False(t, conv.Archived, "new inbound message surfaces an archived conversation")
}

func TestApplySkipsEmptyIDs(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)

	bad := inbound("", "corrupt", 1000, chatsync.StatusSent)
	require.NoError(t, f.rec.Apply(ctx, snap(bad, inbound("m1", "fine", 2000, chatsync.StatusDelivered))))

	msgs, err := f.store.GetMessages(ctx, "alice-bob")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestApplyRemoteStatusWinsOverLocalFailed(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t)

	local := &chatsync.Message{
		ID: "m1", ConversationID: "alice-bob", SenderID: selfID,
		Text: "hola", TimestampMS: 1000,
		Status: chatsync.StatusFailed, LocalOnly: true,
	}
	require.NoError(t, f.store.UpsertMessage(ctx, local))

	remoteCopy := inbound("m1", "hola", 1000, chatsync.StatusSent)
	remoteCopy.SenderID = selfID
	require.NoError(t, f.rec.Apply(ctx, snap(remoteCopy)))

	got, err := f.store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, chatsync.StatusSent, got.Status)
	assert.False(t, got.LocalOnly)
}

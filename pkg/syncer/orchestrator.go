package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mercadito/chatsync/pkg/chatsync"
	"github.com/mercadito/chatsync/pkg/media"
	"github.com/mercadito/chatsync/pkg/remote"
	"github.com/mercadito/chatsync/pkg/store"
)

// typingIdleClear is how long after the last text change the publisher
// clears its own typing stamp. Shorter than remote.TypingFreshness so a
// healthy publisher always clears before observers expire the stamp.
const typingIdleClear = 3 * time.Second

// MediaUploader is the attachment pipeline contract used by SendMessage.
type MediaUploader interface {
	Upload(ctx context.Context, data []byte) (*media.Upload, error)
}

// Orchestrator owns the sync lifecycle: connectivity transitions and the
// reconnect sweep, per-conversation subscription management, the active
// conversation marker, conversation flag transitions, and typing liveness.
type Orchestrator struct {
	log      zerolog.Logger
	store    *store.Store
	remote   remote.Client
	uploader MediaUploader
	rec      *Reconciler
	userID   string

	mu     sync.Mutex
	online bool
	// active is the conversation currently open in the foreground.
	// Explicitly owned here and injected into the reconciler; never a
	// package-level global.
	active      string
	subs        map[string]remote.Subscription
	watched     map[string]bool // subscribed by Start, survives Close
	typingSub   remote.Subscription
	typingTimer *time.Timer
	peerTyping  map[string]time.Time
}

func NewOrchestrator(st *store.Store, rc remote.Client, uploader MediaUploader, gate *Gate, userID string, log zerolog.Logger) *Orchestrator {
	o := &Orchestrator{
		log:        log.With().Str("component", "orchestrator").Logger(),
		store:      st,
		remote:     rc,
		uploader:   uploader,
		userID:     userID,
		subs:       make(map[string]remote.Subscription),
		watched:    make(map[string]bool),
		peerTyping: make(map[string]time.Time),
	}
	o.rec = NewReconciler(st, rc, gate, userID, o.ActiveConversation, log)
	return o
}

// Reconciler exposes the snapshot applier, mainly for bulk resync paths.
func (o *Orchestrator) Reconciler() *Reconciler {
	return o.rec
}

// ActiveConversation returns the foregrounded conversation id, or "".
func (o *Orchestrator) ActiveConversation() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Start subscribes every known non-blocked conversation so inbound
// activity keeps the cache fresh (and feeds the notification gate) even
// while no conversation is open.
func (o *Orchestrator) Start(ctx context.Context) error {
	convs, err := o.store.ListConversations(ctx, true)
	if err != nil {
		return err
	}
	subscribed := 0
	for _, conv := range convs {
		if conv.Blocked {
			continue
		}
		if err := o.subscribeConversation(conv.ID, true); err != nil {
			o.log.Warn().Err(err).Str("conversation_id", conv.ID).
				Msg("Failed to subscribe conversation at startup")
			continue
		}
		subscribed++
	}
	o.log.Info().Int("conversations", subscribed).Msg("Sync orchestrator started")
	return nil
}

// Stop cancels every subscription and timer. Messages still in flight
// complete or fail independently and record their outcome in the store.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, sub := range o.subs {
		sub.Close()
		delete(o.subs, id)
	}
	if o.typingSub != nil {
		o.typingSub.Close()
		o.typingSub = nil
	}
	if o.typingTimer != nil {
		o.typingTimer.Stop()
		o.typingTimer = nil
	}
	o.active = ""
}

// subscribeConversation registers a remote message subscription for one
// conversation. Idempotent per conversation. Callers must not hold o.mu.
func (o *Orchestrator) subscribeConversation(conversationID string, fromStart bool) error {
	o.mu.Lock()
	if _, ok := o.subs[conversationID]; ok {
		if fromStart {
			o.watched[conversationID] = true
		}
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	sub, err := o.remote.Subscribe(conversationID, func(snap remote.Snapshot) {
		// Watcher goroutines deliver sequentially per conversation, so
		// Apply never races itself for one conversation.
		if err := o.rec.Apply(context.Background(), snap); err != nil {
			o.log.Err(err).Str("conversation_id", conversationID).
				Msg("Failed to apply remote snapshot")
		}
	})
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.subs[conversationID]; ok {
		// Lost a subscribe race; keep the existing one.
		sub.Close()
	} else {
		o.subs[conversationID] = sub
	}
	if fromStart {
		o.watched[conversationID] = true
	}
	return nil
}

func (o *Orchestrator) unsubscribe(conversationID string) {
	o.mu.Lock()
	sub := o.subs[conversationID]
	delete(o.subs, conversationID)
	o.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// SetOnline records a connectivity transition. Going online triggers the
// unsynced-message sweep in the background.
func (o *Orchestrator) SetOnline(ctx context.Context, online bool) {
	o.mu.Lock()
	wasOnline := o.online
	o.online = online
	o.mu.Unlock()
	if online && !wasOnline {
		o.log.Info().Msg("Connectivity regained, sweeping unsynced messages")
		go o.sweepUnsynced(context.WithoutCancel(ctx))
	}
}

func (o *Orchestrator) isOnline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// sweepUnsynced pushes every Pending local-only message to the remote
// store. Per-item failures are isolated: one bad message cannot block the
// rest of the sweep. Failed messages are skipped; retrying those is an
// explicit user action.
func (o *Orchestrator) sweepUnsynced(ctx context.Context) {
	msgs, err := o.store.GetUnsyncedMessages(ctx)
	if err != nil {
		o.log.Err(err).Msg("Failed to load unsynced messages for sweep")
		return
	}
	if len(msgs) == 0 {
		return
	}

	blocked := make(map[string]bool)
	sent, failed, skipped := 0, 0, 0
	for _, msg := range msgs {
		if msg.Status == chatsync.StatusFailed {
			skipped++
			continue
		}
		isBlocked, ok := blocked[msg.ConversationID]
		if !ok {
			conv, err := o.store.GetConversation(ctx, msg.ConversationID)
			if err != nil {
				o.log.Warn().Err(err).Str("conversation_id", msg.ConversationID).
					Msg("Failed to load conversation flags during sweep")
			}
			isBlocked = conv != nil && conv.Blocked
			blocked[msg.ConversationID] = isBlocked
		}
		if isBlocked {
			skipped++
			continue
		}

		// The mirror copy carries Sent so the recipient's reconciler
		// sees server receipt rather than our queued state.
		wire := *msg
		wire.Status = chatsync.StatusSent
		if err := o.remote.WriteMessage(ctx, &wire); err != nil {
			if errors.Is(err, chatsync.ErrNetworkUnavailable) {
				// Connectivity dropped again mid-sweep. Everything left
				// stays Pending for the next reconnect.
				o.log.Info().Err(err).Msg("Connectivity lost during sweep, stopping")
				break
			}
			o.log.Warn().Err(err).Str("message_id", msg.ID).
				Msg("Sweep failed to push message")
			if err := o.store.SetMessageStatus(ctx, msg.ID, chatsync.StatusFailed); err != nil {
				o.log.Err(err).Str("message_id", msg.ID).Msg("Failed to record sweep failure")
			}
			failed++
			continue
		}
		if err := o.store.MarkSynced(ctx, msg.ID, chatsync.StatusSent); err != nil {
			o.log.Err(err).Str("message_id", msg.ID).Msg("Failed to record sweep success")
			continue
		}
		sent++
	}
	o.log.Info().
		Int("sent", sent).
		Int("failed", failed).
		Int("skipped", skipped).
		Int("total", len(msgs)).
		Msg("Unsynced message sweep complete")
}

// SendMessage creates the local Pending row first, then delivers in the
// background when online. The returned error covers local persistence
// only: remote and media failures surface as message status, never as an
// error, so callers observe state rather than exceptions. Navigating away
// does not cancel an in-flight delivery.
func (o *Orchestrator) SendMessage(ctx context.Context, peerID, text string, attachment []byte) (*chatsync.Message, error) {
	conversationID := chatsync.ConversationIDFor(o.userID, peerID)
	if _, err := o.store.EnsureConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	msg := &chatsync.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       o.userID,
		Text:           text,
		TimestampMS:    time.Now().UnixMilli(),
		Status:         chatsync.StatusPending,
		LocalOnly:      true,
	}
	if err := o.store.UpsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	if err := o.store.RecomputeLastMessage(ctx, conversationID); err != nil {
		return nil, err
	}

	if !o.isOnline() {
		// Queued silently; the reconnect sweep picks it up.
		o.log.Debug().Str("message_id", msg.ID).Msg("Offline, send queued as pending")
		return msg, nil
	}
	go o.deliver(context.WithoutCancel(ctx), msg, attachment)
	return msg, nil
}

// RetryMessage resets a Failed message to Pending and re-attempts
// delivery immediately when online. An attachment whose upload failed is
// not re-uploaded (the original bytes are gone); the message is delivered
// with whatever media fields it has.
func (o *Orchestrator) RetryMessage(ctx context.Context, messageID string) error {
	msg, err := o.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg == nil || msg.Status != chatsync.StatusFailed {
		return nil
	}
	if err = o.store.SetMessageStatus(ctx, messageID, chatsync.StatusPending); err != nil {
		return err
	}
	msg.Status = chatsync.StatusPending
	if o.isOnline() {
		go o.deliver(context.WithoutCancel(ctx), msg, nil)
	}
	return nil
}

func (o *Orchestrator) deliver(ctx context.Context, msg *chatsync.Message, attachment []byte) {
	log := o.log.With().Str("message_id", msg.ID).Str("conversation_id", msg.ConversationID).Logger()

	if len(attachment) > 0 {
		if o.uploader == nil {
			log.Error().Msg("Send has an attachment but no media uploader is configured")
			o.failMessage(ctx, msg.ID)
			return
		}
		up, err := o.uploader.Upload(ctx, attachment)
		if err != nil {
			// Media failure fails the whole send; nothing is persisted
			// remotely for this message.
			log.Warn().Err(err).Msg("Media upload failed, marking message failed")
			o.failMessage(ctx, msg.ID)
			return
		}
		msg.MediaURL = up.URL
		msg.MediaThumbURL = up.ThumbURL
		msg.MediaType = up.MimeType
		if err = o.store.UpsertMessage(ctx, msg); err != nil {
			log.Err(err).Msg("Failed to persist uploaded media references")
			return
		}
	}

	// Mirror a Sent copy; the local row only advances once the write
	// lands, and the recipient keys Delivered off the mirrored status.
	wire := *msg
	wire.Status = chatsync.StatusSent
	if err := o.remote.WriteMessage(ctx, &wire); err != nil {
		if errors.Is(err, chatsync.ErrNetworkUnavailable) {
			// Lost connectivity between the online check and the write.
			// The message stays Pending and the reconnect sweep sends it.
			log.Debug().Err(err).Msg("Offline during delivery, message stays queued")
			return
		}
		log.Warn().Err(err).Msg("Remote write failed, marking message failed")
		o.failMessage(ctx, msg.ID)
		return
	}
	if err := o.store.MarkSynced(ctx, msg.ID, chatsync.StatusSent); err != nil {
		log.Err(err).Msg("Failed to record successful send")
		return
	}
	log.Debug().Msg("Message delivered to remote store")
}

func (o *Orchestrator) failMessage(ctx context.Context, messageID string) {
	if err := o.store.SetMessageStatus(ctx, messageID, chatsync.StatusFailed); err != nil {
		o.log.Err(err).Str("message_id", messageID).Msg("Failed to record message failure")
	}
}

// DeleteMessage soft-deletes locally and mirrors the deleted flag to the
// remote store (ground truth keeps the row, only flagged). The remote
// flag is best effort when offline.
func (o *Orchestrator) DeleteMessage(ctx context.Context, messageID string) error {
	msg, err := o.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}
	if err = o.store.MarkDeleted(ctx, messageID); err != nil {
		return err
	}
	if err = o.store.RecomputeLastMessage(ctx, msg.ConversationID); err != nil {
		return err
	}
	if o.isOnline() && !msg.LocalOnly {
		msg.Deleted = true
		if err := o.remote.WriteMessage(ctx, msg); err != nil {
			o.log.Warn().Err(err).Str("message_id", messageID).
				Msg("Failed to mirror message deletion to remote store")
		}
	}
	return nil
}

// OpenConversation marks the conversation active (suppressing its
// notifications), clears unread state, marks inbound messages read
// locally and remotely, and ensures live subscriptions. Subscription is
// skipped entirely for blocked conversations.
func (o *Orchestrator) OpenConversation(ctx context.Context, conversationID string) error {
	conv, err := o.store.EnsureConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.active = conversationID
	o.peerTyping = make(map[string]time.Time)
	// Drop any idle-clear timer armed for the previously open
	// conversation so its callback never targets the wrong one.
	if o.typingTimer != nil {
		o.typingTimer.Stop()
		o.typingTimer = nil
	}
	o.mu.Unlock()

	if err = o.store.ResetUnread(ctx, conversationID); err != nil {
		return err
	}
	readIDs, err := o.store.MarkConversationRead(ctx, conversationID, o.userID, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if o.isOnline() {
		readAtMS := time.Now().UnixMilli()
		for _, id := range readIDs {
			if err := o.remote.UpdateStatus(ctx, conversationID, id, chatsync.StatusRead, readAtMS); err != nil {
				o.log.Warn().Err(err).Str("message_id", id).
					Msg("Failed to mirror read status to remote store")
			}
		}
	}

	if conv.Blocked {
		// Blocked conversations never sync; the chat history stays
		// readable from the local cache.
		return nil
	}

	if err = o.subscribeConversation(conversationID, false); err != nil {
		return err
	}
	typingSub, err := o.remote.SubscribeTyping(conversationID, func(userID string, at time.Time) {
		if userID == o.userID {
			return
		}
		o.mu.Lock()
		if o.active == conversationID {
			o.peerTyping[userID] = at
		}
		o.mu.Unlock()
	})
	if err != nil {
		return err
	}
	o.mu.Lock()
	if o.typingSub != nil {
		o.typingSub.Close()
	}
	o.typingSub = typingSub
	o.mu.Unlock()
	return nil
}

// CloseConversation clears the active marker and cancels the typing
// subscription and idle timer. The message subscription survives when the
// conversation belongs to the startup watch set, so background sync and
// notifications continue; ephemeral subscriptions end here.
func (o *Orchestrator) CloseConversation(ctx context.Context) {
	o.mu.Lock()
	conversationID := o.active
	o.active = ""
	o.peerTyping = make(map[string]time.Time)
	typingSub := o.typingSub
	o.typingSub = nil
	if o.typingTimer != nil {
		o.typingTimer.Stop()
		o.typingTimer = nil
	}
	ephemeral := conversationID != "" && !o.watched[conversationID]
	o.mu.Unlock()

	if typingSub != nil {
		typingSub.Close()
	}
	if conversationID == "" {
		return
	}
	if err := o.remote.ClearTyping(ctx, conversationID, o.userID); err != nil {
		o.log.Debug().Err(err).Msg("Failed to clear typing stamp on close")
	}
	if ephemeral {
		o.unsubscribe(conversationID)
	}
}

// NotifyTyping publishes a fresh typing stamp for the active conversation
// and (re)arms the idle timer that clears it after 3 s without another
// text change. Observers additionally expire stamps older than the
// freshness window, so a crash before the clear is harmless.
func (o *Orchestrator) NotifyTyping(ctx context.Context) {
	o.mu.Lock()
	conversationID := o.active
	o.mu.Unlock()
	if conversationID == "" {
		return
	}
	if err := o.remote.PublishTyping(ctx, conversationID, o.userID, time.Now()); err != nil {
		o.log.Debug().Err(err).Msg("Failed to publish typing stamp")
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.typingTimer != nil {
		o.typingTimer.Reset(typingIdleClear)
		return
	}
	o.typingTimer = time.AfterFunc(typingIdleClear, func() {
		clearCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.remote.ClearTyping(clearCtx, conversationID, o.userID); err != nil {
			o.log.Debug().Err(err).Msg("Failed to clear typing stamp after idle")
		}
	})
}

// PeerTyping reports whether any other participant of the active
// conversation has a typing stamp inside the freshness window.
func (o *Orchestrator) PeerTyping() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now()
	for _, at := range o.peerTyping {
		if remote.TypingFresh(at, now) {
			return true
		}
	}
	return false
}

// Archive hides the conversation from the default list. Data is kept and
// sync continues; any new inbound message auto-unarchives.
func (o *Orchestrator) Archive(ctx context.Context, conversationID string, archived bool) error {
	return o.store.SetArchived(ctx, conversationID, archived)
}

// Mute gates notifications only; sync continues.
func (o *Orchestrator) Mute(ctx context.Context, conversationID string, muted bool) error {
	return o.store.SetMuted(ctx, conversationID, muted)
}

// Block suspends remote sync for the conversation entirely and drops any
// live subscription. Unblock is the explicit inverse and resumes sync;
// it is never triggered automatically.
func (o *Orchestrator) Block(ctx context.Context, conversationID string) error {
	if err := o.store.SetBlocked(ctx, conversationID, true); err != nil {
		return err
	}
	o.unsubscribe(conversationID)
	o.mu.Lock()
	if o.active == conversationID && o.typingSub != nil {
		o.typingSub.Close()
		o.typingSub = nil
	}
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) Unblock(ctx context.Context, conversationID string) error {
	if err := o.store.SetBlocked(ctx, conversationID, false); err != nil {
		return err
	}
	o.mu.Lock()
	rewatch := o.watched[conversationID] || o.active == conversationID
	o.mu.Unlock()
	if rewatch {
		return o.subscribeConversation(conversationID, false)
	}
	return nil
}

package syncer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mercadito/chatsync/pkg/chatsync"
	"github.com/mercadito/chatsync/pkg/notify"
	"github.com/mercadito/chatsync/pkg/profile"
	"github.com/mercadito/chatsync/pkg/store"
)

// Gate decides whether a batch of new inbound messages becomes a
// user-visible notification. The reconciler has already filtered out own
// messages, previously-known ids, and the active conversation, so the
// gate only checks the mute flag and shapes the payload.
type Gate struct {
	log      zerolog.Logger
	store    *store.Store
	profiles *profile.Cache
	sender   notify.Sender
}

func NewGate(st *store.Store, profiles *profile.Cache, sender notify.Sender, log zerolog.Logger) *Gate {
	return &Gate{
		log:      log.With().Str("component", "gate").Logger(),
		store:    st,
		profiles: profiles,
		sender:   sender,
	}
}

// HandleNewMessages renders a grouped-or-single notification for the
// batch, keyed by conversation. Failures here never propagate: a broken
// notification path degrades the feature, it must not break sync.
func (g *Gate) HandleNewMessages(ctx context.Context, conversationID string, msgs []*chatsync.Message) {
	if len(msgs) == 0 || g.sender == nil {
		return
	}
	log := g.log.With().Str("conversation_id", conversationID).Logger()

	conv, err := g.store.GetConversation(ctx, conversationID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load conversation for notification gating")
		return
	}
	if conv != nil && conv.Muted {
		log.Debug().Int("suppressed", len(msgs)).Msg("Conversation muted, suppressing notification")
		return
	}

	newest := msgs[0]
	for _, msg := range msgs[1:] {
		if msg.TimestampMS > newest.TimestampMS {
			newest = msg
		}
	}

	senderName := profile.Placeholder
	if g.profiles != nil {
		senderName = g.profiles.DisplayName(ctx, newest.SenderID)
	}

	payload := notify.Payload{
		Type:           notify.TypeNewMessage,
		ConversationID: conversationID,
		MessageID:      newest.ID,
		SenderID:       newest.SenderID,
		SenderName:     senderName,
		Text:           newest.Text,
		ImageURL:       newest.MediaURL,
		TimestampMS:    newest.TimestampMS,
		Count:          len(msgs),
	}
	if len(msgs) > 1 {
		payload.Text = fmt.Sprintf("%d new messages", len(msgs))
	}

	if err := g.sender.Send(ctx, payload); err != nil {
		log.Warn().Err(err).Int("count", len(msgs)).Msg("Failed to deliver notification")
	}
}

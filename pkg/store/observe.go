package store

import (
	"context"

	"github.com/mercadito/chatsync/pkg/chatsync"
)

// MessageObserver is a live view of one conversation's non-deleted
// messages. Every local write touching the conversation re-runs the query
// and pushes a full ordered snapshot. Delivery is latest-wins: a slow
// consumer sees the newest snapshot, never a backlog, and writers are
// never blocked.
type MessageObserver struct {
	store          *Store
	conversationID string
	ch             chan []*chatsync.Message
	closed         bool
}

// ObserveMessages registers a live observer and synchronously emits the
// current snapshot as the first update. Close the observer to release it;
// an unclosed observer keeps one channel alive for the store's lifetime.
func (s *Store) ObserveMessages(ctx context.Context, conversationID string) (*MessageObserver, error) {
	msgs, err := s.GetMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ob := &MessageObserver{
		store:          s,
		conversationID: conversationID,
		ch:             make(chan []*chatsync.Message, 1),
	}
	ob.ch <- msgs

	s.observersMu.Lock()
	s.observers[conversationID] = append(s.observers[conversationID], ob)
	s.observersMu.Unlock()
	return ob, nil
}

// Updates returns the snapshot channel. It is closed by Close.
func (ob *MessageObserver) Updates() <-chan []*chatsync.Message {
	return ob.ch
}

// Close unregisters the observer and closes its channel.
func (ob *MessageObserver) Close() {
	s := ob.store
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	obs := s.observers[ob.conversationID]
	for i, other := range obs {
		if other == ob {
			s.observers[ob.conversationID] = append(obs[:i], obs[i+1:]...)
			break
		}
	}
	ob.closeLocked()
}

func (ob *MessageObserver) closeLocked() {
	if ob.closed {
		return
	}
	ob.closed = true
	close(ob.ch)
}

// notifyConversation re-queries the conversation and pushes the snapshot
// to every registered observer. Called after each committed write.
func (s *Store) notifyConversation(ctx context.Context, conversationID string) {
	s.observersMu.Lock()
	hasObservers := len(s.observers[conversationID]) > 0
	s.observersMu.Unlock()
	if !hasObservers {
		return
	}

	msgs, err := s.GetMessages(ctx, conversationID)
	if err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID).
			Msg("Failed to re-query messages for observers")
		return
	}

	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	for _, ob := range s.observers[conversationID] {
		if ob.closed {
			continue
		}
		// Replace any unconsumed snapshot with the newer one.
		select {
		case ob.ch <- msgs:
		default:
			select {
			case <-ob.ch:
			default:
			}
			select {
			case ob.ch <- msgs:
			default:
			}
		}
	}
}

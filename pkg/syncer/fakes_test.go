package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/mercadito/chatsync/pkg/chatsync"
	"github.com/mercadito/chatsync/pkg/notify"
	"github.com/mercadito/chatsync/pkg/remote"
)

type statusUpdate struct {
	ConversationID string
	MessageID      string
	Status         chatsync.Status
	ReadAtMS       int64
}

type fakeSubscription struct {
	closed  bool
	closeMu *sync.Mutex
}

func (s *fakeSubscription) Close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	s.closed = true
}

// fakeRemote records every call and lets tests inject failures.
type fakeRemote struct {
	mu sync.Mutex

	writeErr  error
	updateErr error

	writes        []*chatsync.Message
	statusUpdates []statusUpdate
	typingPubs    []string
	typingClears  []string

	msgSubs    map[string]*fakeSubscription
	typingSubs map[string]*fakeSubscription
}

var _ remote.Client = (*fakeRemote)(nil)

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		msgSubs:    make(map[string]*fakeSubscription),
		typingSubs: make(map[string]*fakeSubscription),
	}
}

func (f *fakeRemote) WriteMessage(ctx context.Context, msg *chatsync.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	copied := *msg
	f.writes = append(f.writes, &copied)
	return nil
}

func (f *fakeRemote) UpdateStatus(ctx context.Context, conversationID, messageID string, status chatsync.Status, readAtMS int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.statusUpdates = append(f.statusUpdates, statusUpdate{conversationID, messageID, status, readAtMS})
	return nil
}

func (f *fakeRemote) Subscribe(conversationID string, handler remote.SnapshotHandler) (remote.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSubscription{closeMu: &f.mu}
	f.msgSubs[conversationID] = sub
	return sub, nil
}

func (f *fakeRemote) PublishTyping(ctx context.Context, conversationID, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingPubs = append(f.typingPubs, conversationID+"/"+userID)
	return nil
}

func (f *fakeRemote) ClearTyping(ctx context.Context, conversationID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingClears = append(f.typingClears, conversationID+"/"+userID)
	return nil
}

func (f *fakeRemote) SubscribeTyping(conversationID string, handler remote.TypingHandler) (remote.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSubscription{closeMu: &f.mu}
	f.typingSubs[conversationID] = sub
	return sub, nil
}

func (f *fakeRemote) writtenIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.writes))
	for i, msg := range f.writes {
		ids[i] = msg.ID
	}
	return ids
}

func (f *fakeRemote) subscribed(conversationID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.msgSubs[conversationID]
	return ok && !sub.closed
}

// fakeSender records notification payloads.
type fakeSender struct {
	mu       sync.Mutex
	payloads []notify.Payload
}

var _ notify.Sender = (*fakeSender)(nil)

func (f *fakeSender) Send(ctx context.Context, payload notify.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeSender) sent() []notify.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Payload(nil), f.payloads...)
}

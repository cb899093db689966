package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/mercadito/chatsync/pkg/chatsync"
)

// NATSClient implements Client on a JetStream key-value bucket laid out
//
//	conversations.{conversationId}.messages.{messageId} -> message JSON
//	conversations.{conversationId}.typing.{userId}      -> unix ms stamp
//
// (the dot-separated form of the hosted store's conversations/{id}/…
// hierarchy; dots are the KV watch separator). KV watchers replay the
// current key set before streaming changes, which is exactly the
// snapshot-then-updates contract Subscribe promises.
type NATSClient struct {
	nc  *nats.Conn
	kv  nats.KeyValue
	log zerolog.Logger
}

var _ Client = (*NATSClient)(nil)

// NewNATSClient binds to (or creates) the KV bucket on an established
// connection. The caller owns the connection's lifecycle.
func NewNATSClient(nc *nats.Conn, bucket string, log zerolog.Logger) (*NATSClient, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  bucket,
			History: 1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to bind KV bucket %s: %w", bucket, err)
	}
	return &NATSClient{
		nc:  nc,
		kv:  kv,
		log: log.With().Str("component", "remote").Logger(),
	}, nil
}

func messageKey(conversationID, messageID string) string {
	return "conversations." + conversationID + ".messages." + messageID
}

func typingKey(conversationID, userID string) string {
	return "conversations." + conversationID + ".typing." + userID
}

// lastKeyToken returns the trailing token of a KV key (message or user id).
func lastKeyToken(key string) string {
	if idx := strings.LastIndexByte(key, '.'); idx >= 0 {
		return key[idx+1:]
	}
	return key
}

// classifyErr distinguishes "the network is gone" from "the store said
// no": callers keep messages Pending for the former and mark them Failed
// for the latter.
func classifyErr(err error) error {
	if errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrDisconnected) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrReconnectBufExceeded) {
		return fmt.Errorf("%w: %v", chatsync.ErrNetworkUnavailable, err)
	}
	return err
}

func (c *NATSClient) WriteMessage(ctx context.Context, msg *chatsync.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}
	if _, err = c.kv.Put(messageKey(msg.ConversationID, msg.ID), data); err != nil {
		return fmt.Errorf("failed to write message %s: %w", msg.ID, classifyErr(err))
	}
	return nil
}

// UpdateStatus is a read-modify-write with optimistic concurrency: the
// revision check makes concurrent updates from both participants safe,
// and the forward-only comparison means a retry after losing the race can
// only ever be a no-op or further progress.
func (c *NATSClient) UpdateStatus(ctx context.Context, conversationID, messageID string, status chatsync.Status, readAtMS int64) error {
	key := messageKey(conversationID, messageID)
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		entry, err := c.kv.Get(key)
		if err != nil {
			return fmt.Errorf("failed to read message %s for status update: %w", messageID, err)
		}
		var msg chatsync.Message
		if err = json.Unmarshal(entry.Value(), &msg); err != nil {
			return fmt.Errorf("failed to decode message %s: %w", messageID, err)
		}
		changed := false
		if status.After(msg.Status) {
			msg.Status = status
			changed = true
		}
		if readAtMS > msg.ReadAtMS {
			msg.ReadAtMS = readAtMS
			changed = true
		}
		if !changed {
			return nil
		}
		data, err := json.Marshal(&msg)
		if err != nil {
			return fmt.Errorf("failed to encode message %s: %w", messageID, err)
		}
		_, err = c.kv.Update(key, data, entry.Revision())
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("failed to update status of message %s after %d attempts: %w", messageID, maxAttempts, lastErr)
}

type natsSubscription struct {
	watcher  nats.KeyWatcher
	stopOnce sync.Once
	done     chan struct{}
}

func (s *natsSubscription) Close() {
	s.stopOnce.Do(func() {
		close(s.done)
		_ = s.watcher.Stop()
	})
}

func (c *NATSClient) Subscribe(conversationID string, handler SnapshotHandler) (Subscription, error) {
	watcher, err := c.kv.Watch("conversations." + conversationID + ".messages.>")
	if err != nil {
		return nil, fmt.Errorf("failed to watch messages of %s: %w", conversationID, err)
	}
	sub := &natsSubscription{watcher: watcher, done: make(chan struct{})}
	go c.runMessageWatch(conversationID, watcher, handler, sub.done)
	return sub, nil
}

func (c *NATSClient) runMessageWatch(conversationID string, watcher nats.KeyWatcher, handler SnapshotHandler, done <-chan struct{}) {
	log := c.log.With().Str("conversation_id", conversationID).Logger()
	current := make(map[string]*chatsync.Message)
	initialDone := false
	for {
		select {
		case <-done:
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				// nil marks the end of the initial key replay: the first
				// full snapshot is complete, even if the set is empty.
				initialDone = true
				handler(c.buildSnapshot(conversationID, current))
				continue
			}
			switch entry.Operation() {
			case nats.KeyValueDelete, nats.KeyValuePurge:
				delete(current, lastKeyToken(entry.Key()))
			default:
				var msg chatsync.Message
				if err := json.Unmarshal(entry.Value(), &msg); err != nil {
					log.Warn().Err(err).Str("key", entry.Key()).
						Msg("Dropping undecodable remote message entry")
					continue
				}
				current[msg.ID] = &msg
			}
			if initialDone {
				handler(c.buildSnapshot(conversationID, current))
			}
		}
	}
}

func (c *NATSClient) buildSnapshot(conversationID string, current map[string]*chatsync.Message) Snapshot {
	msgs := make([]*chatsync.Message, 0, len(current))
	for _, msg := range current {
		copied := *msg
		msgs = append(msgs, &copied)
	}
	// Stable order for consumers; reconciliation itself is order-agnostic.
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].TimestampMS != msgs[j].TimestampMS {
			return msgs[i].TimestampMS < msgs[j].TimestampMS
		}
		return msgs[i].ID < msgs[j].ID
	})
	return Snapshot{ConversationID: conversationID, Messages: msgs}
}

func (c *NATSClient) PublishTyping(ctx context.Context, conversationID, userID string, at time.Time) error {
	_, err := c.kv.Put(typingKey(conversationID, userID), []byte(strconv.FormatInt(at.UnixMilli(), 10)))
	if err != nil {
		return fmt.Errorf("failed to publish typing stamp: %w", err)
	}
	return nil
}

func (c *NATSClient) ClearTyping(ctx context.Context, conversationID, userID string) error {
	_, err := c.kv.Put(typingKey(conversationID, userID), []byte("0"))
	if err != nil {
		return fmt.Errorf("failed to clear typing stamp: %w", err)
	}
	return nil
}

func (c *NATSClient) SubscribeTyping(conversationID string, handler TypingHandler) (Subscription, error) {
	watcher, err := c.kv.Watch("conversations." + conversationID + ".typing.>")
	if err != nil {
		return nil, fmt.Errorf("failed to watch typing of %s: %w", conversationID, err)
	}
	sub := &natsSubscription{watcher: watcher, done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-sub.done:
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				userID := lastKeyToken(entry.Key())
				if entry.Operation() == nats.KeyValueDelete || entry.Operation() == nats.KeyValuePurge {
					handler(userID, time.Time{})
					continue
				}
				ms, err := strconv.ParseInt(string(entry.Value()), 10, 64)
				if err != nil || ms <= 0 {
					handler(userID, time.Time{})
					continue
				}
				// Stale replayed stamps are fine: the freshness window on
				// the observer side expires them.
				handler(userID, time.UnixMilli(ms))
			}
		}
	}()
	return sub, nil
}

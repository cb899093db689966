// Package chatsync holds the shared data model for the marketplace chat
// synchronization engine: messages, conversations, status lifecycle, and
// the error taxonomy used across the store, remote, and syncer packages.
package chatsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the delivery state of a message. The numeric encoding is
// ordered so that forward lifecycle progress is a strict increase:
// Pending < Failed < Sent < Delivered < Read. Failed sits between Pending
// and Sent so a remote snapshot proving the message actually reached the
// server (Sent or later) still wins over a locally recorded failure, while
// a stale Pending can never clobber it.
type Status int

const (
	StatusPending   Status = 0
	StatusFailed    Status = 5
	StatusSent      Status = 10
	StatusDelivered Status = 20
	StatusRead      Status = 30
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
	StatusFailed:    "failed",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
}

var statusValues = map[string]Status{
	"pending":   StatusPending,
	"failed":    StatusFailed,
	"sent":      StatusSent,
	"delivered": StatusDelivered,
	"read":      StatusRead,
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// IsValid reports whether s is one of the five defined states.
func (s Status) IsValid() bool {
	_, ok := statusNames[s]
	return ok
}

// After reports whether s is forward lifecycle progress relative to other.
func (s Status) After(other Status) bool {
	return s > other
}

// ParseStatus converts the wire name back to a Status. Unknown names map
// to StatusPending so a newer peer can't push the local cache into an
// undefined state.
func ParseStatus(name string) Status {
	if s, ok := statusValues[name]; ok {
		return s
	}
	return StatusPending
}

// MarshalJSON writes the status as its wire name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*s = ParseStatus(name)
	return nil
}

// Message is a single chat message as stored locally and mirrored
// remotely. Timestamp is the creation time in Unix milliseconds and is
// the ordering key for display; out-of-order arrival self-corrects at
// read time.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Text           string `json:"text"`
	MediaURL       string `json:"imageUrl,omitempty"`
	MediaThumbURL  string `json:"thumbUrl,omitempty"`
	MediaType      string `json:"mediaType,omitempty"`
	TimestampMS    int64  `json:"timestamp"`
	Status         Status `json:"status"`
	ReadAtMS       int64  `json:"readAt,omitempty"`
	Deleted        bool   `json:"deleted,omitempty"`

	// LocalOnly is true until the message is confirmed written to the
	// remote store. Never serialized to the remote mirror.
	LocalOnly bool `json:"-"`
}

// Time returns the creation timestamp as a time.Time.
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.TimestampMS)
}

// LastMessage is the denormalized snapshot of a conversation's newest
// non-deleted message, kept on the conversation row for list rendering.
type LastMessage struct {
	MessageID   string
	Text        string
	SenderID    string
	TimestampMS int64
}

// Conversation is a two-party chat thread. Muted, Archived, and Blocked
// are device-local preferences and are not mirrored to the remote store;
// concurrent edits from multiple devices are last-write-wins.
type Conversation struct {
	ID          string
	UserA       string // lexicographically smaller participant
	UserB       string
	Last        LastMessage
	UnreadCount int
	Muted       bool
	Archived    bool
	Blocked     bool
	UpdatedAtMS int64
}

// Peer returns the participant that is not selfID. Falls back to UserB
// when selfID matches neither, which only happens on corrupt rows.
func (c *Conversation) Peer(selfID string) string {
	if c.UserA == selfID {
		return c.UserB
	}
	if c.UserB == selfID {
		return c.UserA
	}
	return c.UserB
}

// ConversationIDFor derives the canonical conversation identifier for a
// pair of users: lexicographically smaller id first, joined with "-".
// Both sides compute the same id without a lookup table.
func ConversationIDFor(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + "-" + userB
}

// SplitConversationID is the inverse of ConversationIDFor. The ok result
// is false when the id does not contain a separator.
func SplitConversationID(id string) (userA, userB string, ok bool) {
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			return id[:i], id[i+1:], true
		}
	}
	return "", "", false
}

package chatsync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusOrdering(t *testing.T) {
	assert.True(t, StatusFailed.After(StatusPending))
	assert.True(t, StatusSent.After(StatusFailed))
	assert.True(t, StatusDelivered.After(StatusSent))
	assert.True(t, StatusRead.After(StatusDelivered))

	assert.False(t, StatusPending.After(StatusSent))
	assert.False(t, StatusSent.After(StatusSent))
	assert.False(t, StatusFailed.After(StatusSent), "a recorded failure must not undo a confirmed send")
}

func TestStatusJSON(t *testing.T) {
	for _, status := range []Status{StatusPending, StatusFailed, StatusSent, StatusDelivered, StatusRead} {
		data, err := json.Marshal(status)
		require.NoError(t, err)
		var back Status
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, status, back)
	}

	var s Status
	require.NoError(t, json.Unmarshal([]byte(`"read"`), &s))
	assert.Equal(t, StatusRead, s)
	require.NoError(t, json.Unmarshal([]byte(`"who-knows"`), &s))
	assert.Equal(t, StatusPending, s, "unknown wire names fall back to pending")
}

func TestParseStatus(t *testing.T) {
	assert.Equal(t, StatusDelivered, ParseStatus("delivered"))
	assert.Equal(t, StatusPending, ParseStatus(""))
	assert.False(t, Status(7).IsValid())
}

func TestConversationIDFor(t *testing.T) {
	assert.Equal(t, "alice-bob", ConversationIDFor("alice", "bob"))
	assert.Equal(t, "alice-bob", ConversationIDFor("bob", "alice"), "id is independent of argument order")
	assert.Equal(t, "u1-u2", ConversationIDFor("u2", "u1"))
}

func TestSplitConversationID(t *testing.T) {
	a, b, ok := SplitConversationID("alice-bob")
	require.True(t, ok)
	assert.Equal(t, "alice", a)
	assert.Equal(t, "bob", b)

	_, _, ok = SplitConversationID("noseparator")
	assert.False(t, ok)
}

func TestConversationPeer(t *testing.T) {
	conv := &Conversation{ID: "alice-bob", UserA: "alice", UserB: "bob"}
	assert.Equal(t, "bob", conv.Peer("alice"))
	assert.Equal(t, "alice", conv.Peer("bob"))
}

func TestMessageLocalOnlyNotSerialized(t *testing.T) {
	msg := &Message{ID: "m1", ConversationID: "a-b", SenderID: "a", Text: "hi", LocalOnly: true}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "LocalOnly")
	assert.NotContains(t, string(data), "local")
}

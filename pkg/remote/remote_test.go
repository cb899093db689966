package remote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mercadito/chatsync/pkg/chatsync"
)

func TestTypingFresh(t *testing.T) {
	now := time.Now()
	assert.True(t, TypingFresh(now, now))
	assert.True(t, TypingFresh(now.Add(-TypingFreshness+time.Millisecond), now))
	assert.False(t, TypingFresh(now.Add(-TypingFreshness), now), "the window boundary is exclusive")
	assert.False(t, TypingFresh(now.Add(-time.Minute), now))
	assert.False(t, TypingFresh(time.Time{}, now), "zero stamp means explicitly cleared")
}

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "conversations.a-b.messages.m1", messageKey("a-b", "m1"))
	assert.Equal(t, "conversations.a-b.typing.alice", typingKey("a-b", "alice"))
	assert.Equal(t, "m1", lastKeyToken("conversations.a-b.messages.m1"))
	assert.Equal(t, "plain", lastKeyToken("plain"))
}

func TestBuildSnapshotOrdering(t *testing.T) {
	c := &NATSClient{}
	current := map[string]*chatsync.Message{
		"m2": {ID: "m2", TimestampMS: 2000},
		"m1": {ID: "m1", TimestampMS: 1000},
		"m4": {ID: "m4", TimestampMS: 2000},
		"m3": {ID: "m3", TimestampMS: 3000},
	}
	snap := c.buildSnapshot("a-b", current)
	assert.Equal(t, "a-b", snap.ConversationID)
	ids := make([]string, len(snap.Messages))
	for i, m := range snap.Messages {
		ids[i] = m.ID
	}
	// Timestamp order, id as the tiebreak.
	assert.Equal(t, []string{"m1", "m2", "m4", "m3"}, ids)
}

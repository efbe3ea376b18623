package chatengine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func makeHistory(n int) []Message {
	msgs := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		msgs = append(msgs, Message{
			ID:        fmt.Sprintf("m%d", i),
			Role:      role,
			Content:   fmt.Sprintf("message number %d", i),
			TokenCost: 10,
		})
	}
	return msgs
}

func TestRecentHistoryEmpty(t *testing.T) {
	assert.Empty(t, RecentHistory(nil, 100, 10))
}

func TestRecentHistoryMessageLimit(t *testing.T) {
	out := RecentHistory(makeHistory(30), 0, 10)
	assert.Len(t, out, 10)
	// Most recent messages survive, chronological order preserved.
	assert.Equal(t, "m20", out[0].ID)
	assert.Equal(t, "m29", out[9].ID)
}

func TestRecentHistoryTokenLimit(t *testing.T) {
	// 10 tokens per message; a 35-token budget keeps the last 3.
	out := RecentHistory(makeHistory(10), 35, 0)
	assert.Len(t, out, 3)
	assert.Equal(t, "m9", out[2].ID)
}

func TestRecentHistoryMessageLimitAppliesFirst(t *testing.T) {
	out := RecentHistory(makeHistory(30), 25, 5)
	// 5 messages by count, then 25 tokens keeps 2.
	assert.Len(t, out, 2)
	assert.Equal(t, "m28", out[0].ID)
	assert.Equal(t, "m29", out[1].ID)
}

func TestRecentHistoryEstimatesUncostedMessages(t *testing.T) {
	msgs := []Message{
		{ID: "a", Role: RoleUser, Content: "aaaaaaaaaaaaaaaaaaaa"}, // ~5 tokens estimated
		{ID: "b", Role: RoleUser, Content: "bbbb"},                 // ~1 token estimated
	}
	out := RecentHistory(msgs, 2, 0)
	assert.Len(t, out, 1)
	assert.Equal(t, "b", out[0].ID)
}

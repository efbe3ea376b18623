package chatengine

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session is a persisted conversation context scoped to one (user, agent)
// pair. At most one session per pair is active at a time.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	AgentID      string    `json:"agent_id"`
	Title        *string   `json:"title"` // nil until the first completed exchange
	IsActive     bool      `json:"is_active"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is a single conversation turn. A user message is always created
// with StreamingComplete set; an assistant message starts as an empty
// placeholder and flips StreamingComplete exactly once, on stream completion.
type Message struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	Role              string    `json:"role"` // "user" or "assistant"
	Content           string    `json:"content"`
	TokenCost         int       `json:"token_cost"` // 0 for user messages at creation
	StreamingComplete bool      `json:"streaming_complete"`
	CreatedAt         time.Time `json:"created_at"`
}

// Agent is a named behavioral configuration applied to every generation
// request within a session.
type Agent struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
}

// TokenBalance is the remote store's view of a user's metered budget. The
// engine only reads it; the debit happens remotely during generation.
type TokenBalance struct {
	Recurring int `json:"recurring"`
	Bonus     int `json:"bonus"`
	Consumed  int `json:"consumed"`
}

// Available returns the derived remaining budget: allotments minus consumed.
func (b TokenBalance) Available() int {
	return b.Recurring + b.Bonus - b.Consumed
}

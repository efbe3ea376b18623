// Package supabase implements the remote store the engine persists to.
// Sessions, messages, agents and token balances are owned by the remote
// store; the engine only holds working copies.
package supabase

import (
	"context"

	"github.com/creastat/chatengine"
)

// Store provides access to the remote store for chat engine operations.
// Remote failures wrap chatengine.ErrStoreUnavailable, except the balance
// read which wraps chatengine.ErrBalanceUnavailable.
type Store interface {
	// CreateSession inserts a session row and returns the stored row.
	CreateSession(ctx context.Context, userID, agentID string, active bool) (*chatengine.Session, error)

	// UpdateSession applies a partial update to a session row.
	UpdateSession(ctx context.Context, sessionID string, patch SessionPatch) error

	// DeactivateSessions clears is_active on every session for the pair,
	// except the optional keepID.
	DeactivateSessions(ctx context.Context, userID, agentID, keepID string) error

	// DeleteSession removes a session row; message rows cascade remotely.
	DeleteSession(ctx context.Context, sessionID string) error

	// ListSessions returns the pair's sessions, most recently updated first.
	ListSessions(ctx context.Context, userID, agentID string) ([]chatengine.Session, error)

	// CreateMessage inserts a message row and returns the stored row.
	CreateMessage(ctx context.Context, msg chatengine.Message) (*chatengine.Message, error)

	// ListMessages returns a session's messages in chronological order.
	ListMessages(ctx context.Context, sessionID string) ([]chatengine.Message, error)

	// GetAgent retrieves an agent's behavioral configuration.
	GetAgent(ctx context.Context, agentID string) (*chatengine.Agent, error)

	// GetTokenBalance retrieves the user's metered token budget.
	GetTokenBalance(ctx context.Context, userID string) (*chatengine.TokenBalance, error)

	// Close closes the client and releases resources.
	Close() error
}

// SessionPatch is a partial update for a session row. Nil fields are left
// untouched.
type SessionPatch struct {
	Title        *string
	IsActive     *bool
	MessageCount *int
	Touch        bool // bump updated_at
}

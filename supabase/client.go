package supabase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/creastat/chatengine"
	"github.com/supabase-community/supabase-go"
)

// Table names owned by the remote store.
const (
	tableSessions = "chat_sessions"
	tableMessages = "chat_messages"
	tableAgents   = "agents"
	tableTokens   = "user_tokens"
)

// Config holds Supabase connection configuration
type Config struct {
	URL      string
	APIKey   string
	AgentTTL time.Duration // agent config cache, default 5 minutes
}

// Client implements the Store interface using Supabase
type Client struct {
	client   *supabase.Client
	agents   *agentCache
	agentTTL time.Duration
}

// agentCache provides thread-safe caching for agent configurations, which
// change rarely compared to sessions and messages.
type agentCache struct {
	mu   sync.RWMutex
	byID map[string]*agentEntry
}

type agentEntry struct {
	value     *chatengine.Agent
	expiresAt time.Time
}

// New creates a new Supabase client
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}

	if cfg.AgentTTL == 0 {
		cfg.AgentTTL = 5 * time.Minute
	}

	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}

	return &Client{
		client:   client,
		agentTTL: cfg.AgentTTL,
		agents:   &agentCache{byID: make(map[string]*agentEntry)},
	}, nil
}

// sessionInsert is the writable subset of a session row.
type sessionInsert struct {
	UserID   string `json:"user_id"`
	AgentID  string `json:"agent_id"`
	IsActive bool   `json:"is_active"`
}

// messageInsert is the writable subset of a message row.
type messageInsert struct {
	SessionID         string `json:"session_id"`
	Role              string `json:"role"`
	Content           string `json:"content"`
	TokenCost         int    `json:"token_cost"`
	StreamingComplete bool   `json:"streaming_complete"`
}

// CreateSession implements Store.
func (c *Client) CreateSession(ctx context.Context, userID, agentID string, active bool) (*chatengine.Session, error) {
	var rows []chatengine.Session
	_, err := c.client.From(tableSessions).
		Insert(sessionInsert{UserID: userID, AgentID: agentID, IsActive: active}, false, "", "representation", "").
		ExecuteTo(&rows)

	if err != nil {
		return nil, storeErr("failed to create session", err)
	}
	if len(rows) == 0 {
		return nil, storeErr("failed to create session", fmt.Errorf("no row returned"))
	}
	return &rows[0], nil
}

// UpdateSession implements Store.
func (c *Client) UpdateSession(ctx context.Context, sessionID string, patch SessionPatch) error {
	values := map[string]any{}
	if patch.Title != nil {
		values["title"] = *patch.Title
	}
	if patch.IsActive != nil {
		values["is_active"] = *patch.IsActive
	}
	if patch.MessageCount != nil {
		values["message_count"] = *patch.MessageCount
	}
	if patch.Touch {
		values["updated_at"] = time.Now().UTC().Format(time.RFC3339)
	}
	if len(values) == 0 {
		return nil
	}

	var rows []chatengine.Session
	_, err := c.client.From(tableSessions).
		Update(values, "representation", "").
		Eq("id", sessionID).
		ExecuteTo(&rows)

	if err != nil {
		return storeErr("failed to update session", err)
	}
	return nil
}

// DeactivateSessions implements Store.
func (c *Client) DeactivateSessions(ctx context.Context, userID, agentID, keepID string) error {
	q := c.client.From(tableSessions).
		Update(map[string]any{"is_active": false}, "representation", "").
		Eq("user_id", userID).
		Eq("agent_id", agentID).
		Eq("is_active", "true")
	if keepID != "" {
		q = q.Neq("id", keepID)
	}

	var rows []chatengine.Session
	if _, err := q.ExecuteTo(&rows); err != nil {
		return storeErr("failed to deactivate sessions", err)
	}
	return nil
}

// DeleteSession implements Store.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	var rows []chatengine.Session
	_, err := c.client.From(tableSessions).
		Delete("representation", "").
		Eq("id", sessionID).
		ExecuteTo(&rows)

	if err != nil {
		return storeErr("failed to delete session", err)
	}
	return nil
}

// ListSessions implements Store.
func (c *Client) ListSessions(ctx context.Context, userID, agentID string) ([]chatengine.Session, error) {
	var sessions []chatengine.Session
	_, err := c.client.From(tableSessions).
		Select("*", "", false).
		Eq("user_id", userID).
		Eq("agent_id", agentID).
		ExecuteTo(&sessions)

	if err != nil {
		return nil, storeErr("failed to list sessions", err)
	}

	// Most recently updated first.
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// CreateMessage implements Store.
func (c *Client) CreateMessage(ctx context.Context, msg chatengine.Message) (*chatengine.Message, error) {
	row := messageInsert{
		SessionID:         msg.SessionID,
		Role:              msg.Role,
		Content:           msg.Content,
		TokenCost:         msg.TokenCost,
		StreamingComplete: msg.StreamingComplete,
	}

	var rows []chatengine.Message
	_, err := c.client.From(tableMessages).
		Insert(row, false, "", "representation", "").
		ExecuteTo(&rows)

	if err != nil {
		return nil, storeErr("failed to create message", err)
	}
	if len(rows) == 0 {
		return nil, storeErr("failed to create message", fmt.Errorf("no row returned"))
	}
	return &rows[0], nil
}

// ListMessages implements Store.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]chatengine.Message, error) {
	var messages []chatengine.Message
	_, err := c.client.From(tableMessages).
		Select("*", "", false).
		Eq("session_id", sessionID).
		ExecuteTo(&messages)

	if err != nil {
		return nil, storeErr("failed to list messages", err)
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

// GetAgent implements Store.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*chatengine.Agent, error) {
	// Check cache first
	if cached := c.agents.get(agentID); cached != nil {
		return cached, nil
	}

	var agent chatengine.Agent
	_, err := c.client.From(tableAgents).
		Select("*", "", false).
		Eq("id", agentID).
		Single().
		ExecuteTo(&agent)

	if err != nil {
		return nil, storeErr("failed to get agent", err)
	}

	c.agents.put(agentID, &agent, c.agentTTL)
	return &agent, nil
}

// GetTokenBalance implements Store.
func (c *Client) GetTokenBalance(ctx context.Context, userID string) (*chatengine.TokenBalance, error) {
	var balance chatengine.TokenBalance
	_, err := c.client.From(tableTokens).
		Select("*", "", false).
		Eq("user_id", userID).
		Single().
		ExecuteTo(&balance)

	if err != nil {
		return nil, fmt.Errorf("failed to get token balance: %w: %w", chatengine.ErrBalanceUnavailable, err)
	}
	return &balance, nil
}

// Close closes the Supabase client
func (c *Client) Close() error {
	// Supabase client doesn't require explicit close
	return nil
}

func (a *agentCache) get(id string) *chatengine.Agent {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if e, ok := a.byID[id]; ok {
		if time.Now().Before(e.expiresAt) {
			return e.value
		}
	}
	return nil
}

func (a *agentCache) put(id string, agent *chatengine.Agent, ttl time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.byID[id] = &agentEntry{
		value:     agent,
		expiresAt: time.Now().Add(ttl),
	}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, chatengine.ErrStoreUnavailable, err)
}

// Compile-time check that Client implements Store
var _ Store = (*Client)(nil)

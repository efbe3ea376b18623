// Package engine assembles the chat engine: cache, remote store, session
// store, token meter, dispatch client, stream transport and message
// pipeline, wired once per process.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/creastat/chatengine"
	"github.com/creastat/chatengine/cache"
	"github.com/creastat/chatengine/generate"
	"github.com/creastat/chatengine/meter"
	"github.com/creastat/chatengine/pipeline"
	"github.com/creastat/chatengine/session"
	"github.com/creastat/chatengine/supabase"
	"github.com/creastat/chatengine/transport"
)

// Options tunes an Engine beyond its Config.
type Options struct {
	Logger *slog.Logger
	// OnSendError receives pipeline failures that resolve after Send
	// returned (post-debounce).
	OnSendError func(error)
	// OnConnectionState observes transport transitions, e.g. to offer the
	// manual reconnect affordance on a terminal error.
	OnConnectionState transport.StateListener
}

// Engine is the caller-facing facade over the chat session engine. One chat
// context (a user paired with an agent) is entered at a time.
type Engine struct {
	cfg    *chatengine.Config
	logger *slog.Logger
	opts   Options

	cache      cache.Cache
	remote     supabase.Store
	sessions   *session.Store
	meter      *meter.Meter
	dispatcher pipeline.Dispatcher
	log        *pipeline.Log
	pipe       *pipeline.Pipeline

	mu        sync.Mutex
	transport *transport.Transport
	current   *chatengine.Session
	agent     *chatengine.Agent
	userID    string
}

// New builds an engine from configuration. The cache driver is Redis when
// RedisAddr is set, in-memory otherwise.
func New(cfg *chatengine.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		c   cache.Cache
		err error
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		c, err = cache.New(cache.DriverRedis, cache.WithRedisClient(client), cache.WithKeyPrefix("chat:"))
	} else {
		c, err = cache.New(cache.DriverMemory)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	remote, err := supabase.New(supabase.Config{URL: cfg.SupabaseURL, APIKey: cfg.SupabaseAPIKey})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		opts:       opts,
		cache:      c,
		remote:     remote,
		sessions:   session.New(remote, c, cfg.CacheTTL),
		meter:      meter.New(remote, c, cfg.BalanceTTL),
		dispatcher: generate.NewClient(cfg.GenerateURL),
		log:        pipeline.NewLog(),
	}
	e.pipe = pipeline.New(e.log, e.meter, e.dispatcher, e.sessions, e, pipeline.Options{
		HistoryMessages: cfg.HistoryMessages,
		HistoryTokens:   cfg.HistoryTokens,
		OnError:         opts.OnSendError,
		Logger:          logger,
	})
	return e, nil
}

// onTransportState reacts to connection transitions before forwarding them
// to the caller's listener. Losing the connection aborts any in-flight send:
// the stream that would have completed it is gone, and the completion events
// will not replay after a reconnect.
func (e *Engine) onTransportState(s transport.State, err error) {
	if s == transport.StateError || s == transport.StateDisconnected {
		e.pipe.AbortInFlight(err)
	}
	if e.opts.OnConnectionState != nil {
		e.opts.OnConnectionState(s, err)
	}
}

// Connected implements pipeline.ConnectionGate against the current
// transport.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	t := e.transport
	e.mu.Unlock()
	return t != nil && t.Connected()
}

// EnterChat resolves the active session for the (user, agent) pair, loads
// its message log and opens the push connection. A fresh session is created
// when forceNew is set or none exists. A connect fault is not fatal: the
// transport retries on its backoff schedule.
func (e *Engine) EnterChat(ctx context.Context, userID, agentID string, forceNew bool) (*chatengine.Session, error) {
	agent, err := e.remote.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	sess, msgs, err := e.sessions.FindOrCreateActive(ctx, userID, agentID, forceNew)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	sameContext := e.transport != nil && e.userID == userID && e.agent != nil && e.agent.ID == agentID
	if !sameContext {
		if e.transport != nil {
			e.transport.Disconnect()
		}
		t, terr := transport.New(e.cfg.StreamURL, userID, agentID, e.pipe, transport.Options{
			OnState: e.onTransportState,
			Logger:  e.logger,
		})
		if terr != nil {
			e.mu.Unlock()
			return nil, terr
		}
		e.transport = t
	}
	t := e.transport
	e.current = sess
	e.agent = agent
	e.userID = userID
	e.mu.Unlock()

	e.pipe.Bind(userID, sess, agent, msgs)

	if err := t.Connect(ctx); err != nil {
		e.logger.Warn("push connection failed, reconnect scheduled", "error", err)
	}
	return sess, nil
}

// NewConversation starts a fresh session for the current chat context.
func (e *Engine) NewConversation(ctx context.Context) (*chatengine.Session, error) {
	e.mu.Lock()
	userID, agent := e.userID, e.agent
	e.mu.Unlock()
	if agent == nil {
		return nil, fmt.Errorf("%w: no chat context entered", chatengine.ErrValidation)
	}
	return e.EnterChat(ctx, userID, agent.ID, true)
}

// Sessions lists the current context's sessions, most recently updated
// first.
func (e *Engine) Sessions(ctx context.Context) ([]chatengine.Session, error) {
	e.mu.Lock()
	userID, agent := e.userID, e.agent
	e.mu.Unlock()
	if agent == nil {
		return nil, fmt.Errorf("%w: no chat context entered", chatengine.ErrValidation)
	}
	return e.sessions.List(ctx, userID, agent.ID)
}

// SwitchSession selects another session of the current context. The
// rendered log is cleared before the new session's messages load.
func (e *Engine) SwitchSession(ctx context.Context, sess *chatengine.Session) error {
	e.mu.Lock()
	userID, agent := e.userID, e.agent
	e.mu.Unlock()
	if agent == nil || sess.AgentID != agent.ID || sess.UserID != userID {
		return fmt.Errorf("%w: session does not belong to the entered chat context", chatengine.ErrValidation)
	}

	e.pipe.Bind(userID, sess, agent, nil)

	msgs, err := e.sessions.Select(ctx, sess)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.current = sess
	e.mu.Unlock()
	e.pipe.Bind(userID, sess, agent, msgs)
	return nil
}

// DeleteSession removes a session and its cached and persisted messages.
// Deleting the selected session clears the local state.
func (e *Engine) DeleteSession(ctx context.Context, sess *chatengine.Session) error {
	if err := e.sessions.Delete(ctx, sess); err != nil {
		return err
	}

	e.mu.Lock()
	wasCurrent := e.current != nil && e.current.ID == sess.ID
	if wasCurrent {
		e.current = nil
	}
	e.mu.Unlock()

	if wasCurrent {
		e.pipe.Unbind()
	}
	return nil
}

// Current returns the selected session, if any.
func (e *Engine) Current() *chatengine.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Messages returns the rendered message log.
func (e *Engine) Messages() []chatengine.Message {
	return e.pipe.Messages()
}

// Typing reports whether an assistant response is streaming.
func (e *Engine) Typing() bool {
	return e.pipe.Typing()
}

// Send submits text to the selected session's pipeline.
func (e *Engine) Send(ctx context.Context, text string) error {
	return e.pipe.Send(ctx, text)
}

// RegenerateLast re-sends the most recent user message.
func (e *Engine) RegenerateLast(ctx context.Context) error {
	return e.pipe.RegenerateLast(ctx)
}

// ConnectionState returns the transport state and last fault.
func (e *Engine) ConnectionState() (transport.State, error) {
	e.mu.Lock()
	t := e.transport
	e.mu.Unlock()
	if t == nil {
		return transport.StateDisconnected, nil
	}
	return t.State()
}

// Reconnect force-reopens the push connection, resetting the retry budget.
func (e *Engine) Reconnect() {
	e.mu.Lock()
	t := e.transport
	e.mu.Unlock()
	if t != nil {
		t.Reconnect()
	}
}

// Balance returns the user's token balance through the meter.
func (e *Engine) Balance(ctx context.Context) (chatengine.TokenBalance, error) {
	e.mu.Lock()
	userID := e.userID
	e.mu.Unlock()
	if userID == "" {
		return chatengine.TokenBalance{}, fmt.Errorf("%w: no chat context entered", chatengine.ErrValidation)
	}
	return e.meter.GetAvailable(ctx, userID)
}

// Close disconnects the transport and releases cache and store resources.
func (e *Engine) Close() error {
	e.mu.Lock()
	t := e.transport
	e.transport = nil
	e.mu.Unlock()
	if t != nil {
		t.Disconnect()
	}

	if err := e.cache.Close(); err != nil {
		return err
	}
	return e.remote.Close()
}

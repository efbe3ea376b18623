package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/creastat/chatengine"
)

// State is the connection state of a Transport.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

const (
	// maxRetries is the automatic reconnect budget after a fault.
	maxRetries = 3
	// defaultBackoffBase yields the 2s, 4s, 8s reconnect schedule.
	defaultBackoffBase = time.Second
	// defaultReconnectDelay is the pause before a manual Reconnect dials.
	defaultReconnectDelay = 500 * time.Millisecond
)

// Handler receives inbound events, one at a time, in arrival order.
type Handler interface {
	HandleEvent(ev Event)
}

// StateListener observes connection state transitions. It must not call
// back into the Transport.
type StateListener func(state State, err error)

// conn is the subset of *websocket.Conn the transport uses; tests substitute
// a scripted implementation through the dial hook.
type conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
}

type dialFunc func(ctx context.Context, url string) (conn, error)

// Transport owns one push connection scoped to a (user, agent) context.
// Only one instance exists per context; Connect must not be invoked
// concurrently from multiple call sites for the same context.
type Transport struct {
	url     string
	handler Handler
	onState StateListener
	logger  *slog.Logger

	dial           dialFunc
	backoffBase    time.Duration
	reconnectDelay time.Duration

	mu       sync.Mutex
	state    State
	conn     conn
	attempts int
	lastErr  error
	timer    *time.Timer
	gen      int // bumped by Disconnect/Reconnect to invalidate stale timers and loops
	baseCtx  context.Context
}

// Options configures a Transport.
type Options struct {
	// OnState, when set, observes state transitions (for rendering the
	// manual-reconnect affordance on terminal errors).
	OnState StateListener
	Logger  *slog.Logger
}

// New creates a transport for the (user, agent) context. The stream URL is
// scoped with user_id/agent_id query parameters.
func New(streamURL, userID, agentID string, handler Handler, opts Options) (*Transport, error) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad stream url: %w", chatengine.ErrValidation, err)
	}
	q := u.Query()
	q.Set("user_id", userID)
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Transport{
		url:            u.String(),
		handler:        handler,
		onState:        opts.OnState,
		logger:         logger,
		dial:           defaultDial,
		backoffBase:    defaultBackoffBase,
		reconnectDelay: defaultReconnectDelay,
		state:          StateDisconnected,
		baseCtx:        context.Background(),
	}, nil
}

func defaultDial(ctx context.Context, url string) (conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// State returns the current connection state and the last fault, if any.
func (t *Transport) State() (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.lastErr
}

// Connected reports whether the transport is currently connected.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateConnected
}

// Attempts returns the current retry counter.
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Connect opens the push connection. It is idempotent: a call while already
// connecting or connected is a no-op. On success the state is connected and
// the retry counter is reset.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnecting || t.state == StateConnected {
		t.mu.Unlock()
		return nil
	}
	t.baseCtx = ctx
	gen := t.gen
	t.setState(StateConnecting, nil)
	t.mu.Unlock()

	c, err := t.dial(ctx, t.url)

	t.mu.Lock()
	if t.gen != gen {
		// Superseded by Disconnect/Reconnect while dialing.
		t.mu.Unlock()
		if c != nil {
			_ = c.Close(websocket.StatusNormalClosure, "superseded")
		}
		return nil
	}
	if err != nil {
		fault := fmt.Errorf("%w: %w", chatengine.ErrConnectFailed, err)
		t.faultLocked(fault)
		t.mu.Unlock()
		return fault
	}

	t.conn = c
	t.attempts = 0
	t.setState(StateConnected, nil)
	t.mu.Unlock()

	t.logger.Info("stream connected", "url", t.url)
	go t.readLoop(ctx, c, gen)
	return nil
}

// Reconnect resets the retry counter, force-closes any existing connection
// and dials again after a short fixed delay. This is the explicit caller
// affordance once the automatic retry budget is exhausted.
func (t *Transport) Reconnect() {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.stopTimerLocked()
	t.closeConnLocked()
	t.attempts = 0
	t.lastErr = nil
	t.setState(StateDisconnected, nil)
	ctx := t.baseCtx
	t.timer = time.AfterFunc(t.reconnectDelay, func() {
		t.mu.Lock()
		stale := t.gen != gen
		t.mu.Unlock()
		if stale {
			return
		}
		if err := t.Connect(ctx); err != nil {
			t.logger.Warn("manual reconnect failed", "error", err)
		}
	})
	t.mu.Unlock()
}

// Disconnect cancels any pending scheduled reconnect, closes the connection
// and transitions to disconnected.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.stopTimerLocked()
	t.closeConnLocked()
	t.attempts = 0
	t.lastErr = nil
	t.setState(StateDisconnected, nil)
}

// readLoop delivers inbound events one at a time, in arrival order. It runs
// until the connection faults or is superseded.
func (t *Transport) readLoop(ctx context.Context, c conn, gen int) {
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			t.mu.Lock()
			if t.gen == gen && t.conn == c {
				t.faultLocked(fmt.Errorf("%w: %w", chatengine.ErrStreamFaulted, err))
			}
			t.mu.Unlock()
			return
		}

		ev, err := ParseEvent(data)
		if err != nil {
			t.logger.Warn("dropping undecodable stream frame", "error", err)
			continue
		}
		if _, ok := ev.(KeepAlive); ok {
			continue
		}
		if t.handler != nil {
			t.handler.HandleEvent(ev)
		}
	}
}

// faultLocked handles a transport fault: close, transition to error, and
// either schedule a backoff reconnect or go terminal once the budget is
// spent. Caller holds t.mu.
func (t *Transport) faultLocked(cause error) {
	t.closeConnLocked()
	t.attempts++

	if t.attempts > maxRetries {
		t.setState(StateError, fmt.Errorf("%w: %w", chatengine.ErrRetryBudgetExhausted, cause))
		t.logger.Error("stream retry budget exhausted; waiting for manual reconnect",
			"attempts", t.attempts, "error", cause)
		return
	}
	t.setState(StateError, cause)

	delay := t.backoffBase << t.attempts // 2s, 4s, 8s
	gen := t.gen
	ctx := t.baseCtx
	t.logger.Warn("stream fault, reconnect scheduled",
		"attempt", t.attempts, "delay", delay, "error", cause)

	t.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		stale := t.gen != gen || t.state != StateError
		t.mu.Unlock()
		if stale {
			return
		}
		if err := t.Connect(ctx); err != nil {
			t.logger.Warn("scheduled reconnect failed", "error", err)
		}
	})
}

func (t *Transport) closeConnLocked() {
	if t.conn != nil {
		_ = t.conn.Close(websocket.StatusNormalClosure, "closing")
		t.conn = nil
	}
}

func (t *Transport) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// setState records the transition and notifies the listener. Caller holds
// t.mu; listeners must stay out of the Transport.
func (t *Transport) setState(s State, err error) {
	t.state = s
	t.lastErr = err
	if t.onState != nil {
		t.onState(s, err)
	}
}

package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/chatengine"
)

// scriptedConn feeds frames to the read loop from a channel; closing the
// channel, or Close, faults the next Read.
type scriptedConn struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

func (c *scriptedConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.done:
		return 0, nil, errors.New("connection closed")
	case frame, ok := <-c.frames:
		if !ok {
			return 0, nil, errors.New("stream ended")
		}
		return websocket.MessageText, frame, nil
	}
}

func (c *scriptedConn) Close(code websocket.StatusCode, reason string) error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// recordingHandler collects delivered events.
type recordingHandler struct {
	mu     sync.Mutex
	events []Event
}

func (h *recordingHandler) HandleEvent(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) snapshot() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event{}, h.events...)
}

// fakeDialer hands out scripted connections and records dial times.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*scriptedConn
	times []time.Time
	err   error
}

func (d *fakeDialer) dial(ctx context.Context, url string) (conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.times = append(d.times, time.Now())
	if d.err != nil {
		return nil, d.err
	}
	c := newScriptedConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) latest() *scriptedConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func newTestTransport(t *testing.T, d *fakeDialer, h Handler) *Transport {
	t.Helper()
	tr, err := New("wss://chat.test/stream", "u1", "a1", h, Options{})
	require.NoError(t, err)
	tr.dial = d.dial
	// Compress the 2s/4s/8s ladder for tests; the shape is what matters.
	tr.backoffBase = 5 * time.Millisecond
	tr.reconnectDelay = 5 * time.Millisecond
	t.Cleanup(tr.Disconnect)
	return tr
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectTransitionsToConnected(t *testing.T) {
	d := &fakeDialer{}
	tr := newTestTransport(t, d, &recordingHandler{})

	require.NoError(t, tr.Connect(context.Background()))
	state, lastErr := tr.State()
	assert.Equal(t, StateConnected, state)
	assert.NoError(t, lastErr)
	assert.Equal(t, 0, tr.Attempts())
}

func TestConnectIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	tr := newTestTransport(t, d, &recordingHandler{})
	ctx := context.Background()

	require.NoError(t, tr.Connect(ctx))
	require.NoError(t, tr.Connect(ctx))
	require.NoError(t, tr.Connect(ctx))

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Len(t, d.conns, 1, "repeat Connect while connected must not dial again")
}

func TestEventsDeliveredInArrivalOrder(t *testing.T) {
	d := &fakeDialer{}
	h := &recordingHandler{}
	tr := newTestTransport(t, d, h)

	require.NoError(t, tr.Connect(context.Background()))
	c := d.latest()
	c.frames <- []byte(`{"type":"message_start","message_id":"m1"}`)
	c.frames <- []byte(`{"type":"content_delta","message_id":"m1","content":"Hi"}`)
	c.frames <- []byte(`{"type":"content_delta","message_id":"m1","content":" there"}`)
	c.frames <- []byte(`{"type":"message_complete","message_id":"m1"}`)

	waitFor(t, func() bool { return len(h.snapshot()) == 4 }, "events not delivered")

	events := h.snapshot()
	require.Len(t, events, 4)
	assert.Equal(t, MessageStart{MessageID: "m1"}, events[0])
	assert.Equal(t, ContentDelta{MessageID: "m1", Content: "Hi"}, events[1])
	assert.Equal(t, ContentDelta{MessageID: "m1", Content: " there"}, events[2])
	assert.Equal(t, MessageComplete{MessageID: "m1"}, events[3])
}

func TestKeepAliveNotForwarded(t *testing.T) {
	d := &fakeDialer{}
	h := &recordingHandler{}
	tr := newTestTransport(t, d, h)

	require.NoError(t, tr.Connect(context.Background()))
	c := d.latest()
	c.frames <- []byte(`{"type":"ping"}`)
	c.frames <- []byte(`{"type":"message_start","message_id":"m1"}`)

	waitFor(t, func() bool { return len(h.snapshot()) == 1 }, "event not delivered")
	assert.Equal(t, MessageStart{MessageID: "m1"}, h.snapshot()[0])
}

func TestFaultSchedulesBackoffReconnects(t *testing.T) {
	d := &fakeDialer{}
	tr := newTestTransport(t, d, &recordingHandler{})

	require.NoError(t, tr.Connect(context.Background()))

	// Fault the live connection; the transport should redial on its own.
	d.latest().Close(websocket.StatusNormalClosure, "fault")
	waitFor(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.conns) == 2
	}, "no automatic reconnect after fault")

	state, _ := tr.State()
	assert.Equal(t, StateConnected, state)
	assert.Equal(t, 0, tr.Attempts(), "successful reconnect resets the counter")
}

func TestRetryBudgetExhaustedIsTerminal(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	tr := newTestTransport(t, d, &recordingHandler{})

	err := tr.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, chatengine.ErrConnectFailed)

	// Three scheduled retries follow the initial failure, then terminal.
	waitFor(t, func() bool {
		_, lastErr := tr.State()
		return errors.Is(lastErr, chatengine.ErrRetryBudgetExhausted)
	}, "transport never went terminal")

	state, lastErr := tr.State()
	assert.Equal(t, StateError, state)
	assert.ErrorIs(t, lastErr, chatengine.ErrTransport)

	d.mu.Lock()
	dials := len(d.times)
	d.mu.Unlock()
	assert.Equal(t, 4, dials, "initial dial plus three retries")

	// Terminal means no further dialing.
	time.Sleep(100 * time.Millisecond)
	d.mu.Lock()
	assert.Equal(t, dials, len(d.times))
	d.mu.Unlock()
}

func TestBackoffScheduleDoubles(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	tr := newTestTransport(t, d, &recordingHandler{})
	tr.backoffBase = 20 * time.Millisecond // 40ms, 80ms, 160ms

	_ = tr.Connect(context.Background())
	waitFor(t, func() bool {
		_, lastErr := tr.State()
		return errors.Is(lastErr, chatengine.ErrRetryBudgetExhausted)
	}, "transport never went terminal")

	d.mu.Lock()
	times := append([]time.Time{}, d.times...)
	d.mu.Unlock()
	require.Len(t, times, 4)

	gap1 := times[1].Sub(times[0])
	gap2 := times[2].Sub(times[1])
	gap3 := times[3].Sub(times[2])
	assert.GreaterOrEqual(t, gap1, 40*time.Millisecond)
	assert.GreaterOrEqual(t, gap2, 80*time.Millisecond)
	assert.GreaterOrEqual(t, gap3, 160*time.Millisecond)
	// Each gap roughly doubles the previous one.
	assert.Greater(t, gap2, gap1)
	assert.Greater(t, gap3, gap2)
}

func TestManualReconnectResetsBudget(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	tr := newTestTransport(t, d, &recordingHandler{})

	_ = tr.Connect(context.Background())
	waitFor(t, func() bool {
		_, lastErr := tr.State()
		return errors.Is(lastErr, chatengine.ErrRetryBudgetExhausted)
	}, "transport never went terminal")

	// Backend recovers; the explicit affordance must work.
	d.mu.Lock()
	d.err = nil
	d.mu.Unlock()

	tr.Reconnect()
	waitFor(t, tr.Connected, "manual reconnect did not connect")
	assert.Equal(t, 0, tr.Attempts())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	tr := newTestTransport(t, d, &recordingHandler{})
	tr.backoffBase = 50 * time.Millisecond

	_ = tr.Connect(context.Background())
	tr.Disconnect()

	d.mu.Lock()
	dials := len(d.times)
	d.mu.Unlock()

	time.Sleep(200 * time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, dials, len(d.times), "disconnect must cancel the scheduled reconnect")

	state, _ := tr.State()
	assert.Equal(t, StateDisconnected, state)
}

func TestStateListenerObservesTransitions(t *testing.T) {
	d := &fakeDialer{}
	var mu sync.Mutex
	var states []State
	h := &recordingHandler{}

	tr, err := New("wss://chat.test/stream", "u1", "a1", h, Options{
		OnState: func(s State, err error) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	tr.dial = d.dial
	tr.backoffBase = 5 * time.Millisecond
	tr.reconnectDelay = 5 * time.Millisecond
	t.Cleanup(tr.Disconnect)

	require.NoError(t, tr.Connect(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(states), 2)
	assert.Equal(t, StateConnecting, states[0])
	assert.Equal(t, StateConnected, states[1])
}

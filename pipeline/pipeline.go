package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/creastat/chatengine"
	"github.com/creastat/chatengine/generate"
	"github.com/creastat/chatengine/transport"
)

// DefaultDebounce is the window within which rapid Send calls coalesce into
// one effective send carrying the last call's text.
const DefaultDebounce = 300 * time.Millisecond

const persistTimeout = 10 * time.Second

// Dispatcher sends one generation request to the backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, req generate.Request) (*generate.Response, error)
}

// TokenGate is the admission-control face of the token meter.
type TokenGate interface {
	CanAfford(ctx context.Context, userID string, estimatedCost int) (bool, error)
	Invalidate(ctx context.Context, userID string)
}

// Persister persists completed exchanges and session titles.
type Persister interface {
	SaveMessage(ctx context.Context, sess *chatengine.Session, msg chatengine.Message) (*chatengine.Message, error)
	SetTitle(ctx context.Context, sess *chatengine.Session, title string) error
}

// ConnectionGate reports whether the push connection is up.
type ConnectionGate interface {
	Connected() bool
}

// Options configures a Pipeline.
type Options struct {
	// Debounce overrides DefaultDebounce.
	Debounce time.Duration
	// HistoryMessages / HistoryTokens bound the recent-history window sent
	// with each dispatch.
	HistoryMessages int
	HistoryTokens   int
	// OnError receives failures that resolve after Send has returned
	// (everything past the debounce window).
	OnError func(error)
	Logger  *slog.Logger
}

// Pipeline drives one selected session's outbound sends and applies the
// transport's inbound events to the message log. One send is in flight per
// session at a time.
type Pipeline struct {
	log        *Log
	gate       TokenGate
	dispatcher Dispatcher
	store      Persister
	conn       ConnectionGate
	logger     *slog.Logger
	onError    func(error)

	debounce        time.Duration
	historyMessages int
	historyTokens   int

	mu            sync.Mutex
	session       *chatengine.Session
	agent         *chatengine.Agent
	userID        string
	sending       bool
	typing        bool
	debounceTimer *time.Timer
	pendingText   string
	userEntryID   string // staged optimistic user message for the in-flight send
	assistantID   string // placeholder currently streaming

	// persistMu serializes the background persistence of completed exchanges.
	// persistSess is the pipeline's private session copy those writes mutate
	// (message count, title); the session bound by the caller is never written
	// after Bind.
	persistMu   sync.Mutex
	persistSess *chatengine.Session
}

// New creates a pipeline over the given collaborators.
func New(log *Log, gate TokenGate, dispatcher Dispatcher, store Persister, conn ConnectionGate, opts Options) *Pipeline {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		log:             log,
		gate:            gate,
		dispatcher:      dispatcher,
		store:           store,
		conn:            conn,
		logger:          logger,
		onError:         opts.OnError,
		debounce:        debounce,
		historyMessages: opts.HistoryMessages,
		historyTokens:   opts.HistoryTokens,
	}
}

// Bind points the pipeline at a newly selected session: the log is cleared
// first, then repopulated, so the previous session's messages never
// interleave with the new one's.
func (p *Pipeline) Bind(userID string, sess *chatengine.Session, agent *chatengine.Agent, msgs []chatengine.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.debounceTimer != nil {
		p.debounceTimer.Stop()
		p.debounceTimer = nil
	}
	p.session = sess
	p.agent = agent
	p.userID = userID
	p.sending = false
	p.typing = false
	p.pendingText = ""
	p.userEntryID = ""
	p.assistantID = ""
	if sess != nil {
		persistCopy := *sess
		p.persistSess = &persistCopy
	} else {
		p.persistSess = nil
	}
	p.log.Clear()
	p.log.Load(msgs)
}

// Unbind clears the selected session (after a delete).
func (p *Pipeline) Unbind() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.debounceTimer != nil {
		p.debounceTimer.Stop()
		p.debounceTimer = nil
	}
	p.session = nil
	p.agent = nil
	p.sending = false
	p.typing = false
	p.persistSess = nil
	p.log.Clear()
}

// Messages returns the rendered log.
func (p *Pipeline) Messages() []chatengine.Message {
	return p.log.Messages()
}

// Typing reports whether an assistant response is currently streaming.
func (p *Pipeline) Typing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typing
}

// Sending reports whether a send is in flight.
func (p *Pipeline) Sending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sending
}

// Send submits text for the selected session. Empty text, an in-flight
// send, and a disconnected transport are rejected synchronously with no
// state change. Calls within the debounce window coalesce; only the last
// call's text is dispatched, after the affordability check. Failures past
// that point reach the OnError callback.
func (p *Pipeline) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: empty message", chatengine.ErrValidation)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return fmt.Errorf("%w: no session selected", chatengine.ErrValidation)
	}
	if p.sending {
		return chatengine.ErrSendInFlight
	}
	if !p.conn.Connected() {
		return fmt.Errorf("%w: not connected", chatengine.ErrTransport)
	}

	p.pendingText = text
	if p.debounceTimer != nil {
		p.debounceTimer.Stop()
	}
	p.debounceTimer = time.AfterFunc(p.debounce, func() { p.fire(ctx) })
	return nil
}

// RegenerateLast re-sends the most recent user message, discarding trailing
// error-marked messages first. No-op when no user message exists or a send
// is in flight.
func (p *Pipeline) RegenerateLast(ctx context.Context) error {
	p.mu.Lock()
	if p.sending {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	text, ok := p.log.LastUserText()
	if !ok {
		return nil
	}
	p.log.DropTrailingErrored()
	return p.Send(ctx, text)
}

// fire performs the effective send once the debounce window closes.
func (p *Pipeline) fire(ctx context.Context) {
	p.mu.Lock()
	if p.sending || p.session == nil || p.pendingText == "" {
		p.mu.Unlock()
		return
	}
	text := p.pendingText
	p.pendingText = ""
	sess := p.session
	agent := p.agent
	userID := p.userID
	p.sending = true
	p.mu.Unlock()

	abort := func(err error) {
		p.mu.Lock()
		p.sending = false
		p.mu.Unlock()
		p.report(err)
	}

	if !p.conn.Connected() {
		abort(fmt.Errorf("%w: not connected", chatengine.ErrTransport))
		return
	}

	// Admission control: fail fast, no network call, no local mutation.
	affordable, err := p.gate.CanAfford(ctx, userID, chatengine.EstimateTokens(text))
	if err != nil {
		abort(err)
		return
	}
	if !affordable {
		abort(fmt.Errorf("%w: estimated cost exceeds available balance", chatengine.ErrInsufficientTokens))
		return
	}

	// History window is the log before the optimistic append.
	history := chatengine.RecentHistory(p.log.Messages(), p.historyTokens, p.historyMessages)

	// Optimistic render: the user message appears before the remote write
	// is acknowledged.
	entryID := p.log.StageUser(sess.ID, text)
	p.mu.Lock()
	p.userEntryID = entryID
	p.mu.Unlock()

	var agentName, instructions string
	if agent != nil {
		agentName = agent.Name
		instructions = agent.Instructions
	}
	resp, err := p.dispatcher.Dispatch(ctx, generate.Request{
		Message:           text,
		AgentInstructions: instructions,
		AgentName:         agentName,
		SessionID:         sess.ID,
		RecentHistory:     history,
	})
	if err != nil {
		// Revert the optimistic append; nothing was persisted remotely.
		p.log.Discard(entryID)
		abort(err)
		return
	}

	p.log.Commit(entryID)

	if resp.Accepted {
		// Streaming mode: the transport's inbound events finish the send.
		return
	}

	// Synchronous mode: the full response arrived with the dispatch.
	assistant := p.log.AppendComplete(sess.ID, resp.Content, resp.TokensUsed)
	p.mu.Lock()
	p.sending = false
	p.typing = false
	p.mu.Unlock()
	p.finishExchange(sess, userID, entryID, assistant)
}

// HandleEvent applies one inbound stream event to the log. The transport
// delivers events one at a time, in arrival order.
func (p *Pipeline) HandleEvent(ev transport.Event) {
	p.mu.Lock()
	sess := p.session
	userID := p.userID
	p.mu.Unlock()
	if sess == nil {
		return
	}

	switch ev := ev.(type) {
	case transport.MessageStart:
		p.log.BeginAssistant(sess.ID, ev.MessageID)
		p.mu.Lock()
		p.typing = true
		p.assistantID = ev.MessageID
		p.mu.Unlock()

	case transport.ContentDelta:
		p.log.AppendDelta(ev.MessageID, ev.Content)

	case transport.MessageComplete:
		assistant, ok := p.log.Finalize(ev.MessageID, ev.FinalContent, ev.TokensUsed)
		p.mu.Lock()
		p.typing = false
		p.sending = false
		entryID := p.userEntryID
		p.userEntryID = ""
		p.assistantID = ""
		p.mu.Unlock()
		if ok {
			p.finishExchange(sess, userID, entryID, assistant)
		}

	case transport.ErrorEvent:
		p.mu.Lock()
		p.typing = false
		p.sending = false
		assistantID := p.assistantID
		p.assistantID = ""
		p.mu.Unlock()
		if assistantID != "" {
			p.log.MarkError(assistantID)
		}
		p.report(classifyStreamError(ev))
	}
}

// AbortInFlight resolves a send stranded by a connection loss. A streaming
// send stays in flight until message_complete or an error event; when the
// transport faults in between, neither arrives. This clears the in-flight
// flags, marks the half-streamed placeholder errored so RegenerateLast can
// discard it, and reports the fault, leaving the conversation sendable
// again. No-op when nothing is in flight.
func (p *Pipeline) AbortInFlight(cause error) {
	p.mu.Lock()
	if !p.sending && !p.typing {
		p.mu.Unlock()
		return
	}
	p.sending = false
	p.typing = false
	p.pendingText = ""
	if p.debounceTimer != nil {
		p.debounceTimer.Stop()
		p.debounceTimer = nil
	}
	assistantID := p.assistantID
	p.assistantID = ""
	p.userEntryID = ""
	p.mu.Unlock()

	if assistantID != "" {
		p.log.MarkError(assistantID)
	}
	if cause == nil {
		cause = chatengine.ErrStreamFaulted
	}
	p.report(fmt.Errorf("send aborted: %w", cause))
}

// finishExchange persists the completed exchange best-effort and refreshes
// the token balance. Persistence failures are logged, never rolled back
// into the rendered conversation.
//
// The writes run against the pipeline's private session copy, serialized by
// persistMu, so the store's message-count and title bookkeeping never touch
// the session the caller holds while the caller may be reading it.
func (p *Pipeline) finishExchange(sess *chatengine.Session, userID, userEntryID string, assistant chatengine.Message) {
	userMsg, hasUser := p.log.Get(userEntryID)

	go func() {
		p.persistMu.Lock()
		defer p.persistMu.Unlock()

		p.mu.Lock()
		target := p.persistSess
		p.mu.Unlock()
		if target == nil || target.ID != sess.ID {
			// The caller switched or deleted the session before this
			// exchange flushed; persist against a detached copy.
			detached := *sess
			target = &detached
		}

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if hasUser {
			if _, err := p.store.SaveMessage(ctx, target, userMsg); err != nil {
				p.logger.Warn("failed to persist user message", "session_id", target.ID, "error", err)
			}
		}
		if _, err := p.store.SaveMessage(ctx, target, assistant); err != nil {
			p.logger.Warn("failed to persist assistant message", "session_id", target.ID, "error", err)
		}

		if target.Title == nil && hasUser {
			if err := p.store.SetTitle(ctx, target, deriveTitle(userMsg.Content)); err != nil {
				p.logger.Warn("failed to set session title", "session_id", target.ID, "error", err)
			}
		}

		// The remote debit happened during generation; drop the cached
		// balance so the next affordability check sees it.
		p.gate.Invalidate(ctx, userID)
	}()
}

func (p *Pipeline) report(err error) {
	p.logger.Warn("send failed", "error", err)
	if p.onError != nil {
		p.onError(err)
	}
}

// classifyStreamError maps a stream error event onto the failure taxonomy.
func classifyStreamError(ev transport.ErrorEvent) error {
	switch ev.Code {
	case "insufficient_tokens":
		return fmt.Errorf("%w: %s", chatengine.ErrInsufficientTokens, ev.Detail)
	case "invalid_request":
		return fmt.Errorf("%w: %s", chatengine.ErrValidation, ev.Detail)
	case "backend_misconfigured":
		return fmt.Errorf("%w: %s", chatengine.ErrRemoteConfiguration, ev.Detail)
	default:
		return fmt.Errorf("%w: %s", chatengine.ErrUnknown, ev.Detail)
	}
}

// deriveTitle builds a display title from the first user message.
func deriveTitle(text string) string {
	const maxTitle = 60
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= maxTitle {
		return string(runes)
	}
	return string(runes[:maxTitle-1]) + "…"
}

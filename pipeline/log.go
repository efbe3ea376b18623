// Package pipeline orchestrates outbound sends: debounce, admission
// control, optimistic local state, dispatch, and reconciliation of streamed
// content into the persisted message log.
package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/creastat/chatengine"
)

// Log is the working copy of the selected session's conversation. Optimistic
// mutations are explicit two-phase: a tentative entry is staged first and
// later either committed in place or discarded, so reconciliation stays in
// one place.
type Log struct {
	mu      sync.RWMutex
	entries []*entry
}

type entry struct {
	msg       chatengine.Message
	tentative bool
	errored   bool
}

// NewLog creates an empty message log.
func NewLog() *Log {
	return &Log{}
}

// Load replaces the log's contents with a session's persisted messages.
func (l *Log) Load(msgs []chatengine.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]*entry, 0, len(msgs))
	for _, m := range msgs {
		l.entries = append(l.entries, &entry{msg: m})
	}
}

// Clear empties the log. Called before switching sessions so two sessions
// never interleave in the rendered view.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// Messages returns a snapshot of the rendered log, tentative entries
// included (they are exactly what optimistic rendering shows).
func (l *Log) Messages() []chatengine.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]chatengine.Message, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.msg)
	}
	return out
}

// Len returns the number of rendered messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// StageUser appends a tentative user message and returns its local id. The
// message renders immediately; Commit or Discard resolves it.
func (l *Log) StageUser(sessionID, text string) string {
	id := uuid.NewString()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, &entry{
		msg: chatengine.Message{
			ID:                id,
			SessionID:         sessionID,
			Role:              chatengine.RoleUser,
			Content:           text,
			StreamingComplete: true,
			CreatedAt:         time.Now(),
		},
		tentative: true,
	})
	return id
}

// Commit marks a staged entry as settled.
func (l *Log) Commit(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e := l.find(id); e != nil {
		e.tentative = false
		return true
	}
	return false
}

// Discard removes a staged entry from the rendered log. Used when the
// dispatch it rendered for never succeeded.
func (l *Log) Discard(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.msg.ID == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// BeginAssistant appends the empty assistant placeholder for a response
// that just started streaming.
func (l *Log) BeginAssistant(sessionID, messageID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, &entry{
		msg: chatengine.Message{
			ID:        messageID,
			SessionID: sessionID,
			Role:      chatengine.RoleAssistant,
			CreatedAt: time.Now(),
		},
	})
}

// AppendDelta appends a content fragment to the streaming placeholder.
// Deltas are additive; they never replace accumulated content.
func (l *Log) AppendDelta(messageID, delta string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e := l.find(messageID); e != nil && !e.msg.StreamingComplete {
		e.msg.Content += delta
		return true
	}
	return false
}

// Finalize completes the streamed message. finalContent, when non-empty, is
// authoritative over the accumulated deltas. StreamingComplete flips exactly
// once.
func (l *Log) Finalize(messageID, finalContent string, tokenCost int) (chatengine.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.find(messageID)
	if e == nil || e.msg.StreamingComplete {
		return chatengine.Message{}, false
	}
	if finalContent != "" {
		e.msg.Content = finalContent
	}
	e.msg.TokenCost = tokenCost
	e.msg.StreamingComplete = true
	return e.msg, true
}

// AppendComplete appends an already-final assistant message (synchronous
// generation mode).
func (l *Log) AppendComplete(sessionID, content string, tokenCost int) chatengine.Message {
	msg := chatengine.Message{
		ID:                uuid.NewString(),
		SessionID:         sessionID,
		Role:              chatengine.RoleAssistant,
		Content:           content,
		TokenCost:         tokenCost,
		StreamingComplete: true,
		CreatedAt:         time.Now(),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, &entry{msg: msg})
	return msg
}

// MarkError flags an entry as errored; regeneration discards such trailing
// entries.
func (l *Log) MarkError(messageID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e := l.find(messageID); e != nil {
		e.errored = true
	}
}

// Get returns a message by id.
func (l *Log) Get(messageID string) (chatengine.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if e := l.find(messageID); e != nil {
		return e.msg, true
	}
	return chatengine.Message{}, false
}

// LastUserText returns the most recent user message's text.
func (l *Log) LastUserText() (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].msg.Role == chatengine.RoleUser {
			return l.entries[i].msg.Content, true
		}
	}
	return "", false
}

// DropTrailingErrored removes error-marked entries from the tail of the log.
func (l *Log) DropTrailingErrored() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.entries) > 0 && l.entries[len(l.entries)-1].errored {
		l.entries = l.entries[:len(l.entries)-1]
	}
}

// find returns the entry with the given id. Caller holds l.mu.
func (l *Log) find(id string) *entry {
	for _, e := range l.entries {
		if e.msg.ID == id {
			return e
		}
	}
	return nil
}

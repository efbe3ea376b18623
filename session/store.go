// Package session implements chat session lifecycle against the remote
// store, with cache-first reads for session and message lists.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/creastat/chatengine"
	"github.com/creastat/chatengine/cache"
	"github.com/creastat/chatengine/supabase"
)

// Store resolves, activates and deletes chat sessions for (user, agent)
// pairs. No operation here is retried automatically; remote failures
// surface wrapping chatengine.ErrStoreUnavailable.
type Store struct {
	remote   supabase.Store
	cache    cache.Cache
	cacheTTL time.Duration
}

// New creates a session store over the given remote store and cache.
func New(remote supabase.Store, c cache.Cache, cacheTTL time.Duration) *Store {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &Store{
		remote:   remote,
		cache:    c,
		cacheTTL: cacheTTL,
	}
}

func sessionsKey(userID, agentID string) string {
	return fmt.Sprintf("sessions:%s:%s", userID, agentID)
}

func messagesKey(sessionID string) string {
	return "messages:" + sessionID
}

// FindOrCreateActive resolves the session to enter chat with. When forceNew
// is false it returns the pair's active session, falling back to the most
// recently updated one; when none exists, or forceNew is true, it creates a
// fresh session after deactivating all others for the pair. The returned
// messages are the resolved session's log.
func (s *Store) FindOrCreateActive(ctx context.Context, userID, agentID string, forceNew bool) (*chatengine.Session, []chatengine.Message, error) {
	if !forceNew {
		sessions, err := s.List(ctx, userID, agentID)
		if err != nil {
			return nil, nil, err
		}

		var found *chatengine.Session
		for i := range sessions {
			if sessions[i].IsActive {
				found = &sessions[i]
				break
			}
		}
		if found == nil && len(sessions) > 0 {
			// No active session; fall back to the most recently updated one.
			found = &sessions[0]
		}
		if found != nil {
			if !found.IsActive {
				if err := s.activate(ctx, found); err != nil {
					return nil, nil, err
				}
			}
			messages, err := s.Messages(ctx, found.ID)
			if err != nil {
				return nil, nil, err
			}
			return found, messages, nil
		}
	}

	created, err := s.create(ctx, userID, agentID)
	if err != nil {
		return nil, nil, err
	}
	return created, []chatengine.Message{}, nil
}

// Select makes the given session the pair's active one and returns its
// message log. The caller must clear its rendered log before applying the
// returned messages, so two sessions never interleave.
func (s *Store) Select(ctx context.Context, sess *chatengine.Session) ([]chatengine.Message, error) {
	if err := s.activate(ctx, sess); err != nil {
		return nil, err
	}
	return s.Messages(ctx, sess.ID)
}

// Delete removes the session remotely and purges its cache entries.
func (s *Store) Delete(ctx context.Context, sess *chatengine.Session) error {
	if err := s.remote.DeleteSession(ctx, sess.ID); err != nil {
		return err
	}
	return s.cache.Delete(ctx,
		sessionsKey(sess.UserID, sess.AgentID),
		messagesKey(sess.ID),
	)
}

// List returns the pair's sessions, most recently updated first,
// cache-first.
func (s *Store) List(ctx context.Context, userID, agentID string) ([]chatengine.Session, error) {
	key := sessionsKey(userID, agentID)

	var cached []chatengine.Session
	if ok, err := s.cache.Get(ctx, key, &cached); err == nil && ok {
		return cached, nil
	}

	sessions, err := s.remote.ListSessions(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	_ = s.cache.Set(ctx, key, sessions, s.cacheTTL)
	return sessions, nil
}

// Messages returns a session's log in chronological order, cache-first.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]chatengine.Message, error) {
	key := messagesKey(sessionID)

	var cached []chatengine.Message
	if ok, err := s.cache.Get(ctx, key, &cached); err == nil && ok {
		return cached, nil
	}

	messages, err := s.remote.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	_ = s.cache.Set(ctx, key, messages, s.cacheTTL)
	return messages, nil
}

// SaveMessage persists a message and bumps the session's message count and
// updated_at, then invalidates the affected cache entries.
func (s *Store) SaveMessage(ctx context.Context, sess *chatengine.Session, msg chatengine.Message) (*chatengine.Message, error) {
	stored, err := s.remote.CreateMessage(ctx, msg)
	if err != nil {
		return nil, err
	}

	sess.MessageCount++
	count := sess.MessageCount
	if err := s.remote.UpdateSession(ctx, sess.ID, supabase.SessionPatch{MessageCount: &count, Touch: true}); err != nil {
		return nil, err
	}

	if err := s.cache.Delete(ctx, messagesKey(sess.ID), sessionsKey(sess.UserID, sess.AgentID)); err != nil {
		return nil, err
	}
	return stored, nil
}

// SetTitle sets the session's display title, best-effort.
func (s *Store) SetTitle(ctx context.Context, sess *chatengine.Session, title string) error {
	if err := s.remote.UpdateSession(ctx, sess.ID, supabase.SessionPatch{Title: &title, Touch: true}); err != nil {
		return err
	}
	sess.Title = &title
	return s.cache.Delete(ctx, sessionsKey(sess.UserID, sess.AgentID))
}

// create deactivates every session for the pair and inserts a fresh active
// one.
func (s *Store) create(ctx context.Context, userID, agentID string) (*chatengine.Session, error) {
	if err := s.remote.DeactivateSessions(ctx, userID, agentID, ""); err != nil {
		return nil, err
	}

	created, err := s.remote.CreateSession(ctx, userID, agentID, true)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Delete(ctx, sessionsKey(userID, agentID)); err != nil {
		return nil, err
	}
	return created, nil
}

// activate flips the pair's active session to sess.
//
// The remote store offers no multi-row transaction, so this is two writes:
// all other sessions are deactivated first, then sess is activated. Ordered
// this way a failure between the writes leaves zero active sessions for the
// pair, never two; FindOrCreateActive repairs an empty active set on the
// next entry. Concurrent writers from separate devices remain last-writer-
// wins.
func (s *Store) activate(ctx context.Context, sess *chatengine.Session) error {
	if err := s.remote.DeactivateSessions(ctx, sess.UserID, sess.AgentID, sess.ID); err != nil {
		return err
	}

	active := true
	if err := s.remote.UpdateSession(ctx, sess.ID, supabase.SessionPatch{IsActive: &active, Touch: true}); err != nil {
		return err
	}

	sess.IsActive = true
	return s.cache.Delete(ctx, sessionsKey(sess.UserID, sess.AgentID))
}

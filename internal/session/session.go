// Package session implements the Session Store (spec.md §4.B):
// get-or-create semantics and config updates, cached read-through in
// front of the durable store.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aquagw/gateway/internal/cache"
	"github.com/aquagw/gateway/internal/domain"
	"github.com/aquagw/gateway/internal/store"
)

// Sessions is the durable, cached session component.
type Sessions struct {
	store      *store.Store
	cache      *cache.Cache
	defaultCfg domain.Config
}

// New builds a Sessions component. defaultCfg seeds brand-new sessions
// (spec.md §4.B, §6 "default session config").
func New(st *store.Store, c *cache.Cache, defaultCfg domain.Config) *Sessions {
	return &Sessions{store: st, cache: c, defaultCfg: defaultCfg}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

// EnsureSession returns the session for sessionID, creating it with
// the default config if it does not exist (spec.md §4.B
// "get_or_create_session"). userID is only used on creation. An empty
// or unknown sessionID gets a freshly generated id (spec.md §4.B:
// "if session_id is empty or unknown: create a new Session with a
// freshly generated id").
func (s *Sessions) EnsureSession(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	if sessionID == "" {
		return s.createSession(ctx, uuid.NewString(), userID)
	}

	var cached domain.Session
	if s.cache.Get(ctx, sessionKey(sessionID), &cached) {
		return &cached, nil
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, domain.Wrap(domain.KindStorage, "load session", err)
	}
	if sess == nil {
		return s.createSession(ctx, sessionID, userID)
	}
	s.cache.Set(ctx, sessionKey(sessionID), sess)
	return sess, nil
}

// createSession persists a brand-new session row under sessionID and
// caches it.
func (s *Sessions) createSession(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	now := time.Now().UTC()
	sess := &domain.Session{
		SessionID: sessionID,
		UserID:    userID,
		Config:    s.defaultCfg,
		Status:    domain.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, domain.Wrap(domain.KindStorage, "create session", err)
	}
	s.cache.Set(ctx, sessionKey(sessionID), sess)
	return sess, nil
}

// UpdateConfig merges patch into the session's current config and
// persists the result (spec.md §4.B "update_config", deep-merge
// semantics from domain.Config.Merge).
func (s *Sessions) UpdateConfig(ctx context.Context, sessionID string, patch domain.Config) (*domain.Session, error) {
	sess, err := s.EnsureSession(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}
	merged := sess.Config.Merge(patch)
	now := time.Now().UTC()
	if err := s.store.UpdateSessionConfig(ctx, sessionID, merged, now); err != nil {
		return nil, domain.Wrap(domain.KindStorage, "update session config", err)
	}
	sess.Config = merged
	sess.UpdatedAt = now
	s.cache.Set(ctx, sessionKey(sessionID), sess)
	return sess, nil
}

// Package history implements the History Store (spec.md §4.A): append,
// recent-window load, and LLM-prompt formatting for a session's chat
// history, cached read-through in front of the durable store.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aquagw/gateway/internal/cache"
	"github.com/aquagw/gateway/internal/domain"
	"github.com/aquagw/gateway/internal/store"
)

const defaultRecentLimit = 20

// History is the durable, cached chat history component.
type History struct {
	store *store.Store
	cache *cache.Cache
}

// New builds a History backed by st and optionally cached by c (c may
// be a no-op Cache).
func New(st *store.Store, c *cache.Cache) *History {
	return &History{store: st, cache: c}
}

func recentKey(sessionID string) string {
	return fmt.Sprintf("history:recent:%s", sessionID)
}

// Append persists one message for sessionID and invalidates the
// cached recent-window so the next Recent call observes it (spec.md
// §4.A "append is atomic per session_id").
func (h *History) Append(ctx context.Context, sessionID, role, content, msgType string) (*domain.ChatMessage, error) {
	now := time.Now().UTC()
	msg := &domain.ChatMessage{
		SessionID: sessionID,
		MessageID: uuid.NewString(),
		Role:      role,
		Content:   content,
		Type:      msgType,
		Timestamp: now,
		UpdatedAt: now,
	}
	err := h.store.WithSessionLock(sessionID, func() error {
		return h.store.AppendMessage(ctx, msg)
	})
	if err != nil {
		return nil, domain.Wrap(domain.KindStorage, "append message", err)
	}
	h.cache.Del(ctx, recentKey(sessionID))
	return msg, nil
}

// Finalize overwrites an assistant message's content once streaming
// completes (spec.md §4.A "persist assistant"), invalidating the
// cached window.
func (h *History) Finalize(ctx context.Context, sessionID, messageID, content, status string, metaData []byte) error {
	err := h.store.WithSessionLock(sessionID, func() error {
		return h.store.UpdateMessageContent(ctx, messageID, content, status, metaData)
	})
	if err != nil {
		return domain.Wrap(domain.KindStorage, "finalize message", err)
	}
	h.cache.Del(ctx, recentKey(sessionID))
	return nil
}

// Recent returns up to limit most recent messages in chronological
// order, serving from cache when available.
func (h *History) Recent(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	key := recentKey(sessionID)
	var cached []domain.ChatMessage
	if limit == defaultRecentLimit && h.cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	msgs, err := h.store.RecentMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, domain.Wrap(domain.KindStorage, "load history", err)
	}
	if limit == defaultRecentLimit {
		h.cache.Set(ctx, key, msgs)
	}
	return msgs, nil
}

// Clear removes every message for sessionID and invalidates the cached
// recent-window, returning the number of rows removed (spec.md §4.A
// "clear").
func (h *History) Clear(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := h.store.WithSessionLock(sessionID, func() error {
		var err error
		n, err = h.store.ClearSession(ctx, sessionID)
		return err
	})
	if err != nil {
		return 0, domain.Wrap(domain.KindStorage, "clear history", err)
	}
	h.cache.Del(ctx, recentKey(sessionID))
	return n, nil
}

// FormatForLLM converts a recent-window into the role/content pairs the
// LLM client expects, dropping anything that isn't plain user/assistant
// turn content (spec.md §4.A "format_for_llm").
func FormatForLLM(messages []domain.ChatMessage) []domain.PromptMessage {
	out := make([]domain.PromptMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			continue
		}
		out = append(out, domain.PromptMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

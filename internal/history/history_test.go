package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquagw/gateway/internal/cache"
	"github.com/aquagw/gateway/internal/domain"
	"github.com/aquagw/gateway/internal/store"
)

func newTestHistory(t *testing.T) (*History, *store.Store) {
	t.Helper()
	st, err := store.Open("sqlite::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sess := &domain.Session{
		SessionID: "sess-h1", UserID: "u", Config: domain.DefaultConfig("m", 0.5, 100, "sys", "col"),
		Status: domain.SessionActive, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, st.CreateSession(context.Background(), sess))

	return New(st, cache.New("", time.Minute, nil)), st
}

func TestAppendAndRecent(t *testing.T) {
	h, _ := newTestHistory(t)
	ctx := context.Background()

	_, err := h.Append(ctx, "sess-h1", domain.RoleUser, "hi", "text")
	require.NoError(t, err)
	_, err = h.Append(ctx, "sess-h1", domain.RoleAssistant, "hello", "text")
	require.NoError(t, err)

	msgs, err := h.Recent(ctx, "sess-h1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
}

func TestFormatForLLMSkipsNonTurnRoles(t *testing.T) {
	msgs := []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "a"},
		{Role: domain.RoleSystem, Content: "ignored"},
		{Role: domain.RoleAssistant, Content: "b"},
	}
	out := FormatForLLM(msgs)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Content)
	assert.Equal(t, "b", out[1].Content)
}

func TestClearRemovesAllMessagesForSession(t *testing.T) {
	h, _ := newTestHistory(t)
	ctx := context.Background()

	_, err := h.Append(ctx, "sess-h1", domain.RoleUser, "hi", "text")
	require.NoError(t, err)
	_, err = h.Append(ctx, "sess-h1", domain.RoleAssistant, "hello", "text")
	require.NoError(t, err)

	n, err := h.Clear(ctx, "sess-h1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msgs, err := h.Recent(ctx, "sess-h1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs, "cached recent window must be invalidated by clear")
}

func TestFinalizeUpdatesContent(t *testing.T) {
	h, _ := newTestHistory(t)
	ctx := context.Background()

	msg, err := h.Append(ctx, "sess-h1", domain.RoleAssistant, "", "text")
	require.NoError(t, err)

	require.NoError(t, h.Finalize(ctx, "sess-h1", msg.MessageID, "final content", "complete", nil))

	msgs, err := h.Recent(ctx, "sess-h1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "final content", msgs[0].Content)
}

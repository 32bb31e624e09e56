package session

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

func newTestSessions(t *testing.T) *Sessions {
	t.Helper()
	st, err := store.Open("sqlite::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	defaultCfg := domain.DefaultConfig("m", 0.5, 100, "sys", "col")
	return New(st, cache.New("", time.Minute, nil), defaultCfg)
}

func TestEnsureSessionCreatesOnFirstCall(t *testing.T) {
	s := newTestSessions(t)
	ctx := context.Background()

	sess, err := s.EnsureSession(ctx, "sess-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.UserID)
	assert.Equal(t, "col", sess.Config.RAG.CollectionName)

	again, err := s.EnsureSession(ctx, "sess-1", "different-user")
	require.NoError(t, err)
	assert.Equal(t, "user-1", again.UserID, "second call must not overwrite the existing session")
}

func TestEnsureSessionGeneratesIDWhenEmpty(t *testing.T) {
	s := newTestSessions(t)
	sess, err := s.EnsureSession(context.Background(), "", "u")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.SessionID)
	assert.Equal(t, "u", sess.UserID)
}

func TestUpdateConfigMerges(t *testing.T) {
	s := newTestSessions(t)
	ctx := context.Background()

	_, err := s.EnsureSession(ctx, "sess-2", "u")
	require.NoError(t, err)

	updated, err := s.UpdateConfig(ctx, "sess-2", domain.Config{Temperature: 0.1})
	require.NoError(t, err)
	assert.Equal(t, 0.1, updated.Config.Temperature)
	assert.Equal(t, "m", updated.Config.Model, "unspecified fields must be preserved by merge")
}

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquagw/gateway/internal/cache"
	"github.com/aquagw/gateway/internal/domain"
	"github.com/aquagw/gateway/internal/history"
	"github.com/aquagw/gateway/internal/llmclient"
	"github.com/aquagw/gateway/internal/protocol"
	"github.com/aquagw/gateway/internal/session"
	"github.com/aquagw/gateway/internal/store"
)

type captureSink struct {
	frames [][]byte
}

func (c *captureSink) Send(frame []byte) error {
	c.frames = append(c.frames, frame)
	return nil
}

func newTestOrchestrator(t *testing.T, llmContent string) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.Open("sqlite::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	noCache := cache.New("", time.Minute, nil)
	h := history.New(st, noCache)
	defaultCfg := domain.DefaultConfig("m", 0.5, 256, "You are a helpful assistant.", "col")
	sessions := session.New(st, noCache, defaultCfg)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", llmContent)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)

	llm := llmclient.New(srv.URL, "", 5*time.Second)
	stages := NewStages(llm, "m")

	log := logrus.New()
	log.SetOutput(discardWriter{})

	cfg := Config{
		ExpertStreamPolicy:       PolicyForwardSynthesisOnly,
		EnableExpertConsultation: false,
		EnableWeatherLookup:      false,
		DefaultSystemPrompt:      "You are a helpful assistant.",
		Temperature:              0.5,
		MaxTokens:                256,
		ExpertTimeout:            time.Second,
		LLMTimeout:               5 * time.Second,
	}
	orch := New(cfg, stages, h, sessions, st, nil, nil, nil, nil, log, nil)
	return orch, st
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestRunTurnChitchatPersistsAndStreams(t *testing.T) {
	orch, st := newTestOrchestrator(t, "Hello there!")
	sink := &captureSink{}

	err := orch.RunTurn(context.Background(), "sess-1", "hi", sink)
	require.NoError(t, err)
	require.NotEmpty(t, sink.frames)

	var chunk protocol.StreamChunkData
	env, err := protocol.Decode(sink.frames[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeStreamChunk, env.Type)
	require.NoError(t, json.Unmarshal(env.Data, &chunk))
	assert.Equal(t, "Hello there!", chunk.Content)

	msgs, err := st.RecentMessages(context.Background(), "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello there!", msgs[1].Content)
}

func TestRunTurnRecordsRunTrace(t *testing.T) {
	orch, st := newTestOrchestrator(t, "ok")
	sink := &captureSink{}

	require.NoError(t, orch.RunTurn(context.Background(), "sess-2", "hi", sink))

	n, err := st.CountRunTrace(context.Background(), "sess-2")
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

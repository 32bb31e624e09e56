package wsserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquagw/gateway/internal/cache"
	"github.com/aquagw/gateway/internal/domain"
	"github.com/aquagw/gateway/internal/history"
	"github.com/aquagw/gateway/internal/hub"
	"github.com/aquagw/gateway/internal/llmclient"
	"github.com/aquagw/gateway/internal/metrics"
	"github.com/aquagw/gateway/internal/pipeline"
	"github.com/aquagw/gateway/internal/protocol"
	"github.com/aquagw/gateway/internal/session"
	"github.com/aquagw/gateway/internal/store"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestServer(t *testing.T, llmContent string) (*httptest.Server, *hub.Hub) {
	t.Helper()

	st, err := store.Open("sqlite::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	noCache := cache.New("", time.Minute, nil)
	h := history.New(st, noCache)
	defaultCfg := domain.DefaultConfig("m", 0.5, 256, "You are a helpful assistant.", "col")
	sessions := session.New(st, noCache, defaultCfg)

	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", llmContent)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(llmSrv.Close)

	llm := llmclient.New(llmSrv.URL, "", 5*time.Second)
	stages := pipeline.NewStages(llm, "m")

	log := logrus.New()
	log.SetOutput(discardWriter{})

	orch := pipeline.New(pipeline.Config{
		ExpertStreamPolicy:       pipeline.PolicyForwardSynthesisOnly,
		EnableExpertConsultation: false,
		EnableWeatherLookup:      false,
		DefaultSystemPrompt:      "You are a helpful assistant.",
		Temperature:              0.5,
		MaxTokens:                256,
		ExpertTimeout:            time.Second,
		LLMTimeout:               5 * time.Second,
	}, stages, h, sessions, st, nil, nil, nil, nil, log, nil)

	hb := hub.New(log, metrics.New())
	stop := make(chan struct{})
	go hb.Run(stop)
	t.Cleanup(func() { close(stop) })

	srv := New(hb, sessions, h, orch, log, 2, 2*time.Second)

	e := echo.New()
	e.GET("/ws", srv.HandleWebSocket)
	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)

	return ts, hb
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	return *env
}

func TestPrInitFramesRejectedBeforeInit(t *testing.T) {
	ts, _ := newTestServer(t, "hi")
	conn := dial(t, ts)

	frame, err := protocol.Encode(protocol.TypeUserSendMessage, protocol.UserSendMessageData{Content: "hello"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	env := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.True(t, strings.Contains(string(env.Data), protocol.ErrCodeNotInitialized))
}

func TestInitThenPingThenUserMessageFlow(t *testing.T) {
	ts, _ := newTestServer(t, "Hello there!")
	conn := dial(t, ts)

	initFrame, err := protocol.Encode(protocol.TypeInit, protocol.InitData{SessionID: "sess-ws-1", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, initFrame))

	ack := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeInitAck, ack.Type)

	pingFrame, err := protocol.Encode(protocol.TypePing, struct{}{})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, pingFrame))

	pong := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypePong, pong.Type)

	userFrame, err := protocol.Encode(protocol.TypeUserSendMessage, protocol.UserSendMessageData{Content: "hi there"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, userFrame))

	echoBack := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeNewChatMessage, echoBack.Type)

	var sawChunk, sawDone bool
	for i := 0; i < 5 && !sawDone; i++ {
		env := readEnvelope(t, conn)
		switch env.Type {
		case protocol.TypeStreamChunk:
			sawChunk = true
		case protocol.TypeDone:
			sawDone = true
		}
	}
	assert.True(t, sawChunk)
	assert.True(t, sawDone)
}

func TestReinitReturnsPriorMessages(t *testing.T) {
	ts, _ := newTestServer(t, "Hello again!")
	conn := dial(t, ts)

	initFrame, err := protocol.Encode(protocol.TypeInit, protocol.InitData{SessionID: "sess-ws-reinit", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, initFrame))
	_ = readEnvelope(t, conn) // init ack, empty history on cold start

	userFrame, err := protocol.Encode(protocol.TypeUserSendMessage, protocol.UserSendMessageData{Content: "remember this"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, userFrame))

	var sawDone bool
	for i := 0; i < 6 && !sawDone; i++ {
		env := readEnvelope(t, conn)
		if env.Type == protocol.TypeDone {
			sawDone = true
		}
	}
	require.True(t, sawDone)

	conn2 := dial(t, ts)
	reinitFrame, err := protocol.Encode(protocol.TypeInit, protocol.InitData{SessionID: "sess-ws-reinit", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, conn2.WriteMessage(websocket.TextMessage, reinitFrame))

	ack := readEnvelope(t, conn2)
	require.Equal(t, protocol.TypeInitAck, ack.Type)
	var ackData protocol.InitAckData
	require.NoError(t, json.Unmarshal(ack.Data, &ackData))
	assert.NotEmpty(t, ackData.Messages, "reconnect init ack must carry prior transcript")
}

func TestUserMessageBeforeInitRejected(t *testing.T) {
	ts, _ := newTestServer(t, "hi")
	conn := dial(t, ts)

	frame, err := protocol.Encode(protocol.TypeUserSendMessage, protocol.UserSendMessageData{Content: "hello"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	env := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeError, env.Type)
}

func TestQueueOverflowReturnsBusy(t *testing.T) {
	ts, _ := newTestServer(t, "hi")
	conn := dial(t, ts)

	initFrame, err := protocol.Encode(protocol.TypeInit, protocol.InitData{SessionID: "sess-ws-2", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, initFrame))
	_ = readEnvelope(t, conn) // init ack

	// Flood more turns than the queue (size 2) plus one in-flight can
	// absorb; expect at least one busy error among the replies.
	for i := 0; i < 8; i++ {
		frame, err := protocol.Encode(protocol.TypeUserSendMessage, protocol.UserSendMessageData{
			Content: fmt.Sprintf("msg-%d", i),
		})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
	}

	sawBusy := false
	for i := 0; i < 40; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		env, err := protocol.Decode(raw)
		require.NoError(t, err)
		if env.Type == protocol.TypeError && strings.Contains(string(env.Data), protocol.ErrCodeBusy) {
			sawBusy = true
			break
		}
	}
	assert.True(t, sawBusy, "expected at least one busy error under queue overflow")
}

// Package wsserver implements the bidirectional session server
// (Component G, spec.md §6): connection lifecycle, message-type
// demultiplexing, init-before-use enforcement, and per-message pipeline
// dispatch with a bounded per-connection turn queue.
package wsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/aquagw/gateway/internal/domain"
	"github.com/aquagw/gateway/internal/history"
	"github.com/aquagw/gateway/internal/hub"
	"github.com/aquagw/gateway/internal/logging"
	"github.com/aquagw/gateway/internal/pipeline"
	"github.com/aquagw/gateway/internal/protocol"
	"github.com/aquagw/gateway/internal/session"
)

const (
	maxMessageSize = 1 << 20
	readTimeout    = 60 * time.Second
	writeTimeout   = 10 * time.Second
	pingInterval   = 30 * time.Second

	// initHistoryLimit is the number of prior messages returned on init
	// ack for a reconnecting session (spec.md §4.B "last 100 history
	// messages").
	initHistoryLimit = 100
)

// Server upgrades HTTP connections to WebSocket and drives each
// connection's lifecycle against one shared Hub and Orchestrator.
type Server struct {
	hub          *hub.Hub
	sessions     *session.Sessions
	history      *history.History
	orchestrator *pipeline.Orchestrator
	log          *logrus.Logger
	queueSize    int
	initTimeout  time.Duration
	upgrader     websocket.Upgrader
}

// New builds a Server. queueSize bounds the per-connection inbound
// turn queue (spec.md §6 "default 4").
func New(h *hub.Hub, sessions *session.Sessions, hist *history.History, orch *pipeline.Orchestrator, log *logrus.Logger, queueSize int, initTimeout time.Duration) *Server {
	if queueSize <= 0 {
		queueSize = 4
	}
	return &Server{
		hub:          h,
		sessions:     sessions,
		history:      hist,
		orchestrator: orch,
		log:          log,
		queueSize:    queueSize,
		initTimeout:  initTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// connState is per-connection turn-processing state, kept outside
// hub.Connection because it is wsserver's concern, not the hub's.
type connState struct {
	conn       *hub.Connection
	turns      chan func()
	cancel     context.CancelFunc
	turnCancel context.CancelFunc
}

// HandleWebSocket is the echo handler mounted on the WebSocket upgrade
// route.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)
	ws.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithCancel(context.Background())
	state := &connState{conn: conn, turns: make(chan func(), s.queueSize), cancel: cancel}

	go s.turnWorker(ctx, state)
	go s.writePump(conn)
	go s.readPump(ctx, state)

	return nil
}

// turnWorker processes queued turns strictly one at a time in arrival
// order, matching "within one connection, turns are processed one at
// a time" (spec.md §6 concurrency rule).
func (s *Server) turnWorker(ctx context.Context, state *connState) {
	for {
		select {
		case <-ctx.Done():
			return
		case turn, ok := <-state.turns:
			if !ok {
				return
			}
			turn()
		}
	}
}

func (s *Server) readPump(ctx context.Context, state *connState) {
	conn := state.conn
	defer func() {
		state.cancel()
		s.hub.Unregister(conn)
		conn.Conn.Close()
	}()

	conn.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, raw, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.WithError(err).Debug("websocket read error")
			}
			return
		}
		s.hub.Touch(conn)
		s.handleFrame(ctx, state, raw)
	}
}

func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, state *connState, raw []byte) {
	conn := state.conn
	env, err := protocol.Decode(raw)
	if err != nil {
		s.sendError(conn, protocol.ErrCodeInvalidMessage, "invalid JSON frame")
		return
	}

	// Before initialized=true, only init and ping are honored
	// (spec.md §6 step 3).
	if !conn.Initialized && env.Type != protocol.TypeInit && env.Type != protocol.TypePing {
		s.sendError(conn, protocol.ErrCodeNotInitialized, "connection not initialized")
		return
	}

	switch env.Type {
	case protocol.TypeInit:
		s.handleInit(ctx, conn, env.Data)
	case protocol.TypePing:
		s.handlePing(conn)
	case protocol.TypeUserSendMessage:
		s.handleUserMessage(ctx, state, env.Data)
	default:
		s.sendError(conn, protocol.ErrCodeInvalidMessage, "unknown frame type: "+env.Type)
	}
}

func (s *Server) handleInit(ctx context.Context, conn *hub.Connection, data json.RawMessage) {
	var in protocol.InitData
	if err := json.Unmarshal(data, &in); err != nil {
		s.sendError(conn, protocol.ErrCodeInvalidMessage, "invalid init frame")
		return
	}

	initCtx, cancel := context.WithTimeout(ctx, s.initTimeout)
	defer cancel()

	sess, err := s.sessions.EnsureSession(initCtx, in.SessionID, in.UserID)
	if err != nil {
		s.log.WithError(err).Warn("session init failed")
		s.sendError(conn, protocol.ErrCodeInternal, "failed to initialize session")
		return
	}
	s.hub.BindSession(conn, sess.SessionID)

	recent, err := s.history.Recent(initCtx, sess.SessionID, initHistoryLimit)
	if err != nil {
		s.log.WithError(err).Warn("failed to load history on init")
		recent = nil
	}

	ack, err := protocol.Encode(protocol.TypeInitAck, protocol.InitAckData{
		SessionID: sess.SessionID,
		Messages:  messagesToAny(recent),
		Config:    sess.Config,
	})
	if err != nil {
		return
	}
	s.hub.SendToConnection(conn, ack)
}

// messagesToAny converts a recent-window into the same role/content/
// message_id wire shape newChatMessage frames use, so a reconnecting
// client renders prior transcript with its existing frame handling.
func messagesToAny(messages []domain.ChatMessage) []any {
	out := make([]any, 0, len(messages))
	for _, m := range messages {
		out = append(out, protocol.NewChatMessageData{
			SessionID: m.SessionID,
			Content:   m.Content,
			MessageID: m.MessageID,
			Role:      m.Role,
			Timestamp: m.Timestamp.UnixMilli(),
			Type:      m.Type,
		})
	}
	return out
}

func (s *Server) handlePing(conn *hub.Connection) {
	frame, err := protocol.Encode(protocol.TypePong, struct{}{})
	if err != nil {
		return
	}
	s.hub.SendToConnection(conn, frame)
}

func (s *Server) handleUserMessage(ctx context.Context, state *connState, data json.RawMessage) {
	conn := state.conn
	var in protocol.UserSendMessageData
	if err := json.Unmarshal(data, &in); err != nil || in.Content == "" {
		s.sendError(conn, protocol.ErrCodeInvalidMessage, "invalid userSendMessage frame")
		return
	}
	sessionID := conn.SessionID
	if in.SessionID != "" {
		sessionID = in.SessionID
	}

	// Synchronously emit newChatMessage confirming receipt before
	// dispatching the turn (spec.md §6 step 6).
	now := time.Now().UTC()
	ack, err := protocol.Encode(protocol.TypeNewChatMessage, protocol.NewChatMessageData{
		SessionID: sessionID,
		Content:   in.Content,
		MessageID: uuid.NewString(),
		Role:      domain.RoleUser,
		Timestamp: now.UnixMilli(),
		Type:      "text",
	})
	if err == nil {
		s.hub.SendToConnection(conn, ack)
	}

	turn := func() {
		// Derived from the connection's own context so a disconnect
		// (readPump exit cancels ctx) aborts any in-flight LLM or
		// expert call instead of leaking it (spec.md §6 "disconnect
		// cancels in-flight turn").
		turnCtx, cancel := context.WithCancel(ctx)
		state.turnCancel = cancel
		defer cancel()

		sink := &connSink{hub: s.hub, conn: conn}
		log := logging.Conn(s.log, conn.ID)
		if err := s.orchestrator.RunTurn(turnCtx, sessionID, in.Content, sink); err != nil {
			log.WithError(err).Warn("turn failed")
			s.sendError(conn, protocol.ErrCodeInternal, "turn failed")
			return
		}
		done, err := protocol.Encode(protocol.TypeDone, protocol.DoneData{SessionID: sessionID})
		if err == nil {
			s.hub.SendToConnection(conn, done)
		}
	}

	select {
	case state.turns <- turn:
	default:
		// Bounded inbound queue overflow (spec.md §6 "default 4"):
		// emit busy and drop the new message, no silent loss.
		s.sendError(conn, protocol.ErrCodeBusy, "turn queue full")
	}
}

func (s *Server) sendError(conn *hub.Connection, code, message string) {
	frame, err := protocol.Encode(protocol.TypeError, protocol.ErrorData{Code: code, Message: message})
	if err != nil {
		return
	}
	s.hub.SendToConnection(conn, frame)
}

// connSink adapts a hub.Connection into a pipeline.Sink so the
// orchestrator can forward frames without depending on the hub or
// WebSocket machinery directly.
type connSink struct {
	hub  *hub.Hub
	conn *hub.Connection
}

func (c *connSink) Send(frame []byte) error {
	return c.hub.SendToConnection(c.conn, frame)
}

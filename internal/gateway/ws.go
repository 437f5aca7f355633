package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clawlite/clawlite/internal/agent"
	"github.com/clawlite/clawlite/internal/sessions"
	"github.com/clawlite/clawlite/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn serializes writes; chunk callbacks and the read loop share
// the connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(frame protocol.ServerFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(frame)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway.ws.upgrade_failed", "error", err)
		return
	}
	defer conn.Close()

	s.wsConns.Add(1)
	defer s.wsConns.Add(-1)

	// Default session for the connection; frames may override it.
	defaultSession := sessions.BuildWSID(uuid.NewString())
	c := &wsConn{conn: conn}
	slog.Info("gateway.ws.connected", "session", defaultSession, "remote", r.RemoteAddr)

	for {
		var req protocol.ClientFrame
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("gateway.ws.read_failed", "error", err)
			}
			return
		}

		switch req.Type {
		case protocol.FrameChat:
			if req.Text == "" {
				c.send(protocol.ServerFrame{Type: protocol.FrameError, Error: "text is required"})
				continue
			}
			sessionID := req.SessionID
			if sessionID == "" {
				sessionID = defaultSession
			}
			s.runChat(r.Context(), c, sessionID, req.Text)
		case protocol.FramePing:
			c.send(protocol.ServerFrame{Type: protocol.FramePong})
		default:
			c.send(protocol.ServerFrame{Type: protocol.FrameError, Error: "unknown frame type: " + req.Type})
		}
	}
}

// runChat streams one engine run back over the socket.
func (s *Server) runChat(ctx context.Context, c *wsConn, sessionID, text string) {
	onChunk := func(chunk string) {
		c.send(protocol.ServerFrame{Type: protocol.FrameChatChunk, SessionID: sessionID, Text: chunk})
	}

	result, err := s.engine.RunStream(ctx, sessionID, text, onChunk)
	if err != nil {
		c.send(protocol.ServerFrame{Type: protocol.FrameError, SessionID: sessionID, Error: err.Error()})
		return
	}
	c.send(protocol.ServerFrame{
		Type:      protocol.FrameChatDone,
		SessionID: sessionID,
		Text:      result.Text,
		Meta:      wireMeta(result.Meta),
	})
}

func wireMeta(m agent.Meta) *protocol.Meta {
	return &protocol.Meta{
		Model:  m.Model,
		Mode:   string(m.Mode),
		Reason: m.Reason,
		Tokens: protocol.Usage(m.Tokens),
		Turns:  m.Turns,
	}
}

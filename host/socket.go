package host

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbocsi/hostlink/codec"
	"github.com/mbocsi/hostlink/proto"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // clients are pages on arbitrary origins
	},
}

// socketConn serialises writes to one client connection.
type socketConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *socketConn) send(msg proto.Message) error {
	data, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(data))
}

func (h *Host) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", "error", err.Error())
		return
	}
	go h.serveSocket(&socketConn{ws: ws}, r.RemoteAddr)
}

// serveSocket reads one connection until it closes. The connection joins
// a session on "init" (new session) or "restore" (existing session).
func (h *Host) serveSocket(conn *socketConn, remoteAddr string) {
	h.logger.Info("WebSocket client connected", "addr", remoteAddr)
	var sess *Session

	defer func() {
		if sess != nil {
			sess.unbind(conn)
		}
		conn.ws.Close()
		h.logger.Info("WebSocket client disconnected", "addr", remoteAddr)
	}()

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("WebSocket connection error", "addr", remoteAddr, "error", err.Error())
			}
			return
		}

		var msg proto.Message
		if err := codec.DecodeInto(string(data), &msg); err != nil {
			h.logger.Warn("Invalid message received", "error", err.Error(), "data", string(data))
			continue
		}

		switch {
		case msg.Command == proto.CommandInit:
			var req proto.InitRequest
			if err := codec.DecodeInto(msg.CommandData, &req); err != nil {
				h.logger.Warn("Malformed handshake", "addr", remoteAddr, "error", err.Error())
				continue
			}
			var resp proto.InitResponse
			sess, resp = h.open(KindWebSocket, req)
			sess.bind(conn)
			h.reply(conn, msg.CallID, resp)

		case msg.Command == proto.CommandRestore:
			restored, ok := h.sessions.Get(msg.CommandData)
			if !ok || restored.kind != KindWebSocket {
				h.logger.Warn("Restore for unknown session", "addr", remoteAddr, "session_id", msg.CommandData)
				continue
			}
			sess = restored
			sess.bind(conn)
			h.logger.Info("Session restored", "session_id", sess.id, "addr", remoteAddr)

		case sess == nil:
			h.logger.Warn("Message before handshake dropped", "addr", remoteAddr, "command", msg.Command)

		default:
			resp := h.handle(sess, msg.Command, msg.CommandAttribute, msg.CommandData)
			h.reply(conn, msg.CallID, resp)
		}
	}
}

// reply answers a message that carried a call id.
func (h *Host) reply(conn *socketConn, callID int, v any) {
	if callID == 0 {
		return
	}
	data, err := codec.Encode(v)
	if err != nil {
		h.logger.Error("Cannot encode reply", "call_id", callID, "error", err.Error())
		return
	}
	if err := conn.send(proto.Message{CallID: callID, CommandData: data}); err != nil {
		h.logger.Warn("Failed to send reply", "call_id", callID, "error", err.Error())
	}
}

package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/pkg/protocol"
)

const (
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 64
)

// wsClient is one connected UI. Writes are serialized through send;
// a client that cannot keep up is dropped rather than back-pressuring
// the broadcast path.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// handleWebSocket upgrades the connection and pumps frames both ways:
// inbound chat/command frames feed the bus inbox, outbound frames come
// from Broadcast.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	s.register(c)
	defer func() {
		s.unregister(c)
		conn.Close()
	}()

	go c.writePump()
	s.readPump(c)
}

func (s *Server) register(c *wsClient) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	slog.Info("ws client connected", "clients", n)
}

func (s *Server) unregister(c *wsClient) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	n := len(s.clients)
	s.mu.Unlock()
	slog.Info("ws client disconnected", "clients", n)
}

func (s *Server) readPump(c *wsClient) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame protocol.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("ws frame decode failed", "error", err)
			continue
		}
		switch frame.Type {
		case protocol.FrameChat:
			if frame.Content != "" {
				s.cfg.Bridge.UISend(frame.Content)
			}
		case protocol.FrameCommand:
			if frame.Cmd != "" {
				s.cfg.Bridge.UISend(frame.Cmd)
			}
		default:
			slog.Warn("ws frame of unknown type dropped", "type", frame.Type)
		}
	}
}

func (c *wsClient) writePump() {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	// Channel closed: the server dropped us.
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
}

// Broadcast fans one frame out to every connected client. Registered
// as the bridge's broadcast callback; must not block, so slow clients
// are disconnected instead of awaited.
func (s *Server) Broadcast(frame map[string]any) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("broadcast frame marshal failed", "error", err)
		return
	}

	s.mu.RLock()
	var slow []*wsClient
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range slow {
		slog.Warn("ws client too slow, dropping")
		s.unregister(c)
	}
}

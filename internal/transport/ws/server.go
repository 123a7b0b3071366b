// Package ws implements the host-client message channel over WebSocket,
// grounded on the teacher's own httptest.Server-based exercise of
// gorilla/websocket.
package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/goosewobbler/zubridge-sub002/internal/bridge"
	"github.com/goosewobbler/zubridge-sub002/internal/logging"
)

// channel adapts one *websocket.Conn to bridge.Channel. gorilla requires a
// single writer per connection, hence the mutex.
type channel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *channel) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *channel) Close() error {
	return c.conn.Close()
}

// Server upgrades incoming HTTP connections to WebSocket and feeds every
// frame into a bridge.Bridge.
type Server struct {
	Bridge   *bridge.Bridge
	upgrader websocket.Upgrader
	logger   logging.Logger
}

// NewServer constructs a Server over b. CheckOrigin is left permissive,
// matching the teacher's test harness; embedders running this past a
// browser boundary should tighten it.
func NewServer(b *bridge.Bridge, logger logging.Logger) *Server {
	return &Server{
		Bridge: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logging.OrNop(logger),
	}
}

// ServeHTTP upgrades the connection, registers it as a client channel, and
// pumps incoming frames into the bridge until the connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	ch := &channel{conn: conn}
	clientID := s.Bridge.Connect(ch)
	s.logger.Info("client %s connected", clientID)
	defer func() {
		s.Bridge.Disconnect(clientID)
		_ = conn.Close()
		s.logger.Info("client %s disconnected", clientID)
	}()

	ctx := r.Context()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.Bridge.HandleMessage(ctx, clientID, raw)
	}
}

// Dial connects out to a host's websocket endpoint, returning a raw
// connection for client.NewClientThunkProcessor to wrap.
func Dial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	return conn, err
}

// NewChannel adapts an already-established connection (host- or
// client-side) into a bridge.Channel.
func NewChannel(conn *websocket.Conn) bridge.Channel {
	return &channel{conn: conn}
}

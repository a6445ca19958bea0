package realtime

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub fans saga lifecycle events out to connected WebSocket dashboards.
type Hub struct {
	logger *zap.Logger

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	done       chan struct{}

	mu          sync.Mutex
	connections map[*websocket.Conn]struct{}
}

// NewHub constructs a Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:      logger,
		register:    make(chan *websocket.Conn),
		unregister:  make(chan *websocket.Conn),
		broadcast:   make(chan []byte, 64),
		done:        make(chan struct{}),
		connections: make(map[*websocket.Conn]struct{}),
	}
}

// Run processes register/unregister/broadcast events until the context ends,
// then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			delete(h.connections, conn)
			h.mu.Unlock()
			conn.Close()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.connections {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.logger.Debug("dropping websocket client", zap.Error(err))
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message for every connected client. Messages are dropped
// once the hub has stopped or when the queue is full; a slow dashboard must
// not stall saga processing.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case <-h.done:
	case h.broadcast <- msg:
	default:
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.connections {
		conn.Close()
	}
	h.connections = make(map[*websocket.Conn]struct{})
}

// Handler upgrades HTTP requests to WebSocket connections and registers them
// with the hub. The read loop exists only to notice client disconnects.
func (h *Hub) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		select {
		case h.register <- conn:
		case <-h.done:
			conn.Close()
			return
		}

		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					select {
					case h.unregister <- conn:
					case <-h.done:
						conn.Close()
					}
					return
				}
			}
		}()
	})
}

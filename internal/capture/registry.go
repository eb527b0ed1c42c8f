package capture

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks the open capture connections so they can be closed on
// shutdown. Connections are keyed by their per-connection ID.
type Registry struct {
	mu     sync.Mutex
	active map[string]*websocket.Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*websocket.Conn)}
}

// Register adds conn under id.
func (m *Registry) Register(id string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[id] = conn
	slog.Info("Capture connection registered", "conn_id", id)
}

// Unregister forgets the connection registered under id.
func (m *Registry) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[id]; ok {
		delete(m.active, id)
		slog.Info("Capture connection unregistered", "conn_id", id)
	}
}

// CloseAll closes every registered connection.
func (m *Registry) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, conn := range m.active {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(m.active, id)
	}
}

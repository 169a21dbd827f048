package ws

import (
	"sync"

	"github.com/example/sync-state-bridge/internal/types"
)

// ConnectionRegistry tracks active WebSocket connections keyed by document ID
// so updates can be fanned out efficiently.
type ConnectionRegistry struct {
	mu        sync.RWMutex
	documents map[types.DocumentID]map[*Connection]struct{}
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{documents: make(map[types.DocumentID]map[*Connection]struct{})}
}

// Register associates the connection with a document.
func (r *ConnectionRegistry) Register(documentID types.DocumentID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.documents[documentID] == nil {
		r.documents[documentID] = make(map[*Connection]struct{})
	}
	r.documents[documentID][c] = struct{}{}
	gatewayConnections.WithLabelValues(string(documentID)).Set(float64(len(r.documents[documentID])))
}

// Unregister removes the connection.
func (r *ConnectionRegistry) Unregister(documentID types.DocumentID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.documents[documentID]
	if conns == nil {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(r.documents, documentID)
	}
	gatewayConnections.WithLabelValues(string(documentID)).Set(float64(len(conns)))
}

// Count returns the number of connections attached to a document.
func (r *ConnectionRegistry) Count(documentID types.DocumentID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.documents[documentID])
}

// Broadcast delivers the payload to every connection currently attached to
// the document. The connection the update came from is skipped so it is not
// echoed back.
func (r *ConnectionRegistry) Broadcast(documentID types.DocumentID, payload []byte, skip *Connection) int {
	r.mu.RLock()
	conns := r.documents[documentID]
	if len(conns) == 0 {
		r.mu.RUnlock()
		return 0
	}
	recipients := make([]*Connection, 0, len(conns))
	for c := range conns {
		if c != skip {
			recipients = append(recipients, c)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range recipients {
		if err := conn.SendBinary(payload); err == nil {
			sent++
		}
	}
	return sent
}

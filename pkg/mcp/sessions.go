package mcp

import "sync"

// SessionRegistry maps assistant session IDs (the conversation key carried
// in tool arguments) to MCP transport session IDs. Populated automatically
// when a tool call includes session_id.
type SessionRegistry struct {
	mu         sync.RWMutex
	transports map[string]string // assistant sessionID → transport sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{transports: make(map[string]string)}
}

// Register associates an assistant session with a transport session.
// A session that reconnects simply overwrites its previous mapping.
func (r *SessionRegistry) Register(sessionID, transportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[sessionID] = transportID
}

// TransportFor returns the transport session for the given assistant
// session, if connected.
func (r *SessionRegistry) TransportFor(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tid, ok := r.transports[sessionID]
	return tid, ok
}

// DropTransport deletes every mapping pointing at the given transport
// session. Called when a transport disconnects.
func (r *SessionRegistry) DropTransport(transportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, tid := range r.transports {
		if tid == transportID {
			delete(r.transports, sid)
		}
	}
}

package node

import (
	"sort"
	"sync"

	"sshsync/pkg/metrics"
	"sshsync/pkg/session"
	"sshsync/pkg/types"
)

// ConnectionManager tracks the live sessions of a node. A peer may briefly
// have two sessions when both sides dialed, so sessions are tracked
// individually rather than by PeerID.
type ConnectionManager struct {
	mu       sync.RWMutex
	sessions map[*session.Session]struct{}
	metrics  *metrics.Metrics
}

// NewConnectionManager creates an empty manager
func NewConnectionManager(m *metrics.Metrics) *ConnectionManager {
	if m == nil {
		m = metrics.New(nil)
	}
	return &ConnectionManager{
		sessions: make(map[*session.Session]struct{}),
		metrics:  m,
	}
}

// Add registers a session
func (cm *ConnectionManager) Add(s *session.Session) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.sessions[s] = struct{}{}
	cm.metrics.Connections.Set(float64(len(cm.sessions)))
}

// Remove forgets a session; removing twice is harmless
func (cm *ConnectionManager) Remove(s *session.Session) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.sessions, s)
	cm.metrics.Connections.Set(float64(len(cm.sessions)))
}

// Verified returns the sessions whose peer passed the handshake
func (cm *ConnectionManager) Verified() []*session.Session {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]*session.Session, 0, len(cm.sessions))
	for s := range cm.sessions {
		if s.Verified() {
			out = append(out, s)
		}
	}
	return out
}

// Peers lists the distinct peers with a live session, sorted
func (cm *ConnectionManager) Peers() []types.PeerID {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	seen := make(map[types.PeerID]struct{}, len(cm.sessions))
	for s := range cm.sessions {
		seen[s.Peer()] = struct{}{}
	}

	out := make([]types.PeerID, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (cm *ConnectionManager) Len() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.sessions)
}

// CloseAll closes every session
func (cm *ConnectionManager) CloseAll() {
	cm.mu.RLock()
	sessions := make([]*session.Session, 0, len(cm.sessions))
	for s := range cm.sessions {
		sessions = append(sessions, s)
	}
	cm.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
}

package comms

import (
	"fmt"

	"github.com/eglochon/lan-peer-messenger/pkg/protocol"
)

// Send wraps content in a fresh envelope and queues it on the peer's
// dedicated outbound path. It fails immediately when no live connection
// exists; nothing is ever partially written for an unknown peer.
func (m *Manager) Send(peerID string, content protocol.Content) (*protocol.Envelope, error) {
	m.mu.Lock()
	pc := m.conns[peerID]
	m.mu.Unlock()

	if pc == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}

	env := protocol.NewEnvelope(m.cfg.PeerID, m.cfg.PeerName, content)

	select {
	case pc.out <- env:
		m.metrics.MessagesSent.Inc()
		return env, nil
	case <-pc.done:
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}
}

// ConnectedIDs returns the ids of peers with a live, bound connection.
func (m *Manager) ConnectedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}

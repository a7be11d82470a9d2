// Package comms owns the TCP side of the protocol: dialing and accepting
// peer connections, the per-connection framed read and write loops, and the
// persistence of received files.
package comms

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/eglochon/lan-peer-messenger/pkg/events"
	"github.com/eglochon/lan-peer-messenger/pkg/metrics"
	"github.com/eglochon/lan-peer-messenger/pkg/peers"
	"github.com/eglochon/lan-peer-messenger/pkg/protocol"
)

// ErrNotConnected is returned for sends and disconnects targeting a peer
// without a live connection. There is no implicit auto-connect.
var ErrNotConnected = errors.New("no live connection to peer")

const defaultDialTimeout = 5 * time.Second

// Config carries the local identity and transport parameters.
type Config struct {
	PeerID   string
	PeerName string

	ListenAddr   string // TCP bind address, e.g. ":6969"
	DownloadDir  string
	MaxFrameSize uint64
	DialTimeout  time.Duration
}

// Manager owns every peer connection. The registry holds peer metadata and
// connection state; sockets live only here.
type Manager struct {
	cfg      Config
	registry *peers.Registry
	bus      *events.Bus
	metrics  *metrics.Metrics

	mu      sync.Mutex
	running bool
	ln      net.Listener
	port    uint16
	conns   map[string]*peerConn    // bound peer id -> connection
	all     map[*peerConn]struct{}  // every live connection, bound or not
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager assembles a stopped manager. The listener is bound by Start.
func NewManager(cfg Config, registry *peers.Registry, bus *events.Bus, m *metrics.Metrics) *Manager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &Manager{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		metrics:  m,
		conns:    make(map[string]*peerConn),
		all:      make(map[*peerConn]struct{}),
	}
}

// Connect dials the peer's advertised address, sends the identity handshake
// first on the wire, and transitions the registry entry to Connected. A
// connect to an already-connected peer is a no-op.
func (m *Manager) Connect(peerID string) error {
	info, _, ok := m.registry.Get(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", peers.ErrUnknownPeer, peerID)
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return errors.New("connection manager not running")
	}
	if _, exists := m.conns[peerID]; exists {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.registry.SetState(peerID, peers.StateConnecting)

	nc, err := net.DialTimeout("tcp", info.Addr(), m.cfg.DialTimeout)
	if err != nil {
		m.registry.SetState(peerID, peers.StateDiscovered)
		m.bus.Publish(events.Error{Description: fmt.Sprintf("connect to %s: %v", peerID, err)})
		return fmt.Errorf("connect to %s: %w", peerID, err)
	}

	pc := m.newPeerConn(nc, peerID)

	// The handshake must be the first envelope on the wire; it is queued
	// before the connection becomes visible to Send callers.
	pc.out <- protocol.NewHandshakeEnvelope(m.cfg.PeerID, m.cfg.PeerName, m.Port())

	m.mu.Lock()
	if !m.running {
		// Shutdown began while dialing; this socket is ours to close.
		delete(m.all, pc)
		m.mu.Unlock()
		nc.Close()
		m.registry.SetState(peerID, peers.StateDiscovered)
		return errors.New("connection manager not running")
	}
	if _, exists := m.conns[peerID]; exists {
		// Lost the race against an inbound session from the same peer.
		delete(m.all, pc)
		m.mu.Unlock()
		nc.Close()
		return nil
	}
	m.conns[peerID] = pc
	// Taking the wg slot under the lock keeps Stop's Wait ordered after it.
	m.wg.Add(1)
	m.mu.Unlock()

	m.registry.SetState(peerID, peers.StateConnected)
	m.metrics.PeersConnected.Inc()
	m.metrics.ConnectionsOpen.Inc()

	go func() {
		defer m.wg.Done()
		m.serve(pc)
	}()

	log.Printf("[COMMS] Connected to %s (%s)", info.Name, info.Addr())
	m.bus.Publish(events.PeerConnected{Peer: info})
	return nil
}

// Disconnect closes the peer's connection. The PeerDisconnected event follows
// once the read loop observes the close.
func (m *Manager) Disconnect(peerID string) error {
	m.mu.Lock()
	pc := m.conns[peerID]
	m.mu.Unlock()

	if pc == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}

	m.registry.SetState(peerID, peers.StateClosing)
	pc.close()
	return nil
}

// Stop closes the listener and every connection, then waits for all loops.
// In-flight sends are aborted, not flushed.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	if m.ln != nil {
		m.ln.Close()
	}
	live := make([]*peerConn, 0, len(m.all))
	for pc := range m.all {
		live = append(live, pc)
	}
	m.mu.Unlock()

	for _, pc := range live {
		pc.close()
	}
	m.wg.Wait()
}

// serve runs a connection's loops and tears it down when the read loop exits.
func (m *Manager) serve(pc *peerConn) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.writeLoop(pc)
	}()

	m.readLoop(pc)
	m.teardown(pc)
}

// dispatch routes one decoded envelope. Handshakes bind or refresh the peer
// association and are never surfaced as received messages.
func (m *Manager) dispatch(pc *peerConn, env *protocol.Envelope) {
	switch c := env.Content.(type) {
	case protocol.HandshakeContent:
		id := c.PeerID
		if id == "" {
			id = env.SenderID
		}
		if pc.boundID() == "" {
			m.bindInbound(pc, id, c.PeerName, c.TCPPort)
		} else {
			m.refreshInfo(pc, c)
		}

	case protocol.TextContent:
		if pc.boundID() == "" {
			m.bindInbound(pc, env.SenderID, env.SenderName, 0)
		}
		m.registry.Touch(env.SenderID)
		m.metrics.MessagesReceived.Inc()
		m.bus.Publish(events.MessageReceived{Message: env})

	case protocol.FileContent:
		if pc.boundID() == "" {
			m.bindInbound(pc, env.SenderID, env.SenderName, 0)
		}
		m.registry.Touch(env.SenderID)
		m.metrics.MessagesReceived.Inc()

		path, err := m.saveFile(c)
		if err != nil {
			log.Printf("[COMMS] Save %q from %s failed: %v", c.Filename, env.SenderID, err)
			m.bus.Publish(events.Error{
				Description: fmt.Sprintf("save file %q from %s: %v", c.Filename, env.SenderID, err),
			})
			return
		}
		m.metrics.FilesReceived.Inc()
		m.bus.Publish(events.FileReceived{Message: env, SavedPath: path})
	}
}

// bindInbound associates an accepted connection with a registry entry, taken
// from the first envelope's sender fields. Direct connects without prior
// discovery enter the registry here.
func (m *Manager) bindInbound(pc *peerConn, id, name string, tcpPort uint16) {
	if id == "" {
		return
	}
	if !pc.bind(id) {
		return
	}

	ip := ""
	if host, _, err := net.SplitHostPort(pc.conn.RemoteAddr().String()); err == nil {
		ip = host
	}

	// A text-first envelope carries no advertised service port. Keep what
	// discovery already learned instead of clobbering it; same for the name.
	if existing, _, ok := m.registry.Get(id); ok {
		if name == "" {
			name = existing.Name
		}
		if tcpPort == 0 {
			tcpPort = existing.Port
		}
	}
	m.registry.Upsert(protocol.PeerInfo{ID: id, Name: name, IP: ip, Port: tcpPort})

	m.mu.Lock()
	old := m.conns[id]
	m.conns[id] = pc
	m.mu.Unlock()
	if old != nil && old != pc {
		// A second session from the same peer replaces the first.
		old.close()
	}

	m.registry.SetState(id, peers.StateConnected)
	m.metrics.PeersConnected.Inc()
	m.metrics.ConnectionsOpen.Inc()

	if info, _, ok := m.registry.Get(id); ok {
		log.Printf("[RECEIVER] Peer %s (%s) connected from %s", info.Name, id, pc.conn.RemoteAddr())
		m.bus.Publish(events.PeerConnected{Peer: info})
	}
}

// refreshInfo applies a handshake received on an already-bound connection,
// picking up the peer's advertised name and service port.
func (m *Manager) refreshInfo(pc *peerConn, c protocol.HandshakeContent) {
	id := pc.boundID()
	info, _, ok := m.registry.Get(id)
	if !ok {
		return
	}
	if c.PeerName != "" {
		info.Name = c.PeerName
	}
	if c.TCPPort != 0 {
		info.Port = c.TCPPort
	}
	m.registry.Upsert(info)
}

// teardown runs exactly once per connection, after its read loop exits. The
// failure stays local: other connections and services never see it.
func (m *Manager) teardown(pc *peerConn) {
	pc.close()

	id := pc.boundID()

	m.mu.Lock()
	delete(m.all, pc)
	current := id != "" && m.conns[id] == pc
	if current {
		delete(m.conns, id)
	}
	m.mu.Unlock()

	if !current {
		// Unbound, or already replaced by a newer session.
		return
	}

	m.registry.SetState(id, peers.StateDisconnected)
	m.metrics.ConnectionsOpen.Dec()
	log.Printf("[COMMS] Disconnected from %s", id)
	m.bus.Publish(events.PeerDisconnected{PeerID: id})
}

// Package messenger wires discovery, transport, registry, and events into
// one owned instance and exposes the programmatic surface consumed by CLIs,
// TUIs, and bindings. Several instances can coexist in one process; nothing
// here is global.
package messenger

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/eglochon/lan-peer-messenger/config"
	"github.com/eglochon/lan-peer-messenger/pkg/comms"
	"github.com/eglochon/lan-peer-messenger/pkg/discovery"
	"github.com/eglochon/lan-peer-messenger/pkg/events"
	"github.com/eglochon/lan-peer-messenger/pkg/identity"
	"github.com/eglochon/lan-peer-messenger/pkg/metrics"
	"github.com/eglochon/lan-peer-messenger/pkg/peers"
	"github.com/eglochon/lan-peer-messenger/pkg/protocol"
)

// ErrEmptyMessage rejects sends with nothing in them.
var ErrEmptyMessage = errors.New("empty message")

// Messenger is one local peer: an identity, a registry, an event bus, and the
// two network services. Construction assembles everything; Start performs the
// socket binds; Stop releases them deterministically.
type Messenger struct {
	cfg      config.Config
	id       *identity.Identity
	registry *peers.Registry
	bus      *events.Bus
	metrics  *metrics.Metrics
	comms    *comms.Manager

	mu        sync.Mutex
	running   bool
	discovery *discovery.Service
}

// New assembles a messenger from the given configuration.
func New(cfg config.Config) (*Messenger, error) {
	id, err := identity.New(cfg.PeerName)
	if err != nil {
		return nil, err
	}

	registry := peers.NewRegistry()
	bus := events.NewBus(events.DefaultQueueSize)
	m := metrics.New("lan_peer_messenger")

	listenAddr := cfg.ServiceListenAddr
	if listenAddr == "" {
		listenAddr = fmt.Sprintf(":%d", cfg.ServicePort)
	}

	mgr := comms.NewManager(comms.Config{
		PeerID:       id.ID,
		PeerName:     id.Name,
		ListenAddr:   listenAddr,
		DownloadDir:  cfg.DownloadDir,
		MaxFrameSize: cfg.MaxFrameSize,
	}, registry, bus, m)

	return &Messenger{
		cfg:      cfg,
		id:       id,
		registry: registry,
		bus:      bus,
		metrics:  m,
		comms:    mgr,
	}, nil
}

// Start binds the TCP listener and the discovery socket and launches every
// loop. Either bind failing aborts startup with nothing left running.
func (m *Messenger) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	if err := m.comms.Start(); err != nil {
		return err
	}

	// The discovery service advertises the port the listener actually got,
	// which matters when the configuration asked for port 0.
	svc := discovery.NewService(discovery.Config{
		PeerID:        m.id.ID,
		PeerName:      m.id.Name,
		TCPPort:       m.comms.Port(),
		Port:          m.cfg.DiscoveryPort,
		ListenAddr:    m.cfg.DiscoveryListenAddr,
		BroadcastAddr: m.cfg.BroadcastAddr,
		MulticastAddr: m.cfg.MulticastAddr,
		Interval:      m.cfg.AnnounceInterval,
	}, m.registry, m.bus, m.metrics)

	if err := svc.Start(); err != nil {
		m.comms.Stop()
		return err
	}

	m.discovery = svc
	m.running = true
	return nil
}

// Stop cancels every task and closes every socket, then closes the event
// bus. In-flight sends are aborted; delivery is best-effort on shutdown.
func (m *Messenger) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	svc := m.discovery
	m.mu.Unlock()

	svc.Stop()
	m.comms.Stop()
	m.bus.Close()
}

// Subscribe returns a bounded event stream. Slow consumers lose their oldest
// events instead of stalling the network loops.
func (m *Messenger) Subscribe() *events.Subscription {
	return m.bus.Subscribe()
}

// DiscoverPeers broadcasts one discovery request for an on-demand refresh.
func (m *Messenger) DiscoverPeers() error {
	m.mu.Lock()
	svc := m.discovery
	m.mu.Unlock()
	if svc == nil {
		return discovery.ErrNotRunning
	}
	return svc.RequestDiscovery()
}

// ConnectToPeer opens a session to a previously discovered peer.
func (m *Messenger) ConnectToPeer(peerID string) error {
	return m.comms.Connect(peerID)
}

// DisconnectPeer closes the session to a connected peer.
func (m *Messenger) DisconnectPeer(peerID string) error {
	return m.comms.Disconnect(peerID)
}

// SendTextMessage sends a text envelope to a connected peer.
func (m *Messenger) SendTextMessage(peerID, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	env, err := m.comms.Send(peerID, protocol.TextContent{Text: text})
	if err != nil {
		return err
	}
	m.bus.Publish(events.MessageSent{Message: env})
	return nil
}

// SendFile reads the file at path and sends it as one complete envelope. The
// size ceiling is the configured frame limit.
func (m *Messenger) SendFile(peerID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	filename := filepath.Base(path)

	if max := m.cfg.MaxFrameSize; max > 0 && uint64(len(data)) > max {
		return fmt.Errorf("file %q exceeds frame limit of %d bytes", filename, max)
	}

	m.bus.Publish(events.FileTransferStarted{
		PeerID:   peerID,
		Filename: filename,
		Size:     uint64(len(data)),
	})

	env, err := m.comms.Send(peerID, protocol.FileContent{Filename: filename, Data: data})
	if err != nil {
		m.bus.Publish(events.FileTransferFailed{
			PeerID:   peerID,
			Filename: filename,
			Reason:   err.Error(),
		})
		return err
	}

	m.bus.Publish(events.FileTransferCompleted{PeerID: peerID, Filename: filename})
	m.bus.Publish(events.MessageSent{Message: env})
	return nil
}

// DiscoveredPeersCount returns the number of known peers.
func (m *Messenger) DiscoveredPeersCount() int {
	return m.registry.Count()
}

// ConnectedPeersCount returns the number of connected peers.
func (m *Messenger) ConnectedPeersCount() int {
	return m.registry.ConnectedCount()
}

// DiscoveredPeers returns a snapshot of every known peer.
func (m *Messenger) DiscoveredPeers() []protocol.PeerInfo {
	return m.registry.Snapshot()
}

// ConnectedPeers returns a snapshot of every connected peer.
func (m *Messenger) ConnectedPeers() []protocol.PeerInfo {
	return m.registry.Connected()
}

// EvictStalePeers drops non-connected peers not seen within maxAge and
// returns the evicted ids. There is no automatic eviction timer; staleness
// policy belongs to the caller.
func (m *Messenger) EvictStalePeers(maxAge time.Duration) []string {
	return m.registry.EvictStale(maxAge)
}

// LocalID returns the process-unique peer id.
func (m *Messenger) LocalID() string { return m.id.ID }

// LocalName returns the advertised display name.
func (m *Messenger) LocalName() string { return m.id.Name }

// LocalIP returns the LAN-facing IP address.
func (m *Messenger) LocalIP() string { return m.id.IP }

// ListenAddr returns the bound TCP address, or nil before Start.
func (m *Messenger) ListenAddr() net.Addr {
	return m.comms.ListenAddr()
}

// DiscoveryAddr returns the bound UDP address, or nil before Start.
func (m *Messenger) DiscoveryAddr() net.Addr {
	m.mu.Lock()
	svc := m.discovery
	m.mu.Unlock()
	if svc == nil {
		return nil
	}
	return svc.LocalAddr()
}

// MetricsHandler serves this instance's Prometheus metrics.
func (m *Messenger) MetricsHandler() http.Handler {
	return m.metrics.Handler()
}

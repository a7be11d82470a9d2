// Package discovery implements the UDP announce/request cycle that lets
// peers find each other on the local network without a central server.
package discovery

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/eglochon/lan-peer-messenger/pkg/events"
	"github.com/eglochon/lan-peer-messenger/pkg/metrics"
	"github.com/eglochon/lan-peer-messenger/pkg/peers"
	"github.com/eglochon/lan-peer-messenger/pkg/protocol"
)

// ErrNotRunning is returned by operations that need the socket bound.
var ErrNotRunning = errors.New("discovery service not running")

// packetConn is the slice of *net.UDPConn the service needs. Tests substitute
// a recording stub.
type packetConn interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	Close() error
}

// Config carries the local identity to advertise and the socket parameters.
type Config struct {
	PeerID   string
	PeerName string
	TCPPort  uint16

	Port          uint16 // destination port for announcements
	ListenAddr    string // bind override, defaults to ":Port"
	BroadcastAddr string
	MulticastAddr string // supplementary channel for broadcast-filtered networks
	Interval      time.Duration
}

// Service runs two loops once started: a periodic self-announce and an
// inbound datagram handler that feeds the registry and the event bus.
type Service struct {
	cfg      Config
	registry *peers.Registry
	bus      *events.Bus
	metrics  *metrics.Metrics

	conn packetConn
	udp  *net.UDPConn

	broadcastDst *net.UDPAddr
	multicastDst *net.UDPAddr

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewService assembles a stopped service. The socket is bound by Start.
func NewService(cfg Config, registry *peers.Registry, bus *events.Bus, m *metrics.Metrics) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Service{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		metrics:  m,
	}
}

// Start binds the UDP socket and launches the announce and receive loops. A
// bind failure is fatal to startup and returned to the caller.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	bindAddr := s.cfg.ListenAddr
	if bindAddr == "" {
		bindAddr = fmt.Sprintf(":%d", s.cfg.Port)
	}
	addr, err := net.ResolveUDPAddr("udp4", bindAddr)
	if err != nil {
		return fmt.Errorf("resolve discovery bind address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("bind discovery socket: %w", err)
	}

	if ip := net.ParseIP(s.cfg.BroadcastAddr); ip != nil {
		s.broadcastDst = &net.UDPAddr{IP: ip, Port: int(s.cfg.Port)}
	}
	if ip := net.ParseIP(s.cfg.MulticastAddr); ip != nil {
		s.multicastDst = &net.UDPAddr{IP: ip, Port: int(s.cfg.Port)}
		s.joinMulticast(conn, ip)
	}

	s.conn = conn
	s.udp = conn
	s.stopCh = make(chan struct{})
	s.running = true

	s.wg.Add(2)
	go s.readLoop()
	go s.announceLoop()

	log.Printf("[DISCOVERY] Listening on %s", conn.LocalAddr())
	return nil
}

// joinMulticast subscribes the listen socket to the announce group on every
// multicast-capable interface. Failures are logged, not fatal: the broadcast
// channel still works.
func (s *Service) joinMulticast(conn *net.UDPConn, group net.IP) {
	p := ipv4.NewPacketConn(conn)
	if err := p.SetMulticastLoopback(false); err != nil {
		log.Printf("[DISCOVERY] Disable multicast loopback: %v", err)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		log.Printf("[DISCOVERY] List interfaces: %v", err)
		return
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := p.JoinGroup(&iface, &net.UDPAddr{IP: group}); err != nil {
			log.Printf("[DISCOVERY] Join %s on %s: %v", group, iface.Name, err)
		}
	}
}

// Stop cancels both loops and closes the socket.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.conn.Close()
	s.mu.Unlock()

	s.wg.Wait()
}

// LocalAddr returns the bound UDP address, or nil before Start.
func (s *Service) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr()
}

// RequestDiscovery broadcasts a single Request so that every listening peer
// replies with one Announce. Used for on-demand refresh.
func (s *Service) RequestDiscovery() error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	payload := protocol.EncodeDiscovery(protocol.Request{})
	return s.sendToGroup(payload)
}

func (s *Service) announceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.announce()
	for {
		select {
		case <-ticker.C:
			s.announce()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) announce() {
	payload := protocol.EncodeDiscovery(s.selfAnnounce())
	if err := s.sendToGroup(payload); err != nil {
		log.Printf("[DISCOVERY] Announce failed: %v", err)
	}
}

func (s *Service) selfAnnounce() protocol.Announce {
	return protocol.Announce{
		PeerName: s.cfg.PeerName,
		PeerID:   s.cfg.PeerID,
		TCPPort:  s.cfg.TCPPort,
	}
}

// sendToGroup writes a datagram to the broadcast and multicast destinations.
// One delivery path succeeding is enough.
func (s *Service) sendToGroup(payload []byte) error {
	var lastErr error
	sent := false
	for _, dst := range []*net.UDPAddr{s.broadcastDst, s.multicastDst} {
		if dst == nil {
			continue
		}
		if _, err := s.conn.WriteToUDP(payload, dst); err != nil {
			lastErr = err
			continue
		}
		sent = true
	}
	if !sent && lastErr != nil {
		return lastErr
	}
	return nil
}

func (s *Service) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, 64*1024)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[DISCOVERY] Read error: %v", err)
			continue
		}
		s.handleDatagram(buf[:n], src)
	}
}

// handleDatagram processes one inbound discovery datagram. Malformed input is
// dropped and logged; nothing a remote peer sends here can fail the service.
func (s *Service) handleDatagram(data []byte, src *net.UDPAddr) {
	msg, err := protocol.DecodeDiscovery(data)
	if err != nil {
		s.metrics.DatagramsDropped.Inc()
		log.Printf("[DISCOVERY] Dropped datagram from %s: %v", src, err)
		return
	}

	switch m := msg.(type) {
	case protocol.Announce:
		// A peer never self-discovers.
		if m.PeerID == s.cfg.PeerID {
			return
		}
		created := s.registry.Upsert(protocol.PeerInfo{
			ID:   m.PeerID,
			Name: m.PeerName,
			IP:   src.IP.String(),
			Port: m.TCPPort,
		})
		if !created {
			return
		}
		s.metrics.PeersDiscovered.Inc()
		if info, _, ok := s.registry.Get(m.PeerID); ok {
			log.Printf("[DISCOVERY] Found peer %s (%s) at %s", info.Name, info.ID, info.Addr())
			s.bus.Publish(events.PeerDiscovered{Peer: info})
		}

	case protocol.Request:
		// Point reply to the requester, not a broadcast storm.
		payload := protocol.EncodeDiscovery(s.selfAnnounce())
		if _, err := s.conn.WriteToUDP(payload, src); err != nil {
			log.Printf("[DISCOVERY] Reply to %s failed: %v", src, err)
		}
	}
}

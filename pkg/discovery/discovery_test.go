package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/eglochon/lan-peer-messenger/pkg/events"
	"github.com/eglochon/lan-peer-messenger/pkg/metrics"
	"github.com/eglochon/lan-peer-messenger/pkg/peers"
	"github.com/eglochon/lan-peer-messenger/pkg/protocol"
)

type stubWrite struct {
	data []byte
	addr *net.UDPAddr
}

// stubConn records outbound datagrams for handler-level tests.
type stubConn struct {
	writes []stubWrite
}

func (c *stubConn) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	return 0, nil, net.ErrClosed
}

func (c *stubConn) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	data := append([]byte(nil), b...)
	c.writes = append(c.writes, stubWrite{data: data, addr: addr})
	return len(b), nil
}

func (c *stubConn) Close() error { return nil }

func newTestService(t *testing.T) (*Service, *stubConn, *events.Bus) {
	t.Helper()

	registry := peers.NewRegistry()
	bus := events.NewBus(32)
	t.Cleanup(bus.Close)

	svc := NewService(Config{
		PeerID:   "local-uuid",
		PeerName: "Local",
		TCPPort:  6969,
		Port:     6968,
	}, registry, bus, metrics.New("discovery_test"))

	stub := &stubConn{}
	svc.conn = stub
	return svc, stub, bus
}

func expectNoEvent(t *testing.T, sub *events.Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %#v", ev)
	default:
	}
}

func TestAnnounceFromSelfIgnored(t *testing.T) {
	svc, _, bus := newTestService(t)
	sub := bus.Subscribe()
	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 6968}

	payload := protocol.EncodeDiscovery(protocol.Announce{
		PeerName: "Local", PeerID: "local-uuid", TCPPort: 6969,
	})
	svc.handleDatagram(payload, src)

	if svc.registry.Count() != 0 {
		t.Errorf("registry count = %d, want 0", svc.registry.Count())
	}
	expectNoEvent(t, sub)
}

func TestAnnounceUpsertsOnceAndEmitsOnce(t *testing.T) {
	svc, _, bus := newTestService(t)
	sub := bus.Subscribe()
	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 30), Port: 6968}

	svc.handleDatagram(protocol.EncodeDiscovery(protocol.Announce{
		PeerName: "Bob", PeerID: "bob-uuid", TCPPort: 7001,
	}), src)

	// Same id, new port: entry updated, no second event.
	svc.handleDatagram(protocol.EncodeDiscovery(protocol.Announce{
		PeerName: "Bob", PeerID: "bob-uuid", TCPPort: 7002,
	}), src)

	if svc.registry.Count() != 1 {
		t.Fatalf("registry count = %d, want 1", svc.registry.Count())
	}
	info, _, _ := svc.registry.Get("bob-uuid")
	if info.Port != 7002 {
		t.Errorf("port = %d, want 7002", info.Port)
	}
	if info.IP != "192.168.1.30" {
		t.Errorf("ip = %s, want 192.168.1.30", info.IP)
	}

	select {
	case ev := <-sub.C:
		discovered, ok := ev.(events.PeerDiscovered)
		if !ok {
			t.Fatalf("event = %#v, want PeerDiscovered", ev)
		}
		if discovered.Peer.ID != "bob-uuid" || discovered.Peer.Name != "Bob" {
			t.Errorf("discovered peer = %#v", discovered.Peer)
		}
	default:
		t.Fatal("no PeerDiscovered event")
	}
	expectNoEvent(t, sub)
}

func TestRequestGetsPointReply(t *testing.T) {
	svc, stub, _ := newTestService(t)
	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 40), Port: 50123}

	svc.handleDatagram(protocol.EncodeDiscovery(protocol.Request{}), src)

	if len(stub.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(stub.writes))
	}
	if stub.writes[0].addr != src {
		t.Errorf("reply addr = %v, want %v", stub.writes[0].addr, src)
	}

	msg, err := protocol.DecodeDiscovery(stub.writes[0].data)
	if err != nil {
		t.Fatalf("reply not decodable: %v", err)
	}
	ann, ok := msg.(protocol.Announce)
	if !ok {
		t.Fatalf("reply = %#v, want Announce", msg)
	}
	if ann.PeerID != "local-uuid" || ann.TCPPort != 6969 {
		t.Errorf("reply announce = %#v", ann)
	}
}

func TestMalformedDatagramDropped(t *testing.T) {
	svc, stub, bus := newTestService(t)
	sub := bus.Subscribe()
	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50), Port: 6968}

	svc.handleDatagram([]byte{0xFF, 0xFF, 0xFF}, src)

	if svc.registry.Count() != 0 {
		t.Error("malformed datagram created a registry entry")
	}
	if len(stub.writes) != 0 {
		t.Error("malformed datagram triggered a reply")
	}
	expectNoEvent(t, sub)
}

// End-to-end over a real socket: an announce datagram sent to the bound port
// lands in the registry and on the event bus.
func TestServiceReceivesAnnounce(t *testing.T) {
	registry := peers.NewRegistry()
	bus := events.NewBus(32)
	defer bus.Close()

	svc := NewService(Config{
		PeerID:     "local-uuid",
		PeerName:   "Local",
		TCPPort:    6969,
		Port:       6968,
		ListenAddr: "127.0.0.1:0",
		Interval:   time.Hour,
	}, registry, bus, metrics.New("discovery_socket_test"))

	sub := bus.Subscribe()
	if err := svc.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer svc.Stop()

	client, err := net.Dial("udp4", svc.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial discovery socket: %v", err)
	}
	defer client.Close()

	payload := protocol.EncodeDiscovery(protocol.Announce{
		PeerName: "Bob", PeerID: "bob-uuid", TCPPort: 7001,
	})
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("send announce: %v", err)
	}

	select {
	case ev := <-sub.C:
		discovered, ok := ev.(events.PeerDiscovered)
		if !ok {
			t.Fatalf("event = %#v, want PeerDiscovered", ev)
		}
		if discovered.Peer.ID != "bob-uuid" {
			t.Errorf("peer id = %s, want bob-uuid", discovered.Peer.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no PeerDiscovered event")
	}

	// A request over the same socket gets a unicast announce back.
	if _, err := client.Write(protocol.EncodeDiscovery(protocol.Request{})); err != nil {
		t.Fatalf("send request: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 2048)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	msg, err := protocol.DecodeDiscovery(buf[:n])
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if ann, ok := msg.(protocol.Announce); !ok || ann.PeerID != "local-uuid" {
		t.Errorf("reply = %#v, want local announce", msg)
	}
}

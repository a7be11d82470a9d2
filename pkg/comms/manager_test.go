package comms

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eglochon/lan-peer-messenger/pkg/events"
	"github.com/eglochon/lan-peer-messenger/pkg/metrics"
	"github.com/eglochon/lan-peer-messenger/pkg/peers"
	"github.com/eglochon/lan-peer-messenger/pkg/protocol"
)

type node struct {
	manager  *Manager
	registry *peers.Registry
	sub      *events.Subscription
}

func newNode(t *testing.T, id, name, namespace string) *node {
	t.Helper()

	registry := peers.NewRegistry()
	bus := events.NewBus(events.DefaultQueueSize)
	t.Cleanup(bus.Close)

	m := NewManager(Config{
		PeerID:      id,
		PeerName:    name,
		ListenAddr:  "127.0.0.1:0",
		DownloadDir: t.TempDir(),
	}, registry, bus, metrics.New(namespace))

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(m.Stop)

	return &node{manager: m, registry: registry, sub: bus.Subscribe()}
}

// waitFor drains the subscription until an event of type T arrives.
func waitFor[T events.Event](t *testing.T, sub *events.Subscription) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatal("event channel closed")
			}
			if want, matched := ev.(T); matched {
				return want
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// connectPair registers b in a's registry and dials it, waiting for both
// sides to report the connection.
func connectPair(t *testing.T, a, b *node, bID, bName string) {
	t.Helper()

	a.registry.Upsert(protocol.PeerInfo{
		ID: bID, Name: bName, IP: "127.0.0.1", Port: b.manager.Port(),
	})
	if err := a.manager.Connect(bID); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if ev := waitFor[events.PeerConnected](t, a.sub); ev.Peer.ID != bID {
		t.Fatalf("dialer saw peer %s, want %s", ev.Peer.ID, bID)
	}
	ev := waitFor[events.PeerConnected](t, b.sub)
	if ev.Peer.ID != a.manager.cfg.PeerID {
		t.Fatalf("acceptor saw peer %s, want %s", ev.Peer.ID, a.manager.cfg.PeerID)
	}
}

func TestConnectHandshakeBindsBothSides(t *testing.T) {
	alice := newNode(t, "a-id", "alice", "comms_hs_a")
	bob := newNode(t, "b-id", "bob", "comms_hs_b")

	connectPair(t, alice, bob, "b-id", "bob")

	// The handshake carried alice's name and service port to bob's registry.
	info, state, ok := bob.registry.Get("a-id")
	if !ok {
		t.Fatal("dialer missing from acceptor registry")
	}
	if info.Name != "alice" {
		t.Errorf("peer name = %q, want alice", info.Name)
	}
	if info.Port != alice.manager.Port() {
		t.Errorf("peer port = %d, want %d", info.Port, alice.manager.Port())
	}
	if state != peers.StateConnected {
		t.Errorf("state = %v, want connected", state)
	}

	// Connecting again is a no-op.
	if err := alice.manager.Connect("b-id"); err != nil {
		t.Errorf("repeat Connect() error = %v", err)
	}
}

func TestMessagesArriveInOrder(t *testing.T) {
	alice := newNode(t, "a-id", "alice", "comms_order_a")
	bob := newNode(t, "b-id", "bob", "comms_order_b")
	connectPair(t, alice, bob, "b-id", "bob")

	sent := []string{"first", "second", "third"}
	for _, text := range sent {
		if _, err := alice.manager.Send("b-id", protocol.TextContent{Text: text}); err != nil {
			t.Fatalf("Send(%q) error = %v", text, err)
		}
	}

	for i, want := range sent {
		ev := waitFor[events.MessageReceived](t, bob.sub)
		text, ok := ev.Message.Content.(protocol.TextContent)
		if !ok {
			t.Fatalf("message %d content = %#v, want text", i, ev.Message.Content)
		}
		if text.Text != want {
			t.Fatalf("message %d = %q, want %q", i, text.Text, want)
		}
		if ev.Message.SenderID != "a-id" || ev.Message.SenderName != "alice" {
			t.Errorf("message %d sender = %s/%s", i, ev.Message.SenderID, ev.Message.SenderName)
		}
	}

	// The handshake bound the dialer, so the acceptor can answer by id.
	if _, err := bob.manager.Send("a-id", protocol.TextContent{Text: "reply"}); err != nil {
		t.Fatalf("reply Send() error = %v", err)
	}
	ev := waitFor[events.MessageReceived](t, alice.sub)
	if text := ev.Message.Content.(protocol.TextContent).Text; text != "reply" {
		t.Errorf("reply = %q, want reply", text)
	}
}

func TestSendWithoutConnection(t *testing.T) {
	alice := newNode(t, "a-id", "alice", "comms_noconn")

	if _, err := alice.manager.Send("ghost", protocol.TextContent{Text: "hi"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send(unconnected) error = %v, want ErrNotConnected", err)
	}
	if err := alice.manager.Disconnect("ghost"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Disconnect(unconnected) error = %v, want ErrNotConnected", err)
	}
}

func TestDisconnectNotifiesBothSides(t *testing.T) {
	alice := newNode(t, "a-id", "alice", "comms_dc_a")
	bob := newNode(t, "b-id", "bob", "comms_dc_b")
	connectPair(t, alice, bob, "b-id", "bob")

	if err := alice.manager.Disconnect("b-id"); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	if ev := waitFor[events.PeerDisconnected](t, alice.sub); ev.PeerID != "b-id" {
		t.Errorf("dialer disconnect event for %s, want b-id", ev.PeerID)
	}
	if ev := waitFor[events.PeerDisconnected](t, bob.sub); ev.PeerID != "a-id" {
		t.Errorf("acceptor disconnect event for %s, want a-id", ev.PeerID)
	}

	// The registry entry survives the disconnect.
	if _, state, ok := alice.registry.Get("b-id"); !ok {
		t.Error("registry entry gone after disconnect")
	} else if state != peers.StateDisconnected {
		t.Errorf("state = %v, want disconnected", state)
	}

	if _, err := alice.manager.Send("b-id", protocol.TextContent{Text: "late"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after disconnect error = %v, want ErrNotConnected", err)
	}
}

// An inbound connection may open with a text envelope instead of a handshake;
// the sender fields are the identity. Binding from them must not wipe the
// service port discovery already learned, or reconnecting dials ip:0.
func TestTextFirstInboundKeepsDiscoveredPort(t *testing.T) {
	bob := newNode(t, "b-id", "bob", "comms_textfirst")
	bob.registry.Upsert(protocol.PeerInfo{
		ID: "x-id", Name: "xavier", IP: "127.0.0.1", Port: 7001,
	})

	nc, err := net.Dial("tcp", bob.manager.ListenAddr().String())
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer nc.Close()

	env := protocol.NewTextEnvelope("x-id", "xavier", "no handshake first")
	if err := protocol.WriteFrame(nc, protocol.EncodeEnvelope(env)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	if ev := waitFor[events.PeerConnected](t, bob.sub); ev.Peer.ID != "x-id" {
		t.Fatalf("connected peer = %s, want x-id", ev.Peer.ID)
	}
	waitFor[events.MessageReceived](t, bob.sub)

	info, state, ok := bob.registry.Get("x-id")
	if !ok {
		t.Fatal("peer missing from registry")
	}
	if info.Port != 7001 {
		t.Errorf("registry port = %d, want 7001", info.Port)
	}
	if info.Name != "xavier" {
		t.Errorf("registry name = %q, want xavier", info.Name)
	}
	if state != peers.StateConnected {
		t.Errorf("state = %v, want connected", state)
	}
}

// Stop racing a concurrent Connect must never leak a connection past
// shutdown, whichever side wins.
func TestStopDuringConnect(t *testing.T) {
	bob := newNode(t, "b-id", "bob", "comms_stopconn_b")

	for i := 0; i < 10; i++ {
		registry := peers.NewRegistry()
		bus := events.NewBus(events.DefaultQueueSize)
		m := NewManager(Config{
			PeerID:      "a-id",
			PeerName:    "alice",
			ListenAddr:  "127.0.0.1:0",
			DownloadDir: t.TempDir(),
		}, registry, bus, metrics.New("comms_stopconn_a"))
		if err := m.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		registry.Upsert(protocol.PeerInfo{
			ID: "b-id", Name: "bob", IP: "127.0.0.1", Port: bob.manager.Port(),
		})

		errCh := make(chan error, 1)
		go func() { errCh <- m.Connect("b-id") }()
		m.Stop()
		<-errCh

		// Whether the dial won or lost the race, shutdown owns every socket.
		if _, err := m.Send("b-id", protocol.TextContent{Text: "late"}); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("iteration %d: Send after Stop error = %v, want ErrNotConnected", i, err)
		}
		bus.Close()
	}
}

func TestFileTransferSavesWithCollisionSuffix(t *testing.T) {
	alice := newNode(t, "a-id", "alice", "comms_file_a")
	bob := newNode(t, "b-id", "bob", "comms_file_b")
	connectPair(t, alice, bob, "b-id", "bob")

	payloads := [][]byte{[]byte("original"), []byte("second copy")}
	for _, data := range payloads {
		_, err := alice.manager.Send("b-id", protocol.FileContent{Filename: "notes.txt", Data: data})
		if err != nil {
			t.Fatalf("Send(file) error = %v", err)
		}
	}

	var saved []string
	for range payloads {
		ev := waitFor[events.FileReceived](t, bob.sub)
		saved = append(saved, ev.SavedPath)
	}

	wantNames := []string{"notes.txt", "notes (1).txt"}
	for i, path := range saved {
		if got := filepath.Base(path); got != wantNames[i] {
			t.Errorf("saved name %d = %q, want %q", i, got, wantNames[i])
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read saved file: %v", err)
		}
		if !bytes.Equal(data, payloads[i]) {
			t.Errorf("saved content %d = %q, want %q", i, data, payloads[i])
		}
	}
}

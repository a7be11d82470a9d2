// Package protocol defines the wire types exchanged between peers and their
// binary encoding: discovery datagrams, message envelopes, and the
// length-prefix framing used on TCP streams.
//
// The encoding is protobuf wire format. Unknown fields are skipped on decode
// so independently-built implementations can extend the schema without
// breaking older peers.
package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PeerInfo describes a known peer. The ID is the unique key; every other
// field may be refreshed by later announcements or handshakes.
type PeerInfo struct {
	ID       string
	Name     string
	IP       string
	Port     uint16 // TCP service port
	LastSeen uint64 // unix seconds
}

// Addr returns the peer's TCP address as "IP:Port".
func (p *PeerInfo) Addr() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// Touch refreshes the last-seen timestamp.
func (p *PeerInfo) Touch() {
	p.LastSeen = uint64(time.Now().Unix())
}

// Envelope is the typed message wrapper carried over an established
// connection. The sender fills in its own identity so receivers can associate
// unsolicited connections with a peer.
type Envelope struct {
	ID         string // UUID, fresh per message
	SenderID   string
	SenderName string
	Timestamp  uint64 // unix seconds
	Content    Content
}

// Content is the envelope payload union.
type Content interface {
	isContent()
}

// TextContent carries a chat message.
type TextContent struct {
	Text string
}

// FileContent carries a complete file inline. There is no chunking at this
// layer; a file is bounded by the frame size limit and available memory.
type FileContent struct {
	Filename string
	Data     []byte
}

// HandshakeContent identifies the sender on a freshly opened connection. It is
// consumed by the connection manager and never surfaced as a received message.
type HandshakeContent struct {
	PeerID   string
	PeerName string
	TCPPort  uint16
}

func (TextContent) isContent()      {}
func (FileContent) isContent()      {}
func (HandshakeContent) isContent() {}

// NewTextEnvelope builds a text envelope from the local identity.
func NewTextEnvelope(senderID, senderName, text string) *Envelope {
	return NewEnvelope(senderID, senderName, TextContent{Text: text})
}

// NewFileEnvelope builds a file envelope from the local identity.
func NewFileEnvelope(senderID, senderName, filename string, data []byte) *Envelope {
	return NewEnvelope(senderID, senderName, FileContent{Filename: filename, Data: data})
}

// NewHandshakeEnvelope builds the identity envelope sent first on a dialed
// connection.
func NewHandshakeEnvelope(senderID, senderName string, tcpPort uint16) *Envelope {
	return NewEnvelope(senderID, senderName, HandshakeContent{
		PeerID:   senderID,
		PeerName: senderName,
		TCPPort:  tcpPort,
	})
}

// NewEnvelope stamps content with a fresh message id, the current time, and
// the sender's identity.
func NewEnvelope(senderID, senderName string, content Content) *Envelope {
	return &Envelope{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		SenderName: senderName,
		Timestamp:  uint64(time.Now().Unix()),
		Content:    content,
	}
}

// DiscoveryMessage is the discovery datagram union: a self-advertisement or a
// refresh solicitation. It exists only on the wire, never in the registry.
type DiscoveryMessage interface {
	isDiscovery()
}

// Announce advertises a peer's identity and TCP service port.
type Announce struct {
	PeerName string
	PeerID   string
	TCPPort  uint16
}

// Request asks every listening peer to reply with one Announce.
type Request struct{}

func (Announce) isDiscovery() {}
func (Request) isDiscovery()  {}

// Package events carries network activity to consumers without ever letting a
// slow consumer block the network goroutines.
package events

import "github.com/eglochon/lan-peer-messenger/pkg/protocol"

// Event is the union of everything the engine reports. Events are immutable
// once published.
type Event interface {
	event()
}

// PeerDiscovered fires the first time a peer id is seen. Repeat announcements
// refresh the registry silently.
type PeerDiscovered struct {
	Peer protocol.PeerInfo
}

// PeerConnected fires when a session reaches the connected state, on both the
// dialing and the accepting side.
type PeerConnected struct {
	Peer protocol.PeerInfo
}

// PeerDisconnected fires when a session ends, whichever side closed it.
type PeerDisconnected struct {
	PeerID string
}

// MessageReceived carries a decoded text envelope.
type MessageReceived struct {
	Message *protocol.Envelope
}

// FileReceived carries a decoded file envelope and the path where the payload
// was persisted.
type FileReceived struct {
	Message   *protocol.Envelope
	SavedPath string
}

// MessageSent confirms a locally sent envelope was handed to the wire.
type MessageSent struct {
	Message *protocol.Envelope
}

// FileTransferStarted fires before a file envelope is queued for sending.
type FileTransferStarted struct {
	PeerID   string
	Filename string
	Size     uint64
}

// FileTransferCompleted fires once the file envelope was queued successfully.
type FileTransferCompleted struct {
	PeerID   string
	Filename string
}

// FileTransferFailed fires when a file send could not be queued.
type FileTransferFailed struct {
	PeerID   string
	Filename string
	Reason   string
}

// Error reports a non-fatal failure a consumer may want to surface.
type Error struct {
	Description string
}

func (PeerDiscovered) event()        {}
func (PeerConnected) event()         {}
func (PeerDisconnected) event()      {}
func (MessageReceived) event()       {}
func (FileReceived) event()          {}
func (MessageSent) event()           {}
func (FileTransferStarted) event()   {}
func (FileTransferCompleted) event() {}
func (FileTransferFailed) event()    {}
func (Error) event()                 {}

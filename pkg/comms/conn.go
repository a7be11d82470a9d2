package comms

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"

	"github.com/eglochon/lan-peer-messenger/pkg/protocol"
)

// outQueueSize buffers envelopes awaiting the write loop. Senders block once
// it fills, which is the backpressure toward local callers.
const outQueueSize = 64

// peerConn owns one TCP stream. The write loop is the only goroutine that
// touches the socket for writes, so frames are never interleaved even under
// concurrent senders.
type peerConn struct {
	conn net.Conn
	out  chan *protocol.Envelope
	done chan struct{}

	closeOnce sync.Once

	mu     sync.Mutex
	peerID string // empty until the connection is associated with a peer
}

func (m *Manager) newPeerConn(nc net.Conn, peerID string) *peerConn {
	pc := &peerConn{
		conn:   nc,
		out:    make(chan *protocol.Envelope, outQueueSize),
		done:   make(chan struct{}),
		peerID: peerID,
	}

	m.mu.Lock()
	m.all[pc] = struct{}{}
	m.mu.Unlock()
	return pc
}

// boundID returns the associated peer id, or "" for an inbound connection
// that has not identified itself yet.
func (pc *peerConn) boundID() string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.peerID
}

// bind associates the connection with a peer id, once. Reports false if it
// was already bound.
func (pc *peerConn) bind(id string) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.peerID != "" {
		return false
	}
	pc.peerID = id
	return true
}

// close is idempotent and unblocks both loops.
func (pc *peerConn) close() {
	pc.closeOnce.Do(func() {
		close(pc.done)
		pc.conn.Close()
	})
}

// readLoop reads exactly one length header and payload per iteration and
// dispatches the decoded envelope. Any read or decode failure ends the
// session; it never propagates to other connections.
func (m *Manager) readLoop(pc *peerConn) {
	for {
		payload, err := protocol.ReadFrame(pc.conn, m.cfg.MaxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				m.metrics.FramesRejected.Inc()
				log.Printf("[COMMS] Read from %s failed: %v", pc.conn.RemoteAddr(), err)
			}
			return
		}

		env, err := protocol.DecodeEnvelope(payload)
		if err != nil {
			m.metrics.FramesRejected.Inc()
			log.Printf("[COMMS] Decode from %s failed, closing: %v", pc.conn.RemoteAddr(), err)
			return
		}

		m.dispatch(pc, env)
	}
}

// writeLoop drains the outbound queue onto the socket. Single-writer by
// construction: wire byte order matches enqueue order.
func (m *Manager) writeLoop(pc *peerConn) {
	for {
		select {
		case env := <-pc.out:
			if err := protocol.WriteFrame(pc.conn, protocol.EncodeEnvelope(env)); err != nil {
				log.Printf("[COMMS] Write to %s failed: %v", pc.conn.RemoteAddr(), err)
				pc.close()
				return
			}
		case <-pc.done:
			return
		}
	}
}

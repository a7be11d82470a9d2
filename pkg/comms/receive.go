package comms

import (
	"errors"
	"fmt"
	"log"
	"net"
)

// Start binds the TCP listener and begins accepting unsolicited connections.
// A bind failure is fatal to startup and returned to the caller.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	ln, err := net.Listen("tcp4", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bind service listener: %w", err)
	}

	m.ln = ln
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		m.port = uint16(addr.Port)
	}
	m.stopCh = make(chan struct{})
	m.running = true

	m.wg.Add(1)
	go m.acceptLoop()

	log.Printf("[RECEIVER] Listening on %s", ln.Addr())
	return nil
}

// Port returns the bound TCP port, which is the port to advertise. Useful
// when the configuration asked for port 0.
func (m *Manager) Port() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port
}

// ListenAddr returns the bound TCP address, or nil before Start.
func (m *Manager) ListenAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()

	for {
		nc, err := m.ln.Accept()
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[RECEIVER] Accept error: %v", err)
			continue
		}

		m.mu.Lock()
		if !m.running {
			m.mu.Unlock()
			nc.Close()
			return
		}
		m.mu.Unlock()

		// The connection stays anonymous until its first envelope identifies
		// the sender; see dispatch.
		pc := m.newPeerConn(nc, "")
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.serve(pc)
		}()
	}
}

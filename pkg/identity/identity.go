package identity

import (
	"fmt"
	"net"
	"os"

	"github.com/google/uuid"
)

// Identity describes the local peer: a process-unique random id, a display
// name, and the LAN-facing IP address. The id is generated once at startup and
// never changes for the lifetime of the instance.
type Identity struct {
	ID   string
	Name string
	IP   string
}

// New generates a fresh identity. An empty name falls back to the hostname.
func New(name string) (*Identity, error) {
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolve hostname: %w", err)
		}
		name = hostname
	}

	return &Identity{
		ID:   uuid.NewString(),
		Name: name,
		IP:   localIP(),
	}, nil
}

// Addr returns the identity's TCP address as "IP:Port".
func (id *Identity) Addr(port uint16) string {
	return fmt.Sprintf("%s:%d", id.IP, port)
}

// localIP finds the LAN-facing address by opening a UDP socket toward a public
// address. No packet is sent; the kernel just picks the outbound interface.
func localIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

package config

import (
	"os"
	"strconv"
	"time"
)

// Defaults for the wire protocol. The ports are part of the cross-implementation
// contract and should only change when every peer on the network changes too.
const (
	DefaultDiscoveryPort    = 6968
	DefaultServicePort      = 6969
	DefaultAnnounceInterval = 5 * time.Second
	DefaultBroadcastAddr    = "255.255.255.255"
	DefaultMulticastAddr    = "224.0.0.250"
	DefaultDownloadDir      = "received_files"

	// DefaultMaxFrameSize bounds a single framed envelope. Files travel as one
	// complete frame, so this is also the ceiling on a received file.
	DefaultMaxFrameSize = 64 << 20
)

// Config holds all tunables for one messenger instance.
type Config struct {
	PeerName         string
	DiscoveryPort    uint16
	ServicePort      uint16
	AnnounceInterval time.Duration
	BroadcastAddr    string
	MulticastAddr    string
	DownloadDir      string
	MaxFrameSize     uint64

	// DiscoveryListenAddr overrides the UDP bind address. Empty means
	// "0.0.0.0" plus DiscoveryPort. Tests bind to "127.0.0.1:0".
	DiscoveryListenAddr string

	// ServiceListenAddr overrides the TCP bind address. Empty means
	// "0.0.0.0" plus ServicePort.
	ServiceListenAddr string
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		DiscoveryPort:    DefaultDiscoveryPort,
		ServicePort:      DefaultServicePort,
		AnnounceInterval: DefaultAnnounceInterval,
		BroadcastAddr:    DefaultBroadcastAddr,
		MulticastAddr:    DefaultMulticastAddr,
		DownloadDir:      DefaultDownloadDir,
		MaxFrameSize:     DefaultMaxFrameSize,
	}
}

// FromEnv builds a Config from environment variables, falling back to the
// defaults for anything unset or unparsable.
func FromEnv() Config {
	cfg := Default()

	if v := os.Getenv("PEER_NAME"); v != "" {
		cfg.PeerName = v
	}
	if v := os.Getenv("DISCOVERY_PORT"); v != "" {
		if port, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.DiscoveryPort = uint16(port)
		}
	}
	if v := os.Getenv("SERVICE_PORT"); v != "" {
		if port, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.ServicePort = uint16(port)
		}
	}
	if v := os.Getenv("ANNOUNCE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.AnnounceInterval = d
		}
	}
	if v := os.Getenv("BROADCAST_ADDR"); v != "" {
		cfg.BroadcastAddr = v
	}
	if v := os.Getenv("MULTICAST_ADDR"); v != "" {
		cfg.MulticastAddr = v
	}
	if v := os.Getenv("DOWNLOAD_DIR"); v != "" {
		cfg.DownloadDir = v
	}
	if v := os.Getenv("MAX_FRAME_SIZE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil && n > 0 {
			cfg.MaxFrameSize = n
		}
	}

	return cfg
}

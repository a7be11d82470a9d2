package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/eglochon/lan-peer-messenger/config"
	"github.com/eglochon/lan-peer-messenger/pkg/events"
	"github.com/eglochon/lan-peer-messenger/pkg/messenger"
	"github.com/eglochon/lan-peer-messenger/pkg/protocol"
)

func main() {
	cfg := config.FromEnv()

	m, err := messenger.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create messenger: %v\n", err)
		os.Exit(1)
	}

	if err := m.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Peer: (%s) [%s] %s\n", m.LocalName(), m.LocalIP(), m.LocalID())
	fmt.Printf("Listening on %s, discovery on %s\n", m.ListenAddr(), m.DiscoveryAddr())
	fmt.Println("Commands: /peers /discover /connect <id> /disconnect <id> /send <id> <text> /sendfile <id> <path> /quit")

	sub := m.Subscribe()
	go printEvents(sub)

	go commandLoop(m)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("\nShutting down.")
	m.Stop()
}

func printEvents(sub *events.Subscription) {
	for ev := range sub.C {
		switch e := ev.(type) {
		case events.PeerDiscovered:
			fmt.Printf("[DISCOVERED] %s (%s) at %s\n", e.Peer.Name, e.Peer.ID, e.Peer.Addr())
		case events.PeerConnected:
			fmt.Printf("[CONNECTED] %s (%s)\n", e.Peer.Name, e.Peer.ID)
		case events.PeerDisconnected:
			fmt.Printf("[DISCONNECTED] %s\n", e.PeerID)
		case events.MessageReceived:
			fmt.Printf("[MESSAGE] %s: %s\n", e.Message.SenderName, messageText(e))
		case events.FileReceived:
			fmt.Printf("[FILE] %s sent a file, saved to %s\n", e.Message.SenderName, e.SavedPath)
		case events.MessageSent:
			fmt.Printf("[SENT] message %s\n", e.Message.ID)
		case events.FileTransferStarted:
			fmt.Printf("[FILE SEND] %s to %s (%d bytes)\n", e.Filename, e.PeerID, e.Size)
		case events.FileTransferCompleted:
			fmt.Printf("[FILE SENT] %s to %s\n", e.Filename, e.PeerID)
		case events.FileTransferFailed:
			fmt.Printf("[FILE FAILED] %s to %s: %s\n", e.Filename, e.PeerID, e.Reason)
		case events.Error:
			fmt.Printf("[ERROR] %s\n", e.Description)
		}
	}
}

func messageText(e events.MessageReceived) string {
	if c, ok := e.Message.Content.(protocol.TextContent); ok {
		return c.Text
	}
	return "(non-text content)"
}

func commandLoop(m *messenger.Messenger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)

		switch fields[0] {
		case "/peers":
			fmt.Printf("Discovered %d, connected %d\n", m.DiscoveredPeersCount(), m.ConnectedPeersCount())
			for _, p := range m.DiscoveredPeers() {
				fmt.Printf("  %s (%s) at %s\n", p.Name, p.ID, p.Addr())
			}

		case "/discover":
			if err := m.DiscoverPeers(); err != nil {
				fmt.Printf("Discovery failed: %v\n", err)
			}

		case "/connect":
			if len(fields) < 2 {
				fmt.Println("Usage: /connect <id>")
				continue
			}
			if err := m.ConnectToPeer(fields[1]); err != nil {
				fmt.Printf("Connect failed: %v\n", err)
			}

		case "/disconnect":
			if len(fields) < 2 {
				fmt.Println("Usage: /disconnect <id>")
				continue
			}
			if err := m.DisconnectPeer(fields[1]); err != nil {
				fmt.Printf("Disconnect failed: %v\n", err)
			}

		case "/send":
			if len(fields) < 3 {
				fmt.Println("Usage: /send <id> <text>")
				continue
			}
			text := strings.Join(fields[2:], " ")
			if err := m.SendTextMessage(fields[1], text); err != nil {
				fmt.Printf("Send failed: %v\n", err)
			}

		case "/sendfile":
			if len(fields) < 3 {
				fmt.Println("Usage: /sendfile <id> <path>")
				continue
			}
			if err := m.SendFile(fields[1], fields[2]); err != nil {
				fmt.Printf("Send file failed: %v\n", err)
			}

		case "/quit":
			syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
			return

		default:
			fmt.Printf("Unknown command: %s\n", fields[0])
		}
	}
}

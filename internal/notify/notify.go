// Package notify implements the optional, best-effort notification side
// channel: length-delimited JSON events written to a UNIX-domain socket.
package notify

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"sync"

	"shadowdog/internal/logging"
)

// EventType discriminates the notification payloads.
type EventType string

const (
	Initialized EventType = "INITIALIZED"
	Clear       EventType = "CLEAR"
	ChangedFile EventType = "CHANGED_FILE"
	Error       EventType = "ERROR"
)

// Event is the length-delimited JSON payload written to the socket.
type Event struct {
	Type    EventType `json:"type"`
	File    string    `json:"file,omitempty"`
	Ready   bool      `json:"ready,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Notifier writes Events to a UNIX socket, fire-and-forget. Once a write
// fails, it logs a single warning and silently no-ops thereafter.
type Notifier struct {
	SocketPath string

	mu      sync.Mutex
	warned  bool
	disabled bool
}

// New creates a Notifier for socketPath. An empty socketPath disables the
// notifier entirely (every Send call is a no-op).
func New(socketPath string) *Notifier {
	return &Notifier{SocketPath: socketPath, disabled: socketPath == ""}
}

// Send connects, writes one length-delimited JSON event, and disconnects.
// Failures are swallowed after the first, which logs a warning.
func (n *Notifier) Send(evt Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.disabled {
		return
	}

	if err := n.sendOnce(evt); err != nil {
		if !n.warned {
			logger := logging.WithComponent("notify")
			logger.Warn().Err(err).Msg("notification socket unavailable; further notifications suppressed")
			n.warned = true
		}
		n.disabled = true
	}
}

func (n *Notifier) sendOnce(evt Event) error {
	conn, err := net.Dial("unix", n.SocketPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(payload)))

	if _, err := conn.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err = conn.Write(payload)
	return err
}

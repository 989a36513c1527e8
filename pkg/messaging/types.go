package messaging

import (
	"context"
	"net"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// ClientState is the connection lifecycle state of a Client, mirroring
// the teacher's ConnectionStatus enum but named for a single persistent
// broker link rather than a pool of storage backends.
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisposed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Dialer abstracts the transport used to reach the broker. The production
// implementation dials TLS; tests substitute an in-memory net.Pipe pair
// so the reconnect state machine can be exercised without a real socket.
type Dialer interface {
	Dial(ctx context.Context, addr multiaddr.Multiaddr) (net.Conn, error)
}

// Block is the unit of data pushed to the broker on a channel.
type Block struct {
	ChannelID  uuid.UUID
	TargetPeer peer.ID
	Payload    []byte
}

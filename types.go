package relay

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	errorCreatingDhtMessage = "[Node] error creating DHT: %w"
	multiAddrIPTemplate     = "/ip4/%s/tcp/%d"
)

// State is a position in the node lifecycle. Transitions only move forward:
// Unstarted, Starting, Running, Stopping, Stopped.
type State int32

const (
	StateUnstarted State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MessageHandler receives the messages routed to one topic. A returned error
// (or a panic) is logged at the dispatch boundary and does not affect the
// delivery of later messages.
type MessageHandler func(ctx context.Context, msg InboundMessage) error

// PublishReport is what the overlay tells us about a publish. Recipients are
// the topic peers known at publish time and may be empty.
type PublishReport struct {
	Topic      string
	Size       int
	Recipients []peer.ID
}

// Logger defines the interface for logging within the relay node.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

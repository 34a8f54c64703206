package relay

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// Overlay is the part of a running node that routing and readiness need.
// Node implements it; tests substitute a mock.
type Overlay interface {
	State() State
	HostID() peer.ID
	Addrs() []multiaddr.Multiaddr

	// Subscribe starts delivering messages of topic as EventMessage events.
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(topic string) error
	Publish(ctx context.Context, topic string, data []byte) (PublishReport, error)

	// Peers lists every pubsub peer; Subscribers those on one topic; Topics
	// the topics this node is subscribed to.
	Peers() []peer.ID
	Subscribers(topic string) []peer.ID
	Topics() []string

	// Notify registers h to receive every overlay event.
	Notify(h EventHandler)
}

var _ Overlay = (*Node)(nil)

package relay

import (
	"encoding/binary"
	"encoding/json"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

// EventKind tells the kinds of overlay events apart.
type EventKind int

const (
	EventPeerConnect EventKind = iota + 1
	EventPeerDiscovery
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventPeerConnect:
		return "peer:connect"
	case EventPeerDiscovery:
		return "peer:discovery"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Message authenticity classes.
const (
	MessageSigned   = "signed"
	MessageUnsigned = "unsigned"
)

// Event is the node's own view of something the overlay reported. Events are
// built at the libp2p boundary so routing never sees libp2p's event shapes.
type Event struct {
	Kind EventKind
	// Peer is set for connect and discovery events.
	Peer peer.AddrInfo
	// Message is set for message events.
	Message *RawMessage
}

// EventHandler consumes overlay events. It is called from libp2p and reader
// goroutines and must be safe for concurrent use.
type EventHandler func(Event)

// RawMessage is a pubsub message as it arrived, before any routing decision.
type RawMessage struct {
	Type           string
	Topic          string
	ID             string
	From           peer.ID
	SequenceNumber uint64
	Data           []byte
	Signature      []byte
}

// InboundMessage is what a topic handler receives. Body holds the JSON-decoded
// Data, or nil when Data is not JSON.
type InboundMessage struct {
	Type           string
	Topic          string
	ID             string
	From           peer.ID
	SequenceNumber uint64
	Data           []byte
	Body           any
}

// Decode unmarshals the raw payload into v.
func (m InboundMessage) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

func newRawMessage(msg *pubsub.Message) *RawMessage {
	raw := &RawMessage{
		Type:      MessageUnsigned,
		Topic:     msg.GetTopic(),
		ID:        msg.ID,
		From:      msg.GetFrom(),
		Data:      msg.GetData(),
		Signature: msg.GetSignature(),
	}

	if len(raw.Signature) > 0 {
		raw.Type = MessageSigned
	}

	if seq := msg.GetSeqno(); len(seq) == 8 {
		raw.SequenceNumber = binary.BigEndian.Uint64(seq)
	}

	return raw
}

// decodeBody makes a best-effort attempt at JSON; undecodable payloads yield nil.
func decodeBody(data []byte) any {
	if len(data) == 0 {
		return nil
	}

	var body any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil
	}

	return body
}

package relay

import (
	"encoding/binary"
	"testing"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/stretchr/testify/assert"
)

func TestState_String(t *testing.T) {
	assert.Equal(t, "unstarted", StateUnstarted.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "peer:connect", EventPeerConnect.String())
	assert.Equal(t, "peer:discovery", EventPeerDiscovery.String())
	assert.Equal(t, "message", EventMessage.String())
	assert.Equal(t, "unknown", EventKind(0).String())
}

func TestNewRawMessage(t *testing.T) {
	id := testIdentity(t)
	topic := "blocks"

	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, 7)

	msg := &pubsub.Message{
		Message: &pb.Message{
			From:      []byte(id.ID),
			Data:      []byte(`{"height":1}`),
			Seqno:     seq,
			Topic:     &topic,
			Signature: []byte{0x01},
		},
		ID: "abc",
	}

	raw := newRawMessage(msg)
	assert.Equal(t, MessageSigned, raw.Type)
	assert.Equal(t, topic, raw.Topic)
	assert.Equal(t, "abc", raw.ID)
	assert.Equal(t, id.ID, raw.From)
	assert.Equal(t, uint64(7), raw.SequenceNumber)
	assert.Equal(t, []byte(`{"height":1}`), raw.Data)

	msg.Signature = nil
	msg.Seqno = []byte{0x01}

	raw = newRawMessage(msg)
	assert.Equal(t, MessageUnsigned, raw.Type)
	assert.Zero(t, raw.SequenceNumber)
}

func TestDecodeBody(t *testing.T) {
	assert.Equal(t, map[string]any{"a": "b"}, decodeBody([]byte(`{"a":"b"}`)))
	assert.Equal(t, []any{float64(1), "x"}, decodeBody([]byte(`[1,"x"]`)))
	assert.Equal(t, "s", decodeBody([]byte(`"s"`)))
	assert.Nil(t, decodeBody([]byte("not json")))
	assert.Nil(t, decodeBody(nil))
}

func TestConstants(t *testing.T) {
	assert.Equal(t, "[Node] error creating DHT: %w", errorCreatingDhtMessage)
	assert.Equal(t, "/ip4/%s/tcp/%d", multiAddrIPTemplate)
	assert.Equal(t, "_peer-discovery._p2p._pubsub", DefaultHeartbeatTopic)
	assert.Equal(t, 1024, MinPort)
	assert.Equal(t, 65535, MaxPort)
}

package relay_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	relay "github.com/bsv-blockchain/go-p2p-relay"
	"github.com/bsv-blockchain/go-p2p-relay/mocks"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testTopic = "tx-broadcast"

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return l
}

func newTestRouter(t *testing.T) (*relay.Router, *mocks.MockOverlay) {
	t.Helper()

	overlay := mocks.NewMockOverlay()
	overlay.On("State").Return(relay.StateRunning).Maybe()
	overlay.On("Subscribe", mock.Anything, mock.Anything).Return(nil).Maybe()

	return relay.NewRouter(quietLogger(), overlay, relay.DefaultHeartbeatTopic), overlay
}

func signed(topic string, data []byte) relay.Event {
	return relay.Event{
		Kind: relay.EventMessage,
		Message: &relay.RawMessage{
			Type:  relay.MessageSigned,
			Topic: topic,
			ID:    "msg-id",
			From:  peer.ID("sender"),
			Data:  data,
		},
	}
}

// recorder collects the messages a handler receives.
type recorder struct {
	mu   sync.Mutex
	msgs []relay.InboundMessage
}

func (r *recorder) handle(_ context.Context, msg relay.InboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)

	return nil
}

func (r *recorder) received() []relay.InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]relay.InboundMessage(nil), r.msgs...)
}

func TestRouter_SubscribePreconditions(t *testing.T) {
	t.Run("node not running", func(t *testing.T) {
		overlay := mocks.NewMockOverlay()
		overlay.On("State").Return(relay.StateStarting)

		r := relay.NewRouter(quietLogger(), overlay, relay.DefaultHeartbeatTopic)

		err := r.Subscribe(context.Background(), testTopic, (&recorder{}).handle)
		require.ErrorIs(t, err, relay.ErrNodeNotRunning)
		overlay.AssertNotCalled(t, "Subscribe", mock.Anything, mock.Anything)
	})

	t.Run("empty topic", func(t *testing.T) {
		r, _ := newTestRouter(t)
		require.ErrorIs(t, r.Subscribe(context.Background(), "", (&recorder{}).handle), relay.ErrInvalidTopic)
	})

	t.Run("nil handler", func(t *testing.T) {
		r, _ := newTestRouter(t)
		require.ErrorIs(t, r.Subscribe(context.Background(), testTopic, nil), relay.ErrInvalidHandler)
	})

	t.Run("overlay failure", func(t *testing.T) {
		cause := errors.New("join refused")

		overlay := mocks.NewMockOverlay()
		overlay.On("State").Return(relay.StateRunning)
		overlay.On("Subscribe", mock.Anything, testTopic).Return(cause)

		r := relay.NewRouter(quietLogger(), overlay, relay.DefaultHeartbeatTopic)
		rec := &recorder{}

		err := r.Subscribe(context.Background(), testTopic, rec.handle)
		require.ErrorIs(t, err, relay.ErrSubscribe)
		require.ErrorIs(t, err, cause)

		overlay.Emit(signed(testTopic, []byte(`{}`)))
		assert.Empty(t, rec.received(), "a failed subscription must not register the handler")
	})
}

func TestRouter_Dispatch(t *testing.T) {
	r, overlay := newTestRouter(t)
	rec := &recorder{}

	require.NoError(t, r.Subscribe(context.Background(), testTopic, rec.handle))
	overlay.AssertCalled(t, "Subscribe", mock.Anything, testTopic)

	overlay.Emit(signed(testTopic, []byte(`{"msg":"hi","n":2}`)))

	msgs := rec.received()
	require.Len(t, msgs, 1)

	msg := msgs[0]
	assert.Equal(t, relay.MessageSigned, msg.Type)
	assert.Equal(t, testTopic, msg.Topic)
	assert.Equal(t, peer.ID("sender"), msg.From)
	assert.Equal(t, map[string]any{"msg": "hi", "n": float64(2)}, msg.Body)

	var decoded struct {
		Msg string `json:"msg"`
	}
	require.NoError(t, msg.Decode(&decoded))
	assert.Equal(t, "hi", decoded.Msg)
}

func TestRouter_DispatchNonJSON(t *testing.T) {
	r, overlay := newTestRouter(t)
	rec := &recorder{}
	require.NoError(t, r.Subscribe(context.Background(), testTopic, rec.handle))

	overlay.Emit(signed(testTopic, []byte("plain text")))

	msgs := rec.received()
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].Body)
	assert.Equal(t, []byte("plain text"), msgs[0].Data)
}

func TestRouter_DispatchDrops(t *testing.T) {
	r, overlay := newTestRouter(t)
	rec := &recorder{}

	require.NoError(t, r.Subscribe(context.Background(), testTopic, rec.handle))
	require.NoError(t, r.Subscribe(context.Background(), relay.DefaultHeartbeatTopic, rec.handle))

	dropped := func(reason string) float64 {
		return testutil.ToFloat64(relay.MessagesDropped.WithLabelValues(reason))
	}

	unsigned, heartbeat, unsubscribed := dropped("unsigned"), dropped("heartbeat"), dropped("unsubscribed")

	ev := signed(testTopic, []byte(`{}`))
	ev.Message.Type = relay.MessageUnsigned
	overlay.Emit(ev)

	overlay.Emit(signed(relay.DefaultHeartbeatTopic, []byte(`{}`)))
	overlay.Emit(signed("other-topic", []byte(`{}`)))

	overlay.Emit(relay.Event{Kind: relay.EventMessage})
	overlay.Emit(relay.Event{Kind: relay.EventPeerConnect})
	overlay.Emit(relay.Event{Kind: relay.EventPeerDiscovery})

	assert.Empty(t, rec.received())
	assert.InDelta(t, unsigned+1, dropped("unsigned"), 0)
	assert.InDelta(t, heartbeat+1, dropped("heartbeat"), 0)
	assert.InDelta(t, unsubscribed+1, dropped("unsubscribed"), 0)
}

func TestRouter_HandlerFailuresDoNotStopDispatch(t *testing.T) {
	r, overlay := newTestRouter(t)

	var calls int

	handler := func(_ context.Context, msg relay.InboundMessage) error {
		calls++

		switch string(msg.Data) {
		case "error":
			return errors.New("handler failed")
		case "panic":
			panic("handler exploded")
		}

		return nil
	}

	require.NoError(t, r.Subscribe(context.Background(), testTopic, handler))

	failures := testutil.ToFloat64(relay.HandlerFailures.WithLabelValues(testTopic))

	assert.NotPanics(t, func() {
		overlay.Emit(signed(testTopic, []byte("error")))
		overlay.Emit(signed(testTopic, []byte("panic")))
		overlay.Emit(signed(testTopic, []byte("ok")))
	})

	assert.Equal(t, 3, calls)
	assert.InDelta(t, failures+2, testutil.ToFloat64(relay.HandlerFailures.WithLabelValues(testTopic)), 0)
}

func TestRouter_ResubscribeReplacesHandler(t *testing.T) {
	r, overlay := newTestRouter(t)
	first, second := &recorder{}, &recorder{}

	require.NoError(t, r.Subscribe(context.Background(), testTopic, first.handle))
	require.NoError(t, r.Subscribe(context.Background(), testTopic, second.handle))

	overlay.Emit(signed(testTopic, []byte(`1`)))

	assert.Empty(t, first.received())
	assert.Len(t, second.received(), 1)
}

func TestRouter_Unsubscribe(t *testing.T) {
	r, overlay := newTestRouter(t)
	overlay.On("Unsubscribe", testTopic).Return(nil)

	rec := &recorder{}
	require.NoError(t, r.Subscribe(context.Background(), testTopic, rec.handle))
	require.NoError(t, r.Unsubscribe(testTopic))

	overlay.Emit(signed(testTopic, []byte(`{}`)))
	assert.Empty(t, rec.received())
	overlay.AssertCalled(t, "Unsubscribe", testTopic)
}

type sample struct {
	B string `json:"b"`
	A int    `json:"a"`
}

func TestRouter_PublishEncoding(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    []byte
	}{
		{"string", "hello", []byte("hello")},
		{"bytes", []byte{0x00, 0x01}, []byte{0x00, 0x01}},
		{"map with sorted keys", map[string]any{"z": 1, "a": "x"}, []byte(`{"a":"x","z":1}`)},
		{"struct", sample{B: "b", A: 1}, []byte(`{"b":"b","a":1}`)},
		{"pointer to struct", &sample{B: "p"}, []byte(`{"b":"p","a":0}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, overlay := newTestRouter(t)

			report := relay.PublishReport{Topic: testTopic, Size: len(tt.want), Recipients: []peer.ID{"p1"}}
			overlay.On("Publish", mock.Anything, testTopic, tt.want).Return(report, nil).Once()

			got, err := r.Publish(context.Background(), testTopic, tt.payload)
			require.NoError(t, err)
			assert.Equal(t, report, got)
			overlay.AssertExpectations(t)
		})
	}
}

func TestRouter_PublishErrors(t *testing.T) {
	t.Run("invalid payloads", func(t *testing.T) {
		r, overlay := newTestRouter(t)

		var nilPtr *sample

		for _, payload := range []any{nil, 42, 1.5, true, []int{1}, nilPtr} {
			_, err := r.Publish(context.Background(), testTopic, payload)
			require.ErrorIs(t, err, relay.ErrInvalidPayload, "payload %#v", payload)
		}

		overlay.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("empty topic", func(t *testing.T) {
		r, _ := newTestRouter(t)

		_, err := r.Publish(context.Background(), "", "x")
		require.ErrorIs(t, err, relay.ErrInvalidTopic)
	})

	t.Run("node not running", func(t *testing.T) {
		overlay := mocks.NewMockOverlay()
		overlay.On("State").Return(relay.StateStopped)

		r := relay.NewRouter(quietLogger(), overlay, relay.DefaultHeartbeatTopic)

		_, err := r.Publish(context.Background(), testTopic, "x")
		require.ErrorIs(t, err, relay.ErrNodeNotRunning)
	})

	t.Run("overlay failure is not retried", func(t *testing.T) {
		r, overlay := newTestRouter(t)
		cause := errors.New("no route")
		overlay.On("Publish", mock.Anything, testTopic, []byte("x")).Return(relay.PublishReport{}, cause).Once()

		_, err := r.Publish(context.Background(), testTopic, "x")
		require.ErrorIs(t, err, relay.ErrPublish)
		require.ErrorIs(t, err, cause)
		overlay.AssertNumberOfCalls(t, "Publish", 1)
	})
}

func TestRouter_Delegates(t *testing.T) {
	r, overlay := newTestRouter(t)

	peers := []peer.ID{"a", "b"}
	overlay.On("Peers").Return(peers)
	overlay.On("Subscribers", testTopic).Return([]peer.ID{"a"})
	overlay.On("Topics").Return([]string{testTopic})
	overlay.On("HostID").Return(peer.ID("self"))

	assert.Equal(t, peers, r.Peers())
	assert.Equal(t, []peer.ID{"a"}, r.Subscribers(testTopic))
	assert.Equal(t, []string{testTopic}, r.Topics())
	assert.Equal(t, peer.ID("self"), r.HostID())
}

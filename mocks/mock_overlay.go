// Package mocks provides mock implementations of the relay interfaces used in testing.
package mocks

import (
	"context"
	"sync"

	relay "github.com/bsv-blockchain/go-p2p-relay"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/mock"
)

// MockOverlay is a mock implementation of relay.Overlay. Handlers passed to
// Notify are kept so tests can inject events with Emit.
type MockOverlay struct {
	mock.Mock

	mu       sync.Mutex
	handlers []relay.EventHandler
}

// NewMockOverlay creates a new mock overlay instance
func NewMockOverlay() *MockOverlay {
	return &MockOverlay{}
}

// State mocks the State method
func (m *MockOverlay) State() relay.State {
	args := m.Called()
	return args.Get(0).(relay.State)
}

// HostID mocks the HostID method
func (m *MockOverlay) HostID() peer.ID {
	args := m.Called()
	return args.Get(0).(peer.ID)
}

// Addrs mocks the Addrs method
func (m *MockOverlay) Addrs() []multiaddr.Multiaddr {
	args := m.Called()
	if addrs := args.Get(0); addrs != nil {
		return addrs.([]multiaddr.Multiaddr)
	}
	return nil
}

// Subscribe mocks the Subscribe method
func (m *MockOverlay) Subscribe(ctx context.Context, topic string) error {
	args := m.Called(ctx, topic)
	return args.Error(0)
}

// Unsubscribe mocks the Unsubscribe method
func (m *MockOverlay) Unsubscribe(topic string) error {
	args := m.Called(topic)
	return args.Error(0)
}

// Publish mocks the Publish method
func (m *MockOverlay) Publish(ctx context.Context, topic string, data []byte) (relay.PublishReport, error) {
	args := m.Called(ctx, topic, data)
	return args.Get(0).(relay.PublishReport), args.Error(1)
}

// Peers mocks the Peers method
func (m *MockOverlay) Peers() []peer.ID {
	args := m.Called()
	if peers := args.Get(0); peers != nil {
		return peers.([]peer.ID)
	}
	return nil
}

// Subscribers mocks the Subscribers method
func (m *MockOverlay) Subscribers(topic string) []peer.ID {
	args := m.Called(topic)
	if peers := args.Get(0); peers != nil {
		return peers.([]peer.ID)
	}
	return nil
}

// Topics mocks the Topics method
func (m *MockOverlay) Topics() []string {
	args := m.Called()
	if topics := args.Get(0); topics != nil {
		return topics.([]string)
	}
	return nil
}

// Notify records h; it is not routed through the mock expectations.
func (m *MockOverlay) Notify(h relay.EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Emit delivers ev to every handler registered with Notify.
func (m *MockOverlay) Emit(ev relay.Event) {
	m.mu.Lock()
	handlers := append([]relay.EventHandler(nil), m.handlers...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

var _ relay.Overlay = (*MockOverlay)(nil)

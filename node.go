package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"
	"github.com/multiformats/go-multiaddr"
)

// Node owns one overlay endpoint: the libp2p host, its GossipSub router and the
// discovery machinery. It moves through Unstarted, Starting, Running, Stopping
// and Stopped, never backwards.
//
// A Node does not install signal handlers and does not exit the process; the
// program that owns it decides when to call Stop.
type Node struct {
	config RelayConfig
	logger Logger

	lifecycleMu sync.Mutex // serialises Create/Start/Stop
	state       atomic.Int32

	host      host.Host
	pubSub    *pubsub.PubSub
	gater     *ConnectionGater
	peerCache *PeerCache

	dhtMu sync.Mutex
	dht   *dht.IpfsDHT

	topicsMu sync.Mutex
	joined   map[string]*pubsub.Topic
	subs     map[string]*topicSubscription

	handlersMu sync.RWMutex
	handlers   []EventHandler

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startTime time.Time
}

type topicSubscription struct {
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

// NewNode returns an Unstarted node for cfg. Nothing is opened until Create.
func NewNode(logger Logger, cfg RelayConfig) *Node {
	n := &Node{
		config: cfg,
		logger: logger,
		gater:  NewConnectionGater(logger, cfg.MaxConnsPerPeer),
		joined: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*topicSubscription),
	}

	if cfg.OnEvent != nil {
		n.handlers = append(n.handlers, cfg.OnEvent)
	}

	return n
}

// State returns the current lifecycle state.
func (n *Node) State() State {
	return State(n.state.Load())
}

func (n *Node) setState(s State) {
	n.logger.Debugf("[Node] %s -> %s", n.State(), s)
	n.state.Store(int32(s))
}

// Create builds the libp2p host and pubsub router bound to the node's identity
// and swarm key, moving the node from Unstarted to Starting. Listeners are not
// opened yet. On failure the node stays Unstarted.
func (n *Node) Create(ctx context.Context) error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	if s := n.State(); s != StateUnstarted {
		return fmt.Errorf("%w: cannot create from %s", ErrInvalidState, s)
	}

	n.logger.Infof("[Node] creating node %s (swarm key %s)", n.config.Identity.ID, n.config.SwarmKey.Fingerprint())

	opts, err := n.hostOptions()
	if err != nil {
		return err
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("[Node] error creating libp2p host: %w", err)
	}

	nodeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	ps, err := pubsub.NewGossipSub(nodeCtx, h,
		pubsub.WithMessageSignaturePolicy(pubsub.StrictSign),
		pubsub.WithFloodPublish(true),
		pubsub.WithPeerExchange(true),
	)
	if err != nil {
		cancel()
		_ = h.Close()

		return fmt.Errorf("[Node] error creating gossipsub: %w", err)
	}

	if n.config.PeerCacheFile != "" {
		n.peerCache, err = LoadPeerCache(n.config.PeerCacheFile)
		if err != nil {
			n.logger.Warnf("[Node] ignoring unreadable peer cache: %v", err)
			n.peerCache = NewPeerCache()
		}
	}

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(net network.Network, conn network.Conn) {
			info := peer.AddrInfo{ID: conn.RemotePeer(), Addrs: []multiaddr.Multiaddr{conn.RemoteMultiaddr()}}
			n.logger.Debugf("[Node] peer connected: %s", info.ID)
			peersConnected.Set(float64(len(net.Peers())))

			if n.peerCache != nil {
				n.peerCache.Record(info, true)
			}

			n.emit(Event{Kind: EventPeerConnect, Peer: info})
		},
		DisconnectedF: func(net network.Network, conn network.Conn) {
			n.logger.Debugf("[Node] peer disconnected: %s", conn.RemotePeer())
			n.gater.connClosed(conn.RemotePeer())
			peersConnected.Set(float64(len(net.Peers())))
		},
	})

	n.host = h
	n.pubSub = ps
	n.ctx = nodeCtx
	n.cancel = cancel
	n.setState(StateStarting)

	return nil
}

func (n *Node) hostOptions() ([]libp2p.Option, error) {
	cm, err := connmgr.NewConnManager(n.config.ConnLowWater, n.config.ConnHighWater,
		connmgr.WithGracePeriod(n.config.ConnGracePeriod))
	if err != nil {
		return nil, fmt.Errorf("[Node] error creating connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(n.config.Identity.PrivKey),
		libp2p.PrivateNetwork(n.config.PSK),
		libp2p.NoListenAddrs,
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(websocket.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.ConnectionManager(cm),
		libp2p.ConnectionGater(n.gater),
		libp2p.EnableRelay(),
	}

	if n.config.EnableRelayService {
		opts = append(opts, libp2p.EnableRelayService())
	}

	if factory := n.addrsFactory(); factory != nil {
		opts = append(opts, libp2p.AddrsFactory(factory))
	}

	return opts, nil
}

// addrsFactory advertises the configured announce addresses instead of the
// listen addresses, optionally adding the public IP reported by ifconfig.me.
func (n *Node) addrsFactory() func([]multiaddr.Multiaddr) []multiaddr.Multiaddr {
	announce := make([]multiaddr.Multiaddr, 0, len(n.config.AnnounceAddresses))

	for _, a := range n.config.AnnounceAddresses {
		maddr, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			n.logger.Warnf("[Node] skipping announce address %q: %v", a, err)
			continue
		}

		announce = append(announce, maddr)
	}

	if len(announce) == 0 && !n.config.AnnouncePublicIP {
		return nil
	}

	var (
		once     sync.Once
		publicIP multiaddr.Multiaddr
	)

	return func(addrs []multiaddr.Multiaddr) []multiaddr.Multiaddr {
		if len(announce) > 0 {
			return announce
		}

		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			ip, err := GetPublicIP(ctx)
			if err != nil || ip == "" {
				n.logger.Debugf("[Node] error getting public IP: %v", err)
				return
			}

			publicIP, err = multiaddr.NewMultiaddr(fmt.Sprintf(multiAddrIPTemplate, ip, n.config.Port))
			if err != nil {
				n.logger.Debugf("[Node] error creating public multiaddr: %v", err)
			}
		})

		if publicIP == nil {
			return addrs
		}

		return append([]multiaddr.Multiaddr{publicIP}, addrs...)
	}
}

// Start opens the listeners and begins bootstrapping and discovery, moving the
// node from Starting to Running. Starting a running node is a no-op.
func (n *Node) Start(_ context.Context) error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	switch s := n.State(); s {
	case StateRunning:
		return nil
	case StateStarting:
	default:
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, s)
	}

	listen := make([]multiaddr.Multiaddr, 0, len(n.config.ListenAddresses))

	for _, a := range n.config.ListenAddresses {
		maddr, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			return fmt.Errorf("[Node] invalid listen address %q: %w", a, err)
		}

		listen = append(listen, maddr)
	}

	if err := n.host.Network().Listen(listen...); err != nil {
		return fmt.Errorf("[Node] error listening: %w", err)
	}

	n.startTime = time.Now()
	n.setState(StateRunning)

	n.logger.Infof("[Node] peer ID: %s", n.HostID())
	n.logger.Infof("[Node] listening on:")

	for _, addr := range n.Addrs() {
		n.logger.Infof("[Node]   %s", addr)
	}

	n.startDiscovery()

	return nil
}

// Stop closes subscriptions, discovery and the host. It is safe to call more
// than once and from any goroutine; calls after the first return nil.
// In-flight message handlers are not waited for.
func (n *Node) Stop(ctx context.Context) error {
	n.lifecycleMu.Lock()
	defer n.lifecycleMu.Unlock()

	switch n.State() {
	case StateStopping, StateStopped:
		return nil
	case StateUnstarted:
		n.setState(StateStopped)
		return nil
	}

	n.setState(StateStopping)
	n.logger.Infof("[Node] stopping")

	n.cancel()

	n.topicsMu.Lock()
	for topic, s := range n.subs {
		s.cancel()
		s.sub.Cancel()
		delete(n.subs, topic)
	}
	n.topicsMu.Unlock()

	var errs []error

	n.dhtMu.Lock()
	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			errs = append(errs, fmt.Errorf("[Node] error closing DHT: %w", err))
		}

		n.dht = nil
	}
	n.dhtMu.Unlock()

	if n.peerCache != nil {
		n.peerCache.Prune(DefaultMaxCachedPeers, DefaultPeerCacheTTL)

		if err := n.peerCache.Save(n.config.PeerCacheFile); err != nil {
			n.logger.Warnf("[Node] error saving peer cache: %v", err)
		}
	}

	if err := n.host.Close(); err != nil {
		errs = append(errs, fmt.Errorf("[Node] error closing host: %w", err))
	} else {
		n.logger.Infof("[Node] host closed")
	}

	done := make(chan struct{})

	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		n.logger.Warnf("[Node] background tasks still running at shutdown: %v", ctx.Err())
	}

	n.setState(StateStopped)

	return errors.Join(errs...)
}

// HostID returns the peer ID of this node.
func (n *Node) HostID() peer.ID {
	return n.config.Identity.ID
}

// Addrs returns the node's advertised addresses including its /p2p/ component.
func (n *Node) Addrs() []multiaddr.Multiaddr {
	if n.host == nil {
		return nil
	}

	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()})
	if err != nil {
		n.logger.Debugf("[Node] error building p2p addresses: %v", err)
		return nil
	}

	return addrs
}

// Gater exposes the connection gater so callers can block misbehaving peers.
func (n *Node) Gater() *ConnectionGater {
	return n.gater
}

// Notify registers h for every overlay event.
func (n *Node) Notify(h EventHandler) {
	if h == nil {
		return
	}

	n.handlersMu.Lock()
	defer n.handlersMu.Unlock()
	n.handlers = append(n.handlers, h)
}

func (n *Node) emit(ev Event) {
	n.handlersMu.RLock()
	handlers := n.handlers
	n.handlersMu.RUnlock()

	for _, h := range handlers {
		n.callHandler(h, ev)
	}
}

func (n *Node) callHandler(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Errorf("[Node] event handler panicked on %s: %v", ev.Kind, r)
		}
	}()

	h(ev)
}

// joinTopic returns the joined topic handle, joining on first use.
func (n *Node) joinTopic(topic string) (*pubsub.Topic, error) {
	n.topicsMu.Lock()
	defer n.topicsMu.Unlock()

	return n.joinTopicLocked(topic)
}

func (n *Node) joinTopicLocked(topic string) (*pubsub.Topic, error) {
	if t, ok := n.joined[topic]; ok {
		return t, nil
	}

	t, err := n.pubSub.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("[Node] error joining topic %s: %w", topic, err)
	}

	n.logger.Infof("[Node] joined topic: %s", topic)
	n.joined[topic] = t

	return t, nil
}

// Subscribe starts a reader for topic that emits each arriving message as an
// EventMessage. Subscribing to a topic twice is a no-op.
func (n *Node) Subscribe(ctx context.Context, topic string) error {
	if n.State() != StateRunning {
		return ErrNodeNotRunning
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	n.topicsMu.Lock()
	defer n.topicsMu.Unlock()

	if _, ok := n.subs[topic]; ok {
		return nil
	}

	t, err := n.joinTopicLocked(topic)
	if err != nil {
		return err
	}

	sub, err := t.Subscribe()
	if err != nil {
		return fmt.Errorf("[Node] error subscribing to %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(n.ctx)
	n.subs[topic] = &topicSubscription{sub: sub, cancel: cancel}

	go n.readSubscription(subCtx, topic, sub)

	return nil
}

// readSubscription is the single reader of one topic, so messages of a topic
// reach handlers in arrival order.
func (n *Node) readSubscription(ctx context.Context, topic string, sub *pubsub.Subscription) {
	n.logger.Debugf("[Node] starting reader for topic: %s", topic)

	for {
		m, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				n.logger.Debugf("[Node] reader for %s stopped: %v", topic, err)
			}

			return
		}

		n.emit(Event{Kind: EventMessage, Message: newRawMessage(m)})
	}
}

// Unsubscribe stops delivering topic. Unknown topics are ignored.
func (n *Node) Unsubscribe(topic string) error {
	n.topicsMu.Lock()
	defer n.topicsMu.Unlock()

	s, ok := n.subs[topic]
	if !ok {
		return nil
	}

	s.cancel()
	s.sub.Cancel()
	delete(n.subs, topic)

	return nil
}

// Publish sends data to topic and reports the topic peers known at the time.
func (n *Node) Publish(ctx context.Context, topic string, data []byte) (PublishReport, error) {
	if n.State() != StateRunning {
		return PublishReport{}, ErrNodeNotRunning
	}

	t, err := n.joinTopic(topic)
	if err != nil {
		return PublishReport{}, err
	}

	if err = t.Publish(ctx, data); err != nil {
		return PublishReport{}, fmt.Errorf("[Node] publish error: %w", err)
	}

	return PublishReport{Topic: topic, Size: len(data), Recipients: t.ListPeers()}, nil
}

// Peers lists every peer the pubsub router knows.
func (n *Node) Peers() []peer.ID {
	if n.pubSub == nil {
		return nil
	}

	return n.pubSub.ListPeers("")
}

// Subscribers lists the peers subscribed to topic.
func (n *Node) Subscribers(topic string) []peer.ID {
	if n.pubSub == nil {
		return nil
	}

	return n.pubSub.ListPeers(topic)
}

// Topics lists the topics this node is subscribed to.
func (n *Node) Topics() []string {
	if n.pubSub == nil {
		return nil
	}

	return n.pubSub.GetTopics()
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	dRouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dUtil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"golang.org/x/sync/errgroup"
)

const (
	dialTimeout = 10 * time.Second

	bootstrapRetryInterval = 5 * time.Second
	bootstrapCheckInterval = 30 * time.Second
	dhtDiscoveryInterval   = 5 * time.Second

	cachedBootstrapPeers = 20
)

// startDiscovery launches the background tasks that keep the node in the
// swarm: bootstrap dialing, heartbeat announcements and DHT rendezvous.
// They all end when the node context is cancelled.
func (n *Node) startDiscovery() {
	tasks := []func(context.Context){
		n.runBootstrapConnector,
		n.runHeartbeat,
		n.runDHTDiscovery,
	}

	n.wg.Add(len(tasks))

	for _, task := range tasks {
		go func() {
			defer n.wg.Done()
			task(n.ctx)
		}()
	}
}

// dial connects to info unless it is this node or already connected, and
// records the outcome in the peer cache.
func (n *Node) dial(ctx context.Context, info peer.AddrInfo) error {
	if info.ID == n.host.ID() || n.host.Network().Connectedness(info.ID) == network.Connected {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	err := n.host.Connect(dialCtx, info)

	if n.peerCache != nil && err != nil && ctx.Err() == nil {
		n.peerCache.Record(info, false)
	}

	return err
}

func (n *Node) bootstrapPeers() []peer.AddrInfo {
	out := make([]peer.AddrInfo, 0, len(n.config.BootstrapAddresses))

	for _, addr := range n.config.BootstrapAddresses {
		info, err := parseP2pAddr(addr)
		if err != nil {
			n.logger.Errorf("[Discovery] invalid bootstrap address %s: %v", addr, err)
			continue
		}

		out = append(out, *info)
	}

	return out
}

func (n *Node) cachedPeers() []peer.AddrInfo {
	if n.peerCache == nil {
		return nil
	}

	best := n.peerCache.Best(cachedBootstrapPeers, DefaultPeerCacheTTL)
	out := make([]peer.AddrInfo, 0, len(best))

	for _, p := range best {
		info, err := p.AddrInfo()
		if err != nil || len(info.Addrs) == 0 {
			continue
		}

		out = append(out, info)
	}

	return out
}

// runBootstrapConnector keeps dialing the bootstrap peers, retrying quickly
// while any is unreachable and checking back periodically once all are
// connected. Cached peers are tried once at startup.
func (n *Node) runBootstrapConnector(ctx context.Context) {
	for _, info := range n.cachedPeers() {
		if err := n.dial(ctx, info); err != nil {
			n.logger.Debugf("[Discovery] failed to connect to cached peer %s: %v", info.ID, err)
		}
	}

	bootstrap := n.bootstrapPeers()
	logged := false

	for {
		connected := 0

		for _, info := range bootstrap {
			if ctx.Err() != nil {
				return
			}

			if err := n.dial(ctx, info); err != nil {
				n.logger.Debugf("[Discovery] failed to connect to bootstrap peer %s: %v", info.ID, err)
				continue
			}

			connected++
		}

		delay := bootstrapRetryInterval

		if connected == len(bootstrap) {
			if !logged {
				n.logger.Infof("[Discovery] all bootstrap peers connected")
			}

			logged = true
			delay = bootstrapCheckInterval
		} else {
			n.logger.Infof("[Discovery] %d of %d bootstrap peers connected", connected, len(bootstrap))
			logged = false
		}

		if err := WaitForDelay(ctx, delay); err != nil {
			return
		}
	}
}

// runHeartbeat announces this node's addresses on the heartbeat topic every
// HeartbeatInterval and dials the peers announced by others.
func (n *Node) runHeartbeat(ctx context.Context) {
	topic, err := n.joinTopic(n.config.HeartbeatTopic)
	if err != nil {
		n.logger.Errorf("[Discovery] heartbeat disabled: %v", err)
		return
	}

	sub, err := topic.Subscribe()
	if err != nil {
		n.logger.Errorf("[Discovery] heartbeat disabled: %v", err)
		return
	}
	defer sub.Cancel()

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		n.readHeartbeats(ctx, sub)
	}()

	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		n.announce(ctx, topic)

		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
		}
	}
}

func (n *Node) announce(ctx context.Context, topic *pubsub.Topic) {
	data, err := json.Marshal(peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()})
	if err != nil {
		n.logger.Errorf("[Discovery] error encoding heartbeat: %v", err)
		return
	}

	if err = topic.Publish(ctx, data); err != nil && ctx.Err() == nil {
		n.logger.Debugf("[Discovery] error publishing heartbeat: %v", err)
	}
}

func (n *Node) readHeartbeats(ctx context.Context, sub *pubsub.Subscription) {
	for {
		m, err := sub.Next(ctx)
		if err != nil {
			return
		}

		if m.GetFrom() == n.host.ID() {
			continue
		}

		var info peer.AddrInfo
		if err = json.Unmarshal(m.Data, &info); err != nil {
			n.logger.Debugf("[Discovery] ignoring malformed heartbeat from %s: %v", m.GetFrom(), err)
			continue
		}

		// a heartbeat may only announce its signer
		if info.ID != m.GetFrom() {
			n.logger.Debugf("[Discovery] ignoring heartbeat from %s announcing %s", m.GetFrom(), info.ID)
			continue
		}

		n.emit(Event{Kind: EventPeerDiscovery, Peer: info})

		if err = n.dial(ctx, info); err != nil {
			n.logger.Debugf("[Discovery] failed to connect to discovered peer %s: %v", info.ID, err)
		}
	}
}

// runDHTDiscovery waits for the first connection, then joins the swarm's
// private DHT, advertises the heartbeat and primary topics and keeps looking
// up other advertisers.
func (n *Node) runDHTDiscovery(ctx context.Context) {
	hasPeers := func() bool { return len(n.host.Network().Peers()) > 0 }
	if err := WaitUntil(ctx, hasPeers, time.Second); err != nil {
		return
	}

	kademliaDHT, err := n.initPrivateDHT(ctx)
	if err != nil {
		n.logger.Errorf("[Discovery] DHT discovery disabled: %v", err)
		return
	}

	routingDiscovery := dRouting.NewRoutingDiscovery(kademliaDHT)

	namespaces := []string{n.config.HeartbeatTopic}
	if n.config.PrimaryTopic != "" {
		namespaces = append(namespaces, n.config.PrimaryTopic)
	}

	for _, ns := range namespaces {
		n.logger.Infof("[Discovery] advertising topic: %s", ns)
		dUtil.Advertise(ctx, routingDiscovery, ns)
	}

	ctx = network.WithSimultaneousConnect(ctx, true, "hole punching")

	for {
		start := time.Now()

		var eg errgroup.Group

		for _, ns := range namespaces {
			eg.Go(func() error {
				return n.findPeers(ctx, ns, routingDiscovery)
			})
		}

		if err = eg.Wait(); err != nil {
			return
		}

		n.logger.Debugf("[Discovery] completed DHT discovery in %v", time.Since(start))

		if err = WaitForDelay(ctx, dhtDiscoveryInterval); err != nil {
			return
		}
	}
}

func (n *Node) initPrivateDHT(ctx context.Context) (*dht.IpfsDHT, error) {
	if n.config.DHTProtocolID == "" {
		return nil, fmt.Errorf(errorCreatingDhtMessage, errors.New("missing DHT protocol ID"))
	}

	kademliaDHT, err := dht.New(ctx, n.host,
		dht.ProtocolPrefix(protocol.ID(n.config.DHTProtocolID)),
		dht.Mode(dht.ModeServer),
	)
	if err != nil {
		return nil, fmt.Errorf(errorCreatingDhtMessage, err)
	}

	if err = kademliaDHT.Bootstrap(ctx); err != nil {
		_ = kademliaDHT.Close()
		return nil, fmt.Errorf("[Node] error bootstrapping DHT: %w", err)
	}

	n.dhtMu.Lock()
	defer n.dhtMu.Unlock()

	if ctx.Err() != nil {
		_ = kademliaDHT.Close()
		return nil, ctx.Err()
	}

	n.dht = kademliaDHT

	return kademliaDHT, nil
}

// findPeers dials every not yet connected advertiser of ns. Lookup failures
// are logged and retried on the next round; only cancellation is returned.
func (n *Node) findPeers(ctx context.Context, ns string, routingDiscovery *dRouting.RoutingDiscovery) error {
	addrChan, err := routingDiscovery.FindPeers(ctx, ns)
	if err != nil {
		n.logger.Debugf("[Discovery] error finding peers for %s: %v", ns, err)
		return ctx.Err()
	}

	var wg sync.WaitGroup

	for info := range addrChan {
		if ctx.Err() != nil {
			break
		}

		if info.ID == n.host.ID() || len(info.Addrs) == 0 ||
			n.host.Network().Connectedness(info.ID) == network.Connected {
			continue
		}

		n.emit(Event{Kind: EventPeerDiscovery, Peer: info})

		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := n.dial(ctx, info); err != nil {
				n.logger.Debugf("[Discovery][%s] failed to connect: %v", info.ID, err)
			} else {
				n.logger.Infof("[Discovery][%s] connected in %s", info.ID, time.Since(n.startTime))
			}
		}()
	}

	wg.Wait()

	return ctx.Err()
}

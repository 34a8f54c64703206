package relay

import (
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// ConnectionGater decides which connections the node accepts beyond the swarm
// key check: it enforces a per-peer connection limit and temporary blocks of
// peers and subnets.
type ConnectionGater struct {
	mu              sync.Mutex
	blockedPeers    map[peer.ID]time.Time
	blockedSubnets  []*net.IPNet
	maxConnsPerPeer int
	peerConns       map[peer.ID]int
	logger          Logger
}

// NewConnectionGater returns a gater allowing at most maxConnsPerPeer
// connections per peer; zero disables the limit.
func NewConnectionGater(logger Logger, maxConnsPerPeer int) *ConnectionGater {
	return &ConnectionGater{
		blockedPeers:    make(map[peer.ID]time.Time),
		maxConnsPerPeer: maxConnsPerPeer,
		peerConns:       make(map[peer.ID]int),
		logger:          logger,
	}
}

// BlockPeer refuses connections to and from p for duration.
func (cg *ConnectionGater) BlockPeer(p peer.ID, duration time.Duration) {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	cg.blockedPeers[p] = time.Now().Add(duration)
}

func (cg *ConnectionGater) UnblockPeer(p peer.ID) {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	delete(cg.blockedPeers, p)
}

// BlockSubnet refuses connections to and from addresses inside cidr.
func (cg *ConnectionGater) BlockSubnet(cidr string) error {
	_, subnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return err
	}

	cg.mu.Lock()
	defer cg.mu.Unlock()
	cg.blockedSubnets = append(cg.blockedSubnets, subnet)

	return nil
}

// isPeerBlocked expects cg.mu to be held.
func (cg *ConnectionGater) isPeerBlocked(p peer.ID) bool {
	expiry, exists := cg.blockedPeers[p]
	if !exists {
		return false
	}

	if time.Now().Before(expiry) {
		return true
	}

	delete(cg.blockedPeers, p)

	return false
}

// isAddrBlocked expects cg.mu to be held.
func (cg *ConnectionGater) isAddrBlocked(addr multiaddr.Multiaddr) bool {
	if len(cg.blockedSubnets) == 0 {
		return false
	}

	ip, err := manet.ToIP(addr)
	if err != nil {
		return false
	}

	for _, subnet := range cg.blockedSubnets {
		if subnet.Contains(ip) {
			return true
		}
	}

	return false
}

// connClosed releases the per-peer slot taken in InterceptSecured.
func (cg *ConnectionGater) connClosed(p peer.ID) {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	if cg.peerConns[p] <= 1 {
		delete(cg.peerConns, p)
		return
	}

	cg.peerConns[p]--
}

func (cg *ConnectionGater) InterceptPeerDial(p peer.ID) (allow bool) {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	if cg.isPeerBlocked(p) {
		cg.logger.Debugf("[ConnectionGater] blocked dial to peer: %s", p)
		return false
	}

	return true
}

func (cg *ConnectionGater) InterceptAddrDial(p peer.ID, addr multiaddr.Multiaddr) (allow bool) {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	if cg.isPeerBlocked(p) || cg.isAddrBlocked(addr) {
		cg.logger.Debugf("[ConnectionGater] blocked dial to %s for peer: %s", addr, p)
		return false
	}

	return true
}

func (cg *ConnectionGater) InterceptAccept(connAddr network.ConnMultiaddrs) (allow bool) {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	if cg.isAddrBlocked(connAddr.RemoteMultiaddr()) {
		cg.logger.Debugf("[ConnectionGater] blocked accept from %s", connAddr.RemoteMultiaddr())
		return false
	}

	return true
}

func (cg *ConnectionGater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) (allow bool) {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	if cg.isPeerBlocked(p) {
		cg.logger.Debugf("[ConnectionGater] blocked secured connection from peer: %s", p)
		return false
	}

	if cg.maxConnsPerPeer > 0 {
		if cg.peerConns[p] >= cg.maxConnsPerPeer {
			cg.logger.Debugf("[ConnectionGater] peer %s exceeded max connections (%d)", p, cg.maxConnsPerPeer)
			return false
		}

		cg.peerConns[p]++
	}

	return true
}

func (cg *ConnectionGater) InterceptUpgraded(network.Conn) (allow bool, reason control.DisconnectReason) {
	return true, 0
}

var _ connmgr.ConnectionGater = (*ConnectionGater)(nil)

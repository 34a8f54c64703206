package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

const (
	peerCacheVersion = 1

	// DefaultPeerCacheTTL is how long a peer that has not been seen stays cached.
	DefaultPeerCacheTTL = 30 * 24 * time.Hour
	// DefaultMaxCachedPeers bounds the cache size.
	DefaultMaxCachedPeers = 100

	maxPeerFailures = 5
)

// CachedPeer is a swarm member remembered across restarts.
type CachedPeer struct {
	ID            string    `json:"id"`
	Addresses     []string  `json:"addresses"`
	LastSeen      time.Time `json:"last_seen"`
	LastConnected time.Time `json:"last_connected"`
	Successes     int       `json:"successes"`
	Failures      int       `json:"failures"`
}

func (p CachedPeer) score() float64 {
	return float64(p.Successes) / float64(p.Successes+p.Failures+1)
}

// AddrInfo converts the entry back into a dialable address set, skipping
// addresses that no longer parse.
func (p CachedPeer) AddrInfo() (peer.AddrInfo, error) {
	id, err := peer.Decode(p.ID)
	if err != nil {
		return peer.AddrInfo{}, err
	}

	info := peer.AddrInfo{ID: id}

	for _, a := range p.Addresses {
		maddr, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			continue
		}

		info.Addrs = append(info.Addrs, maddr)
	}

	return info, nil
}

// PeerCache remembers peers the node managed to reach so a restarted node can
// rejoin the swarm even when its bootstrap peers are down.
type PeerCache struct {
	mu    sync.RWMutex
	peers map[string]*CachedPeer
}

type peerCacheFile struct {
	Version int          `json:"version"`
	Peers   []CachedPeer `json:"peers"`
}

func NewPeerCache() *PeerCache {
	return &PeerCache{peers: make(map[string]*CachedPeer)}
}

// LoadPeerCache reads the cache at path. A missing file, or one written by a
// different format version, yields an empty cache.
func LoadPeerCache(path string) (*PeerCache, error) {
	path, err := expandPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) // #nosec G304 - path comes from configuration
	if errors.Is(err, fs.ErrNotExist) {
		return NewPeerCache(), nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read peer cache: %w", err)
	}

	var f peerCacheFile
	if err = json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse peer cache: %w", err)
	}

	pc := NewPeerCache()
	if f.Version != peerCacheVersion {
		return pc, nil
	}

	for i := range f.Peers {
		p := f.Peers[i]
		pc.peers[p.ID] = &p
	}

	return pc, nil
}

// Save writes the cache to path.
func (pc *PeerCache) Save(path string) error {
	path, err := expandPath(path)
	if err != nil {
		return err
	}

	pc.mu.RLock()
	f := peerCacheFile{Version: peerCacheVersion, Peers: make([]CachedPeer, 0, len(pc.peers))}

	for _, p := range pc.peers {
		f.Peers = append(f.Peers, *p)
	}
	pc.mu.RUnlock()

	sort.Slice(f.Peers, func(i, j int) bool { return f.Peers[i].ID < f.Peers[j].ID })

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal peer cache: %w", err)
	}

	if err = writeFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save peer cache: %w", err)
	}

	return nil
}

// Record notes an attempt to reach info. Addresses are replaced only when new
// ones are supplied; a success resets the failure count.
func (pc *PeerCache) Record(info peer.AddrInfo, connected bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	id := info.ID.String()
	now := time.Now()

	p, ok := pc.peers[id]
	if !ok {
		p = &CachedPeer{ID: id}
		pc.peers[id] = p
	}

	p.LastSeen = now

	if len(info.Addrs) > 0 {
		p.Addresses = p.Addresses[:0]
		for _, a := range info.Addrs {
			p.Addresses = append(p.Addresses, a.String())
		}
	}

	if connected {
		p.LastConnected = now
		p.Successes++
		p.Failures = 0
	} else {
		p.Failures++
	}
}

// Best returns up to limit peers seen within ttl, most reliable first.
func (pc *PeerCache) Best(limit int, ttl time.Duration) []CachedPeer {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	cutoff := time.Now().Add(-ttl)
	out := make([]CachedPeer, 0, len(pc.peers))

	for _, p := range pc.peers {
		if p.LastSeen.After(cutoff) && p.Failures < maxPeerFailures {
			out = append(out, *p)
		}
	}

	sortByReliability(out)

	if limit < len(out) {
		out = out[:limit]
	}

	return out
}

// Prune drops stale and failing peers and trims the cache to maxPeers.
func (pc *PeerCache) Prune(maxPeers int, ttl time.Duration) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	kept := make([]CachedPeer, 0, len(pc.peers))

	for id, p := range pc.peers {
		if !p.LastSeen.After(cutoff) || p.Failures >= 2*maxPeerFailures {
			delete(pc.peers, id)
			continue
		}

		kept = append(kept, *p)
	}

	if len(kept) <= maxPeers {
		return
	}

	sortByReliability(kept)

	for _, p := range kept[maxPeers:] {
		delete(pc.peers, p.ID)
	}
}

func (pc *PeerCache) Remove(id peer.ID) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	delete(pc.peers, id.String())
}

func (pc *PeerCache) Len() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return len(pc.peers)
}

func sortByReliability(peers []CachedPeer) {
	sort.Slice(peers, func(i, j int) bool {
		a, b := peers[i], peers[j]

		if (a.Successes > 0) != (b.Successes > 0) {
			return a.Successes > 0
		}

		if a.score() != b.score() {
			return a.score() > b.score()
		}

		return a.LastConnected.After(b.LastConnected)
	})
}

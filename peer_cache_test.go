package relay

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAddrInfo(t *testing.T, id string, addrs ...string) peer.AddrInfo {
	t.Helper()

	pid, err := peer.Decode(id)
	require.NoError(t, err)

	info := peer.AddrInfo{ID: pid}

	for _, a := range addrs {
		maddr, err := multiaddr.NewMultiaddr(a)
		require.NoError(t, err)
		info.Addrs = append(info.Addrs, maddr)
	}

	return info
}

const (
	cachePeer1 = "12D3KooWDYmEobVGYR8UgkxNrBvj7W92ZCvvyYxAeKpJfFGCqGms"
	cachePeer2 = "12D3KooWLRPJAA5o6LHEmnG7rWMyQnai5AcVPjVZ1m9jqhGVTqGm"
)

func TestPeerCacheSaveAndLoad(t *testing.T) {
	cacheFile := filepath.Join(t.TempDir(), "peers.json")

	cache := NewPeerCache()
	cache.Record(testAddrInfo(t, cachePeer1, "/ip4/192.168.1.1/tcp/4001"), true)
	cache.Record(testAddrInfo(t, cachePeer2, "/ip4/192.168.1.2/tcp/4002", "/ip4/10.0.0.1/tcp/4002"), false)

	require.NoError(t, cache.Save(cacheFile))

	loaded, err := LoadPeerCache(cacheFile)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Len())

	best := loaded.Best(10, DefaultPeerCacheTTL)
	require.Len(t, best, 2)

	// the peer that connected ranks first
	assert.Equal(t, cachePeer1, best[0].ID)
	assert.Equal(t, 1, best[0].Successes)
	assert.Equal(t, 0, best[0].Failures)
	assert.Equal(t, []string{"/ip4/192.168.1.1/tcp/4001"}, best[0].Addresses)

	assert.Equal(t, cachePeer2, best[1].ID)
	assert.Equal(t, 0, best[1].Successes)
	assert.Equal(t, 1, best[1].Failures)
	assert.Len(t, best[1].Addresses, 2)

	info, err := best[1].AddrInfo()
	require.NoError(t, err)
	assert.Equal(t, cachePeer2, info.ID.String())
	assert.Len(t, info.Addrs, 2)
}

func TestLoadPeerCache_MissingAndForeign(t *testing.T) {
	dir := t.TempDir()

	cache, err := LoadPeerCache(filepath.Join(dir, "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, 0, cache.Len())

	other := filepath.Join(dir, "v2.json")
	require.NoError(t, os.WriteFile(other, []byte(`{"version":2,"peers":[{"id":"x"}]}`), 0o600))

	cache, err = LoadPeerCache(other)
	require.NoError(t, err)
	assert.Equal(t, 0, cache.Len())

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte(`{`), 0o600))

	_, err = LoadPeerCache(broken)
	require.Error(t, err)
}

func TestPeerCacheRecord(t *testing.T) {
	cache := NewPeerCache()
	info := testAddrInfo(t, cachePeer1, "/ip4/192.168.1.1/tcp/4001")

	cache.Record(info, false)
	cache.Record(info, false)
	cache.Record(peer.AddrInfo{ID: info.ID}, true)

	best := cache.Best(10, time.Hour)
	require.Len(t, best, 1)

	assert.Equal(t, 1, best[0].Successes)
	assert.Equal(t, 0, best[0].Failures, "a success resets the failure count")
	assert.Equal(t, []string{"/ip4/192.168.1.1/tcp/4001"}, best[0].Addresses, "addresses survive a record without any")
	assert.False(t, best[0].LastConnected.IsZero())
}

func TestPeerCacheBest(t *testing.T) {
	cache := NewPeerCache()
	good := testAddrInfo(t, cachePeer1, "/ip4/192.168.1.1/tcp/4001")
	bad := testAddrInfo(t, cachePeer2, "/ip4/192.168.1.2/tcp/4001")

	cache.Record(bad, true)

	for i := 0; i < maxPeerFailures; i++ {
		cache.Record(bad, false)
	}

	cache.Record(good, true)

	best := cache.Best(10, time.Hour)
	require.Len(t, best, 1, "peers at the failure limit are not offered")
	assert.Equal(t, cachePeer1, best[0].ID)

	assert.Empty(t, cache.Best(0, time.Hour))
}

func TestPeerCachePrune(t *testing.T) {
	cache := NewPeerCache()
	cache.Record(testAddrInfo(t, cachePeer1, "/ip4/192.168.1.1/tcp/4001"), true)
	cache.Record(testAddrInfo(t, cachePeer2, "/ip4/192.168.1.2/tcp/4001"), false)

	cache.Prune(1, time.Hour)
	require.Equal(t, 1, cache.Len())
	assert.Equal(t, cachePeer1, cache.Best(1, time.Hour)[0].ID)

	cache.Prune(10, 0)
	assert.Equal(t, 0, cache.Len(), "entries older than the ttl are dropped")
}

func TestPeerCacheTTL(t *testing.T) {
	cache := NewPeerCache()
	cache.Record(testAddrInfo(t, cachePeer1, "/ip4/192.168.1.1/tcp/4001"), true)

	assert.Len(t, cache.Best(10, time.Hour), 1)

	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, cache.Best(10, 5*time.Millisecond))
}

func TestPeerCacheRemove(t *testing.T) {
	cache := NewPeerCache()
	info := testAddrInfo(t, cachePeer1, "/ip4/192.168.1.1/tcp/4001")

	cache.Record(info, true)
	require.Equal(t, 1, cache.Len())

	cache.Remove(info.ID)
	assert.Equal(t, 0, cache.Len())
}

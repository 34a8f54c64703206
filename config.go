package relay

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/pnet"
	"github.com/multiformats/go-multiaddr"
)

const (
	// MinPort and MaxPort bound the dynamic/user port range a node may listen on.
	MinPort = 1024
	MaxPort = 65535

	// DefaultPort is the port used when none is configured.
	DefaultPort = 9911

	// DefaultHeartbeatTopic is the pubsub topic used for peer discovery heartbeats.
	// It carries transport plumbing only and is never dispatched to handlers.
	DefaultHeartbeatTopic = "_peer-discovery._p2p._pubsub"
	// DefaultHeartbeatInterval is how often the node announces itself on the heartbeat topic.
	DefaultHeartbeatInterval = time.Second

	// DefaultDHTProtocolID keeps the swarm's DHT apart from the public IPFS DHT.
	DefaultDHTProtocolID = "/swarm-relay"

	DefaultConnLowWater    = 2
	DefaultConnHighWater   = 1024
	DefaultConnGracePeriod = time.Minute
	DefaultMaxConnsPerPeer = 3
)

// RelayConfig is the validated startup configuration of a node. Build it with
// a ConfigBuilder; the zero value is not usable.
type RelayConfig struct {
	Identity           *Identity
	SwarmKey           SwarmKey
	PSK                pnet.PSK
	Port               int
	ListenAddresses    []string
	AnnounceAddresses  []string
	BootstrapAddresses []string

	// AnnouncePublicIP advertises the public IP reported by ifconfig.me when
	// no announce addresses are configured.
	AnnouncePublicIP bool

	// OnEvent observes every event at the overlay boundary: peer connects,
	// discoveries and message arrivals. It may be nil.
	OnEvent EventHandler

	PrimaryTopic       string
	HeartbeatTopic     string
	HeartbeatInterval  time.Duration
	DHTProtocolID      string
	EnableRelayService bool
	ConnLowWater       int
	ConnHighWater      int
	ConnGracePeriod    time.Duration
	MaxConnsPerPeer    int
	PeerCacheFile      string
}

// ConfigBuilder accumulates startup settings. Every setter overwrites the
// previous value and returns the builder for chaining.
type ConfigBuilder struct {
	identity          *Identity
	swarmKey          []byte
	port              int
	listenHosts       []string
	announce          []string
	announcePublicIP  bool
	bootstrap         []string
	onEvent           EventHandler
	primaryTopic      string
	heartbeatTopic    string
	heartbeatInterval time.Duration
	dhtProtocolID     string
	relayService      bool
	connLowWater      int
	connHighWater     int
	connGracePeriod   time.Duration
	maxConnsPerPeer   int
	peerCacheFile     string
}

// NewConfigBuilder returns a builder preloaded with defaults.
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		port:              DefaultPort,
		listenHosts:       []string{"0.0.0.0"},
		heartbeatTopic:    DefaultHeartbeatTopic,
		heartbeatInterval: DefaultHeartbeatInterval,
		dhtProtocolID:     DefaultDHTProtocolID,
		relayService:      true,
		connLowWater:      DefaultConnLowWater,
		connHighWater:     DefaultConnHighWater,
		connGracePeriod:   DefaultConnGracePeriod,
		maxConnsPerPeer:   DefaultMaxConnsPerPeer,
	}
}

func (b *ConfigBuilder) SetIdentity(identity *Identity) *ConfigBuilder {
	b.identity = identity
	return b
}

// SetSwarmKey sets the raw swarm key file contents.
func (b *ConfigBuilder) SetSwarmKey(data []byte) *ConfigBuilder {
	b.swarmKey = data
	return b
}

func (b *ConfigBuilder) SetPort(port int) *ConfigBuilder {
	b.port = port
	return b
}

// SetListenHosts sets the IPv4 hosts the node listens on; each becomes /ip4/<host>/tcp/<port>.
func (b *ConfigBuilder) SetListenHosts(hosts ...string) *ConfigBuilder {
	b.listenHosts = hosts
	return b
}

func (b *ConfigBuilder) SetAnnounceAddresses(addrs []string) *ConfigBuilder {
	b.announce = addrs
	return b
}

func (b *ConfigBuilder) SetAnnouncePublicIP(enabled bool) *ConfigBuilder {
	b.announcePublicIP = enabled
	return b
}

func (b *ConfigBuilder) SetBootstrapAddresses(addrs []string) *ConfigBuilder {
	b.bootstrap = addrs
	return b
}

func (b *ConfigBuilder) SetEventHandler(h EventHandler) *ConfigBuilder {
	b.onEvent = h
	return b
}

// SetPrimaryTopic names the application topic the readiness check looks at.
func (b *ConfigBuilder) SetPrimaryTopic(topic string) *ConfigBuilder {
	b.primaryTopic = topic
	return b
}

func (b *ConfigBuilder) SetHeartbeat(topic string, interval time.Duration) *ConfigBuilder {
	b.heartbeatTopic = topic
	b.heartbeatInterval = interval
	return b
}

func (b *ConfigBuilder) SetDHTProtocolID(id string) *ConfigBuilder {
	b.dhtProtocolID = id
	return b
}

func (b *ConfigBuilder) SetRelayService(enabled bool) *ConfigBuilder {
	b.relayService = enabled
	return b
}

func (b *ConfigBuilder) SetConnLimits(low, high int, grace time.Duration) *ConfigBuilder {
	b.connLowWater = low
	b.connHighWater = high
	b.connGracePeriod = grace
	return b
}

func (b *ConfigBuilder) SetMaxConnsPerPeer(n int) *ConfigBuilder {
	b.maxConnsPerPeer = n
	return b
}

// SetPeerCacheFile enables the known-peer cache at path. Empty disables it.
func (b *ConfigBuilder) SetPeerCacheFile(path string) *ConfigBuilder {
	b.peerCacheFile = path
	return b
}

// Build validates the accumulated settings and returns the configuration.
// Fields are checked in a fixed order (identity, swarm key, port, listen
// hosts, announce addresses, bootstrap addresses) and the first failure is
// returned as a *ConfigError. Build performs no I/O.
func (b *ConfigBuilder) Build() (RelayConfig, error) {
	if err := b.identity.Validate(); err != nil {
		return RelayConfig{}, configError("identity", err)
	}

	if len(b.swarmKey) == 0 {
		return RelayConfig{}, configError("swarmKey", fmt.Errorf("%w: missing", ErrInvalidSwarmKey))
	}

	swarmKey, ok := ParseSwarmKey(b.swarmKey)
	if !ok {
		return RelayConfig{}, configError("swarmKey", fmt.Errorf("%w: malformed", ErrInvalidSwarmKey))
	}

	psk, err := swarmKey.PSK()
	if err != nil {
		return RelayConfig{}, configError("swarmKey", err)
	}

	if b.port < MinPort || b.port > MaxPort {
		return RelayConfig{}, configError("port", fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidPort, b.port, MinPort, MaxPort))
	}

	listen, err := buildListenAddresses(b.listenHosts, b.port)
	if err != nil {
		return RelayConfig{}, configError("listenAddresses", err)
	}

	for _, addr := range b.announce {
		if _, err = multiaddr.NewMultiaddr(addr); err != nil {
			return RelayConfig{}, configError("announceAddresses", fmt.Errorf("%w: %q: %v", ErrInvalidAddress, addr, err))
		}
	}

	if len(b.bootstrap) == 0 {
		return RelayConfig{}, configError("bootstrapAddresses", fmt.Errorf("%w: at least one bootstrap address is required", ErrInvalidAddress))
	}

	for _, addr := range b.bootstrap {
		if _, err = parseP2pAddr(addr); err != nil {
			return RelayConfig{}, configError("bootstrapAddresses", err)
		}
	}

	if b.heartbeatTopic == "" {
		return RelayConfig{}, configError("heartbeatTopic", ErrInvalidTopic)
	}

	if b.connHighWater < b.connLowWater {
		return RelayConfig{}, configError("connLimits", errors.New("high water mark below low water mark"))
	}

	return RelayConfig{
		Identity:           b.identity,
		SwarmKey:           swarmKey,
		PSK:                psk,
		Port:               b.port,
		ListenAddresses:    listen,
		AnnounceAddresses:  append([]string(nil), b.announce...),
		AnnouncePublicIP:   b.announcePublicIP,
		BootstrapAddresses: append([]string(nil), b.bootstrap...),
		OnEvent:            b.onEvent,
		PrimaryTopic:       b.primaryTopic,
		HeartbeatTopic:     b.heartbeatTopic,
		HeartbeatInterval:  b.heartbeatInterval,
		DHTProtocolID:      b.dhtProtocolID,
		EnableRelayService: b.relayService,
		ConnLowWater:       b.connLowWater,
		ConnHighWater:      b.connHighWater,
		ConnGracePeriod:    b.connGracePeriod,
		MaxConnsPerPeer:    b.maxConnsPerPeer,
		PeerCacheFile:      b.peerCacheFile,
	}, nil
}

func buildListenAddresses(hosts []string, port int) ([]string, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("%w: no listen hosts", ErrInvalidAddress)
	}

	out := make([]string, 0, len(hosts))

	for _, host := range hosts {
		ip := net.ParseIP(host)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("%w: listen host %q is not an IPv4 address", ErrInvalidAddress, host)
		}

		out = append(out, fmt.Sprintf(multiAddrIPTemplate, host, port))
	}

	return out, nil
}

// parseP2pAddr parses a multiaddr that must end in /p2p/<peer ID>.
func parseP2pAddr(addr string) (*peer.AddrInfo, error) {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, addr, err)
	}

	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, addr, err)
	}

	return info, nil
}

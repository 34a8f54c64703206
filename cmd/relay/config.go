package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	relay "github.com/bsv-blockchain/go-p2p-relay"
	"gopkg.in/yaml.v3"
)

// settings is the resolved command line configuration. Sources apply in
// order: defaults, the YAML file, environment variables, explicit flags.
type settings struct {
	PeerIDFile       string
	SwarmKeyFile     string
	Port             int
	Listen           []string
	Announce         []string
	AnnouncePublicIP bool
	Bootstrap        []string
	Topic            string
	HeartbeatTopic   string
	Heartbeat        time.Duration
	DHTProtocolID    string
	RelayService     bool
	PeerCacheFile    string
	MetricsPort      int
	LogLevel         string
	Libp2pLogLevel   string
}

func defaultSettings() settings {
	return settings{
		PeerIDFile:     ".peerId",
		SwarmKeyFile:   ".swarmKey",
		Port:           relay.DefaultPort,
		Listen:         []string{"0.0.0.0"},
		HeartbeatTopic: relay.DefaultHeartbeatTopic,
		Heartbeat:      relay.DefaultHeartbeatInterval,
		DHTProtocolID:  relay.DefaultDHTProtocolID,
		RelayService:   true,
		LogLevel:       "info",
		Libp2pLogLevel: "error",
	}
}

// fileConfig mirrors settings in the YAML file. Pointers tell an explicit
// false apart from an absent key.
type fileConfig struct {
	PeerID           string        `yaml:"peerId"`
	SwarmKey         string        `yaml:"swarmKey"`
	Port             int           `yaml:"port"`
	Listen           []string      `yaml:"listen"`
	Announce         []string      `yaml:"announce"`
	AnnouncePublicIP *bool         `yaml:"announcePublicIP"`
	Bootstrap        []string      `yaml:"bootstrap"`
	Topic            string        `yaml:"topic"`
	HeartbeatTopic   string        `yaml:"heartbeatTopic"`
	Heartbeat        time.Duration `yaml:"heartbeatInterval"`
	DHTProtocolID    string        `yaml:"dhtProtocolId"`
	RelayService     *bool         `yaml:"relayService"`
	PeerCache        string        `yaml:"peerCache"`
	MetricsPort      int           `yaml:"metricsPort"`
	LogLevel         string        `yaml:"logLevel"`
	Libp2pLogLevel   string        `yaml:"libp2pLogLevel"`
}

// loadFile merges the YAML file at path into s. A missing file is an error
// because the path was asked for explicitly.
func (s *settings) loadFile(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from the command line
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config file %s not found", path)
	}

	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var f fileConfig
	if err = yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	s.merge(f)

	return nil
}

func (s *settings) merge(f fileConfig) {
	if f.PeerID != "" {
		s.PeerIDFile = f.PeerID
	}
	if f.SwarmKey != "" {
		s.SwarmKeyFile = f.SwarmKey
	}
	if f.Port != 0 {
		s.Port = f.Port
	}
	if f.Listen != nil {
		s.Listen = f.Listen
	}
	if f.Announce != nil {
		s.Announce = f.Announce
	}
	if f.AnnouncePublicIP != nil {
		s.AnnouncePublicIP = *f.AnnouncePublicIP
	}
	if f.Bootstrap != nil {
		s.Bootstrap = f.Bootstrap
	}
	if f.Topic != "" {
		s.Topic = f.Topic
	}
	if f.HeartbeatTopic != "" {
		s.HeartbeatTopic = f.HeartbeatTopic
	}
	if f.Heartbeat != 0 {
		s.Heartbeat = f.Heartbeat
	}
	if f.DHTProtocolID != "" {
		s.DHTProtocolID = f.DHTProtocolID
	}
	if f.RelayService != nil {
		s.RelayService = *f.RelayService
	}
	if f.PeerCache != "" {
		s.PeerCacheFile = f.PeerCache
	}
	if f.MetricsPort != 0 {
		s.MetricsPort = f.MetricsPort
	}
	if f.LogLevel != "" {
		s.LogLevel = f.LogLevel
	}
	if f.Libp2pLogLevel != "" {
		s.Libp2pLogLevel = f.Libp2pLogLevel
	}
}

// applyEnv overrides s from the environment. Malformed numbers are errors.
func (s *settings) applyEnv(getenv func(string) string) error {
	env := func(key string) string { return strings.TrimSpace(getenv(key)) }

	if v := env("PEER_ID"); v != "" {
		s.PeerIDFile = v
	}
	if v := env("SWARM_KEY"); v != "" {
		s.SwarmKeyFile = v
	}
	if v := env("ANNOUNCE"); v != "" {
		s.Announce = splitList(v)
	}
	if v := env("BOOTSTRAP"); v != "" {
		s.Bootstrap = splitList(v)
	}
	if v := env("LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}

	for key, dst := range map[string]*int{"PORT": &s.Port, "METRICS_PORT": &s.MetricsPort} {
		v := env(key)
		if v == "" {
			continue
		}

		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}

		*dst = n
	}

	return nil
}

// flagValues holds the raw flag targets; only flags set on the command line
// are applied over the other sources.
type flagValues struct {
	config         string
	peerID         string
	swarmKey       string
	port           int
	listen         string
	announce       string
	publicIP       bool
	bootstrap      string
	topic          string
	peerCache      string
	relayService   bool
	metricsPort    int
	logLevel       string
	libp2pLogLevel string
}

func newFlagSet(v *flagValues) *flag.FlagSet {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)

	fs.StringVar(&v.config, "config", "", "path to a YAML config file")
	fs.StringVar(&v.peerID, "peer-id", "", "path to the peer identity file (created if missing)")
	fs.StringVar(&v.swarmKey, "swarm-key", "", "path to the swarm key file (created if missing)")
	fs.IntVar(&v.port, "port", 0, "TCP port to listen on")
	fs.StringVar(&v.listen, "listen", "", "comma-separated IPv4 hosts to listen on")
	fs.StringVar(&v.announce, "announce", "", "comma-separated multiaddrs to announce")
	fs.BoolVar(&v.publicIP, "announce-public-ip", false, "announce the public IP reported by ifconfig.me")
	fs.StringVar(&v.bootstrap, "bootstrap", "", "comma-separated bootstrap multiaddrs ending in /p2p/<id>")
	fs.StringVar(&v.topic, "topic", "", "primary topic to subscribe to and report readiness on")
	fs.StringVar(&v.peerCache, "peer-cache", "", "path to the known-peer cache file")
	fs.BoolVar(&v.relayService, "relay-service", true, "serve circuit relay hops for other peers")
	fs.IntVar(&v.metricsPort, "metrics-port", 0, "port for the Prometheus /metrics endpoint (0 disables)")
	fs.StringVar(&v.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	fs.StringVar(&v.libp2pLogLevel, "libp2p-log-level", "", "log level of libp2p subsystems")

	return fs
}

func (s *settings) applyFlags(fs *flag.FlagSet, v *flagValues) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "peer-id":
			s.PeerIDFile = v.peerID
		case "swarm-key":
			s.SwarmKeyFile = v.swarmKey
		case "port":
			s.Port = v.port
		case "listen":
			s.Listen = splitList(v.listen)
		case "announce":
			s.Announce = splitList(v.announce)
		case "announce-public-ip":
			s.AnnouncePublicIP = v.publicIP
		case "bootstrap":
			s.Bootstrap = splitList(v.bootstrap)
		case "topic":
			s.Topic = v.topic
		case "peer-cache":
			s.PeerCacheFile = v.peerCache
		case "relay-service":
			s.RelayService = v.relayService
		case "metrics-port":
			s.MetricsPort = v.metricsPort
		case "log-level":
			s.LogLevel = v.logLevel
		case "libp2p-log-level":
			s.Libp2pLogLevel = v.libp2pLogLevel
		}
	})
}

// loadSettings resolves the configuration from args and the environment.
func loadSettings(args []string, getenv func(string) string) (settings, error) {
	var v flagValues

	fs := newFlagSet(&v)
	if err := fs.Parse(args); err != nil {
		return settings{}, err
	}

	s := defaultSettings()

	if v.config != "" {
		if err := s.loadFile(v.config); err != nil {
			return settings{}, err
		}
	}

	if err := s.applyEnv(getenv); err != nil {
		return settings{}, err
	}

	s.applyFlags(fs, &v)

	return s, nil
}

func splitList(v string) []string {
	var out []string

	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}

// Package main runs a relay node of a private swarm.
//
// Usage:
//
//	relay [flags]            run the relay
//	relay swarm-key [flags]  create the swarm key file if it does not exist
//	relay peer-id [flags]    create the identity file if it does not exist
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	relay "github.com/bsv-blockchain/go-p2p-relay"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}

		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}

	os.Exit(0)
}

func run(args []string) error {
	command := "run"
	if len(args) > 0 && (args[0] == "swarm-key" || args[0] == "peer-id") {
		command, args = args[0], args[1:]
	}

	s, err := loadSettings(args, os.Getenv)
	if err != nil {
		return err
	}

	logger, err := newLogger(s)
	if err != nil {
		return err
	}

	switch command {
	case "swarm-key":
		return generateSwarmKey(logger, s)
	case "peer-id":
		_, err = relay.LoadOrCreateIdentity(logger, s.PeerIDFile)
		return err
	}

	return runRelay(logger, s)
}

func newLogger(s settings) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(s.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	logger.SetLevel(level)

	if err = logging.SetLogLevel("*", s.Libp2pLogLevel); err != nil {
		return nil, fmt.Errorf("invalid libp2p log level: %w", err)
	}

	return logger, nil
}

func generateSwarmKey(logger *logrus.Logger, s settings) error {
	data, err := relay.GenerateSwarmKey(s.SwarmKeyFile)
	if err != nil {
		return err
	}

	key, ok := relay.ParseSwarmKey(data)
	if !ok {
		return fmt.Errorf("%w: %s", relay.ErrInvalidSwarmKey, s.SwarmKeyFile)
	}

	logger.Infof("swarm key %s at %s", key.Fingerprint(), s.SwarmKeyFile)

	return nil
}

func runRelay(logger *logrus.Logger, s settings) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalCh
		logger.Infof("received %s, stopping", sig)
		cancel()
	}()

	identity, err := relay.LoadOrCreateIdentity(logger, s.PeerIDFile)
	if err != nil {
		return err
	}

	swarmKey, err := relay.GenerateSwarmKey(s.SwarmKeyFile)
	if err != nil {
		return err
	}

	cfg, err := relay.NewConfigBuilder().
		SetIdentity(identity).
		SetSwarmKey(swarmKey).
		SetPort(s.Port).
		SetListenHosts(s.Listen...).
		SetAnnounceAddresses(s.Announce).
		SetAnnouncePublicIP(s.AnnouncePublicIP).
		SetBootstrapAddresses(s.Bootstrap).
		SetPrimaryTopic(s.Topic).
		SetHeartbeat(s.HeartbeatTopic, s.Heartbeat).
		SetDHTProtocolID(s.DHTProtocolID).
		SetRelayService(s.RelayService).
		SetPeerCacheFile(s.PeerCacheFile).
		SetEventHandler(logEvents(logger)).
		Build()
	if err != nil {
		return err
	}

	relay.RegisterMetrics(prometheus.DefaultRegisterer)

	metricsServer := startMetricsServer(logger, s.MetricsPort)

	node := relay.NewNode(logger, cfg)

	if err = node.Create(ctx); err != nil {
		return err
	}

	if err = node.Start(ctx); err != nil {
		stopNode(logger, node)
		return err
	}

	logger.Infof("relay listening on:")

	for _, addr := range node.Addrs() {
		logger.Infof("  %s", addr)
	}

	if s.Topic != "" {
		if err = subscribePrimary(ctx, logger, node, s); err != nil {
			stopNode(logger, node)
			return err
		}
	}

	<-ctx.Done()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = metricsServer.Shutdown(shutdownCtx)

		shutdownCancel()
	}

	return stopNode(logger, node)
}

// subscribePrimary logs every message of the primary topic and reports once
// the node is ready.
func subscribePrimary(ctx context.Context, logger *logrus.Logger, node *relay.Node, s settings) error {
	router := relay.NewRouter(logger, node, s.HeartbeatTopic)

	err := router.Subscribe(ctx, s.Topic, func(_ context.Context, msg relay.InboundMessage) error {
		logger.Infof("message on %s from %s: %s", msg.Topic, msg.From, msg.Data)
		return nil
	})
	if err != nil {
		return err
	}

	go func() {
		readiness := relay.NewReadiness(logger, node, s.Topic)
		if err := readiness.WaitUntilReady(ctx, time.Second); err != nil {
			logger.Debugf("readiness wait ended: %v", err)
		}
	}()

	return nil
}

func stopNode(logger *logrus.Logger, node *relay.Node) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := node.Stop(ctx); err != nil {
		logger.Errorf("error stopping node: %v", err)
		return err
	}

	logger.Infof("stopped")

	return nil
}

func startMetricsServer(logger *logrus.Logger, port int) *http.Server {
	if port <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Infof("metrics server listening on %d", port)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics server failed: %v", err)
		}
	}()

	return srv
}

func logEvents(logger *logrus.Logger) relay.EventHandler {
	return func(ev relay.Event) {
		switch ev.Kind {
		case relay.EventPeerConnect:
			logger.Infof("peer connected: %s", ev.Peer.ID)
		case relay.EventPeerDiscovery:
			logger.Debugf("peer discovered: %s %v", ev.Peer.ID, ev.Peer.Addrs)
		}
	}
}

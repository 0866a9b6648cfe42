// Command discoveryd runs a single service-discovery node: it joins
// the gossip mesh, serves the replicated registry, and runs periodic
// anti-entropy reconciliation until terminated.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mraysmit/p2pjava-sub003/internal/antientropy"
	"github.com/mraysmit/p2pjava-sub003/internal/breaker"
	"github.com/mraysmit/p2pjava-sub003/internal/config"
	"github.com/mraysmit/p2pjava-sub003/internal/discovery"
	"github.com/mraysmit/p2pjava-sub003/internal/gossip"
	"github.com/mraysmit/p2pjava-sub003/internal/identitystore"
	"github.com/mraysmit/p2pjava-sub003/internal/peer"
	"github.com/mraysmit/p2pjava-sub003/internal/registry"
	"github.com/mraysmit/p2pjava-sub003/internal/transport"
)

var (
	version = "0.1.0-dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "discoveryd",
		Short:   "Distributed service-discovery node",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:    run,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("node-id", "", "", "Stable node identifier (persisted on first run if omitted)")
	rootCmd.PersistentFlags().StringP("bind-address", "b", "", "Gossip/anti-entropy listen address")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "", "Data directory for the node identity store")
	rootCmd.PersistentFlags().StringP("log-level", "", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringSlice("bootstrap-peers", nil, "Comma-separated node_id=address seed peers")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogging(cfg.LogLevel)

	logrus.WithFields(logrus.Fields{"version": version, "commit": commit, "date": date}).Info("Starting discoveryd")

	store, err := identitystore.Open(filepath.Join(cfg.DataDir, "identity.db"))
	if err != nil {
		return fmt.Errorf("failed to open identity store: %w", err)
	}
	defer store.Close()

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = generateNodeID()
	}
	nodeID, err = store.LoadOrCreateNodeID(nodeID)
	if err != nil {
		return fmt.Errorf("failed to load node identity: %w", err)
	}

	bootstrap, err := resolveBootstrapPeers(cfg.BootstrapPeers, store)
	if err != nil {
		return fmt.Errorf("failed to resolve bootstrap peers: %w", err)
	}

	core := discovery.New(buildCoreConfig(cfg, nodeID, bootstrap))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logrus.Info("Received shutdown signal")
		cancel()
	}()

	if err := core.Start(ctx); err != nil {
		return fmt.Errorf("discovery core failed to start: %w", err)
	}

	<-ctx.Done()
	core.Stop()

	logrus.Info("discoveryd stopped")
	return nil
}

func buildCoreConfig(cfg *config.Config, nodeID string, bootstrap []discovery.BootstrapPeer) discovery.Config {
	var registerer prometheus.Registerer
	if cfg.Metrics.Enable {
		registerer = prometheus.DefaultRegisterer
	}

	return discovery.Config{
		NodeID:      nodeID,
		BindAddress: cfg.BindAddress,
		Bootstrap:   bootstrap,
		RegistryConfig: registry.Config{
			Strategy:   registry.Strategy(cfg.Registry.Strategy),
			MaxEntries: cfg.Registry.MaxEntries,
		},
		EvictionConfig: registry.EvictionConfig{
			Interval:     time.Duration(cfg.Registry.EvictionIntervalSeconds) * time.Second,
			AliveTTL:     time.Duration(cfg.Registry.AliveTTLSeconds) * time.Second,
			SuspectTTL:   time.Duration(cfg.Registry.SuspectTTLSeconds) * time.Second,
			TombstoneTTL: time.Duration(cfg.Registry.TombstoneTTLSeconds) * time.Second,
		},
		GossipConfig: gossip.Config{
			Interval:      time.Duration(cfg.Gossip.IntervalMillis) * time.Millisecond,
			Fanout:        cfg.Gossip.Fanout,
			MaxHops:       cfg.Gossip.MaxHops,
			MessageMaxAge: time.Duration(cfg.Gossip.MessageMaxAgeSeconds) * time.Second,
			QueueCapacity: cfg.Gossip.OutboundQueueCapacity,
			ClientConfig:  networkClientConfig(cfg),
			RetryConfig:   retryConfig(cfg),
		},
		AntiEntropyConfig: antientropy.Config{
			Interval:     time.Duration(cfg.AntiEntropy.IntervalSeconds) * time.Second,
			ClientConfig: networkClientConfig(cfg),
			RetryConfig:  retryConfig(cfg),
		},
		DetectorConfig: peer.DetectorConfig{
			SuspectThreshold:    cfg.FailureDetector.SuspectThreshold,
			FailedThreshold:     cfg.FailureDetector.FailedThreshold,
			FailedProbeInterval: time.Duration(cfg.FailureDetector.FailedProbeIntervalSeconds) * time.Second,
		},
		BreakerConfig: breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			ResetTimeout:     time.Duration(cfg.Breaker.ResetTimeoutSeconds) * time.Second,
		},
		StaleReconcileMode:    antientropy.ModeOffline,
		StaleAfter:            time.Duration(cfg.Registry.AliveTTLSeconds) * time.Second,
		MetricsRegisterer:     registerer,
		MetricsSampleInterval: time.Duration(cfg.Metrics.SampleIntervalSeconds) * time.Second,
	}
}

func networkClientConfig(cfg *config.Config) transport.ClientConfig {
	return transport.ClientConfig{
		DialTimeout:  time.Duration(cfg.Network.DialTimeoutMillis) * time.Millisecond,
		ReadTimeout:  time.Duration(cfg.Network.ReadTimeoutMillis) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Network.WriteTimeoutMillis) * time.Millisecond,
	}
}

func retryConfig(cfg *config.Config) breaker.RetryConfig {
	return breaker.RetryConfig{
		MaxRetries: cfg.Breaker.MaxRetries,
		Initial:    time.Duration(cfg.Breaker.InitialBackoffMillis) * time.Millisecond,
		Max:        time.Duration(cfg.Breaker.MaxBackoffMillis) * time.Millisecond,
	}
}

func resolveBootstrapPeers(configured []string, store *identitystore.Store) ([]discovery.BootstrapPeer, error) {
	var out []discovery.BootstrapPeer
	var persisted []identitystore.Peer

	for _, raw := range configured {
		nodeID, address, ok := splitNodeAddress(raw)
		if !ok {
			continue
		}
		out = append(out, discovery.BootstrapPeer{NodeID: nodeID, Address: address})
		persisted = append(persisted, identitystore.Peer{NodeID: nodeID, Address: address})
	}

	if len(persisted) > 0 {
		if err := store.SaveBootstrapPeers(persisted); err != nil {
			return nil, err
		}
		return out, nil
	}

	saved, err := store.LoadBootstrapPeers()
	if err != nil {
		return nil, err
	}
	for _, p := range saved {
		out = append(out, discovery.BootstrapPeer{NodeID: p.NodeID, Address: p.Address})
	}
	return out, nil
}

func splitNodeAddress(raw string) (nodeID, address string, ok bool) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '=' {
			return raw[:i], raw[i+1:], true
		}
	}
	return "", "", false
}

func generateNodeID() string {
	return uuid.NewString()
}

func setupLogging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})

	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

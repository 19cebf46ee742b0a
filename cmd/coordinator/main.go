// Package main implements the shardmesh pipeline coordinator binary: the
// process that discovers shard announcements over the Kademlia DHT,
// assembles them into a pipeline, and serves inference requests against
// whichever degradation strategy the configuration selects (spec §4.5).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dreamware/shardmesh/internal/config"
	"github.com/dreamware/shardmesh/internal/coordinator"
	"github.com/dreamware/shardmesh/internal/dht"
	"github.com/dreamware/shardmesh/internal/identity"
	"github.com/dreamware/shardmesh/internal/spawner"
	"github.com/dreamware/shardmesh/internal/telemetry"
	"github.com/dreamware/shardmesh/internal/transport"
)

var log = telemetry.For("cmd/coordinator")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCommand builds the coordinator's cobra command tree. Flags
// default from internal/config.Default() and are overridden, in order, by
// a YAML file (--config) and SHARDMESH_ environment variables, matching
// Synnergy's viper precedence.
func newRootCommand() *cobra.Command {
	defaults := config.Default()
	var configPath string
	var cluster string
	var totalShards int
	var totalLayers int
	var listenAddrs []string
	var bootstrapAddr string
	var metricsAddr string
	var strategyKind string
	var logJSON bool

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run the shardmesh pipeline coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("cluster") {
				cfg.Cluster = cluster
			}
			if cmd.Flags().Changed("total-shards") {
				cfg.TotalShards = totalShards
			}
			if cmd.Flags().Changed("total-layers") {
				cfg.TotalLayers = totalLayers
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddrs = listenAddrs
			}
			if cmd.Flags().Changed("bootstrap") {
				cfg.BootstrapAddr = bootstrapAddr
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			if cmd.Flags().Changed("strategy") {
				cfg.Strategy.Kind = config.StrategyKind(strategyKind)
			}
			if cmd.Flags().Changed("log-json") {
				cfg.Logging.JSON = logJSON
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&cluster, "cluster", defaults.Cluster, "cluster namespace this coordinator serves")
	cmd.Flags().IntVar(&totalShards, "total-shards", defaults.TotalShards, "expected number of shards in the pipeline")
	cmd.Flags().IntVar(&totalLayers, "total-layers", defaults.TotalLayers, "total transformer layers in the model")
	cmd.Flags().StringSliceVar(&listenAddrs, "listen", nil, "libp2p listen multiaddrs")
	cmd.Flags().StringVar(&bootstrapAddr, "bootstrap", defaults.BootstrapAddr, "bootstrap peer multiaddr")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", defaults.MetricsAddr, "address to serve /metrics on, empty disables it")
	cmd.Flags().StringVar(&strategyKind, "strategy", string(defaults.Strategy.Kind), "degradation strategy: wait_for_complete|partial_pipeline|fallback_to_single_node|spawn_nodes|adaptive")
	cmd.Flags().BoolVar(&logJSON, "log-json", defaults.Logging.JSON, "emit structured JSON logs instead of text")

	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	telemetry.Configure(level, cfg.Logging.JSON, os.Stderr)

	id, err := identity.Generate()
	if err != nil {
		return fmt.Errorf("coordinator: generate identity: %w", err)
	}

	host, err := transport.NewHost(transport.Options{
		PrivateKey:  id.PrivateKey(),
		ListenAddrs: cfg.ListenAddrs,
		IdleTimeout: cfg.IdleConnTimeout,
	})
	if err != nil {
		return fmt.Errorf("coordinator: build host: %w", err)
	}
	defer host.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var store dht.DHT
	if cfg.BootstrapAddr != "" {
		seeds, err := transport.ParseMultiaddrs([]string{cfg.BootstrapAddr})
		if err != nil {
			return fmt.Errorf("coordinator: parse bootstrap addr: %w", err)
		}
		kad, err := dht.NewKadDHT(ctx, host, seeds)
		if err != nil {
			return fmt.Errorf("coordinator: start dht: %w", err)
		}
		if err := kad.Bootstrap(ctx); err != nil {
			return fmt.Errorf("coordinator: bootstrap dht: %w", err)
		}
		store = kad
	} else {
		log.Warn("no bootstrap address configured, running against an isolated DHT")
		store = dht.NewSimDHT(id.String())
	}

	discovery := coordinator.NewKademliaShardDiscovery(store, cfg.Cluster, cfg.TotalShards, cfg.RefreshInterval, cfg.DiscoveryInterval)
	go discovery.Run(ctx)

	registerer := prometheus.NewRegistry()
	metrics := coordinator.NewMetrics(registerer)

	client := coordinator.NewLibP2PShardClient(host, id.String())

	var nodeSpawner spawner.NodeSpawner
	if cfg.Strategy.SpawnCommandTemplate != "" {
		nodeSpawner = spawner.NewSubprocessSpawner(cfg.Strategy.SpawnCommandTemplate, discovery)
	}

	coord := coordinator.New(&cfg, discovery, client, nodeSpawner, metrics)
	coord.MarkBootstrapped()

	go func() {
		ticker := time.NewTicker(cfg.DiscoveryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				coord.RefreshReadiness()
			}
		}
	}()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.WithField("addr", cfg.MetricsAddr).Info("serving metrics")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	log.WithField("peer_id", id.String()).WithField("cluster", cfg.Cluster).Info("coordinator ready")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("coordinator shutting down")
	return nil
}

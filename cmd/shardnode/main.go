// Package main implements the shardmesh shard-node runtime binary: the
// process that loads one contiguous range of a model's layers, announces
// itself into the DHT, and serves GET_CAPABILITIES/LIST_FILES/EXECUTE_TASK
// commands from a coordinator (spec §4.4).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dreamware/shardmesh/internal/announcement"
	"github.com/dreamware/shardmesh/internal/capability"
	"github.com/dreamware/shardmesh/internal/config"
	"github.com/dreamware/shardmesh/internal/dht"
	"github.com/dreamware/shardmesh/internal/engine"
	"github.com/dreamware/shardmesh/internal/identity"
	"github.com/dreamware/shardmesh/internal/shardnode"
	"github.com/dreamware/shardmesh/internal/task"
	"github.com/dreamware/shardmesh/internal/telemetry"
	"github.com/dreamware/shardmesh/internal/transport"
)

var log = telemetry.For("cmd/shardnode")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCommand builds the shard node's cobra command tree, matching
// cmd/coordinator's flag-then-YAML-then-env precedence.
func newRootCommand() *cobra.Command {
	defaults := config.Default()
	var configPath string
	var cluster string
	var model string
	var shardID int
	var totalShards int
	var totalLayers int
	var listenAddrs []string
	var bootstrapAddr string
	var maxConcurrent int
	var logJSON bool
	var hiddenDim int
	var stopAfterTokens int

	cmd := &cobra.Command{
		Use:   "shardnode",
		Short: "Run a shardmesh shard-node runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("cluster") {
				cfg.Cluster = cluster
			}
			if cmd.Flags().Changed("model") {
				cfg.Model = model
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
			if cmd.Flags().Changed("max-concurrent") {
				cfg.MaxConcurrentPerShard = maxConcurrent
			}
			if cmd.Flags().Changed("log-json") {
				cfg.Logging.JSON = logJSON
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, shardID, hiddenDim, stopAfterTokens)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&cluster, "cluster", defaults.Cluster, "cluster namespace this shard joins")
	cmd.Flags().StringVar(&model, "model", defaults.Model, "model name this shard serves")
	cmd.Flags().IntVar(&shardID, "shard-id", -1, "shard index to claim, -1 auto-assigns the lowest free one")
	cmd.Flags().IntVar(&totalShards, "total-shards", defaults.TotalShards, "total shards in the pipeline")
	cmd.Flags().IntVar(&totalLayers, "total-layers", defaults.TotalLayers, "total transformer layers in the model")
	cmd.Flags().StringSliceVar(&listenAddrs, "listen", nil, "libp2p listen multiaddrs")
	cmd.Flags().StringVar(&bootstrapAddr, "bootstrap", defaults.BootstrapAddr, "bootstrap peer multiaddr")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", defaults.MaxConcurrentPerShard, "maximum concurrent EXECUTE_TASK calls this shard admits")
	cmd.Flags().BoolVar(&logJSON, "log-json", defaults.Logging.JSON, "emit structured JSON logs instead of text")
	cmd.Flags().IntVar(&hiddenDim, "hidden-dim", 4096, "reference engine hidden dimension (development/test only)")
	cmd.Flags().IntVar(&stopAfterTokens, "stop-after", 64, "reference engine token count before forcing is_stop (development/test only)")

	return cmd
}

func run(ctx context.Context, cfg config.Config, shardIDFlag, hiddenDim, stopAfterTokens int) error {
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	telemetry.Configure(level, cfg.Logging.JSON, os.Stderr)

	id, err := identity.Generate()
	if err != nil {
		return fmt.Errorf("shardnode: generate identity: %w", err)
	}

	host, err := transport.NewHost(transport.Options{
		PrivateKey:  id.PrivateKey(),
		ListenAddrs: cfg.ListenAddrs,
		IdleTimeout: cfg.IdleConnTimeout,
	})
	if err != nil {
		return fmt.Errorf("shardnode: build host: %w", err)
	}
	defer host.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var store dht.DHT
	if cfg.BootstrapAddr != "" {
		seeds, err := transport.ParseMultiaddrs([]string{cfg.BootstrapAddr})
		if err != nil {
			return fmt.Errorf("shardnode: parse bootstrap addr: %w", err)
		}
		kad, err := dht.NewKadDHT(ctx, host, seeds)
		if err != nil {
			return fmt.Errorf("shardnode: start dht: %w", err)
		}
		if err := kad.Bootstrap(ctx); err != nil {
			return fmt.Errorf("shardnode: bootstrap dht: %w", err)
		}
		store = kad
	} else {
		log.Warn("no bootstrap address configured, running against an isolated DHT")
		store = dht.NewSimDHT(id.String())
	}

	// Resolve the shard id before building the engine: the engine's layer
	// range depends on it, and the engine is immutable once the node is
	// constructed (spec §4.4's "owns a LayerEngine").
	resolvedID, err := shardnode.ResolveShardID(ctx, store, cfg.Cluster, cfg.TotalShards, cfg.RefreshInterval, shardIDFlag)
	if err != nil {
		return fmt.Errorf("shardnode: resolve shard id: %w", err)
	}

	layersPerShard := cfg.TotalLayers / cfg.TotalShards
	layerStart := resolvedID * layersPerShard
	layerEnd := layerStart + layersPerShard
	if resolvedID == cfg.TotalShards-1 {
		layerEnd = cfg.TotalLayers
	}
	eng := engine.NewReferenceEngine(layerStart, layerEnd, hiddenDim, stopAfterTokens)

	nodeCfg := shardnode.Config{
		PeerID:          id.String(),
		Cluster:         cfg.Cluster,
		ModelName:       cfg.Model,
		ShardID:         resolvedID,
		TotalShards:     cfg.TotalShards,
		TotalLayers:     cfg.TotalLayers,
		LayerStart:      layerStart,
		LayerEnd:        layerEnd,
		ListenAddresses: cfg.ListenAddrs,
		RefreshInterval: cfg.RefreshInterval,
		TTL:             cfg.TTL(),
		MaxConcurrent:   cfg.MaxConcurrentPerShard,
		KVIdleTimeout:   cfg.KVStateIdleTimeout,
	}

	node := shardnode.NewNode(nodeCfg, eng, store, func() announcement.Capabilities {
		return capability.LocalSnapshot()
	}, time.Now().Unix())

	host.SetStreamHandler(protocol.ID(task.ProtocolID), node.HandleStream)

	go node.RunAnnouncementLoop(ctx)

	go func() {
		ticker := time.NewTicker(cfg.KVStateIdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				node.GCKVState()
			}
		}
	}()

	eng.MarkLoaded()
	node.TriggerAnnouncement()

	log.WithField("peer_id", id.String()).WithField("shard_id", resolvedID).Info("shard node ready")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shard node shutting down")
	return nil
}

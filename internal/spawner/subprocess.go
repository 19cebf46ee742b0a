package spawner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"text/template"
	"time"

	"github.com/dreamware/shardmesh/internal/telemetry"
)

var spawnLog = telemetry.For("spawner")

// AnnouncementChecker reports whether a shard_id currently has a loaded
// announcement. The coordinator's KademliaShardDiscovery satisfies this
// narrow view; the spawner package never imports coordinator directly to
// avoid a cycle.
type AnnouncementChecker interface {
	IsShardLoaded(shardID int) bool
}

// templateFields is the substitution set available to spawn_command_template
// (spec §6), rendered with Go's text/template {{.Field}} syntax.
type templateFields struct {
	ShardID       int
	TotalShards   int
	TotalLayers   int
	ModelName     string
	Cluster       string
	BootstrapAddr string
	ShardsDir     string
}

// SubprocessSpawner launches a shard node as a local child process by
// rendering a shell command template and running it via os/exec, the
// simplest of the launch mechanisms spec §6's NodeSpawner allows.
type SubprocessSpawner struct {
	CommandTemplate string
	Checker         AnnouncementChecker
	PollInterval    time.Duration
}

// NewSubprocessSpawner constructs a spawner that renders commandTemplate
// and polls checker every 500ms (spec §4.5's WaitForComplete cadence) while
// waiting for the spawned peer to announce.
func NewSubprocessSpawner(commandTemplate string, checker AnnouncementChecker) *SubprocessSpawner {
	return &SubprocessSpawner{
		CommandTemplate: commandTemplate,
		Checker:         checker,
		PollInterval:    500 * time.Millisecond,
	}
}

// Spawn renders the command template for req and starts it detached,
// returning a handle that polls the checker for this shard_id's
// announcement.
func (s *SubprocessSpawner) Spawn(ctx context.Context, req SpawnRequest) (PeerHandle, error) {
	cmdline, err := s.render(req)
	if err != nil {
		return nil, fmt.Errorf("spawner: render command template: %w", err)
	}

	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return nil, fmt.Errorf("spawner: rendered command is empty")
	}

	cmd := exec.CommandContext(context.Background(), fields[0], fields[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawner: start %q: %w", fields[0], err)
	}
	spawnLog.WithField("shard_id", req.ShardID).WithField("pid", cmd.Process.Pid).Info("spawned shard node subprocess")

	return &subprocessHandle{
		shardID:      req.ShardID,
		checker:      s.Checker,
		pollInterval: s.PollInterval,
	}, nil
}

func (s *SubprocessSpawner) render(req SpawnRequest) (string, error) {
	tmpl, err := template.New("spawn_command").Parse(s.CommandTemplate)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, templateFields{
		ShardID:       req.ShardID,
		TotalShards:   req.TotalShards,
		TotalLayers:   req.TotalLayers,
		ModelName:     req.ModelName,
		Cluster:       req.Cluster,
		BootstrapAddr: req.BootstrapAddr,
		ShardsDir:     req.ShardsDir,
	}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type subprocessHandle struct {
	shardID      int
	checker      AnnouncementChecker
	pollInterval time.Duration
}

// WaitUntilAnnounced polls checker until the spawned shard_id reports
// loaded, or timeout elapses.
func (h *subprocessHandle) WaitUntilAnnounced(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		if h.checker.IsShardLoaded(h.shardID) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("spawner: shard %d did not announce within %s", h.shardID, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

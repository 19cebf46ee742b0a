package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardmesh/internal/config"
)

func TestRootCommandFlagDefaultsMatchConfigDefault(t *testing.T) {
	defaults := config.Default()
	cmd := newRootCommand()

	cluster, err := cmd.Flags().GetString("cluster")
	require.NoError(t, err)
	assert.Equal(t, defaults.Cluster, cluster)

	shardID, err := cmd.Flags().GetInt("shard-id")
	require.NoError(t, err)
	assert.Equal(t, -1, shardID)

	maxConcurrent, err := cmd.Flags().GetInt("max-concurrent")
	require.NoError(t, err)
	assert.Equal(t, defaults.MaxConcurrentPerShard, maxConcurrent)
}

func TestRootCommandFlagOverridesConfig(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{
		"--cluster", "llama-70b-cluster",
		"--shard-id", "2",
		"--total-shards", "8",
		"--total-layers", "80",
	})
	cmd.RunE = func(cmd *cobra.Command, args []string) error { return nil }

	require.NoError(t, cmd.Execute())

	shardID, _ := cmd.Flags().GetInt("shard-id")
	assert.Equal(t, 2, shardID)
	totalLayers, _ := cmd.Flags().GetInt("total-layers")
	assert.Equal(t, 80, totalLayers)
}

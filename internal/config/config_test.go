package config

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "discoveryd"}
	cmd.Flags().String("config", "", "")
	cmd.Flags().String("node-id", "", "")
	cmd.Flags().String("bind-address", "", "")
	cmd.Flags().String("data-dir", "", "")
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().StringSlice("bootstrap-peers", nil, "")
	return cmd
}

func TestLoad_MissingDataDirIsInvalid(t *testing.T) {
	cmd := newTestCmd()
	_, err := Load(cmd)
	assert.Error(t, err)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cmd := newTestCmd()
	require.NoError(t, cmd.Flags().Set("data-dir", "/tmp/discoveryd"))

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, ":7946", cfg.BindAddress)
	assert.Equal(t, 3, cfg.Gossip.Fanout)
	assert.Equal(t, "composite", cfg.Registry.Strategy)
}

func TestLoad_FlagOverridesDefault(t *testing.T) {
	cmd := newTestCmd()
	require.NoError(t, cmd.Flags().Set("data-dir", "/tmp/discoveryd"))
	require.NoError(t, cmd.Flags().Set("bind-address", ":9000"))

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.BindAddress)
}

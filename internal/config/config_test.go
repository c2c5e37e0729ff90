package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCfgAppliesDefaults(t *testing.T) {
	cfg, err := LoadCfg(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.ServerCfg.Hostname)
	assert.Equal(t, 3000, cfg.ServerCfg.Port)
	assert.False(t, cfg.WorkerCfg.Mode)
	assert.Equal(t, "development", cfg.QueueCfg.Env)
}

func TestParsePartitionsSkipsUnparseableEntries(t *testing.T) {
	assert.Equal(t, []int{0, 2, 3}, parsePartitions("0, 2,x,3"))
	assert.Nil(t, parsePartitions(""))
}

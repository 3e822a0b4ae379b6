package sched

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile_YAMLAndTOML(t *testing.T) {
	dir := t.TempDir()

	yml := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(yml, []byte("tick_ms: 4\npolicy: RR\nslice_ticks: -1\ncpus: 2\npreempt: true\n"), 0o644))
	cfg, err := LoadFile(yml)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.TickMS)
	assert.Equal(t, PolicyRR, cfg.Policy)
	assert.Equal(t, DefaultSliceTicks, cfg.SliceTicks)
	assert.Equal(t, 2, cfg.CPUs)
	assert.True(t, cfg.Preempt)
	require.NoError(t, cfg.Validate())

	tml := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(tml, []byte("policy = \"cfs\"\nmoic_levels = 99\n"), 0o644))
	cfg, err = LoadFile(tml)
	require.NoError(t, err)
	assert.Equal(t, PolicyCFS, cfg.Policy)
	assert.Equal(t, DefaultMOICLevels, cfg.MOICLevels)

	_, err = LoadFile(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)
	assert.Equal(t, DefaultConfig(), Load(filepath.Join(dir, "missing.yml")))
	assert.Equal(t, DefaultConfig(), Load(""))

	bad := DefaultConfig()
	bad.Policy = "edf"
	assert.ErrorIs(t, bad.Validate(), ErrUnknownPolicy)
}

package dfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
control:
  addr: ":7777"
  snapshot_path: /var/lib/dfs/control.snapshot
  stores:
    - id: s1
      addr: ":10001"
    - id: s2
      addr: ":10002"
store:
  id: s1
  addr: ":10001"
  control_addr: ":7777"
  data_dir: /var/lib/dfs/s1
  block_size: 16MB
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Control)
	require.NotNil(t, cfg.Store)

	assert.Equal(t, ":7777", cfg.Control.Addr)
	assert.Len(t, cfg.Control.Stores, 2)
	assert.Equal(t, "s2", cfg.Control.Stores[1].ID)
	assert.Equal(t, ByteSize(16*datasize.MB), cfg.Store.BlockSize)
}

func TestLoadConfigDefaultBlockSize(t *testing.T) {
	path := writeConfig(t, `
store:
  id: s1
  addr: ":10001"
  control_addr: ":7777"
  data_dir: /tmp/s1
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultBlockSize, cfg.Store.BlockSize)
}

func TestLoadConfigRejects(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{}`))
	assert.Error(t, err, "neither section present")

	_, err = LoadConfig(writeConfig(t, `
control:
  addr: ":7777"
  stores:
    - id: s1
      addr: ":10001"
    - id: s1
      addr: ":10002"
`))
	assert.Error(t, err, "duplicate store id")

	_, err = LoadConfig(writeConfig(t, `
store:
  id: s1
  addr: ":10001"
`))
	assert.Error(t, err, "missing control_addr and data_dir")
}

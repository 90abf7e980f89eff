package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigDecodes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeDefaultConfig(&buf))
	c, err := decode(&buf)
	require.NoError(t, err)
	require.Equal(t, DefaultWaitTimeout, c.GetWaitTimeout())
	require.Equal(t, DefaultMapSlack, c.GetMapSlack())
	require.Equal(t, DefaultMaxNameLength, c.GetMaxNameLength())
	require.Zero(t, c.GetResidencyChunkPages())
	require.False(t, c.Force)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	err := os.WriteFile(path, []byte(`
aliases:
  read-mem: ["rm", "x"]
wait-timeout: 250ms
map-slack: 0
max-name-length: 64
residency-chunk-pages: 16
force: true
metrics-listen: "localhost:9100"
prompt-color: 32
`), 0600)
	require.NoError(t, err)

	c, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{"rm", "x"}, c.Aliases["read-mem"])
	require.Equal(t, 250*time.Millisecond, c.GetWaitTimeout())
	require.Equal(t, 0, c.GetMapSlack())
	require.Equal(t, 64, c.GetMaxNameLength())
	require.Equal(t, 16, c.GetResidencyChunkPages())
	require.True(t, c.Force)
	require.Equal(t, "localhost:9100", c.MetricsListen)
	require.Equal(t, 32, c.PromptColor)

	require.NoError(t, os.WriteFile(path, []byte("map-slack: [\n"), 0600))
	_, err = LoadConfigFile(path)
	require.Error(t, err)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yml"))
	require.True(t, os.IsNotExist(err))
}

func TestNilConfigDefaults(t *testing.T) {
	var c *Config
	require.Equal(t, DefaultWaitTimeout, c.GetWaitTimeout())
	require.Equal(t, DefaultMapSlack, c.GetMapSlack())
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nfqbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
settings:
  queues:
    - number: 2
      copy_mode: meta
      fail_open: true
  policy:
    default: drop
`), 0o600))

	var out bytes.Buffer
	app := newApp("test")
	app.Writer = &out
	require.NoError(t, app.Run([]string{"nfqbridge", "--config", path, "check"}))
	assert.Contains(t, out.String(), "queue 2: copy=meta maxlen=1024 fail_open=true batch=false")
	assert.Contains(t, out.String(), "policy: default=drop rules=0")
}

func TestMissingConfig(t *testing.T) {
	app := newApp("test")
	err := app.Run([]string{"nfqbridge", "-c", filepath.Join(t.TempDir(), "none.yaml"), "check"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

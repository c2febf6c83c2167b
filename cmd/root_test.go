package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/audiokernel/internal/conf"
)

func TestConfigCommandPrintsLoadedSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queues:\n  capture_depth: 42\n"), 0o600))

	settings := conf.Default()
	root := RootCommand(settings)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "--config", path})
	require.NoError(t, root.Execute())

	var printed conf.Settings
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &printed))
	assert.Equal(t, 42, printed.Queues.CaptureDepth)
	assert.Equal(t, 42, settings.Queues.CaptureDepth)
	assert.False(t, settings.Debug)
}

func TestConfigCommandRejectsMissingFile(t *testing.T) {
	root := RootCommand(conf.Default())
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"config", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, root.Execute())
}

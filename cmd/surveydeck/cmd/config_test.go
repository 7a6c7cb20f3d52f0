package cmd

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/surveydeck/surveydeck/internal/config"
)

func TestConfigInitWritesTemplate(t *testing.T) {
	t.Chdir(t.TempDir())

	cmd := newConfigInitCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), defaultConfigFile)

	data, err := os.ReadFile(defaultConfigFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "surveydeck configuration")

	// The template stays loadable as a real config.
	var cfg config.Config
	require.NoError(t, yaml.Unmarshal(data, &cfg))
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, os.WriteFile(defaultConfigFile, []byte("server:\n"), 0o644))

	cmd := newConfigInitCmd()
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigShowPrintsEffectiveConfig(t *testing.T) {
	cmd := newConfigShowCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)

	require.NoError(t, cmd.Execute())

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &cfg))
	assert.Equal(t, ":8710", cfg.Server.Addr)
	assert.Equal(t, 12, cfg.Search.StrongRankCeiling)
}

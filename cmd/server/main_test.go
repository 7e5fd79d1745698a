package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/whisperlink/internal/server"
)

// resolve parses args the way cobra would and builds the resulting config.
func resolve(t *testing.T, args ...string) (*server.Config, error) {
	t.Helper()
	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags(args))

	flags := cmd.Flags()
	var opts options
	var err error
	opts.configPath, err = flags.GetString("config")
	require.NoError(t, err)
	opts.envFile, err = flags.GetString("env-file")
	require.NoError(t, err)
	opts.host, err = flags.GetString("host")
	require.NoError(t, err)
	opts.port, err = flags.GetInt("port")
	require.NoError(t, err)
	opts.debug, err = flags.GetBool("debug")
	require.NoError(t, err)

	return resolveConfig(cmd, opts)
}

func TestResolveConfigDefaults(t *testing.T) {
	cfg, err := resolve(t)
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.Port, "unset flags leave the configured port alone")
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.Development)
}

func TestResolveConfigFlags(t *testing.T) {
	cfg, err := resolve(t, "--host", "127.0.0.1", "--port", "9001", "--debug")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9001", cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Development)

	cfg, err = resolve(t, "--port", "9002")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9002", cfg.Port)
}

func TestResolveConfigEnvFile(t *testing.T) {
	t.Run("explicit file is loaded", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "relay.env")
		require.NoError(t, os.WriteFile(path, []byte("TRANSCRIPT_LIMIT=42\n"), 0o600))
		// t.Setenv restores the variable afterwards; godotenv only fills unset keys.
		t.Setenv("TRANSCRIPT_LIMIT", "")
		require.NoError(t, os.Unsetenv("TRANSCRIPT_LIMIT"))

		cfg, err := resolve(t, "--env-file", path)
		require.NoError(t, err)
		assert.Equal(t, 42, cfg.TranscriptLimit)
	})

	t.Run("missing explicit file fails", func(t *testing.T) {
		_, err := resolve(t, "--env-file", filepath.Join(t.TempDir(), "absent.env"))
		assert.Error(t, err)
	})

	t.Run("bad config file fails", func(t *testing.T) {
		_, err := resolve(t, "--config", filepath.Join(t.TempDir(), "absent.toml"))
		assert.Error(t, err)
	})
}

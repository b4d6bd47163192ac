package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("KEEPALIVE_ADMIN_PASSWORD", "hunter2")
	t.Setenv("KEEPALIVE_GIST_TOKEN", "ghp_test")
	t.Setenv("KEEPALIVE_GIST_ID", "g123")
}

func TestLoad(t *testing.T) {
	t.Run("reads prefixed variables", func(t *testing.T) {
		setRequiredEnv(t)
		cfg, err := Load(StoreGist)
		require.NoError(t, err)
		assert.Equal(t, "hunter2", cfg.AdminPassword)
		assert.Equal(t, "ghp_test", cfg.GistToken)
		assert.Equal(t, "g123", cfg.GistID)
		assert.Equal(t, 50, cfg.HistoryMax)
	})

	t.Run("accepts the bare legacy names", func(t *testing.T) {
		t.Setenv("ADMIN_PASSWORD", "hunter2")
		t.Setenv("GIST_TOKEN", "ghp_test")
		t.Setenv("GIST_ID", "g123")
		cfg, err := Load(StoreGist)
		require.NoError(t, err)
		assert.Equal(t, "g123", cfg.GistID)
	})

	t.Run("missing admin password is fatal", func(t *testing.T) {
		t.Setenv("KEEPALIVE_GIST_TOKEN", "ghp_test")
		t.Setenv("KEEPALIVE_GIST_ID", "g123")
		_, err := Load(StoreGist)
		assert.Error(t, err)
	})

	t.Run("gist store requires token and id", func(t *testing.T) {
		t.Setenv("KEEPALIVE_ADMIN_PASSWORD", "hunter2")
		_, err := Load(StoreGist)
		assert.Error(t, err)

		t.Setenv("KEEPALIVE_GIST_TOKEN", "ghp_test")
		_, err = Load(StoreGist)
		assert.Error(t, err)
	})

	t.Run("local store needs no gist credentials", func(t *testing.T) {
		t.Setenv("KEEPALIVE_ADMIN_PASSWORD", "hunter2")
		cfg, err := Load(StoreLocal)
		require.NoError(t, err)
		assert.Empty(t, cfg.GistToken)
	})

	t.Run("rejects unknown backend", func(t *testing.T) {
		setRequiredEnv(t)
		_, err := Load("redis")
		assert.Error(t, err)
	})

	t.Run("rejects non-positive history bound", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("KEEPALIVE_HISTORY_MAX", "0")
		_, err := Load(StoreGist)
		assert.Error(t, err)
	})
}

func TestLoadBootstrap(t *testing.T) {
	t.Run("requires the token", func(t *testing.T) {
		_, err := LoadBootstrap()
		assert.Error(t, err)
	})

	t.Run("returns the token", func(t *testing.T) {
		t.Setenv("GIST_TOKEN", "ghp_test")
		token, err := LoadBootstrap()
		require.NoError(t, err)
		assert.Equal(t, "ghp_test", token)
	})
}

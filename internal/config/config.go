// Package config reads service configuration from the environment.
// Operational knobs (bind address, poll interval, store selection) come in
// as flags in main; everything secret or deployment-bound lives here under
// the KEEPALIVE_ prefix.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Store backend selection.
const (
	StoreGist  = "gist"
	StoreLocal = "local"
)

type Config struct {
	// AdminPassword guards the admin API.
	AdminPassword string
	// GistToken and GistID identify the remote document. Required for the
	// gist store.
	GistToken string
	GistID    string
	// HistoryMax bounds the visit history kept in the document.
	HistoryMax int
}

// Load reads and validates the environment. Missing required values are a
// startup failure, not something to limp along without.
func Load(storeBackend string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KEEPALIVE")
	v.AutomaticEnv()
	v.SetDefault("history_max", 50)

	// Accept the original deployment's bare names too.
	_ = v.BindEnv("admin_password", "KEEPALIVE_ADMIN_PASSWORD", "ADMIN_PASSWORD")
	_ = v.BindEnv("gist_token", "KEEPALIVE_GIST_TOKEN", "GIST_TOKEN")
	_ = v.BindEnv("gist_id", "KEEPALIVE_GIST_ID", "GIST_ID")

	cfg := Config{
		AdminPassword: v.GetString("admin_password"),
		GistToken:     v.GetString("gist_token"),
		GistID:        v.GetString("gist_id"),
		HistoryMax:    v.GetInt("history_max"),
	}

	if cfg.AdminPassword == "" {
		return Config{}, fmt.Errorf("ADMIN_PASSWORD is required")
	}
	if cfg.HistoryMax < 1 {
		return Config{}, fmt.Errorf("KEEPALIVE_HISTORY_MAX must be positive, got %d", cfg.HistoryMax)
	}
	if err := cfg.validateStore(storeBackend); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadBootstrap reads just what gist creation needs: the token.
func LoadBootstrap() (string, error) {
	v := viper.New()
	v.SetEnvPrefix("KEEPALIVE")
	v.AutomaticEnv()
	_ = v.BindEnv("gist_token", "KEEPALIVE_GIST_TOKEN", "GIST_TOKEN")
	token := v.GetString("gist_token")
	if token == "" {
		return "", fmt.Errorf("GIST_TOKEN is required to create a gist")
	}
	return token, nil
}

func (cfg Config) validateStore(storeBackend string) error {
	switch storeBackend {
	case StoreGist:
		if cfg.GistToken == "" {
			return fmt.Errorf("GIST_TOKEN is required for the gist store")
		}
		if cfg.GistID == "" {
			return fmt.Errorf("GIST_ID is required for the gist store (use -bootstrap to create one)")
		}
	case StoreLocal:
	default:
		return fmt.Errorf("unknown store backend %q", storeBackend)
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Load reads the config file at path (or the default location when path is
// empty), overlaying a .env file and environment variables. A missing file
// yields the defaults.
func Load(path, workDir string) (*Config, error) {
	// .env values fill the environment without overriding real env vars.
	_ = godotenv.Load(filepath.Join(workDir, ".env"))

	if path == "" {
		path = os.Getenv("JIMI_CONFIG")
	}
	if path == "" {
		path = filepath.Join(workDir, ".jimi", "config.json5")
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values; the API key comes from env only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("JIMI_API_KEY", &c.Provider.APIKey)
	envStr("JIMI_BASE_URL", &c.Provider.BaseURL)
	envStr("JIMI_MODEL", &c.Provider.Model)
	envStr("JIMI_PROVIDER", &c.Provider.Name)
}

// SessionDir resolves the session directory against the workspace.
func (c *Config) SessionDir(workDir string) string {
	dir := c.Session.Dir
	if dir == "" {
		dir = ".jimi"
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(workDir, dir)
	}
	return dir
}

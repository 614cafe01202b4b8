package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// envPrefix is the MNESIS_* environment-variable namespace viper overlays
// onto the loaded config.
const envPrefix = "MNESIS"

// envOverrides lists the config.yaml dotted paths a deployment may override
// via environment variable; applyEnvOverrides assigns each to its field.
// Kept to a deliberately small, explicit set rather than full reflective
// binding.
var envOverrides = []string{
	"rest_port",
	"mcp_port",
	"validation_mode",
	"conversation_analysis.provider",
	"conversation_analysis.model",
	"conversation_analysis.api_base_url",
	"conversation_analysis.api_key",
}

// Manager is the process-wide config cache: Get serves the cached value,
// ForceReload re-reads config.yaml from disk and refreshes it. Config is
// read through this cache rather than re-parsed on every access, with
// ForceReload as the explicit escape hatch for a caller that knows the
// file changed.
type Manager struct {
	mu     sync.RWMutex
	path   string
	logger *slog.Logger
	cached *Config
}

// NewManager constructs a Manager reading/writing the given config.yaml
// path. Pass the result of Path() in production; tests pass a temp path.
func NewManager(path string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{path: path, logger: logger}
}

// Get returns the cached config, loading it from disk on first access.
func (m *Manager) Get() (Config, error) {
	m.mu.RLock()
	if m.cached != nil {
		cfg := *m.cached
		m.mu.RUnlock()
		return cfg, nil
	}
	m.mu.RUnlock()
	return m.ForceReload()
}

// ForceReload re-reads config.yaml from disk, deep-merges it over the
// compiled-in defaults, applies MNESIS_* environment overrides, and
// refreshes the cache. If config.yaml does not exist yet, the defaults are
// written out so the directory/file exist for subsequent edits.
func (m *Manager) ForceReload() (Config, error) {
	merged := Defaults()

	raw, err := os.ReadFile(m.path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &merged); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", m.path, err)
		}
	case os.IsNotExist(err):
		if err := m.save(merged); err != nil {
			return Config{}, fmt.Errorf("config: write initial %s: %w", m.path, err)
		}
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", m.path, err)
	}

	applyEnvOverrides(&merged)

	m.mu.Lock()
	cfg := merged
	m.cached = &cfg
	m.mu.Unlock()

	m.logger.Info("config reloaded", "path", m.path)
	return merged, nil
}

// Save persists cfg to config.yaml and refreshes the cache, matching the
// original's save_config + _config_cache reassignment.
func (m *Manager) Save(cfg Config) error {
	if err := m.save(cfg); err != nil {
		return err
	}
	m.mu.Lock()
	saved := cfg
	m.cached = &saved
	m.mu.Unlock()
	return nil
}

func (m *Manager) save(cfg Config) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: create dir %s: %w", dir, err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", m.path, err)
	}
	ensurePrivatePermissions(dir, m.path)
	return nil
}

// applyEnvOverrides overlays MNESIS_* environment variables onto cfg using
// viper as the lookup/coercion layer.
func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envOverrides {
		_ = v.BindEnv(key)
	}

	if v.IsSet("rest_port") {
		cfg.RESTPort = v.GetInt("rest_port")
	}
	if v.IsSet("mcp_port") {
		cfg.MCPPort = v.GetInt("mcp_port")
	}
	if v.IsSet("validation_mode") {
		cfg.ValidationMode = v.GetString("validation_mode")
	}
	if v.IsSet("conversation_analysis.provider") {
		cfg.ConversationAnalysis.Provider = v.GetString("conversation_analysis.provider")
	}
	if v.IsSet("conversation_analysis.model") {
		cfg.ConversationAnalysis.Model = v.GetString("conversation_analysis.model")
	}
	if v.IsSet("conversation_analysis.api_base_url") {
		cfg.ConversationAnalysis.APIBaseURL = v.GetString("conversation_analysis.api_base_url")
	}
	if v.IsSet("conversation_analysis.api_key") {
		cfg.ConversationAnalysis.APIKey = v.GetString("conversation_analysis.api_key")
	}
}

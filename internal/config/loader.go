package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/squads/internal/core"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

// NewLoaderWithViper creates a loader using an existing viper instance so
// CLI flag bindings take part in precedence.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v, envPrefix: "SQUADS"}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (SQUADS_*)
// 3. Project config (.squads/config.yaml)
// 4. User config (~/.config/squads/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".squads")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "squads"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("state.backend", "sqlite")
	l.v.SetDefault("state.path", ".squads/squads.db")
	l.v.SetDefault("state.workers_backend", "store")
	l.v.SetDefault("state.busy_timeout", "5s")

	l.v.SetDefault("redis.addr", "localhost:6379")
	l.v.SetDefault("redis.db", 0)
	l.v.SetDefault("redis.key_prefix", "squads")

	l.v.SetDefault("supervisor.executable", "zeroclaw")
	l.v.SetDefault("supervisor.args", []string{})
	l.v.SetDefault("supervisor.grace_period", "10s")
	l.v.SetDefault("supervisor.spawn_concurrency", 4)
	l.v.SetDefault("supervisor.log_sink", "store")
	l.v.SetDefault("supervisor.spawn_on_start", false)

	l.v.SetDefault("workflow.templates_dir", ".squads/templates")
	l.v.SetDefault("workflow.watch_templates", true)
	l.v.SetDefault("workflow.default_template", "")
	l.v.SetDefault("workflow.dangling_edge", "fail")
	l.v.SetDefault("workflow.fail_orphaned_nodes", false)

	l.v.SetDefault("roles.legacy_matching", true)
	l.v.SetDefault("roles.legacy_patterns", core.DefaultLegacyRolePatterns)

	l.v.SetDefault("credentials.passthrough", []string{
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY", "GITHUB_TOKEN", "GITLAB_TOKEN",
	})

	l.v.SetDefault("server.host", "127.0.0.1")
	l.v.SetDefault("server.port", 8080)
	l.v.SetDefault("server.enable_cors", false)
	l.v.SetDefault("server.cors_origins", []string{"http://localhost:5173"})
	l.v.SetDefault("server.shutdown_timeout", "10s")

	l.v.SetDefault("diagnostics.enabled", true)
	l.v.SetDefault("diagnostics.interval", "30s")
	l.v.SetDefault("diagnostics.history", 120)
	l.v.SetDefault("diagnostics.worker_rss_mb", 2048)
	l.v.SetDefault("diagnostics.host_mem_percent", 90)

	l.v.SetDefault("webhooks.ticket_branch_pattern", `(?:^|/)(?P<ticket>[A-Za-z][A-Za-z0-9]*-\d+)`)
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

package config

import (
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	State       StateConfig       `mapstructure:"state"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Supervisor  SupervisorConfig  `mapstructure:"supervisor"`
	Workflow    WorkflowConfig    `mapstructure:"workflow"`
	Roles       RolesConfig       `mapstructure:"roles"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Server      ServerConfig      `mapstructure:"server"`
	Webhooks    WebhooksConfig    `mapstructure:"webhooks"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string   `mapstructure:"level"`
	Format string   `mapstructure:"format"`
	File   string   `mapstructure:"file"`
	Redact []string `mapstructure:"redact"`
}

// StateConfig selects the storage backend.
type StateConfig struct {
	Backend        string `mapstructure:"backend"`         // sqlite, memory
	Path           string `mapstructure:"path"`            // sqlite database file
	WorkersBackend string `mapstructure:"workers_backend"` // store, redis
	BusyTimeout    string `mapstructure:"busy_timeout"`
}

// RedisConfig configures the shared worker store used by multi-instance deployments.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// SupervisorConfig configures worker process management.
type SupervisorConfig struct {
	Executable       string   `mapstructure:"executable"`
	Args             []string `mapstructure:"args"`
	GracePeriod      string   `mapstructure:"grace_period"`
	SpawnConcurrency int      `mapstructure:"spawn_concurrency"`
	LogSink          string   `mapstructure:"log_sink"` // store, logger, both
	SpawnOnStart     bool     `mapstructure:"spawn_on_start"`
}

// WorkflowConfig configures the run engine and template catalog.
type WorkflowConfig struct {
	TemplatesDir      string `mapstructure:"templates_dir"`
	WatchTemplates    bool   `mapstructure:"watch_templates"`
	DefaultTemplate   string `mapstructure:"default_template"`
	DanglingEdge      string `mapstructure:"dangling_edge"` // fail, stall
	FailOrphanedNodes bool   `mapstructure:"fail_orphaned_nodes"`
}

// RolesConfig configures role matching for untagged workers.
type RolesConfig struct {
	LegacyMatching bool              `mapstructure:"legacy_matching"`
	LegacyPatterns map[string]string `mapstructure:"legacy_patterns"`
}

// CredentialsConfig lists provider credentials handed to workers.
// Passthrough names are copied from the orchestrator environment; Static
// values apply to every project and Projects override them per project.
type CredentialsConfig struct {
	Passthrough []string                     `mapstructure:"passthrough"`
	Static      map[string]string            `mapstructure:"static"`
	Projects    map[string]map[string]string `mapstructure:"projects"`
}

// ServerConfig configures the HTTP ingress.
type ServerConfig struct {
	Host            string   `mapstructure:"host"`
	Port            int      `mapstructure:"port"`
	EnableCORS      bool     `mapstructure:"enable_cors"`
	CORSOrigins     []string `mapstructure:"cors_origins"`
	ShutdownTimeout string   `mapstructure:"shutdown_timeout"`
}

// WebhooksConfig configures inbound source-control webhooks.
type WebhooksConfig struct {
	GitHubSecret        string `mapstructure:"github_secret"`
	GitLabToken         string `mapstructure:"gitlab_token"`
	TicketBranchPattern string `mapstructure:"ticket_branch_pattern"`
}

// DiagnosticsConfig configures the resource monitor run by `squads serve`.
type DiagnosticsConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	Interval       string  `mapstructure:"interval"`
	History        int     `mapstructure:"history"`
	WorkerRSSMB    float64 `mapstructure:"worker_rss_mb"`
	HostMemPercent float64 `mapstructure:"host_mem_percent"`
}

// IntervalDuration returns the sampling interval, falling back to 30s.
func (c DiagnosticsConfig) IntervalDuration() time.Duration {
	return parseDurationOr(c.Interval, 30*time.Second)
}

// GracePeriodDuration returns the SIGTERM grace period, falling back to 10s.
func (c SupervisorConfig) GracePeriodDuration() time.Duration {
	return parseDurationOr(c.GracePeriod, 10*time.Second)
}

// BusyTimeoutDuration returns the SQLite busy timeout, falling back to 5s.
func (c StateConfig) BusyTimeoutDuration() time.Duration {
	return parseDurationOr(c.BusyTimeout, 5*time.Second)
}

// ShutdownTimeoutDuration returns the HTTP shutdown timeout, falling back to 10s.
func (c ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return parseDurationOr(c.ShutdownTimeout, 10*time.Second)
}

// EnvFor returns the credential variables for a project. Viper lowercases
// map keys, so names are upper-cased on the way out.
func (c CredentialsConfig) EnvFor(projectID string, lookup func(string) (string, bool)) []string {
	merged := make(map[string]string)
	for _, name := range c.Passthrough {
		if v, ok := lookup(name); ok && v != "" {
			merged[strings.ToUpper(name)] = v
		}
	}
	for k, v := range c.Static {
		merged[strings.ToUpper(k)] = v
	}
	for k, v := range c.Projects[strings.ToLower(projectID)] {
		merged[strings.ToUpper(k)] = v
	}
	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

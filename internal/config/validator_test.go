package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/squads/internal/core"
)

// validConfig returns a valid configuration for testing.
func validConfig() *Config {
	return &Config{
		Log:        LogConfig{Level: "info", Format: "auto"},
		State:      StateConfig{Backend: "sqlite", Path: ".squads/squads.db", WorkersBackend: "store", BusyTimeout: "5s"},
		Redis:      RedisConfig{Addr: "localhost:6379"},
		Supervisor: SupervisorConfig{Executable: "zeroclaw", GracePeriod: "10s", SpawnConcurrency: 2, LogSink: "store"},
		Workflow:   WorkflowConfig{TemplatesDir: ".squads/templates", DanglingEdge: "fail"},
		Roles:      RolesConfig{LegacyMatching: true, LegacyPatterns: core.DefaultLegacyRolePatterns},
		Server:     ServerConfig{Host: "127.0.0.1", Port: 8080},
		Webhooks:   WebhooksConfig{TicketBranchPattern: `([A-Z]+-\d+)`},
	}
}

func TestValidator_ValidConfig(t *testing.T) {
	require.NoError(t, NewValidator().Validate(validConfig()))
}

func TestValidator_Fields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"log redact", func(c *Config) { c.Log.Redact = []string{"("} }, "log.redact"},
		{"state backend", func(c *Config) { c.State.Backend = "postgres" }, "state.backend"},
		{"state path", func(c *Config) { c.State.Path = "" }, "state.path"},
		{"workers backend", func(c *Config) { c.State.WorkersBackend = "etcd" }, "state.workers_backend"},
		{"redis addr", func(c *Config) { c.State.WorkersBackend = "redis"; c.Redis.Addr = "" }, "redis.addr"},
		{"busy timeout", func(c *Config) { c.State.BusyTimeout = "soon" }, "state.busy_timeout"},
		{"executable", func(c *Config) { c.Supervisor.Executable = " " }, "supervisor.executable"},
		{"grace period", func(c *Config) { c.Supervisor.GracePeriod = "-1s" }, "supervisor.grace_period"},
		{"spawn concurrency", func(c *Config) { c.Supervisor.SpawnConcurrency = 0 }, "supervisor.spawn_concurrency"},
		{"log sink", func(c *Config) { c.Supervisor.LogSink = "kafka" }, "supervisor.log_sink"},
		{"templates dir", func(c *Config) { c.Workflow.TemplatesDir = "" }, "workflow.templates_dir"},
		{"dangling edge", func(c *Config) { c.Workflow.DanglingEdge = "ignore" }, "workflow.dangling_edge"},
		{"legacy patterns", func(c *Config) { c.Roles.LegacyPatterns = map[string]string{"wizard": "x"} }, "roles.legacy_patterns"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"branch pattern syntax", func(c *Config) { c.Webhooks.TicketBranchPattern = "(" }, "webhooks.ticket_branch_pattern"},
		{"branch pattern group", func(c *Config) { c.Webhooks.TicketBranchPattern = "[A-Z]+-\\d+" }, "webhooks.ticket_branch_pattern"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := NewValidator().Validate(cfg)
			require.Error(t, err)

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			fields := make([]string, 0, len(verrs))
			for _, e := range verrs {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestValidator_LegacyPatternsIgnoredWhenDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.Roles.LegacyMatching = false
	cfg.Roles.LegacyPatterns = map[string]string{"wizard": "("}
	assert.NoError(t, NewValidator().Validate(cfg))
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{Field: "a", Value: 1, Message: "bad"},
		{Field: "b", Value: "x", Message: "worse"},
	}
	assert.True(t, errs.HasErrors())
	assert.Equal(t, "config validation: a: bad (got: 1); config validation: b: worse (got: x)", errs.Error())
}

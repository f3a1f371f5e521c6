package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/squads/internal/core"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateState(&cfg.State, &cfg.Redis)
	v.validateSupervisor(&cfg.Supervisor)
	v.validateWorkflow(&cfg.Workflow)
	v.validateRoles(&cfg.Roles)
	v.validateServer(&cfg.Server)
	v.validateWebhooks(&cfg.Webhooks)
	v.validateDiagnostics(&cfg.Diagnostics)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{Field: field, Value: value, Message: msg})
}

func (v *Validator) oneOf(field, value string, allowed ...string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	v.addError(field, value, "must be one of: "+strings.Join(allowed, ", "))
}

func (v *Validator) duration(field, value string) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		v.addError(field, value, "invalid duration")
		return
	}
	if d <= 0 {
		v.addError(field, value, "must be positive")
	}
}

func (v *Validator) validateLog(cfg *LogConfig) {
	v.oneOf("log.level", cfg.Level, "debug", "info", "warn", "error")
	v.oneOf("log.format", cfg.Format, "auto", "text", "json")
	if cfg.File != "" && !isValidPath(cfg.File) {
		v.addError("log.file", cfg.File, "invalid file path")
	}
	for _, p := range cfg.Redact {
		if _, err := regexp.Compile(p); err != nil {
			v.addError("log.redact", p, "invalid regular expression")
		}
	}
}

func (v *Validator) validateState(cfg *StateConfig, redis *RedisConfig) {
	v.oneOf("state.backend", cfg.Backend, "sqlite", "memory")
	if cfg.Backend == "sqlite" {
		if cfg.Path == "" {
			v.addError("state.path", cfg.Path, "required for sqlite backend")
		} else if !isValidPath(cfg.Path) {
			v.addError("state.path", cfg.Path, "invalid file path")
		}
	}
	v.oneOf("state.workers_backend", cfg.WorkersBackend, "store", "redis")
	if cfg.WorkersBackend == "redis" && redis.Addr == "" {
		v.addError("redis.addr", redis.Addr, "required when state.workers_backend is redis")
	}
	if redis.DB < 0 {
		v.addError("redis.db", redis.DB, "must be non-negative")
	}
	v.duration("state.busy_timeout", cfg.BusyTimeout)
}

func (v *Validator) validateSupervisor(cfg *SupervisorConfig) {
	if strings.TrimSpace(cfg.Executable) == "" {
		v.addError("supervisor.executable", cfg.Executable, "executable required")
	}
	v.duration("supervisor.grace_period", cfg.GracePeriod)
	if cfg.SpawnConcurrency < 1 {
		v.addError("supervisor.spawn_concurrency", cfg.SpawnConcurrency, "must be at least 1")
	}
	v.oneOf("supervisor.log_sink", cfg.LogSink, "store", "logger", "both")
}

func (v *Validator) validateWorkflow(cfg *WorkflowConfig) {
	if cfg.TemplatesDir == "" {
		v.addError("workflow.templates_dir", cfg.TemplatesDir, "directory required")
	} else if !isValidPath(cfg.TemplatesDir) {
		v.addError("workflow.templates_dir", cfg.TemplatesDir, "invalid directory path")
	}
	v.oneOf("workflow.dangling_edge", cfg.DanglingEdge, "fail", "stall")
}

func (v *Validator) validateRoles(cfg *RolesConfig) {
	if !cfg.LegacyMatching {
		return
	}
	if _, err := core.NewLegacyRoleMatcher(cfg.LegacyPatterns); err != nil {
		v.addError("roles.legacy_patterns", cfg.LegacyPatterns, err.Error())
	}
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if cfg.Port < 1 || cfg.Port > 65535 {
		v.addError("server.port", cfg.Port, "must be between 1 and 65535")
	}
	v.duration("server.shutdown_timeout", cfg.ShutdownTimeout)
}

func (v *Validator) validateWebhooks(cfg *WebhooksConfig) {
	if cfg.TicketBranchPattern == "" {
		return
	}
	re, err := regexp.Compile(cfg.TicketBranchPattern)
	if err != nil {
		v.addError("webhooks.ticket_branch_pattern", cfg.TicketBranchPattern, "invalid regular expression")
		return
	}
	if re.NumSubexp() < 1 {
		v.addError("webhooks.ticket_branch_pattern", cfg.TicketBranchPattern, "must capture the ticket id")
	}
}

func (v *Validator) validateDiagnostics(cfg *DiagnosticsConfig) {
	if !cfg.Enabled {
		return
	}
	v.duration("diagnostics.interval", cfg.Interval)
	if cfg.History < 0 {
		v.addError("diagnostics.history", cfg.History, "must be non-negative")
	}
	if cfg.WorkerRSSMB < 0 {
		v.addError("diagnostics.worker_rss_mb", cfg.WorkerRSSMB, "must be non-negative")
	}
	if cfg.HostMemPercent < 0 || cfg.HostMemPercent > 100 {
		v.addError("diagnostics.host_mem_percent", cfg.HostMemPercent, "must be between 0 and 100")
	}
}

func isValidPath(p string) bool {
	if strings.ContainsRune(p, 0) {
		return false
	}
	return filepath.Clean(p) != ""
}

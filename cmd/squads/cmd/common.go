package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"

	"github.com/hugo-lorenzo-mato/squads/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/squads/internal/config"
	"github.com/hugo-lorenzo-mato/squads/internal/core"
	"github.com/hugo-lorenzo-mato/squads/internal/logging"
)

// newLogger builds the process logger. With log.file set, output is
// appended to that file; the returned func closes it.
func newLogger(cfg *config.Config) (*logging.Logger, func(), error) {
	var out io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}
	return logging.New(logging.Config{
		Level:           cfg.Log.Level,
		Format:          cfg.Log.Format,
		Output:          out,
		ExtraRedactions: cfg.Log.Redact,
	}), closeFn, nil
}

func openStore(ctx context.Context, cfg *config.Config) (core.Store, error) {
	if cfg.State.Backend != "memory" && cfg.State.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.State.Path), 0o750); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}
	return state.Open(ctx, cfg.State, cfg.Redis)
}

// withStore loads configuration, opens the store and runs fn against it.
func withStore(ctx context.Context, fn func(cfg *config.Config, store core.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}

func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var (
	colorSuccess = lipgloss.Color("#10B981")
	colorWarning = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#EF4444")
	colorInfo    = lipgloss.Color("#3B82F6")
	colorMuted   = lipgloss.Color("#9CA3AF")
	colorPrimary = lipgloss.Color("#7C3AED")
)

func paint(color lipgloss.Color, s string) string {
	if noColor {
		return s
	}
	return lipgloss.NewStyle().Foreground(color).Render(s)
}

func heading(s string) string {
	if noColor {
		return s
	}
	return lipgloss.NewStyle().Bold(true).Foreground(colorPrimary).Render(s)
}

func statusColor(status string) lipgloss.Color {
	switch status {
	case "idle", "completed":
		return colorSuccess
	case "busy", "running":
		return colorInfo
	case "paused", "waiting_approval":
		return colorWarning
	case "error", "failed":
		return colorError
	}
	return colorMuted
}

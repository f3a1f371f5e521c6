// Package templates keeps workflow templates on disk as YAML files and in
// sync with the template store.
package templates

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/squads/internal/config"
	"github.com/hugo-lorenzo-mato/squads/internal/core"
	"github.com/hugo-lorenzo-mato/squads/internal/fsutil"
	"github.com/hugo-lorenzo-mato/squads/internal/logging"
)

// Parse decodes and validates one YAML template. Unknown fields are errors.
func Parse(data []byte) (*core.WorkflowTemplate, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var t core.WorkflowTemplate
	if err := dec.Decode(&t); err != nil {
		return nil, core.ErrValidation("INVALID_TEMPLATE", "decoding template").WithCause(err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// maxTemplateSize bounds a single template file.
const maxTemplateSize = 1 << 20

// LoadFile parses the template at path.
func LoadFile(path string) (*core.WorkflowTemplate, error) {
	data, err := fsutil.ReadFileScoped(path, maxTemplateSize)
	if err != nil {
		return nil, fmt.Errorf("reading template %s: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Marshal renders t as YAML.
func Marshal(t *core.WorkflowTemplate) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(t); err != nil {
		return nil, fmt.Errorf("encoding template %s: %w", t.ID, err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isTemplateFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(filepath.Base(name), ".")
}

// Catalog mirrors a directory of template files into a store.
type Catalog struct {
	dir    string
	store  core.TemplateStore
	logger *logging.Logger
}

// NewCatalog creates a catalog over dir.
func NewCatalog(dir string, store core.TemplateStore, logger *logging.Logger) *Catalog {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Catalog{dir: dir, store: store, logger: logger.WithComponent("templates")}
}

// Dir returns the catalog directory.
func (c *Catalog) Dir() string { return c.dir }

// LoadAll stores every valid template in the directory. Invalid files are
// skipped and reported together; a missing directory loads nothing.
func (c *Catalog) LoadAll(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading template directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isTemplateFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var errs []error
	loaded := 0
	for _, name := range names {
		if err := c.load(ctx, filepath.Join(c.dir, name)); err != nil {
			errs = append(errs, err)
			continue
		}
		loaded++
	}
	return loaded, errors.Join(errs...)
}

func (c *Catalog) load(ctx context.Context, path string) error {
	t, err := LoadFile(path)
	if err != nil {
		c.logger.Warn("skipping invalid template", "path", path, "error", err)
		return err
	}
	if err := c.store.SaveTemplate(ctx, t); err != nil {
		return fmt.Errorf("storing template %s: %w", t.ID, err)
	}
	c.logger.Debug("template loaded", "template_id", t.ID, "path", path)
	return nil
}

// Save validates t, writes it to <dir>/<id>.yaml and stores it.
func (c *Catalog) Save(ctx context.Context, t *core.WorkflowTemplate) error {
	if err := t.Validate(); err != nil {
		return err
	}
	data, err := Marshal(t)
	if err != nil {
		return err
	}
	if err := config.AtomicWrite(c.path(t.ID), data, 0o600); err != nil {
		return fmt.Errorf("writing template %s: %w", t.ID, err)
	}
	return c.store.SaveTemplate(ctx, t)
}

// Import copies the template file at path into the catalog.
func (c *Catalog) Import(ctx context.Context, path string) (*core.WorkflowTemplate, error) {
	t, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := c.Save(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (c *Catalog) path(id string) string {
	return filepath.Join(c.dir, id+".yaml")
}

// Watch reloads template files as they change until ctx ends. Removing a
// file does not remove its template; runs may still reference it.
func (c *Catalog) Watch(ctx context.Context) error {
	if err := os.MkdirAll(c.dir, 0o750); err != nil {
		return fmt.Errorf("creating template directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("watching %s: %w", c.dir, err)
	}
	c.logger.Info("watching templates", "dir", c.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isTemplateFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				_ = c.load(ctx, event.Name)
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				c.logger.Info("template file removed, stored template kept", "path", event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("template watcher error", "error", err)
		}
	}
}

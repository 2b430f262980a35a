package cadence

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// fileFormat models a cadence file:
//
//	cadences:
//	  standard:
//	    title: Standard Follow-Up
//	    steps:
//	      - {day: 0, type: email, variant: 1}
//	      - {day: 3, type: call, variant: 1}
type fileFormat struct {
	Cadences map[string]Cadence `yaml:"cadences"`
}

// Parse decodes cadence templates from YAML. Unknown fields are rejected.
// The returned templates are not yet validated.
func Parse(data []byte) ([]Cadence, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f fileFormat
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decoding cadence file: %w", err)
	}

	out := make([]Cadence, 0, len(f.Cadences))
	for name, cd := range f.Cadences {
		cd.Name = name
		out = append(out, cd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// LoadFile builds a Catalog from the built-in templates overlaid with the
// templates in the YAML file at path.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cadence file: %w", err)
	}
	fromFile, err := Parse(data)
	if err != nil {
		return nil, err
	}
	c, err := New(append(Builtin(), fromFile...)...)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return c, nil
}

// Registry holds the live catalog and swaps it atomically on reload.
type Registry struct {
	current atomic.Pointer[Catalog]
	path    string
	logger  *slog.Logger
}

// NewRegistry wraps a fixed catalog. Reload and Watch are no-ops without a file.
func NewRegistry(c *Catalog) *Registry {
	r := &Registry{logger: slog.Default()}
	r.current.Store(c)
	return r
}

// OpenRegistry loads the catalog from path. An empty path yields the built-ins.
func OpenRegistry(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry(Default()), nil
	}
	c, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	r := NewRegistry(c)
	r.path = filepath.Clean(path)
	return r, nil
}

// Catalog returns the current catalog snapshot.
func (r *Registry) Catalog() *Catalog {
	return r.current.Load()
}

// Get looks up a template in the current catalog.
func (r *Registry) Get(name string) (Cadence, error) {
	return r.current.Load().Get(name)
}

// Reload re-reads the cadence file. On failure the previous catalog stays live.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	c, err := LoadFile(r.path)
	if err != nil {
		return err
	}
	r.current.Store(c)
	r.logger.Info("cadence catalog reloaded", "path", r.path, "cadences", len(c.Names()))
	return nil
}

// Watch reloads the catalog whenever the cadence file changes. It blocks
// until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		<-ctx.Done()
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating cadence watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors often replace the file instead of writing it.
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(r.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != r.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Warn("cadence reload failed, keeping previous catalog", "path", r.path, "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("cadence watcher error", "error", err)
		}
	}
}

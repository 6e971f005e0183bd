// Package registry discovers plugin folders on disk, validates each one's
// config and WASM module, and serves name-based lookup and invocation
// against the shared engine.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/databook-run/pluginhost/engine"
	"github.com/databook-run/pluginhost/pluginconfig"
	"github.com/databook-run/pluginhost/pluginerrors"
)

const (
	configFileName = "config.toml"
	wasmFileName   = "plugin.wasm"
)

// Plugin is a registry entry: a parsed config paired with its compiled
// module. Immutable after construction.
type Plugin struct {
	Config *pluginconfig.PluginConfig
	Module *engine.CompiledModule
}

// Registry discovers, validates, and serves plugins rooted at a single
// filesystem directory. The name-to-plugin map is read-only after Load;
// concurrent readers need no synchronization beyond the RWMutex's
// read-lock.
type Registry struct {
	root   string
	engine *engine.Engine
	logger *slog.Logger

	mu      sync.RWMutex
	plugins map[string]*Plugin
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithLogger overrides the structured logger used for per-plugin skip
// reasons during Load.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates a Registry rooted at root, backed by eng for compilation.
// The registry starts Empty; call Load to populate it.
func New(root string, eng *engine.Engine, opts ...Option) *Registry {
	r := &Registry{
		root:    root,
		engine:  eng,
		logger:  slog.Default(),
		plugins: make(map[string]*Plugin),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load enumerates immediate subdirectories of the registry's root and
// attempts to register each as a plugin. A subdirectory missing either
// config.toml or plugin.wasm is skipped silently (logged at info); a
// subdirectory whose config fails to parse or whose module fails to
// compile is skipped with a warning. Only a failure to read the root
// itself is fatal, surfaced as InvalidFolder. Calling Load again is safe
// and, given identical filesystem state, idempotent.
func (r *Registry) Load(ctx context.Context) error {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return &pluginerrors.InvalidFolder{Path: r.root, Err: err}
	}

	loaded := make(map[string]*Plugin, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, entry.Name())

		plugin, name, ok := r.loadOne(ctx, dir)
		if !ok {
			continue
		}
		loaded[name] = plugin
	}

	r.mu.Lock()
	for name, plugin := range loaded {
		r.plugins[name] = plugin
	}
	r.mu.Unlock()

	return nil
}

// loadOne attempts to load a single plugin directory. ok is false if the
// directory was skipped for any reason (already logged).
func (r *Registry) loadOne(ctx context.Context, dir string) (plugin *Plugin, name string, ok bool) {
	configPath := filepath.Join(dir, configFileName)
	wasmPath := filepath.Join(dir, wasmFileName)

	if _, err := os.Stat(configPath); err != nil {
		r.logger.InfoContext(ctx, "registry: skipping plugin folder missing config.toml", "dir", dir)
		return nil, "", false
	}
	if _, err := os.Stat(wasmPath); err != nil {
		r.logger.InfoContext(ctx, "registry: skipping plugin folder missing plugin.wasm", "dir", dir)
		return nil, "", false
	}

	cfg, err := pluginconfig.ParseFile(configPath)
	if err != nil {
		r.logger.WarnContext(ctx, "registry: skipping plugin with invalid config",
			"error", &pluginerrors.ConfigParseError{Dir: dir, Err: err})
		return nil, "", false
	}

	wasmBytes, err := os.ReadFile(wasmPath)
	if err != nil {
		r.logger.WarnContext(ctx, "registry: skipping plugin, failed to read module",
			"error", &pluginerrors.ModuleCompileError{Dir: dir, Err: err})
		return nil, "", false
	}

	compiled, err := r.engine.Compile(ctx, wasmBytes)
	if err != nil {
		r.logger.WarnContext(ctx, "registry: skipping plugin with invalid module",
			"error", &pluginerrors.ModuleCompileError{Dir: dir, Err: err})
		return nil, "", false
	}

	return &Plugin{Config: cfg, Module: compiled}, cfg.Name, true
}

// Lookup returns the plugin registered under name, or PluginDoesNotExistError.
func (r *Registry) Lookup(name string) (*Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plugin, ok := r.plugins[name]
	if !ok {
		return nil, pluginerrors.NewPluginDoesNotExist(name)
	}
	return plugin, nil
}

// Names returns every currently registered plugin name. Order is
// unspecified.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	return names
}

// Invoke is a thin facade: lookup the plugin, delegate to the engine, and
// map any engine failure to GenericError (the engine already returns
// GenericError directly, so this mostly exists to centralize the lookup
// step).
func (r *Registry) Invoke(ctx context.Context, name string, input map[string]string) (string, error) {
	plugin, err := r.Lookup(name)
	if err != nil {
		return "", err
	}

	// The engine already returns *pluginerrors.GenericError for every
	// instantiation/trap failure, so there is nothing left to map here.
	return r.engine.Invoke(ctx, plugin.Module, plugin.Config, input)
}

// ConfigSchema returns a JSON Schema reflected from pluginconfig.PluginConfig.
// PluginConfig carries no json tags, so the schema's property names are the
// Go field names (Name, AllowedEnvVars, AllowedDomains), not the snake_case
// keys used in config.toml.
func (r *Registry) ConfigSchema() (string, error) {
	schema := jsonschema.Reflect(&pluginconfig.PluginConfig{})
	data, err := json.Marshal(schema)
	if err != nil {
		return "", fmt.Errorf("marshal config schema: %w", err)
	}
	return string(data), nil
}

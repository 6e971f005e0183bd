// Package engine compiles and runs plugin WASM modules against the host ABI.
// Compilation happens once per module; every invocation gets its own wazero
// module instance so two invocations of the same plugin never share linear
// memory or host state.
package engine

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/databook-run/pluginhost/abi"
	"github.com/databook-run/pluginhost/pluginconfig"
	"github.com/databook-run/pluginhost/pluginerrors"
)

// defaultHostModuleName matches the module name a guest's import section
// must reference to reach these host functions.
const defaultHostModuleName = "reglet_host"

// Engine holds a long-lived wazero runtime and the host module linked to
// every compiled plugin. One Engine is shared across all plugins and all
// invocations for the lifetime of the process.
type Engine struct {
	runtime        wazero.Runtime
	hostModuleName string
	httpClient     *http.Client
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithHostModuleName overrides the import module name guests must use
// (default "reglet_host").
func WithHostModuleName(name string) Option {
	return func(e *Engine) {
		e.hostModuleName = name
	}
}

// WithHTTPClient overrides the *http.Client used for every invocation's
// http host calls. Useful for imposing a wall-clock deadline on outbound
// HTTP calls made during invocation.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = client
	}
}

// New builds an Engine: a wazero runtime with WASI instantiated and the
// host ABI linked as an importable host module.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	e := &Engine{hostModuleName: defaultHostModuleName}
	for _, opt := range opts {
		opt(e)
	}

	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, pluginerrors.NewGenericError("instantiate WASI", err)
	}
	e.runtime = rt

	if err := e.registerHostFunctions(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, pluginerrors.NewGenericError("register host functions", err)
	}

	return e, nil
}

// Close releases the underlying wazero runtime and everything compiled
// against it.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// CompiledModule is a validated, engine-ready WASM image. It is safe for
// concurrent use: every invocation instantiates its own module from it.
type CompiledModule struct {
	compiled wazero.CompiledModule
}

// Compile parses and validates a WASM binary. Compilation failures are
// always a GenericError; the registry treats them as a per-plugin skip.
func (e *Engine) Compile(ctx context.Context, wasmBytes []byte) (*CompiledModule, error) {
	compiled, err := e.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, pluginerrors.NewGenericError("compile module", err)
	}
	return &CompiledModule{compiled: compiled}, nil
}

// Close releases the compiled module. Call after the owning Plugin is
// dropped; never while an invocation may still be running against it.
func (m *CompiledModule) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// Invoke instantiates a fresh module from compiled, links it against a
// HostABI scoped to cfg and input, calls the guest's invoke export, and
// returns its result string. The module instance is closed before Invoke
// returns; nothing about this call's state outlives it.
func (e *Engine) Invoke(ctx context.Context, compiled *CompiledModule, cfg *pluginconfig.PluginConfig, input map[string]string) (result string, err error) {
	inv := abi.NewInvocationContext(cfg, input)
	hostABI := abi.NewHostABI(inv, e.abiOptions()...)
	ctx = withHostABI(ctx, hostABI)

	// wazero requires distinct module names for concurrently-instantiated
	// instances of the same compiled module; anonymous names are assigned
	// one per instantiation, which is exactly the per-invocation isolation
	// this needs.
	modConfig := wazero.NewModuleConfig().WithName("")

	instance, err := e.runtime.InstantiateModule(ctx, compiled.compiled, modConfig)
	if err != nil {
		return "", pluginerrors.NewGenericError("instantiate module", err)
	}
	defer func() { _ = instance.Close(ctx) }()

	defer func() {
		if r := recover(); r != nil {
			err = pluginerrors.NewGenericError("panic during invocation", fmt.Errorf("%v", r))
		}
	}()

	if initFn := instance.ExportedFunction("_initialize"); initFn != nil {
		if _, err := initFn.Call(ctx); err != nil {
			return "", pluginerrors.NewGenericError("call _initialize", err)
		}
	}

	invokeFn := instance.ExportedFunction("invoke")
	if invokeFn == nil {
		return "", pluginerrors.NewGenericError("invoke guest", fmt.Errorf("guest does not export %q", "invoke"))
	}

	results, err := invokeFn.Call(ctx)
	if err != nil {
		return "", pluginerrors.NewGenericError("call invoke", err)
	}
	if len(results) == 0 {
		return "", pluginerrors.NewGenericError("call invoke", fmt.Errorf("invoke returned no results"))
	}

	ptr, length := unpackPtrLen(results[0])
	if ptr == 0 && length == 0 {
		return "", nil
	}
	data, ok := instance.Memory().Read(ptr, length)
	if !ok {
		return "", pluginerrors.NewGenericError("read invoke result", fmt.Errorf("failed to read result from guest memory"))
	}
	return string(data), nil
}

func (e *Engine) abiOptions() []abi.Option {
	if e.httpClient == nil {
		return nil
	}
	return []abi.Option{abi.WithHTTPClient(e.httpClient)}
}

package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/tetratelabs/wazero/api"

	"github.com/databook-run/pluginhost/abi"
)

// hostABIKey is the context.Context key an invocation's *abi.HostABI is
// stored under. Host function closures are registered once at Engine
// construction; they recover the right invocation's HostABI from the
// call-scoped context wazero threads through, not from any package state.
type hostABIKey struct{}

func withHostABI(ctx context.Context, h *abi.HostABI) context.Context {
	return context.WithValue(ctx, hostABIKey{}, h)
}

func hostABIFromContext(ctx context.Context) *abi.HostABI {
	h, _ := ctx.Value(hostABIKey{}).(*abi.HostABI)
	return h
}

// resultEnvelope is the wire shape returned for host calls that can fail
// with an abi.HostError: {"ok":true,"value":...} or {"ok":false,"error":{...}}.
type resultEnvelope struct {
	Ok    bool            `json:"ok"`
	Value json.RawMessage `json:"value,omitempty"`
	Error *abi.HostError  `json:"error,omitempty"`
}

func okEnvelope(value any) []byte {
	raw, err := json.Marshal(value)
	if err != nil {
		return errEnvelope(abi.NewHostError(abi.CodeGeneric, err.Error()))
	}
	data, _ := json.Marshal(resultEnvelope{Ok: true, Value: raw})
	return data
}

func errEnvelope(herr *abi.HostError) []byte {
	data, _ := json.Marshal(resultEnvelope{Ok: false, Error: herr})
	return data
}

// getResponse is the wire shape for get: option<string>.
type getResponse struct {
	Value string `json:"value"`
	Found bool   `json:"found"`
}

type logRequest struct {
	Level   abi.LogLevel `json:"level"`
	Message string       `json:"message"`
}

// registerHostFunctions builds the reglet_host module exposing http, env,
// get, and log to every plugin compiled against this Engine. Registration
// happens exactly once per Engine; per-invocation state is recovered from
// context, never from a closure variable.
func (e *Engine) registerHostFunctions(ctx context.Context) error {
	builder := e.runtime.NewHostModuleBuilder(e.hostModuleName)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, packed uint64) uint64 {
			return e.handleHTTP(ctx, m, packed)
		}).
		Export("http")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, packed uint64) uint64 {
			return e.handleEnv(ctx, m, packed)
		}).
		Export("env")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, packed uint64) uint64 {
			return e.handleGet(ctx, m, packed)
		}).
		Export("get")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, packed uint64) {
			e.handleLog(ctx, m, packed)
		}).
		Export("log")

	_, err := builder.Instantiate(ctx)
	return err
}

func (e *Engine) handleHTTP(ctx context.Context, m api.Module, packed uint64) uint64 {
	hostABI := hostABIFromContext(ctx)
	payload, ok := readPacked(m, packed)
	if !ok {
		return writePacked(ctx, m, errEnvelope(abi.NewHostError(abi.CodeGeneric, "failed to read request from guest memory")))
	}

	var req abi.HttpRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return writePacked(ctx, m, errEnvelope(abi.NewHostError(abi.CodeGeneric, "malformed http request: "+err.Error())))
	}

	resp, herr := hostABI.HTTP(req)
	if herr != nil {
		return writePacked(ctx, m, errEnvelope(herr))
	}
	return writePacked(ctx, m, okEnvelope(resp))
}

func (e *Engine) handleEnv(ctx context.Context, m api.Module, packed uint64) uint64 {
	hostABI := hostABIFromContext(ctx)
	payload, ok := readPacked(m, packed)
	if !ok {
		return writePacked(ctx, m, errEnvelope(abi.NewHostError(abi.CodeGeneric, "failed to read request from guest memory")))
	}

	var key string
	if err := json.Unmarshal(payload, &key); err != nil {
		return writePacked(ctx, m, errEnvelope(abi.NewHostError(abi.CodeGeneric, "malformed env request: "+err.Error())))
	}

	value, herr := hostABI.Env(key)
	if herr != nil {
		return writePacked(ctx, m, errEnvelope(herr))
	}
	return writePacked(ctx, m, okEnvelope(value))
}

func (e *Engine) handleGet(ctx context.Context, m api.Module, packed uint64) uint64 {
	hostABI := hostABIFromContext(ctx)
	payload, ok := readPacked(m, packed)
	if !ok {
		return writePacked(ctx, m, mustJSON(getResponse{}))
	}

	var key string
	if err := json.Unmarshal(payload, &key); err != nil {
		return writePacked(ctx, m, mustJSON(getResponse{}))
	}

	value, found := hostABI.Get(key)
	return writePacked(ctx, m, mustJSON(getResponse{Value: value, Found: found}))
}

func (e *Engine) handleLog(ctx context.Context, m api.Module, packed uint64) {
	hostABI := hostABIFromContext(ctx)
	payload, ok := readPacked(m, packed)
	if !ok {
		return
	}

	var req logRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		slog.WarnContext(ctx, "engine: malformed log payload from guest", "error", err)
		return
	}
	hostABI.Log(req.Level, req.Message)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return data
}

// readPacked reads a packed ptr+len region from guest memory.
func readPacked(m api.Module, packed uint64) ([]byte, bool) {
	ptr, length := unpackPtrLen(packed)
	return m.Memory().Read(ptr, length)
}

// writePacked allocates length(data) bytes in the guest via its "allocate"
// export, writes data, and returns the packed ptr+len the guest reads back.
// Returns 0 on any failure to allocate or write.
func writePacked(ctx context.Context, m api.Module, data []byte) uint64 {
	allocateFn := m.ExportedFunction("allocate")
	if allocateFn == nil {
		slog.ErrorContext(ctx, "engine: guest module missing 'allocate' export")
		return 0
	}

	results, err := allocateFn.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		slog.ErrorContext(ctx, "engine: failed to call guest allocate", "error", err)
		return 0
	}
	ptr := uint32(results[0]) //nolint:gosec // G115: wasm32 pointers are always 32-bit

	if !m.Memory().Write(ptr, data) {
		slog.ErrorContext(ctx, "engine: failed to write response to guest memory")
		return 0
	}
	return packPtrLen(ptr, uint32(len(data))) //nolint:gosec // G115: data length bounded by guest-controlled allocation
}

// packPtrLen packs a pointer and length into a single i64: upper 32 bits
// are the pointer, lower 32 bits are the length.
func packPtrLen(ptr, length uint32) uint64 {
	return (uint64(ptr) << 32) | uint64(length)
}

// unpackPtrLen unpacks a pointer and length from a packed i64.
func unpackPtrLen(packed uint64) (ptr, length uint32) {
	ptr = uint32(packed >> 32)      //nolint:gosec // G115: packed format stores 32-bit values
	length = uint32(packed & 0xFFFFFFFF) //nolint:gosec // G115: packed format stores 32-bit values
	return ptr, length
}

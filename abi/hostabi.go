package abi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/databook-run/pluginhost/pluginconfig"
)

// InvocationContext is the per-call, single-owner state passed to a HostABI
// for the duration of one invoke: the plugin's policy and the caller's input
// map. It is created fresh for every invocation and discarded on return;
// nothing here outlives a single call.
type InvocationContext struct {
	Config *pluginconfig.PluginConfig
	Input  map[string]string
}

// NewInvocationContext builds an InvocationContext. input may be nil, which
// behaves like an empty map.
func NewInvocationContext(cfg *pluginconfig.PluginConfig, input map[string]string) *InvocationContext {
	if input == nil {
		input = map[string]string{}
	}
	return &InvocationContext{Config: cfg, Input: input}
}

// HostABI is the capability surface a guest imports. One instance exists per
// invocation, scoped to that invocation's InvocationContext; it must never be
// shared across two invocations of the same (or different) plugin.
type HostABI struct {
	inv        *InvocationContext
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a HostABI.
type Option func(*HostABI)

// WithHTTPClient overrides the http.Client used by HTTP. Use this to impose
// a wall-clock deadline on outbound requests; the invocation as a whole has
// no deadline of its own.
func WithHTTPClient(client *http.Client) Option {
	return func(h *HostABI) {
		h.httpClient = client
	}
}

// WithLogger overrides the structured logger Log forwards to.
func WithLogger(logger *slog.Logger) Option {
	return func(h *HostABI) {
		h.logger = logger
	}
}

// NewHostABI creates a HostABI scoped to inv.
func NewHostABI(inv *InvocationContext, opts ...Option) *HostABI {
	h := &HostABI{
		inv:        inv,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// BuildURL constructs the effective request URL: params is appended verbatim
// after a literal "?", with no re-encoding. Exported standalone because it is
// a testable property in its own right (byte-exact construction).
func BuildURL(uri, params string) string {
	return uri + "?" + params
}

var allowedHTTPMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"DELETE": true,
}

// HTTP resolves req.URL's host, checks it against the plugin's
// allowed_domains, and if permitted issues a blocking HTTP request. Policy is
// consulted on every call; nothing is cached from a prior invocation.
func (h *HostABI) HTTP(req HttpRequest) (*HttpResponse, *HostError) {
	if !h.inv.Config.AllowsDomain(req.URL) {
		return nil, NewHostError(CodeGeneric, fmt.Sprintf(
			"URL %q is not allowed, please add it to the allowed_domains", req.URL))
	}

	method := strings.ToUpper(req.Method)
	if !allowedHTTPMethods[method] {
		return nil, NewHostError(CodeGeneric, "Invalid HTTP METHOD")
	}

	effectiveURL := BuildURL(req.URL, req.Params)

	httpReq, err := http.NewRequest(method, effectiveURL, bytes.NewReader([]byte(req.Body)))
	if err != nil {
		return nil, NewHostError(CodeHTTPRequestFailed, err.Error())
	}
	for _, hdr := range req.Headers {
		httpReq.Header.Add(hdr.Key, hdr.Value)
	}

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewHostError(CodeHTTPRequestFailed, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewHostError(CodeHTTPRequestFailed, err.Error())
	}
	if !utf8.Valid(body) {
		return nil, NewHostError(CodeGeneric, "could not parse http response as text")
	}

	var headers []HttpHeader
	for key, values := range resp.Header {
		for _, v := range values {
			headers = append(headers, HttpHeader{Key: key, Value: v})
		}
	}

	//nolint:gosec // G115: HTTP status codes fit in u16 by construction.
	return &HttpResponse{
		Status:   uint16(resp.StatusCode),
		Response: string(body),
		Headers:  headers,
	}, nil
}

// Env returns the process environment variable key, gated by the plugin's
// allowed_env_vars. Absence of the allow-list, or key not being a member of
// it, denies the read regardless of whether the variable is actually set.
func (h *HostABI) Env(key string) (string, *HostError) {
	if !h.inv.Config.AllowsEnvVar(key) {
		return "", NewHostError(CodeGeneric, fmt.Sprintf(
			"key %q is not readable for plugin %q", key, h.inv.Config.Name))
	}

	value, ok := os.LookupEnv(key)
	if !ok {
		return "", NewHostError(CodeGeneric, fmt.Sprintf("environment variable %q is not set", key))
	}
	return value, nil
}

// Get returns the value for key from the invocation's input map. It never
// fails; a missing key simply reports ok=false.
func (h *HostABI) Get(key string) (value string, ok bool) {
	value, ok = h.inv.Input[key]
	return value, ok
}

// Log emits a structured log event at level. It never fails and has no
// return value; message is forwarded verbatim.
func (h *HostABI) Log(level LogLevel, message string) {
	h.logger.LogAttrs(context.Background(), slogLevel(level), message,
		slog.String("plugin", h.inv.Config.Name))
}

func slogLevel(level LogLevel) slog.Level {
	switch level {
	case LogLevelTrace, LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package abi

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databook-run/pluginhost/pluginconfig"
)

func newInv(cfg *pluginconfig.PluginConfig, input map[string]string) *InvocationContext {
	if cfg == nil {
		cfg = &pluginconfig.PluginConfig{Name: "test-plugin"}
	}
	return NewInvocationContext(cfg, input)
}

func TestBuildURL(t *testing.T) {
	assert.Equal(t, "https://example.com/path?a=1&b=2", BuildURL("https://example.com/path", "a=1&b=2"))
	assert.Equal(t, "https://example.com/path?", BuildURL("https://example.com/path", ""))
}

func TestHTTP_DomainNotAllowed(t *testing.T) {
	cfg := &pluginconfig.PluginConfig{Name: "p", AllowedDomains: []string{"allowed.example"}}
	h := NewHostABI(newInv(cfg, nil))

	resp, herr := h.HTTP(HttpRequest{Method: "GET", URL: "https://evil.example/"})
	assert.Nil(t, resp)
	require.NotNil(t, herr)
	assert.Equal(t, CodeGeneric, herr.Code)
}

func TestHTTP_InvalidMethod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	cfg := &pluginconfig.PluginConfig{Name: "p", AllowedDomains: []string{hostOf(srv.URL)}}
	h := NewHostABI(newInv(cfg, nil))

	resp, herr := h.HTTP(HttpRequest{Method: "PATCH", URL: srv.URL})
	assert.Nil(t, resp)
	require.NotNil(t, herr)
	assert.Equal(t, CodeGeneric, herr.Code)
	assert.Equal(t, "Invalid HTTP METHOD", herr.Message)
}

func TestHTTP_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/widgets", r.URL.Path)
		assert.Equal(t, "id=7", r.URL.RawQuery)
		assert.Equal(t, "v1", r.Header.Get("X-Api-Version"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	cfg := &pluginconfig.PluginConfig{Name: "p", AllowedDomains: []string{hostOf(srv.URL)}}
	h := NewHostABI(newInv(cfg, nil))

	resp, herr := h.HTTP(HttpRequest{
		Method:  "get",
		URL:     srv.URL + "/widgets",
		Params:  "id=7",
		Headers: []HttpHeader{{Key: "X-Api-Version", Value: "v1"}},
	})
	require.Nil(t, herr)
	require.NotNil(t, resp)
	assert.EqualValues(t, http.StatusOK, resp.Status)
	assert.Equal(t, `{"ok":true}`, resp.Response)

	found := false
	for _, hdr := range resp.Headers {
		if hdr.Key == "Content-Type" && hdr.Value == "application/json" {
			found = true
		}
	}
	assert.True(t, found, "expected response headers to round-trip")
}

func TestHTTP_TransportFailure(t *testing.T) {
	cfg := &pluginconfig.PluginConfig{Name: "p", AllowedDomains: []string{"127.0.0.1"}}
	h := NewHostABI(newInv(cfg, nil))

	resp, herr := h.HTTP(HttpRequest{Method: "GET", URL: "http://127.0.0.1:1"})
	assert.Nil(t, resp)
	require.NotNil(t, herr)
	assert.Equal(t, CodeHTTPRequestFailed, herr.Code)
}

func TestHTTP_NonUTF8Body(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{0xff, 0xfe, 0xfd})
	}))
	defer srv.Close()

	cfg := &pluginconfig.PluginConfig{Name: "p", AllowedDomains: []string{hostOf(srv.URL)}}
	h := NewHostABI(newInv(cfg, nil))

	resp, herr := h.HTTP(HttpRequest{Method: "GET", URL: srv.URL})
	assert.Nil(t, resp)
	require.NotNil(t, herr)
	assert.Equal(t, CodeGeneric, herr.Code)
}

func TestHTTP_RequestBodySent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "payload", string(body))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	cfg := &pluginconfig.PluginConfig{Name: "p", AllowedDomains: []string{hostOf(srv.URL)}}
	h := NewHostABI(newInv(cfg, nil))

	resp, herr := h.HTTP(HttpRequest{Method: "POST", URL: srv.URL, Body: "payload"})
	require.Nil(t, herr)
	assert.EqualValues(t, http.StatusCreated, resp.Status)
}

func TestEnv_Allowed(t *testing.T) {
	t.Setenv("PLUGIN_TEST_VAR", "hello")
	cfg := &pluginconfig.PluginConfig{Name: "p", AllowedEnvVars: []string{"PLUGIN_TEST_VAR"}}
	h := NewHostABI(newInv(cfg, nil))

	value, herr := h.Env("PLUGIN_TEST_VAR")
	require.Nil(t, herr)
	assert.Equal(t, "hello", value)
}

func TestEnv_Denied(t *testing.T) {
	t.Setenv("PLUGIN_TEST_VAR", "hello")
	cfg := &pluginconfig.PluginConfig{Name: "p"}
	h := NewHostABI(newInv(cfg, nil))

	value, herr := h.Env("PLUGIN_TEST_VAR")
	assert.Empty(t, value)
	require.NotNil(t, herr)
	assert.Contains(t, herr.Message, "PLUGIN_TEST_VAR")
}

func TestEnv_AllowedButUnset(t *testing.T) {
	cfg := &pluginconfig.PluginConfig{Name: "p", AllowedEnvVars: []string{"PLUGIN_TEST_VAR_UNSET"}}
	h := NewHostABI(newInv(cfg, nil))

	value, herr := h.Env("PLUGIN_TEST_VAR_UNSET")
	assert.Empty(t, value)
	require.NotNil(t, herr)
}

func TestGet_PresentAndAbsent(t *testing.T) {
	h := NewHostABI(newInv(nil, map[string]string{"key": "value"}))

	value, ok := h.Get("key")
	assert.True(t, ok)
	assert.Equal(t, "value", value)

	_, ok = h.Get("missing")
	assert.False(t, ok)
}

func TestLog_AllLevels(t *testing.T) {
	h := NewHostABI(newInv(nil, nil))
	for _, level := range []LogLevel{LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError} {
		assert.NotPanics(t, func() { h.Log(level, "hello from test") })
	}
}

// hostOf returns the bare hostname of a URL (port stripped), suitable for
// allowed_domains.
func hostOf(rawURL string) string {
	u, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return ""
	}
	return u.URL.Hostname()
}

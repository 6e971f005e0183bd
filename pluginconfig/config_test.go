package pluginconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseString(t *testing.T) {
	cfg, err := ParseString("name = 'MyTest'\nallowed_env_vars=['A']\nallowed_domains=['a.com']")
	require.NoError(t, err)
	assert.Equal(t, "MyTest", cfg.Name)
	assert.Equal(t, []string{"A"}, cfg.AllowedEnvVars)
	assert.Equal(t, []string{"a.com"}, cfg.AllowedDomains)
}

func TestParseString_MinimalConfig(t *testing.T) {
	cfg, err := ParseString(`name = "hello_world"`)
	require.NoError(t, err)
	assert.Equal(t, "hello_world", cfg.Name)
	assert.Nil(t, cfg.AllowedEnvVars)
	assert.Nil(t, cfg.AllowedDomains)
}

func TestParseString_RejectsMissingName(t *testing.T) {
	_, err := ParseString(`allowed_env_vars = ["A"]`)
	assert.Error(t, err)
}

func TestParseString_RejectsEmptyName(t *testing.T) {
	_, err := ParseString(`name = ""`)
	assert.Error(t, err)
}

func TestParseString_RejectsUnknownKeys(t *testing.T) {
	_, err := ParseString("name = 'x'\nnotakey = 1")
	assert.Error(t, err)
}

func TestParseString_RejectsMalformedTOML(t *testing.T) {
	_, err := ParseString("name = ")
	assert.Error(t, err)
}

func TestAllowsDomain(t *testing.T) {
	cfg := &PluginConfig{Name: "p", AllowedDomains: []string{"Example.com"}}

	assert.True(t, cfg.AllowsDomain("https://example.com/path"))
	assert.True(t, cfg.AllowsDomain("https://example.com:8443/path"), "port is stripped before comparison")
	assert.False(t, cfg.AllowsDomain("https://evil.com"))
}

func TestAllowsDomain_AbsentMeansDenyAll(t *testing.T) {
	cfg := &PluginConfig{Name: "p"}
	assert.False(t, cfg.AllowsDomain("https://example.com"))
}

func TestAllowsDomain_UnparsableURL(t *testing.T) {
	cfg := &PluginConfig{Name: "p", AllowedDomains: []string{"example.com"}}
	assert.False(t, cfg.AllowsDomain("://not a url"))
	assert.False(t, cfg.AllowsDomain("relative/path"), "no host present")
}

func TestAllowsEnvVar(t *testing.T) {
	cfg := &PluginConfig{Name: "p", AllowedEnvVars: []string{"TEST"}}
	assert.True(t, cfg.AllowsEnvVar("TEST"))
	assert.False(t, cfg.AllowsEnvVar("OTHER"))
}

func TestAllowsEnvVar_AbsentMeansDenyAll(t *testing.T) {
	cfg := &PluginConfig{Name: "p"}
	assert.False(t, cfg.AllowsEnvVar("ANYTHING"))
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := &PluginConfig{Name: "p", AllowedEnvVars: []string{"A"}}
	clone := cfg.Clone()
	clone.AllowedEnvVars[0] = "B"
	assert.Equal(t, "A", cfg.AllowedEnvVars[0])
	assert.True(t, cfg.Equal(cfg))
	assert.False(t, cfg.Equal(clone))
}

// Package pluginconfig parses and represents a plugin's declarative policy:
// its name and the domains/environment variables it is allowed to touch.
// A PluginConfig is immutable after parsing and has value semantics.
package pluginconfig

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// validate is a package-level singleton; constructing a validator per call
// is measurably slower and it carries no per-call state.
var validate = validator.New()

// PluginConfig is a plugin's policy: which domains it may reach over HTTP
// and which environment variables it may read. Absence of either list means
// deny-by-default for that capability, not "allow everything".
type PluginConfig struct {
	Name           string   `toml:"name" validate:"required"`
	AllowedEnvVars []string `toml:"allowed_env_vars"`
	AllowedDomains []string `toml:"allowed_domains"`
}

// ParseString parses a config.toml payload. Unknown keys are rejected:
// defence in depth against a typo silently granting (or silently dropping)
// a capability the author intended to set.
func ParseString(data string) (*PluginConfig, error) {
	dec := toml.NewDecoder(strings.NewReader(data))
	dec.DisallowUnknownFields()

	var cfg PluginConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// ParseFile reads and parses a config.toml file from disk.
func ParseFile(path string) (*PluginConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseString(string(data))
}

// Clone returns a deep copy so callers cannot mutate a registry's config
// through a returned slice.
func (c *PluginConfig) Clone() *PluginConfig {
	out := &PluginConfig{Name: c.Name}
	if c.AllowedEnvVars != nil {
		out.AllowedEnvVars = append([]string(nil), c.AllowedEnvVars...)
	}
	if c.AllowedDomains != nil {
		out.AllowedDomains = append([]string(nil), c.AllowedDomains...)
	}
	return out
}

// Equal reports whether c and other have identical value semantics.
func (c *PluginConfig) Equal(other *PluginConfig) bool {
	if other == nil {
		return false
	}
	if c.Name != other.Name {
		return false
	}
	return stringSliceEqual(c.AllowedEnvVars, other.AllowedEnvVars) &&
		stringSliceEqual(c.AllowedDomains, other.AllowedDomains)
}

func stringSliceEqual(a, b []string) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// AllowsEnvVar reports whether key is readable under this config. Absence of
// AllowedEnvVars denies every key.
func (c *PluginConfig) AllowsEnvVar(key string) bool {
	if c.AllowedEnvVars == nil {
		return false
	}
	for _, v := range c.AllowedEnvVars {
		if v == key {
			return true
		}
	}
	return false
}

// AllowsDomain reports whether host (a raw, unparsed URL string) resolves to
// a host permitted by AllowedDomains. Hosts are compared as parsed host
// values, not raw strings, so "HOST:443" and "host" agree and case differs
// are tolerated. Absence of AllowedDomains denies every host, and a URL that
// fails to parse or carries no host is always denied.
func (c *PluginConfig) AllowsDomain(rawURL string) bool {
	if c.AllowedDomains == nil {
		return false
	}
	host := normalizeHost(rawURL)
	if host == "" {
		return false
	}
	for _, allowed := range c.AllowedDomains {
		if normalizeHostname(allowed) == host {
			return true
		}
	}
	return false
}

// normalizeHost parses rawURL as an absolute URL and returns its lower-cased
// hostname (port and brackets stripped), or "" if it cannot be parsed or has
// no host.
func normalizeHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return normalizeHostname(u.Hostname())
}

// normalizeHostname parses a bare host (possibly "host:port" or "[::1]:port")
// the same way normalizeHost does, so allow-list entries and request URLs
// are compared on equal footing.
func normalizeHostname(host string) string {
	if host == "" {
		return ""
	}
	// Reuse url.Parse's authority parsing by framing host as a scheme-less URL.
	if u, err := url.Parse("//" + host); err == nil && u.Hostname() != "" {
		return strings.ToLower(u.Hostname())
	}
	return strings.ToLower(host)
}

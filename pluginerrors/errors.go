// Package pluginerrors defines the error taxonomy shared by the plugin host:
// registry load failures, lookup failures, and engine/instantiation failures.
// All types support errors.As / errors.Is via Unwrap.
package pluginerrors

import (
	"errors"
	"fmt"
)

// ErrPluginDoesNotExist is returned by lookup and invocation when no plugin
// is registered under the requested name.
var ErrPluginDoesNotExist = errors.New("plugin does not exist")

// PluginDoesNotExistError carries the requested name alongside the sentinel
// so callers can report it without string-matching the error text.
type PluginDoesNotExistError struct {
	Name string
}

func (e *PluginDoesNotExistError) Error() string {
	return fmt.Sprintf("plugin %q does not exist", e.Name)
}

func (e *PluginDoesNotExistError) Unwrap() error {
	return ErrPluginDoesNotExist
}

// NewPluginDoesNotExist builds a PluginDoesNotExistError for name.
func NewPluginDoesNotExist(name string) error {
	return &PluginDoesNotExistError{Name: name}
}

// GenericError wraps any engine, instantiation, or trap failure that must be
// surfaced to a gateway caller as an opaque message. It never aborts the
// invoking goroutine; the guest-visible HostError type is separate (see the
// abi package) and never escapes as a GenericError.
type GenericError struct {
	Message string
	Err     error
}

func (e *GenericError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *GenericError) Unwrap() error {
	return e.Err
}

// NewGenericError wraps err as a GenericError with the given message prefix.
func NewGenericError(message string, err error) error {
	return &GenericError{Message: message, Err: err}
}

// ConfigParseError is raised while loading a plugin's config.toml. Registry
// load treats it as a per-plugin skip (warn), never fatal.
type ConfigParseError struct {
	Dir string
	Err error
}

func (e *ConfigParseError) Error() string {
	return fmt.Sprintf("plugin %q: config parse failed: %v", e.Dir, e.Err)
}

func (e *ConfigParseError) Unwrap() error {
	return e.Err
}

// ModuleCompileError is raised while compiling a plugin's WASM binary.
// Registry load treats it as a per-plugin skip (warn), never fatal.
type ModuleCompileError struct {
	Dir string
	Err error
}

func (e *ModuleCompileError) Error() string {
	return fmt.Sprintf("plugin %q: module compile failed: %v", e.Dir, e.Err)
}

func (e *ModuleCompileError) Unwrap() error {
	return e.Err
}

// InvalidFolder is raised when the registry cannot enumerate its root
// directory at all. This is the only fatal error load() can return.
type InvalidFolder struct {
	Path string
	Err  error
}

func (e *InvalidFolder) Error() string {
	return fmt.Sprintf("invalid plugin folder %q: %v", e.Path, e.Err)
}

func (e *InvalidFolder) Unwrap() error {
	return e.Err
}

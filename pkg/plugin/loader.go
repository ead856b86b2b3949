package plugin

import (
	"errors"
	"fmt"
	goplugin "plugin"
)

// exportedSymbol is the symbol name every plugin shared object must export.
const exportedSymbol = "Plugin"

// Loader resolves plugin binaries into Plugin implementations.
type Loader interface {
	Load(path string) (Plugin, error)
}

// GoPluginLoader loads shared objects built with `go build -buildmode=plugin`.
type GoPluginLoader struct{}

// Load opens the shared object and resolves its exported Plugin symbol.
// The symbol may be a Plugin value, a pointer to one, or a factory function.
func (GoPluginLoader) Load(path string) (Plugin, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", path, err)
	}
	symbol, err := so.Lookup(exportedSymbol)
	if err != nil {
		return nil, fmt.Errorf("plugin %s does not export %s: %w", path, exportedSymbol, err)
	}
	switch p := symbol.(type) {
	case Plugin:
		return p, nil
	case *Plugin:
		if p == nil {
			return nil, fmt.Errorf("plugin %s exports a nil %s symbol", path, exportedSymbol)
		}
		return *p, nil
	case func() Plugin:
		return p(), nil
	default:
		return nil, fmt.Errorf("plugin %s: symbol %s must implement plugin.Plugin", path, exportedSymbol)
	}
}

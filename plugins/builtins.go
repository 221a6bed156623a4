// Package plugins holds the builtin plugin factory table: the
// compile-time equivalent of a discovery entrypoint group. Adding a
// plugin means adding its factory here.
package plugins

import (
	"github.com/forgesyte/forgesyte/plugin"
	"github.com/forgesyte/forgesyte/plugins/imagemeta"
)

// Builtins returns the factory table of all compiled-in plugins.
func Builtins() map[string]plugin.Factory {
	return map[string]plugin.Factory{
		"imagemeta": imagemeta.New,
	}
}

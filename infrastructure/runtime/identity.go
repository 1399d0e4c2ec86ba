// Package runtime provides environment/runtime detection helpers shared across the engine.
package runtime

import "sync"

// strictModeOnce caches the strict mode check at startup.
var (
	strictModeOnce  sync.Once
	strictModeValue bool
)

// ResetStrictModeCache resets the cached strict mode value.
// This should only be used in tests.
func ResetStrictModeCache() {
	strictModeOnce = sync.Once{}
	strictModeValue = false
}

// StrictMode returns true when the engine should fail closed on boundary checks
// (e.g. refusing to serve the command surface over plain HTTP) because it is
// running in the production environment.
func StrictMode() bool {
	strictModeOnce.Do(func() {
		strictModeValue = Env() == Production
	})
	return strictModeValue
}

//go:build !pses_debug

package runspace

// debugInvariant is a no-op in release builds.
func debugInvariant(string) {}

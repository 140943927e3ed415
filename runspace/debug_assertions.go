//go:build pses_debug

// Debug-only assertions for the runspace stack. Build with -tags pses_debug
// to turn corrupted enter/exit bookkeeping into a panic.
package runspace

import (
	"fmt"
	"runtime"
)

// debugInvariant panics with msg and the current stack.
func debugInvariant(msg string) {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	panic(fmt.Sprintf("RUNSPACE INVARIANT: %s\nStack:\n%s", msg, buf[:n]))
}

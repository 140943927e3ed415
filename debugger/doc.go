// Package debugger coordinates the engine's script debugger with the
// execution queue.
//
// A Coordinator is either Running or Stopped. When the engine stops at a
// breakpoint, step, exception or pause, it calls OnDebuggerStop on the
// execution worker. The coordinator captures the call stack and the
// variables of every frame, publishes a StoppedEvent and then pumps a
// debugger frame: only introspection and debugger-resume requests run until
// Continue, StepOver, StepInto, StepOut or Abort ends the stop.
//
// Variables are addressed by id, the way debug adapters page through
// "variablesReference" values. Each stop is a new generation; ids are never
// reused, so an id from an earlier stop reports ErrInvalidReference instead
// of resolving to an unrelated variable.
//
// Breakpoints are set and removed through the queue with Set-PSBreakpoint
// and Remove-PSBreakpoint. Changes made by scripts themselves arrive as
// engine events and are reconciled on the worker.
package debugger

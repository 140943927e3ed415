// Package engine defines the boundary between the execution core and the
// scripting engine that actually runs commands.
//
// The engine is single-threaded: the execution service calls Invoke from its
// worker goroutine only, one invocation at a time (nested invocations happen
// only from inside a callback made by the engine on that same goroutine).
// Stop and the optional Debugger.Break are the out-of-band exceptions and
// may be called from any goroutine.
//
// # Callbacks
//
// The engine reports debugger stops, breakpoint changes, runspace
// transitions and nested prompts through Callbacks. OnDebuggerStop and the
// runspace callbacks are made synchronously on the worker, in the middle of an
// Invoke, with that invocation's context; the handler may run further
// Invokes before returning.
package engine

import (
	"context"
	"fmt"

	"github.com/smnsjas/go-pseshost/host"
	"github.com/smnsjas/go-pseshost/objects"
	"github.com/smnsjas/go-pseshost/runspace"
)

// Engine runs commands against runspaces.
type Engine interface {
	// Start launches the engine and returns its initial local runspace.
	Start(ctx context.Context, cb Callbacks) (*runspace.Info, error)

	// Invoke runs cmd against target and blocks until it finishes. A
	// terminating script error is returned as *ScriptError; non-terminating
	// errors are reported in Output.Errors.
	Invoke(ctx context.Context, target *runspace.Info, cmd *objects.PSCommand, settings InvokeSettings) (*Output, error)

	// Stop asks the running invocation to stop. It is best effort and safe to
	// call from any goroutine, including when nothing is running.
	Stop()

	// Close shuts the engine down.
	Close() error
}

// Debugger is implemented by engines that can pause execution.
type Debugger interface {
	// Break asks the engine to stop at the next statement. Safe to call from
	// any goroutine.
	Break()
}

// InvokeSettings adjust a single invocation.
type InvokeSettings struct {
	// InDebugger runs the command through the debugger's command processor,
	// so debugger verbs ("c", "s", "v", "o", "q") are understood.
	InDebugger bool
	// AddToHistory records the command in the session history.
	AddToHistory bool
	// UI receives host writes made while the command runs.
	UI host.UI
}

// Output is what an invocation produced.
type Output struct {
	Objects []any
	Errors  []*objects.ErrorRecord
	// Resume is set when an InDebugger command was a resume verb.
	Resume ResumeAction
}

// ScriptError is a terminating error raised by script code.
type ScriptError struct {
	Record *objects.ErrorRecord
}

func (e *ScriptError) Error() string {
	if e.Record == nil {
		return "script error"
	}
	return e.Record.Message()
}

// NewScriptError creates a ScriptError carrying a bare message.
func NewScriptError(message string) *ScriptError {
	return &ScriptError{Record: objects.NewErrorRecord(message)}
}

// ResumeAction tells a stopped debugger how to continue.
type ResumeAction int

const (
	// ResumeNone means no resume was requested.
	ResumeNone ResumeAction = iota
	ResumeContinue
	ResumeStepInto
	ResumeStepOver
	ResumeStepOut
	// ResumeStop aborts the running script.
	ResumeStop
)

// String returns a string representation of the action.
func (a ResumeAction) String() string {
	switch a {
	case ResumeNone:
		return "None"
	case ResumeContinue:
		return "Continue"
	case ResumeStepInto:
		return "StepInto"
	case ResumeStepOver:
		return "StepOver"
	case ResumeStepOut:
		return "StepOut"
	case ResumeStop:
		return "Stop"
	default:
		return fmt.Sprintf("Unknown(%d)", a)
	}
}

// ParseResumeVerb maps a debugger prompt verb to its action.
func ParseResumeVerb(verb string) (ResumeAction, bool) {
	switch verb {
	case "c", "continue":
		return ResumeContinue, true
	case "s", "stepInto":
		return ResumeStepInto, true
	case "v", "stepOver":
		return ResumeStepOver, true
	case "o", "stepOut":
		return ResumeStepOut, true
	case "q", "quit":
		return ResumeStop, true
	default:
		return ResumeNone, false
	}
}

// Callbacks are the handlers the engine calls back into.
type Callbacks struct {
	Debugger  DebuggerHandler
	Runspaces RunspaceHandler
	// UI receives host writes that are not tied to an invocation.
	UI host.UI
}

// DebuggerHandler receives debugger notifications.
type DebuggerHandler interface {
	// OnDebuggerStop is called on the worker while the engine is paused. It
	// returns when the user resumes, with the action to take.
	OnDebuggerStop(ctx context.Context, ev *DebuggerStopEvent) ResumeAction

	// OnBreakpointUpdated is called when the engine's breakpoint set changes.
	// It may be called from any goroutine.
	OnBreakpointUpdated(ev *BreakpointUpdatedEvent)
}

// RunspaceHandler receives runspace transitions made by running scripts.
type RunspaceHandler interface {
	// PushRunspace is called after script code enters a runspace.
	PushRunspace(ctx context.Context, info *runspace.Info) error
	// PopRunspace is called after script code exits the current runspace.
	PopRunspace(ctx context.Context, action runspace.Action) error
	// EnterNestedPrompt is called for $Host.EnterNestedPrompt() and blocks
	// until ExitNestedPrompt.
	EnterNestedPrompt(ctx context.Context) error
	// ExitNestedPrompt ends the innermost nested prompt.
	ExitNestedPrompt(ctx context.Context) error
}

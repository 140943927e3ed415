package engine

import (
	"fmt"

	"github.com/smnsjas/go-pseshost/objects"
)

// StopReason says why the debugger stopped.
type StopReason int

const (
	StopReasonBreakpoint StopReason = iota
	StopReasonStep
	StopReasonException
	StopReasonPause
)

// String returns a string representation of the reason.
func (r StopReason) String() string {
	switch r {
	case StopReasonBreakpoint:
		return "breakpoint"
	case StopReasonStep:
		return "step"
	case StopReasonException:
		return "exception"
	case StopReasonPause:
		return "pause"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// DebuggerStopEvent describes where the engine paused. Lines and columns are
// 1-based.
type DebuggerStopEvent struct {
	Reason         StopReason
	ScriptPath     string
	Line           int
	Column         int
	InvocationName string
	// Breakpoints are the breakpoints that were hit, if any.
	Breakpoints []Breakpoint
}

// BreakpointKind distinguishes line and command breakpoints.
type BreakpointKind int

const (
	BreakpointKindLine BreakpointKind = iota
	BreakpointKindCommand
	BreakpointKindVariable
)

// Breakpoint is an engine breakpoint as reported by Set-PSBreakpoint and
// Get-PSBreakpoint.
type Breakpoint struct {
	ID       int
	Kind     BreakpointKind
	Script   string
	Line     int
	Column   int
	Command  string
	Variable string
	Enabled  bool
	HitCount int
	Action   string
}

// BreakpointUpdateType is the kind of change reported for a breakpoint.
type BreakpointUpdateType int

const (
	BreakpointSet BreakpointUpdateType = iota
	BreakpointRemoved
	BreakpointEnabled
	BreakpointDisabled
)

// String returns a string representation of the update type.
func (t BreakpointUpdateType) String() string {
	switch t {
	case BreakpointSet:
		return "Set"
	case BreakpointRemoved:
		return "Removed"
	case BreakpointEnabled:
		return "Enabled"
	case BreakpointDisabled:
		return "Disabled"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// BreakpointUpdatedEvent reports a change to the engine's breakpoint set.
type BreakpointUpdatedEvent struct {
	Breakpoint Breakpoint
	Update     BreakpointUpdateType
}

// CallStackFrame is one frame of Get-PSCallStack output.
type CallStackFrame struct {
	FunctionName     string
	ScriptName       string
	ScriptLineNumber int
	Column           int
	EndLine          int
	EndColumn        int
}

// Variable is one entry of Get-Variable output.
type Variable struct {
	Name  string
	Value any
}

// BreakpointFromObject converts Set-PSBreakpoint/Get-PSBreakpoint output.
func BreakpointFromObject(obj any) (Breakpoint, bool) {
	switch v := obj.(type) {
	case Breakpoint:
		return v, true
	case *Breakpoint:
		if v == nil {
			return Breakpoint{}, false
		}
		return *v, true
	}
	if _, ok := objects.Property(obj, "Id"); !ok {
		return Breakpoint{}, false
	}
	bp := Breakpoint{
		ID:       objects.IntProperty(obj, "Id", 0),
		Script:   objects.StringProperty(obj, "Script"),
		Line:     objects.IntProperty(obj, "Line", 0),
		Column:   objects.IntProperty(obj, "Column", 0),
		Command:  objects.StringProperty(obj, "Command"),
		Variable: objects.StringProperty(obj, "Variable"),
		Enabled:  objects.BoolProperty(obj, "Enabled"),
		HitCount: objects.IntProperty(obj, "HitCount", 0),
		Action:   objects.StringProperty(obj, "Action"),
	}
	switch {
	case bp.Command != "":
		bp.Kind = BreakpointKindCommand
	case bp.Variable != "":
		bp.Kind = BreakpointKindVariable
	}
	return bp, true
}

// CallStackFrameFromObject converts Get-PSCallStack output.
func CallStackFrameFromObject(obj any) (CallStackFrame, bool) {
	switch v := obj.(type) {
	case CallStackFrame:
		return v, true
	case *CallStackFrame:
		if v == nil {
			return CallStackFrame{}, false
		}
		return *v, true
	}
	if _, ok := objects.Property(obj, "ScriptLineNumber"); !ok {
		return CallStackFrame{}, false
	}
	f := CallStackFrame{
		FunctionName:     objects.StringProperty(obj, "FunctionName"),
		ScriptName:       objects.StringProperty(obj, "ScriptName"),
		ScriptLineNumber: objects.IntProperty(obj, "ScriptLineNumber", 0),
	}
	if pos, ok := objects.Property(obj, "Position"); ok {
		f.Column = objects.IntProperty(pos, "StartColumnNumber", 0)
		f.EndLine = objects.IntProperty(pos, "EndLineNumber", 0)
		f.EndColumn = objects.IntProperty(pos, "EndColumnNumber", 0)
	}
	return f, true
}

// VariableFromObject converts Get-Variable output.
func VariableFromObject(obj any) (Variable, bool) {
	switch v := obj.(type) {
	case Variable:
		return v, true
	case *Variable:
		if v == nil {
			return Variable{}, false
		}
		return *v, true
	}
	name := objects.StringProperty(obj, "Name")
	if name == "" {
		return Variable{}, false
	}
	val, _ := objects.Property(obj, "Value")
	return Variable{Name: name, Value: val}, true
}

package psprocess

import (
	"encoding/json"
	"fmt"

	"github.com/smnsjas/go-pseshost/engine"
	"github.com/smnsjas/go-pseshost/host"
	"github.com/smnsjas/go-pseshost/objects"
)

// Record kinds sent by the server.
const (
	kindReady  = "ready"
	kindOutput = "output"
	kindError  = "error"
	kindHost   = "host"
	kindDone   = "done"

	kindDebuggerStop      = "debuggerStop"
	kindBreakpointUpdated = "breakpointUpdated"
)

// Control message kinds sent to the server besides invoke requests.
const (
	controlResume = "resume"
	controlBreak  = "break"
)

// controlMessage resumes a paused invocation or asks the running script to
// break.
type controlMessage struct {
	Kind   string `json:"kind"`
	Action string `json:"action,omitempty"`
}

// invokeRequest is the payload of a Data packet sent to the server.
type invokeRequest struct {
	Kind         string        `json:"kind"`
	Commands     []commandSpec `json:"commands"`
	AddToHistory bool          `json:"addToHistory"`
	// InDebugger runs the commands through the paused debugger.
	InDebugger bool `json:"inDebugger,omitempty"`
}

type commandSpec struct {
	Name          string          `json:"name"`
	IsScript      bool            `json:"isScript"`
	UseLocalScope bool            `json:"useLocalScope"`
	Parameters    []parameterSpec `json:"parameters"`
}

type parameterSpec struct {
	Name  string `json:"name,omitempty"`
	Value any    `json:"value"`
}

func newInvokeRequest(cmd *objects.PSCommand, settings engine.InvokeSettings) *invokeRequest {
	req := &invokeRequest{
		Kind:         "invoke",
		Commands:     make([]commandSpec, 0, len(cmd.Commands)),
		AddToHistory: settings.AddToHistory,
		InDebugger:   settings.InDebugger,
	}
	for _, c := range cmd.Commands {
		spec := commandSpec{
			Name:          c.Name,
			IsScript:      c.IsScript,
			UseLocalScope: c.UseLocalScope,
			Parameters:    make([]parameterSpec, 0, len(c.Parameters)),
		}
		for _, p := range c.Parameters {
			spec.Parameters = append(spec.Parameters, parameterSpec{Name: p.Name, Value: p.Value})
		}
		req.Commands = append(req.Commands, spec)
	}
	return req
}

// record is a message from the server. Which fields are set depends on Kind.
type record struct {
	Kind string `json:"kind"`

	// ready
	PSVersion    string `json:"psVersion,omitempty"`
	Edition      string `json:"edition,omitempty"`
	ComputerName string `json:"computerName,omitempty"`
	ProcessID    int    `json:"processId,omitempty"`

	// output
	Value     json.RawMessage `json:"value,omitempty"`
	TypeNames []string        `json:"typeNames,omitempty"`
	Text      string          `json:"text,omitempty"`

	// error, done
	Error *errorSpec `json:"error,omitempty"`

	// host
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`

	// done
	Stopped bool   `json:"stopped,omitempty"`
	Resume  string `json:"resume,omitempty"`

	// debuggerStop
	Reason         string           `json:"reason,omitempty"`
	ScriptPath     string           `json:"scriptPath,omitempty"`
	Line           int              `json:"line,omitempty"`
	Column         int              `json:"column,omitempty"`
	InvocationName string           `json:"invocationName,omitempty"`
	Breakpoints    []map[string]any `json:"breakpoints,omitempty"`

	// breakpointUpdated
	Breakpoint map[string]any `json:"breakpoint,omitempty"`
	Update     string         `json:"update,omitempty"`
}

type errorSpec struct {
	Message               string `json:"message"`
	Type                  string `json:"type,omitempty"`
	FullyQualifiedErrorID string `json:"fullyQualifiedErrorId,omitempty"`
	Category              int    `json:"category,omitempty"`
	Activity              string `json:"activity,omitempty"`
	Reason                string `json:"reason,omitempty"`
	TargetName            string `json:"targetName,omitempty"`
	ScriptStackTrace      string `json:"scriptStackTrace,omitempty"`
	Command               string `json:"command,omitempty"`
	ScriptName            string `json:"scriptName,omitempty"`
	Line                  int    `json:"line,omitempty"`
	Offset                int    `json:"offset,omitempty"`
	PositionMessage       string `json:"positionMessage,omitempty"`
}

func (s *errorSpec) errorRecord() *objects.ErrorRecord {
	rec := &objects.ErrorRecord{
		Exception:             objects.ExceptionInfo{Type: s.Type, Message: s.Message},
		FullyQualifiedErrorID: s.FullyQualifiedErrorID,
		CategoryInfo: objects.CategoryInfo{
			Category:   objects.ErrorCategory(s.Category),
			Activity:   s.Activity,
			Reason:     s.Reason,
			TargetName: s.TargetName,
		},
		ScriptStackTrace: s.ScriptStackTrace,
	}
	if s.Command != "" || s.ScriptName != "" || s.PositionMessage != "" {
		rec.InvocationInfo = &objects.InvocationInfo{
			MyCommand:        s.Command,
			ScriptName:       s.ScriptName,
			ScriptLineNumber: s.Line,
			OffsetInLine:     s.Offset,
			PositionMessage:  s.PositionMessage,
		}
	}
	return rec
}

// outputValue converts an output record. Objects with properties become
// *objects.PSObject; scalars keep their JSON types.
func (r *record) outputValue() (any, error) {
	var v any
	if len(r.Value) > 0 {
		if err := json.Unmarshal(r.Value, &v); err != nil {
			return nil, fmt.Errorf("decode output value: %w", err)
		}
	}
	props, isMap := v.(map[string]any)
	switch {
	case isMap && len(r.TypeNames) > 0:
		return &objects.PSObject{TypeNames: r.TypeNames, Properties: props, ToString: r.Text}, nil
	case v == nil && r.Text != "":
		return &objects.PSObject{TypeNames: r.TypeNames, ToString: r.Text}, nil
	default:
		return v, nil
	}
}

// hostCall converts a host record into a call for host.Dispatcher.
func (r *record) hostCall() (*host.Call, error) {
	method, ok := host.ParseMethodID(r.Method)
	if !ok {
		return nil, fmt.Errorf("unknown host method %q", r.Method)
	}
	return &host.Call{Method: method, Params: r.Params}, nil
}

func (r *record) stopEvent() *engine.DebuggerStopEvent {
	ev := &engine.DebuggerStopEvent{
		Reason:         parseStopReason(r.Reason),
		ScriptPath:     r.ScriptPath,
		Line:           r.Line,
		Column:         r.Column,
		InvocationName: r.InvocationName,
	}
	for _, obj := range r.Breakpoints {
		if bp, ok := engine.BreakpointFromObject(obj); ok {
			ev.Breakpoints = append(ev.Breakpoints, bp)
		}
	}
	return ev
}

func (r *record) breakpointEvent() (*engine.BreakpointUpdatedEvent, error) {
	bp, ok := engine.BreakpointFromObject(r.Breakpoint)
	if !ok {
		return nil, fmt.Errorf("breakpoint update without a breakpoint")
	}
	update, ok := parseUpdateType(r.Update)
	if !ok {
		return nil, fmt.Errorf("unknown breakpoint update %q", r.Update)
	}
	return &engine.BreakpointUpdatedEvent{Breakpoint: bp, Update: update}, nil
}

func parseStopReason(s string) engine.StopReason {
	switch s {
	case "step":
		return engine.StopReasonStep
	case "exception":
		return engine.StopReasonException
	case "pause":
		return engine.StopReasonPause
	default:
		return engine.StopReasonBreakpoint
	}
}

// parseUpdateType maps BreakpointUpdateType names.
func parseUpdateType(s string) (engine.BreakpointUpdateType, bool) {
	for _, t := range []engine.BreakpointUpdateType{
		engine.BreakpointSet, engine.BreakpointRemoved, engine.BreakpointEnabled, engine.BreakpointDisabled,
	} {
		if t.String() == s {
			return t, true
		}
	}
	return 0, false
}

// parseResumeAction maps DebuggerResumeAction names.
func parseResumeAction(s string) engine.ResumeAction {
	for _, a := range []engine.ResumeAction{
		engine.ResumeContinue, engine.ResumeStepInto, engine.ResumeStepOver, engine.ResumeStepOut, engine.ResumeStop,
	} {
		if a.String() == s {
			return a
		}
	}
	return engine.ResumeNone
}

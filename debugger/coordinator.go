package debugger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/smnsjas/go-pseshost/engine"
	"github.com/smnsjas/go-pseshost/event"
	"github.com/smnsjas/go-pseshost/objects"
	"github.com/smnsjas/go-pseshost/pipeline"
	"github.com/smnsjas/go-pseshost/runspace"
)

var (
	// ErrNotStopped is returned by operations that need a stopped debugger.
	ErrNotStopped = errors.New("debugger: not stopped")
	// ErrInvalidReference is returned for a variable or frame id that does
	// not belong to the current stop.
	ErrInvalidReference = errors.New("debugger: invalid reference")
	// ErrNotAScope is returned by SetVariable for a reference that is not a
	// variable scope.
	ErrNotAScope = errors.New("debugger: reference is not a variable scope")
	// ErrBreakUnsupported is returned by Break when the engine cannot pause.
	ErrBreakUnsupported = errors.New("debugger: engine does not support break")
)

// State is the debugger state.
type State int

const (
	// StateRunning indicates the engine is executing normally.
	StateRunning State = iota
	// StateStopped indicates the engine is paused in the debugger.
	StateStopped
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Executor is the part of the execution service the coordinator drives.
// *execution.Service implements it.
type Executor interface {
	Submit(ctx context.Context, req *pipeline.Request) *pipeline.Task
	ExecuteCommand(ctx context.Context, cmd *objects.PSCommand, priority pipeline.Priority, opts pipeline.Options) (*pipeline.Result, error)
	ExecuteScript(ctx context.Context, script string, priority pipeline.Priority, opts pipeline.Options) (*pipeline.Result, error)
	ExecuteDelegate(ctx context.Context, name string, priority pipeline.Priority, fn pipeline.Delegate) (any, error)
	RunDebuggerFrame(ctx context.Context, resumed <-chan struct{}) error
	CancelCurrentTask() bool
	OnWorker(ctx context.Context) bool
	CurrentRunspace() *runspace.Info
	Debugger() (engine.Debugger, bool)
	SetDebuggerHandler(h engine.DebuggerHandler)
}

// StackFrame is one call stack frame captured at a stop. ID is the frame's
// index, 0 being the innermost.
type StackFrame struct {
	ID           int
	FunctionName string
	ScriptPath   string
	Line         int
	Column       int
	EndLine      int
	EndColumn    int
	// LocalsID references the frame's local variables.
	LocalsID int
}

// StopState is what the coordinator captured at a debugger stop.
type StopState struct {
	Generation     uint64
	Reason         engine.StopReason
	ScriptPath     string
	Line           int
	Column         int
	InvocationName string
	HitBreakpoints []engine.Breakpoint
	Frames         []StackFrame
	ScriptScopeID  int
	GlobalScopeID  int
}

func (s *StopState) clone() *StopState {
	c := *s
	c.HitBreakpoints = append([]engine.Breakpoint(nil), s.HitBreakpoints...)
	c.Frames = append([]StackFrame(nil), s.Frames...)
	return &c
}

// StoppedEvent is published when the debugger stops.
type StoppedEvent struct {
	Generation     uint64
	Reason         engine.StopReason
	ScriptPath     string
	Line           int
	Column         int
	HitBreakpoints []engine.Breakpoint
	// Frame is the innermost frame, nil when the call stack was unavailable.
	Frame *StackFrame
}

// ResumedEvent is published when the debugger resumes.
type ResumedEvent struct {
	Generation uint64
	Action     engine.ResumeAction
}

// BreakpointUpdatedEvent is published when the engine changes a breakpoint
// the coordinator did not set itself. Exactly one of Line and Command is set.
type BreakpointUpdatedEvent struct {
	Line    *BreakpointDetails
	Command *CommandBreakpointDetails
	Update  engine.BreakpointUpdateType
}

// stopContext is one active stop. Stops nest when a command evaluated in
// the debugger hits another breakpoint.
type stopContext struct {
	state *StopState
	vars  map[int]*variableEntry

	resumeCh    chan struct{}
	closeResume func()
	action      engine.ResumeAction
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Coordinator tracks the engine's debugger: it captures stop state, holds
// the execution queue in a debugger frame until resumed, and owns the
// breakpoint index. State it mutates is only written from the execution
// worker; accessors return copies and are safe from any goroutine.
type Coordinator struct {
	exec   Executor
	logger *slog.Logger

	mu                 sync.RWMutex
	stops              []*stopContext
	generation         uint64
	nextVarID          int
	hitCounter         int
	lineBreakpoints    map[string][]*BreakpointDetails
	commandBreakpoints []*CommandBreakpointDetails
	dscEnabled         map[uuid.UUID]bool

	stopped   event.Source[StoppedEvent]
	resumed   event.Source[ResumedEvent]
	bpUpdated event.Source[BreakpointUpdatedEvent]
}

// New creates a Coordinator and registers it as exec's debugger handler.
// It must be created before exec is started.
func New(exec Executor, opts ...Option) *Coordinator {
	c := &Coordinator{
		exec:            exec,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		lineBreakpoints: make(map[string][]*BreakpointDetails),
		dscEnabled:      make(map[uuid.UUID]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	exec.SetDebuggerHandler(c)
	return c
}

// SubscribeStopped registers fn for debugger stops. fn runs on the
// execution worker.
func (c *Coordinator) SubscribeStopped(fn func(StoppedEvent)) (unsubscribe func()) {
	return c.stopped.Subscribe(fn)
}

// SubscribeResumed registers fn for debugger resumes.
func (c *Coordinator) SubscribeResumed(fn func(ResumedEvent)) (unsubscribe func()) {
	return c.resumed.Subscribe(fn)
}

// SubscribeBreakpointUpdated registers fn for breakpoint changes made
// behind the coordinator's back.
func (c *Coordinator) SubscribeBreakpointUpdated(fn func(BreakpointUpdatedEvent)) (unsubscribe func()) {
	return c.bpUpdated.Subscribe(fn)
}

// State returns the current debugger state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.stops) > 0 {
		return StateStopped
	}
	return StateRunning
}

// IsStopped reports whether the debugger is stopped.
func (c *Coordinator) IsStopped() bool { return c.State() == StateStopped }

// CurrentStop returns a copy of the innermost stop state.
func (c *Coordinator) CurrentStop() (*StopState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sc := c.currentLocked()
	if sc == nil {
		return nil, false
	}
	return sc.state.clone(), true
}

func (c *Coordinator) currentLocked() *stopContext {
	if n := len(c.stops); n > 0 {
		return c.stops[n-1]
	}
	return nil
}

// OnDebuggerStop implements engine.DebuggerHandler. It runs on the
// execution worker: it captures the call stack and variables, publishes
// a StoppedEvent and pumps introspection work until a resume arrives.
func (c *Coordinator) OnDebuggerStop(ctx context.Context, ev *engine.DebuggerStopEvent) engine.ResumeAction {
	if !c.exec.OnWorker(ctx) {
		c.logger.Error("debugger stop raised outside the execution worker, continuing")
		return engine.ResumeContinue
	}

	sc := c.capture(ctx, ev)
	c.mu.Lock()
	c.stops = append(c.stops, sc)
	depth := len(c.stops)
	c.mu.Unlock()

	st := sc.state
	c.logger.Info("debugger stopped",
		"reason", st.Reason.String(),
		"script", st.ScriptPath,
		"line", st.Line,
		"generation", st.Generation,
		"depth", depth)
	c.stopped.Publish(stoppedEvent(st))

	action := engine.ResumeStop
	if err := c.exec.RunDebuggerFrame(ctx, sc.resumeCh); err != nil {
		c.logger.Warn("debugger frame ended without a resume, stopping", "error", err)
	} else {
		c.mu.RLock()
		action = sc.action
		c.mu.RUnlock()
	}

	c.mu.Lock()
	c.stops = c.stops[:len(c.stops)-1]
	c.mu.Unlock()

	c.logger.Debug("debugger resumed", "action", action.String(), "generation", st.Generation)
	c.resumed.Publish(ResumedEvent{Generation: st.Generation, Action: action})
	return action
}

func stoppedEvent(st *StopState) StoppedEvent {
	ev := StoppedEvent{
		Generation:     st.Generation,
		Reason:         st.Reason,
		ScriptPath:     st.ScriptPath,
		Line:           st.Line,
		Column:         st.Column,
		HitBreakpoints: append([]engine.Breakpoint(nil), st.HitBreakpoints...),
	}
	if len(st.Frames) > 0 {
		f := st.Frames[0]
		ev.Frame = &f
	}
	return ev
}

// capture builds the stop state. Fetch failures leave the state partial.
func (c *Coordinator) capture(ctx context.Context, ev *engine.DebuggerStopEvent) *stopContext {
	c.mu.Lock()
	c.generation++
	st := &StopState{
		Generation:     c.generation,
		Reason:         ev.Reason,
		ScriptPath:     ev.ScriptPath,
		Line:           ev.Line,
		Column:         ev.Column,
		InvocationName: ev.InvocationName,
		HitBreakpoints: append([]engine.Breakpoint(nil), ev.Breakpoints...),
	}
	c.mu.Unlock()

	sc := &stopContext{
		state:    st,
		vars:     make(map[int]*variableEntry),
		resumeCh: make(chan struct{}),
	}
	sc.closeResume = sync.OnceFunc(func() { close(sc.resumeCh) })

	frames, err := c.callStack(ctx)
	if err != nil {
		c.logger.Error("fetch call stack", "error", err, "generation", st.Generation)
	}
	for i, f := range frames {
		scope := strconv.Itoa(i)
		st.Frames = append(st.Frames, StackFrame{
			ID:           i,
			FunctionName: f.FunctionName,
			ScriptPath:   f.ScriptName,
			Line:         f.ScriptLineNumber,
			Column:       f.Column,
			EndLine:      f.EndLine,
			EndColumn:    f.EndColumn,
			LocalsID:     c.addScope(ctx, sc, ScopeLocal, scope),
		})
	}
	st.ScriptScopeID = c.addScope(ctx, sc, ScopeScript, "Script")
	st.GlobalScopeID = c.addScope(ctx, sc, ScopeGlobal, "Global")

	if st.ScriptPath == "" && len(st.Frames) > 0 {
		st.ScriptPath = st.Frames[0].ScriptPath
		st.Line = st.Frames[0].Line
		st.Column = st.Frames[0].Column
	}
	return sc
}

func (c *Coordinator) callStack(ctx context.Context) ([]engine.CallStackFrame, error) {
	cmd := objects.NewPSCommand().AddCommand("Get-PSCallStack")
	res, err := c.exec.ExecuteCommand(ctx, cmd, pipeline.PriorityIntrospection, pipeline.Options{InDebugger: true, ThrowOnError: true})
	if err != nil {
		return nil, err
	}
	frames := make([]engine.CallStackFrame, 0, len(res.Output))
	for _, obj := range res.Output {
		if f, ok := engine.CallStackFrameFromObject(obj); ok {
			frames = append(frames, f)
		}
	}
	return frames, nil
}

// addScope fetches a scope's variables and adds them to sc as a container.
func (c *Coordinator) addScope(ctx context.Context, sc *stopContext, name, scope string) int {
	cmd := objects.NewPSCommand().AddCommand("Get-Variable").AddParameter("Scope", scope)
	res, err := c.exec.ExecuteCommand(ctx, cmd, pipeline.PriorityIntrospection, pipeline.Options{InDebugger: true, ThrowOnError: true})
	if err != nil {
		c.logger.Warn("fetch variables", "scope", scope, "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.addEntryLocked(sc, name, nil)
	container := sc.vars[id]
	container.scope = scope
	container.expanded = true
	container.details.Value = ""
	container.details.Expandable = true
	if res != nil {
		for _, obj := range res.Output {
			if v, ok := engine.VariableFromObject(obj); ok {
				container.children = append(container.children, c.addEntryLocked(sc, v.Name, v.Value))
			}
		}
	}
	return id
}

// addEntryLocked allocates a variable id. Ids are never reused, so an id
// from an earlier stop can never resolve in a later one. Caller MUST hold c.mu.
func (c *Coordinator) addEntryLocked(sc *stopContext, name string, value any) int {
	c.nextVarID++
	id := c.nextVarID
	sc.vars[id] = &variableEntry{
		details: VariableDetails{
			ID:         id,
			Name:       name,
			Value:      formatValue(value),
			Type:       typeName(value),
			Expandable: isExpandable(value),
		},
		value: value,
	}
	return id
}

func detailsLocked(sc *stopContext, ids []int) []VariableDetails {
	out := make([]VariableDetails, 0, len(ids))
	for _, id := range ids {
		if e, ok := sc.vars[id]; ok {
			out = append(out, e.details)
		}
	}
	return out
}

// GetStackFrames returns the call stack of the current stop.
func (c *Coordinator) GetStackFrames() ([]StackFrame, error) {
	st, ok := c.CurrentStop()
	if !ok {
		return nil, ErrNotStopped
	}
	return st.Frames, nil
}

// Scopes returns the variable scopes visible from a frame.
func (c *Coordinator) Scopes(frameID int) ([]Scope, error) {
	st, ok := c.CurrentStop()
	if !ok {
		return nil, ErrNotStopped
	}
	if frameID < 0 || frameID >= len(st.Frames) {
		return nil, fmt.Errorf("%w: frame %d", ErrInvalidReference, frameID)
	}
	return []Scope{
		{Name: ScopeLocal, ID: st.Frames[frameID].LocalsID},
		{Name: ScopeScript, ID: st.ScriptScopeID},
		{Name: ScopeGlobal, ID: st.GlobalScopeID, Expensive: true},
	}, nil
}

// GetVariables returns the children of a scope or expandable variable.
// Children of structured values are expanded on first request.
func (c *Coordinator) GetVariables(ctx context.Context, ref int) ([]VariableDetails, error) {
	c.mu.RLock()
	sc := c.currentLocked()
	if sc == nil {
		c.mu.RUnlock()
		return nil, ErrNotStopped
	}
	e, ok := sc.vars[ref]
	if !ok {
		c.mu.RUnlock()
		return nil, fmt.Errorf("%w: variable %d", ErrInvalidReference, ref)
	}
	if e.expanded {
		out := detailsLocked(sc, e.children)
		c.mu.RUnlock()
		return out, nil
	}
	gen := sc.state.Generation
	c.mu.RUnlock()

	v, err := c.exec.ExecuteDelegate(ctx, "expand-variable", pipeline.PriorityIntrospection, func(context.Context) (any, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		sc := c.currentLocked()
		if sc == nil || sc.state.Generation != gen {
			return nil, fmt.Errorf("%w: variable %d", ErrInvalidReference, ref)
		}
		e := sc.vars[ref]
		if !e.expanded {
			for _, ch := range children(e.value) {
				e.children = append(e.children, c.addEntryLocked(sc, ch.name, ch.value))
			}
			e.expanded = true
		}
		return detailsLocked(sc, e.children), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]VariableDetails), nil
}

// resultValue collapses command output into one value.
func resultValue(res *pipeline.Result) (any, error) {
	switch {
	case len(res.Output) == 0 && res.HadErrors():
		return nil, &engine.ScriptError{Record: res.Errors[0]}
	case len(res.Output) == 0:
		return nil, nil
	case len(res.Output) == 1:
		return res.Output[0], nil
	default:
		return append([]any(nil), res.Output...), nil
	}
}

// EvaluateExpression evaluates expr. While stopped it runs through the
// debugger and the result is registered in the variable index so
// structured results can be expanded; otherwise it runs as normal work and
// the result has no id.
func (c *Coordinator) EvaluateExpression(ctx context.Context, expr string, frameID int, writeResultToConsole bool) (*VariableDetails, error) {
	opts := pipeline.Options{
		ThrowOnError:      true,
		WriteOutputToHost: writeResultToConsole,
		WriteErrorsToHost: writeResultToConsole,
	}

	if !c.IsStopped() {
		res, err := c.exec.ExecuteScript(ctx, expr, pipeline.PriorityNormal, opts)
		if err != nil {
			return nil, err
		}
		value, err := resultValue(res)
		if err != nil {
			return nil, err
		}
		return &VariableDetails{Name: expr, Value: formatValue(value), Type: typeName(value)}, nil
	}

	v, err := c.exec.ExecuteDelegate(ctx, "evaluate", pipeline.PriorityIntrospection, func(ctx context.Context) (any, error) {
		c.mu.RLock()
		sc := c.currentLocked()
		var frames int
		if sc != nil {
			frames = len(sc.state.Frames)
		}
		c.mu.RUnlock()
		if sc == nil {
			return nil, ErrNotStopped
		}
		if frames > 0 && (frameID < 0 || frameID >= frames) {
			return nil, fmt.Errorf("%w: frame %d", ErrInvalidReference, frameID)
		}

		opts.InDebugger = true
		res, err := c.exec.ExecuteScript(ctx, expr, pipeline.PriorityIntrospection, opts)
		if err != nil {
			return nil, err
		}
		value, err := resultValue(res)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		id := c.addEntryLocked(sc, expr, value)
		d := sc.vars[id].details
		return &d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*VariableDetails), nil
}

// SetVariable assigns the value of valueExpr to name in the scope
// referenced by scopeID.
func (c *Coordinator) SetVariable(ctx context.Context, scopeID int, name, valueExpr string) (*VariableDetails, error) {
	if !c.IsStopped() {
		return nil, ErrNotStopped
	}
	v, err := c.exec.ExecuteDelegate(ctx, "set-variable", pipeline.PriorityIntrospection, func(ctx context.Context) (any, error) {
		c.mu.RLock()
		sc := c.currentLocked()
		var container *variableEntry
		if sc != nil {
			container = sc.vars[scopeID]
		}
		c.mu.RUnlock()
		switch {
		case sc == nil:
			return nil, ErrNotStopped
		case container == nil:
			return nil, fmt.Errorf("%w: variable %d", ErrInvalidReference, scopeID)
		case container.scope == "":
			return nil, fmt.Errorf("%w: variable %d", ErrNotAScope, scopeID)
		}

		res, err := c.exec.ExecuteScript(ctx, valueExpr, pipeline.PriorityIntrospection, pipeline.Options{InDebugger: true, ThrowOnError: true})
		if err != nil {
			return nil, fmt.Errorf("evaluate %q: %w", valueExpr, err)
		}
		value, err := resultValue(res)
		if err != nil {
			return nil, fmt.Errorf("evaluate %q: %w", valueExpr, err)
		}

		cmd := objects.NewPSCommand().AddCommand("Set-Variable").
			AddParameter("Name", name).
			AddParameter("Value", value).
			AddParameter("Scope", container.scope)
		if _, err := c.exec.ExecuteCommand(ctx, cmd, pipeline.PriorityIntrospection, pipeline.Options{InDebugger: true, ThrowOnError: true}); err != nil {
			return nil, fmt.Errorf("set variable %s: %w", name, err)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		for _, id := range container.children {
			e := sc.vars[id]
			if strings.EqualFold(e.details.Name, name) {
				e.value = value
				e.details.Value = formatValue(value)
				e.details.Type = typeName(value)
				e.details.Expandable = isExpandable(value)
				e.children, e.expanded = nil, false
				d := e.details
				return &d, nil
			}
		}
		id := c.addEntryLocked(sc, name, value)
		container.children = append(container.children, id)
		d := sc.vars[id].details
		return &d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*VariableDetails), nil
}

// Continue resumes execution.
func (c *Coordinator) Continue(ctx context.Context) error {
	return c.resume(ctx, engine.ResumeContinue)
}

// StepOver resumes until the next statement in the current frame.
func (c *Coordinator) StepOver(ctx context.Context) error {
	return c.resume(ctx, engine.ResumeStepOver)
}

// StepInto resumes until the next statement, entering calls.
func (c *Coordinator) StepInto(ctx context.Context) error {
	return c.resume(ctx, engine.ResumeStepInto)
}

// StepOut resumes until the current frame returns.
func (c *Coordinator) StepOut(ctx context.Context) error {
	return c.resume(ctx, engine.ResumeStepOut)
}

// Abort stops the running script. While stopped it resumes with Stop;
// otherwise it cancels the running request.
func (c *Coordinator) Abort(ctx context.Context) error {
	if c.IsStopped() {
		return c.resume(ctx, engine.ResumeStop)
	}
	c.exec.CancelCurrentTask()
	return nil
}

// Break asks the engine to pause at the next statement. It does not go
// through the queue, so it works while a request is running.
func (c *Coordinator) Break() error {
	if c.IsStopped() {
		return nil
	}
	d, ok := c.exec.Debugger()
	if !ok {
		return ErrBreakUnsupported
	}
	c.logger.Debug("break requested")
	d.Break()
	return nil
}

// resume submits a debugger-resume request that ends the current stop.
func (c *Coordinator) resume(ctx context.Context, action engine.ResumeAction) error {
	if !c.IsStopped() {
		return ErrNotStopped
	}
	_, err := c.exec.ExecuteDelegate(ctx, "debugger-resume", pipeline.PriorityDebuggerResume, func(context.Context) (any, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		sc := c.currentLocked()
		if sc == nil {
			return nil, ErrNotStopped
		}
		setActionLocked(sc, action)
		return nil, nil
	})
	return err
}

// setActionLocked records the first resume action and ends the stop's
// frame. Caller MUST hold c.mu.
func setActionLocked(sc *stopContext, action engine.ResumeAction) {
	if sc.action == engine.ResumeNone {
		sc.action = action
	}
	sc.closeResume()
}

// ExecuteDebuggerCommand runs a line typed at the debugger prompt. Resume
// verbs (c, s, v, o, q) end the stop with the matching action.
func (c *Coordinator) ExecuteDebuggerCommand(ctx context.Context, line string) (*pipeline.Result, error) {
	if !c.IsStopped() {
		return nil, ErrNotStopped
	}
	v, err := c.exec.ExecuteDelegate(ctx, "debugger-command", pipeline.PriorityIntrospection, func(ctx context.Context) (any, error) {
		res, err := c.exec.ExecuteScript(ctx, line, pipeline.PriorityIntrospection, pipeline.Options{
			InDebugger:        true,
			WriteOutputToHost: true,
			WriteErrorsToHost: true,
			AddToHistory:      true,
		})
		if err != nil {
			return nil, err
		}
		if res.Resume != engine.ResumeNone {
			c.mu.Lock()
			if sc := c.currentLocked(); sc != nil {
				setActionLocked(sc, res.Resume)
			}
			c.mu.Unlock()
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*pipeline.Result), nil
}

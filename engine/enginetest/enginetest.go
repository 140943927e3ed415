// Package enginetest provides a scripted in-memory engine for tests.
//
// Engine understands the handful of commands the execution core issues
// itself (breakpoints, call stack, variables, command discovery, help,
// completion, prompt, debugger verbs, session enter/exit) and lets a test
// register handlers for anything else. It records every invocation and
// detects overlapping invocations that did not come from a callback.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/smnsjas/go-pseshost/engine"
	"github.com/smnsjas/go-pseshost/objects"
	"github.com/smnsjas/go-pseshost/runspace"
)

// ErrStopped is returned by blocking handlers ended by Engine.Stop.
var ErrStopped = errors.New("enginetest: pipeline stopped")

// Handler answers one invocation.
type Handler func(ctx context.Context, inv *Invocation) (*engine.Output, error)

// Call records one invocation.
type Call struct {
	Name       string
	Text       string
	InDebugger bool
	Runspace   uuid.UUID
}

// Engine is a scripted engine.
type Engine struct {
	mu       sync.Mutex
	handlers map[string]Handler
	fallback Handler
	calls    []Call
	cb       engine.Callbacks
	initial  *runspace.Info
	startErr error

	initialDetails *runspace.Details
	closed         bool

	// invocation stack, innermost last
	stack []*Invocation

	inFlight      atomic.Int32
	callbackDepth atomic.Int32
	overlaps      atomic.Int32
	stopCalls     atomic.Int32
	breakCalls    atomic.Int32
	breakCh       chan struct{}

	// Debugger and session state.
	breakpoints map[int]engine.Breakpoint
	nextBpID    int
	callStack   []engine.CallStackFrame
	scopes      map[string][]engine.Variable
	commandInfo map[string]objects.CommandInfo
	synopses    map[string]string
	dsc         *runspace.DSCBreakpointCapability
	dscErr      error
	dscProbes   atomic.Int32
	completion  func(script string, cursor int) *objects.CommandCompletion
}

// Option configures an Engine.
type Option func(*Engine)

// WithInitialRunspace sets the runspace Start returns.
func WithInitialRunspace(info *runspace.Info) Option {
	return func(e *Engine) { e.initial = info }
}

// WithInitialDetails sets the details of the local runspace Start returns.
// The engine probes its capabilities.
func WithInitialDetails(details runspace.Details) Option {
	return func(e *Engine) { e.initialDetails = &details }
}

// WithStartError makes Start fail.
func WithStartError(err error) Option {
	return func(e *Engine) { e.startErr = err }
}

// New creates an Engine with the built-in command handlers.
func New(opts ...Option) *Engine {
	e := &Engine{
		handlers:    make(map[string]Handler),
		breakpoints: make(map[int]engine.Breakpoint),
		nextBpID:    1,
		scopes:      make(map[string][]engine.Variable),
		commandInfo: make(map[string]objects.CommandInfo),
		synopses:    make(map[string]string),
		breakCh:     make(chan struct{}, 1),
	}
	e.installBuiltins()
	for _, opt := range opts {
		opt(e)
	}
	if e.initial == nil {
		details := runspace.Details{
			PSVersion:    semver.MustParse("7.4.1"),
			Edition:      runspace.EditionCore,
			ComputerName: "localhost",
		}
		if e.initialDetails != nil {
			details = *e.initialDetails
		}
		e.initial = runspace.New(runspace.OriginLocal, details, runspace.WithCapabilityProber(e))
	}
	return e
}

// Handle registers h for a command name or exact script text. Names are
// matched case-insensitively.
func (e *Engine) Handle(nameOrScript string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[strings.ToLower(nameOrScript)] = h
}

// HandleDefault registers the handler for unmatched invocations. Without
// one, unknown commands fail with a ScriptError.
func (e *Engine) HandleDefault(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fallback = h
}

// Start records the callbacks and returns the initial runspace.
func (e *Engine) Start(ctx context.Context, cb engine.Callbacks) (*runspace.Info, error) {
	if e.startErr != nil {
		return nil, e.startErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cb = cb
	return e.initial, nil
}

// Invoke dispatches cmd to its handler.
func (e *Engine) Invoke(ctx context.Context, target *runspace.Info, cmd *objects.PSCommand, settings engine.InvokeSettings) (*engine.Output, error) {
	if n := e.inFlight.Add(1); n > e.callbackDepth.Load()+1 {
		e.overlaps.Add(1)
	}
	defer e.inFlight.Add(-1)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inv := &Invocation{
		Engine:   e,
		Target:   target,
		Command:  cmd,
		Settings: settings,
		stopCh:   make(chan struct{}),
	}
	inv.closeStop = sync.OnceFunc(func() { close(inv.stopCh) })

	e.mu.Lock()
	var rsID uuid.UUID
	if target != nil {
		rsID = target.ID()
	}
	h := e.lookupLocked(inv)
	e.calls = append(e.calls, Call{
		Name:       inv.Name(),
		Text:       cmd.String(),
		InDebugger: settings.InDebugger,
		Runspace:   rsID,
	})
	e.stack = append(e.stack, inv)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.stack = e.stack[:len(e.stack)-1]
		e.mu.Unlock()
	}()

	return h(ctx, inv)
}

func (e *Engine) lookupLocked(inv *Invocation) Handler {
	if inv.Settings.InDebugger && inv.Command.IsSingleScript() {
		if action, ok := engine.ParseResumeVerb(strings.TrimSpace(inv.Command.Commands[0].Name)); ok {
			return func(context.Context, *Invocation) (*engine.Output, error) {
				return &engine.Output{Resume: action}, nil
			}
		}
	}
	if h, ok := e.handlers[strings.ToLower(inv.Name())]; ok {
		return h
	}
	if inv.Command.IsSingleScript() {
		if parsed, ok := parseScript(inv.Command.Commands[0].Name); ok {
			if h, ok := e.handlers[strings.ToLower(parsed.FirstCommandName())]; ok {
				inv.Command = parsed
				return h
			}
		}
	}
	if e.fallback != nil {
		return e.fallback
	}
	return func(_ context.Context, inv *Invocation) (*engine.Output, error) {
		return nil, engine.NewScriptError(fmt.Sprintf("The term '%s' is not recognized as a name of a cmdlet, function, script file, or executable program.", inv.Name()))
	}
}

// parseScript reads script text of the form "Name -Param value -Switch arg"
// as a command, so handlers registered by name also answer typed lines.
func parseScript(script string) (*objects.PSCommand, bool) {
	fields := strings.Fields(script)
	if len(fields) == 0 || strings.ContainsAny(fields[0], "$({;|") {
		return nil, false
	}
	cmd := objects.NewPSCommand().AddCommand(fields[0])
	for i := 1; i < len(fields); i++ {
		f := fields[i]
		if len(f) > 1 && f[0] == '-' {
			if i+1 < len(fields) && fields[i+1][0] != '-' {
				cmd.AddParameter(f[1:], scriptValue(fields[i+1]))
				i++
			} else {
				cmd.AddSwitch(f[1:])
			}
			continue
		}
		cmd.AddArgument(scriptValue(f))
	}
	return cmd, true
}

func scriptValue(s string) any {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return strings.Trim(s, `'"`)
}

// Stop ends the innermost running invocation.
func (e *Engine) Stop() {
	e.stopCalls.Add(1)
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.stack); n > 0 {
		e.stack[n-1].closeStop()
	}
}

// Break requests a pause at the next blocking handler.
func (e *Engine) Break() {
	e.breakCalls.Add(1)
	select {
	case e.breakCh <- struct{}{}:
	default:
	}
}

// Close marks the engine closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// ProbeDSC implements runspace.CapabilityProber.
func (e *Engine) ProbeDSC(ctx context.Context, info *runspace.Info) (*runspace.DSCBreakpointCapability, error) {
	e.dscProbes.Add(1)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dsc, e.dscErr
}

// SetDSC configures the ProbeDSC result.
func (e *Engine) SetDSC(capability *runspace.DSCBreakpointCapability, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dsc, e.dscErr = capability, err
}

// Callbacks returns the callbacks passed to Start.
func (e *Engine) Callbacks() engine.Callbacks {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cb
}

// Calls returns every invocation so far.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// Count returns how many invocations had the given name.
func (e *Engine) Count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if strings.EqualFold(c.Name, name) {
			n++
		}
	}
	return n
}

// Names returns the invocation names in order.
func (e *Engine) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.calls))
	for i, c := range e.calls {
		names[i] = c.Name
	}
	return names
}

// Overlaps returns how many invocations started while another was running
// outside a callback.
func (e *Engine) Overlaps() int { return int(e.overlaps.Load()) }

// StopCalls returns how many times Stop was called.
func (e *Engine) StopCalls() int { return int(e.stopCalls.Load()) }

// BreakCalls returns how many times Break was called.
func (e *Engine) BreakCalls() int { return int(e.breakCalls.Load()) }

// DSCProbes returns how many times ProbeDSC was called.
func (e *Engine) DSCProbes() int { return int(e.dscProbes.Load()) }

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Invocation is one running command.
type Invocation struct {
	Engine   *Engine
	Target   *runspace.Info
	Command  *objects.PSCommand
	Settings engine.InvokeSettings

	stopCh    chan struct{}
	closeStop func()
}

// Name returns the first command name, or the script text.
func (inv *Invocation) Name() string {
	if inv.Command.IsEmpty() {
		return ""
	}
	return strings.TrimSpace(inv.Command.Commands[0].Name)
}

// Param returns a named parameter of the first command.
func (inv *Invocation) Param(name string) (any, bool) {
	if inv.Command.IsEmpty() {
		return nil, false
	}
	for _, p := range inv.Command.Commands[0].Parameters {
		if strings.EqualFold(p.Name, name) {
			return p.Value, true
		}
	}
	return nil, false
}

// StringParam returns a string parameter, or "".
func (inv *Invocation) StringParam(name string) string {
	v, _ := inv.Param(name)
	s, _ := v.(string)
	return s
}

// Stopped is closed when Stop targets this invocation.
func (inv *Invocation) Stopped() <-chan struct{} { return inv.stopCh }

// DebuggerStop reports a debugger stop to the handler and returns its
// resume action. The event's call stack becomes what Get-PSCallStack returns.
func (inv *Invocation) DebuggerStop(ctx context.Context, ev *engine.DebuggerStopEvent) engine.ResumeAction {
	cb := inv.Engine.Callbacks()
	if cb.Debugger == nil {
		return engine.ResumeContinue
	}
	inv.Engine.callbackDepth.Add(1)
	defer inv.Engine.callbackDepth.Add(-1)
	return cb.Debugger.OnDebuggerStop(ctx, ev)
}

// EnterNestedPrompt calls the runspace handler's nested prompt.
func (inv *Invocation) EnterNestedPrompt(ctx context.Context) error {
	cb := inv.Engine.Callbacks()
	if cb.Runspaces == nil {
		return nil
	}
	inv.Engine.callbackDepth.Add(1)
	defer inv.Engine.callbackDepth.Add(-1)
	return cb.Runspaces.EnterNestedPrompt(ctx)
}

// Block waits until the invocation is stopped or ctx ends. A Break while
// blocked raises a pause stop; resuming with Stop ends the wait.
func (inv *Invocation) Block(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-inv.stopCh:
			return ErrStopped
		case <-inv.Engine.breakCh:
			action := inv.DebuggerStop(ctx, &engine.DebuggerStopEvent{Reason: engine.StopReasonPause})
			if action == engine.ResumeStop {
				return ErrStopped
			}
		}
	}
}

// Output returns an Output with the given objects.
func Output(objs ...any) *engine.Output {
	return &engine.Output{Objects: objs}
}

// Returns is a handler that always produces objs.
func Returns(objs ...any) Handler {
	return func(context.Context, *Invocation) (*engine.Output, error) {
		return Output(objs...), nil
	}
}

// Throws is a handler that raises a terminating script error.
func Throws(message string) Handler {
	return func(context.Context, *Invocation) (*engine.Output, error) {
		return nil, engine.NewScriptError(message)
	}
}

// Blocks is a handler that runs until stopped.
func Blocks() Handler {
	return func(ctx context.Context, inv *Invocation) (*engine.Output, error) {
		return nil, inv.Block(ctx)
	}
}

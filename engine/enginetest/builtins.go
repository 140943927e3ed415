package enginetest

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/smnsjas/go-pseshost/engine"
	"github.com/smnsjas/go-pseshost/objects"
	"github.com/smnsjas/go-pseshost/runspace"
)

func (e *Engine) installBuiltins() {
	e.handlers["set-psbreakpoint"] = e.setBreakpoint
	e.handlers["remove-psbreakpoint"] = e.removeBreakpoint
	e.handlers["get-psbreakpoint"] = e.getBreakpoints
	e.handlers["get-pscallstack"] = e.getCallStack
	e.handlers["get-variable"] = e.getVariable
	e.handlers["set-variable"] = e.setVariable
	e.handlers["get-command"] = e.getCommand
	e.handlers["get-help"] = e.getHelp
	e.handlers["tabexpansion2"] = e.tabExpansion
	e.handlers["prompt"] = Returns("PS> ")
	e.handlers["enable-dscdebug"] = Returns()
	e.handlers["enter-pssession"] = e.enterSession
	e.handlers["exit-pssession"] = e.exitSession
	e.handlers["enter-pshostprocess"] = e.enterHostProcess
	e.handlers["exit-pshostprocess"] = e.exitSession
	e.handlers["$host.enternestedprompt()"] = func(ctx context.Context, inv *Invocation) (*engine.Output, error) {
		return nil, inv.EnterNestedPrompt(ctx)
	}
	e.handlers["exit"] = func(ctx context.Context, inv *Invocation) (*engine.Output, error) {
		if cb := e.Callbacks(); cb.Runspaces != nil {
			_ = cb.Runspaces.ExitNestedPrompt(ctx)
		}
		return Output(), nil
	}
}

// SetCallStack sets what Get-PSCallStack returns.
func (e *Engine) SetCallStack(frames ...engine.CallStackFrame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callStack = frames
}

// SetVariables sets the variables of a scope. Scopes are "0", "1", ...
// for call stack frames, plus "script" and "global".
func (e *Engine) SetVariables(scope string, vars ...engine.Variable) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scopes[strings.ToLower(scope)] = vars
}

// Variables returns the variables of a scope.
func (e *Engine) Variables(scope string) []engine.Variable {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Variable(nil), e.scopes[strings.ToLower(scope)]...)
}

// AddCommand registers a discoverable command and its help synopsis.
func (e *Engine) AddCommand(info objects.CommandInfo, synopsis string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commandInfo[strings.ToLower(info.Name)] = info
	if synopsis != "" {
		e.synopses[strings.ToLower(info.Name)] = synopsis
	}
}

// SetCompletion replaces the default TabExpansion2 behavior.
func (e *Engine) SetCompletion(fn func(script string, cursor int) *objects.CommandCompletion) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completion = fn
}

// Breakpoints returns the engine's breakpoints ordered by id.
func (e *Engine) Breakpoints() []engine.Breakpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedBreakpointsLocked()
}

func (e *Engine) sortedBreakpointsLocked() []engine.Breakpoint {
	bps := make([]engine.Breakpoint, 0, len(e.breakpoints))
	for _, bp := range e.breakpoints {
		bps = append(bps, bp)
	}
	sort.Slice(bps, func(i, j int) bool { return bps[i].ID < bps[j].ID })
	return bps
}

// AddBreakpoint sets a breakpoint as a script would, raising the
// breakpoint-updated event.
func (e *Engine) AddBreakpoint(bp engine.Breakpoint) engine.Breakpoint {
	e.mu.Lock()
	bp.ID = e.nextBpID
	e.nextBpID++
	bp.Enabled = true
	e.breakpoints[bp.ID] = bp
	e.mu.Unlock()

	e.notifyBreakpoint(bp, engine.BreakpointSet)
	return bp
}

// RemoveBreakpoint removes a breakpoint as a script would.
func (e *Engine) RemoveBreakpoint(id int) {
	e.mu.Lock()
	bp, ok := e.breakpoints[id]
	delete(e.breakpoints, id)
	e.mu.Unlock()

	if ok {
		e.notifyBreakpoint(bp, engine.BreakpointRemoved)
	}
}

func (e *Engine) notifyBreakpoint(bp engine.Breakpoint, update engine.BreakpointUpdateType) {
	if cb := e.Callbacks(); cb.Debugger != nil {
		cb.Debugger.OnBreakpointUpdated(&engine.BreakpointUpdatedEvent{Breakpoint: bp, Update: update})
	}
}

func (e *Engine) setBreakpoint(_ context.Context, inv *Invocation) (*engine.Output, error) {
	script := inv.StringParam("Script")
	var action string
	if v, ok := inv.Param("Action"); ok {
		if sb, ok := v.(*objects.ScriptBlock); ok {
			action = sb.Text
		} else {
			action = fmt.Sprint(v)
		}
	}

	var bps []engine.Breakpoint
	if v, ok := inv.Param("Command"); ok {
		for _, name := range toStrings(v) {
			bps = append(bps, engine.Breakpoint{Kind: engine.BreakpointKindCommand, Command: name, Script: script, Action: action})
		}
	}
	if v, ok := inv.Param("Line"); ok {
		column := 0
		if c, ok := inv.Param("Column"); ok {
			column = firstInt(c)
		}
		for _, line := range toInts(v) {
			if line < 1 {
				return nil, engine.NewScriptError(fmt.Sprintf("Cannot validate argument on parameter 'Line'. The %d argument is less than the minimum allowed range of 1.", line))
			}
			bps = append(bps, engine.Breakpoint{Kind: engine.BreakpointKindLine, Script: script, Line: line, Column: column, Action: action})
		}
	}
	if v, ok := inv.Param("Variable"); ok {
		for _, name := range toStrings(v) {
			bps = append(bps, engine.Breakpoint{Kind: engine.BreakpointKindVariable, Variable: name, Script: script, Action: action})
		}
	}

	out := Output()
	for _, bp := range bps {
		out.Objects = append(out.Objects, e.AddBreakpoint(bp))
	}
	return out, nil
}

func (e *Engine) removeBreakpoint(_ context.Context, inv *Invocation) (*engine.Output, error) {
	v, ok := inv.Param("Id")
	if !ok {
		return nil, engine.NewScriptError("Remove-PSBreakpoint: missing Id")
	}
	for _, id := range toInts(v) {
		e.RemoveBreakpoint(id)
	}
	return Output(), nil
}

func (e *Engine) getBreakpoints(context.Context, *Invocation) (*engine.Output, error) {
	out := Output()
	for _, bp := range e.Breakpoints() {
		out.Objects = append(out.Objects, bp)
	}
	return out, nil
}

func (e *Engine) getCallStack(context.Context, *Invocation) (*engine.Output, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := Output()
	for _, f := range e.callStack {
		out.Objects = append(out.Objects, f)
	}
	return out, nil
}

func scopeKey(inv *Invocation) string {
	v, ok := inv.Param("Scope")
	if !ok {
		return "0"
	}
	return strings.ToLower(fmt.Sprint(v))
}

func (e *Engine) getVariable(_ context.Context, inv *Invocation) (*engine.Output, error) {
	key := scopeKey(inv)
	name := inv.StringParam("Name")

	e.mu.Lock()
	defer e.mu.Unlock()
	vars, ok := e.scopes[key]
	if !ok {
		return nil, engine.NewScriptError(fmt.Sprintf("The scope number '%s' exceeds the number of active scopes.", key))
	}
	out := Output()
	for _, v := range vars {
		if name == "" || strings.EqualFold(v.Name, name) {
			out.Objects = append(out.Objects, v)
		}
	}
	if name != "" && len(out.Objects) == 0 {
		return nil, engine.NewScriptError(fmt.Sprintf("Cannot find a variable with the name '%s'.", name))
	}
	return out, nil
}

func (e *Engine) setVariable(_ context.Context, inv *Invocation) (*engine.Output, error) {
	key := scopeKey(inv)
	name := inv.StringParam("Name")
	value, _ := inv.Param("Value")

	e.mu.Lock()
	defer e.mu.Unlock()
	vars := e.scopes[key]
	for i := range vars {
		if strings.EqualFold(vars[i].Name, name) {
			vars[i].Value = value
			return Output(), nil
		}
	}
	e.scopes[key] = append(vars, engine.Variable{Name: name, Value: value})
	return Output(), nil
}

func (e *Engine) getCommand(_ context.Context, inv *Invocation) (*engine.Output, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := Output()
	if t := inv.StringParam("CommandType"); strings.EqualFold(t, "Alias") {
		names := make([]string, 0, len(e.commandInfo))
		for k, info := range e.commandInfo {
			if info.CommandType == objects.CommandTypeAlias {
				names = append(names, k)
			}
		}
		sort.Strings(names)
		for _, k := range names {
			out.Objects = append(out.Objects, e.commandInfo[k])
		}
		return out, nil
	}

	if info, ok := e.commandInfo[strings.ToLower(inv.StringParam("Name"))]; ok {
		out.Objects = append(out.Objects, info)
	}
	return out, nil
}

func (e *Engine) getHelp(_ context.Context, inv *Invocation) (*engine.Output, error) {
	name := inv.StringParam("Name")
	e.mu.Lock()
	defer e.mu.Unlock()
	synopsis, ok := e.synopses[strings.ToLower(name)]
	if !ok {
		synopsis = name
	}
	return Output(objects.HelpInfo{Name: name, Synopsis: synopsis}), nil
}

func (e *Engine) tabExpansion(_ context.Context, inv *Invocation) (*engine.Output, error) {
	script := inv.StringParam("inputScript")
	cursor := len(script)
	if v, ok := inv.Param("cursorColumn"); ok {
		cursor = firstInt(v)
	}

	e.mu.Lock()
	fn := e.completion
	e.mu.Unlock()
	if fn != nil {
		return Output(fn(script, cursor)), nil
	}

	prefix := script[:min(cursor, len(script))]
	start := strings.LastIndexAny(prefix, " |;") + 1
	word := strings.ToLower(prefix[start:])

	e.mu.Lock()
	defer e.mu.Unlock()
	completion := &objects.CommandCompletion{ReplacementIndex: start, ReplacementLength: len(word)}
	names := make([]string, 0, len(e.commandInfo))
	for _, info := range e.commandInfo {
		if word != "" && strings.HasPrefix(strings.ToLower(info.Name), word) {
			names = append(names, info.Name)
		}
	}
	sort.Strings(names)
	for _, n := range names {
		completion.CompletionMatches = append(completion.CompletionMatches, objects.CompletionResult{
			CompletionText: n,
			ListItemText:   n,
			ResultType:     objects.CompletionResultTypeCommand,
			ToolTip:        n,
		})
	}
	return Output(completion), nil
}

func (e *Engine) enterSession(ctx context.Context, inv *Invocation) (*engine.Output, error) {
	computer := inv.StringParam("ComputerName")
	if computer == "" {
		return nil, engine.NewScriptError("Enter-PSSession: ComputerName is required")
	}
	details := e.initial.Details()
	details.ComputerName = computer
	return e.push(ctx, runspace.New(runspace.OriginPSSession, details))
}

func (e *Engine) enterHostProcess(ctx context.Context, inv *Invocation) (*engine.Output, error) {
	v, ok := inv.Param("Id")
	if !ok {
		return nil, engine.NewScriptError("Enter-PSHostProcess: Id is required")
	}
	details := e.initial.Details()
	details.ProcessID = firstInt(v)
	details.RunspaceID = 1
	return e.push(ctx, runspace.New(runspace.OriginEnteredProcess, details))
}

func (e *Engine) push(ctx context.Context, info *runspace.Info) (*engine.Output, error) {
	cb := e.Callbacks()
	if cb.Runspaces == nil {
		return Output(), nil
	}
	if err := cb.Runspaces.PushRunspace(ctx, info); err != nil {
		return nil, err
	}
	return Output(), nil
}

func (e *Engine) exitSession(ctx context.Context, inv *Invocation) (*engine.Output, error) {
	cb := e.Callbacks()
	if cb.Runspaces == nil {
		return Output(), nil
	}
	if err := cb.Runspaces.PopRunspace(ctx, runspace.ActionExit); err != nil {
		return nil, err
	}
	return Output(), nil
}

func toInts(v any) []int {
	switch n := v.(type) {
	case int:
		return []int{n}
	case int32:
		return []int{int(n)}
	case int64:
		return []int{int(n)}
	case []int:
		return n
	case []any:
		out := make([]int, 0, len(n))
		for _, item := range n {
			out = append(out, toInts(item)...)
		}
		return out
	default:
		return []int{0}
	}
}

func firstInt(v any) int {
	if ns := toInts(v); len(ns) > 0 {
		return ns[0]
	}
	return 0
}

func toStrings(v any) []string {
	switch s := v.(type) {
	case string:
		return []string{s}
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}

package debugger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/smnsjas/go-pseshost/engine"
	"github.com/smnsjas/go-pseshost/objects"
	"github.com/smnsjas/go-pseshost/pipeline"
)

// ErrInvalidHitCondition is reported for a hit condition that is not a
// non-negative integer.
var ErrInvalidHitCondition = errors.New("debugger: hit condition must be a non-negative integer")

// BreakpointRequest asks for a line breakpoint. Lines and columns are
// 1-based; Column 0 means the whole line.
type BreakpointRequest struct {
	Line         int
	Column       int
	Condition    string
	HitCondition string
	LogMessage   string
}

// BreakpointDetails is a line breakpoint as known to the coordinator. ID is
// the engine's breakpoint id once Verified.
type BreakpointDetails struct {
	ID       int
	Verified bool
	// Message explains why an unverified breakpoint could not be set.
	Message      string
	Source       string
	Line         int
	Column       int
	Condition    string
	HitCondition string
	LogMessage   string
}

// CommandBreakpointRequest asks for a breakpoint on a command or function.
type CommandBreakpointRequest struct {
	Name         string
	Condition    string
	HitCondition string
}

// CommandBreakpointDetails is a command breakpoint as known to the coordinator.
type CommandBreakpointDetails struct {
	ID           int
	Verified     bool
	Message      string
	Name         string
	Condition    string
	HitCondition string
}

// normalizePath returns the index key for a script path.
func normalizePath(path string) string {
	p := filepath.Clean(path)
	if runtime.GOOS == "windows" {
		p = strings.ToLower(p)
	}
	return p
}

// escapeWildcards escapes a literal path for parameters that take wildcard
// patterns, such as Set-PSBreakpoint -Script.
func escapeWildcards(path string) string {
	var b strings.Builder
	for _, r := range path {
		switch r {
		case '`', '*', '?', '[', ']':
			b.WriteByte('`')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var logExpression = regexp.MustCompile(`\{([^{}]*)\}`)

// logMessageCommand turns a log message with {expr} placeholders into a
// Write-Host call that interpolates them.
func logMessageCommand(message string) string {
	escaped := strings.NewReplacer("`", "``", `"`, "`\"", "$", "`$").Replace(message)
	interpolated := logExpression.ReplaceAllStringFunc(escaped, func(m string) string {
		expr := m[1 : len(m)-1]
		// Undo the escaping inside the expression itself.
		expr = strings.NewReplacer("``", "`", "`\"", `"`, "`$", "$").Replace(expr)
		return "$(" + expr + ")"
	})
	return `Microsoft.PowerShell.Utility\Write-Host "` + interpolated + `"`
}

// actionScript builds the -Action scriptblock body for a breakpoint with a
// condition, hit count or log message. counter names the hit counter
// variable. It returns "" when the breakpoint needs no action.
func actionScript(condition, hitCondition, logMessage string, counter int) (string, error) {
	condition = strings.TrimSpace(condition)
	hitCondition = strings.TrimSpace(hitCondition)
	if condition == "" && hitCondition == "" && logMessage == "" {
		return "", nil
	}

	body := "break"
	if logMessage != "" {
		body = logMessageCommand(logMessage)
	}

	if hitCondition != "" {
		hits, err := strconv.Atoi(hitCondition)
		if err != nil || hits < 0 {
			return "", fmt.Errorf("%w: %q", ErrInvalidHitCondition, hitCondition)
		}
		v := fmt.Sprintf("$global:__pseshost_BreakHitCounter_%d", counter)
		body = fmt.Sprintf("%s += 1; if (%s -eq %d) { %s }", v, v, hits, body)
	}

	if condition != "" {
		body = fmt.Sprintf("if (%s) { %s }", condition, body)
	}
	return body, nil
}

// priority returns the priority breakpoint work runs at: introspection
// while stopped so it is not held behind the debugger frame.
func (c *Coordinator) priority() pipeline.Priority {
	if c.IsStopped() {
		return pipeline.PriorityIntrospection
	}
	return pipeline.PriorityNormal
}

func (c *Coordinator) breakpointOptions(throw bool) pipeline.Options {
	return pipeline.Options{InDebugger: c.IsStopped(), ThrowOnError: throw}
}

func (c *Coordinator) nextHitCounter() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hitCounter++
	return c.hitCounter
}

// Breakpoints returns the line breakpoints known for a script.
func (c *Coordinator) Breakpoints(path string) []BreakpointDetails {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := c.lineBreakpoints[normalizePath(path)]
	out := make([]BreakpointDetails, len(list))
	for i, d := range list {
		out[i] = *d
	}
	return out
}

// CommandBreakpoints returns the known command breakpoints.
func (c *Coordinator) CommandBreakpoints() []CommandBreakpointDetails {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CommandBreakpointDetails, len(c.commandBreakpoints))
	for i, d := range c.commandBreakpoints {
		out[i] = *d
	}
	return out
}

// SetLineBreakpoints sets breakpoints in a script. With clearExisting the
// script's current breakpoints are removed first. Breakpoints the engine
// rejects come back unverified with a Message; only verified ones enter
// the index.
func (c *Coordinator) SetLineBreakpoints(ctx context.Context, path string, reqs []BreakpointRequest, clearExisting bool) ([]*BreakpointDetails, error) {
	v, err := c.exec.ExecuteDelegate(ctx, "set-line-breakpoints", c.priority(), func(ctx context.Context) (any, error) {
		return c.setLineBreakpoints(ctx, path, reqs, clearExisting)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*BreakpointDetails), nil
}

// ClearBreakpoints removes every breakpoint in a script.
func (c *Coordinator) ClearBreakpoints(ctx context.Context, path string) error {
	_, err := c.SetLineBreakpoints(ctx, path, nil, true)
	return err
}

func (c *Coordinator) setLineBreakpoints(ctx context.Context, path string, reqs []BreakpointRequest, clearExisting bool) ([]*BreakpointDetails, error) {
	key := normalizePath(path)
	if clearExisting {
		c.mu.RLock()
		ids := make([]int, 0, len(c.lineBreakpoints[key]))
		for _, d := range c.lineBreakpoints[key] {
			ids = append(ids, d.ID)
		}
		c.mu.RUnlock()

		if err := c.removeBreakpoints(ctx, ids); err != nil {
			return nil, fmt.Errorf("clear breakpoints in %s: %w", path, err)
		}
		c.mu.Lock()
		delete(c.lineBreakpoints, key)
		c.mu.Unlock()
	}

	if len(reqs) > 0 {
		c.enableDSCDebugging(ctx, path)
	}

	out := make([]*BreakpointDetails, 0, len(reqs))
	for _, req := range reqs {
		d := &BreakpointDetails{
			Source:       path,
			Line:         req.Line,
			Column:       req.Column,
			Condition:    req.Condition,
			HitCondition: req.HitCondition,
			LogMessage:   req.LogMessage,
		}
		out = append(out, d)

		action, err := actionScript(req.Condition, req.HitCondition, req.LogMessage, c.nextHitCounter())
		if err != nil {
			d.Message = err.Error()
			continue
		}
		cmd := objects.NewPSCommand().AddCommand("Set-PSBreakpoint").
			AddParameter("Script", escapeWildcards(path)).
			AddParameter("Line", req.Line)
		if req.Column > 0 {
			cmd.AddParameter("Column", req.Column)
		}
		if action != "" {
			cmd.AddParameter("Action", &objects.ScriptBlock{Text: action})
		}

		bp, err := c.setBreakpoint(ctx, cmd)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			d.Message = err.Error()
			continue
		}
		d.ID, d.Verified = bp.ID, true
	}

	c.mu.Lock()
	for _, d := range out {
		if d.Verified {
			copied := *d
			c.lineBreakpoints[key] = append(c.lineBreakpoints[key], &copied)
		}
	}
	c.mu.Unlock()

	c.logger.Debug("line breakpoints set", "script", path, "requested", len(reqs), "clear", clearExisting)
	return out, nil
}

// SetCommandBreakpoints replaces all command breakpoints.
func (c *Coordinator) SetCommandBreakpoints(ctx context.Context, reqs []CommandBreakpointRequest) ([]*CommandBreakpointDetails, error) {
	v, err := c.exec.ExecuteDelegate(ctx, "set-command-breakpoints", c.priority(), func(ctx context.Context) (any, error) {
		c.mu.RLock()
		ids := make([]int, 0, len(c.commandBreakpoints))
		for _, d := range c.commandBreakpoints {
			ids = append(ids, d.ID)
		}
		c.mu.RUnlock()

		if err := c.removeBreakpoints(ctx, ids); err != nil {
			return nil, fmt.Errorf("clear command breakpoints: %w", err)
		}

		out := make([]*CommandBreakpointDetails, 0, len(reqs))
		for _, req := range reqs {
			d := &CommandBreakpointDetails{Name: req.Name, Condition: req.Condition, HitCondition: req.HitCondition}
			out = append(out, d)

			action, err := actionScript(req.Condition, req.HitCondition, "", c.nextHitCounter())
			if err != nil {
				d.Message = err.Error()
				continue
			}
			cmd := objects.NewPSCommand().AddCommand("Set-PSBreakpoint").AddParameter("Command", req.Name)
			if action != "" {
				cmd.AddParameter("Action", &objects.ScriptBlock{Text: action})
			}
			bp, err := c.setBreakpoint(ctx, cmd)
			if err != nil {
				if ctx.Err() != nil {
					return nil, err
				}
				d.Message = err.Error()
				continue
			}
			d.ID, d.Verified = bp.ID, true
		}

		c.mu.Lock()
		c.commandBreakpoints = c.commandBreakpoints[:0]
		for _, d := range out {
			if d.Verified {
				copied := *d
				c.commandBreakpoints = append(c.commandBreakpoints, &copied)
			}
		}
		c.mu.Unlock()
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*CommandBreakpointDetails), nil
}

// setBreakpoint runs a Set-PSBreakpoint command and returns the breakpoint
// the engine created.
func (c *Coordinator) setBreakpoint(ctx context.Context, cmd *objects.PSCommand) (engine.Breakpoint, error) {
	res, err := c.exec.ExecuteCommand(ctx, cmd, c.priority(), c.breakpointOptions(false))
	if err != nil {
		return engine.Breakpoint{}, err
	}
	if res.HadErrors() {
		return engine.Breakpoint{}, &engine.ScriptError{Record: res.Errors[0]}
	}
	for _, obj := range res.Output {
		if bp, ok := engine.BreakpointFromObject(obj); ok {
			return bp, nil
		}
	}
	return engine.Breakpoint{}, errors.New("debugger: engine returned no breakpoint")
}

func (c *Coordinator) removeBreakpoints(ctx context.Context, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	cmd := objects.NewPSCommand().AddCommand("Remove-PSBreakpoint").AddParameter("Id", ids)
	_, err := c.exec.ExecuteCommand(ctx, cmd, c.priority(), c.breakpointOptions(true))
	return err
}

// enableDSCDebugging turns on DSC resource debugging once per runspace
// when path is inside a DSC resource module.
func (c *Coordinator) enableDSCDebugging(ctx context.Context, path string) {
	info := c.exec.CurrentRunspace()
	if info == nil {
		return
	}
	capability, ok := info.DSCCapability(ctx)
	if !ok || !capability.IsDSCResourcePath(path) {
		return
	}

	c.mu.RLock()
	done := c.dscEnabled[info.ID()]
	c.mu.RUnlock()
	if done {
		return
	}

	cmd := objects.NewPSCommand().AddCommand("Enable-DscDebug").AddSwitch("BreakAll")
	if _, err := c.exec.ExecuteCommand(ctx, cmd, c.priority(), c.breakpointOptions(true)); err != nil {
		c.logger.Warn("enable DSC debugging", "runspace", info.String(), "error", err)
		return
	}
	c.mu.Lock()
	c.dscEnabled[info.ID()] = true
	c.mu.Unlock()
}

// OnBreakpointUpdated implements engine.DebuggerHandler. The engine may
// raise it on any goroutine, so reconciliation is queued to the worker.
func (c *Coordinator) OnBreakpointUpdated(ev *engine.BreakpointUpdatedEvent) {
	update := *ev
	c.exec.Submit(context.Background(), pipeline.NewDelegateRequest("reconcile-breakpoint", func(context.Context) (any, error) {
		c.reconcile(update)
		return nil, nil
	}, pipeline.PriorityIntrospection, pipeline.Options{}))
}

// reconcile applies an engine breakpoint change to the index. Changes the
// coordinator made itself are already indexed and are ignored.
func (c *Coordinator) reconcile(ev engine.BreakpointUpdatedEvent) {
	bp := ev.Breakpoint
	var out *BreakpointUpdatedEvent

	c.mu.Lock()
	switch bp.Kind {
	case engine.BreakpointKindLine:
		if bp.Script == "" {
			break
		}
		key := normalizePath(bp.Script)
		list := c.lineBreakpoints[key]
		idx := -1
		for i, d := range list {
			if d.ID == bp.ID {
				idx = i
				break
			}
		}
		switch {
		case ev.Update == engine.BreakpointSet && idx < 0:
			d := &BreakpointDetails{ID: bp.ID, Verified: true, Source: bp.Script, Line: bp.Line, Column: bp.Column}
			c.lineBreakpoints[key] = append(list, d)
			copied := *d
			out = &BreakpointUpdatedEvent{Line: &copied, Update: ev.Update}
		case ev.Update == engine.BreakpointRemoved && idx >= 0:
			copied := *list[idx]
			c.lineBreakpoints[key] = append(list[:idx:idx], list[idx+1:]...)
			if len(c.lineBreakpoints[key]) == 0 {
				delete(c.lineBreakpoints, key)
			}
			out = &BreakpointUpdatedEvent{Line: &copied, Update: ev.Update}
		case (ev.Update == engine.BreakpointEnabled || ev.Update == engine.BreakpointDisabled) && idx >= 0:
			copied := *list[idx]
			out = &BreakpointUpdatedEvent{Line: &copied, Update: ev.Update}
		}

	case engine.BreakpointKindCommand:
		idx := -1
		for i, d := range c.commandBreakpoints {
			if d.ID == bp.ID {
				idx = i
				break
			}
		}
		switch {
		case ev.Update == engine.BreakpointSet && idx < 0:
			d := &CommandBreakpointDetails{ID: bp.ID, Verified: true, Name: bp.Command}
			c.commandBreakpoints = append(c.commandBreakpoints, d)
			copied := *d
			out = &BreakpointUpdatedEvent{Command: &copied, Update: ev.Update}
		case ev.Update == engine.BreakpointRemoved && idx >= 0:
			copied := *c.commandBreakpoints[idx]
			c.commandBreakpoints = append(c.commandBreakpoints[:idx:idx], c.commandBreakpoints[idx+1:]...)
			out = &BreakpointUpdatedEvent{Command: &copied, Update: ev.Update}
		case (ev.Update == engine.BreakpointEnabled || ev.Update == engine.BreakpointDisabled) && idx >= 0:
			copied := *c.commandBreakpoints[idx]
			out = &BreakpointUpdatedEvent{Command: &copied, Update: ev.Update}
		}
	}
	c.mu.Unlock()

	if out == nil {
		c.logger.Debug("breakpoint update needs no reconciliation", "id", bp.ID, "update", ev.Update.String())
		return
	}
	c.logger.Debug("reconciled breakpoint update", "id", bp.ID, "update", ev.Update.String())
	c.bpUpdated.Publish(*out)
}

// Package repl runs the interactive console loop.
//
// The loop reads a line, submits it to the execution queue at REPL
// priority and waits for it, writing output and errors to the host. When
// the command stops in the debugger the loop switches to a nested "[DBG]"
// prompt whose lines run through the debugger until the stop is resumed.
//
// Input is read on a separate goroutine so the loop can react to debugger
// events while a read is outstanding. A line typed while a command is
// still running is kept and processed after it.
package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/smnsjas/go-pseshost/debugger"
	"github.com/smnsjas/go-pseshost/engine"
	"github.com/smnsjas/go-pseshost/host"
	"github.com/smnsjas/go-pseshost/pipeline"
	"github.com/smnsjas/go-pseshost/runspace"
)

// DefaultPrompt is shown when the prompt function fails or returns nothing.
const DefaultPrompt = "PS> "

// DebugPromptPrefix decorates the prompt while the debugger is stopped.
const DebugPromptPrefix = "[DBG]: "

// Executor is the part of the execution service the loop uses.
type Executor interface {
	Submit(ctx context.Context, req *pipeline.Request) *pipeline.Task
	ExecuteScript(ctx context.Context, script string, priority pipeline.Priority, opts pipeline.Options) (*pipeline.Result, error)
	CurrentRunspace() *runspace.Info
}

// Debugger is the part of the debugger coordinator the loop uses.
type Debugger interface {
	SubscribeStopped(fn func(debugger.StoppedEvent)) (unsubscribe func())
	SubscribeResumed(fn func(debugger.ResumedEvent)) (unsubscribe func())
	IsStopped() bool
	ExecuteDebuggerCommand(ctx context.Context, line string) (*pipeline.Result, error)
	Abort(ctx context.Context) error
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithDebugger enables the nested debugger prompt.
func WithDebugger(d Debugger) Option {
	return func(l *Loop) { l.dbg = d }
}

// WithUI sets where the loop writes its own messages. The default
// discards them; command output goes to the execution service's host.
func WithUI(ui host.UI) Option {
	return func(l *Loop) {
		if ui != nil {
			l.ui = ui
		}
	}
}

type readResult struct {
	line string
	err  error
}

// Loop is an interactive read-eval-print loop.
type Loop struct {
	exec   Executor
	dbg    Debugger
	reader LineReader
	ui     host.UI
	logger *slog.Logger

	prompts  chan string
	lines    chan readResult
	pending  bool
	buffered *readResult

	stopped chan debugger.StoppedEvent
	resumed chan debugger.ResumedEvent

	mu        sync.Mutex
	cancelCmd context.CancelCauseFunc
}

// New creates a Loop that reads from reader and runs lines on exec.
func New(exec Executor, reader LineReader, opts ...Option) *Loop {
	l := &Loop{
		exec:    exec,
		reader:  reader,
		ui:      host.NullUI{},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		stopped: make(chan debugger.StoppedEvent, 16),
		resumed: make(chan debugger.ResumedEvent, 16),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// errInterrupted cancels a command interrupted from the console.
var errInterrupted = errors.New("repl: interrupted")

// Interrupt cancels the command the loop is waiting for, if any. It is
// safe to call from any goroutine, typically a SIGINT handler.
func (l *Loop) Interrupt() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelCmd == nil {
		return false
	}
	l.cancelCmd(errInterrupted)
	return true
}

// Run reads and executes lines until ctx ends, input ends or the user
// types exit. It returns nil for the last two.
func (l *Loop) Run(ctx context.Context) error {
	if l.dbg != nil {
		unsubStopped := l.dbg.SubscribeStopped(func(ev debugger.StoppedEvent) {
			select {
			case l.stopped <- ev:
			default:
			}
		})
		defer unsubStopped()
		unsubResumed := l.dbg.SubscribeResumed(func(ev debugger.ResumedEvent) {
			select {
			case l.resumed <- ev:
			default:
			}
		})
		defer unsubResumed()
	}

	done := make(chan struct{})
	defer close(done)
	l.prompts = make(chan string)
	l.lines = make(chan readResult)
	l.pending, l.buffered = false, nil
	go l.readLines(done)

	l.logger.Debug("repl started")
	for {
		debugging := l.debugging()
		line, err := l.readLine(ctx, l.prompt(ctx, debugging))
		switch {
		case errors.Is(err, io.EOF):
			l.logger.Debug("repl input ended")
			return nil
		case err != nil:
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// The debugger may have stopped while the line was being typed.
		if l.debugging() {
			if _, err := l.debugCommand(ctx, line); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if strings.EqualFold(line, "exit") {
			l.logger.Debug("repl exit requested")
			return nil
		}

		if err := l.execute(ctx, line); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (l *Loop) debugging() bool {
	return l.dbg != nil && l.dbg.IsStopped()
}

// readLines serves read requests until done is closed.
func (l *Loop) readLines(done <-chan struct{}) {
	for {
		var prompt string
		select {
		case prompt = <-l.prompts:
		case <-done:
			return
		}
		line, err := l.reader.ReadLine(prompt)
		select {
		case l.lines <- readResult{line: line, err: err}:
		case <-done:
			return
		}
	}
}

// startRead asks the reader goroutine for a line unless one is already
// outstanding or buffered.
func (l *Loop) startRead(prompt string) {
	if l.pending || l.buffered != nil {
		return
	}
	l.prompts <- prompt
	l.pending = true
}

func (l *Loop) readLine(ctx context.Context, prompt string) (string, error) {
	l.startRead(prompt)
	if r := l.buffered; r != nil {
		l.buffered = nil
		return r.line, r.err
	}
	select {
	case r := <-l.lines:
		l.pending = false
		return r.line, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// prompt renders the prompt by running the prompt function.
func (l *Loop) prompt(ctx context.Context, debugging bool) string {
	priority, opts := pipeline.PriorityREPL, pipeline.Options{}
	if debugging {
		priority, opts.InDebugger = pipeline.PriorityIntrospection, true
	}

	text := DefaultPrompt
	res, err := l.exec.ExecuteScript(ctx, "prompt", priority, opts)
	switch {
	case err != nil:
		l.logger.Debug("prompt function failed", "error", err)
	case len(res.Output) > 0:
		parts := make([]string, 0, len(res.Output))
		for _, obj := range res.Output {
			parts = append(parts, fmt.Sprint(obj))
		}
		if s := strings.Join(parts, ""); s != "" {
			text = s
		}
	}

	if info := l.exec.CurrentRunspace(); info != nil {
		text = info.PromptPrefix() + text
	}
	if debugging {
		text = DebugPromptPrefix + text
	}
	return text
}

// execute runs one console line and waits for it, serving the debugger
// prompt whenever it stops.
func (l *Loop) execute(ctx context.Context, line string) error {
	cmdCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	l.mu.Lock()
	l.cancelCmd = cancel
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.cancelCmd = nil
		l.mu.Unlock()
	}()

	task := l.exec.Submit(cmdCtx, pipeline.NewScriptRequest(line, pipeline.PriorityREPL, pipeline.Options{
		WriteOutputToHost: true,
		WriteErrorsToHost: true,
		AddToHistory:      true,
	}))

	for {
		select {
		case <-task.Done():
			_, err := task.Outcome()
			switch {
			case err == nil:
			case errors.Is(err, pipeline.ErrCanceled):
				l.ui.WriteErrorLine("^C")
			default:
				l.ui.WriteErrorLine(err.Error())
			}
			return err
		case ev := <-l.stopped:
			if err := l.debugSession(cmdCtx, ev, task); err != nil {
				return err
			}
		case r := <-l.lines:
			l.pending = false
			l.buffered = &r
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// debugSession serves the "[DBG]" prompt until the stop ev is resumed or
// task finishes.
func (l *Loop) debugSession(ctx context.Context, ev debugger.StoppedEvent, task *pipeline.Task) error {
	if !l.debugging() {
		return nil
	}
	l.ui.WriteLine(describeStop(ev))

	for l.debugging() {
		if l.buffered == nil {
			l.startRead(l.prompt(ctx, true))
		}
		var r readResult
		if l.buffered != nil {
			r, l.buffered = *l.buffered, nil
		} else {
			select {
			case r = <-l.lines:
				l.pending = false
			case resumed := <-l.resumed:
				if resumed.Generation >= ev.Generation {
					return nil
				}
				continue
			case <-task.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		switch {
		case errors.Is(r.err, io.EOF):
			l.logger.Debug("repl input ended while stopped, aborting")
			_ = l.dbg.Abort(ctx)
			return nil
		case r.err != nil:
			return r.err
		}
		line := strings.TrimSpace(r.line)
		if line == "" {
			continue
		}
		res, err := l.debugCommand(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if res.Resume != engine.ResumeNone {
			return nil
		}
	}
	return nil
}

func (l *Loop) debugCommand(ctx context.Context, line string) (*pipeline.Result, error) {
	res, err := l.dbg.ExecuteDebuggerCommand(ctx, line)
	switch {
	case errors.Is(err, debugger.ErrNotStopped):
		l.logger.Debug("debugger resumed before the command ran", "line", line)
	case err != nil:
		l.ui.WriteErrorLine(err.Error())
	}
	return res, err
}

func describeStop(ev debugger.StoppedEvent) string {
	where := ev.ScriptPath
	if where == "" && ev.Frame != nil {
		where = ev.Frame.FunctionName
	}
	switch ev.Reason {
	case engine.StopReasonBreakpoint:
		return fmt.Sprintf("Hit breakpoint at %s:%d", where, ev.Line)
	case engine.StopReasonException:
		return fmt.Sprintf("Stopped on exception at %s:%d", where, ev.Line)
	default:
		return fmt.Sprintf("Stopped at %s:%d", where, ev.Line)
	}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/smnsjas/go-pseshost/engine"
	"github.com/smnsjas/go-pseshost/objects"
)

var (
	// ErrCanceled completes a task that was canceled before or while running.
	// errors.Is(ErrCanceled, context.Canceled) holds.
	ErrCanceled = fmt.Errorf("pipeline: task canceled: %w", context.Canceled)
	// ErrInvalidRequest is returned for a request without exactly one body.
	ErrInvalidRequest = errors.New("pipeline: request must have exactly one of command, script or delegate")
)

// Priority orders requests in the execution queue.
type Priority int

const (
	// PriorityREPL is interactive console input.
	PriorityREPL Priority = iota
	// PriorityNormal is ordinary protocol-driven work.
	PriorityNormal
	// PriorityIntrospection is work allowed while the debugger is stopped.
	PriorityIntrospection
	// PriorityDebuggerResume resumes a stopped debugger.
	PriorityDebuggerResume
)

// String returns a string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityREPL:
		return "REPL"
	case PriorityNormal:
		return "Normal"
	case PriorityIntrospection:
		return "Introspection"
	case PriorityDebuggerResume:
		return "DebuggerResume"
	default:
		return fmt.Sprintf("Unknown(%d)", p)
	}
}

// AllowedWhileStopped reports whether p may run while the debugger is stopped.
func (p Priority) AllowedWhileStopped() bool {
	return p >= PriorityIntrospection
}

// Options adjust how a request runs and reports.
type Options struct {
	// WriteOutputToHost writes the formatted output to the host UI.
	WriteOutputToHost bool
	// WriteInputToHost echoes the command text to the host before running.
	WriteInputToHost bool
	// ThrowOnError fails the task with the script's terminating error.
	// Otherwise the error is collected into Result.Errors.
	ThrowOnError bool
	// WriteErrorsToHost writes collected errors to the host error stream.
	WriteErrorsToHost bool
	// InterruptCurrentForeground stops a running lower-priority request.
	InterruptCurrentForeground bool
	// AddToHistory records the command in the session history.
	AddToHistory bool
	// InDebugger runs the command through the stopped debugger.
	InDebugger bool
}

// Delegate is Go code run on the execution worker. ctx marks the worker, so
// requests submitted with it run inline.
type Delegate func(ctx context.Context) (any, error)

// Request is one unit of work for the execution queue.
type Request struct {
	Command  *objects.PSCommand
	Script   string
	Delegate Delegate

	Priority Priority
	Options  Options
	// Name labels delegate requests in logs.
	Name string
}

// NewCommandRequest creates a request that runs cmd.
func NewCommandRequest(cmd *objects.PSCommand, priority Priority, opts Options) *Request {
	return &Request{Command: cmd, Priority: priority, Options: opts}
}

// NewScriptRequest creates a request that runs script text.
func NewScriptRequest(script string, priority Priority, opts Options) *Request {
	return &Request{Script: script, Priority: priority, Options: opts}
}

// NewDelegateRequest creates a request that runs fn on the worker.
func NewDelegateRequest(name string, fn Delegate, priority Priority, opts Options) *Request {
	return &Request{Delegate: fn, Name: name, Priority: priority, Options: opts}
}

// Validate checks that exactly one body is set.
func (r *Request) Validate() error {
	n := 0
	if !r.Command.IsEmpty() {
		n++
	}
	if r.Script != "" {
		n++
	}
	if r.Delegate != nil {
		n++
	}
	if n != 1 {
		return ErrInvalidRequest
	}
	return nil
}

// IsDelegate reports whether the request runs Go code.
func (r *Request) IsDelegate() bool { return r.Delegate != nil }

// PSCommand returns the command to run, wrapping script text.
func (r *Request) PSCommand() *objects.PSCommand {
	if r.Script != "" {
		return objects.NewScriptCommand(r.Script)
	}
	return r.Command
}

// String describes the request for logs.
func (r *Request) String() string {
	switch {
	case r.Delegate != nil:
		if r.Name != "" {
			return "delegate(" + r.Name + ")"
		}
		return "delegate"
	case r.Script != "":
		return r.Script
	default:
		return r.Command.String()
	}
}

// Result is what a completed request produced.
type Result struct {
	// Output holds the objects the command wrote to its output stream.
	Output []any
	// Errors holds non-terminating errors, and the terminating error when
	// ThrowOnError was not set.
	Errors []*objects.ErrorRecord
	// Value is a delegate's return value.
	Value any
	// Resume is set when an InDebugger command asked the debugger to resume.
	Resume engine.ResumeAction
}

// HadErrors reports whether any error was recorded.
func (r *Result) HadErrors() bool {
	return r != nil && len(r.Errors) > 0
}

// State represents the current state of a Task.
type State int

const (
	// StateNotStarted indicates the task is waiting in the queue.
	StateNotStarted State = iota
	// StateRunning indicates the task is executing on the worker.
	StateRunning
	// StateCompleted indicates the task finished and has a result.
	StateCompleted
	// StateFailed indicates the task finished with an error.
	StateFailed
	// StateCanceled indicates the task was canceled.
	StateCanceled
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateRunning:
		return "Running"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateCanceled:
		return "Canceled"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsTerminal reports whether s is a final state.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// Task is the caller's handle to a submitted request.
type Task struct {
	mu sync.RWMutex

	id     uuid.UUID
	req    *Request
	state  State
	result *Result
	err    error

	doneCh chan struct{}
}

// NewTask creates a task for req in StateNotStarted.
func NewTask(req *Request) *Task {
	return &Task{
		id:     uuid.New(),
		req:    req,
		state:  StateNotStarted,
		doneCh: make(chan struct{}),
	}
}

// ID returns the unique identifier of the task.
func (t *Task) ID() uuid.UUID { return t.id }

// Request returns the submitted request.
func (t *Task) Request() *Request { return t.req }

// State returns the current state of the task.
func (t *Task) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Done returns a channel closed when the task completes.
func (t *Task) Done() <-chan struct{} { return t.doneCh }

// Wait blocks until the task completes or ctx ends. Ending ctx stops the
// wait only; cancel the context the request was submitted with to cancel
// the task itself.
func (t *Task) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-t.doneCh:
		return t.Outcome()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Outcome returns the result and error of a completed task, or
// (nil, nil) when it has not completed.
func (t *Task) Outcome() (*Result, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result, t.err
}

// Start moves the task to StateRunning. It returns false when the task was
// already started or completed.
func (t *Task) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateNotStarted {
		return false
	}
	t.state = StateRunning
	return true
}

// Complete finishes the task with result.
func (t *Task) Complete(result *Result) bool {
	if result == nil {
		result = &Result{}
	}
	return t.transition(StateCompleted, result, nil)
}

// Fail finishes the task with err.
func (t *Task) Fail(err error) bool {
	return t.transition(StateFailed, nil, err)
}

// Cancel finishes the task as canceled. cause, if set, is wrapped alongside
// ErrCanceled.
func (t *Task) Cancel(cause error) bool {
	err := ErrCanceled
	if cause != nil && !errors.Is(cause, context.Canceled) {
		err = fmt.Errorf("%w: %w", ErrCanceled, cause)
	}
	return t.transition(StateCanceled, nil, err)
}

// transition updates the state and signals completion. Only the first
// terminal transition wins.
func (t *Task) transition(newState State, result *Result, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.IsTerminal() {
		return false
	}

	t.state = newState
	t.result = result
	t.err = err
	close(t.doneCh)
	return true
}

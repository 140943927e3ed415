package runspace

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/smnsjas/go-pseshost/event"
)

var (
	// ErrLastRunspace is returned when popping would leave the stack empty.
	ErrLastRunspace = errors.New("runspace: cannot pop the last runspace")
	// ErrNilRunspace is returned when pushing a nil Info.
	ErrNilRunspace = errors.New("runspace: nil runspace info")
	// ErrEmptyStack is returned when popping an empty stack.
	ErrEmptyStack = errors.New("runspace: stack is empty")
)

// Action is the reason for a runspace transition.
type Action int

const (
	// ActionEnter is a push into a nested runspace.
	ActionEnter Action = iota
	// ActionExit is a pop back to the previous runspace.
	ActionExit
	// ActionShutdown is a pop while the session is closing.
	ActionShutdown
)

// String returns a string representation of the action.
func (a Action) String() string {
	switch a {
	case ActionEnter:
		return "Enter"
	case ActionExit:
		return "Exit"
	case ActionShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("Unknown(%d)", a)
	}
}

// ChangeEvent describes one runspace transition. Previous is nil for the
// initial push; New is nil when shutdown empties the stack.
type ChangeEvent struct {
	Action   Action
	Previous *Info
	New      *Info
}

// Context is the stack of entered runspaces.
type Context struct {
	mu     sync.RWMutex
	stack  []*Info
	logger *slog.Logger

	changes event.Source[ChangeEvent]
}

// NewContext creates an empty Context. A nil logger discards output.
func NewContext(logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Context{logger: logger}
}

// Current returns the runspace on top of the stack, or nil when empty.
func (c *Context) Current() *Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.stack) == 0 {
		return nil
	}
	return c.stack[len(c.stack)-1]
}

// Depth returns the number of runspaces on the stack.
func (c *Context) Depth() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.stack)
}

// Snapshot returns the stack from bottom to top.
func (c *Context) Snapshot() []*Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Info(nil), c.stack...)
}

// Subscribe registers fn for runspace transitions.
func (c *Context) Subscribe(fn func(ChangeEvent)) (unsubscribe func()) {
	return c.changes.Subscribe(fn)
}

// Push makes info the current runspace.
func (c *Context) Push(info *Info) error {
	if info == nil {
		return ErrNilRunspace
	}

	c.mu.Lock()
	var prev *Info
	if len(c.stack) > 0 {
		prev = c.stack[len(c.stack)-1]
	}
	c.stack = append(c.stack, info)
	depth := len(c.stack)
	c.mu.Unlock()

	c.logger.Debug("runspace pushed", "runspace", info.String(), "depth", depth)
	c.changes.Publish(ChangeEvent{Action: ActionEnter, Previous: prev, New: info})
	return nil
}

// Pop removes the current runspace and returns it. Only ActionShutdown may
// remove the last runspace.
func (c *Context) Pop(action Action) (*Info, error) {
	c.mu.Lock()
	n := len(c.stack)
	if n == 0 {
		c.mu.Unlock()
		return nil, ErrEmptyStack
	}
	if n == 1 && action != ActionShutdown {
		c.mu.Unlock()
		c.logger.Error("attempted to pop the last runspace", "action", action.String())
		debugInvariant("pop of last runspace with action " + action.String())
		return nil, ErrLastRunspace
	}
	popped := c.stack[n-1]
	c.stack[n-1] = nil
	c.stack = c.stack[:n-1]
	var next *Info
	if n > 1 {
		next = c.stack[n-2]
	}
	c.mu.Unlock()

	c.logger.Debug("runspace popped", "runspace", popped.String(), "action", action.String(), "depth", n-1)
	c.changes.Publish(ChangeEvent{Action: action, Previous: popped, New: next})
	return popped, nil
}

package objects

import (
	"fmt"
	"strings"
)

// CommandParameter represents a parameter for a PowerShell command.
// An empty Name marks a positional argument.
type CommandParameter struct {
	Name  string
	Value any
}

// Command represents a single PowerShell command (cmdlet or script).
type Command struct {
	Name          string
	IsScript      bool
	UseLocalScope bool
	Parameters    []CommandParameter
}

// PSCommand represents a pipeline of commands to be executed.
type PSCommand struct {
	Commands []Command
}

// NewPSCommand creates an empty PSCommand.
func NewPSCommand() *PSCommand {
	return &PSCommand{Commands: make([]Command, 0, 1)}
}

// NewScriptCommand creates a PSCommand that runs the given script text.
func NewScriptCommand(script string) *PSCommand {
	return NewPSCommand().AddScript(script)
}

// AddCommand adds a cmdlet or function to the pipeline.
func (c *PSCommand) AddCommand(name string) *PSCommand {
	c.Commands = append(c.Commands, Command{Name: name})
	return c
}

// AddScript adds a script block to the pipeline.
func (c *PSCommand) AddScript(script string) *PSCommand {
	c.Commands = append(c.Commands, Command{Name: script, IsScript: true})
	return c
}

// AddParameter adds a named parameter to the last command.
func (c *PSCommand) AddParameter(name string, value any) *PSCommand {
	if len(c.Commands) == 0 {
		return c
	}
	idx := len(c.Commands) - 1
	c.Commands[idx].Parameters = append(c.Commands[idx].Parameters, CommandParameter{
		Name:  name,
		Value: value,
	})
	return c
}

// AddSwitch adds a switch parameter to the last command.
func (c *PSCommand) AddSwitch(name string) *PSCommand {
	return c.AddParameter(name, true)
}

// AddArgument adds a positional argument to the last command.
func (c *PSCommand) AddArgument(value any) *PSCommand {
	return c.AddParameter("", value)
}

// IsEmpty reports whether the command has no invocations.
func (c *PSCommand) IsEmpty() bool {
	return c == nil || len(c.Commands) == 0
}

// IsSingleScript reports whether the command is exactly one script invocation.
func (c *PSCommand) IsSingleScript() bool {
	return c != nil && len(c.Commands) == 1 && c.Commands[0].IsScript
}

// FirstCommandName returns the name of the first command, or "" for scripts.
func (c *PSCommand) FirstCommandName() string {
	if c.IsEmpty() || c.Commands[0].IsScript {
		return ""
	}
	return c.Commands[0].Name
}

// Clone returns a deep copy of the command list. Parameter values are shared.
func (c *PSCommand) Clone() *PSCommand {
	if c == nil {
		return nil
	}
	out := &PSCommand{Commands: make([]Command, len(c.Commands))}
	for i, cmd := range c.Commands {
		cmd.Parameters = append([]CommandParameter(nil), cmd.Parameters...)
		out.Commands[i] = cmd
	}
	return out
}

// String renders the command as PowerShell source text. It is used for
// echoing input to the host and for history, not for execution.
func (c *PSCommand) String() string {
	if c == nil {
		return ""
	}
	parts := make([]string, 0, len(c.Commands))
	for _, cmd := range c.Commands {
		if cmd.IsScript {
			parts = append(parts, cmd.Name)
			continue
		}
		var b strings.Builder
		b.WriteString(cmd.Name)
		for _, p := range cmd.Parameters {
			b.WriteByte(' ')
			if p.Name != "" {
				if sw, ok := p.Value.(bool); ok && sw {
					fmt.Fprintf(&b, "-%s", p.Name)
					continue
				}
				fmt.Fprintf(&b, "-%s ", p.Name)
			}
			b.WriteString(formatArgument(p.Value))
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, " | ")
}

func formatArgument(v any) string {
	switch val := v.(type) {
	case string:
		return QuoteString(val)
	case bool:
		if val {
			return "$true"
		}
		return "$false"
	case nil:
		return "$null"
	case *ScriptBlock:
		return val.String()
	case []string:
		quoted := make([]string, len(val))
		for i, s := range val {
			quoted[i] = QuoteString(s)
		}
		return strings.Join(quoted, ",")
	default:
		return fmt.Sprint(val)
	}
}

// QuoteString returns s as a single-quoted PowerShell string literal.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

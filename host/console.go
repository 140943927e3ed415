package host

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/smnsjas/go-pseshost/objects"
)

// ConsoleStyles are the styles a Console applies per stream.
type ConsoleStyles struct {
	Error    lipgloss.Style
	Warning  lipgloss.Style
	Verbose  lipgloss.Style
	Debug    lipgloss.Style
	Progress lipgloss.Style
	Choice   lipgloss.Style
}

// DefaultConsoleStyles returns the console colors PowerShell uses, rendered
// for the color profile of out.
func DefaultConsoleStyles(out io.Writer) ConsoleStyles {
	r := lipgloss.NewRenderer(out)
	return ConsoleStyles{
		Error:    r.NewStyle().Foreground(lipgloss.Color("9")),
		Warning:  r.NewStyle().Foreground(lipgloss.Color("11")),
		Verbose:  r.NewStyle().Foreground(lipgloss.Color("14")),
		Debug:    r.NewStyle().Foreground(lipgloss.Color("14")),
		Progress: r.NewStyle().Foreground(lipgloss.Color("240")),
		Choice:   r.NewStyle().Bold(true),
	}
}

// Console is a UI backed by a terminal or any reader/writer pair.
type Console struct {
	mu     sync.Mutex
	in     *bufio.Reader
	out    io.Writer
	styles ConsoleStyles
}

// NewConsole creates a Console reading from in and writing to out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{
		in:     bufio.NewReader(in),
		out:    out,
		styles: DefaultConsoleStyles(out),
	}
}

// SetStyles replaces the console styles.
func (c *Console) SetStyles(styles ConsoleStyles) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.styles = styles
}

// ReadLine reads one line without its terminator. A final line without a
// newline is returned before io.EOF.
func (c *Console) ReadLine() (string, error) {
	line, err := c.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Console) Write(text string) {
	c.print(text)
}

func (c *Console) WriteLine(text string) {
	c.print(text + "\n")
}

func (c *Console) WriteErrorLine(text string) {
	c.mu.Lock()
	s := c.styles.Error
	c.mu.Unlock()
	c.print(s.Render(text) + "\n")
}

func (c *Console) WriteDebugLine(text string) {
	c.mu.Lock()
	s := c.styles.Debug
	c.mu.Unlock()
	c.print(s.Render("DEBUG: "+text) + "\n")
}

func (c *Console) WriteVerboseLine(text string) {
	c.mu.Lock()
	s := c.styles.Verbose
	c.mu.Unlock()
	c.print(s.Render("VERBOSE: "+text) + "\n")
}

func (c *Console) WriteWarningLine(text string) {
	c.mu.Lock()
	s := c.styles.Warning
	c.mu.Unlock()
	c.print(s.Render("WARNING: "+text) + "\n")
}

func (c *Console) WriteInformation(text string) {
	c.print(text + "\n")
}

// WriteProgress renders one status line per update. Completed records are
// not shown.
func (c *Console) WriteProgress(_ int64, record *objects.ProgressRecord) {
	if record == nil || record.RecordType == objects.ProgressRecordTypeCompleted {
		return
	}
	line := record.Activity
	if record.StatusDescription != "" {
		line += ": " + record.StatusDescription
	}
	if record.PercentComplete >= 0 {
		line += fmt.Sprintf(" [%d%%]", record.PercentComplete)
	}
	c.mu.Lock()
	s := c.styles.Progress
	c.mu.Unlock()
	c.print(s.Render(line) + "\n")
}

// PromptForChoice lists the choices and reads a selection by index or label.
// An empty answer selects defaultChoice; invalid answers prompt again.
func (c *Console) PromptForChoice(caption, message string, choices []ChoiceDescription, defaultChoice int) (int, error) {
	if len(choices) == 0 {
		return defaultChoice, nil
	}
	if caption != "" {
		c.WriteLine(caption)
	}
	if message != "" {
		c.WriteLine(message)
	}
	c.mu.Lock()
	s := c.styles.Choice
	c.mu.Unlock()
	for i, ch := range choices {
		label := strings.ReplaceAll(ch.Label, "&", "")
		if i == defaultChoice {
			label = s.Render(label)
		}
		c.WriteLine(fmt.Sprintf("[%d] %s", i, label))
	}

	for {
		c.Write(fmt.Sprintf("Choice (default %d): ", defaultChoice))
		answer, err := c.ReadLine()
		if err != nil {
			return defaultChoice, err
		}
		answer = strings.TrimSpace(answer)
		if answer == "" {
			return defaultChoice, nil
		}
		if idx, ok := matchChoice(answer, choices); ok {
			return idx, nil
		}
		c.WriteErrorLine("Invalid choice: " + answer)
	}
}

func matchChoice(answer string, choices []ChoiceDescription) (int, bool) {
	if n, err := strconv.Atoi(answer); err == nil {
		if n >= 0 && n < len(choices) {
			return n, true
		}
		return 0, false
	}
	for i, ch := range choices {
		label := strings.ReplaceAll(ch.Label, "&", "")
		if strings.EqualFold(label, answer) {
			return i, true
		}
		// Hotkey: the character after '&'.
		if amp := strings.IndexByte(ch.Label, '&'); amp >= 0 && amp+1 < len(ch.Label) {
			if strings.EqualFold(ch.Label[amp+1:amp+2], answer) {
				return i, true
			}
		}
	}
	return 0, false
}

func (c *Console) print(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, s)
}

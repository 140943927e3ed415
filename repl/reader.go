package repl

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// LineReader shows a prompt and reads one line of input. It returns io.EOF
// when input ends.
type LineReader interface {
	ReadLine(prompt string) (string, error)
}

// NewReader returns a LineReader for in. A terminal gets line editing and
// history; anything else is read line by line with the prompt written to out.
func NewReader(in io.Reader, out io.Writer) LineReader {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return NewTerminalReader(f, out)
	}
	return NewStreamReader(in, out)
}

// StreamReader reads lines from a plain stream.
type StreamReader struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewStreamReader creates a StreamReader.
func NewStreamReader(in io.Reader, out io.Writer) *StreamReader {
	return &StreamReader{in: bufio.NewReader(in), out: out}
}

// ReadLine writes prompt and reads up to the next newline.
func (r *StreamReader) ReadLine(prompt string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prompt != "" && r.out != nil {
		if _, err := io.WriteString(r.out, prompt); err != nil {
			return "", err
		}
	}
	line, err := r.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// TerminalReader reads lines from a terminal with x/term's line editor. The
// terminal is in raw mode only while a line is being read, so host output
// between prompts is written in the normal mode.
type TerminalReader struct {
	mu   sync.Mutex
	fd   int
	term *term.Terminal
}

// NewTerminalReader creates a TerminalReader on the terminal f.
func NewTerminalReader(f *os.File, out io.Writer) *TerminalReader {
	rw := struct {
		io.Reader
		io.Writer
	}{f, out}
	return &TerminalReader{fd: int(f.Fd()), term: term.NewTerminal(rw, "")}
}

// ReadLine shows prompt and reads one edited line.
func (r *TerminalReader) ReadLine(prompt string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := term.MakeRaw(r.fd)
	if err != nil {
		return "", err
	}
	defer func() { _ = term.Restore(r.fd, state) }()

	r.term.SetPrompt(prompt)
	return r.term.ReadLine()
}

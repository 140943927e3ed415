// Package host defines the host user interface the execution core writes to.
//
// When the engine produces host-visible output (Write-Host, warnings,
// progress) or needs input (Read-Host, choice prompts) it goes through the
// UI interface. The execution service also writes command output and errors
// there when a request asks for it.
//
// # Implementations
//
//   - NullHost: discards everything, returns defaults. For non-interactive use.
//   - Publisher: forwards every write as an OutputEvent or ProgressEvent so the
//     protocol layer can relay host output to the editor.
//   - Console: writes to a terminal with styled error/warning/verbose/debug lines.
//
// Engines that marshal host calls across a process boundary describe each call
// as a Call and dispatch it with a Dispatcher.
package host

import (
	"errors"

	"github.com/smnsjas/go-pseshost/objects"
)

// ErrNoInput is returned by ReadLine when the UI has no input source.
var ErrNoInput = errors.New("host: no input available")

// Host describes the hosting application.
type Host interface {
	// Name returns the host name reported as $Host.Name.
	Name() string

	// Version returns the host version.
	Version() Version

	// InstanceID returns a unique identifier for this host instance.
	InstanceID() string

	// UI returns the user interface implementation.
	UI() UI
}

// UI defines the user interface callbacks.
type UI interface {
	// ReadLine reads a line of text from the user.
	ReadLine() (string, error)

	// Write outputs text without a newline.
	Write(text string)

	// WriteLine outputs text with a newline.
	WriteLine(text string)

	// WriteErrorLine outputs error text.
	WriteErrorLine(text string)

	// WriteDebugLine outputs debug text.
	WriteDebugLine(text string)

	// WriteVerboseLine outputs verbose text.
	WriteVerboseLine(text string)

	// WriteWarningLine outputs warning text.
	WriteWarningLine(text string)

	// WriteInformation outputs an information stream record.
	WriteInformation(text string)

	// WriteProgress outputs a progress record.
	WriteProgress(sourceID int64, record *objects.ProgressRecord)

	// PromptForChoice displays choices and returns the selection.
	PromptForChoice(caption, message string, choices []ChoiceDescription, defaultChoice int) (int, error)
}

// Version represents a host version.
type Version struct {
	Major    int
	Minor    int
	Build    int
	Revision int
}

// ChoiceDescription describes a choice option.
type ChoiceDescription struct {
	Label       string
	HelpMessage string
}

// Stream identifies the host stream a line was written to.
type Stream int

const (
	StreamOutput Stream = iota
	StreamError
	StreamWarning
	StreamVerbose
	StreamDebug
	StreamInformation
)

// String returns a string representation of the stream.
func (s Stream) String() string {
	switch s {
	case StreamOutput:
		return "Output"
	case StreamError:
		return "Error"
	case StreamWarning:
		return "Warning"
	case StreamVerbose:
		return "Verbose"
	case StreamDebug:
		return "Debug"
	case StreamInformation:
		return "Information"
	default:
		return "Unknown"
	}
}

// WriteStream writes text to ui on the given stream, always ending the line.
func WriteStream(ui UI, stream Stream, text string) {
	switch stream {
	case StreamError:
		ui.WriteErrorLine(text)
	case StreamWarning:
		ui.WriteWarningLine(text)
	case StreamVerbose:
		ui.WriteVerboseLine(text)
	case StreamDebug:
		ui.WriteDebugLine(text)
	case StreamInformation:
		ui.WriteInformation(text)
	default:
		ui.WriteLine(text)
	}
}

// NullHost provides a no-op host implementation for non-interactive scenarios.
type NullHost struct {
	name    string
	version Version
}

// NewNullHost creates a new NullHost.
func NewNullHost() *NullHost {
	return &NullHost{
		name: "go-pseshost",
		version: Version{
			Major: 1,
			Minor: 0,
		},
	}
}

// Name returns the host name.
func (h *NullHost) Name() string { return h.name }

// Version returns the host version.
func (h *NullHost) Version() Version { return h.version }

// InstanceID returns the host instance ID.
func (h *NullHost) InstanceID() string { return "00000000-0000-0000-0000-000000000000" }

// UI returns the host UI implementation.
func (h *NullHost) UI() UI { return NullUI{} }

// NullUI provides a no-op UI implementation.
type NullUI struct{}

// ReadLine reports that no input is available.
func (NullUI) ReadLine() (string, error) { return "", ErrNoInput }

func (NullUI) Write(string)            {}
func (NullUI) WriteLine(string)        {}
func (NullUI) WriteErrorLine(string)   {}
func (NullUI) WriteDebugLine(string)   {}
func (NullUI) WriteVerboseLine(string) {}
func (NullUI) WriteWarningLine(string) {}
func (NullUI) WriteInformation(string) {}

// WriteProgress does nothing.
func (NullUI) WriteProgress(int64, *objects.ProgressRecord) {}

// PromptForChoice returns the default choice.
func (NullUI) PromptForChoice(_, _ string, _ []ChoiceDescription, defaultChoice int) (int, error) {
	return defaultChoice, nil
}

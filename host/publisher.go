package host

import (
	"github.com/smnsjas/go-pseshost/event"
	"github.com/smnsjas/go-pseshost/objects"
)

// OutputEvent is one host write.
type OutputEvent struct {
	Stream  Stream
	Text    string
	NewLine bool
}

// ProgressEvent is one progress update.
type ProgressEvent struct {
	SourceID int64
	Record   *objects.ProgressRecord
}

// Publisher is a UI that publishes every write as an event. Input requests
// and writes are also forwarded to next when it is set.
type Publisher struct {
	next UI

	output   event.Source[OutputEvent]
	progress event.Source[ProgressEvent]
}

// NewPublisher creates a Publisher. next may be nil.
func NewPublisher(next UI) *Publisher {
	return &Publisher{next: next}
}

// SubscribeOutput registers fn for host writes.
func (p *Publisher) SubscribeOutput(fn func(OutputEvent)) (unsubscribe func()) {
	return p.output.Subscribe(fn)
}

// SubscribeProgress registers fn for progress updates.
func (p *Publisher) SubscribeProgress(fn func(ProgressEvent)) (unsubscribe func()) {
	return p.progress.Subscribe(fn)
}

// ReadLine reads from next, or reports ErrNoInput.
func (p *Publisher) ReadLine() (string, error) {
	if p.next == nil {
		return "", ErrNoInput
	}
	return p.next.ReadLine()
}

func (p *Publisher) Write(text string) {
	p.publish(StreamOutput, text, false)
	if p.next != nil {
		p.next.Write(text)
	}
}

func (p *Publisher) WriteLine(text string) {
	p.publish(StreamOutput, text, true)
	if p.next != nil {
		p.next.WriteLine(text)
	}
}

func (p *Publisher) WriteErrorLine(text string) {
	p.publish(StreamError, text, true)
	if p.next != nil {
		p.next.WriteErrorLine(text)
	}
}

func (p *Publisher) WriteDebugLine(text string) {
	p.publish(StreamDebug, text, true)
	if p.next != nil {
		p.next.WriteDebugLine(text)
	}
}

func (p *Publisher) WriteVerboseLine(text string) {
	p.publish(StreamVerbose, text, true)
	if p.next != nil {
		p.next.WriteVerboseLine(text)
	}
}

func (p *Publisher) WriteWarningLine(text string) {
	p.publish(StreamWarning, text, true)
	if p.next != nil {
		p.next.WriteWarningLine(text)
	}
}

func (p *Publisher) WriteInformation(text string) {
	p.publish(StreamInformation, text, true)
	if p.next != nil {
		p.next.WriteInformation(text)
	}
}

// WriteProgress publishes a ProgressEvent.
func (p *Publisher) WriteProgress(sourceID int64, record *objects.ProgressRecord) {
	p.progress.Publish(ProgressEvent{SourceID: sourceID, Record: record})
	if p.next != nil {
		p.next.WriteProgress(sourceID, record)
	}
}

// PromptForChoice asks next, or returns the default choice.
func (p *Publisher) PromptForChoice(caption, message string, choices []ChoiceDescription, defaultChoice int) (int, error) {
	if p.next == nil {
		return defaultChoice, nil
	}
	return p.next.PromptForChoice(caption, message, choices, defaultChoice)
}

func (p *Publisher) publish(stream Stream, text string, newLine bool) {
	p.output.Publish(OutputEvent{Stream: stream, Text: text, NewLine: newLine})
}

// basicHost pairs a name and version with a UI.
type basicHost struct {
	name       string
	version    Version
	instanceID string
	ui         UI
}

// New returns a Host that reports the given identity and UI.
func New(name string, version Version, instanceID string, ui UI) Host {
	if ui == nil {
		ui = NullUI{}
	}
	return &basicHost{name: name, version: version, instanceID: instanceID, ui: ui}
}

func (h *basicHost) Name() string       { return h.name }
func (h *basicHost) Version() Version   { return h.version }
func (h *basicHost) InstanceID() string { return h.instanceID }
func (h *basicHost) UI() UI             { return h.ui }

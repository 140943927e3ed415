package host

import (
	"fmt"
)

// MethodID identifies a UI method in a marshaled host call.
type MethodID int32

// Host method IDs. The numbering follows PSHostUserInterface.
const (
	MethodIDReadLine         MethodID = 2
	MethodIDWriteErrorLine   MethodID = 3
	MethodIDWrite            MethodID = 4
	MethodIDWriteDebugLine   MethodID = 5
	MethodIDWriteVerboseLine MethodID = 6
	MethodIDWriteWarningLine MethodID = 7
	MethodIDWriteInformation MethodID = 8
	MethodIDPromptForChoice  MethodID = 11
	MethodIDWriteLine        MethodID = 15
	MethodIDWriteProgress    MethodID = 16
)

// String returns the string representation of a method ID.
func (m MethodID) String() string {
	switch m {
	case MethodIDReadLine:
		return "ReadLine"
	case MethodIDWriteErrorLine:
		return "WriteErrorLine"
	case MethodIDWrite:
		return "Write"
	case MethodIDWriteDebugLine:
		return "WriteDebugLine"
	case MethodIDWriteVerboseLine:
		return "WriteVerboseLine"
	case MethodIDWriteWarningLine:
		return "WriteWarningLine"
	case MethodIDWriteInformation:
		return "WriteInformation"
	case MethodIDPromptForChoice:
		return "PromptForChoice"
	case MethodIDWriteLine:
		return "WriteLine"
	case MethodIDWriteProgress:
		return "WriteProgress"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

var methodIDs = []MethodID{
	MethodIDReadLine, MethodIDWriteErrorLine, MethodIDWrite, MethodIDWriteDebugLine,
	MethodIDWriteVerboseLine, MethodIDWriteWarningLine, MethodIDWriteInformation,
	MethodIDPromptForChoice, MethodIDWriteLine, MethodIDWriteProgress,
}

// ParseMethodID maps a method name such as "WriteWarningLine" to its ID.
func ParseMethodID(name string) (MethodID, bool) {
	for _, m := range methodIDs {
		if m.String() == name {
			return m, true
		}
	}
	return 0, false
}

// Call is a host method invocation received from an engine on the other side
// of a process boundary. Parameters are JSON-decoded values.
type Call struct {
	CallID int64
	Method MethodID
	Params []any
}

// Response is the result of a Call.
type Response struct {
	CallID          int64
	ExceptionRaised bool
	// ReturnValue is the method's result, or the error text when ExceptionRaised.
	ReturnValue any
}

// Dispatcher executes Calls against a UI.
type Dispatcher struct {
	ui UI
}

// NewDispatcher creates a dispatcher for ui. A nil ui behaves like NullUI.
func NewDispatcher(ui UI) *Dispatcher {
	if ui == nil {
		ui = NullUI{}
	}
	return &Dispatcher{ui: ui}
}

// Handle processes a Call and returns its Response.
func (d *Dispatcher) Handle(call *Call) *Response {
	response := &Response{CallID: call.CallID}

	var err error
	switch call.Method {
	case MethodIDReadLine:
		response.ReturnValue, err = d.ui.ReadLine()
	case MethodIDWrite:
		err = d.writeText(call, d.ui.Write)
	case MethodIDWriteLine:
		err = d.writeText(call, d.ui.WriteLine)
	case MethodIDWriteErrorLine:
		err = d.writeText(call, d.ui.WriteErrorLine)
	case MethodIDWriteDebugLine:
		err = d.writeText(call, d.ui.WriteDebugLine)
	case MethodIDWriteVerboseLine:
		err = d.writeText(call, d.ui.WriteVerboseLine)
	case MethodIDWriteWarningLine:
		err = d.writeText(call, d.ui.WriteWarningLine)
	case MethodIDWriteInformation:
		err = d.writeText(call, d.ui.WriteInformation)
	case MethodIDWriteProgress:
		err = d.handleWriteProgress(call)
	case MethodIDPromptForChoice:
		response.ReturnValue, err = d.handlePromptForChoice(call)
	default:
		err = fmt.Errorf("unsupported host method ID: %d", call.Method)
	}

	if err != nil {
		response.ExceptionRaised = true
		response.ReturnValue = err.Error()
	}
	return response
}

// writeText handles the single-string write methods.
// Parameters: [0] string (text)
func (d *Dispatcher) writeText(call *Call, write func(string)) error {
	if len(call.Params) < 1 {
		return fmt.Errorf("%s requires 1 parameter, got %d", call.Method, len(call.Params))
	}
	text, ok := call.Params[0].(string)
	if !ok {
		return fmt.Errorf("%s parameter must be string, got %T", call.Method, call.Params[0])
	}
	write(text)
	return nil
}

// handleWriteProgress processes WriteProgress calls.
// Parameters: [0] number (sourceId), [1] object (ProgressRecord)
func (d *Dispatcher) handleWriteProgress(call *Call) error {
	if len(call.Params) < 2 {
		return fmt.Errorf("WriteProgress requires 2 parameters, got %d", len(call.Params))
	}
	sourceID, err := toInt(call.Params[0])
	if err != nil {
		return fmt.Errorf("WriteProgress sourceId: %w", err)
	}
	record, err := convertToProgressRecord(call.Params[1])
	if err != nil {
		return err
	}
	d.ui.WriteProgress(int64(sourceID), record)
	return nil
}

// handlePromptForChoice processes PromptForChoice calls.
// Parameters: [0] string (caption), [1] string (message), [2] []object (choices), [3] number (defaultChoice)
// Returns: int (selected choice index)
func (d *Dispatcher) handlePromptForChoice(call *Call) (any, error) {
	if len(call.Params) < 4 {
		return nil, fmt.Errorf("PromptForChoice requires 4 parameters, got %d", len(call.Params))
	}
	caption, ok := call.Params[0].(string)
	if !ok {
		return nil, fmt.Errorf("PromptForChoice caption must be string, got %T", call.Params[0])
	}
	message, ok := call.Params[1].(string)
	if !ok {
		return nil, fmt.Errorf("PromptForChoice message must be string, got %T", call.Params[1])
	}
	rawChoices, ok := call.Params[2].([]any)
	if !ok {
		return nil, fmt.Errorf("PromptForChoice choices must be a list, got %T", call.Params[2])
	}
	choices := make([]ChoiceDescription, 0, len(rawChoices))
	for _, rc := range rawChoices {
		m, ok := rc.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("PromptForChoice choice must be an object, got %T", rc)
		}
		label, _ := m["Label"].(string)
		help, _ := m["HelpMessage"].(string)
		choices = append(choices, ChoiceDescription{Label: label, HelpMessage: help})
	}
	defaultChoice, err := toInt(call.Params[3])
	if err != nil {
		return nil, fmt.Errorf("PromptForChoice defaultChoice: %w", err)
	}
	return d.ui.PromptForChoice(caption, message, choices, defaultChoice)
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

// Package objects defines the PowerShell value types that cross the engine boundary.
//
// This package provides Go representations of the objects the execution core
// builds, receives or forwards: command pipelines (PSCommand), error records,
// progress records, command metadata and completion results.
//
// # PSCommand
//
// PSCommand is an ordered list of command invocations with named and
// positional arguments:
//
//	cmd := objects.NewPSCommand().
//	    AddCommand("Set-PSBreakpoint").
//	    AddParameter("Script", "/tmp/test.ps1").
//	    AddParameter("Line", 3)
//
// # ErrorRecord
//
// ErrorRecord represents PowerShell errors with the invocation context needed
// to render them to a host:
//
//	rec := &objects.ErrorRecord{
//	    Exception: objects.ExceptionInfo{Message: "Something went wrong"},
//	}
package objects

import (
	"fmt"
	"strings"
)

// ErrorRecord represents a PowerShell ErrorRecord.
type ErrorRecord struct {
	Exception             ExceptionInfo
	TargetObject          any
	FullyQualifiedErrorID string
	InvocationInfo        *InvocationInfo
	CategoryInfo          CategoryInfo
	ScriptStackTrace      string
}

// ExceptionInfo contains exception details.
type ExceptionInfo struct {
	Type           string
	Message        string
	InnerException *ExceptionInfo
}

// InvocationInfo contains command invocation details.
type InvocationInfo struct {
	MyCommand        string
	ScriptName       string
	ScriptLineNumber int
	OffsetInLine     int
	Line             string
	PositionMessage  string
}

// CategoryInfo contains error category information.
type CategoryInfo struct {
	Category   ErrorCategory
	Activity   string
	Reason     string
	TargetName string
}

// ErrorCategory represents PowerShell error categories.
type ErrorCategory int

const (
	ErrorCategoryNotSpecified ErrorCategory = iota
	ErrorCategoryOpenError
	ErrorCategoryCloseError
	ErrorCategoryDeviceError
	ErrorCategoryDeadlockDetected
	ErrorCategoryInvalidArgument
	ErrorCategoryInvalidData
	ErrorCategoryInvalidOperation
	ErrorCategoryInvalidResult
	ErrorCategoryInvalidType
	ErrorCategoryMetadataError
	ErrorCategoryNotImplemented
	ErrorCategoryNotInstalled
	ErrorCategoryObjectNotFound
	ErrorCategoryOperationStopped
	ErrorCategoryOperationTimeout
	ErrorCategorySyntaxError
	ErrorCategoryParserError
)

// NewErrorRecord creates an ErrorRecord carrying only an exception message.
func NewErrorRecord(message string) *ErrorRecord {
	return &ErrorRecord{
		Exception: ExceptionInfo{Type: "System.Management.Automation.RuntimeException", Message: message},
	}
}

// Message returns the innermost useful message of the record.
func (r *ErrorRecord) Message() string {
	if r == nil {
		return ""
	}
	return r.Exception.Message
}

// String renders the record the way the console host shows a terminating error.
func (r *ErrorRecord) String() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	if r.InvocationInfo != nil && r.InvocationInfo.MyCommand != "" {
		fmt.Fprintf(&b, "%s: ", r.InvocationInfo.MyCommand)
	}
	b.WriteString(r.Exception.Message)
	if r.InvocationInfo != nil && r.InvocationInfo.PositionMessage != "" {
		b.WriteString("\n")
		b.WriteString(r.InvocationInfo.PositionMessage)
	}
	return b.String()
}

// ProgressRecord represents a PowerShell progress update.
type ProgressRecord struct {
	ActivityID        int
	ParentActivityID  int
	Activity          string
	StatusDescription string
	CurrentOperation  string
	PercentComplete   int
	SecondsRemaining  int
	RecordType        ProgressRecordType
}

// ProgressRecordType indicates the type of progress record.
type ProgressRecordType int

const (
	ProgressRecordTypeProcessing ProgressRecordType = iota
	ProgressRecordTypeCompleted
)

// ScriptBlock is a block of script text passed where the engine expects a
// scriptblock rather than a string, such as Set-PSBreakpoint -Action.
type ScriptBlock struct {
	Text string
}

// String renders the block as source text.
func (sb *ScriptBlock) String() string {
	if sb == nil {
		return "{}"
	}
	return "{ " + sb.Text + " }"
}

// CommandType mirrors System.Management.Automation.CommandTypes.
type CommandType int

const (
	CommandTypeAlias          CommandType = 1
	CommandTypeFunction       CommandType = 2
	CommandTypeFilter         CommandType = 4
	CommandTypeCmdlet         CommandType = 8
	CommandTypeExternalScript CommandType = 16
	CommandTypeApplication    CommandType = 32
	CommandTypeScript         CommandType = 64
	CommandTypeConfiguration  CommandType = 256
)

// String returns the PowerShell name of the command type.
func (t CommandType) String() string {
	switch t {
	case CommandTypeAlias:
		return "Alias"
	case CommandTypeFunction:
		return "Function"
	case CommandTypeFilter:
		return "Filter"
	case CommandTypeCmdlet:
		return "Cmdlet"
	case CommandTypeExternalScript:
		return "ExternalScript"
	case CommandTypeApplication:
		return "Application"
	case CommandTypeScript:
		return "Script"
	case CommandTypeConfiguration:
		return "Configuration"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// CommandInfo is the subset of a discovered command's metadata the core relies on.
type CommandInfo struct {
	Name        string
	CommandType CommandType
	ModuleName  string
	Definition  string
	Parameters  map[string]ParameterMetadata
}

// ParameterMetadata represents metadata for a command parameter.
type ParameterMetadata struct {
	Name string
	Type string // e.g., "System.String"
}

// HelpInfo is the subset of Get-Help output used for command synopses.
type HelpInfo struct {
	Name     string
	Synopsis string
}

// CompletionResultType mirrors System.Management.Automation.CompletionResultType.
type CompletionResultType int

const (
	CompletionResultTypeText CompletionResultType = iota
	CompletionResultTypeHistory
	CompletionResultTypeCommand
	CompletionResultTypeProviderItem
	CompletionResultTypeProviderContainer
	CompletionResultTypeProperty
	CompletionResultTypeMethod
	CompletionResultTypeParameterName
	CompletionResultTypeParameterValue
	CompletionResultTypeVariable
	CompletionResultTypeNamespace
	CompletionResultTypeType
	CompletionResultTypeKeyword
)

// CompletionResult is a single completion candidate.
type CompletionResult struct {
	CompletionText string
	ListItemText   string
	ResultType     CompletionResultType
	ToolTip        string
}

// CommandCompletion is the result of TabExpansion2.
type CommandCompletion struct {
	CompletionMatches []CompletionResult
	ReplacementIndex  int
	ReplacementLength int
}

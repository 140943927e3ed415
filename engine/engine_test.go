package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-pseshost/objects"
)

func TestScriptError(t *testing.T) {
	var err error = NewScriptError("Cannot find path")
	var se *ScriptError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "Cannot find path", se.Error())
	assert.Equal(t, "script error", (&ScriptError{}).Error())
}

func TestParseResumeVerb(t *testing.T) {
	tests := map[string]ResumeAction{
		"c":        ResumeContinue,
		"continue": ResumeContinue,
		"s":        ResumeStepInto,
		"v":        ResumeStepOver,
		"o":        ResumeStepOut,
		"q":        ResumeStop,
	}
	for verb, want := range tests {
		got, ok := ParseResumeVerb(verb)
		assert.True(t, ok, verb)
		assert.Equal(t, want, got, verb)
	}

	_, ok := ParseResumeVerb("Get-Date")
	assert.False(t, ok)
	assert.Equal(t, "StepOver", ResumeStepOver.String())
}

func TestBreakpointFromObject(t *testing.T) {
	bp, ok := BreakpointFromObject(map[string]any{
		"Id":       3.0,
		"Script":   "/tmp/a.ps1",
		"Line":     7.0,
		"Column":   0.0,
		"Enabled":  true,
		"HitCount": 2.0,
	})
	require.True(t, ok)
	assert.Equal(t, Breakpoint{ID: 3, Script: "/tmp/a.ps1", Line: 7, Enabled: true, HitCount: 2}, bp)

	cmd, ok := BreakpointFromObject(&objects.PSObject{Properties: map[string]any{"id": 4, "command": "Get-Foo"}})
	require.True(t, ok)
	assert.Equal(t, BreakpointKindCommand, cmd.Kind)
	assert.Equal(t, "Get-Foo", cmd.Command)

	typed, ok := BreakpointFromObject(&Breakpoint{ID: 9})
	require.True(t, ok)
	assert.Equal(t, 9, typed.ID)

	_, ok = BreakpointFromObject("not a breakpoint")
	assert.False(t, ok)
}

func TestCallStackFrameFromObject(t *testing.T) {
	f, ok := CallStackFrameFromObject(map[string]any{
		"FunctionName":     "Invoke-Thing",
		"ScriptName":       "/tmp/a.ps1",
		"ScriptLineNumber": 12.0,
		"Position": map[string]any{
			"StartColumnNumber": 5.0,
			"EndLineNumber":     12.0,
			"EndColumnNumber":   20.0,
		},
	})
	require.True(t, ok)
	assert.Equal(t, CallStackFrame{
		FunctionName:     "Invoke-Thing",
		ScriptName:       "/tmp/a.ps1",
		ScriptLineNumber: 12,
		Column:           5,
		EndLine:          12,
		EndColumn:        20,
	}, f)

	_, ok = CallStackFrameFromObject(map[string]any{"Name": "x"})
	assert.False(t, ok)
}

func TestVariableFromObject(t *testing.T) {
	v, ok := VariableFromObject(map[string]any{"Name": "x", "Value": 1.0})
	require.True(t, ok)
	assert.Equal(t, Variable{Name: "x", Value: 1.0}, v)

	_, ok = VariableFromObject(map[string]any{"Value": 1.0})
	assert.False(t, ok)
}

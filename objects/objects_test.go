package objects

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPSCommandBuilder(t *testing.T) {
	cmd := NewPSCommand().
		AddCommand("Get-Process").
		AddParameter("Id", 123).
		AddSwitch("IncludeUserName")

	require.Len(t, cmd.Commands, 1)
	c := cmd.Commands[0]
	assert.Equal(t, "Get-Process", c.Name)
	assert.False(t, c.IsScript)
	require.Len(t, c.Parameters, 2)
	assert.Equal(t, "Id", c.Parameters[0].Name)
	assert.Equal(t, 123, c.Parameters[0].Value)
	assert.Equal(t, "Get-Process", cmd.FirstCommandName())
}

func TestPSCommandAddParameterWithoutCommand(t *testing.T) {
	cmd := NewPSCommand().AddParameter("Name", "x")
	assert.True(t, cmd.IsEmpty())
}

func TestPSCommandString(t *testing.T) {
	tests := []struct {
		name string
		cmd  *PSCommand
		want string
	}{
		{
			name: "script",
			cmd:  NewScriptCommand("Get-Date"),
			want: "Get-Date",
		},
		{
			name: "named and positional",
			cmd: NewPSCommand().
				AddCommand("Set-PSBreakpoint").
				AddParameter("Script", "C:\\it's.ps1").
				AddParameter("Line", 3).
				AddArgument(true),
			want: "Set-PSBreakpoint -Script 'C:\\it''s.ps1' -Line 3 $true",
		},
		{
			name: "pipeline with switch",
			cmd: NewPSCommand().
				AddCommand("Get-ChildItem").
				AddSwitch("Recurse").
				AddCommand("Measure-Object"),
			want: "Get-ChildItem -Recurse | Measure-Object",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cmd.String())
		})
	}
}

func TestPSCommandClone(t *testing.T) {
	orig := NewPSCommand().AddCommand("Get-Item").AddParameter("Path", "a")
	clone := orig.Clone()
	clone.AddParameter("Force", true)
	clone.Commands[0].Parameters[0].Value = "b"

	assert.Len(t, orig.Commands[0].Parameters, 1)
	assert.Equal(t, "a", orig.Commands[0].Parameters[0].Value)
}

func TestFormatForHost(t *testing.T) {
	assert.Nil(t, FormatForHost(nil))
	assert.Equal(t, []string{"a", "b"}, FormatForHost("a\nb\n"))
	assert.Equal(t, []string{"42"}, FormatForHost(42))
	assert.Equal(t,
		[]string{"Id   : 1", "Name : pwsh"},
		FormatForHost(map[string]any{"Name": "pwsh", "Id": 1}))
	assert.Equal(t, []string{"1", "x"}, FormatForHost([]any{1, "x"}))
}

func TestErrorRecordString(t *testing.T) {
	rec := NewErrorRecord("boom")
	assert.Equal(t, "boom", rec.String())

	rec.InvocationInfo = &InvocationInfo{MyCommand: "Get-Item", PositionMessage: "At line:1 char:1"}
	assert.Equal(t, "Get-Item: boom\nAt line:1 char:1", rec.String())

	var nilRec *ErrorRecord
	assert.Empty(t, nilRec.String())
}

func TestCommandTypeString(t *testing.T) {
	assert.Equal(t, "Cmdlet", CommandTypeCmdlet.String())
	assert.Equal(t, "Unknown(3)", CommandType(3).String())
}

package commands

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-pseshost/engine/enginetest"
	"github.com/smnsjas/go-pseshost/execution"
	"github.com/smnsjas/go-pseshost/objects"
	"github.com/smnsjas/go-pseshost/pipeline"
)

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) ExecuteCommand(ctx context.Context, cmd *objects.PSCommand, priority pipeline.Priority, opts pipeline.Options) (*pipeline.Result, error) {
	args := m.Called(ctx, cmd, priority, opts)
	res, _ := args.Get(0).(*pipeline.Result)
	return res, args.Error(1)
}

// invoking matches a command by name and its -Name parameter.
func invoking(command, name string) any {
	return mock.MatchedBy(func(cmd *objects.PSCommand) bool {
		if !strings.EqualFold(cmd.FirstCommandName(), command) {
			return false
		}
		if name == "" {
			return true
		}
		for _, p := range cmd.Commands[0].Parameters {
			if p.Name == "Name" && p.Value == name {
				return true
			}
		}
		return false
	})
}

func output(objs ...any) *pipeline.Result { return &pipeline.Result{Output: objs} }

func TestGetCommandInfoCachesCmdletsOnly(t *testing.T) {
	m := &mockExecutor{}
	m.On("ExecuteCommand", mock.Anything, invoking("Get-Command", "Get-Item"), pipeline.PriorityNormal, mock.Anything).
		Return(output(objects.CommandInfo{Name: "Get-Item", CommandType: objects.CommandTypeCmdlet, ModuleName: "Microsoft.PowerShell.Management"}), nil)
	m.On("ExecuteCommand", mock.Anything, invoking("Get-Command", "My-LocalFunction"), pipeline.PriorityNormal, mock.Anything).
		Return(output(objects.CommandInfo{Name: "My-LocalFunction", CommandType: objects.CommandTypeFunction}), nil)

	h := New(m)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		info, err := h.GetCommandInfo(ctx, "Get-Item")
		require.NoError(t, err)
		require.NotNil(t, info)
		assert.Equal(t, "Microsoft.PowerShell.Management", info.ModuleName)
	}
	info, err := h.GetCommandInfo(ctx, "get-item")
	require.NoError(t, err)
	assert.Equal(t, "Get-Item", info.Name)

	for i := 0; i < 2; i++ {
		info, err := h.GetCommandInfo(ctx, "My-LocalFunction")
		require.NoError(t, err)
		assert.Equal(t, objects.CommandTypeFunction, info.CommandType)
	}

	m.AssertExpectations(t)
	calls := func(name string) int {
		n := 0
		for _, c := range m.Calls {
			cmd := c.Arguments.Get(1).(*objects.PSCommand)
			for _, p := range cmd.Commands[0].Parameters {
				if p.Name == "Name" && p.Value == name {
					n++
				}
			}
		}
		return n
	}
	assert.Equal(t, 1, calls("Get-Item"))
	assert.Equal(t, 2, calls("My-LocalFunction"))
}

func TestGetCommandInfoNotFound(t *testing.T) {
	m := &mockExecutor{}
	m.On("ExecuteCommand", mock.Anything, invoking("Get-Command", "Nope"), pipeline.PriorityNormal, mock.Anything).
		Return(output(), nil)

	h := New(m)
	info, err := h.GetCommandInfo(context.Background(), "Nope")
	require.NoError(t, err)
	assert.Nil(t, info)

	info, err = h.GetCommandInfo(context.Background(), "  ")
	require.NoError(t, err)
	assert.Nil(t, info)
	m.AssertNumberOfCalls(t, "ExecuteCommand", 1)
}

func TestGetCommandInfoError(t *testing.T) {
	m := &mockExecutor{}
	m.On("ExecuteCommand", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, pipeline.ErrCanceled)

	_, err := New(m).GetCommandInfo(context.Background(), "Get-Item")
	assert.ErrorIs(t, err, pipeline.ErrCanceled)
}

func TestGetCommandInfoFromPropertyBag(t *testing.T) {
	tests := []struct {
		name string
		obj  any
		want objects.CommandType
	}{
		{"NumericType", map[string]any{"Name": "Get-Item", "CommandType": float64(8)}, objects.CommandTypeCmdlet},
		{"NamedType", map[string]any{"name": "Get-Item", "commandType": "Cmdlet"}, objects.CommandTypeCmdlet},
		{"PSObject", &objects.PSObject{Properties: map[string]any{"Name": "gi", "CommandType": "Alias", "Definition": "Get-Item"}}, objects.CommandTypeAlias},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, ok := commandInfoFromObject(tt.obj)
			require.True(t, ok)
			assert.Equal(t, tt.want, info.CommandType)
		})
	}

	_, ok := commandInfoFromObject(map[string]any{"Other": 1})
	assert.False(t, ok)
}

func TestGetCommandInfoCollapsesConcurrentLookups(t *testing.T) {
	release := make(chan struct{})
	m := &mockExecutor{}
	m.On("ExecuteCommand", mock.Anything, invoking("Get-Command", "Get-Item"), mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(output(objects.CommandInfo{Name: "Get-Item", CommandType: objects.CommandTypeCmdlet}), nil)

	h := New(m)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := h.GetCommandInfo(context.Background(), "Get-Item")
			assert.NoError(t, err)
			assert.NotNil(t, info)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	m.AssertNumberOfCalls(t, "ExecuteCommand", 1)
}

func TestGetCommandInfoSurvivesCanceledCaller(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	lookupErr := make(chan error, 1)
	m := &mockExecutor{}
	m.On("ExecuteCommand", mock.Anything, invoking("Get-Command", "Get-Item"), mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			close(entered)
			<-release
			lookupErr <- args.Get(0).(context.Context).Err()
		}).
		Return(output(objects.CommandInfo{Name: "Get-Item", CommandType: objects.CommandTypeCmdlet}), nil).
		Once()

	h := New(m)
	hoverCtx, cancelHover := context.WithCancel(context.Background())
	hoverDone := make(chan error, 1)
	go func() {
		_, err := h.GetCommandInfo(hoverCtx, "Get-Item")
		hoverDone <- err
	}()
	<-entered

	completionDone := make(chan *objects.CommandInfo, 1)
	go func() {
		info, err := h.GetCommandInfo(context.Background(), "Get-Item")
		assert.NoError(t, err)
		completionDone <- info
	}()
	time.Sleep(20 * time.Millisecond)

	cancelHover()
	err := <-hoverDone
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "get command Get-Item")

	close(release)
	info := <-completionDone
	require.NotNil(t, info)
	assert.Equal(t, "Get-Item", info.Name)
	assert.NoError(t, <-lookupErr, "shared lookup must not see the hover's cancellation")
	m.AssertNumberOfCalls(t, "ExecuteCommand", 1)
}

func TestGetCommandSynopsis(t *testing.T) {
	m := &mockExecutor{}
	m.On("ExecuteCommand", mock.Anything, invoking("Get-Help", "Get-Item"), mock.Anything, mock.Anything).
		Return(output(objects.HelpInfo{Name: "Get-Item", Synopsis: " Gets the item at the specified location. "}), nil)
	m.On("ExecuteCommand", mock.Anything, invoking("Get-Help", "Invoke-Mine"), mock.Anything, mock.Anything).
		Return(output(objects.HelpInfo{Name: "Invoke-Mine", Synopsis: "Invoke-Mine"}), nil)

	h := New(m)
	ctx := context.Background()
	cmdlet := &objects.CommandInfo{Name: "Get-Item", CommandType: objects.CommandTypeCmdlet}
	fn := &objects.CommandInfo{Name: "Invoke-Mine", CommandType: objects.CommandTypeFunction}

	for i := 0; i < 2; i++ {
		s, err := h.GetCommandSynopsis(ctx, cmdlet)
		require.NoError(t, err)
		assert.Equal(t, "Gets the item at the specified location.", s)

		s, err = h.GetCommandSynopsis(ctx, fn)
		require.NoError(t, err)
		assert.Empty(t, s)
	}

	s, err := h.GetCommandSynopsis(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, s)

	// One lookup for the cmdlet, two for the function.
	m.AssertNumberOfCalls(t, "ExecuteCommand", 3)
}

func TestGetAliases(t *testing.T) {
	m := &mockExecutor{}
	m.On("ExecuteCommand", mock.Anything, invoking("Get-Command", ""), mock.Anything, mock.Anything).
		Return(output(
			objects.CommandInfo{Name: "gi", CommandType: objects.CommandTypeAlias, Definition: "Get-Item"},
			objects.CommandInfo{Name: "dir", CommandType: objects.CommandTypeAlias, Definition: "Get-ChildItem"},
			objects.CommandInfo{Name: "ls", CommandType: objects.CommandTypeAlias, Definition: "Get-ChildItem"},
			objects.CommandInfo{Name: "broken", CommandType: objects.CommandTypeAlias},
		), nil).Once()

	h := New(m)
	aliases, err := h.GetAliases(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"Get-Item":      {"gi"},
		"Get-ChildItem": {"dir", "ls"},
	}, aliases)

	aliases["Get-Item"] = nil
	again, err := h.GetAliases(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"gi"}, again["Get-Item"])
	m.AssertExpectations(t)
}

func startService(t *testing.T, eng *enginetest.Engine) *execution.Service {
	t.Helper()
	svc := execution.New(eng)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc
}

func TestHelperAgainstEngine(t *testing.T) {
	eng := enginetest.New()
	eng.AddCommand(objects.CommandInfo{Name: "Get-Item", CommandType: objects.CommandTypeCmdlet}, "Gets an item.")
	eng.AddCommand(objects.CommandInfo{Name: "Get-ItemProperty", CommandType: objects.CommandTypeCmdlet}, "")
	eng.AddCommand(objects.CommandInfo{Name: "My-Function", CommandType: objects.CommandTypeFunction}, "")
	svc := startService(t, eng)
	h := New(svc)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.GetCommandInfo(ctx, "Get-Item")
		require.NoError(t, err)
		_, err = h.GetCommandInfo(ctx, "My-Function")
		require.NoError(t, err)
	}
	assert.Equal(t, 4, eng.Count("Get-Command"))

	info, err := h.GetCommandInfo(ctx, "Get-ItemProperty")
	require.NoError(t, err)
	s, err := h.GetCommandSynopsis(ctx, info)
	require.NoError(t, err)
	assert.Empty(t, s)

	c, err := h.Complete(ctx, "Get-It", 6)
	require.NoError(t, err)
	require.Len(t, c.CompletionMatches, 2)
	assert.Equal(t, "Get-Item", c.CompletionMatches[0].CompletionText)
	assert.Equal(t, 0, c.ReplacementIndex)
	assert.Equal(t, 6, c.ReplacementLength)
}

func TestCompleteTimesOut(t *testing.T) {
	eng := enginetest.New()
	eng.Handle("TabExpansion2", enginetest.Blocks())
	svc := startService(t, eng)
	h := New(svc, WithCompletionTimeout(50*time.Millisecond))

	start := time.Now()
	c, err := h.Complete(context.Background(), "Get-", 4)
	require.NoError(t, err)
	assert.Empty(t, c.CompletionMatches)
	assert.Equal(t, 4, c.ReplacementIndex)
	assert.Less(t, time.Since(start), 5*time.Second)

	// The service is usable afterwards.
	_, err = svc.ExecuteScript(context.Background(), "prompt", pipeline.PriorityNormal, pipeline.Options{})
	require.NoError(t, err)
}

func TestCompleteCallerCanceled(t *testing.T) {
	eng := enginetest.New()
	eng.Handle("TabExpansion2", enginetest.Blocks())
	svc := startService(t, eng)
	h := New(svc, WithCompletionTimeout(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.Complete(ctx, "Get-", 4)
	require.Error(t, err)
}

package runspace

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProber struct {
	calls atomic.Int32
	cap   *DSCBreakpointCapability
	err   error
}

func (p *countingProber) ProbeDSC(ctx context.Context, info *Info) (*DSCBreakpointCapability, error) {
	p.calls.Add(1)
	return p.cap, p.err
}

func localDesktop(t *testing.T, version string, opts ...InfoOption) *Info {
	t.Helper()
	ver, err := ParseVersion(version)
	require.NoError(t, err)
	return New(OriginLocal, Details{PSVersion: ver, Edition: EditionDesktop}, opts...)
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "7.4.1", want: "7.4.1"},
		{in: "5.1.22621.2506", want: "5.1.22621+2506"},
		{in: " 7.5.0-preview.3 ", want: "7.5.0-preview.3"},
		{in: "7.6.0-rc.1.2", want: "7.6.0-rc.1.2"},
		{in: "not-a-version", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v, err := ParseVersion(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.String())
		})
	}
}

func TestParseVersionKeepsPrerelease(t *testing.T) {
	v, err := ParseVersion("7.5.0-preview.3")
	require.NoError(t, err)
	assert.Equal(t, "preview.3", v.Prerelease())
	assert.Empty(t, v.Metadata())

	v, err = ParseVersion("5.1.22621.2506")
	require.NoError(t, err)
	assert.Empty(t, v.Prerelease())
	assert.Equal(t, "2506", v.Metadata())
	assert.Equal(t, uint64(22621), v.Patch())
}

func TestOriginString(t *testing.T) {
	assert.Equal(t, "PSSession", OriginPSSession.String())
	assert.Equal(t, "Unknown(9)", Origin(9).String())
}

func TestNewDefaults(t *testing.T) {
	local := New(OriginLocal, Details{})
	remote := New(OriginPSSession, Details{ComputerName: "server01"})

	assert.NotEqual(t, uuid.Nil, local.ID())
	assert.NotEqual(t, local.ID(), remote.ID())
	assert.False(t, local.IsOnRemoteMachine())
	assert.True(t, local.IsLocal())
	assert.True(t, remote.IsOnRemoteMachine())
	assert.Equal(t, "[server01]: ", remote.PromptPrefix())
	assert.Empty(t, local.PromptPrefix())

	id := uuid.New()
	fixed := New(OriginPSSession, Details{}, WithID(id), WithRemoteMachine(false))
	assert.Equal(t, id, fixed.ID())
	assert.False(t, fixed.IsOnRemoteMachine())
}

func TestPromptPrefix(t *testing.T) {
	assert.Equal(t, "[Process:42]: ", New(OriginEnteredProcess, Details{ProcessID: 42}).PromptPrefix())
	assert.Equal(t, "[Runspace:3]: ", New(OriginDebuggedRunspace, Details{RunspaceID: 3}).PromptPrefix())
}

func TestSupportsDSC(t *testing.T) {
	core := New(OriginLocal, Details{PSVersion: semver.MustParse("7.4.0"), Edition: EditionCore})
	remote := New(OriginPSSession, Details{PSVersion: semver.MustParse("5.1.0"), Edition: EditionDesktop})

	assert.True(t, localDesktop(t, "5.1.19041.1").SupportsDSC())
	assert.False(t, localDesktop(t, "4.0").SupportsDSC())
	assert.False(t, core.SupportsDSC())
	assert.False(t, remote.SupportsDSC())
	assert.False(t, New(OriginLocal, Details{Edition: EditionDesktop}).SupportsDSC())
}

func TestDSCCapabilityProbedOnce(t *testing.T) {
	prober := &countingProber{cap: &DSCBreakpointCapability{ResourcePaths: []string{`C:\Program Files\WindowsPowerShell\Modules\xDsc`}}}
	info := localDesktop(t, "5.1.0", WithCapabilityProber(prober))

	for i := 0; i < 3; i++ {
		c, ok := info.DSCCapability(context.Background())
		require.True(t, ok)
		assert.True(t, c.IsDSCResourcePath(`c:\program files\windowspowershell\modules\xdsc\res.psm1`))
		assert.False(t, c.IsDSCResourcePath(`C:\scripts\a.ps1`))
	}
	assert.Equal(t, int32(1), prober.calls.Load())
}

func TestDSCCapabilityFailureMemoized(t *testing.T) {
	prober := &countingProber{err: errors.New("no DSC module")}
	info := localDesktop(t, "5.1.0", WithCapabilityProber(prober))

	_, ok := info.DSCCapability(context.Background())
	assert.False(t, ok)
	_, ok = info.DSCCapability(context.Background())
	assert.False(t, ok)
	assert.Equal(t, int32(1), prober.calls.Load())
}

func TestDSCCapabilityCanceledNotMemoized(t *testing.T) {
	prober := &countingProber{err: context.Canceled}
	info := localDesktop(t, "5.1.0", WithCapabilityProber(prober))

	_, ok := info.DSCCapability(context.Background())
	assert.False(t, ok)

	prober.err = nil
	prober.cap = &DSCBreakpointCapability{}
	_, ok = info.DSCCapability(context.Background())
	assert.True(t, ok)
	assert.Equal(t, int32(2), prober.calls.Load())
}

func TestDSCCapabilityNotProbedWhenUnsupported(t *testing.T) {
	prober := &countingProber{cap: &DSCBreakpointCapability{}}
	info := New(OriginLocal, Details{PSVersion: semver.MustParse("7.4.0"), Edition: EditionCore}, WithCapabilityProber(prober))

	_, ok := info.DSCCapability(context.Background())
	assert.False(t, ok)
	assert.Zero(t, prober.calls.Load())
}

func TestContextPushPop(t *testing.T) {
	ctx := NewContext(nil)
	local := New(OriginLocal, Details{})
	remote := New(OriginPSSession, Details{ComputerName: "srv"})

	var events []ChangeEvent
	ctx.Subscribe(func(ev ChangeEvent) { events = append(events, ev) })

	assert.Nil(t, ctx.Current())
	require.NoError(t, ctx.Push(local))
	require.NoError(t, ctx.Push(remote))
	assert.Same(t, remote, ctx.Current())
	assert.Equal(t, 2, ctx.Depth())
	assert.Equal(t, []*Info{local, remote}, ctx.Snapshot())

	popped, err := ctx.Pop(ActionExit)
	require.NoError(t, err)
	assert.Same(t, remote, popped)
	assert.Same(t, local, ctx.Current())

	require.Len(t, events, 3)
	assert.Equal(t, ChangeEvent{Action: ActionEnter, Previous: nil, New: local}, events[0])
	assert.Equal(t, ChangeEvent{Action: ActionEnter, Previous: local, New: remote}, events[1])
	assert.Equal(t, ChangeEvent{Action: ActionExit, Previous: remote, New: local}, events[2])
}

func TestContextPopLastRunspace(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := NewContext(logger)
	local := New(OriginLocal, Details{})
	require.NoError(t, ctx.Push(local))

	var events int
	ctx.Subscribe(func(ChangeEvent) { events++ })

	_, err := ctx.Pop(ActionExit)
	assert.ErrorIs(t, err, ErrLastRunspace)
	assert.Same(t, local, ctx.Current())
	assert.Zero(t, events)
	assert.Contains(t, buf.String(), "attempted to pop the last runspace")
}

func TestContextShutdownEmptiesStack(t *testing.T) {
	ctx := NewContext(nil)
	local := New(OriginLocal, Details{})
	require.NoError(t, ctx.Push(local))

	var last ChangeEvent
	ctx.Subscribe(func(ev ChangeEvent) { last = ev })

	popped, err := ctx.Pop(ActionShutdown)
	require.NoError(t, err)
	assert.Same(t, local, popped)
	assert.Zero(t, ctx.Depth())
	assert.Equal(t, ChangeEvent{Action: ActionShutdown, Previous: local}, last)

	_, err = ctx.Pop(ActionShutdown)
	assert.ErrorIs(t, err, ErrEmptyStack)
}

func TestContextPushNil(t *testing.T) {
	assert.ErrorIs(t, NewContext(nil).Push(nil), ErrNilRunspace)
}

package psprocess

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-pseshost/engine"
	"github.com/smnsjas/go-pseshost/execution"
	"github.com/smnsjas/go-pseshost/host"
	"github.com/smnsjas/go-pseshost/objects"
	"github.com/smnsjas/go-pseshost/pipeline"
	"github.com/smnsjas/go-pseshost/runspace"
)

type handlerFunc func(s *fakeServer, id uuid.UUID, req *invokeRequest)

// fakeServer speaks the server side of the protocol over pipes.
type fakeServer struct {
	t         *testing.T
	transport *Transport
	out       *io.PipeWriter

	mu       sync.Mutex
	handlers map[string]handlerFunc
	requests []*invokeRequest
	signals  chan uuid.UUID
	controls chan control
	closed   chan struct{}
}

type control struct {
	id  uuid.UUID
	msg controlMessage
}

func startFake(t *testing.T, opts ...Option) (*Engine, *fakeServer) {
	t.Helper()
	engineIn, serverOut := io.Pipe()
	serverIn, engineOut := io.Pipe()

	s := &fakeServer{
		t:         t,
		transport: NewTransport(serverIn, serverOut),
		out:       serverOut,
		handlers:  make(map[string]handlerFunc),
		signals:   make(chan uuid.UUID, 8),
		controls:  make(chan control, 8),
		closed:    make(chan struct{}),
	}
	eng := New(append([]Option{WithStreams(engineIn, engineOut), WithStartTimeout(5 * time.Second)}, opts...)...)
	t.Cleanup(func() {
		_ = eng.Close()
		_ = serverOut.Close()
		_ = serverIn.Close()
	})
	return eng, s
}

func (s *fakeServer) handle(name string, fn handlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = fn
}

func (s *fakeServer) send(id uuid.UUID, rec any) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.t.Errorf("marshal record: %v", err)
		return
	}
	_ = s.transport.SendData(id, data)
}

func (s *fakeServer) ready() {
	s.send(NullGUID, map[string]any{
		"kind": "ready", "psVersion": "7.4.1", "edition": "Core",
		"computerName": "host1", "processId": 4242,
	})
}

// serve answers packets until Close.
func (s *fakeServer) serve() {
	defer close(s.closed)
	for {
		packet, err := s.transport.ReceivePacket()
		if err != nil {
			return
		}
		switch packet.Type {
		case PacketTypeData:
			msg := controlMessage{}
			if err := json.Unmarshal(packet.Data, &msg); err != nil {
				s.t.Errorf("decode packet: %v", err)
				continue
			}
			if msg.Kind != "invoke" {
				s.controls <- control{id: packet.PSGuid, msg: msg}
				continue
			}
			req := &invokeRequest{}
			if err := json.Unmarshal(packet.Data, req); err != nil {
				s.t.Errorf("decode request: %v", err)
				continue
			}
			s.mu.Lock()
			s.requests = append(s.requests, req)
			fn := s.handlers[req.Commands[0].Name]
			s.mu.Unlock()
			if fn == nil {
				fn = func(s *fakeServer, id uuid.UUID, _ *invokeRequest) { s.send(id, map[string]any{"kind": "done"}) }
			}
			go fn(s, packet.PSGuid, req)
		case PacketTypeSignal:
			s.signals <- packet.PSGuid
		case PacketTypeClose:
			_ = s.transport.SendCloseAck(packet.PSGuid)
			_ = s.out.Close()
			return
		}
	}
}

func (s *fakeServer) lastRequest() *invokeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return nil
	}
	return s.requests[len(s.requests)-1]
}

// waitForStop answers with a stopped done record once the invocation is signaled.
func waitForStop(s *fakeServer, id uuid.UUID, _ *invokeRequest) {
	for got := range s.signals {
		if got == id {
			s.send(id, map[string]any{"kind": "done", "stopped": true})
			return
		}
	}
}

func started(t *testing.T) (*Engine, *fakeServer, *runspace.Info) {
	t.Helper()
	return startedWith(t, engine.Callbacks{})
}

func startedWith(t *testing.T, cb engine.Callbacks) (*Engine, *fakeServer, *runspace.Info) {
	t.Helper()
	eng, srv := startFake(t)
	go srv.serve()
	go srv.ready()
	info, err := eng.Start(context.Background(), cb)
	require.NoError(t, err)
	return eng, srv, info
}

// awaitControl returns the next control message of kind sent to id.
func (s *fakeServer) awaitControl(id uuid.UUID, kind string) (controlMessage, bool) {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c := <-s.controls:
			if c.id == id && c.msg.Kind == kind {
				return c.msg, true
			}
		case <-timeout:
			return controlMessage{}, false
		}
	}
}

type recordingDebugger struct {
	mu      sync.Mutex
	stops   []*engine.DebuggerStopEvent
	updates []*engine.BreakpointUpdatedEvent
	onStop  func(ctx context.Context, ev *engine.DebuggerStopEvent) engine.ResumeAction
}

func (d *recordingDebugger) OnDebuggerStop(ctx context.Context, ev *engine.DebuggerStopEvent) engine.ResumeAction {
	d.mu.Lock()
	d.stops = append(d.stops, ev)
	fn := d.onStop
	d.mu.Unlock()
	if fn == nil {
		return engine.ResumeContinue
	}
	return fn(ctx, ev)
}

func (d *recordingDebugger) OnBreakpointUpdated(ev *engine.BreakpointUpdatedEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updates = append(d.updates, ev)
}

func (d *recordingDebugger) updateCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.updates)
}

type recordingUI struct {
	host.NullUI
	mu       sync.Mutex
	warnings []string
	lines    []string
	progress []*objects.ProgressRecord
}

func (u *recordingUI) WriteWarningLine(text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.warnings = append(u.warnings, text)
}

func (u *recordingUI) WriteLine(text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lines = append(u.lines, text)
}

func (u *recordingUI) WriteProgress(_ int64, rec *objects.ProgressRecord) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.progress = append(u.progress, rec)
}

func TestEngineStartReportsRunspace(t *testing.T) {
	_, _, info := started(t)

	assert.Equal(t, runspace.OriginLocal, info.Origin())
	assert.False(t, info.IsOnRemoteMachine())
	d := info.Details()
	require.NotNil(t, d.PSVersion)
	assert.Equal(t, "7.4.1", d.PSVersion.String())
	assert.Equal(t, runspace.EditionCore, d.Edition)
	assert.Equal(t, "host1", d.ComputerName)
	assert.Equal(t, 4242, d.ProcessID)
	assert.False(t, info.SupportsDSC())
}

func TestEngineStartFailsWhenServerExits(t *testing.T) {
	eng, srv := startFake(t)
	go func() { _ = srv.out.Close() }()

	_, err := eng.Start(context.Background(), engine.Callbacks{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEngineStartTimesOut(t *testing.T) {
	eng, srv := startFake(t, WithStartTimeout(50*time.Millisecond))
	go srv.serve()

	_, err := eng.Start(context.Background(), engine.Callbacks{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
}

func TestEngineInvokeCollectsStreams(t *testing.T) {
	eng, srv, info := started(t)
	srv.handle("Get-Thing", func(s *fakeServer, id uuid.UUID, _ *invokeRequest) {
		s.send(id, map[string]any{"kind": "output", "value": "a"})
		s.send(id, map[string]any{"kind": "output", "value": 3})
		s.send(id, map[string]any{
			"kind": "output", "typeNames": []string{"System.IO.FileInfo", "System.Object"},
			"text": "f.txt", "value": map[string]any{"Name": "f.txt", "Length": 12},
		})
		s.send(id, map[string]any{"kind": "error", "error": map[string]any{
			"message": "not found", "command": "Get-Thing", "category": 13,
		}})
		s.send(id, map[string]any{"kind": "host", "method": "WriteWarningLine", "params": []any{"careful"}})
		s.send(id, map[string]any{"kind": "host", "method": "WriteLine", "params": []any{"from Write-Host"}})
		s.send(id, map[string]any{"kind": "host", "method": "WriteProgress", "params": []any{0, map[string]any{
			"ActivityId": 1, "Activity": "Copying", "PercentComplete": 50,
		}}})
		s.send(id, map[string]any{"kind": "host", "method": "NoSuchMethod"})
		s.send(id, map[string]any{"kind": "done"})
	})

	ui := &recordingUI{}
	cmd := objects.NewPSCommand().AddCommand("Get-Thing").AddParameter("Path", "/tmp").AddSwitch("Force")
	out, err := eng.Invoke(context.Background(), info, cmd, engine.InvokeSettings{UI: ui, AddToHistory: true})
	require.NoError(t, err)

	require.Len(t, out.Objects, 3)
	assert.Equal(t, "a", out.Objects[0])
	assert.Equal(t, float64(3), out.Objects[1])
	obj, ok := out.Objects[2].(*objects.PSObject)
	require.True(t, ok)
	assert.Equal(t, "f.txt", obj.String())
	assert.Equal(t, 12, objects.IntProperty(obj, "Length", 0))
	assert.Equal(t, []string{"f.txt"}, objects.FormatForHost(obj))

	require.Len(t, out.Errors, 1)
	assert.Equal(t, "not found", out.Errors[0].Message())
	assert.Equal(t, objects.ErrorCategoryObjectNotFound, out.Errors[0].CategoryInfo.Category)
	assert.Equal(t, "Get-Thing: not found", out.Errors[0].String())

	assert.Equal(t, []string{"careful"}, ui.warnings)
	assert.Equal(t, []string{"from Write-Host"}, ui.lines)
	require.Len(t, ui.progress, 1)
	assert.Equal(t, "Copying", ui.progress[0].Activity)
	assert.Equal(t, 50, ui.progress[0].PercentComplete)

	req := srv.lastRequest()
	require.NotNil(t, req)
	assert.True(t, req.AddToHistory)
	require.Len(t, req.Commands, 1)
	assert.Equal(t, []parameterSpec{{Name: "Path", Value: "/tmp"}, {Name: "Force", Value: true}}, req.Commands[0].Parameters)
}

func TestEngineInvokeScriptError(t *testing.T) {
	eng, srv, info := started(t)
	srv.handle("throw 'boom'", func(s *fakeServer, id uuid.UUID, _ *invokeRequest) {
		s.send(id, map[string]any{"kind": "output", "value": "partial"})
		s.send(id, map[string]any{"kind": "done", "error": map[string]any{
			"message": "boom", "scriptName": "/s/a.ps1", "line": 3, "positionMessage": "At /s/a.ps1:3 char:1",
		}})
	})

	out, err := eng.Invoke(context.Background(), info, objects.NewScriptCommand("throw 'boom'"), engine.InvokeSettings{})
	var scriptErr *engine.ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, "boom", scriptErr.Error())
	require.NotNil(t, scriptErr.Record.InvocationInfo)
	assert.Equal(t, 3, scriptErr.Record.InvocationInfo.ScriptLineNumber)
	assert.Equal(t, []any{"partial"}, out.Objects)

	req := srv.lastRequest()
	assert.True(t, req.Commands[0].IsScript)
}

func TestEngineStop(t *testing.T) {
	eng, srv, info := started(t)
	srv.handle("Start-Forever", waitForStop)

	// Nothing running yet.
	eng.Stop()

	done := make(chan error, 1)
	go func() {
		_, err := eng.Invoke(context.Background(), info, objects.NewPSCommand().AddCommand("Start-Forever"), engine.InvokeSettings{})
		done <- err
	}()
	require.Eventually(t, func() bool { return srv.lastRequest() != nil }, 5*time.Second, 5*time.Millisecond)
	eng.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("invocation was not stopped")
	}
}

func TestEngineInvokeContextCanceled(t *testing.T) {
	eng, srv, info := started(t)
	srv.handle("Start-Forever", waitForStop)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return srv.lastRequest() != nil }, 5*time.Second, 5*time.Millisecond)
		cancel()
	}()
	_, err := eng.Invoke(ctx, info, objects.NewPSCommand().AddCommand("Start-Forever"), engine.InvokeSettings{})
	assert.ErrorIs(t, err, context.Canceled)

	// The engine is usable afterwards.
	_, err = eng.Invoke(context.Background(), info, objects.NewScriptCommand("1"), engine.InvokeSettings{})
	require.NoError(t, err)
}

func TestEngineInvokeAfterServerExit(t *testing.T) {
	eng, srv, info := started(t)
	srv.handle("Exit-Server", func(s *fakeServer, id uuid.UUID, _ *invokeRequest) {
		_ = s.out.Close()
	})

	_, err := eng.Invoke(context.Background(), info, objects.NewPSCommand().AddCommand("Exit-Server"), engine.InvokeSettings{})
	assert.ErrorIs(t, err, ErrClosed)
}

// pausingHandler reports a breakpoint hit, waits for the resume and then
// finishes the script.
func pausingHandler(resumed chan<- controlMessage) handlerFunc {
	return func(s *fakeServer, id uuid.UUID, _ *invokeRequest) {
		s.send(id, map[string]any{
			"kind": "debuggerStop", "reason": "breakpoint",
			"scriptPath": "/tmp/a.ps1", "line": 3, "column": 5, "invocationName": "Invoke-Paused",
			"breakpoints": []map[string]any{
				{"Id": 1, "Script": "/tmp/a.ps1", "Line": 3, "Enabled": true, "HitCount": 1},
			},
		})
		msg, ok := s.awaitControl(id, controlResume)
		if !ok {
			s.t.Errorf("invocation %s was not resumed", id)
		}
		resumed <- msg
		s.send(id, map[string]any{"kind": "output", "value": "after"})
		s.send(id, map[string]any{"kind": "done"})
	}
}

func TestEngineDebuggerStop(t *testing.T) {
	dbg := &recordingDebugger{}
	eng, srv, info := startedWith(t, engine.Callbacks{Debugger: dbg})

	resumed := make(chan controlMessage, 1)
	srv.handle("Invoke-Paused", pausingHandler(resumed))
	srv.handle("Get-PSCallStack", func(s *fakeServer, id uuid.UUID, req *invokeRequest) {
		assert.True(t, req.InDebugger)
		s.send(id, map[string]any{"kind": "output", "value": "frame0"})
		s.send(id, map[string]any{"kind": "done"})
	})
	srv.handle("c", func(s *fakeServer, id uuid.UUID, _ *invokeRequest) {
		s.send(id, map[string]any{"kind": "done", "resume": "Continue"})
	})

	var nested, verb *engine.Output
	var innerCurrent, outerCurrent uuid.UUID
	dbg.onStop = func(ctx context.Context, _ *engine.DebuggerStopEvent) engine.ResumeAction {
		eng.mu.Lock()
		outerCurrent = eng.current
		eng.mu.Unlock()

		var err error
		nested, err = eng.Invoke(ctx, info, objects.NewPSCommand().AddCommand("Get-PSCallStack"), engine.InvokeSettings{InDebugger: true})
		assert.NoError(t, err)
		verb, err = eng.Invoke(ctx, info, objects.NewScriptCommand("c"), engine.InvokeSettings{InDebugger: true})
		assert.NoError(t, err)

		eng.mu.Lock()
		innerCurrent = eng.current
		eng.mu.Unlock()
		return engine.ResumeStepOver
	}

	out, err := eng.Invoke(context.Background(), info, objects.NewScriptCommand("Invoke-Paused"), engine.InvokeSettings{})
	require.NoError(t, err)
	assert.Equal(t, []any{"after"}, out.Objects)

	require.Len(t, dbg.stops, 1)
	stop := dbg.stops[0]
	assert.Equal(t, engine.StopReasonBreakpoint, stop.Reason)
	assert.Equal(t, "/tmp/a.ps1", stop.ScriptPath)
	assert.Equal(t, 3, stop.Line)
	assert.Equal(t, 5, stop.Column)
	assert.Equal(t, "Invoke-Paused", stop.InvocationName)
	assert.Equal(t, []engine.Breakpoint{{ID: 1, Script: "/tmp/a.ps1", Line: 3, Enabled: true, HitCount: 1}}, stop.Breakpoints)

	require.NotNil(t, nested)
	assert.Equal(t, []any{"frame0"}, nested.Objects)
	require.NotNil(t, verb)
	assert.Equal(t, engine.ResumeContinue, verb.Resume)
	assert.NotEqual(t, uuid.Nil, outerCurrent)
	assert.Equal(t, outerCurrent, innerCurrent, "nested invocations restore the paused one")

	select {
	case msg := <-resumed:
		assert.Equal(t, "StepOver", msg.Action)
	default:
		t.Fatal("no resume was sent")
	}
}

func TestEngineDebuggerStopWithoutHandlerContinues(t *testing.T) {
	eng, srv, info := started(t)
	resumed := make(chan controlMessage, 1)
	srv.handle("Invoke-Paused", pausingHandler(resumed))

	out, err := eng.Invoke(context.Background(), info, objects.NewScriptCommand("Invoke-Paused"), engine.InvokeSettings{})
	require.NoError(t, err)
	assert.Equal(t, []any{"after"}, out.Objects)
	assert.Equal(t, "Continue", (<-resumed).Action)
}

func TestEngineForwardsBreakpointUpdates(t *testing.T) {
	dbg := &recordingDebugger{}
	_, srv, _ := startedWith(t, engine.Callbacks{Debugger: dbg})

	srv.send(NullGUID, map[string]any{"kind": "breakpointUpdated", "update": "Bogus",
		"breakpoint": map[string]any{"Id": 1}})
	srv.send(NullGUID, map[string]any{"kind": "breakpointUpdated", "update": "Removed",
		"breakpoint": map[string]any{"Id": 2, "Command": "Get-Item", "Enabled": false}})

	require.Eventually(t, func() bool { return dbg.updateCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	dbg.mu.Lock()
	defer dbg.mu.Unlock()
	assert.Equal(t, engine.BreakpointRemoved, dbg.updates[0].Update)
	assert.Equal(t, engine.Breakpoint{ID: 2, Kind: engine.BreakpointKindCommand, Command: "Get-Item"}, dbg.updates[0].Breakpoint)
}

func TestEngineBreak(t *testing.T) {
	eng, srv, _ := started(t)
	var d engine.Debugger = eng
	d.Break()

	_, ok := srv.awaitControl(NullGUID, controlBreak)
	assert.True(t, ok)
}

func TestEngineDebuggerCommandOutsideStop(t *testing.T) {
	eng, srv, info := started(t)
	srv.handle("c", func(s *fakeServer, id uuid.UUID, req *invokeRequest) {
		assert.True(t, req.InDebugger)
		s.send(id, map[string]any{"kind": "done", "error": map[string]any{
			"message": "the debugger is not stopped", "type": "System.InvalidOperationException",
		}})
	})

	_, err := eng.Invoke(context.Background(), info, objects.NewScriptCommand("c"), engine.InvokeSettings{InDebugger: true})
	var scriptErr *engine.ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Contains(t, scriptErr.Error(), "not stopped")
}

func TestEngineInvokeBeforeStart(t *testing.T) {
	_, err := New().Invoke(context.Background(), nil, objects.NewScriptCommand("1"), engine.InvokeSettings{})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestEngineClose(t *testing.T) {
	eng, srv, _ := started(t)
	require.NoError(t, eng.Close())
	select {
	case <-srv.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not see Close")
	}
	require.NoError(t, eng.Close())
}

func TestEngineProbeDSC(t *testing.T) {
	eng, srv, info := started(t)
	srv.handle(dscProbeScript, func(s *fakeServer, id uuid.UUID, _ *invokeRequest) {
		s.send(id, map[string]any{"kind": "output", "value": `C:\Program Files\WindowsPowerShell\Modules\xWebAdministration`})
		s.send(id, map[string]any{"kind": "done"})
	})

	capability, err := eng.ProbeDSC(context.Background(), info)
	require.NoError(t, err)
	require.NotNil(t, capability)
	assert.True(t, capability.IsDSCResourcePath(`c:\program files\windowspowershell\modules\xWebAdministration\DSCResources\a.psm1`))
}

func TestEngineUnderExecutionService(t *testing.T) {
	eng, srv := startFake(t)
	go srv.serve()
	go srv.ready()
	srv.handle("Get-Greeting", func(s *fakeServer, id uuid.UUID, _ *invokeRequest) {
		s.send(id, map[string]any{"kind": "output", "value": "hello"})
		s.send(id, map[string]any{"kind": "done"})
	})
	srv.handle("Start-Forever", waitForStop)

	ui := &recordingUI{}
	svc := execution.New(eng, execution.WithHost(host.New("test", host.Version{Major: 1}, "", ui)))
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	assert.Equal(t, "host1", svc.CurrentRunspace().Details().ComputerName)

	_, err := svc.ExecuteScript(context.Background(), "Get-Greeting", pipeline.PriorityNormal, pipeline.Options{WriteOutputToHost: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, ui.lines)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = svc.ExecuteCommand(ctx, objects.NewPSCommand().AddCommand("Start-Forever"), pipeline.PriorityNormal, pipeline.Options{})
	assert.True(t, errors.Is(err, pipeline.ErrCanceled), "got %v", err)
}

func TestEncodeCommand(t *testing.T) {
	assert.Equal(t, "YQBiAA==", encodeCommand("ab"))

	args := Args()
	require.Len(t, args, 5)
	assert.Equal(t, "-EncodedCommand", args[3])
	raw, err := base64.StdEncoding.DecodeString(args[4])
	require.NoError(t, err)
	assert.Equal(t, 2*len([]rune(serverScript)), len(raw))
	assert.Contains(t, serverScript, "BeginInvoke")
}

package psprocess

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/google/uuid"

	"github.com/smnsjas/go-pseshost/engine"
	"github.com/smnsjas/go-pseshost/host"
	"github.com/smnsjas/go-pseshost/objects"
	"github.com/smnsjas/go-pseshost/runspace"
)

//go:embed server.ps1
var serverScript string

// DefaultPath is the executable started when no path is configured.
const DefaultPath = "pwsh"

// DefaultStartTimeout bounds the wait for the server's ready record.
const DefaultStartTimeout = 30 * time.Second

var (
	// ErrClosed is returned by operations on a closed or exited engine.
	ErrClosed = errors.New("psprocess: engine closed")
	// ErrStopped is returned when an invocation was stopped.
	ErrStopped = errors.New("psprocess: invocation stopped")
	// ErrNotStarted is returned by Invoke before Start.
	ErrNotStarted = errors.New("psprocess: engine not started")
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithPath sets the PowerShell executable, such as "pwsh" or
// "powershell.exe".
func WithPath(path string) Option {
	return func(e *Engine) {
		if path != "" {
			e.path = path
		}
	}
}

// WithStartTimeout bounds the wait for the server to report ready.
func WithStartTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.startTimeout = d
		}
	}
}

// WithStreams attaches the engine to an already running server instead of
// starting a process. Records are read from r and packets written to w.
func WithStreams(r io.Reader, w io.WriteCloser) Option {
	return func(e *Engine) {
		e.streamIn, e.streamOut = r, w
	}
}

// Engine runs commands in a PowerShell child process. It implements
// engine.Engine and engine.Debugger.
type Engine struct {
	path         string
	startTimeout time.Duration
	logger       *slog.Logger

	streamIn  io.Reader
	streamOut io.WriteCloser

	cmd       *exec.Cmd
	transport *Transport
	stdin     io.WriteCloser
	cb        engine.Callbacks

	mu      sync.Mutex
	routes  map[uuid.UUID]chan *record
	current uuid.UUID
	readErr error

	readerDone chan struct{}
	closeAck   chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

var _ engine.Debugger = (*Engine)(nil)

// New creates an Engine. Start launches it.
func New(opts ...Option) *Engine {
	e := &Engine{
		path:         DefaultPath,
		startTimeout: DefaultStartTimeout,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		routes:       make(map[uuid.UUID]chan *record),
		readerDone:   make(chan struct{}),
		closeAck:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Args returns the command line arguments that start the server script.
func Args() []string {
	return []string{"-NoLogo", "-NoProfile", "-NonInteractive", "-EncodedCommand", encodeCommand(serverScript)}
}

// encodeCommand encodes script for -EncodedCommand: base64 of UTF-16LE.
func encodeCommand(script string) string {
	units := utf16.Encode([]rune(script))
	buf := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2*i:], u)
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// Start implements engine.Engine.
func (e *Engine) Start(ctx context.Context, cb engine.Callbacks) (*runspace.Info, error) {
	e.cb = cb
	r, w := e.streamIn, e.streamOut
	if r == nil {
		if err := e.launch(); err != nil {
			return nil, err
		}
		r, w = e.streamIn, e.streamOut
	}
	e.stdin = w
	e.transport = NewTransport(r, w)

	ready := make(chan *record, 1)
	e.mu.Lock()
	e.routes[NullGUID] = ready
	e.mu.Unlock()
	go e.readLoop()

	timer := time.NewTimer(e.startTimeout)
	defer timer.Stop()
	var rec *record
	select {
	case rec = <-ready:
	case <-e.readerDone:
		return nil, e.startFailed(fmt.Errorf("server exited before ready: %w", e.readError()))
	case <-timer.C:
		return nil, e.startFailed(fmt.Errorf("server not ready after %s", e.startTimeout))
	case <-ctx.Done():
		return nil, e.startFailed(ctx.Err())
	}

	e.mu.Lock()
	delete(e.routes, NullGUID)
	e.mu.Unlock()

	details := runspace.Details{
		Edition:      runspace.Edition(rec.Edition),
		ComputerName: rec.ComputerName,
		ProcessID:    rec.ProcessID,
	}
	if v, err := runspace.ParseVersion(rec.PSVersion); err == nil {
		details.PSVersion = v
	} else {
		e.logger.Warn("server reported an unparsable version", "version", rec.PSVersion, "error", err)
	}
	e.logger.Info("powershell started",
		"version", rec.PSVersion, "edition", rec.Edition, "pid", rec.ProcessID)
	return runspace.New(runspace.OriginLocal, details, runspace.WithCapabilityProber(e)), nil
}

func (e *Engine) launch() error {
	cmd := exec.Command(e.path, Args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", e.path, err)
	}
	go e.logStderr(stderr)

	e.cmd = cmd
	e.streamIn, e.streamOut = stdout, stdin
	e.logger.Debug("powershell process launched", "path", e.path, "pid", cmd.Process.Pid)
	return nil
}

func (e *Engine) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			e.logger.Warn("powershell stderr", "line", line)
		}
	}
}

func (e *Engine) startFailed(err error) error {
	_ = e.Close()
	return fmt.Errorf("start powershell: %w", err)
}

// readLoop routes records to the invocation they belong to.
func (e *Engine) readLoop() {
	defer close(e.readerDone)
	for {
		packet, err := e.transport.ReceivePacket()
		if err != nil {
			e.mu.Lock()
			e.readErr = err
			e.mu.Unlock()
			if !errors.Is(err, io.EOF) {
				e.logger.Warn("powershell transport failed", "error", err)
			}
			return
		}

		switch packet.Type {
		case PacketTypeData:
			rec := &record{}
			if err := json.Unmarshal(packet.Data, rec); err != nil {
				e.logger.Warn("undecodable record", "psguid", packet.PSGuid, "error", err)
				continue
			}
			if rec.Kind == kindBreakpointUpdated {
				e.breakpointUpdated(rec)
				continue
			}
			e.mu.Lock()
			ch := e.routes[packet.PSGuid]
			e.mu.Unlock()
			if ch == nil {
				e.logger.Debug("record for unknown invocation", "psguid", packet.PSGuid, "kind", rec.Kind)
				continue
			}
			ch <- rec
		case PacketTypeCloseAck:
			close(e.closeAck)
			return
		default:
			e.logger.Debug("ignoring packet", "type", packet.Type)
		}
	}
}

func (e *Engine) readerExited() bool {
	select {
	case <-e.readerDone:
		return true
	default:
		return false
	}
}

func (e *Engine) readError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readErr == nil || errors.Is(e.readErr, io.EOF) {
		return ErrClosed
	}
	return e.readErr
}

// Invoke implements engine.Engine. Canceling ctx stops the invocation;
// Invoke still waits for the server to finish it so the next invocation
// starts clean.
//
// A debugger stop reported by the invocation is handed to the debugger
// callback on the calling goroutine. Invocations made from the callback are
// nested: the server runs them through the paused debugger.
func (e *Engine) Invoke(ctx context.Context, target *runspace.Info, cmd *objects.PSCommand, settings engine.InvokeSettings) (*engine.Output, error) {
	if e.transport == nil {
		return nil, ErrNotStarted
	}
	if cmd.IsEmpty() {
		return &engine.Output{}, nil
	}

	payload, err := json.Marshal(newInvokeRequest(cmd, settings))
	if err != nil {
		return nil, fmt.Errorf("encode invocation: %w", err)
	}

	id := uuid.New()
	ch := make(chan *record, 64)
	e.mu.Lock()
	e.routes[id] = ch
	outer := e.current
	e.current = id
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.routes, id)
		if e.current == id {
			e.current = outer
		}
		e.mu.Unlock()
	}()

	if err := e.transport.SendData(id, payload); err != nil {
		return nil, fmt.Errorf("send invocation: %w", err)
	}

	ui := settings.UI
	if ui == nil {
		ui = e.cb.UI
	}
	dispatcher := host.NewDispatcher(ui)

	out := &engine.Output{}
	stopSent := false
	done := ctx.Done()
	for {
		select {
		case rec := <-ch:
			switch rec.Kind {
			case kindOutput:
				v, err := rec.outputValue()
				if err != nil {
					e.logger.Warn("dropping output", "error", err)
					continue
				}
				out.Objects = append(out.Objects, v)
			case kindError:
				if rec.Error != nil {
					out.Errors = append(out.Errors, rec.Error.errorRecord())
				}
			case kindHost:
				e.dispatchHost(dispatcher, rec)
			case kindDebuggerStop:
				e.debuggerStop(ctx, id, rec)
			case kindDone:
				return e.finish(ctx, out, rec)
			default:
				e.logger.Debug("ignoring record", "kind", rec.Kind)
			}
		case <-done:
			if !stopSent {
				stopSent = true
				if err := e.transport.SendSignal(id); err != nil {
					e.logger.Warn("send stop signal", "error", err)
				}
			}
			done = nil
		case <-e.readerDone:
			return out, e.readError()
		}
	}
}

func (e *Engine) finish(ctx context.Context, out *engine.Output, done *record) (*engine.Output, error) {
	out.Resume = parseResumeAction(done.Resume)
	switch {
	case ctx.Err() != nil:
		return out, ctx.Err()
	case done.Stopped:
		return out, ErrStopped
	case done.Error != nil:
		return out, &engine.ScriptError{Record: done.Error.errorRecord()}
	}
	return out, nil
}

func (e *Engine) dispatchHost(d *host.Dispatcher, rec *record) {
	call, err := rec.hostCall()
	if err != nil {
		e.logger.Debug("ignoring host record", "error", err)
		return
	}
	if resp := d.Handle(call); resp.ExceptionRaised {
		e.logger.Debug("host call failed", "method", call.Method, "error", resp.ReturnValue)
	}
}

// debuggerStop waits for the debugger callback to resume the paused
// invocation id and sends its action to the server. Without a callback the
// script continues.
func (e *Engine) debuggerStop(ctx context.Context, id uuid.UUID, rec *record) {
	ev := rec.stopEvent()
	e.logger.Debug("debugger stopped", "reason", ev.Reason, "script", ev.ScriptPath, "line", ev.Line)
	action := engine.ResumeContinue
	if e.cb.Debugger != nil {
		action = e.cb.Debugger.OnDebuggerStop(ctx, ev)
	}
	if action == engine.ResumeNone {
		action = engine.ResumeContinue
	}
	if err := e.sendControl(id, controlMessage{Kind: controlResume, Action: action.String()}); err != nil {
		e.logger.Warn("send resume", "action", action, "error", err)
	}
}

func (e *Engine) breakpointUpdated(rec *record) {
	ev, err := rec.breakpointEvent()
	if err != nil {
		e.logger.Debug("ignoring breakpoint update", "error", err)
		return
	}
	if e.cb.Debugger != nil {
		e.cb.Debugger.OnBreakpointUpdated(ev)
	}
}

func (e *Engine) sendControl(id uuid.UUID, msg controlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return e.transport.SendData(id, data)
}

// Break implements engine.Debugger. The running script pauses before its
// next statement; with nothing running the request is remembered for the
// next invocation.
func (e *Engine) Break() {
	if e.transport == nil || e.readerExited() {
		return
	}
	if err := e.sendControl(NullGUID, controlMessage{Kind: controlBreak}); err != nil {
		e.logger.Debug("send break", "error", err)
	}
}

// Stop implements engine.Engine. It signals the running invocation, if any.
func (e *Engine) Stop() {
	e.mu.Lock()
	id := e.current
	e.mu.Unlock()
	if id == uuid.Nil || e.transport == nil {
		return
	}
	if err := e.transport.SendSignal(id); err != nil {
		e.logger.Debug("send stop signal", "error", err)
	}
}

const dscProbeScript = "Get-DscResource -ErrorAction Ignore | ForEach-Object { $_.ParentPath }"

// ProbeDSC implements runspace.CapabilityProber by listing the module
// paths of the installed DSC resources. It is called from the worker.
func (e *Engine) ProbeDSC(ctx context.Context, info *runspace.Info) (*runspace.DSCBreakpointCapability, error) {
	cmd := objects.NewScriptCommand(dscProbeScript)
	out, err := e.Invoke(ctx, info, cmd, engine.InvokeSettings{})
	if err != nil {
		return nil, fmt.Errorf("probe DSC resources: %w", err)
	}
	capability := &runspace.DSCBreakpointCapability{}
	for _, obj := range out.Objects {
		if s, ok := obj.(string); ok && s != "" {
			capability.ResourcePaths = append(capability.ResourcePaths, s)
		}
	}
	if len(capability.ResourcePaths) == 0 {
		return nil, nil
	}
	return capability, nil
}

// Close implements engine.Engine. It asks the server to exit and waits
// briefly before killing the process.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.transport != nil && !e.readerExited() {
			if err := e.transport.SendClose(NullGUID); err == nil {
				select {
				case <-e.closeAck:
				case <-e.readerDone:
				case <-time.After(5 * time.Second):
					e.logger.Warn("powershell did not acknowledge close")
				}
			}
		}
		if e.stdin != nil {
			_ = e.stdin.Close()
		}
		if e.cmd != nil {
			waited := make(chan error, 1)
			go func() { waited <- e.cmd.Wait() }()
			select {
			case err := <-waited:
				if err != nil {
					e.logger.Debug("powershell exited", "error", err)
				}
			case <-time.After(5 * time.Second):
				_ = e.cmd.Process.Kill()
				<-waited
				e.closeErr = errors.New("psprocess: powershell did not exit and was killed")
			}
		}
	})
	return e.closeErr
}

package execution

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/smnsjas/go-pseshost/engine"
	"github.com/smnsjas/go-pseshost/host"
	"github.com/smnsjas/go-pseshost/internal/goroutineid"
	"github.com/smnsjas/go-pseshost/objects"
	"github.com/smnsjas/go-pseshost/pipeline"
	"github.com/smnsjas/go-pseshost/runspace"
)

var (
	// ErrNotRunning is returned when work is submitted to a closed or broken service.
	ErrNotRunning = errors.New("execution: service is not running")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("execution: service already started")
	// ErrNotOnWorker is returned when a worker-only operation is called from elsewhere.
	ErrNotOnWorker = errors.New("execution: must be called from the execution worker")
	// ErrNoNestedPrompt is returned by ExitNestedPrompt outside a nested prompt.
	ErrNoNestedPrompt = errors.New("execution: no nested prompt to exit")
	// ErrPanic wraps a panic recovered while running a request.
	ErrPanic = errors.New("execution: request panicked")

	// ErrInterrupted is the cancellation cause of a task stopped by a
	// higher-priority request with InterruptCurrentForeground.
	ErrInterrupted = errors.New("execution: interrupted by a higher priority request")
	// ErrServiceClosed is the cancellation cause of tasks pending at Close.
	ErrServiceClosed = errors.New("execution: service closed")
)

// State represents the lifecycle state of a Service.
type State int

const (
	// StateBeforeStart indicates Start has not been called. Work may be queued.
	StateBeforeStart State = iota
	// StateRunning indicates the worker is processing requests.
	StateRunning
	// StateClosing indicates Close is in progress.
	StateClosing
	// StateClosed indicates the service and engine are shut down.
	StateClosed
	// StateBroken indicates the engine failed to start.
	StateBroken
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateBeforeStart:
		return "BeforeStart"
	case StateRunning:
		return "Running"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateBroken:
		return "Broken"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// FrameKind is the kind of a run-loop frame on the worker.
type FrameKind int

const (
	// FrameTop is the worker's outermost loop.
	FrameTop FrameKind = iota
	// FrameDebugger runs while the debugger is stopped. It only dequeues
	// introspection and debugger-resume requests.
	FrameDebugger
	// FrameNestedPrompt runs for $Host.EnterNestedPrompt().
	FrameNestedPrompt
)

// String returns a string representation of the frame kind.
func (k FrameKind) String() string {
	switch k {
	case FrameTop:
		return "Top"
	case FrameDebugger:
		return "Debugger"
	case FrameNestedPrompt:
		return "NestedPrompt"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

func (k FrameKind) accepts(p pipeline.Priority) bool {
	if k == FrameDebugger {
		return p.AllowedWhileStopped()
	}
	return true
}

type frame struct {
	kind FrameKind
	ctx  context.Context
	// exit is closed to end the frame. Nil for the top frame.
	exit      <-chan struct{}
	closeExit func()
}

// workerKey marks contexts handed to code running on the worker.
type workerKey struct{}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHost sets the host whose UI receives output written to the host.
func WithHost(h host.Host) Option {
	return func(s *Service) {
		if h != nil {
			s.host = h
		}
	}
}

// Service serializes all access to an engine through one worker goroutine.
type Service struct {
	engine    engine.Engine
	host      host.Host
	logger    *slog.Logger
	runspaces *runspace.Context

	mu           sync.Mutex
	state        State
	queue        taskQueue
	seq          uint64
	running      []*queuedTask
	frames       []*frame
	debugHandler engine.DebuggerHandler

	workerGID  atomic.Int64
	wake       chan struct{}
	closing    chan struct{}
	workerDone chan struct{}
}

// New creates a Service for eng. Call Start before work can run.
func New(eng engine.Engine, opts ...Option) *Service {
	s := &Service{
		engine:     eng,
		host:       host.NewNullHost(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		state:      StateBeforeStart,
		wake:       make(chan struct{}, 1),
		closing:    make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.runspaces = runspace.NewContext(s.logger)
	return s
}

// SetDebuggerHandler sets the handler for engine debugger events. It must
// be called before Start.
func (s *Service) SetDebuggerHandler(h engine.DebuggerHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debugHandler = h
}

// State returns the current state of the service.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Host returns the host output is written to.
func (s *Service) Host() host.Host { return s.host }

// Runspaces returns the runspace context stack.
func (s *Service) Runspaces() *runspace.Context { return s.runspaces }

// CurrentRunspace returns the runspace commands currently run against.
func (s *Service) CurrentRunspace() *runspace.Info { return s.runspaces.Current() }

// Debugger returns the engine's debugger capability, if it has one.
func (s *Service) Debugger() (engine.Debugger, bool) {
	d, ok := s.engine.(engine.Debugger)
	return d, ok
}

// FrameDepth returns the number of active run-loop frames (0 before Start).
func (s *Service) FrameDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// OnWorker reports whether ctx was handed out by this service's worker and
// the caller is running on the worker goroutine.
func (s *Service) OnWorker(ctx context.Context) bool {
	owner, _ := ctx.Value(workerKey{}).(*Service)
	return owner == s && goroutineid.Get() == s.workerGID.Load()
}

// Start starts the engine and the worker.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateBeforeStart {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.mu.Unlock()

	s.logger.Debug("starting engine")
	info, err := s.engine.Start(ctx, engine.Callbacks{
		Debugger:  debuggerRelay{s},
		Runspaces: s,
		UI:        s.host.UI(),
	})
	if err != nil {
		s.mu.Lock()
		s.state = StateBroken
		queued := s.drainLocked()
		s.mu.Unlock()
		for _, qt := range queued {
			qt.task.Fail(fmt.Errorf("%w: %w", ErrNotRunning, err))
			qt.release()
		}
		s.logger.Error("engine failed to start", "error", err)
		return fmt.Errorf("start engine: %w", err)
	}

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	ready := make(chan struct{})
	go s.work(info, ready)
	<-ready

	s.logger.Info("execution service started", "runspace", info.String())
	return nil
}

// Close cancels queued and running work, stops the worker and closes the
// engine. The runspace stack is unwound with ActionShutdown.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosing, StateClosed:
		s.mu.Unlock()
		return nil
	case StateBeforeStart, StateBroken:
		s.state = StateClosed
		queued := s.drainLocked()
		s.mu.Unlock()
		for _, qt := range queued {
			qt.task.Cancel(ErrServiceClosed)
			qt.release()
		}
		return nil
	}
	s.state = StateClosing
	queued := s.drainLocked()
	running := append([]*queuedTask(nil), s.running...)
	close(s.closing)
	s.mu.Unlock()

	s.logger.Debug("closing execution service", "queued", len(queued), "running", len(running))
	for _, qt := range queued {
		qt.task.Cancel(ErrServiceClosed)
		qt.release()
	}
	for _, qt := range running {
		qt.cancel(ErrServiceClosed)
	}

	select {
	case <-s.workerDone:
	case <-ctx.Done():
		return fmt.Errorf("wait for worker: %w", ctx.Err())
	}

	err := s.engine.Close()
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("close engine: %w", err)
	}
	s.logger.Info("execution service closed")
	return nil
}

// drainLocked empties the queue. Caller MUST hold s.mu.
func (s *Service) drainLocked() []*queuedTask {
	queued := make([]*queuedTask, 0, len(s.queue))
	for s.queue.Len() > 0 {
		queued = append(queued, heap.Pop(&s.queue).(*queuedTask))
	}
	return queued
}

// Submit queues req and returns its task without waiting. Called from
// code running on the worker with the context it was given, req runs
// inline and the returned task is already complete.
func (s *Service) Submit(ctx context.Context, req *pipeline.Request) *pipeline.Task {
	task := pipeline.NewTask(req)
	if err := req.Validate(); err != nil {
		task.Fail(err)
		return task
	}
	if ctx.Err() != nil {
		task.Cancel(context.Cause(ctx))
		return task
	}

	taskCtx, cancel := context.WithCancelCause(ctx)
	qt := &queuedTask{
		task:     task,
		priority: req.Priority,
		ctx:      taskCtx,
		cancel:   cancel,
		index:    -1,
	}

	if s.OnWorker(ctx) {
		s.logger.Debug("running nested request inline", "request", req.String(), "priority", req.Priority.String())
		qt.stopWatch = context.AfterFunc(taskCtx, func() { s.onTaskCanceled(qt) })
		s.runTask(qt)
		return task
	}

	s.mu.Lock()
	if s.state != StateBeforeStart && s.state != StateRunning {
		s.mu.Unlock()
		cancel(nil)
		task.Fail(ErrNotRunning)
		return task
	}
	s.seq++
	qt.seq = s.seq
	qt.stopWatch = context.AfterFunc(taskCtx, func() { s.onTaskCanceled(qt) })
	heap.Push(&s.queue, qt)
	interrupt := s.interruptTargetLocked(req)
	s.mu.Unlock()

	s.logger.Debug("request queued", "request", req.String(), "priority", req.Priority.String(), "seq", qt.seq)
	if interrupt != nil {
		s.logger.Debug("interrupting foreground request", "request", interrupt.task.Request().String())
		interrupt.cancel(ErrInterrupted)
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return task
}

// interruptTargetLocked returns the running task req should interrupt.
// Tasks blocked in a nested frame are never interrupted. Caller MUST hold s.mu.
func (s *Service) interruptTargetLocked(req *pipeline.Request) *queuedTask {
	if !req.Options.InterruptCurrentForeground || len(s.running) == 0 || len(s.frames) != 1 {
		return nil
	}
	cur := s.running[len(s.running)-1]
	if cur.priority >= req.Priority {
		return nil
	}
	return cur
}

// onTaskCanceled runs when a task's context ends.
func (s *Service) onTaskCanceled(qt *queuedTask) {
	s.mu.Lock()
	if s.queue.remove(qt) {
		s.mu.Unlock()
		qt.task.Cancel(context.Cause(qt.ctx))
		s.logger.Debug("queued request canceled", "request", qt.task.Request().String())
		return
	}
	innermost := len(s.running) > 0 && s.running[len(s.running)-1] == qt
	s.mu.Unlock()

	if innermost {
		s.logger.Debug("stopping running request", "request", qt.task.Request().String())
		s.engine.Stop()
	}
}

// CancelCurrentTask cancels the innermost running request. It reports
// whether there was one.
func (s *Service) CancelCurrentTask() bool {
	s.mu.Lock()
	if len(s.running) == 0 {
		s.mu.Unlock()
		return false
	}
	cur := s.running[len(s.running)-1]
	s.mu.Unlock()

	cur.cancel(context.Canceled)
	return true
}

// ExecuteCommand submits cmd and waits for its result.
func (s *Service) ExecuteCommand(ctx context.Context, cmd *objects.PSCommand, priority pipeline.Priority, opts pipeline.Options) (*pipeline.Result, error) {
	return await(ctx, s.Submit(ctx, pipeline.NewCommandRequest(cmd, priority, opts)))
}

// ExecuteScript submits script text and waits for its result.
func (s *Service) ExecuteScript(ctx context.Context, script string, priority pipeline.Priority, opts pipeline.Options) (*pipeline.Result, error) {
	return await(ctx, s.Submit(ctx, pipeline.NewScriptRequest(script, priority, opts)))
}

// ExecuteDelegate runs fn on the worker and returns its value.
func (s *Service) ExecuteDelegate(ctx context.Context, name string, priority pipeline.Priority, fn pipeline.Delegate) (any, error) {
	res, err := await(ctx, s.Submit(ctx, pipeline.NewDelegateRequest(name, fn, priority, pipeline.Options{})))
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// await waits for a task submitted with ctx. Ending ctx cancels the task,
// so the wait continues until the task settles and reports its outcome.
func await(ctx context.Context, task *pipeline.Task) (*pipeline.Result, error) {
	select {
	case <-task.Done():
	case <-ctx.Done():
		<-task.Done()
	}
	return task.Outcome()
}

// work is the worker goroutine.
func (s *Service) work(initial *runspace.Info, ready chan<- struct{}) {
	defer close(s.workerDone)

	s.workerGID.Store(goroutineid.Get())
	if err := s.runspaces.Push(initial); err != nil {
		s.logger.Error("push initial runspace", "error", err)
	}
	close(ready)

	if err := s.pump(&frame{kind: FrameTop, ctx: context.Background()}); err != nil && !errors.Is(err, ErrNotRunning) {
		s.logger.Error("worker loop ended", "error", err)
	}

	for s.runspaces.Depth() > 0 {
		if _, err := s.runspaces.Pop(runspace.ActionShutdown); err != nil {
			s.logger.Error("unwind runspace stack", "error", err)
			break
		}
	}
	s.logger.Debug("worker stopped")
}

// pump runs requests accepted by f until f ends. It returns nil when f's
// exit channel closes.
func (s *Service) pump(f *frame) error {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	depth := len(s.frames)
	s.mu.Unlock()

	s.logger.Debug("entering frame", "kind", f.kind.String(), "depth", depth)
	defer func() {
		s.mu.Lock()
		s.frames = s.frames[:len(s.frames)-1]
		s.mu.Unlock()
		s.logger.Debug("leaving frame", "kind", f.kind.String(), "depth", depth)
	}()

	for {
		qt, err := s.next(f)
		if err != nil || qt == nil {
			return err
		}
		s.runTask(qt)
	}
}

// next blocks until f may run a queued task, or f ends.
func (s *Service) next(f *frame) (*queuedTask, error) {
	for {
		select {
		case <-f.exit:
			return nil, nil
		default:
		}
		if err := f.ctx.Err(); err != nil {
			return nil, err
		}

		s.mu.Lock()
		if s.state != StateRunning {
			s.mu.Unlock()
			return nil, ErrNotRunning
		}
		if top := s.queue.peek(); top != nil && f.kind.accepts(top.priority) {
			qt := heap.Pop(&s.queue).(*queuedTask)
			s.mu.Unlock()
			return qt, nil
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-f.exit:
		case <-f.ctx.Done():
		case <-s.closing:
		}
	}
}

// runTask runs qt on the calling goroutine, which is the worker.
func (s *Service) runTask(qt *queuedTask) {
	defer qt.release()

	if !qt.task.Start() {
		return
	}

	req := qt.task.Request()
	runCtx := context.WithValue(qt.ctx, workerKey{}, s)

	// Registered as running before the context check, so a cancellation
	// racing with the start either is seen here or stops the engine.
	s.mu.Lock()
	qt.frameDepth = len(s.frames)
	s.running = append(s.running, qt)
	s.mu.Unlock()

	var (
		result *pipeline.Result
		err    error
	)
	if qt.ctx.Err() == nil {
		s.logger.Debug("executing request", "request", req.String(), "priority", req.Priority.String(), "frame_depth", qt.frameDepth)
		result, err = s.execute(runCtx, req)
	}

	s.mu.Lock()
	s.running = s.running[:len(s.running)-1]
	s.mu.Unlock()

	switch {
	case qt.ctx.Err() != nil:
		qt.task.Cancel(context.Cause(qt.ctx))
	case err != nil:
		s.logger.Debug("request failed", "request", req.String(), "error", err)
		qt.task.Fail(err)
	default:
		qt.task.Complete(result)
	}
}

// execute runs req. Panics become errors so the worker survives.
func (s *Service) execute(ctx context.Context, req *pipeline.Request) (result *pipeline.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("request panicked", "request", req.String(), "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	if req.IsDelegate() {
		v, err := req.Delegate(ctx)
		if err != nil {
			return nil, err
		}
		return &pipeline.Result{Value: v}, nil
	}
	return s.invoke(ctx, req)
}

// invoke runs a command request against the current runspace.
func (s *Service) invoke(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	ui := s.host.UI()
	cmd := req.PSCommand()
	opts := req.Options

	if opts.WriteInputToHost {
		ui.WriteLine(cmd.String())
	}

	out, err := s.engine.Invoke(ctx, s.runspaces.Current(), cmd, engine.InvokeSettings{
		InDebugger:   opts.InDebugger,
		AddToHistory: opts.AddToHistory,
		UI:           ui,
	})

	result := &pipeline.Result{}
	if out != nil {
		result.Output = out.Objects
		result.Errors = out.Errors
		result.Resume = out.Resume
	}

	if err != nil {
		var scriptErr *engine.ScriptError
		if !errors.As(err, &scriptErr) || opts.ThrowOnError || ctx.Err() != nil {
			if opts.WriteOutputToHost {
				writeOutput(ui, result.Output)
			}
			return nil, err
		}
		result.Errors = append(result.Errors, scriptErr.Record)
	}

	if opts.WriteOutputToHost {
		writeOutput(ui, result.Output)
	}
	if opts.WriteErrorsToHost {
		for _, rec := range result.Errors {
			ui.WriteErrorLine(rec.String())
		}
	}
	return result, nil
}

func writeOutput(ui host.UI, output []any) {
	for _, obj := range output {
		for _, line := range objects.FormatForHost(obj) {
			ui.WriteLine(line)
		}
	}
}

// RunDebuggerFrame runs a nested loop that only accepts introspection and
// debugger-resume requests, until resumed is closed. It must be called from
// the worker, normally from engine.DebuggerHandler.OnDebuggerStop.
func (s *Service) RunDebuggerFrame(ctx context.Context, resumed <-chan struct{}) error {
	if !s.OnWorker(ctx) {
		return ErrNotOnWorker
	}
	return s.pump(&frame{kind: FrameDebugger, ctx: ctx, exit: resumed})
}

// EnterNestedPrompt runs a nested loop accepting all requests until
// ExitNestedPrompt is called from inside it.
func (s *Service) EnterNestedPrompt(ctx context.Context) error {
	if !s.OnWorker(ctx) {
		return ErrNotOnWorker
	}
	exit := make(chan struct{})
	return s.pump(&frame{
		kind:      FrameNestedPrompt,
		ctx:       ctx,
		exit:      exit,
		closeExit: sync.OnceFunc(func() { close(exit) }),
	})
}

// ExitNestedPrompt ends the innermost nested prompt once the current
// request finishes.
func (s *Service) ExitNestedPrompt(ctx context.Context) error {
	if !s.OnWorker(ctx) {
		return ErrNotOnWorker
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].kind == FrameNestedPrompt {
			s.frames[i].closeExit()
			return nil
		}
	}
	return ErrNoNestedPrompt
}

// PushRunspace makes info the current runspace. It must be called from the worker.
func (s *Service) PushRunspace(ctx context.Context, info *runspace.Info) error {
	if !s.OnWorker(ctx) {
		s.logger.Error("runspace push outside the worker", "runspace", info)
		return ErrNotOnWorker
	}
	return s.runspaces.Push(info)
}

// PopRunspace returns to the previous runspace. It must be called from the worker.
func (s *Service) PopRunspace(ctx context.Context, action runspace.Action) error {
	if !s.OnWorker(ctx) {
		s.logger.Error("runspace pop outside the worker", "action", action.String())
		return ErrNotOnWorker
	}
	_, err := s.runspaces.Pop(action)
	return err
}

// debuggerRelay forwards engine debugger events to the handler set with
// SetDebuggerHandler. Without one, stops resume immediately.
type debuggerRelay struct {
	s *Service
}

func (r debuggerRelay) handler() engine.DebuggerHandler {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.debugHandler
}

func (r debuggerRelay) OnDebuggerStop(ctx context.Context, ev *engine.DebuggerStopEvent) engine.ResumeAction {
	h := r.handler()
	if h == nil {
		r.s.logger.Warn("debugger stopped with no handler, continuing", "script", ev.ScriptPath, "line", ev.Line)
		return engine.ResumeContinue
	}
	return h.OnDebuggerStop(ctx, ev)
}

func (r debuggerRelay) OnBreakpointUpdated(ev *engine.BreakpointUpdatedEvent) {
	if h := r.handler(); h != nil {
		h.OnBreakpointUpdated(ev)
	}
}

package pseshost

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smnsjas/go-pseshost/commands"
	"github.com/smnsjas/go-pseshost/debugger"
	"github.com/smnsjas/go-pseshost/engine"
	"github.com/smnsjas/go-pseshost/execution"
	"github.com/smnsjas/go-pseshost/host"
	"github.com/smnsjas/go-pseshost/logging"
	"github.com/smnsjas/go-pseshost/repl"
	"github.com/smnsjas/go-pseshost/runspace"
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger shared by all components.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHost sets the host. Its UI still receives every write; the session
// wraps it to publish output events.
func WithHost(h host.Host) Option {
	return func(s *Session) {
		if h != nil {
			s.baseHost = h
		}
	}
}

// WithCompletionTimeout bounds completion requests.
func WithCompletionTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.completionTimeout = d
	}
}

// Session wires an engine to the execution service, debugger coordinator,
// command helper and console loop.
type Session struct {
	logger            *slog.Logger
	baseHost          host.Host
	completionTimeout time.Duration

	publisher *host.Publisher
	svc       *execution.Service
	dbg       *debugger.Coordinator
	cmds      *commands.Helper

	mu   sync.Mutex
	loop *repl.Loop
}

// New creates a Session for eng. Call Start before use.
func New(eng engine.Engine, opts ...Option) *Session {
	s := &Session{
		logger:   logging.Discard(),
		baseHost: host.NewNullHost(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.publisher = host.NewPublisher(s.baseHost.UI())
	h := host.New(s.baseHost.Name(), s.baseHost.Version(), s.baseHost.InstanceID(), s.publisher)
	s.svc = execution.New(eng,
		execution.WithLogger(s.logger.With("component", "execution")),
		execution.WithHost(h))
	s.dbg = debugger.New(s.svc, debugger.WithLogger(s.logger.With("component", "debugger")))
	s.cmds = commands.New(s.svc,
		commands.WithLogger(s.logger.With("component", "commands")),
		commands.WithCompletionTimeout(s.completionTimeout))
	return s
}

// Start starts the engine and the execution worker.
func (s *Session) Start(ctx context.Context) error {
	if err := s.svc.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

// Close stops the worker and closes the engine.
func (s *Session) Close(ctx context.Context) error {
	return s.svc.Close(ctx)
}

// Execution returns the execution service.
func (s *Session) Execution() *execution.Service { return s.svc }

// Debugger returns the debugger coordinator.
func (s *Session) Debugger() *debugger.Coordinator { return s.dbg }

// Commands returns the command helper.
func (s *Session) Commands() *commands.Helper { return s.cmds }

// CurrentRunspace returns the runspace commands currently run against.
func (s *Session) CurrentRunspace() *runspace.Info { return s.svc.CurrentRunspace() }

// SubscribeOutput registers fn for every host write.
func (s *Session) SubscribeOutput(fn func(host.OutputEvent)) (unsubscribe func()) {
	return s.publisher.SubscribeOutput(fn)
}

// SubscribeProgress registers fn for progress updates.
func (s *Session) SubscribeProgress(fn func(host.ProgressEvent)) (unsubscribe func()) {
	return s.publisher.SubscribeProgress(fn)
}

// RunREPL runs the console loop on reader until ctx ends, input ends or
// the user exits. Only one loop runs at a time.
func (s *Session) RunREPL(ctx context.Context, reader repl.LineReader) error {
	loop := repl.New(s.svc, reader,
		repl.WithDebugger(s.dbg),
		repl.WithUI(s.svc.Host().UI()),
		repl.WithLogger(s.logger.With("component", "repl")))

	s.mu.Lock()
	if s.loop != nil {
		s.mu.Unlock()
		return fmt.Errorf("run repl: a console loop is already running")
	}
	s.loop = loop
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.loop = nil
		s.mu.Unlock()
	}()

	return loop.Run(ctx)
}

// Interrupt cancels the console command, or the innermost running request
// when no console loop is waiting on one.
func (s *Session) Interrupt() bool {
	s.mu.Lock()
	loop := s.loop
	s.mu.Unlock()
	if loop != nil && loop.Interrupt() {
		return true
	}
	return s.svc.CancelCurrentTask()
}

/*
Package execution serializes all access to a PowerShell engine through a
single worker goroutine.

Callers on any goroutine submit pipeline requests; the worker runs them one
at a time against the current runspace, highest priority first and in
submission order within a priority:

	svc := execution.New(eng, execution.WithLogger(logger))
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Close(context.Background())

	res, err := svc.ExecuteScript(ctx, "Get-Date", pipeline.PriorityNormal, pipeline.Options{})

# Frames

The worker runs a stack of frames. The top frame accepts every request.
When the engine's debugger stops, the debugger handler calls
RunDebuggerFrame from the worker, which pumps the same queue but only
dequeues introspection and debugger-resume requests until resumed:

	Top ──► Debugger (Introspection, DebuggerResume only)
	    └─► NestedPrompt (all priorities, $Host.EnterNestedPrompt())

Frames nest to any depth. A request running on the worker may submit more
requests with the context it was given; those run inline instead of being
queued, so a request can wait on its own children without deadlocking.

# Cancellation

Canceling a request's context removes it from the queue if it has not
started, and the engine is never invoked for it. For a running request the
engine's Stop is called when it is the innermost running request.
InterruptCurrentForeground does the same for a running request of lower
priority than the new one, with ErrInterrupted as the cause.

# Runspaces

The service owns the runspace.Context. Engines report session changes
through PushRunspace and PopRunspace, which are only accepted on the worker.
*/
package execution

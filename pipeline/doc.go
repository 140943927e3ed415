// Package pipeline defines execution requests and the task handle a caller
// holds while its request waits in, and runs through, the execution queue.
//
// A Request is one unit of work: a structured PSCommand, literal script
// text, or a Go delegate. It carries a Priority and Options and is never
// modified after submission.
//
// # Priorities
//
// Higher priorities are dequeued first; within a priority, submission order
// wins:
//
//	PriorityREPL < PriorityNormal < PriorityIntrospection < PriorityDebuggerResume
//
// While the debugger is stopped only PriorityIntrospection and
// PriorityDebuggerResume requests are dequeued.
//
// # Task State Machine
//
// A Task completes exactly once:
//
//	NotStarted → Running → Completed
//	    ↓           ↓
//	 Canceled    Failed / Canceled
//
// # Usage
//
//	task := svc.Submit(ctx, pipeline.NewScriptRequest("Get-Date", pipeline.PriorityNormal, pipeline.Options{}))
//	result, err := task.Wait(ctx)
//	if errors.Is(err, pipeline.ErrCanceled) {
//	    return nil
//	}
package pipeline

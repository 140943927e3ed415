// Package pseshost is the execution core of a PowerShell editor host.
//
// An editor integration receives requests concurrently (completions, hover,
// debugger queries, console input) but PowerShell runs one thing at a time
// in a stateful runspace. A Session puts a single worker in front of the
// engine and lets everything else submit work to it:
//
//	sess := pseshost.New(psprocess.New(), pseshost.WithLogger(logger))
//	if err := sess.Start(ctx); err != nil {
//	    return err
//	}
//	defer sess.Close(context.Background())
//
//	res, err := sess.Execution().ExecuteScript(ctx, "Get-Date", pipeline.PriorityNormal, pipeline.Options{})
//
// # Layers
//
//   - execution: the priority queue, worker and nested run-loop frames
//   - runspace: the stack of entered runspaces and their details
//   - debugger: stop/resume state, variables and breakpoints
//   - commands: command metadata, help and completion through the queue
//   - repl: the interactive console loop
//   - engine: the boundary to the engine, with psprocess running pwsh and
//     engine/enginetest as a scripted in-memory engine for tests
//
// Host output goes through a host.Publisher, so protocol code can relay it
// with SubscribeOutput while a console UI still shows it.
package pseshost

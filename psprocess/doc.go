// Package psprocess runs PowerShell in a child process and implements
// engine.Engine on top of it.
//
// The child is started as
//
//	pwsh -NoLogo -NoProfile -NonInteractive -EncodedCommand <server>
//
// where <server> is the embedded server.ps1. The server opens one
// persistent runspace and runs each request in it with BeginInvoke, so
// state (variables, functions, location) carries over between commands.
//
// # Protocol
//
// Both directions use one XML element per line on stdio:
//
//	<Data PSGuid='guid'>base64(json)</Data>   - request or record
//	<Signal PSGuid='guid' />                  - stop the invocation guid
//	<Close PSGuid='null-guid' />              - shut the server down
//	<CloseAck PSGuid='null-guid' />           - server is exiting
//
// Each invocation gets a fresh GUID. The server answers with records
// addressed to it: "output", "error", "host" (a host UI method and its
// parameters) and a final "done" carrying a terminating error or the
// stopped flag. At startup the server sends one "ready" record on the null
// GUID with the PowerShell version, edition, machine name and process id.
//
// # Debugger
//
// The server subscribes to the runspace debugger. A stop is reported as a
// "debuggerStop" record addressed to the paused invocation; the engine
// answers with a {"kind":"resume","action":...} Data packet once the
// debugger callback returns. Requests sent while an invocation is paused
// run through Debugger.ProcessCommand on the paused pipeline thread, and
// their "done" record carries the resume action of a debugger verb such as
// "c". Breakpoint changes arrive as "breakpointUpdated" records on the
// null GUID. {"kind":"break"} on the null GUID enables step mode so the
// running script pauses at its next statement.
package psprocess

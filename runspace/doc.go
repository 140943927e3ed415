// Package runspace describes the runspaces an execution session moves through
// and tracks which one is current.
//
// # Overview
//
// A runspace is an isolated execution environment for the PowerShell engine.
// The session starts in a local runspace and may move into nested ones: a
// remote PSSession (Enter-PSSession), another process on the same machine
// (Enter-PSHostProcess), or a runspace being debugged (Debug-Runspace).
//
// Info is an immutable snapshot of one runspace. A new Info is created on
// every transition; the old one is superseded, never mutated.
//
// # Context Stack
//
// Context holds the stack of entered runspaces. The top of the stack is the
// current runspace:
//
//	Local
//	  │ Enter-PSSession
//	  ├─→ PSSession (server01)
//	  │     │ Debug-Runspace
//	  │     └─→ DebuggedRunspace
//	  │           │ exit
//	  │     ←─────┘
//	  │ Exit-PSSession
//	←─┘
//
// Push and Pop are only legal from inside the execution worker. Popping the
// last runspace with reason Exit or Enter returns ErrLastRunspace: it means
// the caller's enter/exit bookkeeping is corrupted, not that the user did
// something wrong. Only a Shutdown may empty the stack.
//
// Every transition is published as a ChangeEvent carrying the action and the
// previous and new Info.
//
// # Capabilities
//
// Optional runspace abilities are negotiated at most once per Info through a
// CapabilityProber and memoized on the Info. The only one today is DSC
// breakpoint support, which applies to local Windows PowerShell 5.x.
//
// # Thread Safety
//
// Read accessors (Current, Depth, Snapshot) are safe from any goroutine.
package runspace

package runspace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

// Origin describes how a runspace was reached.
type Origin int

const (
	// OriginLocal is the session's own runspace.
	OriginLocal Origin = iota
	// OriginPSSession is a remote session entered with Enter-PSSession.
	OriginPSSession
	// OriginEnteredProcess is a runspace in another process entered with Enter-PSHostProcess.
	OriginEnteredProcess
	// OriginDebuggedRunspace is a runspace attached to with Debug-Runspace.
	OriginDebuggedRunspace
)

// String returns a string representation of the origin.
func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "Local"
	case OriginPSSession:
		return "PSSession"
	case OriginEnteredProcess:
		return "EnteredProcess"
	case OriginDebuggedRunspace:
		return "DebuggedRunspace"
	default:
		return fmt.Sprintf("Unknown(%d)", o)
	}
}

// Edition is the PowerShell edition reported by $PSVersionTable.PSEdition.
type Edition string

const (
	EditionDesktop Edition = "Desktop"
	EditionCore    Edition = "Core"
)

// Details holds the version and session details of a runspace.
type Details struct {
	PSVersion    *semver.Version
	Edition      Edition
	ComputerName string
	// ProcessID is set for OriginEnteredProcess.
	ProcessID int
	// RunspaceID is set for OriginDebuggedRunspace.
	RunspaceID int
}

// ParseVersion parses a PowerShell version string such as "7.4.1" or the
// four-part "5.1.22621.2506" that Windows PowerShell reports.
func ParseVersion(v string) (*semver.Version, error) {
	v = strings.TrimSpace(v)
	if parts := strings.Split(v, "."); len(parts) == 4 && allDigits(parts) {
		v = strings.Join(parts[:3], ".") + "+" + parts[3]
	}
	ver, err := semver.NewVersion(v)
	if err != nil {
		return nil, fmt.Errorf("parse PowerShell version %q: %w", v, err)
	}
	return ver, nil
}

func allDigits(parts []string) bool {
	for _, p := range parts {
		if p == "" || strings.Trim(p, "0123456789") != "" {
			return false
		}
	}
	return true
}

// Info is an immutable description of one runspace.
type Info struct {
	id       uuid.UUID
	origin   Origin
	details  Details
	isRemote bool

	prober CapabilityProber

	dscMu   sync.Mutex
	dscDone bool
	dsc     *DSCBreakpointCapability
}

// InfoOption configures an Info at creation.
type InfoOption func(*Info)

// WithID sets the runspace identity. The default is a new random UUID.
func WithID(id uuid.UUID) InfoOption {
	return func(i *Info) {
		i.id = id
	}
}

// WithRemoteMachine overrides whether the runspace is on another machine.
// The default is true for OriginPSSession and false otherwise.
func WithRemoteMachine(remote bool) InfoOption {
	return func(i *Info) {
		i.isRemote = remote
	}
}

// WithCapabilityProber sets the prober used to negotiate optional capabilities.
func WithCapabilityProber(p CapabilityProber) InfoOption {
	return func(i *Info) {
		i.prober = p
	}
}

// New creates an Info.
func New(origin Origin, details Details, opts ...InfoOption) *Info {
	info := &Info{
		id:       uuid.New(),
		origin:   origin,
		details:  details,
		isRemote: origin == OriginPSSession,
	}
	for _, opt := range opts {
		opt(info)
	}
	return info
}

// ID returns the runspace identity. Engines use it to find the runspace to run against.
func (i *Info) ID() uuid.UUID { return i.id }

// Origin returns how the runspace was reached.
func (i *Info) Origin() Origin { return i.origin }

// Details returns a copy of the version and session details.
func (i *Info) Details() Details { return i.details }

// IsOnRemoteMachine reports whether the runspace lives on another machine.
func (i *Info) IsOnRemoteMachine() bool { return i.isRemote }

// IsLocal reports whether the runspace is the session's own runspace.
func (i *Info) IsLocal() bool { return i.origin == OriginLocal }

// PromptPrefix returns the prompt decoration the console uses for this
// runspace, e.g. "[server01]: " for a remote session.
func (i *Info) PromptPrefix() string {
	switch i.origin {
	case OriginPSSession:
		if i.details.ComputerName != "" {
			return "[" + i.details.ComputerName + "]: "
		}
	case OriginEnteredProcess:
		return fmt.Sprintf("[Process:%d]: ", i.details.ProcessID)
	case OriginDebuggedRunspace:
		return fmt.Sprintf("[Runspace:%d]: ", i.details.RunspaceID)
	}
	return ""
}

// String returns a short description for logs.
func (i *Info) String() string {
	ver := "unknown"
	if i.details.PSVersion != nil {
		ver = i.details.PSVersion.String()
	}
	if i.details.ComputerName != "" {
		return fmt.Sprintf("%s(%s, %s)", i.origin, i.details.ComputerName, ver)
	}
	return fmt.Sprintf("%s(%s)", i.origin, ver)
}

// CapabilityProber negotiates optional runspace capabilities with the engine.
type CapabilityProber interface {
	ProbeDSC(ctx context.Context, info *Info) (*DSCBreakpointCapability, error)
}

// DSCBreakpointCapability is present when the runspace can break inside DSC
// resource scripts.
type DSCBreakpointCapability struct {
	// ResourcePaths are the module base paths of the installed DSC resources.
	ResourcePaths []string
}

// IsDSCResourcePath reports whether path belongs to a DSC resource module.
func (c *DSCBreakpointCapability) IsDSCResourcePath(path string) bool {
	if c == nil {
		return false
	}
	for _, root := range c.ResourcePaths {
		if len(path) >= len(root) && strings.EqualFold(path[:len(root)], root) {
			return true
		}
	}
	return false
}

// dscMinVersion is the first Windows PowerShell with DSC debugging.
var dscMinVersion = semver.MustParse("5.0.0")

// SupportsDSC reports whether DSC breakpoints can apply at all: a local
// Windows PowerShell (Desktop edition) runspace of version 5 or later.
func (i *Info) SupportsDSC() bool {
	if i.isRemote || i.origin != OriginLocal {
		return false
	}
	if i.details.Edition != EditionDesktop || i.details.PSVersion == nil {
		return false
	}
	return !i.details.PSVersion.LessThan(dscMinVersion)
}

// DSCCapability returns the DSC breakpoint capability, negotiating it on
// first use. A probe that fails because ctx ended is not memoized.
func (i *Info) DSCCapability(ctx context.Context) (*DSCBreakpointCapability, bool) {
	if !i.SupportsDSC() || i.prober == nil {
		return nil, false
	}

	i.dscMu.Lock()
	defer i.dscMu.Unlock()
	if i.dscDone {
		return i.dsc, i.dsc != nil
	}

	capability, err := i.prober.ProbeDSC(ctx, i)
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil, false
	}
	i.dscDone = true
	if err == nil {
		i.dsc = capability
	}
	return i.dsc, i.dsc != nil
}

// Package commands wraps the engine's command discovery, help and
// completion facilities as queue requests.
//
// Metadata for cmdlets is cached for the life of the Helper. Cmdlets are
// compiled into their modules and cannot change during a session; functions,
// scripts and aliases can be redefined at any time and are always looked up.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/smnsjas/go-pseshost/objects"
	"github.com/smnsjas/go-pseshost/pipeline"
)

// DefaultCompletionTimeout bounds a completion request.
const DefaultCompletionTimeout = 3 * time.Second

// Executor runs commands on the execution queue. *execution.Service
// implements it.
type Executor interface {
	ExecuteCommand(ctx context.Context, cmd *objects.PSCommand, priority pipeline.Priority, opts pipeline.Options) (*pipeline.Result, error)
}

// Option configures a Helper.
type Option func(*Helper)

// WithLogger sets the logger. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Helper) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithCompletionTimeout bounds Complete. Non-positive values keep the default.
func WithCompletionTimeout(d time.Duration) Option {
	return func(h *Helper) {
		if d > 0 {
			h.completionTimeout = d
		}
	}
}

// Helper looks up command metadata through an Executor.
type Helper struct {
	exec              Executor
	logger            *slog.Logger
	completionTimeout time.Duration

	// Keyed by lower-cased command name. Entries are only ever added.
	infoCache     sync.Map // string -> *objects.CommandInfo
	synopsisCache sync.Map // string -> string
	group         singleflight.Group

	aliasMu sync.Mutex
	aliases map[string][]string
}

// New creates a Helper that submits its lookups to exec.
func New(exec Executor, opts ...Option) *Helper {
	h := &Helper{
		exec:              exec,
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		completionTimeout: DefaultCompletionTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func cacheKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// GetCommandInfo returns the metadata of a command, or nil when no command
// has that name. Concurrent lookups of one name share a single request.
func (h *Helper) GetCommandInfo(ctx context.Context, name string) (*objects.CommandInfo, error) {
	key := cacheKey(name)
	if key == "" {
		return nil, nil
	}
	if v, ok := h.infoCache.Load(key); ok {
		return v.(*objects.CommandInfo), nil
	}

	v, err := h.shared(ctx, "info:"+key, "get command "+name, func(ctx context.Context) (any, error) {
		cmd := objects.NewPSCommand().AddCommand("Get-Command").
			AddParameter("Name", name).
			AddParameter("ErrorAction", "Ignore")
		res, err := h.exec.ExecuteCommand(ctx, cmd, pipeline.PriorityNormal, pipeline.Options{})
		if err != nil {
			return nil, fmt.Errorf("get command %s: %w", name, err)
		}
		for _, obj := range res.Output {
			info, ok := commandInfoFromObject(obj)
			if !ok {
				continue
			}
			if info.CommandType == objects.CommandTypeCmdlet {
				h.infoCache.Store(key, info)
			}
			return info, nil
		}
		return (*objects.CommandInfo)(nil), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*objects.CommandInfo), nil
}

// GetCommandSynopsis returns the help synopsis of a command. A command
// without help reports its own name as synopsis; that is returned as "".
func (h *Helper) GetCommandSynopsis(ctx context.Context, info *objects.CommandInfo) (string, error) {
	if info == nil || info.Name == "" {
		return "", nil
	}
	key := cacheKey(info.Name)
	cacheable := info.CommandType == objects.CommandTypeCmdlet
	if cacheable {
		if v, ok := h.synopsisCache.Load(key); ok {
			return v.(string), nil
		}
	}

	v, err := h.shared(ctx, "synopsis:"+key, "get help "+info.Name, func(ctx context.Context) (any, error) {
		cmd := objects.NewPSCommand().AddCommand("Get-Help").
			AddParameter("Name", info.Name).
			AddParameter("ErrorAction", "Ignore")
		res, err := h.exec.ExecuteCommand(ctx, cmd, pipeline.PriorityNormal, pipeline.Options{})
		if err != nil {
			return nil, fmt.Errorf("get help %s: %w", info.Name, err)
		}
		var synopsis string
		for _, obj := range res.Output {
			if s, ok := synopsisFromObject(obj); ok {
				synopsis = strings.TrimSpace(s)
				break
			}
		}
		if strings.EqualFold(synopsis, info.Name) {
			synopsis = ""
		}
		if cacheable {
			h.synopsisCache.Store(key, synopsis)
		}
		return synopsis, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// shared runs one lookup for all concurrent callers of key. The lookup is
// detached from any single caller's cancellation; each caller stops waiting
// when its own ctx ends.
func (h *Helper) shared(ctx context.Context, key, op string, fn func(context.Context) (any, error)) (any, error) {
	lookupCtx := context.WithoutCancel(ctx)
	ch := h.group.DoChan(key, func() (any, error) { return fn(lookupCtx) })
	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, context.Cause(ctx))
	}
}

// GetAliases maps each command name to its aliases. The first successful
// lookup is cached.
func (h *Helper) GetAliases(ctx context.Context) (map[string][]string, error) {
	h.aliasMu.Lock()
	defer h.aliasMu.Unlock()
	if h.aliases == nil {
		cmd := objects.NewPSCommand().AddCommand("Get-Command").
			AddParameter("CommandType", "Alias")
		res, err := h.exec.ExecuteCommand(ctx, cmd, pipeline.PriorityNormal, pipeline.Options{})
		if err != nil {
			return nil, fmt.Errorf("get aliases: %w", err)
		}
		aliases := make(map[string][]string)
		for _, obj := range res.Output {
			info, ok := commandInfoFromObject(obj)
			if !ok || info.Definition == "" {
				continue
			}
			aliases[info.Definition] = append(aliases[info.Definition], info.Name)
		}
		for _, names := range aliases {
			sort.Strings(names)
		}
		h.aliases = aliases
	}

	out := make(map[string][]string, len(h.aliases))
	for k, v := range h.aliases {
		out[k] = append([]string(nil), v...)
	}
	return out, nil
}

// Complete returns completions for script with the cursor at the given
// 0-based offset. A completion that does not finish within the helper's
// timeout yields an empty result rather than an error.
func (h *Helper) Complete(ctx context.Context, script string, cursor int) (*objects.CommandCompletion, error) {
	tctx, cancel := context.WithTimeout(ctx, h.completionTimeout)
	defer cancel()

	cmd := objects.NewPSCommand().AddCommand("TabExpansion2").
		AddParameter("inputScript", script).
		AddParameter("cursorColumn", cursor)
	start := time.Now()
	res, err := h.exec.ExecuteCommand(tctx, cmd, pipeline.PriorityNormal, pipeline.Options{})
	switch {
	case err != nil && ctx.Err() == nil && tctx.Err() != nil:
		h.logger.Debug("completion timed out", "timeout", h.completionTimeout, "cursor", cursor)
		return &objects.CommandCompletion{ReplacementIndex: cursor}, nil
	case err != nil:
		return nil, fmt.Errorf("complete: %w", err)
	}

	for _, obj := range res.Output {
		if c, ok := completionFromObject(obj); ok {
			h.logger.Debug("completion finished", "matches", len(c.CompletionMatches), "elapsed", time.Since(start))
			return c, nil
		}
	}
	return &objects.CommandCompletion{ReplacementIndex: cursor}, nil
}

func commandInfoFromObject(obj any) (*objects.CommandInfo, bool) {
	switch v := obj.(type) {
	case objects.CommandInfo:
		return &v, true
	case *objects.CommandInfo:
		if v == nil {
			return nil, false
		}
		c := *v
		return &c, true
	}
	name := objects.StringProperty(obj, "Name")
	if name == "" {
		return nil, false
	}
	return &objects.CommandInfo{
		Name:        name,
		CommandType: commandType(obj),
		ModuleName:  objects.StringProperty(obj, "ModuleName"),
		Definition:  objects.StringProperty(obj, "Definition"),
	}, true
}

// commandType reads CommandType as either its numeric value or its name.
func commandType(obj any) objects.CommandType {
	if s := objects.StringProperty(obj, "CommandType"); s != "" {
		for _, t := range []objects.CommandType{
			objects.CommandTypeAlias, objects.CommandTypeFunction, objects.CommandTypeFilter,
			objects.CommandTypeCmdlet, objects.CommandTypeExternalScript, objects.CommandTypeApplication,
			objects.CommandTypeScript, objects.CommandTypeConfiguration,
		} {
			if strings.EqualFold(s, t.String()) {
				return t
			}
		}
		return 0
	}
	return objects.CommandType(objects.IntProperty(obj, "CommandType", 0))
}

func synopsisFromObject(obj any) (string, bool) {
	switch v := obj.(type) {
	case objects.HelpInfo:
		return v.Synopsis, true
	case *objects.HelpInfo:
		if v == nil {
			return "", false
		}
		return v.Synopsis, true
	case string:
		return v, true
	}
	if _, ok := objects.Property(obj, "Synopsis"); !ok {
		return "", false
	}
	return objects.StringProperty(obj, "Synopsis"), true
}

func completionFromObject(obj any) (*objects.CommandCompletion, bool) {
	switch v := obj.(type) {
	case objects.CommandCompletion:
		return &v, true
	case *objects.CommandCompletion:
		if v == nil {
			return nil, false
		}
		c := *v
		return &c, true
	}
	raw, ok := objects.Property(obj, "CompletionMatches")
	if !ok {
		return nil, false
	}
	c := &objects.CommandCompletion{
		ReplacementIndex:  objects.IntProperty(obj, "ReplacementIndex", 0),
		ReplacementLength: objects.IntProperty(obj, "ReplacementLength", 0),
	}
	matches, _ := raw.([]any)
	for _, m := range matches {
		text := objects.StringProperty(m, "CompletionText")
		if text == "" {
			continue
		}
		c.CompletionMatches = append(c.CompletionMatches, objects.CompletionResult{
			CompletionText: text,
			ListItemText:   objects.StringProperty(m, "ListItemText"),
			ResultType:     objects.CompletionResultType(objects.IntProperty(m, "ResultType", 0)),
			ToolTip:        objects.StringProperty(m, "ToolTip"),
		})
	}
	return c, true
}

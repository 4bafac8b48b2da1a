// Package rpc wires the identity resolver, workbook cache, fork registry,
// and audit trail into the caller-facing tool method table. It does not
// parse or encode the wire format itself - that is the transport
// collaborator's job - it only exposes strongly-typed Go methods, one per
// tool, each bracketed by an audit scope.
package rpc

import (
	"context"
	"time"

	"github.com/sheetmcp/forkcore"
	"github.com/sheetmcp/forkcore/audit"
	"github.com/sheetmcp/forkcore/fork"
	"github.com/sheetmcp/forkcore/identity"
	"github.com/sheetmcp/forkcore/workbookcache"
)

// Service is the entry point a transport collaborator calls into.
type Service struct {
	resolver *identity.Resolver
	cache    *workbookcache.Cache
	registry *fork.Registry
	trail    *audit.Trail
	applier  forkcore.BatchApplier
	cfg      forkcore.Configuration
}

// Deps bundles Service's collaborators.
type Deps struct {
	Resolver *identity.Resolver
	Cache    *workbookcache.Cache
	Registry *fork.Registry
	Trail    *audit.Trail
	Applier  forkcore.BatchApplier
	Config   forkcore.Configuration
}

// NewService constructs a Service from its collaborators.
func NewService(d Deps) *Service {
	return &Service{
		resolver: d.Resolver,
		cache:    d.Cache,
		registry: d.Registry,
		trail:    d.Trail,
		applier:  d.Applier,
		cfg:      d.Config,
	}
}

// withDeadline applies the configured tool_timeout_ms to ctx if the caller
// has not already set a tighter deadline and the timeout is not disabled
// (ToolTimeoutMs == 0).
func (s *Service) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.ToolTimeoutMs <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(s.cfg.ToolTimeoutMs)*time.Millisecond)
}

// msToDuration converts a caller-supplied millisecond deadline to a
// time.Duration for context.WithTimeout.
func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// scope opens an audit scope for kind/resource and returns a finish func
// that records the outcome from err (nil -> success, otherwise failure with
// the error's kind as the reason), to be deferred by each method.
func (s *Service) scope(kind, resource string, params map[string]any) func(*error) {
	if s.trail == nil {
		return func(*error) {}
	}
	sc := s.trail.Scope(kind, resource, params)
	return func(errp *error) {
		if errp != nil && *errp != nil {
			sc.Fail(forkcore.CodeOf(*errp).String())
		}
		sc.End()
	}
}

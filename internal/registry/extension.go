package registry

import (
	"context"
	"encoding/json"

	"github.com/forrst-proto/forrst/internal/domain"
)

// Priority is an extension's fixed position in the pipeline. Lower values
// run first on the "before" side; "after" hooks run in the reverse of the
// order in which "before" ran for that request.
type Priority int

const (
	PriorityDeadline Priority = iota
	PriorityCancellation
	PriorityTracing
	PriorityIdempotency
	PriorityCaching
	PriorityQuota
	PriorityDryRun
	PriorityAsync
)

// Extension is the hook interface every pipeline extension implements:
// extensions subscribe to hook points by implementing this interface
// explicitly, with no base-class magic. Before/After are mandatory; an
// extension with nothing to do in one of them is a no-op implementation,
// not an omitted method.
type Extension interface {
	URN() string
	Priority() Priority

	// Applicable reports whether this extension can run against fn's
	// capabilities (e.g. the stream extension against a non-streamable
	// function returns false, triggering EXTENSION_NOT_APPLICABLE).
	Applicable(fn domain.Capabilities) bool

	// Before runs in priority order. Returning a non-nil response
	// short-circuits the pipeline: no further Before hooks, the function
	// invocation, or later Around/After of unscheduled extensions run, but
	// After hooks of extensions whose Before already ran still run, in
	// reverse order.
	Before(ctx context.Context, inv *InvocationState, options json.RawMessage) (*domain.Response, error)

	// After runs in the reverse of Before order, once per request, even on
	// the short-circuit path. It contributes to inv.ExtensionOutputs/Meta
	// and never changes the result/errors already decided.
	After(ctx context.Context, inv *InvocationState, options json.RawMessage)
}

// InvocationState is the subset of pipeline.InvocationContext extensions
// need, expressed here to avoid a registry<->pipeline import cycle (the
// pipeline package depends on registry to resolve declared extension URNs,
// so the shared state shape lives on the lower-level side).
type InvocationState struct {
	Request  *domain.Request
	Function domain.FunctionDescriptor

	// Invoke runs the resolved function's body directly with fresh
	// arguments, bypassing the pipeline. The async extension uses this to
	// run the function in a detached goroutine after diverting the
	// synchronous response to an operation descriptor.
	Invoke func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

	Result           json.RawMessage
	Errors           []domain.ErrorObject
	ExtensionOutputs map[string]json.RawMessage
	Meta             map[string]any

	// Scratch is extension-private bookkeeping (e.g. the deadline
	// extension's own start/deadline instants) that never reaches the wire
	// response directly, unlike Meta.
	Scratch map[string]any

	// Cancel is invoked by the cancellation/deadline machinery to signal
	// cooperative abort; functions and extensions observe ctx.Done() instead
	// of calling this directly.
	Cancel context.CancelCauseFunc
}

// ExtensionRegistry holds the ordered set of extensions, keyed by URN.
// Like FunctionRegistry, it is built once at startup.
type ExtensionRegistry struct {
	byURN map[string]Extension
}

// NewExtensionRegistry returns an empty registry.
func NewExtensionRegistry() *ExtensionRegistry {
	return &ExtensionRegistry{byURN: make(map[string]Extension)}
}

// Register indexes ext by its URN. Registering the same URN twice is a
// fatal startup error.
func (r *ExtensionRegistry) Register(ext Extension) error {
	if _, exists := r.byURN[ext.URN()]; exists {
		return domain.ErrAlreadyExists
	}
	r.byURN[ext.URN()] = ext
	return nil
}

// Lookup returns the extension registered at urn, if any.
func (r *ExtensionRegistry) Lookup(urn string) (Extension, bool) {
	ext, ok := r.byURN[urn]
	return ext, ok
}

// Registered returns every registered extension's URN, sorted, for the
// capabilities system function.
func (r *ExtensionRegistry) Registered() []string {
	out := make([]string, 0, len(r.byURN))
	for urn := range r.byURN {
		out = append(out, urn)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Ordered returns every registered extension whose URN is in declared,
// sorted by Priority ascending. Declared order in the request does not
// affect execution order: fixed priority order is authoritative.
func (r *ExtensionRegistry) Ordered(declared []string) []Extension {
	out := make([]Extension, 0, len(declared))
	for _, urn := range declared {
		if ext, ok := r.byURN[urn]; ok {
			out = append(out, ext)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority() < out[j-1].Priority(); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

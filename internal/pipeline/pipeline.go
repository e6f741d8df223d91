// Package pipeline runs the declared extensions' before/after hooks in
// fixed priority order around a function invocation, with cooperative
// cancellation and deadline propagation.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/extensions"
	"github.com/forrst-proto/forrst/internal/forrsterr"
	"github.com/forrst-proto/forrst/internal/registry"
)

// InvocationContext is the per-request mutable state shared by every
// extension and the function invocation. Concurrent access to
// Meta/ExtensionOutputs is serialized because hooks run sequentially
// within one request — no additional locking needed here.
type InvocationContext struct {
	context.Context

	Request  *domain.Request
	Function registry.Function

	Started  time.Time
	Deadline time.Time // zero value means no deadline

	state  *registry.InvocationState
	cancel context.CancelCauseFunc
}

// State exposes the subset extensions operate on.
func (ic *InvocationContext) State() *registry.InvocationState { return ic.state }

// Cancel aborts the invocation cooperatively with the given cause. Safe to
// call multiple times; only the first call's cause is observed.
func (ic *InvocationContext) Cancel(cause error) {
	ic.cancel(cause)
}

// SetDeadline derives a deadline-bound child context so subsequent blocking
// operations observe ctx.Done() once dl passes. Implements
// extensions.DeadlineSetter. Only the deadline extension calls this, and at
// most once per request — it runs before every other extension in the
// pipeline.
func (ic *InvocationContext) SetDeadline(dl time.Time) {
	ctx, cancelDeadline := context.WithDeadlineCause(ic.Context, dl, deadlineCause{})
	parentCancel := ic.cancel
	ic.Context = ctx
	ic.Deadline = dl
	ic.cancel = func(cause error) {
		parentCancel(cause)
		cancelDeadline()
	}
}

// SetDryRun marks the invocation's context as dry-run, observable by the
// eventual Function.Invoke via extensions.IsDryRun. Implements
// extensions.DryRunSetter.
func (ic *InvocationContext) SetDryRun() {
	ic.Context = extensions.WithDryRun(ic.Context)
}

// deadlineCause is the context.Cause stamped when SetDeadline's derived
// context expires. extensions.DeadlineCause also satisfies deadlineMarker;
// either may be observed depending on which context actually times out.
type deadlineCause struct{}

func (deadlineCause) Error() string   { return "deadline exceeded" }
func (deadlineCause) IsDeadline() bool { return true }

// Pipeline wires the registries and the exception mapper together to run
// one invocation end to end.
type Pipeline struct {
	Extensions *registry.ExtensionRegistry
	Mapper     forrsterr.ExceptionMapper
}

// New constructs a Pipeline. A nil mapper defaults to
// forrsterr.DefaultExceptionMapper.
func New(extensions *registry.ExtensionRegistry, mapper forrsterr.ExceptionMapper) *Pipeline {
	if mapper == nil {
		mapper = forrsterr.DefaultExceptionMapper
	}
	return &Pipeline{Extensions: extensions, Mapper: mapper}
}

type scheduledExt struct {
	ext     registry.Extension
	options json.RawMessage
}

// Run drives one request through the declared extensions and the resolved
// function, returning the assembled result payload and/or error list, plus
// the InvocationState so the caller can render ExtensionOutputsOf(state)
// and merge state.Meta into the response. Run has no Go error return: every
// failure is expressed as entries in the returned errs slice. state is nil when the
// request was rejected before an InvocationState could be built (unknown or
// inapplicable declared extension).
func (p *Pipeline) Run(parent context.Context, req *domain.Request, fn registry.Function) (result json.RawMessage, errs []domain.ErrorObject, state *registry.InvocationState) {
	desc := fn.Descriptor()

	scheduled := make([]scheduledExt, 0, len(req.Extensions))
	for _, decl := range req.Extensions {
		ext, ok := p.Extensions.Lookup(decl.URN)
		if !ok {
			return nil, []domain.ErrorObject{forrsterr.Newf(forrsterr.CodeExtensionNotSupported,
				"extension %q is not registered", decl.URN).WithDetails(map[string]any{"extension": decl.URN}).Object()}, nil
		}
		if !ext.Applicable(desc.Capabilities) {
			return nil, []domain.ErrorObject{forrsterr.Newf(forrsterr.CodeExtensionNotApplicable,
				"extension %q does not apply to %s", decl.URN, desc.URN).WithDetails(map[string]any{"extension": decl.URN}).Object()}, nil
		}
		scheduled = append(scheduled, scheduledExt{ext: ext, options: decl.Options})
	}
	orderBefore := orderByPriority(scheduled)

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	state = &registry.InvocationState{
		Request:          req,
		Function:         desc,
		Invoke:           fn.Invoke,
		ExtensionOutputs: make(map[string]json.RawMessage),
		Meta:             make(map[string]any),
		Scratch:          make(map[string]any),
		Cancel:           cancel,
	}
	ic := &InvocationContext{
		Context:  ctx,
		Request:  req,
		Function: fn,
		Started:  time.Now(),
		state:    state,
		cancel:   cancel,
	}

	var ran []scheduledExt
	var shortCircuit *domain.Response

	for _, se := range orderBefore {
		resp, err := se.ext.Before(ic, state, se.options)
		ran = append(ran, se)
		if err != nil {
			fe := p.Mapper(err)
			shortCircuit = domain.NewErrorResponse(&req.ID, fe.Object())
			break
		}
		if resp != nil {
			shortCircuit = resp
			break
		}
		select {
		case <-ctx.Done():
			shortCircuit = domain.NewErrorResponse(&req.ID, deadlineOrCancelled(ctx).Object())
		default:
		}
		if shortCircuit != nil {
			break
		}
	}

	if shortCircuit == nil {
		result, errs = invoke(ic, fn, req.Call.Arguments, p.Mapper)
	} else {
		result = shortCircuit.Result
		errs = shortCircuit.Errors
	}
	state.Result = result
	state.Errors = errs

	for i := len(ran) - 1; i >= 0; i-- {
		ran[i].ext.After(ic, state, ran[i].options)
	}

	if shortCircuit != nil && shortCircuit.Meta != nil {
		for k, v := range shortCircuit.Meta {
			state.Meta[k] = v
		}
	}

	return result, errs, state
}

// ExtensionOutputsOf renders an InvocationState's collected extension
// outputs as the wire Response.Extensions slice, sorted by URN for
// deterministic encoding.
func ExtensionOutputsOf(state *registry.InvocationState) []domain.ExtensionOutput {
	out := make([]domain.ExtensionOutput, 0, len(state.ExtensionOutputs))
	for urn, data := range state.ExtensionOutputs {
		out = append(out, domain.ExtensionOutput{URN: urn, Data: data})
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].URN < out[j-1].URN; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func invoke(ctx context.Context, fn registry.Function, args json.RawMessage, mapper forrsterr.ExceptionMapper) (json.RawMessage, []domain.ErrorObject) {
	result, err := fn.Invoke(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, []domain.ErrorObject{deadlineOrCancelled(ctx).Object()}
		}
		fe := mapper(err)
		return nil, []domain.ErrorObject{fe.Object()}
	}
	return result, nil
}

// deadlineOrCancelled applies deadline precedence: if both a deadline and
// an explicit cancel fired, the response is DEADLINE_EXCEEDED, never
// CANCELLED.
func deadlineOrCancelled(ctx context.Context) *forrsterr.Error {
	if context.Cause(ctx) == context.DeadlineExceeded {
		return forrsterr.New(forrsterr.CodeDeadlineExceeded, "deadline exceeded")
	}
	if dl, ok := context.Cause(ctx).(deadlineMarker); ok && dl.IsDeadline() {
		return forrsterr.New(forrsterr.CodeDeadlineExceeded, "deadline exceeded")
	}
	return forrsterr.New(forrsterr.CodeCancelled, "request cancelled")
}

// deadlineMarker lets a cancel cause be identified as deadline-originated
// (set by InvocationContext.SetDeadline, or by extensions.DeadlineCause)
// without an import cycle back to internal/extensions.
type deadlineMarker interface {
	IsDeadline() bool
}

func orderByPriority(s []scheduledExt) []scheduledExt {
	out := make([]scheduledExt, len(s))
	copy(out, s)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ext.Priority() < out[j-1].ext.Priority(); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

package extensions

import (
	"context"
	"encoding/json"

	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/registry"
)

// URNDryRun is the reserved extension URN.
const URNDryRun = "urn:forrst:ext:dry-run"

// dryRunKey is the context key functions inspect via DryRun(ctx) to know
// whether to skip real side effects.
type dryRunKey struct{}

// DryRun marks the invocation so cooperating functions bypass real side
// effects and return a
// validation-only payload. The function itself decides what "validation
// only" means; this extension only flags intent and records it in the
// response.
type DryRun struct{}

func (d *DryRun) URN() string                 { return URNDryRun }
func (d *DryRun) Priority() registry.Priority { return registry.PriorityDryRun }
func (d *DryRun) Applicable(domain.Capabilities) bool { return true }

func (d *DryRun) Before(ctx context.Context, inv *registry.InvocationState, options json.RawMessage) (*domain.Response, error) {
	inv.Scratch["dry_run"] = true
	if setter, ok := ctx.(DryRunSetter); ok {
		setter.SetDryRun()
	}
	return nil, nil
}

// DryRunSetter lets this extension mark the InvocationContext so the
// eventual Function.Invoke can observe IsDryRun(ctx), without an
// extensions->pipeline import.
type DryRunSetter interface {
	SetDryRun()
}

func (d *DryRun) After(ctx context.Context, inv *registry.InvocationState, options json.RawMessage) {
	inv.Meta["dry_run"] = true
}

// WithDryRun marks ctx as a dry-run invocation. Called by the pipeline
// (or directly by tests) so IsDryRun is observable from inside a Function.
func WithDryRun(ctx context.Context) context.Context {
	return context.WithValue(ctx, dryRunKey{}, true)
}

// IsDryRun reports whether ctx was marked dry-run.
func IsDryRun(ctx context.Context) bool {
	v, _ := ctx.Value(dryRunKey{}).(bool)
	return v
}

package extensions

import (
	"context"
	"encoding/json"

	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/forrsterr"
	"github.com/forrst-proto/forrst/internal/quota"
	"github.com/forrst-proto/forrst/internal/ratelimit"
	"github.com/forrst-proto/forrst/internal/registry"
)

// URNQuota is the reserved extension URN, covering both quota and priority
// admission (grouped at the same pipeline priority).
const URNQuota = "urn:forrst:ext:quota"

// QuotaOptions lets a caller declare a priority class. Quota.Before does not
// read the options, so the declared priority has no effect on admission:
// every call goes through the same enforcer and limiter checks.
type QuotaOptions struct {
	Priority string `json:"priority,omitempty"` // "low" | "normal" | "high"
}

// Quota implements the quota/priority extension: admits or rejects a call
// based on the tenant's quota.Enforcer and a request-rate Limiter, keyed on
// context.tenant_id (falling back to context.caller when tenant_id is
// absent).
type Quota struct {
	Enforcer quota.Enforcer
	Limiter  *ratelimit.Limiter
}

// NewQuota constructs a Quota extension. A nil enforcer defaults to
// quota.NewNoopEnforcer(); a nil limiter means no request-rate bucket is
// applied beyond the enforcer's own checks.
func NewQuota(enforcer quota.Enforcer, limiter *ratelimit.Limiter) *Quota {
	if enforcer == nil {
		enforcer = quota.NewNoopEnforcer()
	}
	return &Quota{Enforcer: enforcer, Limiter: limiter}
}

func (q *Quota) URN() string                 { return URNQuota }
func (q *Quota) Priority() registry.Priority { return registry.PriorityQuota }
func (q *Quota) Applicable(domain.Capabilities) bool { return true }

func (q *Quota) Before(ctx context.Context, inv *registry.InvocationState, options json.RawMessage) (*domain.Response, error) {
	tenant := scopeOf(inv.Request.Context)

	result, err := q.Enforcer.CheckRequest(ctx, tenant)
	if err != nil {
		return nil, forrsterr.New(forrsterr.CodeDependencyError, "quota enforcer unavailable")
	}
	if !result.Allowed {
		return domain.NewErrorResponse(&inv.Request.ID, forrsterr.New(forrsterr.CodeRateLimited, "tenant quota exceeded").
			WithDetails(map[string]any{"tenant": tenant, "limit": result.Limit}).Object()), nil
	}

	if q.Limiter != nil {
		lr := q.Limiter.Allow(tenant)
		inv.Scratch["quota_limit"] = lr.Limit
		inv.Scratch["quota_remaining"] = lr.Remaining
		if !lr.Allowed {
			return domain.NewErrorResponse(&inv.Request.ID, forrsterr.New(forrsterr.CodeRateLimited, "rate limit exceeded").
				WithDetails(map[string]any{"tenant": tenant, "limit": lr.Limit, "reset_ms": lr.ResetMs}).Object()), nil
		}
	}
	return nil, nil
}

func (q *Quota) After(ctx context.Context, inv *registry.InvocationState, options json.RawMessage) {
	limit, ok := inv.Scratch["quota_limit"]
	if !ok {
		return
	}
	inv.Meta["rate_limit"] = map[string]any{
		"limit":     limit,
		"remaining": inv.Scratch["quota_remaining"],
	}
}

// scopeOf extracts the tenant scope a quota check keys on, preferring
// tenant_id and falling back to caller.
func scopeOf(ctxMap map[string]any) string {
	if ctxMap == nil {
		return "default"
	}
	if v, ok := ctxMap["tenant_id"].(string); ok && v != "" {
		return v
	}
	if v, ok := ctxMap["caller"].(string); ok && v != "" {
		return v
	}
	return "default"
}

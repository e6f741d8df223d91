// Package quota provides per-tenant quota enforcement backing the
// quota/priority extension's admission control. The default NoopEnforcer
// always allows; a Postgres-backed enforcer (internal/postgres) tracks
// request-rate and concurrent-async-operation quotas keyed on
// context.tenant_id.
package quota

import (
	"context"
	"time"
)

// CheckResult is the outcome of a single quota check.
type CheckResult struct {
	Allowed    bool
	Limit      int
	Used       int
	RetryAfter time.Duration
}

// TenantQuota is the quota configuration for one tenant. Zero values mean
// unlimited.
type TenantQuota struct {
	TenantID                string
	MaxRequestsPerSecond    float64
	MaxConcurrentOperations int
}

// DefaultTenantQuota returns an all-unlimited quota for tenant.
func DefaultTenantQuota(tenant string) TenantQuota {
	return TenantQuota{TenantID: tenant}
}

// Enforcer checks whether a call from a tenant is within quota.
// Implementations must be safe for concurrent use.
type Enforcer interface {
	// CheckRequest admits or rejects one request against the tenant's
	// request-rate quota.
	CheckRequest(ctx context.Context, tenantID string) (CheckResult, error)

	// CheckAsyncOperation admits or rejects starting a new async operation
	// against the tenant's concurrency quota.
	CheckAsyncOperation(ctx context.Context, tenantID string) (CheckResult, error)

	// GetQuota returns the configured quota for tenantID, or an all-unlimited
	// default if none is configured.
	GetQuota(ctx context.Context, tenantID string) (TenantQuota, error)

	// SetQuota creates or updates the quota for a tenant.
	SetQuota(ctx context.Context, quota TenantQuota) error
}

// NoopEnforcer always allows. It is the default enforcer when no quota
// store is configured.
type NoopEnforcer struct{}

// NewNoopEnforcer creates a no-op enforcer.
func NewNoopEnforcer() *NoopEnforcer { return &NoopEnforcer{} }

func (n *NoopEnforcer) CheckRequest(_ context.Context, _ string) (CheckResult, error) {
	return CheckResult{Allowed: true}, nil
}

func (n *NoopEnforcer) CheckAsyncOperation(_ context.Context, _ string) (CheckResult, error) {
	return CheckResult{Allowed: true}, nil
}

func (n *NoopEnforcer) GetQuota(_ context.Context, tenantID string) (TenantQuota, error) {
	return DefaultTenantQuota(tenantID), nil
}

func (n *NoopEnforcer) SetQuota(_ context.Context, _ TenantQuota) error {
	return nil
}

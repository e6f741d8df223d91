package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forrst-proto/forrst/internal/quota"
	"github.com/forrst-proto/forrst/internal/ratelimit"
)

// QuotaStore implements quota.Enforcer backed by Postgres. Per-tenant quota
// configuration is read from the tenant_quotas table; the request-rate
// check is enforced in-process by a ratelimit.Limiter built from that
// configuration and cached per tenant, and the async-operation concurrency
// check is a live count against the operations table.
type QuotaStore struct {
	pool *pgxpool.Pool

	mu       sync.Mutex
	limiters map[string]*cachedLimiter
}

type cachedLimiter struct {
	rps     float64
	limiter *ratelimit.Limiter
}

// NewQuotaStore creates a QuotaStore backed by the given pool.
func NewQuotaStore(pool *pgxpool.Pool) *QuotaStore {
	return &QuotaStore{pool: pool, limiters: make(map[string]*cachedLimiter)}
}

func (s *QuotaStore) GetQuota(ctx context.Context, tenantID string) (quota.TenantQuota, error) {
	var rps float64
	var maxConcurrent int
	err := s.pool.QueryRow(ctx,
		`SELECT max_requests_per_second, max_concurrent_operations FROM tenant_quotas WHERE tenant_id = $1`,
		tenantID,
	).Scan(&rps, &maxConcurrent)
	if errors.Is(err, pgx.ErrNoRows) {
		return quota.DefaultTenantQuota(tenantID), nil
	}
	if err != nil {
		return quota.TenantQuota{}, fmt.Errorf("get tenant quota: %w", err)
	}
	return quota.TenantQuota{TenantID: tenantID, MaxRequestsPerSecond: rps, MaxConcurrentOperations: maxConcurrent}, nil
}

func (s *QuotaStore) SetQuota(ctx context.Context, q quota.TenantQuota) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenant_quotas (tenant_id, max_requests_per_second, max_concurrent_operations, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (tenant_id) DO UPDATE SET
		   max_requests_per_second = EXCLUDED.max_requests_per_second,
		   max_concurrent_operations = EXCLUDED.max_concurrent_operations,
		   updated_at = now()`,
		q.TenantID, q.MaxRequestsPerSecond, q.MaxConcurrentOperations,
	)
	if err != nil {
		return fmt.Errorf("set tenant quota: %w", err)
	}

	s.mu.Lock()
	delete(s.limiters, q.TenantID) // force the limiter to pick up the new rate on next check
	s.mu.Unlock()
	return nil
}

func (s *QuotaStore) CheckRequest(ctx context.Context, tenantID string) (quota.CheckResult, error) {
	q, err := s.GetQuota(ctx, tenantID)
	if err != nil {
		return quota.CheckResult{}, err
	}
	if q.MaxRequestsPerSecond <= 0 {
		return quota.CheckResult{Allowed: true}, nil
	}

	limiter := s.limiterFor(tenantID, q.MaxRequestsPerSecond)
	res := limiter.Allow(tenantID)
	return quota.CheckResult{
		Allowed:    res.Allowed,
		Limit:      res.Limit,
		Used:       res.Limit - res.Remaining,
		RetryAfter: 0,
	}, nil
}

func (s *QuotaStore) limiterFor(tenantID string, rps float64) *ratelimit.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	cached, ok := s.limiters[tenantID]
	if ok && cached.rps == rps {
		return cached.limiter
	}
	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: rps, Burst: int(rps * 2)})
	s.limiters[tenantID] = &cachedLimiter{rps: rps, limiter: limiter}
	return limiter
}

func (s *QuotaStore) CheckAsyncOperation(ctx context.Context, tenantID string) (quota.CheckResult, error) {
	q, err := s.GetQuota(ctx, tenantID)
	if err != nil {
		return quota.CheckResult{}, err
	}
	if q.MaxConcurrentOperations <= 0 {
		return quota.CheckResult{Allowed: true}, nil
	}

	var used int
	err = s.pool.QueryRow(ctx,
		`SELECT count(*) FROM operations WHERE owner = $1 AND status IN ('pending', 'processing')`,
		tenantID,
	).Scan(&used)
	if err != nil {
		return quota.CheckResult{}, fmt.Errorf("count in-flight operations: %w", err)
	}

	return quota.CheckResult{
		Allowed: used < q.MaxConcurrentOperations,
		Limit:   q.MaxConcurrentOperations,
		Used:    used,
	}, nil
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forrst-proto/forrst/internal/domain"
)

// AuditStore persists one row per dispatched request: its id, the function
// URN and version it resolved to, and the error code if it failed. Every
// dispatch call whose body parses into a request envelope is logged — there
// is no REST verb to gate on here, unlike an HTTP resource API where only
// mutating methods get audited. A body rejected before parsing is not logged.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore backed by the given pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log records one dispatch outcome. errorCode is empty for a successful call.
func (s *AuditStore) Log(ctx context.Context, requestID, functionURN, version, errorCode, owner string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (request_id, function_urn, version, error_code, owner) VALUES ($1, $2, $3, $4, $5)`,
		requestID, functionURN, version, textOrNull(errorCode), owner,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns recent audit entries, most recent first.
func (s *AuditStore) List(ctx context.Context, limit, offset int) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, request_id, function_urn, version, COALESCE(error_code, ''), owner, created_at
		 FROM audit_log ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.FunctionURN, &e.Version, &e.ErrorCode, &e.Owner, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	return entries, nil
}

// DeleteOlderThan removes audit entries older than the given time. Returns
// the number of entries deleted; the reaper calls this alongside its
// operation sweep.
func (s *AuditStore) DeleteOlderThan(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_log WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete old audit entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

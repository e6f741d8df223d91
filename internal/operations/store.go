// Package operations implements OperationStore: durable state for async
// operations, with an in-memory implementation for tests/dev and a
// Postgres-backed implementation for production (internal/postgres).
package operations

import (
	"context"
	"time"

	"github.com/forrst-proto/forrst/internal/domain"
)

// ListFilter narrows an owner-scoped list call.
type ListFilter struct {
	Status   domain.OperationStatus
	Function string
}

// Store persists Operation records and serves the poll/cancel/list
// operations the async extension and the operation.* system functions need.
type Store interface {
	// Create inserts a new pending operation. ID is assigned by the store
	// (op_<ULID>).
	Create(ctx context.Context, functionURN, version string, args []byte, owner string, argsHash string, ttl time.Duration) (domain.Operation, error)

	// Transition moves op from its current status to newStatus, applying
	// patch. Returns an error if the transition is non-monotonic or op is
	// already terminal.
	Transition(ctx context.Context, id string, newStatus domain.OperationStatus, patch Patch) (domain.Operation, error)

	// Get returns the operation, scoped to owner when owner is non-empty.
	// Unknown or expired ⇒ ErrNotFound.
	Get(ctx context.Context, id string, owner string) (domain.Operation, error)

	// Cancel transitions id to cancelled from pending|processing only.
	Cancel(ctx context.Context, id string, owner string) (domain.Operation, error)

	// List returns owner's operations matching filter, newest first, cursor
	// paginated. A limit outside 1..100 is replaced by 100.
	List(ctx context.Context, owner string, filter ListFilter, limit int, cursor string) ([]domain.Operation, string, error)

	// Sweep removes operations whose ExpiresAt has passed, returning the
	// count removed (internal/reaper's periodic call).
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Patch is a partial update applied by Transition.
type Patch struct {
	Progress  *float64
	Result    []byte
	ResultRef *domain.BlobRef
	Errors    []domain.ErrorObject
}

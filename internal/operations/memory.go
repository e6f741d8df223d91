package operations

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"

	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/forrsterr"
)

// ErrNotFound is returned by Get/Cancel for an unknown or expired operation.
var ErrNotFound = errors.New("operation not found")

// MemoryStore is an in-memory Store for tests and single-process
// deployments without Postgres configured. Per-operation transitions are
// serialized by mu; a single mutex suffices at this scale.
type MemoryStore struct {
	mu   sync.Mutex
	ops  map[string]domain.Operation
	rand *rand.Rand
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ops:  make(map[string]domain.Operation),
		rand: rand.New(rand.NewSource(1)),
	}
}

func (s *MemoryStore) newID(now time.Time) string {
	entropy := ulid.Monotonic(s.rand, 0)
	id := ulid.MustNew(ulid.Timestamp(now), entropy)
	return "op_" + id.String()
}

func (s *MemoryStore) Create(ctx context.Context, functionURN, version string, args []byte, owner string, argsHash string, ttl time.Duration) (domain.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	op := domain.Operation{
		ID:          s.newID(now),
		FunctionURN: functionURN,
		Version:     version,
		Status:      domain.OperationPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Owner:       owner,
		ArgsHash:    argsHash,
	}
	_ = args // arguments are not retained by this store; functions re-derive from the original request if needed
	s.ops[op.ID] = op
	return op, nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, newStatus domain.OperationStatus, patch Patch) (domain.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return domain.Operation{}, ErrNotFound
	}
	if !op.Status.CanTransitionTo(newStatus) {
		return domain.Operation{}, forrsterr.Newf(forrsterr.CodeConflict, "operation %s cannot transition from %s to %s", id, op.Status, newStatus)
	}
	op.Status = newStatus
	op.UpdatedAt = time.Now()
	if patch.Progress != nil {
		op.Progress = patch.Progress
	}
	if patch.Result != nil {
		op.Result = patch.Result
	}
	if patch.ResultRef != nil {
		op.ResultRef = patch.ResultRef
	}
	if patch.Errors != nil {
		op.Errors = patch.Errors
	}
	if newStatus.Terminal() {
		completedAt := op.UpdatedAt
		op.CompletedAt = &completedAt
	}
	s.ops[id] = op
	return op, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string, owner string) (domain.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok || time.Now().After(op.ExpiresAt) {
		return domain.Operation{}, ErrNotFound
	}
	if owner != "" && op.Owner != "" && op.Owner != owner {
		return domain.Operation{}, ErrNotFound
	}
	return op, nil
}

func (s *MemoryStore) Cancel(ctx context.Context, id string, owner string) (domain.Operation, error) {
	s.mu.Lock()
	op, ok := s.ops[id]
	s.mu.Unlock()
	if !ok {
		return domain.Operation{}, ErrNotFound
	}
	if owner != "" && op.Owner != "" && op.Owner != owner {
		return domain.Operation{}, ErrNotFound
	}
	if op.Status != domain.OperationPending && op.Status != domain.OperationProcessing {
		return domain.Operation{}, forrsterr.Newf(forrsterr.CodeAsyncCannotCancel, "operation %s is %s, cannot cancel", id, op.Status)
	}
	return s.Transition(ctx, id, domain.OperationCancelled, Patch{})
}

func (s *MemoryStore) List(ctx context.Context, owner string, filter ListFilter, limit int, cursor string) ([]domain.Operation, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var matched []domain.Operation
	for _, op := range s.ops {
		if owner != "" && op.Owner != owner {
			continue
		}
		if filter.Status != "" && op.Status != filter.Status {
			continue
		}
		if filter.Function != "" && op.FunctionURN != filter.Function {
			continue
		}
		matched = append(matched, op)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	start := 0
	if cursor != "" {
		for i, op := range matched {
			if op.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	if start > len(matched) {
		start = len(matched)
	}
	page := matched[start:end]

	var next string
	if end < len(matched) {
		next = page[len(page)-1].ID
	}
	return page, next, nil
}

func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, op := range s.ops {
		if now.After(op.ExpiresAt) {
			delete(s.ops, id)
			n++
		}
	}
	return n, nil
}

// isULID reports whether id is "op_" followed by a valid ULID. Nothing in
// this package calls it.
func isULID(id string) bool {
	if !strings.HasPrefix(id, "op_") {
		return false
	}
	_, err := ulid.Parse(strings.TrimPrefix(id, "op_"))
	return err == nil
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid"

	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/forrsterr"
	"github.com/forrst-proto/forrst/internal/operations"
)

// OperationStore implements operations.Store backed by Postgres, the
// deployment used whenever more than one forrstd replica shares a single
// operation's lifecycle.
type OperationStore struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	rand *rand.Rand
}

// NewOperationStore creates an OperationStore backed by the given pool.
func NewOperationStore(pool *pgxpool.Pool) *OperationStore {
	return &OperationStore{pool: pool, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (s *OperationStore) newID(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	entropy := ulid.Monotonic(s.rand, 0)
	id := ulid.MustNew(ulid.Timestamp(now), entropy)
	return "op_" + id.String()
}

const operationColumns = `id, function_urn, version, status, progress, result, result_ref, errors,
	owner, created_at, updated_at, completed_at, expires_at`

func (s *OperationStore) Create(ctx context.Context, functionURN, version string, args []byte, owner string, argsHash string, ttl time.Duration) (domain.Operation, error) {
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
	_ = args // arguments are not retained; functions re-derive from the original request if needed

	_, err := s.pool.Exec(ctx,
		`INSERT INTO operations (id, function_urn, version, status, args_hash, owner, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		op.ID, op.FunctionURN, op.Version, string(op.Status), op.ArgsHash, op.Owner, op.CreatedAt, op.UpdatedAt, op.ExpiresAt,
	)
	if err != nil {
		return domain.Operation{}, fmt.Errorf("insert operation: %w", err)
	}
	return op, nil
}

func (s *OperationStore) Transition(ctx context.Context, id string, newStatus domain.OperationStatus, patch operations.Patch) (domain.Operation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Operation{}, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	op, err := scanOperationRow(tx.QueryRow(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Operation{}, operations.ErrNotFound
		}
		return domain.Operation{}, fmt.Errorf("lock operation: %w", err)
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

	resultRefBytes, err := json.Marshal(op.ResultRef)
	if err != nil {
		return domain.Operation{}, fmt.Errorf("marshal result_ref: %w", err)
	}
	errorsBytes, err := json.Marshal(op.Errors)
	if err != nil {
		return domain.Operation{}, fmt.Errorf("marshal errors: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE operations SET status = $2, progress = $3, result = $4::jsonb, result_ref = $5::jsonb, errors = $6::jsonb,
		        updated_at = $7, completed_at = $8
		 WHERE id = $1`,
		id, string(op.Status), float64PtrToNullable(op.Progress), jsonOrNull(op.Result), resultRefBytes, errorsBytes, op.UpdatedAt, timePtrToNullable(op.CompletedAt),
	)
	if err != nil {
		return domain.Operation{}, fmt.Errorf("update operation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Operation{}, fmt.Errorf("commit transition: %w", err)
	}
	return op, nil
}

func (s *OperationStore) Get(ctx context.Context, id string, owner string) (domain.Operation, error) {
	op, err := scanOperationRow(s.pool.QueryRow(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Operation{}, operations.ErrNotFound
		}
		return domain.Operation{}, fmt.Errorf("get operation: %w", err)
	}
	if time.Now().After(op.ExpiresAt) {
		return domain.Operation{}, operations.ErrNotFound
	}
	if owner != "" && op.Owner != "" && op.Owner != owner {
		return domain.Operation{}, operations.ErrNotFound
	}
	return op, nil
}

func (s *OperationStore) Cancel(ctx context.Context, id string, owner string) (domain.Operation, error) {
	op, err := s.Get(ctx, id, owner)
	if err != nil {
		return domain.Operation{}, err
	}
	if op.Status != domain.OperationPending && op.Status != domain.OperationProcessing {
		return domain.Operation{}, forrsterr.Newf(forrsterr.CodeAsyncCannotCancel, "operation %s is %s, cannot cancel", id, op.Status)
	}
	return s.Transition(ctx, id, domain.OperationCancelled, operations.Patch{})
}

func (s *OperationStore) List(ctx context.Context, owner string, filter operations.ListFilter, limit int, cursor string) ([]domain.Operation, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	where := " WHERE 1=1"
	args := []interface{}{}
	argN := 1
	if owner != "" {
		where += fmt.Sprintf(" AND owner = $%d", argN)
		args = append(args, owner)
		argN++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, string(filter.Status))
		argN++
	}
	if filter.Function != "" {
		where += fmt.Sprintf(" AND function_urn = $%d", argN)
		args = append(args, filter.Function)
		argN++
	}
	if cursor != "" {
		where += fmt.Sprintf(" AND id < $%d", argN)
		args = append(args, cursor)
		argN++
	}

	query := `SELECT ` + operationColumns + ` FROM operations` + where + ` ORDER BY created_at DESC, id DESC LIMIT $` + fmt.Sprint(argN)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var result []domain.Operation
	for rows.Next() {
		op, err := scanOperationRow(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan operation: %w", err)
		}
		result = append(result, op)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate operations: %w", err)
	}

	var next string
	if len(result) > limit {
		next = result[limit-1].ID
		result = result[:limit]
	}
	if result == nil {
		result = []domain.Operation{}
	}
	return result, next, nil
}

func (s *OperationStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM operations WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep operations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// rowScanner abstracts over pgx.Row and pgx.Rows, both of which expose Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperationRow(row rowScanner) (domain.Operation, error) {
	var op domain.Operation
	var status string
	var progress pgtype.Float8
	var resultBytes, resultRefBytes, errorsBytes []byte
	var completedAt pgtype.Timestamptz

	if err := row.Scan(&op.ID, &op.FunctionURN, &op.Version, &status, &progress, &resultBytes, &resultRefBytes,
		&errorsBytes, &op.Owner, &op.CreatedAt, &op.UpdatedAt, &completedAt, &op.ExpiresAt); err != nil {
		return domain.Operation{}, err
	}

	op.Status = domain.OperationStatus(status)
	op.CompletedAt = nullableTimestamptzToPtr(completedAt)
	op.Progress = nullableFloat8ToPtr(progress)
	if len(resultBytes) > 0 {
		op.Result = json.RawMessage(resultBytes)
	}
	if len(resultRefBytes) > 0 && string(resultRefBytes) != "null" {
		var ref domain.BlobRef
		if err := json.Unmarshal(resultRefBytes, &ref); err == nil {
			op.ResultRef = &ref
		}
	}
	if len(errorsBytes) > 0 && string(errorsBytes) != "null" {
		var errs []domain.ErrorObject
		if err := json.Unmarshal(errorsBytes, &errs); err == nil {
			op.Errors = errs
		}
	}
	return op, nil
}

package extensions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/forrsterr"
	"github.com/forrst-proto/forrst/internal/operations"
	"github.com/forrst-proto/forrst/internal/registry"
)

// URNAsync is the reserved extension URN.
const URNAsync = "urn:forrst:ext:async"

// AsyncOptions lets a caller prefer async dispatch.
type AsyncOptions struct {
	Preferred bool `json:"preferred"`
}

// BlobOffloader moves an oversized operation result out of the response
// body and into object storage, returning a reference in its place.
type BlobOffloader interface {
	Put(ctx context.Context, operationID string, result []byte) (*domain.BlobRef, error)
}

// Async diverts execution to the OperationStore and returns immediately with an
// operation descriptor; the function itself runs in a detached goroutine
// supplied by Runner, and its eventual outcome is written back via
// OperationStore.Transition.
type Async struct {
	Store      operations.Store
	DefaultTTL time.Duration
	Runner     func(run func(ctx context.Context))

	// Blobs offloads a result past BlobThresholdBytes to object storage
	// instead of writing it inline. Nil Blobs or a zero threshold disables
	// offloading entirely.
	Blobs              BlobOffloader
	BlobThresholdBytes int
}

// NewAsync constructs an Async extension. Runner defaults to launching a
// plain goroutine; callers running under an errgroup may supply one that
// tracks the goroutine's lifecycle instead.
func NewAsync(store operations.Store, defaultTTL time.Duration, runner func(func(context.Context))) *Async {
	if runner == nil {
		runner = func(run func(ctx context.Context)) { go run(context.Background()) }
	}
	return &Async{Store: store, DefaultTTL: defaultTTL, Runner: runner}
}

func (a *Async) URN() string                 { return URNAsync }
func (a *Async) Priority() registry.Priority { return registry.PriorityAsync }
func (a *Async) Applicable(domain.Capabilities) bool { return true }

func (a *Async) Before(ctx context.Context, inv *registry.InvocationState, options json.RawMessage) (*domain.Response, error) {
	var opts AsyncOptions
	if len(options) > 0 {
		if err := json.Unmarshal(options, &opts); err != nil {
			return nil, forrsterr.New(forrsterr.CodeInvalidRequest, "malformed async options")
		}
	}
	if !opts.Preferred {
		return nil, nil
	}

	owner := ownerOf(inv.Request.Context)
	ttl := a.DefaultTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	hash := argsHash(inv.Request.Call.Arguments)
	op, err := a.Store.Create(ctx, inv.Request.Call.Function, inv.Function.Version, inv.Request.Call.Arguments, owner, hash, ttl)
	if err != nil {
		return nil, forrsterr.New(forrsterr.CodeDependencyError, "failed to create async operation")
	}

	inv.Scratch["async_diverted"] = true
	inv.Scratch["async_operation_id"] = op.ID

	resp := domain.NewResultResponse(inv.Request.ID, nil)
	resp.Extensions = []domain.ExtensionOutput{{
		URN: URNAsync,
		Data: mustJSON(map[string]any{
			"operation_id": op.ID,
			"status":       op.Status,
			"poll": map[string]any{
				"function": "urn:forrst:system:fn:operation.status",
				"arguments": map[string]any{"id": op.ID},
			},
			"retry_after": 1,
		}),
	}}
	return resp, nil
}

func (a *Async) After(ctx context.Context, inv *registry.InvocationState, options json.RawMessage) {
	opID, ok := inv.Scratch["async_operation_id"].(string)
	if !ok {
		return
	}
	invoke := inv.Invoke
	args := inv.Request.Call.Arguments
	store := a.Store
	blobs := a.Blobs
	threshold := a.BlobThresholdBytes
	a.Runner(func(bgCtx context.Context) {
		progress := 0.0
		_, _ = store.Transition(bgCtx, opID, domain.OperationProcessing, operations.Patch{Progress: &progress})
		result, err := invoke(bgCtx, args)
		if err != nil {
			fe := forrsterr.DefaultExceptionMapper(err)
			_, _ = store.Transition(bgCtx, opID, domain.OperationFailed, operations.Patch{Errors: []domain.ErrorObject{fe.Object()}})
			return
		}

		patch := operations.Patch{Result: result}
		if blobs != nil && threshold > 0 && len(result) > threshold {
			ref, err := blobs.Put(bgCtx, opID, result)
			if err == nil {
				patch = operations.Patch{ResultRef: ref}
			}
			// Offload failure falls back to the inline result rather than
			// losing it; a result this large may still blow the soft cap,
			// but that is advisory, not fatal.
		}
		_, _ = store.Transition(bgCtx, opID, domain.OperationCompleted, patch)
	})
}

func ownerOf(ctxMap map[string]any) string {
	if ctxMap == nil {
		return ""
	}
	if v, ok := ctxMap["user_id"].(string); ok && v != "" {
		return v
	}
	if v, ok := ctxMap["caller"].(string); ok && v != "" {
		return v
	}
	return ""
}

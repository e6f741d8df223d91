package extensions_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/extensions"
	"github.com/forrst-proto/forrst/internal/operations"
)

func syncRunner(run func(ctx context.Context)) { run(context.Background()) }

type stubBlobOffloader struct {
	mu    sync.Mutex
	calls int
}

func (o *stubBlobOffloader) Put(ctx context.Context, operationID string, result []byte) (*domain.BlobRef, error) {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	return &domain.BlobRef{Bucket: "ops", Key: operationID, SizeBytes: int64(len(result))}, nil
}

// --- Before ---

func TestAsync_Before_NotPreferredIsNoop(t *testing.T) {
	store := operations.NewMemoryStore()
	a := extensions.NewAsync(store, time.Hour, syncRunner)
	inv := newInvocationState()

	resp, err := a.Before(context.Background(), inv, nil)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestAsync_Before_PreferredCreatesOperationAndDivertsResponse(t *testing.T) {
	store := operations.NewMemoryStore()
	a := extensions.NewAsync(store, time.Hour, syncRunner)
	inv := newInvocationState()
	inv.Request.Call = domain.Call{Function: "urn:acme:forrst:fn:export", Version: "1.0.0", Arguments: json.RawMessage(`{}`)}

	opts, _ := json.Marshal(extensions.AsyncOptions{Preferred: true})
	resp, err := a.Before(context.Background(), inv, opts)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Len(t, resp.Extensions, 1)
	assert.Equal(t, extensions.URNAsync, resp.Extensions[0].URN)
	assert.Equal(t, true, inv.Scratch["async_diverted"])
	assert.NotEmpty(t, inv.Scratch["async_operation_id"])
}

func TestAsync_Before_MalformedOptionsIsInvalidRequest(t *testing.T) {
	store := operations.NewMemoryStore()
	a := extensions.NewAsync(store, time.Hour, syncRunner)
	inv := newInvocationState()
	_, err := a.Before(context.Background(), inv, json.RawMessage(`not-json`))
	assert.Error(t, err)
}

// --- After ---

func TestAsync_After_RunsFunctionAndTransitionsToCompleted(t *testing.T) {
	store := operations.NewMemoryStore()
	a := extensions.NewAsync(store, time.Hour, syncRunner)
	inv := newInvocationState()
	inv.Request.Call = domain.Call{Function: "urn:acme:forrst:fn:export", Version: "1.0.0", Arguments: json.RawMessage(`{}`)}
	inv.Invoke = func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"done":true}`), nil
	}

	opts, _ := json.Marshal(extensions.AsyncOptions{Preferred: true})
	_, err := a.Before(context.Background(), inv, opts)
	require.NoError(t, err)

	a.After(context.Background(), inv, opts)

	opID := inv.Scratch["async_operation_id"].(string)
	op, err := store.Get(context.Background(), opID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.OperationCompleted, op.Status)
	assert.JSONEq(t, `{"done":true}`, string(op.Result))
}

func TestAsync_After_InvokeErrorTransitionsToFailed(t *testing.T) {
	store := operations.NewMemoryStore()
	a := extensions.NewAsync(store, time.Hour, syncRunner)
	inv := newInvocationState()
	inv.Request.Call = domain.Call{Function: "urn:acme:forrst:fn:export", Version: "1.0.0", Arguments: json.RawMessage(`{}`)}
	inv.Invoke = func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("boom")
	}

	opts, _ := json.Marshal(extensions.AsyncOptions{Preferred: true})
	_, err := a.Before(context.Background(), inv, opts)
	require.NoError(t, err)
	a.After(context.Background(), inv, opts)

	opID := inv.Scratch["async_operation_id"].(string)
	op, err := store.Get(context.Background(), opID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.OperationFailed, op.Status)
	require.Len(t, op.Errors, 1)
}

func TestAsync_After_NoopWhenNeverDiverted(t *testing.T) {
	store := operations.NewMemoryStore()
	a := extensions.NewAsync(store, time.Hour, func(func(context.Context)) {
		t.Fatal("runner must not be invoked when Before never diverted")
	})
	inv := newInvocationState()
	a.After(context.Background(), inv, nil)
}

func TestAsync_After_OffloadsResultPastThreshold(t *testing.T) {
	store := operations.NewMemoryStore()
	blobs := &stubBlobOffloader{}
	a := extensions.NewAsync(store, time.Hour, syncRunner)
	a.Blobs = blobs
	a.BlobThresholdBytes = 4

	inv := newInvocationState()
	inv.Request.Call = domain.Call{Function: "urn:acme:forrst:fn:export", Version: "1.0.0", Arguments: json.RawMessage(`{}`)}
	inv.Invoke = func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"large_payload":"xxxxxxxxxxxxxxxxxxxx"}`), nil
	}

	opts, _ := json.Marshal(extensions.AsyncOptions{Preferred: true})
	_, err := a.Before(context.Background(), inv, opts)
	require.NoError(t, err)
	a.After(context.Background(), inv, opts)

	opID := inv.Scratch["async_operation_id"].(string)
	op, err := store.Get(context.Background(), opID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.OperationCompleted, op.Status)
	require.NotNil(t, op.ResultRef)
	assert.Equal(t, 1, blobs.calls)
}

func TestNewAsync_DefaultsRunnerToBareGoroutine(t *testing.T) {
	store := operations.NewMemoryStore()
	a := extensions.NewAsync(store, time.Hour, nil)
	assert.NotNil(t, a.Runner)
}

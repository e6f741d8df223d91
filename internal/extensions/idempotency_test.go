package extensions_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/extensions"
)

func TestIdempotency_Before_NoKeyIsNoop(t *testing.T) {
	idem := extensions.NewIdempotency(time.Minute)
	inv := newInvocationState()
	resp, err := idem.Before(context.Background(), inv, nil)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestIdempotency_Before_FirstCallProceedsAndAfterCachesResult(t *testing.T) {
	idem := extensions.NewIdempotency(time.Minute)
	inv := newInvocationState()
	inv.Request.Call = domain.Call{Function: "urn:acme:forrst:fn:export", Version: "1.0.0", Arguments: json.RawMessage(`{"a":1}`)}
	opts, _ := json.Marshal(extensions.IdempotencyOptions{Key: "key-1"})

	resp, err := idem.Before(context.Background(), inv, opts)
	require.NoError(t, err)
	assert.Nil(t, resp)

	inv.Result = json.RawMessage(`{"ok":true}`)
	idem.After(context.Background(), inv, opts)
	assert.Equal(t, "processed", inv.Meta["idempotency_status"])
}

func TestIdempotency_Before_ReplayWithSameArgsReturnsCachedResult(t *testing.T) {
	idem := extensions.NewIdempotency(time.Minute)
	args := json.RawMessage(`{"a":1}`)
	opts, _ := json.Marshal(extensions.IdempotencyOptions{Key: "key-1"})

	first := newInvocationState()
	first.Request.Call = domain.Call{Function: "urn:acme:forrst:fn:export", Version: "1.0.0", Arguments: args}
	_, err := idem.Before(context.Background(), first, opts)
	require.NoError(t, err)
	first.Result = json.RawMessage(`{"ok":true}`)
	idem.After(context.Background(), first, opts)

	second := newInvocationState()
	second.Request.Call = domain.Call{Function: "urn:acme:forrst:fn:export", Version: "1.0.0", Arguments: args}
	resp, err := idem.Before(context.Background(), second, opts)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
}

func TestIdempotency_Before_ReplayWithDifferentArgsIsConflict(t *testing.T) {
	idem := extensions.NewIdempotency(time.Minute)
	opts, _ := json.Marshal(extensions.IdempotencyOptions{Key: "key-1"})

	first := newInvocationState()
	first.Request.Call = domain.Call{Function: "urn:acme:forrst:fn:export", Version: "1.0.0", Arguments: json.RawMessage(`{"a":1}`)}
	_, err := idem.Before(context.Background(), first, opts)
	require.NoError(t, err)
	first.Result = json.RawMessage(`{"ok":true}`)
	idem.After(context.Background(), first, opts)

	second := newInvocationState()
	second.Request.Call = domain.Call{Function: "urn:acme:forrst:fn:export", Version: "1.0.0", Arguments: json.RawMessage(`{"a":2}`)}
	resp, err := idem.Before(context.Background(), second, opts)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "IDEMPOTENCY_CONFLICT", resp.Errors[0].Code)
}

func TestIdempotency_Before_ConcurrentInFlightDuplicateIsProcessing(t *testing.T) {
	idem := extensions.NewIdempotency(time.Minute)
	args := json.RawMessage(`{"a":1}`)
	opts, _ := json.Marshal(extensions.IdempotencyOptions{Key: "key-1"})

	first := newInvocationState()
	first.Request.Call = domain.Call{Function: "urn:acme:forrst:fn:export", Version: "1.0.0", Arguments: args}
	_, err := idem.Before(context.Background(), first, opts)
	require.NoError(t, err)
	// deliberately no After call: first is still "in flight"

	second := newInvocationState()
	second.Request.Call = domain.Call{Function: "urn:acme:forrst:fn:export", Version: "1.0.0", Arguments: args}
	resp, err := idem.Before(context.Background(), second, opts)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "IDEMPOTENCY_PROCESSING", resp.Errors[0].Code)
}

func TestIdempotency_Before_MalformedOptions(t *testing.T) {
	idem := extensions.NewIdempotency(time.Minute)
	inv := newInvocationState()
	_, err := idem.Before(context.Background(), inv, json.RawMessage(`not-json`))
	assert.Error(t, err)
}

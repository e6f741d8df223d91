package extensions_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/extensions"
	"github.com/forrst-proto/forrst/internal/forrsterr"
)

func TestCancellation_Before_NoTokenIsNoop(t *testing.T) {
	c := extensions.NewCancellation()
	inv := newInvocationState()
	resp, err := c.Before(context.Background(), inv, nil)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestCancellation_Before_RegistersToken(t *testing.T) {
	c := extensions.NewCancellation()
	inv := newInvocationState()
	var cancelled bool
	inv.Cancel = func(cause error) { cancelled = true }

	opts, _ := json.Marshal(extensions.CancellationOptions{Token: "tok-1"})
	_, err := c.Before(context.Background(), inv, opts)
	require.NoError(t, err)

	require.NoError(t, c.Cancel("tok-1"))
	assert.True(t, cancelled)
}

func TestCancellation_Before_MalformedOptions(t *testing.T) {
	c := extensions.NewCancellation()
	inv := newInvocationState()
	_, err := c.Before(context.Background(), inv, json.RawMessage(`not-json`))
	assert.Error(t, err)
}

func TestCancellation_Cancel_UnknownTokenReturnsCancelTokenUnknown(t *testing.T) {
	c := extensions.NewCancellation()
	err := c.Cancel("ghost")
	require.Error(t, err)
	var fe *forrsterr.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, forrsterr.CodeCancelTokenUnknown, fe.Code)
}

func TestCancellation_After_DeregistersToken(t *testing.T) {
	c := extensions.NewCancellation()
	inv := newInvocationState()
	inv.Cancel = func(cause error) {}
	opts, _ := json.Marshal(extensions.CancellationOptions{Token: "tok-1"})
	_, err := c.Before(context.Background(), inv, opts)
	require.NoError(t, err)

	c.After(context.Background(), inv, nil)

	err = c.Cancel("tok-1")
	assert.Error(t, err, "token should have been deregistered by After")
}

// --- CancelFunction ---

func TestCancelFunction_Invoke_CancelsRegisteredToken(t *testing.T) {
	c := extensions.NewCancellation()
	inv := newInvocationState()
	var cause error
	inv.Cancel = func(err error) { cause = err }
	opts, _ := json.Marshal(extensions.CancellationOptions{Token: "tok-1"})
	_, err := c.Before(context.Background(), inv, opts)
	require.NoError(t, err)

	fn := &extensions.CancelFunction{Cancellation: c}
	args, _ := json.Marshal(extensions.CancelArgs{Token: "tok-1"})
	result, err := fn.Invoke(context.Background(), args)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cancelled":true}`, string(result))
	assert.ErrorIs(t, cause, extensions.ErrCancelled)
}

func TestCancelFunction_Invoke_MissingTokenIsInvalidArguments(t *testing.T) {
	fn := &extensions.CancelFunction{Cancellation: extensions.NewCancellation()}
	_, err := fn.Invoke(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	var fe *forrsterr.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, forrsterr.CodeInvalidArguments, fe.Code)
}

func TestCancelFunction_Descriptor_IsDiscoverableWrite(t *testing.T) {
	fn := &extensions.CancelFunction{Cancellation: extensions.NewCancellation()}
	desc := fn.Descriptor()
	assert.True(t, desc.Discoverable)
	assert.Equal(t, domain.OperationWrite, desc.Capabilities.Operation)
}

package extensions_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/extensions"
)

func TestApplyRetry_NilResponseIsNoop(t *testing.T) {
	assert.NotPanics(t, func() { extensions.ApplyRetry(nil) })
}

func TestApplyRetry_AttachesStrategyToRetryableError(t *testing.T) {
	resp := domain.NewErrorResponse(nil, domain.ErrorObject{Code: "UNAVAILABLE", Message: "down"})
	extensions.ApplyRetry(resp)

	require.NotNil(t, resp.Errors[0].Details)
	var strat extensions.RetryStrategy
	require.NoError(t, json.Unmarshal(resp.Errors[0].Details, &strat))
	assert.Equal(t, "exponential", strat.Strategy)
}

func TestApplyRetry_SkipsNonRetryableError(t *testing.T) {
	resp := domain.NewErrorResponse(nil, domain.ErrorObject{Code: "INVALID_ARGUMENTS", Message: "bad"})
	extensions.ApplyRetry(resp)
	assert.Nil(t, resp.Errors[0].Details)
}

func TestApplyRetry_SkipsErrorWithExistingDetails(t *testing.T) {
	resp := domain.NewErrorResponse(nil, domain.ErrorObject{Code: "UNAVAILABLE", Message: "down", Details: json.RawMessage(`{"custom":true}`)})
	extensions.ApplyRetry(resp)
	assert.JSONEq(t, `{"custom":true}`, string(resp.Errors[0].Details))
}

func TestApplyRetry_RateLimitedUsesFixedStrategy(t *testing.T) {
	resp := domain.NewErrorResponse(nil, domain.ErrorObject{Code: "RATE_LIMITED", Message: "slow down"})
	extensions.ApplyRetry(resp)
	var strat extensions.RetryStrategy
	require.NoError(t, json.Unmarshal(resp.Errors[0].Details, &strat))
	assert.Equal(t, "fixed", strat.Strategy)
}

func TestApplyRetry_UnmappedRetryableCodeFallsBackToDefaultStrategy(t *testing.T) {
	resp := domain.NewErrorResponse(nil, domain.ErrorObject{Code: "ASYNC_OPERATION_FAILED", Message: "failed"})
	extensions.ApplyRetry(resp)
	var strat extensions.RetryStrategy
	require.NoError(t, json.Unmarshal(resp.Errors[0].Details, &strat))
	assert.Equal(t, "exponential", strat.Strategy)
	assert.Equal(t, 1.0, strat.AfterSeconds)
}

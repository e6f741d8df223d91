package extensions

import (
	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/forrsterr"
)

// RetryStrategy is the wire shape the server attaches to a retryable
// error's details: {strategy, after_seconds, max_attempts?}.
type RetryStrategy struct {
	Strategy    string `json:"strategy"`
	AfterSeconds float64 `json:"after_seconds"`
	MaxAttempts *int    `json:"max_attempts,omitempty"`
}

// backoff is keyed by error code rather than a registered Extension because
// retry has no Before hook and no options a caller declares: it is pure
// response-assembly, run by the handler after the pipeline returns, not
// scheduled through ExtensionRegistry.Ordered.
var backoff = map[forrsterr.Code]RetryStrategy{
	forrsterr.CodeRateLimited:      {Strategy: "fixed", AfterSeconds: 1},
	forrsterr.CodeUnavailable:      {Strategy: "exponential", AfterSeconds: 0.5},
	forrsterr.CodeDependencyError:  {Strategy: "exponential", AfterSeconds: 0.5},
	forrsterr.CodeDeadlineExceeded: {Strategy: "exponential", AfterSeconds: 1},
	forrsterr.CodeInternalError:    {Strategy: "exponential", AfterSeconds: 1},
}

// ApplyRetry attaches a retry strategy to every retryable error in resp,
// mutating resp.Errors' Details in place. Non-retryable errors and errors
// that already carry Details from elsewhere are left untouched for the
// latter, since a function or extension's own Details take precedence.
func ApplyRetry(resp *domain.Response) {
	if resp == nil {
		return
	}
	for i := range resp.Errors {
		e := &resp.Errors[i]
		if len(e.Details) > 0 {
			continue
		}
		code := forrsterr.Code(e.Code)
		if !forrsterr.Retryable(code) {
			continue
		}
		strat, ok := backoff[code]
		if !ok {
			strat = RetryStrategy{Strategy: "exponential", AfterSeconds: 1}
		}
		e.Details = mustJSON(strat)
	}
}

package transport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forrst-proto/forrst/internal/transport"
)

type stubChecker struct{ err error }

func (s stubChecker) HealthCheck(ctx context.Context) error { return s.err }

func TestHandleHealthLive_AlwaysReturns200(t *testing.T) {
	handler := transport.HandleHealthLive("node-1")
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	handler(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "node-1", out["node"])
}

func TestHandleHealthReady_ReadyWithNoChecks(t *testing.T) {
	handler := transport.HandleHealthReady(nil)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	handler(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleHealthReady_ReadyWhenAllChecksPass(t *testing.T) {
	handler := transport.HandleHealthReady(map[string]transport.HealthChecker{
		"postgres": stubChecker{},
		"blobstore": stubChecker{},
	})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	handler(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleHealthReady_NotReadyWhenOneCheckFails(t *testing.T) {
	handler := transport.HandleHealthReady(map[string]transport.HealthChecker{
		"postgres":  stubChecker{},
		"blobstore": stubChecker{err: assert.AnError},
	})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	handler(w, r)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "not_ready", out["status"])
}

package transport_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forrst-proto/forrst/internal/forrsterr"
	"github.com/forrst-proto/forrst/internal/handler"
	"github.com/forrst-proto/forrst/internal/pipeline"
	"github.com/forrst-proto/forrst/internal/registry"
	"github.com/forrst-proto/forrst/internal/transport"
)

func TestNewRouter_MountsHealthAndMetrics(t *testing.T) {
	functions := registry.NewFunctionRegistry()
	extReg := registry.NewExtensionRegistry()
	pl := pipeline.New(extReg, forrsterr.DefaultExceptionMapper)
	h := handler.New(functions, pl, "node-1")

	router := transport.NewRouter(&transport.Server{Handler: h, Node: "node-1"})

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/metrics"} {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, path, nil)
		router.ServeHTTP(w, r)
		assert.NotEqual(t, http.StatusNotFound, w.Code, "expected %s to be mounted", path)
	}
}

func TestNewRouter_RejectsGetOnForrstPath(t *testing.T) {
	functions := registry.NewFunctionRegistry()
	extReg := registry.NewExtensionRegistry()
	pl := pipeline.New(extReg, forrsterr.DefaultExceptionMapper)
	h := handler.New(functions, pl, "node-1")

	router := transport.NewRouter(&transport.Server{Handler: h, Node: "node-1"})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/forrst", nil)
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

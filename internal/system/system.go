// Package system implements the built-in ping, health, capabilities,
// describe, and operation.{status,cancel,list} functions, registered under
// the reserved urn:forrst:system:fn:* namespace.
package system

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"time"

	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/forrsterr"
	"github.com/forrst-proto/forrst/internal/operations"
	"github.com/forrst-proto/forrst/internal/pipeline"
	"github.com/forrst-proto/forrst/internal/registry"
)

const namespace = "urn:forrst:system:fn:"

// HealthChecker verifies a dependency is reachable (grounded on
// internal/api/health.go's HealthChecker contract).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies bundles everything the system functions need.
type Dependencies struct {
	Functions    *registry.FunctionRegistry
	Extensions   *registry.ExtensionRegistry
	Operations   operations.Store
	HealthChecks map[string]HealthChecker
	Node         string
}

// RegisterAll constructs and registers every system function into deps.Functions.
func RegisterAll(deps Dependencies) error {
	fns := []registry.Function{
		&pingFunction{},
		&healthFunction{checks: deps.HealthChecks, node: deps.Node},
		&capabilitiesFunction{functions: deps.Functions, extensions: deps.Extensions, node: deps.Node},
		&describeFunction{functions: deps.Functions},
		&operationStatusFunction{store: deps.Operations},
		&operationCancelFunction{store: deps.Operations},
		&operationListFunction{store: deps.Operations},
	}
	for _, fn := range fns {
		if err := deps.Functions.Register(fn); err != nil {
			return err
		}
	}
	return nil
}

func descriptor(name, summary string, op domain.FunctionOperation) domain.FunctionDescriptor {
	return domain.FunctionDescriptor{
		URN:          namespace + name,
		Version:      "1.0.0",
		Summary:      summary,
		Discoverable: true,
		Capabilities: domain.Capabilities{Operation: op},
	}
}

// ownerOf recovers the caller-scoped owner from the request context map
// carried on the pipeline's InvocationContext (ctx.(*pipeline.InvocationContext)),
// mirroring the async extension's ownerOf; shared by the operation.*
// functions within this package.
func ownerOf(ctx context.Context) string {
	ic, ok := ctx.(*pipeline.InvocationContext)
	if !ok || ic.Request == nil || ic.Request.Context == nil {
		return ""
	}
	if v, ok := ic.Request.Context["user_id"].(string); ok && v != "" {
		return v
	}
	if v, ok := ic.Request.Context["caller"].(string); ok && v != "" {
		return v
	}
	return ""
}

// --- ping ---

type pingFunction struct{}

func (f *pingFunction) URN() string     { return namespace + "ping" }
func (f *pingFunction) Version() string { return "1.0.0" }
func (f *pingFunction) Descriptor() domain.FunctionDescriptor {
	return descriptor("ping", "Liveness check; echoes back immediately.", domain.OperationRead)
}
func (f *pingFunction) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"status": "healthy", "timestamp": time.Now().UTC().Format(time.RFC3339)})
}

// --- health ---

type healthFunction struct {
	checks map[string]HealthChecker
	node   string
}

func (f *healthFunction) URN() string     { return namespace + "health" }
func (f *healthFunction) Version() string { return "1.0.0" }
func (f *healthFunction) Descriptor() domain.FunctionDescriptor {
	return descriptor("health", "Reports liveness plus the status of every configured dependency.", domain.OperationRead)
}

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (f *healthFunction) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	if len(f.checks) == 0 {
		return json.Marshal(map[string]any{"status": "ready", "node": f.node, "checks": map[string]checkResult{}})
	}

	type named struct {
		name string
		res  checkResult
	}
	results := make([]named, len(f.checks))
	var wg sync.WaitGroup
	i := 0
	for name, checker := range f.checks {
		wg.Add(1)
		go func(idx int, n string, c HealthChecker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := c.HealthCheck(cctx); err != nil {
				results[idx] = named{name: n, res: checkResult{Status: "error", Error: err.Error()}}
				return
			}
			results[idx] = named{name: n, res: checkResult{Status: "ok"}}
		}(i, name, checker)
		i++
	}
	wg.Wait()

	checks := make(map[string]checkResult, len(results))
	allOK := true
	for _, r := range results {
		checks[r.name] = r.res
		if r.res.Status != "ok" {
			allOK = false
		}
	}
	status := "ready"
	if !allOK {
		status = "not_ready"
	}
	return json.Marshal(map[string]any{"status": status, "node": f.node, "checks": checks})
}

// --- capabilities ---

type capabilitiesFunction struct {
	functions  *registry.FunctionRegistry
	extensions *registry.ExtensionRegistry
	node       string
}

func (f *capabilitiesFunction) URN() string     { return namespace + "capabilities" }
func (f *capabilitiesFunction) Version() string { return "1.0.0" }
func (f *capabilitiesFunction) Descriptor() domain.FunctionDescriptor {
	return descriptor("capabilities", "Lists registered function URNs/versions and available extension URNs.", domain.OperationRead)
}

func (f *capabilitiesFunction) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"protocol":   domain.Protocol{Name: domain.ProtocolName, Version: domain.CurrentProtocolVersion},
		"functions":  f.functions.List(),
		"extensions": f.extensions.Registered(),
		"node":       f.node,
		"go_version": runtime.Version(),
	})
}

// --- describe ---

type describeArgs struct {
	URN     string `json:"urn"`
	Version string `json:"version"`
}

type describeFunction struct {
	functions *registry.FunctionRegistry
}

func (f *describeFunction) URN() string     { return namespace + "describe" }
func (f *describeFunction) Version() string { return "1.0.0" }
func (f *describeFunction) Descriptor() domain.FunctionDescriptor {
	return descriptor("describe", "Returns full descriptors for discoverable functions, optionally filtered by urn/version.", domain.OperationRead)
}

func (f *describeFunction) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var a describeArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, forrsterr.New(forrsterr.CodeInvalidArguments, "malformed arguments")
		}
	}
	return json.Marshal(map[string]any{"functions": f.functions.ForDescribe(a.URN, a.Version)})
}

// --- operation.status ---

type operationIDArgs struct {
	ID string `json:"id"`
}

type operationStatusFunction struct {
	store operations.Store
}

func (f *operationStatusFunction) URN() string     { return namespace + "operation.status" }
func (f *operationStatusFunction) Version() string { return "1.0.0" }
func (f *operationStatusFunction) Descriptor() domain.FunctionDescriptor {
	d := descriptor("operation.status", "Polls the status of a previously diverted async operation.", domain.OperationRead)
	d.Errors = []string{string(forrsterr.CodeAsyncOperationNotFound)}
	return d
}

func (f *operationStatusFunction) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var a operationIDArgs
	if err := json.Unmarshal(args, &a); err != nil || a.ID == "" {
		return nil, forrsterr.New(forrsterr.CodeInvalidArguments, "id is required")
	}
	op, err := f.store.Get(ctx, a.ID, ownerOf(ctx))
	if err != nil {
		return nil, forrsterr.Newf(forrsterr.CodeAsyncOperationNotFound, "operation %q not found", a.ID)
	}
	return json.Marshal(op)
}

// --- operation.cancel ---

type operationCancelFunction struct {
	store operations.Store
}

func (f *operationCancelFunction) URN() string     { return namespace + "operation.cancel" }
func (f *operationCancelFunction) Version() string { return "1.0.0" }
func (f *operationCancelFunction) Descriptor() domain.FunctionDescriptor {
	d := descriptor("operation.cancel", "Cancels a pending or processing async operation.", domain.OperationWrite)
	d.Errors = []string{string(forrsterr.CodeAsyncOperationNotFound), string(forrsterr.CodeAsyncCannotCancel)}
	return d
}

func (f *operationCancelFunction) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var a operationIDArgs
	if err := json.Unmarshal(args, &a); err != nil || a.ID == "" {
		return nil, forrsterr.New(forrsterr.CodeInvalidArguments, "id is required")
	}
	op, err := f.store.Cancel(ctx, a.ID, ownerOf(ctx))
	if err != nil {
		if fe, ok := err.(*forrsterr.Error); ok {
			return nil, fe
		}
		return nil, forrsterr.Newf(forrsterr.CodeAsyncOperationNotFound, "operation %q not found", a.ID)
	}
	return json.Marshal(op)
}

// --- operation.list ---

type operationListArgs struct {
	Status   string `json:"status"`
	Function string `json:"function"`
	Limit    int    `json:"limit"`
	Cursor   string `json:"cursor"`
}

type operationListFunction struct {
	store operations.Store
}

func (f *operationListFunction) URN() string     { return namespace + "operation.list" }
func (f *operationListFunction) Version() string { return "1.0.0" }
func (f *operationListFunction) Descriptor() domain.FunctionDescriptor {
	return descriptor("operation.list", "Lists the caller's async operations, newest first, cursor paginated.", domain.OperationRead)
}

func (f *operationListFunction) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var a operationListArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, forrsterr.New(forrsterr.CodeInvalidArguments, "malformed arguments")
		}
	}
	items, next, err := f.store.List(ctx, ownerOf(ctx), operations.ListFilter{
		Status:   domain.OperationStatus(a.Status),
		Function: a.Function,
	}, a.Limit, a.Cursor)
	if err != nil {
		return nil, forrsterr.New(forrsterr.CodeInternalError, "failed to list operations")
	}
	return json.Marshal(map[string]any{"items": items, "next_cursor": next})
}

package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/forrsterr"
	"github.com/forrst-proto/forrst/internal/pipeline"
	"github.com/forrst-proto/forrst/internal/registry"
)

type stubFunction struct {
	urn     string
	version string
	caps    domain.Capabilities
	invoke  func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

func (f stubFunction) URN() string     { return f.urn }
func (f stubFunction) Version() string { return f.version }
func (f stubFunction) Descriptor() domain.FunctionDescriptor {
	return domain.FunctionDescriptor{URN: f.urn, Version: f.version, Capabilities: f.caps}
}
func (f stubFunction) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return f.invoke(ctx, args)
}

type recordingExtension struct {
	urn        string
	priority   registry.Priority
	applicable bool
	beforeResp *domain.Response
	beforeErr  error
	calls      *[]string
}

func (e *recordingExtension) URN() string                         { return e.urn }
func (e *recordingExtension) Priority() registry.Priority          { return e.priority }
func (e *recordingExtension) Applicable(domain.Capabilities) bool  { return e.applicable }
func (e *recordingExtension) Before(ctx context.Context, inv *registry.InvocationState, options json.RawMessage) (*domain.Response, error) {
	*e.calls = append(*e.calls, "before:"+e.urn)
	return e.beforeResp, e.beforeErr
}
func (e *recordingExtension) After(ctx context.Context, inv *registry.InvocationState, options json.RawMessage) {
	*e.calls = append(*e.calls, "after:"+e.urn)
}

func newRequest(id string, extensions ...domain.ExtensionDeclaration) *domain.Request {
	return &domain.Request{
		Protocol:   domain.Protocol{Name: domain.ProtocolName, Version: domain.CurrentProtocolVersion},
		ID:         id,
		Call:       domain.Call{Function: "urn:acme:forrst:fn:export", Version: "1.0.0"},
		Extensions: extensions,
	}
}

// --- Happy path ---

func TestPipeline_Run_InvokesFunctionWithNoExtensions(t *testing.T) {
	p := pipeline.New(registry.NewExtensionRegistry(), nil)
	fn := stubFunction{urn: "urn:acme:forrst:fn:export", version: "1.0.0", invoke: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}}

	result, errs, state := p.Run(context.Background(), newRequest("req-1"), fn)
	require.Empty(t, errs)
	assert.JSONEq(t, `{"ok":true}`, string(result))
	require.NotNil(t, state)
}

func TestPipeline_Run_FunctionErrorIsMapped(t *testing.T) {
	p := pipeline.New(registry.NewExtensionRegistry(), nil)
	fn := stubFunction{urn: "urn:acme:forrst:fn:export", version: "1.0.0", invoke: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("boom")
	}}

	_, errs, _ := p.Run(context.Background(), newRequest("req-1"), fn)
	require.Len(t, errs, 1)
	assert.Equal(t, "INTERNAL_ERROR", errs[0].Code)
}

func TestPipeline_Run_FunctionForrstErrorPassesThrough(t *testing.T) {
	p := pipeline.New(registry.NewExtensionRegistry(), nil)
	fn := stubFunction{urn: "urn:acme:forrst:fn:export", version: "1.0.0", invoke: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, forrsterr.New(forrsterr.CodeInvalidArguments, "bad name")
	}}

	_, errs, _ := p.Run(context.Background(), newRequest("req-1"), fn)
	require.Len(t, errs, 1)
	assert.Equal(t, "INVALID_ARGUMENTS", errs[0].Code)
}

// --- Declared extension resolution ---

func TestPipeline_Run_UndeclaredExtensionReturnsExtensionNotSupported(t *testing.T) {
	p := pipeline.New(registry.NewExtensionRegistry(), nil)
	fn := stubFunction{urn: "urn:acme:forrst:fn:export", version: "1.0.0"}

	req := newRequest("req-1", domain.ExtensionDeclaration{URN: "urn:forrst:ext:unregistered"})
	_, errs, state := p.Run(context.Background(), req, fn)
	require.Len(t, errs, 1)
	assert.Equal(t, "EXTENSION_NOT_SUPPORTED", errs[0].Code)
	assert.Nil(t, state)
}

func TestPipeline_Run_InapplicableExtensionReturnsExtensionNotApplicable(t *testing.T) {
	reg := registry.NewExtensionRegistry()
	calls := []string{}
	ext := &recordingExtension{urn: "urn:forrst:ext:stream", priority: registry.PriorityCaching, applicable: false, calls: &calls}
	require.NoError(t, reg.Register(ext))

	p := pipeline.New(reg, nil)
	fn := stubFunction{urn: "urn:acme:forrst:fn:export", version: "1.0.0"}
	req := newRequest("req-1", domain.ExtensionDeclaration{URN: "urn:forrst:ext:stream"})

	_, errs, state := p.Run(context.Background(), req, fn)
	require.Len(t, errs, 1)
	assert.Equal(t, "EXTENSION_NOT_APPLICABLE", errs[0].Code)
	assert.Nil(t, state)
}

// --- Priority ordering ---

func TestPipeline_Run_BeforeHooksRunInPriorityOrder(t *testing.T) {
	reg := registry.NewExtensionRegistry()
	calls := []string{}
	quota := &recordingExtension{urn: "urn:forrst:ext:quota", priority: registry.PriorityQuota, applicable: true, calls: &calls}
	deadline := &recordingExtension{urn: "urn:forrst:ext:deadline", priority: registry.PriorityDeadline, applicable: true, calls: &calls}
	require.NoError(t, reg.Register(quota))
	require.NoError(t, reg.Register(deadline))

	p := pipeline.New(reg, nil)
	fn := stubFunction{urn: "urn:acme:forrst:fn:export", version: "1.0.0", invoke: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}}
	req := newRequest("req-1",
		domain.ExtensionDeclaration{URN: "urn:forrst:ext:quota"},
		domain.ExtensionDeclaration{URN: "urn:forrst:ext:deadline"},
	)

	_, errs, _ := p.Run(context.Background(), req, fn)
	require.Empty(t, errs)
	assert.Equal(t, []string{"before:urn:forrst:ext:deadline", "before:urn:forrst:ext:quota", "after:urn:forrst:ext:quota", "after:urn:forrst:ext:deadline"}, calls)
}

// --- Short-circuit ---

func TestPipeline_Run_BeforeShortCircuitSkipsInvokeButRunsAfterForRanExtensions(t *testing.T) {
	reg := registry.NewExtensionRegistry()
	calls := []string{}
	shortCircuitResp := domain.NewResultResponse("req-1", json.RawMessage(`{"cached":true}`))
	caching := &recordingExtension{urn: "urn:forrst:ext:caching", priority: registry.PriorityCaching, applicable: true, beforeResp: shortCircuitResp, calls: &calls}
	async := &recordingExtension{urn: "urn:forrst:ext:async", priority: registry.PriorityAsync, applicable: true, calls: &calls}
	require.NoError(t, reg.Register(caching))
	require.NoError(t, reg.Register(async))

	invoked := false
	p := pipeline.New(reg, nil)
	fn := stubFunction{urn: "urn:acme:forrst:fn:export", version: "1.0.0", invoke: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		invoked = true
		return json.RawMessage(`{}`), nil
	}}
	req := newRequest("req-1",
		domain.ExtensionDeclaration{URN: "urn:forrst:ext:caching"},
		domain.ExtensionDeclaration{URN: "urn:forrst:ext:async"},
	)

	result, errs, _ := p.Run(context.Background(), req, fn)
	require.Empty(t, errs)
	assert.JSONEq(t, `{"cached":true}`, string(result))
	assert.False(t, invoked, "function must not run once an earlier extension short-circuits")
	assert.Equal(t, []string{"before:urn:forrst:ext:caching", "after:urn:forrst:ext:caching"}, calls,
		"async's Before never ran (caching short-circuited first), so its After must not run either")
}

func TestPipeline_Run_BeforeErrorIsMappedAndShortCircuits(t *testing.T) {
	reg := registry.NewExtensionRegistry()
	calls := []string{}
	ext := &recordingExtension{urn: "urn:forrst:ext:quota", priority: registry.PriorityQuota, applicable: true, beforeErr: forrsterr.New(forrsterr.CodeRateLimited, "too fast"), calls: &calls}
	require.NoError(t, reg.Register(ext))

	p := pipeline.New(reg, nil)
	fn := stubFunction{urn: "urn:acme:forrst:fn:export", version: "1.0.0", invoke: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		t.Fatal("function must not run after a Before error")
		return nil, nil
	}}
	req := newRequest("req-1", domain.ExtensionDeclaration{URN: "urn:forrst:ext:quota"})

	_, errs, _ := p.Run(context.Background(), req, fn)
	require.Len(t, errs, 1)
	assert.Equal(t, "RATE_LIMITED", errs[0].Code)
}

// --- ExtensionOutputsOf ---

func TestExtensionOutputsOf_SortsByURN(t *testing.T) {
	state := &registry.InvocationState{
		ExtensionOutputs: map[string]json.RawMessage{
			"urn:forrst:ext:tracing": json.RawMessage(`{}`),
			"urn:forrst:ext:async":   json.RawMessage(`{}`),
		},
	}
	out := pipeline.ExtensionOutputsOf(state)
	require.Len(t, out, 2)
	assert.Equal(t, "urn:forrst:ext:async", out[0].URN)
	assert.Equal(t, "urn:forrst:ext:tracing", out[1].URN)
}

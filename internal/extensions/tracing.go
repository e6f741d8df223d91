package extensions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/registry"
)

// URNTracing is the reserved extension URN.
const URNTracing = "urn:forrst:ext:tracing"

// TracingOptions lets a caller propagate an existing trace.
type TracingOptions struct {
	TraceID      string `json:"trace_id,omitempty"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
	Baggage      map[string]string `json:"baggage,omitempty"`
}

// Tracing generates or propagates trace_id/span_id/parent_span_id/baggage
// and emits the invocation's duration on exit.
type Tracing struct{}

func (t *Tracing) URN() string                 { return URNTracing }
func (t *Tracing) Priority() registry.Priority { return registry.PriorityTracing }
func (t *Tracing) Applicable(domain.Capabilities) bool { return true }

func (t *Tracing) Before(ctx context.Context, inv *registry.InvocationState, options json.RawMessage) (*domain.Response, error) {
	var opts TracingOptions
	if len(options) > 0 {
		_ = json.Unmarshal(options, &opts)
	}
	traceID := opts.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	spanID := uuid.NewString()
	inv.Scratch["trace_id"] = traceID
	inv.Scratch["span_id"] = spanID
	inv.Scratch["parent_span_id"] = opts.ParentSpanID
	inv.Scratch["baggage"] = opts.Baggage
	inv.Scratch["trace_started"] = time.Now()
	return nil, nil
}

func (t *Tracing) After(ctx context.Context, inv *registry.InvocationState, options json.RawMessage) {
	traceID, ok := inv.Scratch["trace_id"].(string)
	if !ok {
		return
	}
	started := inv.Scratch["trace_started"].(time.Time)
	inv.ExtensionOutputs[URNTracing] = mustJSON(map[string]any{
		"trace_id":       traceID,
		"span_id":        inv.Scratch["span_id"],
		"parent_span_id": inv.Scratch["parent_span_id"],
		"baggage":        inv.Scratch["baggage"],
		"duration_ms":    time.Since(started).Milliseconds(),
	})
}

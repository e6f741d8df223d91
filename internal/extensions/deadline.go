// Package extensions implements the protocol's concrete extensions: one
// file per extension, each a registry.Extension plugged into the
// ExtensionPipeline at its fixed priority.
package extensions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/forrsterr"
	"github.com/forrst-proto/forrst/internal/registry"
)

// URNDeadline is the reserved extension URN.
const URNDeadline = "urn:forrst:ext:deadline"

// Deadline options accept either a relative {value, unit} pair or an
// ISO-8601 absolute instant.
type DeadlineOptions struct {
	Value    float64 `json:"value,omitempty"`
	Unit     string  `json:"unit,omitempty"` // "millisecond" | "second"
	Absolute string  `json:"absolute,omitempty"`
}

// Deadline stamps an absolute deadline on the invocation and short-circuits
// with DEADLINE_EXCEEDED if the deadline has already passed on entry.
type Deadline struct {
	Default time.Duration // server default when no deadline is declared
}

func (d *Deadline) URN() string                 { return URNDeadline }
func (d *Deadline) Priority() registry.Priority { return registry.PriorityDeadline }

func (d *Deadline) Applicable(domain.Capabilities) bool { return true }

// DeadlineCause is the context.Cause value stamped when this extension's
// deadline fires, distinguishing it from an explicit cancellation-extension
// cancel so the pipeline can give deadline precedence.
type DeadlineCause struct{}

func (DeadlineCause) Error() string   { return "deadline exceeded" }
func (DeadlineCause) IsDeadline() bool { return true }

func (d *Deadline) Before(ctx context.Context, inv *registry.InvocationState, options json.RawMessage) (*domain.Response, error) {
	var dl time.Time
	if len(options) > 0 {
		var opts DeadlineOptions
		if err := json.Unmarshal(options, &opts); err != nil {
			return nil, forrsterr.New(forrsterr.CodeInvalidRequest, "malformed deadline options")
		}
		if opts.Absolute != "" {
			t, err := time.Parse(time.RFC3339, opts.Absolute)
			if err != nil {
				return nil, forrsterr.Newf(forrsterr.CodeInvalidRequest, "malformed deadline.absolute %q", opts.Absolute)
			}
			dl = t
		} else if opts.Value > 0 {
			dl = time.Now().Add(durationOf(opts.Value, opts.Unit))
		}
	}
	if dl.IsZero() && d.Default > 0 {
		dl = time.Now().Add(d.Default)
	}
	if dl.IsZero() {
		return nil, nil
	}

	started := time.Now()
	inv.Scratch["deadline_started"] = started
	inv.Scratch["deadline_specified"] = dl
	if dlc, ok := ctx.(DeadlineSetter); ok {
		dlc.SetDeadline(dl)
	}
	if !started.Before(dl) {
		return domain.NewErrorResponse(&inv.Request.ID, forrsterr.New(forrsterr.CodeDeadlineExceeded, "deadline already elapsed").Object()), nil
	}
	return nil, nil
}

func (d *Deadline) After(ctx context.Context, inv *registry.InvocationState, options json.RawMessage) {
	dl, ok := inv.Scratch["deadline_specified"].(time.Time)
	if !ok {
		return
	}
	started := inv.Scratch["deadline_started"].(time.Time)
	now := time.Now()
	elapsed := now.Sub(started)
	total := dl.Sub(started)
	remaining := dl.Sub(now)
	utilization := 1.0
	if total > 0 {
		utilization = float64(elapsed) / float64(total)
	}
	inv.ExtensionOutputs[URNDeadline] = mustJSON(map[string]any{
		"specified":   dl.Format(time.RFC3339Nano),
		"elapsed":     elapsed.Milliseconds(),
		"remaining":   remaining.Milliseconds(),
		"utilization": utilization,
	})
}

func durationOf(value float64, unit string) time.Duration {
	switch unit {
	case "second":
		return time.Duration(value * float64(time.Second))
	default: // millisecond default per spec
		return time.Duration(value * float64(time.Millisecond))
	}
}

// DeadlineSetter lets the deadline extension stamp the deadline onto the
// InvocationContext without an extensions->pipeline import (InvocationContext
// lives in internal/pipeline, which already imports registry and
// internal/extensions, so the reverse import would cycle).
type DeadlineSetter interface {
	SetDeadline(time.Time)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

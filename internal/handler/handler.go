// Package handler implements RequestHandler: the orchestrator that turns
// raw request bytes into raw response bytes by parsing, validating the
// envelope, resolving the function, running the extension pipeline, and
// assembling the final response.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/extensions"
	"github.com/forrst-proto/forrst/internal/forrsterr"
	"github.com/forrst-proto/forrst/internal/pipeline"
	"github.com/forrst-proto/forrst/internal/protocol"
	"github.com/forrst-proto/forrst/internal/registry"
)

// DefaultMaxRequestBytes is the request-size policy default.
const DefaultMaxRequestBytes = 1 << 20

// ResponseSoftCapBytes is the point past which a large response is logged,
// not rejected: it is advisory only.
const ResponseSoftCapBytes = 10 << 20

// AuditLogger records one dispatch call's outcome for the compliance trail.
// Implementations must not block Dispatch; Log is called from a detached
// goroutine.
type AuditLogger interface {
	Log(ctx context.Context, requestID, functionURN, version, errorCode, owner string) error
}

// RequestHandler wires the registries and pipeline together to serve one
// dispatch call end to end.
type RequestHandler struct {
	Functions       *registry.FunctionRegistry
	Pipeline        *pipeline.Pipeline
	Node            string
	MaxRequestBytes int64
	Audit           AuditLogger // optional; nil disables audit logging
}

// New constructs a RequestHandler. MaxRequestBytes defaults to
// DefaultMaxRequestBytes when zero.
func New(functions *registry.FunctionRegistry, pl *pipeline.Pipeline, node string) *RequestHandler {
	return &RequestHandler{
		Functions:       functions,
		Pipeline:        pl,
		Node:            node,
		MaxRequestBytes: DefaultMaxRequestBytes,
	}
}

// Dispatch runs the full algorithm and returns the encoded response plus the
// HTTP status Transport should use: the first error's HTTP status, or 200
// on success. It never returns a Go error: every failure mode becomes a
// well-formed error Response.
func (h *RequestHandler) Dispatch(ctx context.Context, raw []byte) (encoded []byte, status int) {
	started := time.Now()

	resp, req := h.run(ctx, raw, started)

	if err := resp.Validate(); err != nil {
		slog.ErrorContext(ctx, "assembled response failed its own invariants", "error", err)
		resp = domain.NewErrorResponse(resp.ID, forrsterr.New(forrsterr.CodeInternalError, "internal error").Object())
	}

	status = forrsterr.FirstHTTPStatus(resp)
	body, err := json.Marshal(resp)
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
		body, _ = json.Marshal(domain.NewErrorResponse(resp.ID, forrsterr.New(forrsterr.CodeInternalError, "internal error").Object()))
		status = forrsterr.HTTPStatus(forrsterr.CodeInternalError)
	}
	if len(body) > ResponseSoftCapBytes {
		slog.WarnContext(ctx, "response exceeds soft cap", "bytes", len(body))
	}
	h.audit(req, resp)
	return body, status
}

// audit records the dispatch outcome in a detached goroutine so a slow or
// unavailable audit store never adds latency to the response path.
func (h *RequestHandler) audit(req *domain.Request, resp *domain.Response) {
	if h.Audit == nil || req == nil {
		return
	}
	var errorCode, owner string
	if len(resp.Errors) > 0 {
		errorCode = resp.Errors[0].Code
	}
	if req.Context != nil {
		if v, ok := req.Context["owner"].(string); ok {
			owner = v
		}
	}
	go func() {
		if err := h.Audit.Log(context.Background(), req.ID, req.Call.Function, req.Call.Version, errorCode, owner); err != nil {
			slog.Error("audit log write failed", "error", err)
		}
	}()
}

func (h *RequestHandler) run(ctx context.Context, raw []byte, started time.Time) (*domain.Response, *domain.Request) {
	max := h.MaxRequestBytes
	if max <= 0 {
		max = DefaultMaxRequestBytes
	}
	if int64(len(raw)) > max {
		return domain.NewErrorResponse(nil, forrsterr.Newf(forrsterr.CodeInvalidRequest,
			"request exceeds maximum size of %d bytes", max).Object()), nil
	}

	// Step 2: reject arrays at top level before attempting object decode,
	// so a batch gets INVALID_REQUEST rather than a PARSE_ERROR or a
	// confusing type-mismatch message.
	if looksLikeArray(raw) {
		return domain.NewErrorResponse(nil, forrsterr.New(forrsterr.CodeInvalidRequest, "batch requests are not supported").Object()), nil
	}

	var req domain.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		pos := int64(-1)
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			pos = syn.Offset
		}
		fe := forrsterr.New(forrsterr.CodeParseError, "malformed JSON request")
		if pos >= 0 {
			fe = fe.WithSource(domain.ErrorSource{Position: &pos})
		}
		return domain.NewErrorResponse(nil, fe.Object()), nil
	}

	if req.ID == "" || req.Call.Function == "" {
		return domain.NewErrorResponse(idOrNil(req.ID), forrsterr.New(forrsterr.CodeInvalidRequest,
			"protocol, id and call.function are required").Object()), nil
	}

	if err := protocol.Validate(req.Protocol, domain.CurrentProtocolVersion); err != nil {
		return domain.NewErrorResponse(&req.ID, h.Pipeline.Mapper(err).Object()), &req
	}

	fn, err := h.Functions.Resolve(req.Call.Function, req.Call.Version)
	if err != nil {
		return domain.NewErrorResponse(&req.ID, h.Pipeline.Mapper(err).Object()), &req
	}

	result, errs, state := h.Pipeline.Run(ctx, &req, fn)

	resp := assembleResponse(&req, result, errs, h.Node, started)
	if state != nil {
		resp.Extensions = pipeline.ExtensionOutputsOf(state)
		for k, v := range state.Meta {
			resp.Meta[k] = v
		}
	}
	if len(errs) == 0 {
		extensions.ApplyDeprecation(resp, fn.Descriptor())
	} else {
		extensions.ApplyRetry(resp)
	}
	return resp, &req
}

// assembleResponse stamps meta.duration and meta.node, and renders
// whichever of result/errs the pipeline settled on.
func assembleResponse(req *domain.Request, result json.RawMessage, errs []domain.ErrorObject, node string, started time.Time) *domain.Response {
	var resp *domain.Response
	if len(errs) > 0 {
		resp = domain.NewErrorResponse(&req.ID, errs...)
	} else {
		resp = domain.NewResultResponse(req.ID, result)
	}
	resp.Meta = map[string]any{
		"duration": map[string]any{
			"value": float64(time.Since(started).Microseconds()) / 1000.0,
			"unit":  "millisecond",
		},
		"node": node,
	}
	return resp
}

func looksLikeArray(raw []byte) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

func idOrNil(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

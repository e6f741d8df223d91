package transport

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/forrsterr"
	"github.com/forrst-proto/forrst/internal/handler"
	"github.com/forrst-proto/forrst/internal/registry"
	"github.com/forrst-proto/forrst/internal/sse"
)

// sseExtensionURN is the reserved extension a caller declares to request
// streaming instead of a single JSON result (handled entirely here, never
// registered in the extension registry since it has no Before/After hooks
// and never runs through the normal pipeline).
const sseExtensionURN = "urn:forrst:ext:stream"

// Dispatcher is the single HTTP entry point for the protocol: one POST
// route accepts the envelope and either returns a JSON response or, when
// the caller declares the stream extension against a streamable function,
// upgrades to Server-Sent Events.
type Dispatcher struct {
	Handler *handler.RequestHandler
	SSE     *sse.Adapter
}

// NewDispatcher wires a RequestHandler and SSE adapter into one HTTP handler.
func NewDispatcher(h *handler.RequestHandler, adapter *sse.Adapter) *Dispatcher {
	return &Dispatcher{Handler: h, SSE: adapter}
}

// ServeHTTP implements the dispatch endpoint. Only POST is accepted; the
// body is the full request envelope.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		resp := domain.NewErrorResponse(nil, forrsterr.New(forrsterr.CodeInvalidRequest, "failed to read request body").Object())
		d.writeJSON(w, resp)
		return
	}

	if wants, req, fn := d.wantsStream(raw); wants {
		if d.SSE.NotApplicable(fn) {
			obj := forrsterr.Newf(forrsterr.CodeExtensionNotApplicable,
				"extension %q does not apply to %s", sseExtensionURN, req.Call.Function).
				WithDetails(map[string]any{"extension": sseExtensionURN}).Object()
			d.writeJSON(w, domain.NewErrorResponse(&req.ID, obj))
			return
		}
		d.SSE.Serve(w, r, req, fn)
		return
	}

	body, status := d.Handler.Dispatch(r.Context(), raw)
	applyResponseHeaders(w, body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// wantsStream peeks the envelope for a declared stream extension with
// accept=true against a resolvable, streamable function. Any failure here
// (malformed JSON, unknown function) falls through to the normal dispatch
// path, which reports the same failure through the ordinary JSON response.
func (d *Dispatcher) wantsStream(raw []byte) (bool, *domain.Request, registry.Function) {
	var req domain.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return false, nil, nil
	}
	declared := false
	for _, ext := range req.Extensions {
		if ext.URN != sseExtensionURN {
			continue
		}
		var opts sse.StreamOptions
		if len(ext.Options) > 0 {
			if err := json.Unmarshal(ext.Options, &opts); err != nil {
				return false, nil, nil
			}
		}
		declared = opts.Accept
		break
	}
	if !declared {
		return false, nil, nil
	}
	fn, err := d.Handler.Functions.Resolve(req.Call.Function, req.Call.Version)
	if err != nil {
		return false, nil, nil
	}
	return true, &req, fn
}

func (d *Dispatcher) writeJSON(w http.ResponseWriter, resp *domain.Response) {
	status := forrsterr.FirstHTTPStatus(resp)
	body, err := json.Marshal(resp)
	if err != nil {
		status = forrsterr.HTTPStatus(forrsterr.CodeInternalError)
		body, _ = json.Marshal(domain.NewErrorResponse(resp.ID, forrsterr.New(forrsterr.CodeInternalError, "internal error").Object()))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

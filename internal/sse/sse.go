// Package sse streams chunked responses for functions that declare the
// streamable capability, when a request carries the reserved stream
// extension with accept=true.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/forrsterr"
	"github.com/forrst-proto/forrst/internal/registry"
)

// URNStream is the reserved extension URN the client declares to request
// streaming, handled entirely by Adapter rather than the extension pipeline.
const URNStream = "urn:forrst:ext:stream"

// StreamOptions is the declared extension's options payload.
type StreamOptions struct {
	Accept bool `json:"accept"`
}

// Chunk is one unit a Streamer function produces. Err set on the last
// chunk fails the stream with that error instead of a result.
type Chunk struct {
	Data json.RawMessage
	Err  error
}

// Streamer is implemented by functions capable of producing a channel of
// chunks instead of (or in addition to) a single Invoke result. Only
// functions whose descriptor sets Capabilities.Streamable are expected to
// implement it; SSEAdapter checks the descriptor first, the interface
// second.
type Streamer interface {
	Stream(ctx context.Context, args json.RawMessage) (<-chan Chunk, error)
}

// event is the wire shape of every non-connected SSE data payload.
type event struct {
	Seq    int             `json:"seq"`
	Data   json.RawMessage `json:"data,omitempty"`
	Done   bool            `json:"done"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *domain.ErrorObject `json:"error,omitempty"`
}

// Adapter serves one streaming request end to end.
type Adapter struct {
	Limiter     *Limiter
	MaxDuration time.Duration
}

// New constructs an Adapter with the default connection limiter and max
// duration.
func New() *Adapter {
	return &Adapter{Limiter: NewLimiter(), MaxDuration: MaxDurationSeconds * time.Second}
}

// NotApplicable reports whether fn cannot be streamed, in which case the
// caller (transport) must fall back to a normal JSON EXTENSION_NOT_APPLICABLE
// response rather than calling Serve.
func (a *Adapter) NotApplicable(fn registry.Function) bool {
	if !fn.Descriptor().Capabilities.Streamable {
		return true
	}
	_, ok := fn.(Streamer)
	return !ok
}

// Serve streams fn's output as SSE. Callers must have already confirmed
// !NotApplicable(fn) and resolved the declared stream extension's options.
func (a *Adapter) Serve(w http.ResponseWriter, r *http.Request, req *domain.Request, fn registry.Function) {
	streamer := fn.(Streamer)

	ip := ClientIP(r)
	if a.Limiter != nil && !a.Limiter.Acquire(ip) {
		http.Error(w, "too many concurrent SSE connections", http.StatusTooManyRequests)
		return
	}
	defer func() {
		if a.Limiter != nil {
			a.Limiter.Release(ip)
		}
	}()

	maxDuration := a.MaxDuration
	if maxDuration <= 0 {
		maxDuration = MaxDurationSeconds * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), maxDuration)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	send := func(name string, payload any) {
		data, _ := json.Marshal(payload)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
		flush()
	}

	send("connected", map[string]string{"id": req.ID})

	chunks, err := streamer.Stream(ctx, req.Call.Arguments)
	if err != nil {
		fe := forrsterr.DefaultExceptionMapper(err)
		obj := fe.Object()
		send("message", event{Seq: 0, Done: true, Error: &obj})
		return
	}

	seq := 0
	for {
		select {
		case <-ctx.Done():
			// Disconnect or deadline: the generator's own context derives
			// from ctx, so Stream's goroutine observes this too. Cleanup
			// happens exactly once here, on the adapter's single exit path.
			obj := forrsterr.New(forrsterr.CodeCancelled, "stream cancelled").Object()
			send("message", event{Seq: seq, Done: true, Error: &obj})
			return
		case chunk, ok := <-chunks:
			if !ok {
				send("message", event{Seq: seq, Done: true})
				return
			}
			if chunk.Err != nil {
				fe := forrsterr.DefaultExceptionMapper(chunk.Err)
				obj := fe.Object()
				send("message", event{Seq: seq, Done: true, Error: &obj})
				return
			}
			send("message", event{Seq: seq, Data: chunk.Data, Done: false})
			seq++
		}
	}
}

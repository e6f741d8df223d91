package extensions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/forrsterr"
	"github.com/forrst-proto/forrst/internal/registry"
)

// URNCancellation is the reserved extension URN.
const URNCancellation = "urn:forrst:ext:cancellation"

// CancellationOptions carries the opaque, client-generated token identifying
// this invocation for a later cancel call.
type CancellationOptions struct {
	Token string `json:"token"`
}

// ErrCancelled is the cause passed to the per-invocation cancel func when a
// client calls the cancel system function.
var ErrCancelled = errors.New("cancelled via cancellation extension")

// Cancellation registers a token -> cancel-func mapping so a subsequent call
// to urn:forrst:ext:cancellation:fn:cancel can abort the still-running
// invocation.
type Cancellation struct {
	mu     sync.Mutex
	tokens map[string]context.CancelCauseFunc
}

// NewCancellation constructs an empty token registry.
func NewCancellation() *Cancellation {
	return &Cancellation{tokens: make(map[string]context.CancelCauseFunc)}
}

func (c *Cancellation) URN() string                 { return URNCancellation }
func (c *Cancellation) Priority() registry.Priority { return registry.PriorityCancellation }
func (c *Cancellation) Applicable(domain.Capabilities) bool { return true }

func (c *Cancellation) Before(ctx context.Context, inv *registry.InvocationState, options json.RawMessage) (*domain.Response, error) {
	var opts CancellationOptions
	if len(options) > 0 {
		if err := json.Unmarshal(options, &opts); err != nil {
			return nil, forrsterr.New(forrsterr.CodeInvalidRequest, "malformed cancellation options")
		}
	}
	if opts.Token == "" {
		return nil, nil
	}
	c.mu.Lock()
	c.tokens[opts.Token] = inv.Cancel
	c.mu.Unlock()
	inv.Scratch["cancellation_token"] = opts.Token
	return nil, nil
}

func (c *Cancellation) After(ctx context.Context, inv *registry.InvocationState, options json.RawMessage) {
	token, ok := inv.Scratch["cancellation_token"].(string)
	if !ok {
		return
	}
	c.mu.Lock()
	delete(c.tokens, token)
	c.mu.Unlock()
}

// Cancel triggers the cancel signal registered for token. Returns
// CANCEL_TOKEN_UNKNOWN if no invocation is currently registered under it.
func (c *Cancellation) Cancel(token string) error {
	c.mu.Lock()
	cancel, ok := c.tokens[token]
	c.mu.Unlock()
	if !ok {
		return forrsterr.New(forrsterr.CodeCancelTokenUnknown, "unknown cancellation token")
	}
	cancel(ErrCancelled)
	return nil
}

// URNCancelFunction is the callable counterpart to the cancellation
// extension: invoking it triggers the signal registered for token. It is a
// registered Function, not an Extension — clients invoke it the same way
// as any other function.
const URNCancelFunction = "urn:forrst:ext:cancellation:fn:cancel"

// CancelArgs is the argument shape for URNCancelFunction.
type CancelArgs struct {
	Token string `json:"token"`
}

// CancelFunction wraps a Cancellation so it can be registered directly into
// a FunctionRegistry.
type CancelFunction struct {
	Cancellation *Cancellation
}

func (f *CancelFunction) URN() string     { return URNCancelFunction }
func (f *CancelFunction) Version() string { return "1.0.0" }

func (f *CancelFunction) Descriptor() domain.FunctionDescriptor {
	return domain.FunctionDescriptor{
		URN:          URNCancelFunction,
		Version:      "1.0.0",
		Summary:      "Cancels an in-flight invocation by its cancellation token.",
		Discoverable: true,
		Errors:       []string{string(forrsterr.CodeCancelTokenUnknown)},
		Capabilities: domain.Capabilities{Operation: domain.OperationWrite},
	}
}

func (f *CancelFunction) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var a CancelArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, forrsterr.New(forrsterr.CodeInvalidArguments, "malformed arguments")
		}
	}
	if a.Token == "" {
		return nil, forrsterr.New(forrsterr.CodeInvalidArguments, "token is required")
	}
	if err := f.Cancellation.Cancel(a.Token); err != nil {
		return nil, err
	}
	return mustJSON(map[string]any{"cancelled": true}), nil
}

package extensions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/forrst-proto/forrst/internal/cache"
	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/forrsterr"
	"github.com/forrst-proto/forrst/internal/registry"
)

// URNIdempotency is the reserved extension URN.
const URNIdempotency = "urn:forrst:ext:idempotency"

// IdempotencyOptions names the caller-supplied dedup key.
type IdempotencyOptions struct {
	Key string        `json:"key"`
	TTL time.Duration `json:"ttl,omitempty"`
}

type idempotencyRecord struct {
	argsHash string
	result   json.RawMessage
	errs     []domain.ErrorObject
	inFlight bool
}

// Idempotency caches (function, version, key) -> (args_hash, response); a collision
// with a matching hash replays the cached response tagged status=cached, a
// mismatching hash is IDEMPOTENCY_CONFLICT, and a concurrent in-flight
// duplicate is IDEMPOTENCY_PROCESSING.
type Idempotency struct {
	mu      sync.Mutex
	entries *cache.Cache[string, idempotencyRecord]
}

// NewIdempotency constructs an Idempotency extension whose cache entries all
// live for defaultTTL. A ttl in the per-request options is decoded into
// IdempotencyOptions.TTL but not applied to the entry.
func NewIdempotency(defaultTTL time.Duration) *Idempotency {
	return &Idempotency{entries: cache.New[string, idempotencyRecord](cache.Options{TTL: defaultTTL})}
}

func (e *Idempotency) URN() string                 { return URNIdempotency }
func (e *Idempotency) Priority() registry.Priority { return registry.PriorityIdempotency }
func (e *Idempotency) Applicable(domain.Capabilities) bool { return true }

func dedupKey(fn, version, key string) string {
	return fn + "@" + version + "#" + key
}

func argsHash(args json.RawMessage) string {
	sum := sha256.Sum256(args)
	return hex.EncodeToString(sum[:])
}

func (e *Idempotency) Before(ctx context.Context, inv *registry.InvocationState, options json.RawMessage) (*domain.Response, error) {
	var opts IdempotencyOptions
	if len(options) > 0 {
		if err := json.Unmarshal(options, &opts); err != nil {
			return nil, forrsterr.New(forrsterr.CodeInvalidRequest, "malformed idempotency options")
		}
	}
	if opts.Key == "" {
		return nil, nil
	}
	hash := argsHash(inv.Request.Call.Arguments)
	dk := dedupKey(inv.Request.Call.Function, inv.Request.Call.Version, opts.Key)

	e.mu.Lock()
	existing, found := e.entries.Get(dk)
	if found {
		if existing.inFlight {
			e.mu.Unlock()
			return domain.NewErrorResponse(&inv.Request.ID, forrsterr.New(forrsterr.CodeIdempotencyProcessing, "a request with this idempotency key is in flight").Object()), nil
		}
		if existing.argsHash != hash {
			e.mu.Unlock()
			return domain.NewErrorResponse(&inv.Request.ID, forrsterr.New(forrsterr.CodeIdempotencyConflict, "idempotency key reused with different arguments").Object()), nil
		}
		e.mu.Unlock()
		inv.Meta["idempotency_status"] = "cached"
		resp := domain.NewResultResponse(inv.Request.ID, existing.result)
		resp.Errors = existing.errs
		return resp, nil
	}
	e.entries.Set(dk, idempotencyRecord{argsHash: hash, inFlight: true})
	e.mu.Unlock()

	inv.Scratch["idempotency_dedup_key"] = dk
	inv.Scratch["idempotency_args_hash"] = hash
	return nil, nil
}

func (e *Idempotency) After(ctx context.Context, inv *registry.InvocationState, options json.RawMessage) {
	dk, ok := inv.Scratch["idempotency_dedup_key"].(string)
	if !ok {
		return
	}
	hash := inv.Scratch["idempotency_args_hash"].(string)
	e.mu.Lock()
	e.entries.Set(dk, idempotencyRecord{argsHash: hash, result: inv.Result, errs: inv.Errors})
	e.mu.Unlock()
	if _, cached := inv.Meta["idempotency_status"]; !cached {
		inv.Meta["idempotency_status"] = "processed"
	}
}

package extensions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/registry"
)

// URNCaching is the reserved extension URN.
const URNCaching = "urn:forrst:ext:caching"

// CachingOptions carries the conditional-request validators.
type CachingOptions struct {
	IfNoneMatch     string `json:"if_none_match,omitempty"`
	IfModifiedSince string `json:"if_modified_since,omitempty"`
}

// Caching computes an ETag over the canonicalized response bytes and, on an
// If-None-Match match, returns a null result tagged cache_status=hit.
// Canonical form is sorted-key, whitespace-free JSON (see DESIGN.md for the
// reasoning behind that choice).
type Caching struct{}

func (c *Caching) URN() string                 { return URNCaching }
func (c *Caching) Priority() registry.Priority { return registry.PriorityCaching }
func (c *Caching) Applicable(domain.Capabilities) bool { return true }

func (c *Caching) Before(ctx context.Context, inv *registry.InvocationState, options json.RawMessage) (*domain.Response, error) {
	if len(options) == 0 {
		return nil, nil
	}
	var opts CachingOptions
	if err := json.Unmarshal(options, &opts); err != nil {
		return nil, nil
	}
	inv.Scratch["caching_if_none_match"] = opts.IfNoneMatch
	return nil, nil
}

func (c *Caching) After(ctx context.Context, inv *registry.InvocationState, options json.RawMessage) {
	if len(inv.Errors) > 0 {
		return
	}
	etag := computeETag(inv.Result)
	inv.Meta["etag"] = etag

	inm, _ := inv.Scratch["caching_if_none_match"].(string)
	if inm != "" && inm == etag {
		inv.Meta["cache_status"] = "hit"
		inv.Result = nil
	}
	inv.ExtensionOutputs[URNCaching] = mustJSON(map[string]any{"etag": etag})
}

// computeETag hashes the canonical JSON form of v (sorted object keys,
// compact separators, no insignificant whitespace).
func computeETag(v json.RawMessage) string {
	canon := canonicalizeJSON(v)
	sum := sha256.Sum256(canon)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func canonicalizeJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(canonicalize(v))
	if err != nil {
		return raw
	}
	return out
}

func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]any, len(t))
		for _, k := range keys {
			ordered[k] = canonicalize(t[k])
		}
		return ordered
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return t
	}
}

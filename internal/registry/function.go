// Package registry implements FunctionRegistry and ExtensionRegistry:
// URN+version indexing, resolution through internal/semver, and the
// reserved-namespace startup policy.
package registry

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/forrst-proto/forrst/internal/domain"
	"github.com/forrst-proto/forrst/internal/forrsterr"
	"github.com/forrst-proto/forrst/internal/semver"
)

// Function is the small interface every registered function implements: a
// single interface, no base-class magic. Marker capabilities live on the
// Descriptor, not on additional interface methods.
type Function interface {
	URN() string
	Version() string
	Descriptor() domain.FunctionDescriptor
	Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// urnPattern matches urn:<vendor>:forrst:fn:<path> or the reserved
// urn:forrst:(system|ext:<name>):fn:<path> shapes.
var urnPattern = regexp.MustCompile(`^urn:(?:[a-z0-9][a-z0-9_-]*:forrst:fn|forrst:(?:system|ext:[a-z0-9][a-z0-9_-]*):fn):[a-zA-Z0-9_./-]+$`)

// ReservedNamespaces lists URN prefixes only system/extension code may
// register into. Configurable at startup via internal/config; this is the
// built-in default.
var ReservedNamespaces = []string{"urn:forrst:", "urn:cline:"}

func isReserved(urn string) bool {
	for _, ns := range ReservedNamespaces {
		if strings.HasPrefix(urn, ns) {
			return true
		}
	}
	return false
}

// IsSystemOrExtensionURN reports whether urn is under the reserved
// urn:forrst:system: or urn:forrst:ext:* namespace, the only shapes allowed
// to register inside ReservedNamespaces.
func IsSystemOrExtensionURN(urn string) bool {
	return strings.HasPrefix(urn, "urn:forrst:system:") || strings.HasPrefix(urn, "urn:forrst:ext:")
}

func validateURNShape(urn string) error {
	if !urnPattern.MatchString(urn) {
		return forrsterr.Newf(forrsterr.CodeInvalidRequest, "malformed function urn %q", urn)
	}
	return nil
}

// key indexes a single (urn, version) registration.
type key struct {
	urn     string
	version string
}

// FunctionRegistry is the write-once-at-startup, lock-free-read-at-request-
// time function index. It is not safe for concurrent Register calls;
// Register is expected to run single-threaded during startup, before any
// Resolve/List/ForDescribe call from a request-serving goroutine.
type FunctionRegistry struct {
	byKey map[key]Function
	byURN map[string][]Function // unsorted insertion order; Resolve sorts on demand
}

// NewFunctionRegistry returns an empty registry.
func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{
		byKey: make(map[key]Function),
		byURN: make(map[string][]Function),
	}
}

// Register validates and indexes fn. It is a fatal startup error (returned,
// not panicked — main decides whether to exit) to:
//   - register a malformed URN or version,
//   - register into a reserved namespace with a non system/extension URN,
//   - register the same (urn, version) pair twice.
func (r *FunctionRegistry) Register(fn Function) error {
	urn := fn.URN()
	if err := validateURNShape(urn); err != nil {
		return err
	}
	if _, err := semver.Parse(fn.Version()); err != nil {
		return forrsterr.Newf(forrsterr.CodeInvalidRequest, "function %s: invalid version %q: %v", urn, fn.Version(), err)
	}
	if isReserved(urn) && !IsSystemOrExtensionURN(urn) {
		return forrsterr.Newf(forrsterr.CodeInvalidRequest, "function %s: reserved namespace is system/extension only", urn)
	}
	k := key{urn: urn, version: fn.Version()}
	if _, exists := r.byKey[k]; exists {
		return domain.ErrAlreadyExists
	}
	r.byKey[k] = fn
	r.byURN[urn] = append(r.byURN[urn], fn)
	return nil
}

// Resolve finds the function at urn matching the version spec, delegating
// to internal/semver.Resolve for the selection rules.
func (r *FunctionRegistry) Resolve(urn, versionSpec string) (Function, error) {
	fns, ok := r.byURN[urn]
	if !ok || len(fns) == 0 {
		return nil, forrsterr.Newf(forrsterr.CodeFunctionNotFound, "function %q not found", urn)
	}
	versions := make([]semver.Version, 0, len(fns))
	byVersion := make(map[string]Function, len(fns))
	for _, fn := range fns {
		v, err := semver.Parse(fn.Version())
		if err != nil {
			continue // unreachable given Register's validation, but defensive against direct byURN mutation
		}
		versions = append(versions, v)
		byVersion[v.String()] = fn
	}
	resolved, err := semver.Resolve(versionSpec, versions)
	if err != nil {
		if fe, ok := asForrstErr(err); ok {
			available := make([]string, len(versions))
			for i, v := range versions {
				available[i] = v.String()
			}
			return nil, fe.WithDetails(map[string]any{
				"function":           urn,
				"requested_version":  versionSpec,
				"available_versions": available,
			})
		}
		return nil, err
	}
	return byVersion[resolved.String()], nil
}

func asForrstErr(err error) (*forrsterr.Error, bool) {
	fe, ok := err.(*forrsterr.Error)
	return fe, ok
}

// List returns every registered URN mapped to its indexed version strings,
// for the capabilities/describe system functions.
func (r *FunctionRegistry) List() map[string][]string {
	out := make(map[string][]string, len(r.byURN))
	for urn, fns := range r.byURN {
		versions := make([]string, len(fns))
		for i, fn := range fns {
			versions[i] = fn.Version()
		}
		out[urn] = versions
	}
	return out
}

// ForDescribe returns descriptors for every discoverable function, or, when
// urn is non-empty, just the (optionally version-filtered) descriptors
// under that URN.
func (r *FunctionRegistry) ForDescribe(urn, version string) []domain.FunctionDescriptor {
	var candidates []Function
	if urn == "" {
		for _, fns := range r.byURN {
			candidates = append(candidates, fns...)
		}
	} else {
		candidates = r.byURN[urn]
	}
	out := make([]domain.FunctionDescriptor, 0, len(candidates))
	for _, fn := range candidates {
		d := fn.Descriptor()
		if !d.Discoverable {
			continue
		}
		if version != "" && fn.Version() != version {
			continue
		}
		out = append(out, d)
	}
	return out
}

package extensions

import "github.com/forrst-proto/forrst/internal/domain"

// ApplyDeprecation surfaces desc.Deprecated into resp.Meta.deprecated when
// set. Unlike the other extensions this is never declared by a caller and has no
// options; it is automatic, driven entirely by the resolved function's own
// descriptor, so it runs as response-assembly rather than a registered
// Extension.
func ApplyDeprecation(resp *domain.Response, desc domain.FunctionDescriptor) {
	if resp == nil || desc.Deprecated == nil {
		return
	}
	if resp.Meta == nil {
		resp.Meta = make(map[string]any)
	}
	resp.Meta["deprecated"] = desc.Deprecated
}

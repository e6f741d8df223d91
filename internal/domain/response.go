package domain

import (
	"encoding/json"
	"fmt"
)

// NewResultResponse builds a success response. result may be nil (JSON null).
func NewResultResponse(id string, result json.RawMessage) *Response {
	return &Response{
		Protocol: Protocol{Name: ProtocolName, Version: CurrentProtocolVersion},
		ID:       &id,
		Result:   nullIfEmpty(result),
	}
}

// NewErrorResponse builds an error response. id is nil only for parse
// failures that occur before an id could be read off the wire.
func NewErrorResponse(id *string, errs ...ErrorObject) *Response {
	return &Response{
		Protocol: Protocol{Name: ProtocolName, Version: CurrentProtocolVersion},
		ID:       id,
		Errors:   errs,
	}
}

func nullIfEmpty(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("null")
	}
	return v
}

// Validate enforces the mutual-exclusion and size invariants before a
// response is encoded onto the wire.
func (r *Response) Validate() error {
	hasResult := len(r.Result) > 0 && string(r.Result) != "null"
	hasErrors := len(r.Errors) > 0
	if hasResult && hasErrors {
		return fmt.Errorf("response carries both result and errors")
	}
	if len(r.Errors) > 100 {
		return fmt.Errorf("errors array exceeds 100 entries")
	}
	if len(r.Extensions) > 50 {
		return fmt.Errorf("extensions array exceeds 50 entries")
	}
	seen := make(map[string]bool, len(r.Extensions))
	for _, ext := range r.Extensions {
		if seen[ext.URN] {
			return fmt.Errorf("duplicate extension urn in response: %s", ext.URN)
		}
		seen[ext.URN] = true
	}
	return nil
}

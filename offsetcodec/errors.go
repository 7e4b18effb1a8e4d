package offsetcodec

import (
	"errors"
	"strings"
)

// ExtractMediaType strips parameters (e.g. "; charset=utf-8") from a
// Content-Type header value, leaving just the type/subtype.
func ExtractMediaType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		return strings.TrimSpace(contentType[:i])
	}
	return contentType
}

// IsJSONContentType reports whether a Content-Type header names JSON,
// ignoring parameters and case.
func IsJSONContentType(contentType string) bool {
	return strings.EqualFold(ExtractMediaType(contentType), "application/json")
}

var (
	// ErrInvalidJSON indicates an append body that is not valid JSON on a
	// JSON-content-typed stream.
	ErrInvalidJSON = errors.New("offsetcodec: invalid JSON")

	// ErrEmptyJSONArray indicates a top-level empty array on append, which
	// is only legal as the initial body of a stream creation.
	ErrEmptyJSONArray = errors.New("offsetcodec: empty JSON array not allowed")
)

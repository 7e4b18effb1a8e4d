package client

// Offset is an opaque position token in a stream.
//
// Offsets are:
//   - Opaque: do not parse or interpret offset structure.
//   - Lexicographically sortable: compare offsets to determine ordering.
//   - Persistent: valid for the stream's lifetime.
//   - Unique: each position has exactly one offset.
//
// Use StartOffset to read from the beginning of a stream.
type Offset string

// StartOffset represents the beginning of a stream.
const StartOffset Offset = "-1"

// String returns the offset as a string.
func (o Offset) String() string {
	return string(o)
}

// IsStart reports whether this offset represents the start of stream.
func (o Offset) IsStart() bool {
	return o == StartOffset || o == ""
}

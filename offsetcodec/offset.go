// Package offsetcodec implements the server-side position token used by the
// durable streams protocol: a generation/sequence pair formatted as a
// zero-padded, lexicographically sortable string, plus the wire framing
// helpers for JSON and raw stream responses.
package offsetcodec

import (
	"fmt"
	"strconv"
	"strings"
)

// Offset identifies a position within a stream.
//
// String form: "%016d_%016d" (generation, seq). Generation increments each
// time a stream path is deleted and recreated; seq is the byte offset of
// accumulated data within that generation. The format is lexicographically
// sortable, which callers rely on for ETag/If-None-Match comparisons.
type Offset struct {
	Generation uint64
	Seq        uint64
}

// Zero is the starting offset for a newly created stream generation.
var Zero = Offset{}

// String formats the offset for wire transmission.
func (o Offset) String() string {
	return fmt.Sprintf("%016d_%016d", o.Generation, o.Seq)
}

// IsZero reports whether this is the start-of-generation offset.
func (o Offset) IsZero() bool {
	return o.Generation == 0 && o.Seq == 0
}

// Add returns a new offset in the same generation with n bytes appended.
func (o Offset) Add(n uint64) Offset {
	return Offset{Generation: o.Generation, Seq: o.Seq + n}
}

// NextGeneration returns the zero offset for the generation after o's.
func (o Offset) NextGeneration() Offset {
	return Offset{Generation: o.Generation + 1}
}

// Parse decodes an offset string. The empty string and the reserved literal
// "-1" both mean "start of stream" and decode to Zero.
func Parse(s string) (Offset, error) {
	if s == "" || s == "-1" {
		return Zero, nil
	}
	if !validFormat(s) {
		return Offset{}, fmt.Errorf("offsetcodec: invalid offset format %q", s)
	}
	parts := strings.SplitN(s, "_", 2)
	gen, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("offsetcodec: invalid generation in %q: %w", s, err)
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("offsetcodec: invalid seq in %q: %w", s, err)
	}
	return Offset{Generation: gen, Seq: seq}, nil
}

// validFormat checks for exactly one underscore separating two digit runs,
// rejecting anything that isn't plain ASCII digits (no signs, no whitespace).
func validFormat(s string) bool {
	if len(s) < 3 {
		return false
	}
	underscores := 0
	pos := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_':
			underscores++
			pos = i
			if underscores > 1 {
				return false
			}
		case c < '0' || c > '9':
			return false
		}
	}
	return underscores == 1 && pos > 0 && pos < len(s)-1
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater than b.
func Compare(a, b Offset) int {
	switch {
	case a.Generation != b.Generation:
		if a.Generation < b.Generation {
			return -1
		}
		return 1
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	default:
		return 0
	}
}

// Less reports whether o sorts before other.
func (o Offset) Less(other Offset) bool { return Compare(o, other) < 0 }

// Equal reports whether o and other are the same position.
func (o Offset) Equal(other Offset) bool { return Compare(o, other) == 0 }

// Package store holds the durable stream storage interface and its
// implementations: an in-process MemoryStore for tests and default
// deployments, and a bbolt-backed BoltStore for durable single-node
// persistence.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/durablestreams/durablestreams/offsetcodec"
)

// Common errors
var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrStreamExpired       = errors.New("stream has expired")
	ErrStreamExists        = errors.New("stream already exists")
	ErrConfigMismatch      = errors.New("stream configuration mismatch")
	ErrSequenceConflict    = errors.New("sequence number conflict")
	ErrContentTypeMismatch = errors.New("content type mismatch")
	ErrEmptyBody           = errors.New("empty body not allowed")
	ErrInvalidOffset       = errors.New("invalid offset")
	ErrStreamClosed        = errors.New("stream is closed")
)

// Producer validation errors
var (
	ErrStaleEpoch      = errors.New("producer epoch is stale")
	ErrInvalidEpochSeq = errors.New("new epoch must start at sequence 0")
	ErrProducerSeqGap  = errors.New("producer sequence gap detected")
	ErrPartialProducer = errors.New("all producer headers must be provided together")
)

// ProducerState tracks the epoch and sequence for an idempotent producer.
type ProducerState struct {
	Epoch       int64
	LastSeq     int64
	LastUpdated int64 // unix seconds
}

// ProducerResult indicates the outcome of producer validation.
type ProducerResult int

const (
	ProducerResultNone      ProducerResult = iota // no producer headers provided
	ProducerResultAccepted                        // new data accepted
	ProducerResultDuplicate                       // duplicate detected (204)
	ProducerResultClaimed                         // stale epoch auto-claimed by server opt-in
)

// AppendResult contains the result of an append operation.
type AppendResult struct {
	Offset         offsetcodec.Offset
	ProducerResult ProducerResult
	CurrentEpoch   int64 // current epoch, set on stale-epoch error or claim
	ExpectedSeq    int64 // expected seq, set on gap error
	ReceivedSeq    int64 // received seq, set on gap error
	LastSeq        int64 // highest accepted seq (duplicates and success)
	StreamClosed   bool  // stream is now closed, by this request or previously
}

// CloseResult contains the result of a close operation.
type CloseResult struct {
	FinalOffset   offsetcodec.Offset
	AlreadyClosed bool
}

// ClosedByProducer tracks which producer closed the stream, for idempotent
// duplicate detection on a retried close.
type ClosedByProducer struct {
	ProducerId string
	Epoch      int64
	Seq        int64
}

// CreateOptions contains options for creating a stream.
type CreateOptions struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	InitialData []byte
	Closed      bool
}

// AppendOptions contains options for appending to a stream.
type AppendOptions struct {
	Seq         string // Stream-Seq header value for application-layer coordination
	ContentType string
	Close       bool // Stream-Closed: true on this append

	// Idempotent producer fields: all must be set together, or none.
	ProducerId    string
	ProducerEpoch *int64
	ProducerSeq   *int64

	// AutoClaim, set from the Producer-Auto-Claim: true request header, lets
	// a stale (lower) incoming epoch claim the producer: the server sets the
	// stored epoch to one above the current one instead of rejecting with
	// 403. A higher incoming epoch is accepted whether or not AutoClaim is set.
	AutoClaim bool
}

// HasProducerHeaders returns true if any producer headers are set.
func (o AppendOptions) HasProducerHeaders() bool {
	return o.ProducerId != "" || o.ProducerEpoch != nil || o.ProducerSeq != nil
}

// HasAllProducerHeaders returns true if all producer headers are set.
func (o AppendOptions) HasAllProducerHeaders() bool {
	return o.ProducerId != "" && o.ProducerEpoch != nil && o.ProducerSeq != nil
}

// Message is a single message in a stream.
type Message struct {
	Data   []byte
	Offset offsetcodec.Offset
}

// StreamMetadata describes a stream's configuration and current state.
type StreamMetadata struct {
	Path          string
	ContentType   string
	CurrentOffset offsetcodec.Offset
	LastSeq       string
	TTLSeconds    *int64
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	Producers     map[string]*ProducerState
	Closed        bool
	ClosedBy      *ClosedByProducer
}

// IsExpired reports whether the stream has passed its TTL or ExpiresAt.
func (m *StreamMetadata) IsExpired() bool {
	now := time.Now()
	if m.ExpiresAt != nil && now.After(*m.ExpiresAt) {
		return true
	}
	if m.TTLSeconds != nil && now.After(m.CreatedAt.Add(time.Duration(*m.TTLSeconds)*time.Second)) {
		return true
	}
	return false
}

// ConfigMatches reports whether opts describes the same stream configuration
// as m, which is what makes a repeated Create idempotent.
func (m *StreamMetadata) ConfigMatches(opts CreateOptions) bool {
	if !ContentTypeMatches(m.ContentType, opts.ContentType) {
		return false
	}
	if (m.TTLSeconds == nil) != (opts.TTLSeconds == nil) {
		return false
	}
	if m.TTLSeconds != nil && opts.TTLSeconds != nil && *m.TTLSeconds != *opts.TTLSeconds {
		return false
	}
	if (m.ExpiresAt == nil) != (opts.ExpiresAt == nil) {
		return false
	}
	if m.ExpiresAt != nil && opts.ExpiresAt != nil && !m.ExpiresAt.Equal(*opts.ExpiresAt) {
		return false
	}
	if m.Closed != opts.Closed {
		return false
	}
	return true
}

// ContentTypeMatches compares two content types, ignoring parameters and case.
func ContentTypeMatches(a, b string) bool {
	if a == "" {
		a = "application/octet-stream"
	}
	if b == "" {
		b = "application/octet-stream"
	}
	return strings.EqualFold(offsetcodec.ExtractMediaType(a), offsetcodec.ExtractMediaType(b))
}

// Store is the interface for durable stream storage. Both MemoryStore and
// BoltStore implement it identically; callers never branch on which backend
// is in use.
type Store interface {
	// Create creates a new stream. Returns ErrConfigMismatch if a stream
	// already exists at path with a different configuration. The bool
	// result is true only when a new stream was created; a repeated Create
	// with matching config returns (existing metadata, false, nil).
	Create(path string, opts CreateOptions) (*StreamMetadata, bool, error)

	// Get returns a stream's metadata, or ErrStreamNotFound.
	Get(path string) (*StreamMetadata, error)

	// Has reports whether a live (non-expired) stream exists at path.
	Has(path string) bool

	// Delete removes a stream, incrementing the generation any future
	// Create at the same path will start from. Returns ErrStreamNotFound.
	Delete(path string) error

	// Append adds data to a stream and returns its new tail offset.
	Append(path string, data []byte, opts AppendOptions) (AppendResult, error)

	// CloseStream closes a stream without appending data. Closing an
	// already-closed stream succeeds and reports AlreadyClosed.
	CloseStream(path string) (*CloseResult, error)

	// Read returns messages strictly after offset, and whether the reader
	// is now caught up to the stream's tail.
	Read(path string, offset offsetcodec.Offset) ([]Message, bool, error)

	// WaitForMessages blocks until messages are available after offset,
	// the timeout elapses, ctx is cancelled, or the stream is closed.
	WaitForMessages(ctx context.Context, path string, offset offsetcodec.Offset, timeout time.Duration) (messages []Message, timedOut bool, streamClosed bool, err error)

	// GetCurrentOffset returns a stream's current tail offset.
	GetCurrentOffset(path string) (offsetcodec.Offset, error)

	// Close releases resources held by the store.
	Close() error
}

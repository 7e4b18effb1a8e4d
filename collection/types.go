// Package collection materializes a stream of change events into
// keyed, queryable state — the schema overlay sitting on top of a
// durable stream's raw byte log.
package collection

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Operation discriminates how a ChangeEvent mutates its collection.
type Operation string

const (
	OpInsert   Operation = "insert"
	OpUpdate   Operation = "update"
	OpDelete   Operation = "delete"
	OpUpsert   Operation = "upsert"
	OpTruncate Operation = "truncate"
)

// Headers carries the operation kind and an optional transaction id used
// to synchronize writers and readers via AwaitTxID.
type Headers struct {
	Operation Operation `json:"operation"`
	TxID      string    `json:"txid,omitempty"`
}

// ChangeEvent is one entry in a collection's materialization log.
//
// Type discriminates which collection the event belongs to (a single
// stream may interleave events for several collections); Key is the
// primary key; Value/OldValue carry the new/previous value where the
// operation needs them.
type ChangeEvent[T any] struct {
	Type     string          `json:"type"`
	Key      string          `json:"key"`
	Value    *T              `json:"value,omitempty"`
	OldValue *T              `json:"old_value,omitempty"`
	Headers  Headers         `json:"headers"`
}

// ControlEvent is a log entry that is not a ChangeEvent but a directive
// to the collection overlay itself, currently only "reset" (truncate
// every collection sharing the stream).
type ControlEvent struct {
	Control string `json:"control"`
}

var (
	// ErrEmptyKey is returned when a ChangeEvent resolves to an empty
	// primary key.
	ErrEmptyKey = errors.New("collection: primary key must not be empty")

	// ErrTypeCollision is returned when two collections declare the same
	// Type within one Manager.
	ErrTypeCollision = errors.New("collection: duplicate type in manager")

	// ErrSchemaValidation is returned when a value fails its schema
	// validator.
	ErrSchemaValidation = errors.New("collection: schema validation failed")
)

// SchemaValidator validates a value before it is applied to a
// collection. Returning a non-nil error rejects the event.
type SchemaValidator[T any] func(value T) error

// SchemaValidationError wraps a validator failure with the collection's
// Type and the event's Key, for diagnostics.
type SchemaValidationError struct {
	Type string
	Key  string
	Err  error
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("collection: schema validation failed for %s[%s]: %v", e.Type, e.Key, e.Err)
}

func (e *SchemaValidationError) Unwrap() error { return e.Err }

// Is reports whether target is ErrSchemaValidation, so errors.Is matches it.
func (e *SchemaValidationError) Is(target error) bool { return target == ErrSchemaValidation }

// keyOf derives the primary key for a value via the given field accessor,
// defaulting to the value's JSON-marshaled primaryKey field when accessor
// is nil. Mirrors spec's "key defaults to String(value[primaryKey])".
func keyOf[T any](value T, primaryKey string, keyFunc func(T) string) (string, error) {
	if keyFunc != nil {
		k := keyFunc(value)
		if k == "" {
			return "", ErrEmptyKey
		}
		return k, nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("collection: marshal value for key extraction: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", fmt.Errorf("collection: value is not a JSON object: %w", err)
	}

	field, ok := fields[primaryKey]
	if !ok {
		return "", fmt.Errorf("collection: primary key field %q missing", primaryKey)
	}

	var asString string
	if err := json.Unmarshal(field, &asString); err == nil {
		if asString == "" {
			return "", ErrEmptyKey
		}
		return asString, nil
	}

	key := string(field)
	if key == "" || key == "null" {
		return "", ErrEmptyKey
	}
	return key, nil
}

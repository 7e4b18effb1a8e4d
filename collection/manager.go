package collection

import (
	"encoding/json"
	"fmt"
	"sync"
)

// RawChangeEvent is the wire shape of a ChangeEvent before it is typed
// against a specific collection's value type.
type RawChangeEvent struct {
	Type     string          `json:"type"`
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value,omitempty"`
	OldValue json.RawMessage `json:"old_value,omitempty"`
	Headers  Headers         `json:"headers"`
}

// typedCollection is the type-erased surface a Manager drives; each
// Collection[T] satisfies it.
type typedCollection interface {
	Type() string
	applyRaw(event RawChangeEvent) error
	Truncate()
	MarkReady()
}

func (c *Collection[T]) applyRaw(raw RawChangeEvent) error {
	event := ChangeEvent[T]{
		Type:    raw.Type,
		Key:     raw.Key,
		Headers: raw.Headers,
	}
	if len(raw.Value) > 0 {
		var v T
		if err := json.Unmarshal(raw.Value, &v); err != nil {
			return fmt.Errorf("collection: decode value for type %q: %w", raw.Type, err)
		}
		event.Value = &v
	}
	if len(raw.OldValue) > 0 {
		var v T
		if err := json.Unmarshal(raw.OldValue, &v); err != nil {
			return fmt.Errorf("collection: decode old_value for type %q: %w", raw.Type, err)
		}
		event.OldValue = &v
	}
	return c.Apply(event)
}

// Manager applies a single stream's interleaved change-event log to the
// set of collections registered against it, keyed by each collection's
// declared Type. markReady is deferred on every member collection until
// the first up-to-date batch is observed.
type Manager struct {
	mu          sync.RWMutex
	collections map[string]typedCollection
}

// NewManager creates an empty collection manager.
func NewManager() *Manager {
	return &Manager{collections: make(map[string]typedCollection)}
}

// Register adds a collection to the manager. Returns ErrTypeCollision if
// another collection already claims the same Type.
func Register[T any](m *Manager, c *Collection[T]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.collections[c.Type()]; exists {
		return fmt.Errorf("%w: %q", ErrTypeCollision, c.Type())
	}
	m.collections[c.Type()] = c
	return nil
}

// Collections looks up a previously registered collection by type,
// returning it as its concrete *Collection[T]. Returns false if absent
// or registered under a different T.
func Collections[T any](m *Manager, typeName string) (*Collection[T], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tc, ok := m.collections[typeName]
	if !ok {
		return nil, false
	}
	c, ok := tc.(*Collection[T])
	return c, ok
}

// ApplyBatch applies every event in a decoded log batch, in order, to
// whichever registered collection claims its Type. Events for unknown
// types are ignored (a router may multiplex several unrelated
// collections over one stream). If upToDate is true (the batch reached
// stream head), every registered collection's MarkReady is called after
// the batch is applied.
func (m *Manager) ApplyBatch(events []RawChangeEvent, upToDate bool) error {
	m.mu.RLock()
	collections := make([]typedCollection, 0, len(m.collections))
	byType := make(map[string]typedCollection, len(m.collections))
	for t, c := range m.collections {
		collections = append(collections, c)
		byType[t] = c
	}
	m.mu.RUnlock()

	for _, event := range events {
		c, ok := byType[event.Type]
		if !ok {
			continue
		}
		if err := c.applyRaw(event); err != nil {
			return err
		}
	}

	if upToDate {
		for _, c := range collections {
			c.MarkReady()
		}
	}
	return nil
}

// ApplyControl handles a {control: "reset"} log entry by truncating every
// registered collection.
func (m *Manager) ApplyControl(event ControlEvent) {
	if event.Control != "reset" {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.collections {
		c.Truncate()
	}
}

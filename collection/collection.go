package collection

import (
	"context"
	"sync"
	"time"
)

// Collection is a materialized, keyed view over a subset of change
// events sharing one Type. It is safe for concurrent use.
type Collection[T any] struct {
	typeName   string
	primaryKey string
	keyFunc    func(T) string
	validator  SchemaValidator[T]

	mu       sync.RWMutex
	data     map[string]T
	ready    bool
	readyCh  chan struct{}
	txIDs    map[string]struct{}
	txWaiter map[string]chan struct{}
}

// NewCollection creates a collection for the given event Type and
// primary key field. keyFunc, if non-nil, overrides the default
// JSON-field key extraction. validator, if non-nil, runs against every
// inserted/updated/upserted value.
func NewCollection[T any](typeName, primaryKey string, keyFunc func(T) string, validator SchemaValidator[T]) *Collection[T] {
	return &Collection[T]{
		typeName:   typeName,
		primaryKey: primaryKey,
		keyFunc:    keyFunc,
		validator:  validator,
		data:       make(map[string]T),
		readyCh:    make(chan struct{}),
		txIDs:      make(map[string]struct{}),
		txWaiter:   make(map[string]chan struct{}),
	}
}

// Type returns the collection's event-type discriminator.
func (c *Collection[T]) Type() string { return c.typeName }

// Ready reports whether the collection has processed at least one
// up-to-date batch (i.e. has caught up to the live stream head).
func (c *Collection[T]) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// WaitReady blocks until the collection becomes ready or ctx is done.
func (c *Collection[T]) WaitReady(ctx context.Context) error {
	c.mu.RLock()
	ch := c.readyCh
	ready := c.ready
	c.mu.RUnlock()
	if ready {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns the current value for key.
func (c *Collection[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// Snapshot returns a shallow copy of every key/value currently held.
func (c *Collection[T]) Snapshot() map[string]T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]T, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// Apply materializes one ChangeEvent. Events for a different Type are
// ignored (a Manager routes by Type before calling Apply).
func (c *Collection[T]) Apply(event ChangeEvent[T]) error {
	if event.Type != c.typeName {
		return nil
	}

	switch event.Headers.Operation {
	case OpInsert, OpUpdate:
		if event.Value == nil {
			return ErrEmptyKey
		}
		if err := c.validate(*event.Value); err != nil {
			return err
		}
		key, err := c.resolveKey(event)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.data[key] = *event.Value
		c.mu.Unlock()

	case OpUpsert:
		if event.Value == nil {
			return ErrEmptyKey
		}
		if err := c.validate(*event.Value); err != nil {
			return err
		}
		key, err := c.resolveKey(event)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.data[key] = *event.Value
		c.mu.Unlock()

	case OpDelete:
		key := event.Key
		if key == "" && event.OldValue != nil {
			resolved, err := keyOf(*event.OldValue, c.primaryKey, c.keyFunc)
			if err != nil {
				return err
			}
			key = resolved
		}
		if key == "" {
			return ErrEmptyKey
		}
		c.mu.Lock()
		delete(c.data, key)
		c.mu.Unlock()

	case OpTruncate:
		c.Truncate()
	}

	if event.Headers.TxID != "" {
		c.commitTxID(event.Headers.TxID)
	}

	return nil
}

func (c *Collection[T]) resolveKey(event ChangeEvent[T]) (string, error) {
	if event.Key != "" {
		return event.Key, nil
	}
	return keyOf(*event.Value, c.primaryKey, c.keyFunc)
}

func (c *Collection[T]) validate(value T) error {
	if c.validator == nil {
		return nil
	}
	if err := c.validator(value); err != nil {
		return &SchemaValidationError{Type: c.typeName, Err: err}
	}
	return nil
}

// Truncate resets the collection to empty, per a {control: "reset"} log
// entry or an explicit upsert-table truncate operation.
func (c *Collection[T]) Truncate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]T)
}

// MarkReady marks the collection ready, deferred by the caller until the
// first up-to-date batch arrives. Idempotent.
func (c *Collection[T]) MarkReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return
	}
	c.ready = true
	close(c.readyCh)
}

func (c *Collection[T]) commitTxID(txid string) {
	c.mu.Lock()
	c.txIDs[txid] = struct{}{}
	waiter, ok := c.txWaiter[txid]
	if ok {
		delete(c.txWaiter, txid)
	}
	c.mu.Unlock()

	if ok {
		close(waiter)
	}
}

// AwaitTxID blocks until txid has been committed to this collection, ctx
// is done, or timeout elapses (timeout <= 0 disables the timeout and
// relies solely on ctx).
func (c *Collection[T]) AwaitTxID(ctx context.Context, txid string, timeout time.Duration) error {
	c.mu.Lock()
	if _, ok := c.txIDs[txid]; ok {
		c.mu.Unlock()
		return nil
	}
	waiter, ok := c.txWaiter[txid]
	if !ok {
		waiter = make(chan struct{})
		c.txWaiter[txid] = waiter
	}
	c.mu.Unlock()

	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-waiter:
		return nil
	case <-waitCtx.Done():
		return waitCtx.Err()
	}
}

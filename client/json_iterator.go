package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
)

// Batch contains parsed JSON items from one HTTP response. Each batch
// corresponds to a single chunk from the stream.
type Batch[T any] struct {
	// Items are the parsed JSON values from this response. Per protocol,
	// top-level arrays are flattened one level.
	Items []T

	// NextOffset is the position after this batch.
	NextOffset Offset

	// UpToDate is true if this batch ends at stream head.
	UpToDate bool

	// Cursor for CDN collapsing (propagated automatically by the iterator).
	Cursor string
}

// JSONBatchIterator iterates over JSON batches from a stream. Each batch
// corresponds to one HTTP response containing JSON data. Top-level arrays
// in the response are automatically flattened.
//
//	it := client.ReadJSON[Event](ctx, stream)
//	defer it.Close()
//
//	for {
//	    batch, err := it.Next()
//	    if errors.Is(err, client.Done) {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    for _, event := range batch.Items {
//	        process(event)
//	    }
//	}
type JSONBatchIterator[T any] struct {
	chunks *ChunkIterator

	// Offset is the current position, mirrored from the underlying iterator.
	Offset Offset

	// UpToDate is true when the iterator has caught up to stream head.
	UpToDate bool

	// Cursor is the current cursor value.
	Cursor string
}

func newJSONBatchIterator[T any](chunks *ChunkIterator) *JSONBatchIterator[T] {
	return &JSONBatchIterator[T]{
		chunks:   chunks,
		Offset:   chunks.Offset,
		UpToDate: chunks.UpToDate,
		Cursor:   chunks.Cursor,
	}
}

// Next returns the next batch of JSON items from the stream. Returns Done
// when iteration is complete. In live mode, blocks waiting for new data.
//
// If the response body is a JSON array, items are flattened into the
// batch; a single JSON object yields a one-item batch.
func (it *JSONBatchIterator[T]) Next() (*Batch[T], error) {
	chunk, err := it.chunks.Next()
	if err != nil {
		if errors.Is(err, Done) {
			it.Offset = it.chunks.Offset
			it.UpToDate = it.chunks.UpToDate
			it.Cursor = it.chunks.Cursor
		}
		return nil, err
	}

	if len(chunk.Data) == 0 {
		it.Offset = chunk.NextOffset
		it.UpToDate = chunk.UpToDate
		it.Cursor = chunk.Cursor
		return &Batch[T]{
			NextOffset: chunk.NextOffset,
			UpToDate:   chunk.UpToDate,
			Cursor:     chunk.Cursor,
		}, nil
	}

	items, err := parseJSONBatch[T](chunk.Data)
	if err != nil {
		return nil, newStreamError("read", it.chunks.stream.url, 0, err)
	}

	it.Offset = chunk.NextOffset
	it.UpToDate = chunk.UpToDate
	it.Cursor = chunk.Cursor

	return &Batch[T]{
		Items:      items,
		NextOffset: chunk.NextOffset,
		UpToDate:   chunk.UpToDate,
		Cursor:     chunk.Cursor,
	}, nil
}

// Close cancels the iterator and releases resources. Implements
// io.Closer.
func (it *JSONBatchIterator[T]) Close() error {
	return it.chunks.Close()
}

var _ io.Closer = (*JSONBatchIterator[any])(nil)

// parseJSONBatch parses JSON data, flattening top-level arrays one level.
func parseJSONBatch[T any](data []byte) ([]T, error) {
	var items []T
	if err := json.Unmarshal(data, &items); err == nil {
		return items, nil
	}

	var item T
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, errors.New("invalid JSON: " + err.Error())
	}

	return []T{item}, nil
}

// ReadJSON returns an iterator for reading JSON batches. Only valid for
// streams with Content-Type: application/json.
func ReadJSON[T any](ctx context.Context, stream *Stream, opts ...ReadOption) *JSONBatchIterator[T] {
	chunks := stream.Read(ctx, opts...)
	return newJSONBatchIterator[T](chunks)
}

// Items returns a channel that yields individual items from the stream,
// flattening batches. The channel closes when iteration completes or
// errors; errors are reported via the second channel.
//
//	items, errs := client.Items[Event](ctx, stream)
//	for {
//	    select {
//	    case item, ok := <-items:
//	        if !ok {
//	            return nil
//	        }
//	        process(item)
//	    case err := <-errs:
//	        return err
//	    }
//	}
func Items[T any](ctx context.Context, stream *Stream, opts ...ReadOption) (<-chan T, <-chan error) {
	items := make(chan T)
	errs := make(chan error, 1)

	go func() {
		defer close(items)
		defer close(errs)

		it := ReadJSON[T](ctx, stream, opts...)
		defer it.Close()

		for {
			batch, err := it.Next()
			if errors.Is(err, Done) {
				return
			}
			if err != nil {
				errs <- err
				return
			}

			for _, item := range batch.Items {
				select {
				case items <- item:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}
	}()

	return items, errs
}

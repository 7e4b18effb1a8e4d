package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/durablestreams/durablestreams/client/internal/sse"
)

// Chunk represents one HTTP response body from the stream.
type Chunk struct {
	// NextOffset is the position after this chunk. Use this for
	// resumption/checkpointing.
	NextOffset Offset

	// Data is the raw bytes from this response.
	Data []byte

	// UpToDate is true if this chunk ends at stream head.
	UpToDate bool

	// Cursor for CDN collapsing (propagated automatically by the iterator).
	Cursor string

	// ETag for conditional requests.
	ETag string
}

// ChunkIterator iterates over raw byte chunks from the stream. Call Next()
// in a loop until it returns Done.
//
// The iterator automatically:
//   - Propagates cursor headers for CDN compatibility
//   - Handles 304 Not Modified responses (advances state, no error)
//   - Handles 204 No Content for long-poll timeouts
//   - Parses SSE events when in SSE mode
//
// Always call Close() when done to release resources.
type ChunkIterator struct {
	stream   *Stream
	ctx      context.Context
	cancel   context.CancelFunc
	offset   Offset
	live     LiveMode
	cursor   string
	headers  map[string]string
	timeout  time.Duration
	encoding string

	// Offset is the current position in the stream, updated after each
	// successful Next().
	Offset Offset

	// UpToDate is true when the iterator has caught up to stream head.
	UpToDate bool

	// Cursor is the current cursor value (advanced use / debugging).
	Cursor string

	mu       sync.Mutex
	closed   bool
	doneOnce bool

	sseParser   *sse.Parser
	sseResponse *http.Response
	ssePending  *Chunk
}

// Next returns the next chunk of bytes from the stream. Returns Done when
// iteration is complete (live=false and caught up). In live mode, blocks
// waiting for new data.
//
//	for {
//	    chunk, err := it.Next()
//	    if errors.Is(err, client.Done) {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Printf("Got %d bytes at offset %s\n", len(chunk.Data), chunk.NextOffset)
//	}
func (it *ChunkIterator) Next() (*Chunk, error) {
	it.mu.Lock()
	if it.closed {
		it.mu.Unlock()
		return nil, ErrAlreadyClosed
	}
	if it.doneOnce {
		it.mu.Unlock()
		return nil, Done
	}
	it.mu.Unlock()

	select {
	case <-it.ctx.Done():
		return nil, it.ctx.Err()
	default:
	}

	if it.live == LiveModeSSE {
		return it.nextSSE()
	}
	return it.nextHTTP()
}

// nextHTTP handles regular HTTP requests (catch-up and long-poll).
func (it *ChunkIterator) nextHTTP() (*Chunk, error) {
	readURL := it.stream.buildReadURL(it.offset, it.live, it.cursor, "")

	req, err := http.NewRequestWithContext(it.ctx, http.MethodGet, readURL, nil)
	if err != nil {
		return nil, newStreamError("read", it.stream.url, 0, err)
	}
	for k, v := range it.headers {
		req.Header.Set(k, v)
	}

	resp, err := it.stream.client.httpClient.Do(req)
	if err != nil {
		if it.ctx.Err() != nil {
			return nil, it.ctx.Err()
		}
		return nil, newStreamError("read", it.stream.url, 0, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, newStreamError("read", it.stream.url, resp.StatusCode, err)
		}

		nextOffset := Offset(resp.Header.Get(headerStreamOffset))
		cursor := resp.Header.Get(headerStreamCursor)
		upToDate := resp.Header.Get(headerStreamUpToDate) == "true"
		etag := resp.Header.Get(headerETag)

		it.mu.Lock()
		it.offset = nextOffset
		it.cursor = cursor
		it.Offset = nextOffset
		it.Cursor = cursor
		it.UpToDate = upToDate
		if upToDate && it.live == LiveModeNone {
			it.doneOnce = true
		}
		it.mu.Unlock()

		return &Chunk{
			NextOffset: nextOffset,
			Data:       data,
			UpToDate:   upToDate,
			Cursor:     cursor,
			ETag:       etag,
		}, nil

	case http.StatusNoContent:
		nextOffset := Offset(resp.Header.Get(headerStreamOffset))
		cursor := resp.Header.Get(headerStreamCursor)
		upToDate := resp.Header.Get(headerStreamUpToDate) == "true"

		it.mu.Lock()
		if nextOffset != "" {
			it.offset = nextOffset
			it.Offset = nextOffset
		}
		if cursor != "" {
			it.cursor = cursor
			it.Cursor = cursor
		}
		it.UpToDate = upToDate

		if it.live == LiveModeNone {
			it.doneOnce = true
			it.mu.Unlock()
			return nil, Done
		}
		it.mu.Unlock()

		return &Chunk{
			NextOffset: nextOffset,
			Data:       nil,
			UpToDate:   upToDate,
			Cursor:     cursor,
		}, nil

	case http.StatusNotModified:
		if cursor := resp.Header.Get(headerStreamCursor); cursor != "" {
			it.mu.Lock()
			it.cursor = cursor
			it.Cursor = cursor
			it.mu.Unlock()
		}
		return &Chunk{
			NextOffset: it.offset,
			Data:       nil,
			UpToDate:   it.UpToDate,
			Cursor:     it.cursor,
		}, nil

	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, newStreamError("read", it.stream.url, resp.StatusCode, ErrStreamNotFound)

	case http.StatusGone:
		io.Copy(io.Discard, resp.Body)
		return nil, newStreamError("read", it.stream.url, resp.StatusCode, ErrOffsetGone)

	default:
		io.Copy(io.Discard, resp.Body)
		return nil, newStreamError("read", it.stream.url, resp.StatusCode, errorFromStatus(resp.StatusCode))
	}
}

// nextSSE handles SSE streaming mode.
func (it *ChunkIterator) nextSSE() (*Chunk, error) {
	it.mu.Lock()
	if it.ssePending != nil {
		chunk := it.ssePending
		it.ssePending = nil
		it.mu.Unlock()
		return chunk, nil
	}
	it.mu.Unlock()

	if it.sseParser == nil {
		if err := it.establishSSEConnection(); err != nil {
			return nil, err
		}
	}

	for {
		event, err := it.sseParser.Next()
		if err != nil {
			it.closeSSEConnection()

			if err == io.EOF {
				if it.ctx.Err() != nil {
					return nil, it.ctx.Err()
				}
				if err := it.establishSSEConnection(); err != nil {
					return nil, err
				}
				continue
			}

			if it.ctx.Err() != nil {
				return nil, it.ctx.Err()
			}
			return nil, newStreamError("read", it.stream.url, 0, err)
		}

		switch e := event.(type) {
		case sse.DataEvent:
			decoded, decodeErr := it.decodeSSEData(e.Data)
			if decodeErr != nil {
				return nil, newStreamError("read", it.stream.url, 0, decodeErr)
			}

			it.mu.Lock()
			if it.ssePending == nil {
				it.ssePending = &Chunk{Data: decoded}
			} else {
				it.ssePending.Data = append(it.ssePending.Data, decoded...)
			}
			it.mu.Unlock()

		case sse.ControlEvent:
			it.mu.Lock()
			it.offset = Offset(e.StreamNextOffset)
			it.Offset = Offset(e.StreamNextOffset)
			if e.StreamCursor != "" {
				it.cursor = e.StreamCursor
				it.Cursor = e.StreamCursor
			}
			it.UpToDate = e.UpToDate

			if it.ssePending != nil {
				chunk := it.ssePending
				chunk.NextOffset = Offset(e.StreamNextOffset)
				chunk.Cursor = e.StreamCursor
				chunk.UpToDate = e.UpToDate
				it.ssePending = nil
				it.mu.Unlock()
				return chunk, nil
			}
			it.mu.Unlock()

			if e.UpToDate {
				return &Chunk{
					NextOffset: Offset(e.StreamNextOffset),
					Cursor:     e.StreamCursor,
					UpToDate:   true,
				}, nil
			}
		}
	}
}

// decodeSSEData applies the negotiated wire encoding to one SSE data
// event's payload. Only "base64" is defined; anything else passes through
// unchanged, preserving binary-unsafe-but-simpler raw SSE for text
// streams.
func (it *ChunkIterator) decodeSSEData(data string) ([]byte, error) {
	if it.encoding != "base64" {
		return []byte(data), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("sse: invalid base64 data event: %w", err)
	}
	return decoded, nil
}

// establishSSEConnection creates a new SSE connection.
func (it *ChunkIterator) establishSSEConnection() error {
	readURL := it.stream.buildReadURL(it.offset, LiveModeSSE, it.cursor, it.encoding)

	req, err := http.NewRequestWithContext(it.ctx, http.MethodGet, readURL, nil)
	if err != nil {
		return newStreamError("read", it.stream.url, 0, err)
	}

	req.Header.Set("Accept", "text/event-stream")
	for k, v := range it.headers {
		req.Header.Set(k, v)
	}

	resp, err := it.stream.client.httpClient.Do(req)
	if err != nil {
		if it.ctx.Err() != nil {
			return it.ctx.Err()
		}
		return newStreamError("read", it.stream.url, 0, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		contentType := resp.Header.Get("Content-Type")
		if !strings.HasPrefix(contentType, "text/event-stream") {
			resp.Body.Close()
			return newStreamError("read", it.stream.url, resp.StatusCode, ErrContentTypeMismatch)
		}

		it.mu.Lock()
		it.sseResponse = resp
		it.sseParser = sse.NewParser(resp.Body)
		it.mu.Unlock()
		return nil

	case http.StatusBadRequest:
		resp.Body.Close()
		return newStreamError("read", it.stream.url, resp.StatusCode, ErrContentTypeMismatch)

	case http.StatusNotFound:
		resp.Body.Close()
		return newStreamError("read", it.stream.url, resp.StatusCode, ErrStreamNotFound)

	default:
		resp.Body.Close()
		return newStreamError("read", it.stream.url, resp.StatusCode, errorFromStatus(resp.StatusCode))
	}
}

// closeSSEConnection closes the current SSE connection.
func (it *ChunkIterator) closeSSEConnection() {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.sseResponse != nil {
		it.sseResponse.Body.Close()
		it.sseResponse = nil
	}
	it.sseParser = nil
}

// Close cancels the iterator and releases resources. Always call Close
// when done, even if iteration completed. Implements io.Closer.
func (it *ChunkIterator) Close() error {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.closed {
		return nil
	}

	it.closed = true
	it.cancel()

	if it.sseResponse != nil {
		it.sseResponse.Body.Close()
		it.sseResponse = nil
	}
	it.sseParser = nil

	return nil
}

var _ io.Closer = (*ChunkIterator)(nil)

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// normalizeContentType extracts the media type before any semicolon
// parameter and lowercases it.
func normalizeContentType(contentType string) string {
	if contentType == "" {
		return ""
	}
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.TrimSpace(strings.ToLower(contentType))
}

const (
	headerProducerID          = "Producer-Id"
	headerProducerEpoch       = "Producer-Epoch"
	headerProducerSeq         = "Producer-Seq"
	headerProducerExpectedSeq = "Producer-Expected-Seq"
	headerProducerReceivedSeq = "Producer-Received-Seq"
	headerProducerAutoClaim   = "Producer-Auto-Claim"
)

// Errors for idempotent producer operations.
var (
	// ErrProducerClosed is returned when Append is called on a closed
	// producer.
	ErrProducerClosed = errors.New("producer is closed")

	// ErrStaleEpoch is returned when the producer's epoch is stale
	// (zombie fencing).
	ErrStaleEpoch = errors.New("producer epoch is stale")

	// ErrSequenceGap is returned when a sequence gap is detected.
	ErrSequenceGap = errors.New("sequence gap detected")

	// ErrAutoClaimConcurrency is returned when AutoClaim is enabled with
	// MaxInFlight > 1: concurrent batches would race to claim epochs.
	ErrAutoClaimConcurrency = errors.New("autoClaim requires MaxInFlight=1; concurrent batches would race to claim epochs")
)

// StaleEpochError provides details about a stale epoch rejection.
type StaleEpochError struct {
	// CurrentEpoch is the epoch the server has for this producer.
	CurrentEpoch int
}

func (e *StaleEpochError) Error() string {
	return fmt.Sprintf("producer epoch is stale: server has epoch %d", e.CurrentEpoch)
}

func (e *StaleEpochError) Unwrap() error { return ErrStaleEpoch }

// SequenceGapError provides details about a sequence gap.
type SequenceGapError struct {
	ExpectedSeq int
	ReceivedSeq int
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap: expected %d, received %d", e.ExpectedSeq, e.ReceivedSeq)
}

func (e *SequenceGapError) Unwrap() error { return ErrSequenceGap }

// IdempotentAppendResult contains the result of an idempotent append.
type IdempotentAppendResult struct {
	// Offset is the stream offset after append (empty for duplicates).
	Offset Offset

	// Duplicate is true if this was a duplicate (204 response).
	Duplicate bool
}

type pendingEntry struct {
	data     []byte
	jsonData json.RawMessage
	result   chan idempotentResult
}

type idempotentResult struct {
	result IdempotentAppendResult
	err    error
}

// IdempotentProducerConfig configures an idempotent producer.
type IdempotentProducerConfig struct {
	// Epoch is the starting epoch (default 0).
	Epoch int

	// AutoClaim enables automatic epoch claiming on a 403 stale-epoch
	// rejection.
	AutoClaim bool

	// MaxBatchBytes is the maximum batch size before sending (default 1MB).
	MaxBatchBytes int

	// LingerMs is the maximum time to wait before sending a batch
	// (default 5ms).
	LingerMs int

	// MaxInFlight is the maximum concurrent batches (default 5). Must be
	// 1 if AutoClaim is set.
	MaxInFlight int

	// ContentType is the content type for appends (default
	// "application/octet-stream").
	ContentType string

	// OnError is called when a batch fails. Use with AppendAsync for
	// fire-and-forget; if nil, errors are only returned from Append or
	// discarded by AppendAsync.
	OnError func(error)
}

// DefaultIdempotentProducerConfig returns the default configuration.
func DefaultIdempotentProducerConfig() IdempotentProducerConfig {
	return IdempotentProducerConfig{
		Epoch:         0,
		AutoClaim:     false,
		MaxBatchBytes: 1024 * 1024,
		LingerMs:      5,
		MaxInFlight:   5,
		ContentType:   "application/octet-stream",
	}
}

// IdempotentProducer provides exactly-once write semantics using
// Kafka-style producer ids, epochs, and sequence numbers.
//
// Features:
//   - Fire-and-forget: Append returns immediately, batches in background
//   - Exactly-once: the server deduplicates on (producerId, epoch, seq)
//   - Batching: multiple appends batched into a single HTTP request
//   - Pipelining: up to MaxInFlight concurrent batches
//   - Zombie fencing: stale producers rejected via epoch validation
//
//	producer, _ := c.IdempotentProducer(streamURL, "order-service-1", client.IdempotentProducerConfig{
//	    Epoch:       0,
//	    AutoClaim:   true,
//	    MaxInFlight: 1,
//	})
//	defer producer.Close()
//
//	result1, err := producer.Append(ctx, []byte("message 1"))
//	result2, err := producer.Append(ctx, []byte("message 2"))
//
//	err = producer.Flush(ctx)
type IdempotentProducer struct {
	url        string
	producerID string
	client     *Client
	config     IdempotentProducerConfig

	mu       sync.Mutex
	epoch    int
	nextSeq  int
	closed   bool
	closedCh chan struct{}

	pendingBatch []pendingEntry
	batchBytes   int
	lingerTimer  *time.Timer

	inFlight   int
	inFlightWg sync.WaitGroup
}

// IdempotentProducer creates a new idempotent producer for a stream.
// Returns an error if AutoClaim is enabled with MaxInFlight > 1 (unsafe:
// concurrent batches would race to claim epochs).
func (c *Client) IdempotentProducer(url, producerID string, config IdempotentProducerConfig) (*IdempotentProducer, error) {
	if config.MaxBatchBytes == 0 {
		config.MaxBatchBytes = 1024 * 1024
	}
	if config.LingerMs == 0 {
		config.LingerMs = 5
	}
	if config.MaxInFlight == 0 {
		config.MaxInFlight = 5
	}
	if config.ContentType == "" {
		config.ContentType = "application/octet-stream"
	}

	if config.AutoClaim && config.MaxInFlight > 1 {
		return nil, ErrAutoClaimConcurrency
	}

	return &IdempotentProducer{
		url:        c.Stream(url).url,
		producerID: producerID,
		client:     c,
		config:     config,
		epoch:      config.Epoch,
		closedCh:   make(chan struct{}),
	}, nil
}

// Epoch returns the current epoch.
func (p *IdempotentProducer) Epoch() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}

// NextSeq returns the next sequence number to be assigned.
func (p *IdempotentProducer) NextSeq() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextSeq
}

// PendingCount returns the number of messages in the pending batch.
func (p *IdempotentProducer) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pendingBatch)
}

// InFlightCount returns the number of batches currently in flight.
func (p *IdempotentProducer) InFlightCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Append adds data to the stream with exactly-once semantics. The
// message is batched and sent when MaxBatchBytes is reached, LingerMs
// elapses, or Flush is called. Returns when the batch containing this
// message is acknowledged.
func (p *IdempotentProducer) Append(ctx context.Context, data []byte) (*IdempotentAppendResult, error) {
	resultCh := make(chan idempotentResult, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrProducerClosed
	}

	isJSON := normalizeContentType(p.config.ContentType) == "application/json"
	var jsonData json.RawMessage
	if isJSON {
		if !json.Valid(data) {
			p.mu.Unlock()
			return nil, newStreamError("append", p.url, 0, fmt.Errorf("invalid JSON"))
		}
		jsonData = json.RawMessage(data)
	}

	entry := pendingEntry{data: data, jsonData: jsonData, result: resultCh}
	p.pendingBatch = append(p.pendingBatch, entry)
	p.batchBytes += len(data)

	shouldSend := p.batchBytes >= p.config.MaxBatchBytes
	shouldStartTimer := !shouldSend && p.lingerTimer == nil

	if shouldSend {
		p.sendCurrentBatchLocked()
	} else if shouldStartTimer {
		p.lingerTimer = time.AfterFunc(time.Duration(p.config.LingerMs)*time.Millisecond, func() {
			p.mu.Lock()
			p.lingerTimer = nil
			if len(p.pendingBatch) > 0 {
				p.sendCurrentBatchLocked()
			}
			p.mu.Unlock()
		})
	}
	p.mu.Unlock()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return &res.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closedCh:
		return nil, ErrProducerClosed
	}
}

// AppendAsync adds data to the stream without waiting for acknowledgment:
// fire-and-forget, returning immediately after adding to the batch.
// Errors are reported via OnError if configured.
func (p *IdempotentProducer) AppendAsync(data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrProducerClosed
	}

	isJSON := normalizeContentType(p.config.ContentType) == "application/json"
	var jsonData json.RawMessage
	if isJSON {
		if !json.Valid(data) {
			p.mu.Unlock()
			return newStreamError("append", p.url, 0, fmt.Errorf("invalid JSON"))
		}
		jsonData = json.RawMessage(data)
	}

	entry := pendingEntry{data: data, jsonData: jsonData, result: nil}
	p.pendingBatch = append(p.pendingBatch, entry)
	p.batchBytes += len(data)

	shouldSend := p.batchBytes >= p.config.MaxBatchBytes
	shouldStartTimer := !shouldSend && p.lingerTimer == nil

	if shouldSend {
		p.sendCurrentBatchLocked()
	} else if shouldStartTimer {
		p.lingerTimer = time.AfterFunc(time.Duration(p.config.LingerMs)*time.Millisecond, func() {
			p.mu.Lock()
			p.lingerTimer = nil
			if len(p.pendingBatch) > 0 {
				p.sendCurrentBatchLocked()
			}
			p.mu.Unlock()
		})
	}
	p.mu.Unlock()

	return nil
}

// Flush sends any pending batch and waits for all in-flight batches to
// complete.
func (p *IdempotentProducer) Flush(ctx context.Context) error {
	p.mu.Lock()
	if p.lingerTimer != nil {
		p.lingerTimer.Stop()
		p.lingerTimer = nil
	}
	if len(p.pendingBatch) > 0 {
		p.sendCurrentBatchLocked()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inFlightWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes pending messages and closes the producer. After Close,
// further Append calls return ErrProducerClosed.
func (p *IdempotentProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closedCh)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return p.Flush(ctx)
}

// Restart increments the epoch and resets the sequence. Call this when
// restarting the producer to establish a new session.
func (p *IdempotentProducer) Restart(ctx context.Context) error {
	if err := p.Flush(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	p.epoch++
	p.nextSeq = 0
	p.mu.Unlock()
	return nil
}

// sendCurrentBatchLocked sends the current batch. Caller must hold p.mu.
func (p *IdempotentProducer) sendCurrentBatchLocked() {
	if len(p.pendingBatch) == 0 {
		return
	}
	if p.inFlight >= p.config.MaxInFlight {
		return
	}

	batch := p.pendingBatch
	seq := p.nextSeq

	p.pendingBatch = nil
	p.batchBytes = 0
	p.nextSeq++
	p.inFlight++
	p.inFlightWg.Add(1)

	go func() {
		defer func() {
			p.mu.Lock()
			p.inFlight--
			p.inFlightWg.Done()

			if len(p.pendingBatch) > 0 && p.inFlight < p.config.MaxInFlight {
				p.sendCurrentBatchLocked()
			}
			p.mu.Unlock()
		}()

		result, err := p.doSendBatch(context.Background(), batch, seq, p.epoch)

		if err != nil && p.config.OnError != nil {
			p.config.OnError(err)
		}

		res := idempotentResult{err: err}
		if err == nil {
			res.result = result
		}
		for _, entry := range batch {
			if entry.result != nil {
				select {
				case entry.result <- res:
				default:
				}
			}
		}
	}()
}

// doSendBatch sends a batch to the server.
func (p *IdempotentProducer) doSendBatch(ctx context.Context, batch []pendingEntry, seq, epoch int) (IdempotentAppendResult, error) {
	isJSON := normalizeContentType(p.config.ContentType) == "application/json"

	var batchedBody []byte
	if isJSON {
		values := make([]json.RawMessage, len(batch))
		for i, e := range batch {
			values[i] = e.jsonData
		}
		var err error
		batchedBody, err = json.Marshal(values)
		if err != nil {
			return IdempotentAppendResult{}, fmt.Errorf("json batch encode: %w", err)
		}
	} else {
		var totalSize int
		for _, e := range batch {
			totalSize += len(e.data)
		}
		batchedBody = make([]byte, 0, totalSize)
		for _, e := range batch {
			batchedBody = append(batchedBody, e.data...)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(batchedBody))
	if err != nil {
		return IdempotentAppendResult{}, err
	}

	req.Header.Set(headerContentType, p.config.ContentType)
	req.Header.Set(headerProducerID, p.producerID)
	req.Header.Set(headerProducerEpoch, strconv.Itoa(epoch))
	req.Header.Set(headerProducerSeq, strconv.Itoa(seq))
	if p.config.AutoClaim {
		req.Header.Set(headerProducerAutoClaim, "true")
	}

	resp, err := p.client.httpClient.Do(req)
	if err != nil {
		return IdempotentAppendResult{}, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return IdempotentAppendResult{Offset: "", Duplicate: true}, nil

	case http.StatusOK:
		offset := Offset(resp.Header.Get(headerStreamOffset))
		return IdempotentAppendResult{Offset: offset, Duplicate: false}, nil

	case http.StatusForbidden:
		currentEpochStr := resp.Header.Get(headerProducerEpoch)
		currentEpoch := epoch
		if currentEpochStr != "" {
			if parsed, err := strconv.Atoi(currentEpochStr); err == nil {
				currentEpoch = parsed
			}
		}

		if p.config.AutoClaim {
			newEpoch := currentEpoch + 1
			p.mu.Lock()
			p.epoch = newEpoch
			p.nextSeq = 1
			p.mu.Unlock()

			return p.doSendBatch(ctx, batch, 0, newEpoch)
		}

		return IdempotentAppendResult{}, &StaleEpochError{CurrentEpoch: currentEpoch}

	case http.StatusConflict:
		expectedSeqStr := resp.Header.Get(headerProducerExpectedSeq)
		receivedSeqStr := resp.Header.Get(headerProducerReceivedSeq)
		expectedSeq := 0
		receivedSeq := seq
		if expectedSeqStr != "" {
			if parsed, err := strconv.Atoi(expectedSeqStr); err == nil {
				expectedSeq = parsed
			}
		}
		if receivedSeqStr != "" {
			if parsed, err := strconv.Atoi(receivedSeqStr); err == nil {
				receivedSeq = parsed
			}
		}

		return IdempotentAppendResult{}, &SequenceGapError{
			ExpectedSeq: expectedSeq,
			ReceivedSeq: receivedSeq,
		}

	case http.StatusBadRequest:
		return IdempotentAppendResult{}, newStreamError("append", p.url, resp.StatusCode, ErrBadRequest)

	default:
		return IdempotentAppendResult{}, newStreamError("append", p.url, resp.StatusCode, errorFromStatus(resp.StatusCode))
	}
}

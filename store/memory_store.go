package store

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/durablestreams/durablestreams/offsetcodec"
)

// MemoryStore is an in-process Store, used by tests and as the default
// server configuration when no data directory is set.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*memoryStream
	// generations tracks the next generation to use for a path that has
	// been deleted, so a recreated stream's offsets never collide with its
	// predecessor's.
	generations map[string]uint64
	longPoll    *longPollManager

	producerLocks   map[string]*sync.Mutex
	producerLocksMu sync.Mutex
}

type memoryStream struct {
	metadata StreamMetadata
	messages []Message
}

type longPollManager struct {
	mu           sync.Mutex
	waiters      map[string][]chan struct{}
	closeWaiters map[string][]chan struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:       make(map[string]*memoryStream),
		generations:   make(map[string]uint64),
		longPoll:      &longPollManager{waiters: make(map[string][]chan struct{})},
		producerLocks: make(map[string]*sync.Mutex),
	}
}

// getProducerLock returns a per-(stream,producer) mutex serializing
// validation and append so concurrent retries from the same producer can't
// race each other into the table.
func (s *MemoryStore) getProducerLock(streamPath, producerId string) *sync.Mutex {
	key := streamPath + ":" + producerId
	s.producerLocksMu.Lock()
	defer s.producerLocksMu.Unlock()
	if mu, ok := s.producerLocks[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	s.producerLocks[key] = mu
	return mu
}

// validateProducer checks producer epoch/seq fencing and returns the
// outcome plus the producer state to persist on acceptance (nil if none).
func (s *MemoryStore) validateProducer(meta *StreamMetadata, opts AppendOptions) (AppendResult, *ProducerState, error) {
	epoch := *opts.ProducerEpoch
	seq := *opts.ProducerSeq

	var state *ProducerState
	if meta.Producers != nil {
		state = meta.Producers[opts.ProducerId]
	}

	if state == nil {
		if seq != 0 {
			return AppendResult{ProducerResult: ProducerResultNone, ExpectedSeq: 0, ReceivedSeq: seq}, nil, ErrProducerSeqGap
		}
		return AppendResult{ProducerResult: ProducerResultAccepted, LastSeq: 0},
			&ProducerState{Epoch: epoch, LastSeq: 0, LastUpdated: time.Now().Unix()}, nil
	}

	if epoch < state.Epoch {
		if opts.AutoClaim {
			// Server-opted claim: the caller explicitly asked to take over
			// the producer identity regardless of the epoch it presented.
			if seq != 0 {
				return AppendResult{ProducerResult: ProducerResultNone, ExpectedSeq: 0, ReceivedSeq: seq}, nil, ErrInvalidEpochSeq
			}
			return AppendResult{ProducerResult: ProducerResultClaimed, LastSeq: 0, CurrentEpoch: state.Epoch},
				&ProducerState{Epoch: state.Epoch + 1, LastSeq: 0, LastUpdated: time.Now().Unix()}, nil
		}
		return AppendResult{ProducerResult: ProducerResultNone, CurrentEpoch: state.Epoch}, nil, ErrStaleEpoch
	}

	if epoch > state.Epoch {
		if seq != 0 {
			return AppendResult{ProducerResult: ProducerResultNone}, nil, ErrInvalidEpochSeq
		}
		return AppendResult{ProducerResult: ProducerResultAccepted, LastSeq: 0},
			&ProducerState{Epoch: epoch, LastSeq: 0, LastUpdated: time.Now().Unix()}, nil
	}

	if seq <= state.LastSeq {
		return AppendResult{ProducerResult: ProducerResultDuplicate, LastSeq: state.LastSeq}, nil, nil
	}

	if seq == state.LastSeq+1 {
		return AppendResult{ProducerResult: ProducerResultAccepted, LastSeq: seq},
			&ProducerState{Epoch: epoch, LastSeq: seq, LastUpdated: time.Now().Unix()}, nil
	}

	return AppendResult{ProducerResult: ProducerResultNone, ExpectedSeq: state.LastSeq + 1, ReceivedSeq: seq}, nil, ErrProducerSeqGap
}

func (s *MemoryStore) Create(path string, opts CreateOptions) (*StreamMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.streams[path]; ok {
		if existing.metadata.IsExpired() {
			s.generations[path] = existing.metadata.CurrentOffset.Generation + 1
			delete(s.streams, path)
		} else if existing.metadata.ConfigMatches(opts) {
			meta := existing.metadata
			return &meta, false, nil
		} else {
			return nil, false, ErrConfigMismatch
		}
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	startOffset := offsetcodec.Offset{Generation: s.generations[path]}
	meta := StreamMetadata{
		Path:          path,
		ContentType:   contentType,
		CurrentOffset: startOffset,
		TTLSeconds:    opts.TTLSeconds,
		ExpiresAt:     opts.ExpiresAt,
		CreatedAt:     time.Now(),
		Closed:        opts.Closed,
	}

	stream := &memoryStream{metadata: meta, messages: make([]Message, 0)}

	if len(opts.InitialData) > 0 {
		newOffset, err := s.appendToStream(stream, opts.InitialData, true)
		if err != nil {
			return nil, false, err
		}
		stream.metadata.CurrentOffset = newOffset
	}

	s.streams[path] = stream
	result := stream.metadata
	return &result, true, nil
}

func (s *MemoryStore) Get(path string) (*StreamMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired() {
		return nil, ErrStreamNotFound
	}
	meta := stream.metadata
	return &meta, nil
}

func (s *MemoryStore) Has(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.streams[path]
	return ok && !stream.metadata.IsExpired()
}

func (s *MemoryStore) Delete(path string) error {
	s.mu.Lock()
	stream, ok := s.streams[path]
	if !ok {
		s.mu.Unlock()
		return ErrStreamNotFound
	}
	s.generations[path] = stream.metadata.CurrentOffset.Generation + 1
	delete(s.streams, path)
	s.mu.Unlock()

	// A deleted stream wakes its subscribers the same way a close does: a
	// long-poll/SSE reader blocked on this path sees Stream-Closed rather
	// than hanging until timeout.
	s.longPoll.notifyClosed(path)
	return nil
}

func (s *MemoryStore) Append(path string, data []byte, opts AppendOptions) (AppendResult, error) {
	if opts.HasProducerHeaders() && !opts.HasAllProducerHeaders() {
		return AppendResult{}, ErrPartialProducer
	}

	if opts.HasAllProducerHeaders() {
		lock := s.getProducerLock(path, opts.ProducerId)
		lock.Lock()
		defer lock.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired() {
		return AppendResult{}, ErrStreamNotFound
	}

	if stream.metadata.Closed && !opts.Close {
		return AppendResult{StreamClosed: true}, ErrStreamClosed
	}

	if opts.ContentType != "" && !ContentTypeMatches(stream.metadata.ContentType, opts.ContentType) {
		return AppendResult{}, ErrContentTypeMismatch
	}

	var producerState *ProducerState
	producerResult := ProducerResultNone
	var producerLastSeq, currentEpoch int64
	if opts.HasAllProducerHeaders() {
		result, newState, err := s.validateProducer(&stream.metadata, opts)
		if err != nil {
			result.Offset = stream.metadata.CurrentOffset
			return result, err
		}
		if result.ProducerResult == ProducerResultDuplicate {
			return AppendResult{
				Offset:         stream.metadata.CurrentOffset,
				ProducerResult: ProducerResultDuplicate,
				LastSeq:        result.LastSeq,
				StreamClosed:   stream.metadata.Closed,
			}, nil
		}
		producerState = newState
		producerResult = result.ProducerResult
		producerLastSeq = result.LastSeq
		currentEpoch = result.CurrentEpoch
	}

	if opts.Seq != "" {
		if stream.metadata.LastSeq != "" && opts.Seq <= stream.metadata.LastSeq {
			return AppendResult{}, ErrSequenceConflict
		}
	}

	newOffset := stream.metadata.CurrentOffset
	if len(data) > 0 {
		var err error
		newOffset, err = s.appendToStream(stream, data, false)
		if err != nil {
			return AppendResult{}, err
		}
	}

	stream.metadata.CurrentOffset = newOffset
	if opts.Seq != "" {
		stream.metadata.LastSeq = opts.Seq
	}
	if producerState != nil {
		if stream.metadata.Producers == nil {
			stream.metadata.Producers = make(map[string]*ProducerState)
		}
		stream.metadata.Producers[opts.ProducerId] = producerState
	}
	if opts.Close && !stream.metadata.Closed {
		stream.metadata.Closed = true
		if opts.HasAllProducerHeaders() {
			stream.metadata.ClosedBy = &ClosedByProducer{
				ProducerId: opts.ProducerId,
				Epoch:      *opts.ProducerEpoch,
				Seq:        *opts.ProducerSeq,
			}
		}
		s.longPoll.notifyClosed(path)
	}

	s.longPoll.notify(path)

	return AppendResult{
		Offset:         newOffset,
		ProducerResult: producerResult,
		LastSeq:        producerLastSeq,
		CurrentEpoch:   currentEpoch,
		StreamClosed:   stream.metadata.Closed,
	}, nil
}

func (s *MemoryStore) CloseStream(path string) (*CloseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired() {
		return nil, ErrStreamNotFound
	}
	if stream.metadata.Closed {
		return &CloseResult{FinalOffset: stream.metadata.CurrentOffset, AlreadyClosed: true}, nil
	}
	stream.metadata.Closed = true
	s.longPoll.notifyClosed(path)
	s.longPoll.notify(path)
	return &CloseResult{FinalOffset: stream.metadata.CurrentOffset, AlreadyClosed: false}, nil
}

// appendToStream handles JSON-array flattening vs raw byte messages.
func (s *MemoryStore) appendToStream(stream *memoryStream, data []byte, allowEmpty bool) (offsetcodec.Offset, error) {
	if offsetcodec.IsJSONContentType(stream.metadata.ContentType) {
		messages, err := offsetcodec.SplitJSONAppend(data, allowEmpty)
		if err != nil {
			return offsetcodec.Offset{}, err
		}
		current := stream.metadata.CurrentOffset
		for _, msgData := range messages {
			current = current.Add(uint64(len(msgData)))
			stream.messages = append(stream.messages, Message{Data: msgData, Offset: current})
		}
		return current, nil
	}

	newOffset := stream.metadata.CurrentOffset.Add(uint64(len(data)))
	stream.messages = append(stream.messages, Message{Data: data, Offset: newOffset})
	return newOffset, nil
}

func (s *MemoryStore) Read(path string, offset offsetcodec.Offset) ([]Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired() {
		return nil, false, ErrStreamNotFound
	}

	var messages []Message
	for _, msg := range stream.messages {
		if offset.Less(msg.Offset) {
			messages = append(messages, msg)
		}
	}

	upToDate := offset.Equal(stream.metadata.CurrentOffset) || len(stream.messages) == 0 ||
		(len(messages) > 0 && messages[len(messages)-1].Offset.Equal(stream.metadata.CurrentOffset))
	return messages, upToDate, nil
}

func (s *MemoryStore) WaitForMessages(ctx context.Context, path string, offset offsetcodec.Offset, timeout time.Duration) ([]Message, bool, bool, error) {
	messages, _, err := s.Read(path, offset)
	if err != nil {
		return nil, false, false, err
	}
	if len(messages) > 0 {
		return messages, false, false, nil
	}
	if meta, err := s.Get(path); err == nil && meta.Closed {
		return nil, false, true, nil
	}

	dataCh := make(chan struct{}, 1)
	closeCh := make(chan struct{}, 1)
	s.longPoll.register(path, dataCh)
	s.longPoll.registerClose(path, closeCh)
	defer s.longPoll.unregister(path, dataCh)
	defer s.longPoll.unregisterClose(path, closeCh)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-dataCh:
		messages, _, err := s.Read(path, offset)
		return messages, false, false, err
	case <-closeCh:
		// The stream may already be gone (delete) or merely closed; either
		// way the caller only needs to know it was woken by a closure.
		messages, _, _ := s.Read(path, offset)
		return messages, false, true, nil
	case <-timer.C:
		return nil, true, false, nil
	case <-ctx.Done():
		return nil, false, false, ctx.Err()
	}
}

func (s *MemoryStore) GetCurrentOffset(path string) (offsetcodec.Offset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.streams[path]
	if !ok {
		return offsetcodec.Offset{}, ErrStreamNotFound
	}
	return stream.metadata.CurrentOffset, nil
}

func (s *MemoryStore) Close() error { return nil }

// FormatResponse renders messages the way the stream's content type expects:
// a JSON array for application/json streams, raw concatenation otherwise.
func (s *MemoryStore) FormatResponse(path string, messages []Message) ([]byte, error) {
	s.mu.RLock()
	stream, ok := s.streams[path]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrStreamNotFound
	}
	if offsetcodec.IsJSONContentType(stream.metadata.ContentType) {
		payloads := make([][]byte, len(messages))
		for i, m := range messages {
			payloads[i] = m.Data
		}
		return offsetcodec.FormatJSONArray(payloads), nil
	}
	var buf bytes.Buffer
	for _, msg := range messages {
		buf.Write(msg.Data)
	}
	return buf.Bytes(), nil
}

func (m *longPollManager) register(path string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiters[path] = append(m.waiters[path], ch)
}

func (m *longPollManager) unregister(path string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	waiters := m.waiters[path]
	for i, w := range waiters {
		if w == ch {
			m.waiters[path] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
}

func (m *longPollManager) notify(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.waiters[path] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// registerClose/notifyClosed use a registry separate from waiters so a
// stream close wakes every blocked reader exactly once, without racing
// plain data notifications.
func (m *longPollManager) registerClose(path string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closeWaiters == nil {
		m.closeWaiters = make(map[string][]chan struct{})
	}
	m.closeWaiters[path] = append(m.closeWaiters[path], ch)
}

func (m *longPollManager) unregisterClose(path string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	waiters := m.closeWaiters[path]
	for i, w := range waiters {
		if w == ch {
			m.closeWaiters[path] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
}

func (m *longPollManager) notifyClosed(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.closeWaiters[path] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/durablestreams/durablestreams/offsetcodec"
)

// BoltStore is a durable Store backed by a single bbolt database file: one
// bucket holding JSON-serialized StreamMetadata keyed by stream path, and
// one bucket per stream holding its messages keyed by big-endian
// generation+seq so bbolt's native key ordering is also offset ordering.
type BoltStore struct {
	db   *bbolt.DB
	mu   sync.RWMutex
	path string

	longPoll *longPollManager

	producerLocks   map[string]*sync.Mutex
	producerLocksMu sync.Mutex
}

var (
	metadataBucket = []byte("metadata")
	messagesPrefix = []byte("msgs:")
)

// boltMetadata is the JSON wire form of StreamMetadata.
type boltMetadata struct {
	Path          string                    `json:"path"`
	ContentType   string                    `json:"content_type"`
	CurrentOffset string                    `json:"current_offset"`
	LastSeq       string                    `json:"last_seq"`
	TTLSeconds    *int64                    `json:"ttl_seconds,omitempty"`
	ExpiresAt     *int64                    `json:"expires_at,omitempty"`
	CreatedAt     int64                     `json:"created_at"`
	Producers     map[string]*ProducerState `json:"producers,omitempty"`
	Closed        bool                      `json:"closed,omitempty"`
	ClosedBy      *ClosedByProducer         `json:"closed_by,omitempty"`
}

// NewBoltStore opens (creating if necessary) a durable store rooted at
// dataDir/streams.db.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "streams.db")
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metadataBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create metadata bucket: %w", err)
	}
	return &BoltStore{
		db:            db,
		path:          dataDir,
		longPoll:      &longPollManager{waiters: make(map[string][]chan struct{})},
		producerLocks: make(map[string]*sync.Mutex),
	}, nil
}

func messageBucketName(path string) []byte {
	return append(append([]byte{}, messagesPrefix...), path...)
}

func messageKey(offset offsetcodec.Offset) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[0:8], offset.Generation)
	binary.BigEndian.PutUint64(key[8:16], offset.Seq)
	return key
}

func toBoltMetadata(m StreamMetadata) boltMetadata {
	bm := boltMetadata{
		Path:          m.Path,
		ContentType:   m.ContentType,
		CurrentOffset: m.CurrentOffset.String(),
		LastSeq:       m.LastSeq,
		TTLSeconds:    m.TTLSeconds,
		CreatedAt:     m.CreatedAt.Unix(),
		Producers:     m.Producers,
		Closed:        m.Closed,
		ClosedBy:      m.ClosedBy,
	}
	if m.ExpiresAt != nil {
		ts := m.ExpiresAt.Unix()
		bm.ExpiresAt = &ts
	}
	return bm
}

func fromBoltMetadata(bm boltMetadata) (StreamMetadata, error) {
	offset, err := offsetcodec.Parse(bm.CurrentOffset)
	if err != nil {
		return StreamMetadata{}, err
	}
	m := StreamMetadata{
		Path:          bm.Path,
		ContentType:   bm.ContentType,
		CurrentOffset: offset,
		LastSeq:       bm.LastSeq,
		TTLSeconds:    bm.TTLSeconds,
		CreatedAt:     time.Unix(bm.CreatedAt, 0),
		Producers:     bm.Producers,
		Closed:        bm.Closed,
		ClosedBy:      bm.ClosedBy,
	}
	if bm.ExpiresAt != nil {
		t := time.Unix(*bm.ExpiresAt, 0)
		m.ExpiresAt = &t
	}
	return m, nil
}

func (s *BoltStore) getMetadata(tx *bbolt.Tx, path string) (*StreamMetadata, error) {
	raw := tx.Bucket(metadataBucket).Get([]byte(path))
	if raw == nil {
		return nil, ErrStreamNotFound
	}
	var bm boltMetadata
	if err := json.Unmarshal(raw, &bm); err != nil {
		return nil, fmt.Errorf("store: decode metadata for %q: %w", path, err)
	}
	meta, err := fromBoltMetadata(bm)
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *BoltStore) putMetadata(tx *bbolt.Tx, meta StreamMetadata) error {
	data, err := json.Marshal(toBoltMetadata(meta))
	if err != nil {
		return err
	}
	return tx.Bucket(metadataBucket).Put([]byte(meta.Path), data)
}

func (s *BoltStore) getProducerLock(streamPath, producerId string) *sync.Mutex {
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

func validateProducerState(meta *StreamMetadata, opts AppendOptions) (AppendResult, *ProducerState, error) {
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
		return AppendResult{ProducerResult: ProducerResultAccepted}, &ProducerState{Epoch: epoch, LastUpdated: time.Now().Unix()}, nil
	}

	if epoch < state.Epoch {
		if opts.AutoClaim {
			if seq != 0 {
				return AppendResult{ProducerResult: ProducerResultNone}, nil, ErrInvalidEpochSeq
			}
			return AppendResult{ProducerResult: ProducerResultClaimed, CurrentEpoch: state.Epoch},
				&ProducerState{Epoch: state.Epoch + 1, LastUpdated: time.Now().Unix()}, nil
		}
		return AppendResult{ProducerResult: ProducerResultNone, CurrentEpoch: state.Epoch}, nil, ErrStaleEpoch
	}
	if epoch > state.Epoch {
		if seq != 0 {
			return AppendResult{ProducerResult: ProducerResultNone}, nil, ErrInvalidEpochSeq
		}
		return AppendResult{ProducerResult: ProducerResultAccepted}, &ProducerState{Epoch: epoch, LastUpdated: time.Now().Unix()}, nil
	}
	if seq <= state.LastSeq {
		return AppendResult{ProducerResult: ProducerResultDuplicate, LastSeq: state.LastSeq}, nil, nil
	}
	if seq == state.LastSeq+1 {
		return AppendResult{ProducerResult: ProducerResultAccepted, LastSeq: seq}, &ProducerState{Epoch: epoch, LastSeq: seq, LastUpdated: time.Now().Unix()}, nil
	}
	return AppendResult{ProducerResult: ProducerResultNone, ExpectedSeq: state.LastSeq + 1, ReceivedSeq: seq}, nil, ErrProducerSeqGap
}

func (s *BoltStore) Create(path string, opts CreateOptions) (*StreamMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result *StreamMetadata
	created := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		existing, err := s.getMetadata(tx, path)
		generation := uint64(0)
		if err == nil {
			if existing.IsExpired() {
				generation = existing.CurrentOffset.Generation + 1
				if tx.Bucket(messageBucketName(path)) != nil {
					if err := tx.DeleteBucket(messageBucketName(path)); err != nil {
						return err
					}
				}
			} else if existing.ConfigMatches(opts) {
				result = existing
				return nil
			} else {
				return ErrConfigMismatch
			}
		} else if err != ErrStreamNotFound {
			return err
		}

		contentType := opts.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		meta := StreamMetadata{
			Path:          path,
			ContentType:   contentType,
			CurrentOffset: offsetcodec.Offset{Generation: generation},
			TTLSeconds:    opts.TTLSeconds,
			ExpiresAt:     opts.ExpiresAt,
			CreatedAt:     time.Now(),
			Closed:        opts.Closed,
		}

		msgBucket, err := tx.CreateBucketIfNotExists(messageBucketName(path))
		if err != nil {
			return err
		}
		if len(opts.InitialData) > 0 {
			newOffset, err := appendMessages(msgBucket, meta.CurrentOffset, meta.ContentType, opts.InitialData, true)
			if err != nil {
				return err
			}
			meta.CurrentOffset = newOffset
		}

		if err := s.putMetadata(tx, meta); err != nil {
			return err
		}
		result = &meta
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

// appendMessages writes data (JSON-flattened or raw) into a stream's message
// bucket and returns the new tail offset.
func appendMessages(bucket *bbolt.Bucket, current offsetcodec.Offset, contentType string, data []byte, allowEmpty bool) (offsetcodec.Offset, error) {
	if offsetcodec.IsJSONContentType(contentType) {
		items, err := offsetcodec.SplitJSONAppend(data, allowEmpty)
		if err != nil {
			return offsetcodec.Offset{}, err
		}
		for _, item := range items {
			current = current.Add(uint64(len(item)))
			if err := bucket.Put(messageKey(current), item); err != nil {
				return offsetcodec.Offset{}, err
			}
		}
		return current, nil
	}
	if len(data) == 0 {
		return current, nil
	}
	newOffset := current.Add(uint64(len(data)))
	if err := bucket.Put(messageKey(newOffset), data); err != nil {
		return offsetcodec.Offset{}, err
	}
	return newOffset, nil
}

func (s *BoltStore) Get(path string) (*StreamMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var meta *StreamMetadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		m, err := s.getMetadata(tx, path)
		if err != nil {
			return err
		}
		if m.IsExpired() {
			return ErrStreamNotFound
		}
		meta = m
		return nil
	})
	return meta, err
}

func (s *BoltStore) Has(path string) bool {
	_, err := s.Get(path)
	return err == nil
}

func (s *BoltStore) Delete(path string) error {
	s.mu.Lock()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		meta, err := s.getMetadata(tx, path)
		if err != nil {
			return err
		}
		if meta.IsExpired() {
			return ErrStreamNotFound
		}
		// Keep the metadata as an expired record so the next Create takes
		// its expired path and starts a new generation.
		past := time.Unix(0, 0)
		meta.ExpiresAt = &past
		meta.TTLSeconds = nil
		if err := s.putMetadata(tx, *meta); err != nil {
			return err
		}
		return tx.DeleteBucket(messageBucketName(path))
	})
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.longPoll.notifyClosed(path)
	return nil
}

func (s *BoltStore) Append(path string, data []byte, opts AppendOptions) (AppendResult, error) {
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

	var result AppendResult
	var outerErr error
	err := s.db.Update(func(tx *bbolt.Tx) error {
		meta, err := s.getMetadata(tx, path)
		if err != nil {
			outerErr = err
			return nil
		}
		if meta.IsExpired() {
			outerErr = ErrStreamNotFound
			return nil
		}
		if meta.Closed && !opts.Close {
			result = AppendResult{StreamClosed: true}
			outerErr = ErrStreamClosed
			return nil
		}
		if opts.ContentType != "" && !ContentTypeMatches(meta.ContentType, opts.ContentType) {
			outerErr = ErrContentTypeMismatch
			return nil
		}

		var producerState *ProducerState
		producerResult := ProducerResultNone
		var producerLastSeq, currentEpoch int64
		if opts.HasAllProducerHeaders() {
			r, newState, verr := validateProducerState(meta, opts)
			if verr != nil {
				r.Offset = meta.CurrentOffset
				result, outerErr = r, verr
				return nil
			}
			if r.ProducerResult == ProducerResultDuplicate {
				result = AppendResult{Offset: meta.CurrentOffset, ProducerResult: ProducerResultDuplicate, LastSeq: r.LastSeq, StreamClosed: meta.Closed}
				return nil
			}
			producerState, producerResult, producerLastSeq, currentEpoch = newState, r.ProducerResult, r.LastSeq, r.CurrentEpoch
		}

		if opts.Seq != "" && meta.LastSeq != "" && opts.Seq <= meta.LastSeq {
			outerErr = ErrSequenceConflict
			return nil
		}

		bucket, err := tx.CreateBucketIfNotExists(messageBucketName(path))
		if err != nil {
			return err
		}
		newOffset := meta.CurrentOffset
		if len(data) > 0 {
			newOffset, err = appendMessages(bucket, meta.CurrentOffset, meta.ContentType, data, false)
			if err != nil {
				outerErr = err
				return nil
			}
		}

		meta.CurrentOffset = newOffset
		if opts.Seq != "" {
			meta.LastSeq = opts.Seq
		}
		if producerState != nil {
			if meta.Producers == nil {
				meta.Producers = make(map[string]*ProducerState)
			}
			meta.Producers[opts.ProducerId] = producerState
		}
		if opts.Close && !meta.Closed {
			meta.Closed = true
			if opts.HasAllProducerHeaders() {
				meta.ClosedBy = &ClosedByProducer{ProducerId: opts.ProducerId, Epoch: *opts.ProducerEpoch, Seq: *opts.ProducerSeq}
			}
		}
		if err := s.putMetadata(tx, *meta); err != nil {
			return err
		}

		result = AppendResult{
			Offset:         newOffset,
			ProducerResult: producerResult,
			LastSeq:        producerLastSeq,
			CurrentEpoch:   currentEpoch,
			StreamClosed:   meta.Closed,
		}
		return nil
	})
	if err != nil {
		return AppendResult{}, err
	}
	if outerErr != nil {
		return result, outerErr
	}
	if result.StreamClosed && opts.Close {
		s.longPoll.notifyClosed(path)
	}
	s.longPoll.notify(path)
	return result, nil
}

func (s *BoltStore) CloseStream(path string) (*CloseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result *CloseResult
	err := s.db.Update(func(tx *bbolt.Tx) error {
		meta, err := s.getMetadata(tx, path)
		if err != nil {
			return err
		}
		if meta.Closed {
			result = &CloseResult{FinalOffset: meta.CurrentOffset, AlreadyClosed: true}
			return nil
		}
		meta.Closed = true
		if err := s.putMetadata(tx, *meta); err != nil {
			return err
		}
		result = &CloseResult{FinalOffset: meta.CurrentOffset, AlreadyClosed: false}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !result.AlreadyClosed {
		s.longPoll.notifyClosed(path)
		s.longPoll.notify(path)
	}
	return result, nil
}

func (s *BoltStore) Read(path string, offset offsetcodec.Offset) ([]Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var messages []Message
	var upToDate bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		meta, err := s.getMetadata(tx, path)
		if err != nil {
			return err
		}
		if meta.IsExpired() {
			return ErrStreamNotFound
		}
		bucket := tx.Bucket(messageBucketName(path))
		if bucket == nil {
			upToDate = true
			return nil
		}
		cursor := bucket.Cursor()
		startKey := messageKey(offset)
		count := 0
		for k, v := cursor.Seek(startKey); k != nil; k, v = cursor.Next() {
			if bytes.Equal(k, startKey) {
				continue
			}
			data := make([]byte, len(v))
			copy(data, v)
			messages = append(messages, Message{Data: data, Offset: decodeMessageKey(k)})
			count++
		}
		upToDate = offset.Equal(meta.CurrentOffset) || count == 0 ||
			messages[len(messages)-1].Offset.Equal(meta.CurrentOffset)
		return nil
	})
	return messages, upToDate, err
}

func decodeMessageKey(k []byte) offsetcodec.Offset {
	return offsetcodec.Offset{
		Generation: binary.BigEndian.Uint64(k[0:8]),
		Seq:        binary.BigEndian.Uint64(k[8:16]),
	}
}

func (s *BoltStore) WaitForMessages(ctx context.Context, path string, offset offsetcodec.Offset, timeout time.Duration) ([]Message, bool, bool, error) {
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
		messages, _, _ := s.Read(path, offset)
		return messages, false, true, nil
	case <-timer.C:
		return nil, true, false, nil
	case <-ctx.Done():
		return nil, false, false, ctx.Err()
	}
}

func (s *BoltStore) GetCurrentOffset(path string) (offsetcodec.Offset, error) {
	meta, err := s.Get(path)
	if err != nil {
		return offsetcodec.Offset{}, err
	}
	return meta.CurrentOffset, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

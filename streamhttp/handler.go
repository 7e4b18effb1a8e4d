// Package streamhttp implements the durable streams wire protocol as a
// plain net/http.Handler: create/head/read/append/close/delete, long-poll
// and SSE fan-out, and the fault-injection control surface. It has no
// dependency on any particular HTTP framework; caddyplugin adapts it to
// Caddy.
package streamhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/durablestreams/durablestreams/offsetcodec"
	"github.com/durablestreams/durablestreams/store"
)

// Protocol header names.
const (
	HeaderStreamNextOffset  = "Stream-Next-Offset"
	HeaderStreamCursor      = "Stream-Cursor"
	HeaderStreamUpToDate    = "Stream-Up-To-Date"
	HeaderStreamSeq         = "Stream-Seq"
	HeaderStreamTTL         = "Stream-TTL"
	HeaderStreamExpiresAt   = "Stream-Expires-At"
	HeaderStreamClosed      = "Stream-Closed"
	HeaderProducerId        = "Producer-Id"
	HeaderProducerEpoch     = "Producer-Epoch"
	HeaderProducerSeq       = "Producer-Seq"
	HeaderProducerAutoClaim = "Producer-Auto-Claim"
)

// NotifyFunc is invoked after a successful create/append/close/delete, for
// components (webhook subscriptions) that tap the same append-notify path
// long-poll/SSE waiters use.
type NotifyFunc func(path string, meta *store.StreamMetadata)

// Handler implements the durable streams HTTP protocol.
type Handler struct {
	Store store.Store
	Log   *zap.Logger

	// LongPollTimeout bounds how long a GET with live=long-poll blocks
	// waiting for new data before returning 204.
	LongPollTimeout time.Duration
	// SSEReconnectInterval is how often an SSE connection is closed to let
	// a fronting CDN collapse duplicate long-lived connections.
	SSEReconnectInterval time.Duration

	// OnChange, if set, is called after every successful mutation
	// (create/append/close/delete), e.g. to drive webhook subscriptions.
	OnChange NotifyFunc

	faults *FaultRegistry

	readersMu     sync.Mutex
	activeReaders map[chan struct{}]struct{}
}

// New returns a Handler with defaults applied for any zero-value field.
func New(s store.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:                s,
		Log:                  logger,
		LongPollTimeout:      30 * time.Second,
		SSEReconnectInterval: 60 * time.Second,
		faults:               newFaultRegistry(),
		activeReaders:        make(map[chan struct{}]struct{}),
	}
}

// Faults exposes the fault-injection control surface (§6) so an operator or
// a conformance test can arm per-path fault directives.
func (h *Handler) Faults() *FaultRegistry { return h.faults }

// Shutdown signals every currently-blocked SSE reader to stop, per the
// activeReaders contract: explicit handles, not weak references, removed on
// every exit path.
func (h *Handler) Shutdown() {
	h.readersMu.Lock()
	defer h.readersMu.Unlock()
	for ch := range h.activeReaders {
		close(ch)
	}
	h.activeReaders = make(map[chan struct{}]struct{})
}

func (h *Handler) registerReader() chan struct{} {
	ch := make(chan struct{})
	h.readersMu.Lock()
	h.activeReaders[ch] = struct{}{}
	h.readersMu.Unlock()
	return ch
}

func (h *Handler) unregisterReader(ch chan struct{}) {
	h.readersMu.Lock()
	delete(h.activeReaders, ch)
	h.readersMu.Unlock()
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Stream-Seq, Stream-TTL, Stream-Expires-At, Stream-Closed, Producer-Id, Producer-Epoch, Producer-Seq, Producer-Auto-Claim, If-None-Match")
	w.Header().Set("Access-Control-Expose-Headers", "Stream-Next-Offset, Stream-Cursor, Stream-Up-To-Date, Stream-Closed, ETag, Location")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	path := r.URL.Path

	if fault, ok := h.faults.consume(path); ok {
		if fault.apply(w, r) {
			return
		}
	}

	h.Log.Debug("handling request", zap.String("method", r.Method), zap.String("path", path), zap.String("query", r.URL.RawQuery))

	var err error
	switch r.Method {
	case http.MethodPut:
		err = h.handleCreate(w, r, path)
	case http.MethodHead:
		err = h.handleHead(w, r, path)
	case http.MethodGet:
		err = h.handleRead(w, r, path)
	case http.MethodPost:
		err = h.handleAppend(w, r, path)
	case http.MethodDelete:
		err = h.handleDelete(w, r, path)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err != nil {
		h.writeError(w, err)
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, path string) error {
	contentType := r.Header.Get("Content-Type")
	ttlStr := r.Header.Get(HeaderStreamTTL)
	expiresAtStr := r.Header.Get(HeaderStreamExpiresAt)

	if ttlStr != "" && expiresAtStr != "" {
		return newHTTPError(http.StatusBadRequest, "cannot specify both Stream-TTL and Stream-Expires-At")
	}

	var ttlSeconds *int64
	if ttlStr != "" {
		ttl, err := parseTTL(ttlStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, err.Error())
		}
		ttlSeconds = &ttl
	}

	var expiresAt *time.Time
	if expiresAtStr != "" {
		t, err := time.Parse(time.RFC3339, expiresAtStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid Stream-Expires-At format")
		}
		expiresAt = &t
	}

	var initialData []byte
	if r.ContentLength > 0 {
		var err error
		initialData, err = io.ReadAll(r.Body)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "failed to read body")
		}
	}

	closed := strings.EqualFold(r.Header.Get(HeaderStreamClosed), "true")

	opts := store.CreateOptions{
		ContentType: contentType,
		TTLSeconds:  ttlSeconds,
		ExpiresAt:   expiresAt,
		InitialData: initialData,
		Closed:      closed,
	}

	meta, wasCreated, err := h.Store.Create(path, opts)
	if err != nil {
		return translateStoreError(err)
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, meta.CurrentOffset.String())
	if meta.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}

	if wasCreated {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		w.Header().Set("Location", fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path))
		w.WriteHeader(http.StatusCreated)
		h.notify(path, meta)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	return nil
}

func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request, path string) error {
	meta, err := h.Store.Get(path)
	if err != nil {
		return translateStoreError(err)
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, meta.CurrentOffset.String())
	w.Header().Set("Cache-Control", "no-store")
	if meta.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if meta.TTLSeconds != nil {
		w.Header().Set(HeaderStreamTTL, strconv.FormatInt(*meta.TTLSeconds, 10))
	}
	if meta.ExpiresAt != nil {
		w.Header().Set(HeaderStreamExpiresAt, meta.ExpiresAt.Format(time.RFC3339))
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, path string) error {
	meta, err := h.Store.Get(path)
	if err != nil {
		return translateStoreError(err)
	}

	query := r.URL.Query()
	offsetValues, offsetProvided := query["offset"]
	offsetStr := ""
	if offsetProvided {
		if len(offsetValues) > 1 {
			return newHTTPError(http.StatusBadRequest, "multiple offset parameters not allowed")
		}
		offsetStr = offsetValues[0]
		if offsetStr == "" {
			return newHTTPError(http.StatusBadRequest, "offset parameter cannot be empty")
		}
	}

	offset, err := offsetcodec.Parse(offsetStr)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "invalid offset")
	}
	// A foreign-generation offset means the stream was deleted and
	// recreated since the caller last read; reject rather than
	// silently reinterpreting it (spec.md §9 default).
	if offsetProvided && offsetStr != "-1" && offset.Generation != meta.CurrentOffset.Generation {
		return newHTTPError(http.StatusBadRequest, "offset belongs to a prior stream generation")
	}

	liveMode := resolveLiveMode(query.Get("live"), r.Header.Get("Accept"))
	cursor := query.Get("cursor")
	encoding := query.Get("encoding")

	if liveMode == "long-poll" && !offsetProvided {
		return newHTTPError(http.StatusBadRequest, "offset required for long-poll mode")
	}
	if liveMode == "sse" && !offsetProvided {
		return newHTTPError(http.StatusBadRequest, "offset required for SSE mode")
	}

	if liveMode == "sse" {
		return h.handleSSE(w, r, path, offset, cursor, encoding)
	}

	messages, _, err := h.Store.Read(path, offset)
	if err != nil {
		return translateStoreError(err)
	}

	nextOffset := offset
	if len(messages) > 0 {
		nextOffset = messages[len(messages)-1].Offset
	} else {
		nextOffset = meta.CurrentOffset
	}

	if liveMode == "long-poll" && len(messages) == 0 && !meta.Closed {
		timeout := h.LongPollTimeout
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		msgs, timedOut, streamClosed, werr := h.Store.WaitForMessages(ctx, path, offset, timeout)
		if werr != nil && !errors.Is(werr, context.Canceled) && !errors.Is(werr, context.DeadlineExceeded) {
			return werr
		}
		if streamClosed {
			w.Header().Set("Content-Type", meta.ContentType)
			w.Header().Set(HeaderStreamNextOffset, offset.String())
			w.Header().Set(HeaderStreamUpToDate, "true")
			w.Header().Set(HeaderStreamClosed, "true")
			w.WriteHeader(http.StatusNoContent)
			return nil
		}
		if timedOut || errors.Is(werr, context.Canceled) || errors.Is(werr, context.DeadlineExceeded) {
			w.Header().Set("Content-Type", meta.ContentType)
			w.Header().Set(HeaderStreamNextOffset, offset.String())
			w.Header().Set(HeaderStreamUpToDate, "true")
			w.WriteHeader(http.StatusNoContent)
			return nil
		}
		messages = msgs
		if len(messages) > 0 {
			nextOffset = messages[len(messages)-1].Offset
		}
	}

	currentMeta, _ := h.Store.Get(path)
	upToDate := currentMeta != nil && nextOffset.Equal(currentMeta.CurrentOffset)

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, nextOffset.String())
	if upToDate {
		w.Header().Set(HeaderStreamUpToDate, "true")
	}
	if currentMeta != nil && currentMeta.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if liveMode == "long-poll" {
		w.Header().Set(HeaderStreamCursor, generateResponseCursor(cursor))
	}
	w.Header().Set("ETag", fmt.Sprintf(`"%s"`, nextOffset.String()))
	if !upToDate && len(messages) > 0 {
		w.Header().Set("Cache-Control", "public, max-age=60, stale-while-revalidate=300")
	}

	if ifNoneMatch := r.Header.Get("If-None-Match"); ifNoneMatch != "" {
		if ifNoneMatch == fmt.Sprintf(`"%s"`, nextOffset.String()) {
			w.WriteHeader(http.StatusNotModified)
			return nil
		}
	}

	body, err := h.formatResponse(path, messages, meta.ContentType)
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	return nil
}

// resolveLiveMode applies the live=auto selection rule: SSE when the
// client's Accept header prefers text/event-stream, long-poll otherwise.
func resolveLiveMode(live, accept string) string {
	switch live {
	case "sse", "long-poll":
		return live
	case "auto", "":
		if strings.Contains(accept, "text/event-stream") {
			return "sse"
		}
		if live == "auto" {
			return "long-poll"
		}
		return ""
	default:
		return live
	}
}

var (
	cursorEpoch           = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)
	cursorIntervalSeconds = int64(20)
)

const (
	minJitterSeconds = 1
	maxJitterSeconds = 3600
)

func generateCursor() string {
	now := time.Now()
	intervalMs := cursorIntervalSeconds * 1000
	interval := (now.UnixMilli() - cursorEpoch.UnixMilli()) / intervalMs
	return strconv.FormatInt(interval, 10)
}

func generateResponseCursor(clientCursor string) string {
	current := generateCursor()
	currentInterval, _ := strconv.ParseInt(current, 10, 64)

	if clientCursor == "" {
		return current
	}
	clientInterval, err := strconv.ParseInt(clientCursor, 10, 64)
	if err != nil || clientInterval < currentInterval {
		return current
	}

	jitterSeconds := minJitterSeconds + (maxJitterSeconds-minJitterSeconds)/2
	jitterIntervals := int64(1)
	if int64(jitterSeconds)/cursorIntervalSeconds > 1 {
		jitterIntervals = int64(jitterSeconds) / cursorIntervalSeconds
	}
	return strconv.FormatInt(clientInterval+jitterIntervals, 10)
}

func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request, path string, offset offsetcodec.Offset, cursor, encoding string) error {
	meta, err := h.Store.Get(path)
	if err != nil {
		return translateStoreError(err)
	}

	ct := strings.ToLower(offsetcodec.ExtractMediaType(meta.ContentType))
	if !strings.HasPrefix(ct, "text/") && ct != "application/json" {
		return newHTTPError(http.StatusBadRequest, "SSE mode requires text/* or application/json content type")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		return newHTTPError(http.StatusInternalServerError, "streaming not supported")
	}

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sse := offsetcodec.NewSSEWriter(w.Write, encoding == "base64")

	shutdown := h.registerReader()
	defer h.unregisterReader(shutdown)

	ctx := r.Context()
	reconnectTimer := time.NewTimer(h.SSEReconnectInterval)
	defer reconnectTimer.Stop()

	currentOffset := offset
	sentInitialControl := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-shutdown:
			return nil
		case <-reconnectTimer.C:
			return nil
		default:
		}

		messages, _, err := h.Store.Read(path, currentOffset)
		if err != nil {
			return err
		}

		if len(messages) > 0 {
			body, _ := h.formatResponse(path, messages, meta.ContentType)
			if err := sse.WriteData(body); err != nil {
				return nil
			}
			currentOffset = messages[len(messages)-1].Offset

			currentMeta, _ := h.Store.Get(path)
			control := offsetcodec.ControlEvent{
				StreamNextOffset: currentOffset.String(),
				StreamCursor:     generateResponseCursor(cursor),
				UpToDate:         currentMeta != nil && currentOffset.Equal(currentMeta.CurrentOffset),
			}
			if err := sse.WriteControl(control); err != nil {
				return nil
			}
			flusher.Flush()
			sentInitialControl = true
		} else if !sentInitialControl {
			currentMeta, _ := h.Store.Get(path)
			control := offsetcodec.ControlEvent{
				StreamNextOffset: currentMeta.CurrentOffset.String(),
				StreamCursor:     generateResponseCursor(cursor),
				UpToDate:         true,
			}
			if err := sse.WriteControl(control); err != nil {
				return nil
			}
			flusher.Flush()
			sentInitialControl = true
		}

		if meta, _ := h.Store.Get(path); meta != nil && meta.Closed && currentOffset.Equal(meta.CurrentOffset) {
			return nil
		}

		timeout := 100 * time.Millisecond
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		h.Store.WaitForMessages(waitCtx, path, currentOffset, timeout)
		cancel()
	}
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, path string) error {
	meta, err := h.Store.Get(path)
	if err != nil {
		return translateStoreError(err)
	}

	closeStream := strings.EqualFold(r.Header.Get(HeaderStreamClosed), "true")

	contentType := r.Header.Get("Content-Type")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "failed to read body")
	}

	if len(body) == 0 && !closeStream {
		return newHTTPError(http.StatusBadRequest, "empty body not allowed")
	}
	if len(body) > 0 {
		if contentType == "" {
			return newHTTPError(http.StatusBadRequest, "Content-Type header is required")
		}
		if !store.ContentTypeMatches(meta.ContentType, contentType) {
			return newHTTPError(http.StatusConflict, "content type mismatch")
		}
	}

	opts := store.AppendOptions{
		Seq:         r.Header.Get(HeaderStreamSeq),
		ContentType: contentType,
		Close:       closeStream,
		AutoClaim:   strings.EqualFold(r.Header.Get(HeaderProducerAutoClaim), "true"),
	}
	if pid := r.Header.Get(HeaderProducerId); pid != "" {
		opts.ProducerId = pid
	}
	if es := r.Header.Get(HeaderProducerEpoch); es != "" {
		epoch, err := strconv.ParseInt(es, 10, 64)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid Producer-Epoch")
		}
		opts.ProducerEpoch = &epoch
	}
	if ss := r.Header.Get(HeaderProducerSeq); ss != "" {
		seq, err := strconv.ParseInt(ss, 10, 64)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid Producer-Seq")
		}
		opts.ProducerSeq = &seq
	}

	result, err := h.Store.Append(path, body, opts)
	if err != nil {
		return translateAppendError(err, result)
	}

	w.Header().Set(HeaderStreamNextOffset, result.Offset.String())
	if result.ProducerResult == store.ProducerResultDuplicate {
		w.Header().Set("Producer-Result", "duplicate")
		w.WriteHeader(http.StatusNoContent)
		h.notify(path, nil)
		return nil
	}
	if result.ProducerResult == store.ProducerResultClaimed {
		w.Header().Set("Producer-Result", "claimed")
	}
	if result.StreamClosed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	w.WriteHeader(http.StatusOK)

	if updated, err := h.Store.Get(path); err == nil {
		h.notify(path, updated)
	}
	return nil
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, path string) error {
	if err := h.Store.Delete(path); err != nil {
		return translateStoreError(err)
	}
	w.WriteHeader(http.StatusNoContent)
	h.notify(path, nil)
	return nil
}

func (h *Handler) notify(path string, meta *store.StreamMetadata) {
	if h.OnChange == nil {
		return
	}
	if meta == nil {
		meta, _ = h.Store.Get(path)
	}
	h.OnChange(path, meta)
}

func (h *Handler) formatResponse(path string, messages []store.Message, contentType string) ([]byte, error) {
	if offsetcodec.IsJSONContentType(contentType) {
		payloads := make([][]byte, len(messages))
		for i, m := range messages {
			payloads[i] = m.Data
		}
		return offsetcodec.FormatJSONArray(payloads), nil
	}
	var total int
	for _, m := range messages {
		total += len(m.Data)
	}
	out := make([]byte, 0, total)
	for _, m := range messages {
		out = append(out, m.Data...)
	}
	return out, nil
}

type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string { return e.message }

func newHTTPError(status int, message string) *httpError {
	return &httpError{status: status, message: message}
}

func translateStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrStreamNotFound):
		return newHTTPError(http.StatusNotFound, "stream not found")
	case errors.Is(err, store.ErrConfigMismatch):
		return newHTTPError(http.StatusConflict, "stream exists with different configuration")
	case errors.Is(err, store.ErrStreamClosed):
		return newHTTPError(http.StatusConflict, "stream is closed")
	}
	return err
}

func translateAppendError(err error, result store.AppendResult) error {
	switch {
	case errors.Is(err, store.ErrStreamNotFound):
		return newHTTPError(http.StatusNotFound, "stream not found")
	case errors.Is(err, store.ErrStreamClosed):
		return newHTTPError(http.StatusConflict, "stream is closed")
	case errors.Is(err, store.ErrSequenceConflict):
		return newHTTPError(http.StatusConflict, "sequence number conflict")
	case errors.Is(err, store.ErrContentTypeMismatch):
		return newHTTPError(http.StatusConflict, "content type mismatch")
	case errors.Is(err, store.ErrPartialProducer):
		return newHTTPError(http.StatusBadRequest, "all producer headers must be provided together")
	case errors.Is(err, store.ErrInvalidEpochSeq):
		return newHTTPError(http.StatusBadRequest, "new epoch must start at sequence 0")
	case errors.Is(err, store.ErrProducerSeqGap):
		return &httpError{status: http.StatusConflict, message: fmt.Sprintf("producer sequence gap: expected %d, got %d", result.ExpectedSeq, result.ReceivedSeq)}
	case errors.Is(err, store.ErrStaleEpoch):
		return &httpError{status: http.StatusForbidden, message: fmt.Sprintf("producer epoch %d is stale", result.CurrentEpoch)}
	case errors.Is(err, offsetcodec.ErrInvalidJSON):
		return newHTTPError(http.StatusBadRequest, "invalid JSON")
	case errors.Is(err, offsetcodec.ErrEmptyJSONArray):
		return newHTTPError(http.StatusBadRequest, "empty JSON array not allowed")
	}
	return err
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		http.Error(w, httpErr.message, httpErr.status)
		return
	}
	h.Log.Error("internal error", zap.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

var ttlRegex = regexp.MustCompile(`^[1-9][0-9]*$|^0$`)

func parseTTL(s string) (int64, error) {
	if !ttlRegex.MatchString(s) {
		return 0, fmt.Errorf("invalid TTL format: must be a non-negative integer without leading zeros")
	}
	return strconv.ParseInt(s, 10, 64)
}

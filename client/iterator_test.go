package client

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestChunkIteratorCatchUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerStreamOffset, "11")
		w.Header().Set(headerStreamUpToDate, "true")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello world"))
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	stream := c.Stream("/test")

	it := stream.Read(context.Background())
	defer it.Close()

	chunk, err := it.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(chunk.Data, []byte("hello world")) {
		t.Errorf("got data %q, want %q", chunk.Data, "hello world")
	}
	if !chunk.UpToDate {
		t.Error("expected UpToDate to be true")
	}

	_, err = it.Next()
	if !errors.Is(err, Done) {
		t.Errorf("second Next() = %v, want Done", err)
	}
}

func TestChunkIteratorNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	stream := c.Stream("/missing")

	it := stream.Read(context.Background())
	defer it.Close()

	_, err := it.Next()
	if !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("got %v, want ErrStreamNotFound", err)
	}
}

func TestChunkIteratorOffsetGone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	stream := c.Stream("/test")

	it := stream.Read(context.Background(), WithOffset(Offset("0")))
	defer it.Close()

	_, err := it.Next()
	if !errors.Is(err, ErrOffsetGone) {
		t.Errorf("got %v, want ErrOffsetGone", err)
	}
}

func TestChunkIteratorLongPollTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerStreamOffset, "0")
		w.Header().Set(headerStreamUpToDate, "true")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	stream := c.Stream("/test")

	it := stream.Read(context.Background(), WithLive(LiveModeLongPoll))
	defer it.Close()

	chunk, err := it.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunk.Data) != 0 {
		t.Errorf("expected no data, got %q", chunk.Data)
	}
	if !chunk.UpToDate {
		t.Error("expected UpToDate to be true")
	}
}

func TestChunkIteratorCloseIsIdempotent(t *testing.T) {
	c := NewClient()
	stream := c.Stream("http://example.com/test")

	it := stream.Read(context.Background())
	if err := it.Close(); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := it.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}

	_, err := it.Next()
	if !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Next() after Close() = %v, want ErrAlreadyClosed", err)
	}
}

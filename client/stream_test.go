package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStreamCreate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "text/plain" {
			t.Errorf("Content-Type = %q, want text/plain", ct)
		}
		w.Header().Set(headerStreamOffset, "0")
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	stream := c.Stream("/test")

	err := stream.Create(context.Background(), WithContentType("text/plain"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stream.ContentType() != "text/plain" {
		t.Errorf("ContentType() = %q, want text/plain", stream.ContentType())
	}
}

func TestStreamCreateConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	stream := c.Stream("/test")

	err := stream.Create(context.Background())
	if !errors.Is(err, ErrStreamExists) {
		t.Errorf("got %v, want ErrStreamExists", err)
	}
}

func TestStreamAppendRejectsEmpty(t *testing.T) {
	c := NewClient()
	stream := c.Stream("http://example.com/test")

	_, err := stream.Append(context.Background(), nil)
	if !errors.Is(err, ErrEmptyAppend) {
		t.Errorf("got %v, want ErrEmptyAppend", err)
	}
}

func TestStreamAppendSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		w.Header().Set(headerStreamOffset, "13")
		w.Header().Set(headerETag, `"etag-1"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	stream := c.Stream("/test")

	result, err := stream.Append(context.Background(), []byte("hello, world"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NextOffset != "13" {
		t.Errorf("NextOffset = %q, want 13", result.NextOffset)
	}
	if result.ETag != `"etag-1"` {
		t.Errorf("ETag = %q, want \"etag-1\"", result.ETag)
	}
}

func TestStreamAppendSeqConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	stream := c.Stream("/test")

	_, err := stream.Append(context.Background(), []byte("data"), WithSeq("5"))
	if !errors.Is(err, ErrSeqConflict) {
		t.Errorf("got %v, want ErrSeqConflict", err)
	}
}

func TestStreamHead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		w.Header().Set(headerContentType, "application/json")
		w.Header().Set(headerStreamOffset, "42")
		w.Header().Set(headerStreamTTL, "3600")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	stream := c.Stream("/test")

	meta, err := stream.Head(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.ContentType != "application/json" {
		t.Errorf("ContentType = %q, want application/json", meta.ContentType)
	}
	if meta.NextOffset != "42" {
		t.Errorf("NextOffset = %q, want 42", meta.NextOffset)
	}
	if meta.TTL == nil || *meta.TTL != time.Hour {
		t.Errorf("TTL = %v, want 1h", meta.TTL)
	}
}

func TestStreamDelete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	stream := c.Stream("/test")

	if err := stream.Delete(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSelectLiveMode(t *testing.T) {
	tests := []struct {
		contentType string
		want        LiveMode
	}{
		{"", LiveModeLongPoll},
		{"application/octet-stream", LiveModeLongPoll},
		{"text/plain", LiveModeSSE},
		{"application/json", LiveModeSSE},
	}

	c := NewClient()
	for _, tt := range tests {
		stream := c.Stream("http://example.com/test")
		stream.SetContentType(tt.contentType)
		if got := stream.selectLiveMode(); got != tt.want {
			t.Errorf("selectLiveMode() with content-type %q = %v, want %v", tt.contentType, got, tt.want)
		}
	}
}

func TestBuildReadURLOffsetAndCursor(t *testing.T) {
	c := NewClient()
	stream := c.Stream("http://example.com/test")

	url := stream.buildReadURL(Offset("5"), LiveModeLongPoll, "cur-1", "")

	if want := "cursor=cur-1"; !strings.Contains(url, want) {
		t.Errorf("url %q missing %q", url, want)
	}
	if want := "offset=5"; !strings.Contains(url, want) {
		t.Errorf("url %q missing %q", url, want)
	}
	if want := "live=long-poll"; !strings.Contains(url, want) {
		t.Errorf("url %q missing %q", url, want)
	}
}

package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type testEvent struct {
	Name string `json:"name"`
}

func TestReadJSONFlattensArray(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerStreamOffset, "2")
		w.Header().Set(headerStreamUpToDate, "true")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[{"name":"a"},{"name":"b"}]`))
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	stream := c.Stream("/test")
	stream.SetContentType("application/json")

	it := ReadJSON[testEvent](context.Background(), stream)
	defer it.Close()

	batch, err := it.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch.Items) != 2 {
		t.Fatalf("got %d items, want 2", len(batch.Items))
	}
	if batch.Items[0].Name != "a" || batch.Items[1].Name != "b" {
		t.Errorf("got items %+v, want [a b]", batch.Items)
	}
}

func TestReadJSONSingleObject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerStreamOffset, "1")
		w.Header().Set(headerStreamUpToDate, "true")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"name":"solo"}`))
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	stream := c.Stream("/test")
	stream.SetContentType("application/json")

	it := ReadJSON[testEvent](context.Background(), stream)
	defer it.Close()

	batch, err := it.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch.Items) != 1 || batch.Items[0].Name != "solo" {
		t.Errorf("got items %+v, want [solo]", batch.Items)
	}
}

func TestItemsChannelYieldsFlattenedEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerStreamOffset, "2")
		w.Header().Set(headerStreamUpToDate, "true")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[{"name":"x"},{"name":"y"}]`))
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	stream := c.Stream("/test")
	stream.SetContentType("application/json")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	items, errs := Items[testEvent](ctx, stream)

	var got []testEvent
loop:
	for {
		select {
		case item, ok := <-items:
			if !ok {
				break loop
			}
			got = append(got, item)
		case err := <-errs:
			if err != nil && !errors.Is(err, Done) {
				t.Fatalf("unexpected error: %v", err)
			}
		}
	}

	if len(got) != 2 {
		t.Fatalf("got %d items, want 2", len(got))
	}
}

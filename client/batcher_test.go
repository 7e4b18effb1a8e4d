package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestBatchedStreamCoalescesConcurrentAppends(t *testing.T) {
	var mu sync.Mutex
	var requestBodies [][]byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		mu.Lock()
		requestBodies = append(requestBodies, body)
		mu.Unlock()

		w.Header().Set(headerStreamOffset, "100")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	stream := c.Stream("/test")
	stream.SetContentType("application/json")

	batched := NewBatchedStream(stream)
	defer batched.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := batched.AppendJSON(context.Background(), map[string]int{"n": n})
			if err != nil {
				t.Errorf("AppendJSON(%d) error: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(requestBodies) == 0 {
		t.Fatal("expected at least one request")
	}

	var total int
	for _, body := range requestBodies {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			t.Fatalf("failed to parse batch body %s: %v", body, err)
		}
		total += len(items)
	}
	if total != 5 {
		t.Errorf("total items across batches = %d, want 5", total)
	}
}

func TestBatchedStreamCloseRejectsFurtherAppends(t *testing.T) {
	c := NewClient()
	stream := c.Stream("http://example.com/test")

	batched := NewBatchedStream(stream)
	batched.Close()

	_, err := batched.Append(context.Background(), []byte("data"))
	if err != ErrStreamClosed {
		t.Errorf("got %v, want ErrStreamClosed", err)
	}
}

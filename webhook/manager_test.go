package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/durablestreams/durablestreams/offsetcodec"
	"github.com/durablestreams/durablestreams/store"
)

func newTestManager(t *testing.T, getTail func(string) string) *Manager {
	t.Helper()
	return NewManager("http://callbacks.test", getTail, nil)
}

func TestOnStreamCreatedRegistersMatchingConsumers(t *testing.T) {
	m := newTestManager(t, func(string) string { return "-1" })
	m.Store.CreateSubscription("sub-1", "/rooms/*/messages", "https://example.com/hook", "")

	m.OnStreamCreated("/rooms/42/messages")

	ids := m.Store.GetConsumersForStream("/rooms/42/messages")
	if len(ids) != 1 {
		t.Fatalf("expected one consumer registered, got %+v", ids)
	}
}

func TestHandleStoreChangeDeleteDetachesConsumers(t *testing.T) {
	m := newTestManager(t, func(string) string { return "-1" })
	m.Store.CreateSubscription("sub-1", "/rooms/*/messages", "https://example.com/hook", "")
	m.OnStreamCreated("/rooms/42/messages")
	consumerID := m.Store.GetConsumersForStream("/rooms/42/messages")[0]

	m.HandleStoreChange("/rooms/42/messages", nil)

	if m.Store.GetConsumer(consumerID) != nil {
		t.Fatal("expected consumer to be garbage collected after stream deletion")
	}
}

func TestHandleStoreChangeCreateRegistersConsumer(t *testing.T) {
	m := newTestManager(t, func(string) string { return "-1" })
	m.Store.CreateSubscription("sub-1", "/rooms/*/messages", "https://example.com/hook", "")

	meta := &store.StreamMetadata{Path: "/rooms/42/messages"}
	m.HandleStoreChange("/rooms/42/messages", meta)

	ids := m.Store.GetConsumersForStream("/rooms/42/messages")
	if len(ids) != 1 {
		t.Fatalf("expected consumer registered on store change, got %+v", ids)
	}
}

func TestWakeConsumerDeliversSignedWebhookAndHandlesDone(t *testing.T) {
	received := make(chan string, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig := r.Header.Get("Webhook-Signature")
		received <- sig
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"done": true})
	}))
	defer server.Close()

	tail := offsetcodec.Offset{Seq: 10}.String()
	m := newTestManager(t, func(string) string { return tail })
	m.Store.CreateSubscription("sub-1", "/rooms/*/messages", server.URL, "")
	m.OnStreamCreated("/rooms/42/messages")
	m.OnStreamAppend("/rooms/42/messages")

	select {
	case sig := <-received:
		if sig == "" {
			t.Fatal("expected a Webhook-Signature header")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
	}

	// Give the goroutine a moment to process the response and transition state.
	deadline := time.Now().Add(2 * time.Second)
	consumerID := m.Store.GetConsumersForStream("/rooms/42/messages")[0]
	for time.Now().Before(deadline) {
		c := m.Store.GetConsumer(consumerID)
		if c != nil && c.State == StateIDLE && c.Streams["/rooms/42/messages"] == tail {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected consumer to transition back to IDLE after done:true response")
}

func TestHandleCallbackRejectsStaleEpoch(t *testing.T) {
	m := newTestManager(t, func(string) string { return "-1" })
	m.Store.CreateSubscription("sub-1", "/rooms/*/messages", "https://example.com/hook", "")
	c := m.Store.GetOrCreateConsumer("sub-1", "/rooms/42/messages")
	epoch, wakeID := m.Store.TransitionToWaking(c)
	m.Store.ClaimWakeID(c, wakeID)

	token := GenerateCallbackToken(c.ConsumerID, epoch)
	result := m.HandleCallback(c.ConsumerID, token, CallbackRequest{Epoch: epoch + 1})

	errResp, ok := result.(CallbackErrorResponse)
	if !ok || errResp.Error.Code != ErrCodeStaleEpoch {
		t.Fatalf("expected STALE_EPOCH error, got %+v", result)
	}
}

func TestHandleCallbackAppliesAcksAndSubscriptions(t *testing.T) {
	m := newTestManager(t, func(string) string { return "-1" })
	m.Store.CreateSubscription("sub-1", "/rooms/*/messages", "https://example.com/hook", "")
	c := m.Store.GetOrCreateConsumer("sub-1", "/rooms/42/messages")
	epoch, wakeID := m.Store.TransitionToWaking(c)
	m.Store.ClaimWakeID(c, wakeID)

	token := GenerateCallbackToken(c.ConsumerID, epoch)
	ackOffset := offsetcodec.Offset{Seq: 7}.String()
	result := m.HandleCallback(c.ConsumerID, token, CallbackRequest{
		Epoch:     epoch,
		Acks:      []AckEntry{{Path: "/rooms/42/messages", Offset: ackOffset}},
		Subscribe: []string{"/rooms/43/messages"},
	})

	success, ok := result.(CallbackSuccess)
	if !ok || !success.OK {
		t.Fatalf("expected success response, got %+v", result)
	}
	if c.Streams["/rooms/42/messages"] != ackOffset {
		t.Fatalf("expected ack to update offset, got %s", c.Streams["/rooms/42/messages"])
	}
	if _, ok := c.Streams["/rooms/43/messages"]; !ok {
		t.Fatal("expected new subscription to be recorded")
	}
}

func TestHandleCallbackUnknownConsumerReturnsGone(t *testing.T) {
	m := newTestManager(t, func(string) string { return "-1" })
	result := m.HandleCallback("missing", "token", CallbackRequest{Epoch: 1})
	errResp, ok := result.(CallbackErrorResponse)
	if !ok || errResp.Error.Code != ErrCodeConsumerGone {
		t.Fatalf("expected CONSUMER_GONE, got %+v", result)
	}
}

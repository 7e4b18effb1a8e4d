package webhook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestRoutes(t *testing.T) *Routes {
	t.Helper()
	m := NewManager("http://callbacks.test", func(string) string { return "-1" }, nil)
	return NewRoutes(m, nil)
}

func TestHandleRequestCreateGetDeleteSubscription(t *testing.T) {
	rt := newTestRoutes(t)

	body, _ := json.Marshal(map[string]string{
		"pattern": "/rooms/*/messages",
		"webhook": "https://example.com/hook",
	})
	req := httptest.NewRequest(http.MethodPut, "/?subscription=sub-1", bytes.NewReader(body))
	w := httptest.NewRecorder()
	if handled := rt.HandleRequest(w, req); !handled {
		t.Fatal("expected create subscription request to be handled")
	}
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/?subscription=sub-1", nil)
	getW := httptest.NewRecorder()
	rt.HandleRequest(getW, getReq)
	if getW.Code != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d", getW.Code)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/?subscriptions", nil)
	listW := httptest.NewRecorder()
	if handled := rt.HandleRequest(listW, listReq); !handled {
		t.Fatal("expected list subscriptions request to be handled")
	}
	if listW.Code != http.StatusOK {
		t.Fatalf("expected 200 on list, got %d", listW.Code)
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/?subscription=sub-1", nil)
	delW := httptest.NewRecorder()
	rt.HandleRequest(delW, delReq)
	if delW.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d", delW.Code)
	}

	getAgainW := httptest.NewRecorder()
	rt.HandleRequest(getAgainW, httptest.NewRequest(http.MethodGet, "/?subscription=sub-1", nil))
	if getAgainW.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", getAgainW.Code)
	}
}

func TestHandleRequestUnmatchedReturnsFalse(t *testing.T) {
	rt := newTestRoutes(t)
	req := httptest.NewRequest(http.MethodGet, "/not-a-webhook-route", nil)
	w := httptest.NewRecorder()
	if handled := rt.HandleRequest(w, req); handled {
		t.Fatal("expected unmatched path to return false")
	}
}

func TestHandleCallbackRejectsMissingBearerToken(t *testing.T) {
	rt := newTestRoutes(t)
	req := httptest.NewRequest(http.MethodPost, "/callback/consumer-1", bytes.NewReader([]byte(`{"epoch":1}`)))
	w := httptest.NewRecorder()
	if handled := rt.HandleRequest(w, req); !handled {
		t.Fatal("expected callback request to be handled")
	}
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestHandleCallbackRejectsMissingEpoch(t *testing.T) {
	rt := newTestRoutes(t)
	req := httptest.NewRequest(http.MethodPost, "/callback/consumer-1", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer sometoken")
	w := httptest.NewRecorder()
	rt.HandleRequest(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing epoch, got %d", w.Code)
	}
}

func TestHandleCallbackEndToEnd(t *testing.T) {
	rt := newTestRoutes(t)
	rt.Manager.Store.CreateSubscription("sub-1", "/rooms/*/messages", "https://example.com/hook", "")
	c := rt.Manager.Store.GetOrCreateConsumer("sub-1", "/rooms/42/messages")
	epoch, wakeID := rt.Manager.Store.TransitionToWaking(c)
	rt.Manager.Store.ClaimWakeID(c, wakeID)
	token := GenerateCallbackToken(c.ConsumerID, epoch)

	body, _ := json.Marshal(map[string]any{"epoch": epoch})
	req := httptest.NewRequest(http.MethodPost, "/callback/"+c.ConsumerID, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	rt.HandleRequest(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

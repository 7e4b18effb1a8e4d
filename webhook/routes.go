package webhook

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Routes exposes the webhook subscription and callback HTTP surface.
type Routes struct {
	Manager *Manager
	Logger  *zap.Logger
}

// NewRoutes creates a Routes handler bound to a Manager.
func NewRoutes(manager *Manager, logger *zap.Logger) *Routes {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Routes{Manager: manager, Logger: logger}
}

// HandleRequest dispatches webhook subscription and callback requests.
// Returns false if the request does not belong to this handler, so the
// caller can fall through to its own routing (mirroring router.Handler's
// ServeHTTP convention).
func (rt *Routes) HandleRequest(w http.ResponseWriter, r *http.Request) bool {
	path := r.URL.Path

	if rest, ok := strings.CutPrefix(path, "/callback/"); ok && rest != "" {
		rt.handleCallback(w, r, rest)
		return true
	}

	subscriptionID := r.URL.Query().Get("subscription")
	if subscriptionID != "" {
		switch r.Method {
		case http.MethodPut:
			rt.handleCreateSubscription(w, r, subscriptionID)
		case http.MethodGet:
			rt.handleGetSubscription(w, r, subscriptionID)
		case http.MethodDelete:
			rt.handleDeleteSubscription(w, r, subscriptionID)
		default:
			return false
		}
		return true
	}

	if r.Method == http.MethodGet && r.URL.Query().Has("subscriptions") {
		rt.handleListSubscriptions(w, r)
		return true
	}

	return false
}

func (rt *Routes) handleCreateSubscription(w http.ResponseWriter, r *http.Request, subscriptionID string) {
	var body struct {
		Pattern     string `json:"pattern"`
		Webhook     string `json:"webhook"`
		Description string `json:"description,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if body.Pattern == "" || body.Webhook == "" {
		writeJSONStatus(w, http.StatusBadRequest, map[string]any{"error": "pattern and webhook are required"})
		return
	}

	sub, created, err := rt.Manager.Store.CreateSubscription(subscriptionID, body.Pattern, body.Webhook, body.Description)
	if err != nil {
		writeJSONStatus(w, http.StatusConflict, map[string]any{"error": err.Error()})
		return
	}

	if created {
		rt.registerExistingStreamsForSubscription(sub)
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSONStatus(w, status, sub)
}

// registerExistingStreamsForSubscription is a hook point for wiring a
// store lister (to register consumers for streams that already existed
// before the subscription was created). Left as a no-op: consumers are
// created lazily via OnStreamAppend/OnStreamCreated as streams are
// touched, matching the teacher's own append-triggered registration.
func (rt *Routes) registerExistingStreamsForSubscription(sub *Subscription) {}

func (rt *Routes) handleGetSubscription(w http.ResponseWriter, r *http.Request, subscriptionID string) {
	sub := rt.Manager.Store.GetSubscription(subscriptionID)
	if sub == nil {
		writeJSONStatus(w, http.StatusNotFound, map[string]any{"error": "subscription not found"})
		return
	}
	writeJSONStatus(w, http.StatusOK, sub)
}

func (rt *Routes) handleDeleteSubscription(w http.ResponseWriter, r *http.Request, subscriptionID string) {
	if !rt.Manager.Store.DeleteSubscription(subscriptionID) {
		writeJSONStatus(w, http.StatusNotFound, map[string]any{"error": "subscription not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Routes) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	subs := rt.Manager.Store.ListSubscriptions(pattern)
	writeJSONStatus(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (rt *Routes) handleCallback(w http.ResponseWriter, r *http.Request, consumerID string) {
	if r.Method != http.MethodPost {
		writeJSONStatus(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		writeJSONStatus(w, http.StatusUnauthorized, CallbackErrorResponse{
			OK: false,
			Error: CallbackErrObj{
				Code:    ErrCodeTokenInvalid,
				Message: "missing bearer token",
			},
		})
		return
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, CallbackErrorResponse{
			OK: false,
			Error: CallbackErrObj{
				Code:    ErrCodeInvalidRequest,
				Message: "invalid request body",
			},
		})
		return
	}
	if _, ok := raw["epoch"]; !ok {
		writeJSONStatus(w, http.StatusBadRequest, CallbackErrorResponse{
			OK: false,
			Error: CallbackErrObj{
				Code:    ErrCodeInvalidRequest,
				Message: "epoch is required",
			},
		})
		return
	}

	rawBytes, _ := json.Marshal(raw)
	var request CallbackRequest
	if err := json.Unmarshal(rawBytes, &request); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, CallbackErrorResponse{
			OK: false,
			Error: CallbackErrObj{
				Code:    ErrCodeInvalidRequest,
				Message: "invalid request body",
			},
		})
		return
	}

	result := rt.Manager.HandleCallback(consumerID, token, request)

	status := http.StatusOK
	if errResp, ok := result.(CallbackErrorResponse); ok {
		if code, ok := ErrorCodeToHTTPStatus[errResp.Error.Code]; ok {
			status = code
		} else {
			status = http.StatusBadRequest
		}
	}
	writeJSONStatus(w, status, result)
}

func writeJSONStatus(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

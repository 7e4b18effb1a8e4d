package router

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Handler dispatches inbound HTTP requests against a compiled RouterDef.
// When no procedure matches, ServeHTTP returns false so the caller can
// route to the raw stream handler.
type Handler struct {
	Def *RouterDef
	Log *zap.Logger
}

// NewHandler builds a dispatcher over a compiled RouterDef. log may be
// nil, in which case zap.NewNop() is used.
func NewHandler(def *RouterDef, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Def: def, Log: log}
}

type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string { return e.message }

// ServeHTTP attempts to dispatch r against a matching procedure. It
// writes a response and returns true on match; returns false (writing
// nothing) when no procedure matches, per step 5 of the dispatch
// algorithm ("return null ... so the caller can try stream-handler
// fallback").
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) bool {
	method := strings.ToUpper(r.Method)

	for _, p := range h.Def.Procedures {
		if string(p.Verb) != method {
			continue
		}
		params, ok := p.template.match(r.URL.Path)
		if !ok {
			continue
		}

		input, err := decodeInput(r, p.Verb)
		if err != nil {
			h.writeError(w, &httpError{status: http.StatusBadRequest, message: err.Error()})
			return true
		}

		result, err := p.Handler(params, input)
		if err != nil {
			h.writeError(w, classifyError(err))
			return true
		}

		if result == nil {
			w.WriteHeader(http.StatusNoContent)
			return true
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(result); err != nil {
			h.Log.Error("encode procedure result", zap.String("procedure", p.Name), zap.Error(err))
		}
		return true
	}

	return false
}

// decodeInput parses the request body per step 3: for GET/DELETE, the
// query string becomes input (nil if empty); otherwise the JSON body is
// decoded (nil if empty).
func decodeInput(r *http.Request, verb Verb) (any, error) {
	if verb == VerbGet || verb == VerbDelete {
		if r.URL.RawQuery == "" {
			return nil, nil
		}
		values, err := url.ParseQuery(r.URL.RawQuery)
		if err != nil {
			return nil, err
		}
		input := make(map[string]any, len(values))
		for k, v := range values {
			if len(v) == 1 {
				input[k] = v[0]
			} else {
				input[k] = v
			}
		}
		return input, nil
	}

	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	var input any
	if err := dec.Decode(&input); err != nil {
		if err.Error() == "EOF" {
			return nil, nil
		}
		return nil, err
	}
	return input, nil
}

// classifyError translates a procedure handler's error into an
// httpError per step 4: json.SyntaxError -> 400, message containing
// "not found" -> 404,
// "missing"/"empty" -> 400, else 500.
func classifyError(err error) *httpError {
	if httpErr, ok := err.(*httpError); ok {
		return httpErr
	}

	if _, ok := err.(*json.SyntaxError); ok {
		return &httpError{status: http.StatusBadRequest, message: err.Error()}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found"):
		return &httpError{status: http.StatusNotFound, message: err.Error()}
	case strings.Contains(msg, "missing"), strings.Contains(msg, "empty"):
		return &httpError{status: http.StatusBadRequest, message: err.Error()}
	default:
		return &httpError{status: http.StatusInternalServerError, message: "internal server error"}
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err *httpError) {
	if err.status == http.StatusInternalServerError {
		h.Log.Error("unclassified router error", zap.String("message", err.message))
	}
	http.Error(w, err.message, err.status)
}

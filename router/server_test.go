package router

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func buildTestHandler(t *testing.T, handler ProcedureHandler) *Handler {
	t.Helper()
	def, err := Compile([]ProcedureDef{
		{Name: "getThing", Verb: VerbGet, Path: "/thing/:id", Handler: handler},
	}, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return NewHandler(def, nil)
}

func TestServeHTTPDecodesPathAndQueryParams(t *testing.T) {
	var gotParams map[string]string
	var gotInput any
	h := buildTestHandler(t, func(params map[string]string, input any) (any, error) {
		gotParams = params
		gotInput = input
		return map[string]string{"ok": "yes"}, nil
	})

	req := httptest.NewRequest(http.MethodGet, "/thing/abc?verbose=true", nil)
	rec := httptest.NewRecorder()

	matched := h.ServeHTTP(rec, req)
	if !matched {
		t.Fatal("expected a match")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotParams["id"] != "abc" {
		t.Errorf("params[id] = %q, want abc", gotParams["id"])
	}
	input, ok := gotInput.(map[string]any)
	if !ok || input["verbose"] != "true" {
		t.Errorf("input = %#v, want map with verbose=true", gotInput)
	}
	if !strings.Contains(rec.Body.String(), "\"ok\"") {
		t.Errorf("body = %q, want JSON containing ok", rec.Body.String())
	}
}

func TestServeHTTPReturnsFalseOnNoMatch(t *testing.T) {
	h := buildTestHandler(t, noopHandler)
	req := httptest.NewRequest(http.MethodPost, "/thing/abc", nil)
	rec := httptest.NewRecorder()

	if h.ServeHTTP(rec, req) {
		t.Error("expected no match for a different verb")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected no response to be written on no-match, got status %d", rec.Code)
	}
}

func TestServeHTTPNilResultIs204(t *testing.T) {
	h := buildTestHandler(t, func(params map[string]string, input any) (any, error) {
		return nil, nil
	})
	req := httptest.NewRequest(http.MethodGet, "/thing/abc", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

func TestClassifyErrorStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", errors.New("widget not found"), http.StatusNotFound},
		{"missing", errors.New("missing required field"), http.StatusBadRequest},
		{"empty", errors.New("value is empty"), http.StatusBadRequest},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyError(tc.err)
			if got.status != tc.status {
				t.Errorf("status = %d, want %d", got.status, tc.status)
			}
		})
	}
}

func TestServeHTTPHandlerErrorTranslatedToStatus(t *testing.T) {
	h := buildTestHandler(t, func(params map[string]string, input any) (any, error) {
		return nil, errors.New("thing not found")
	})
	req := httptest.NewRequest(http.MethodGet, "/thing/abc", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

package router

import (
	"errors"
	"testing"
)

func TestCompileRejectsDuplicateRouteNames(t *testing.T) {
	procs := []ProcedureDef{
		{Name: "getThing", Verb: VerbGet, Path: "/thing/:id", Handler: noopHandler},
	}
	streams := []StreamDef{
		{Name: "getThing", Path: "/chat/:chatId"},
	}

	_, err := Compile(procs, streams)
	if !errors.Is(err, ErrDuplicateRoute) {
		t.Fatalf("got %v, want ErrDuplicateRoute", err)
	}
}

func TestCompileRejectsDuplicateCollectionType(t *testing.T) {
	streams := []StreamDef{
		{
			Name: "chat",
			Path: "/chat/:chatId",
			Collections: []CollectionDef{
				{Type: "message", PrimaryKey: "id"},
				{Type: "message", PrimaryKey: "id"},
			},
		},
	}

	_, err := Compile(nil, streams)
	if !errors.Is(err, ErrTypeCollision) {
		t.Fatalf("got %v, want ErrTypeCollision", err)
	}
}

func TestCompileAllowsSameCollectionNameAcrossStreams(t *testing.T) {
	streams := []StreamDef{
		{Name: "chatA", Path: "/chat-a/:chatId", Collections: []CollectionDef{{Type: "message", PrimaryKey: "id"}}},
		{Name: "chatB", Path: "/chat-b/:chatId", Collections: []CollectionDef{{Type: "message", PrimaryKey: "id"}}},
	}

	if _, err := Compile(nil, streams); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCompileRejectsReservedPathParam(t *testing.T) {
	procs := []ProcedureDef{
		{Name: "bad", Verb: VerbGet, Path: "/thing/:value", Handler: noopHandler},
	}
	_, err := Compile(procs, nil)
	if !errors.Is(err, ErrReservedParam) {
		t.Fatalf("got %v, want ErrReservedParam", err)
	}
}

func noopHandler(params map[string]string, input any) (any, error) { return nil, nil }

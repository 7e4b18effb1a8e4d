// Package router compiles a declarative set of procedure and collection
// routes over durable streams into a server-side dispatcher and an
// explicit, typed client surface — the RPC layer sitting above the raw
// append/read protocol and the collection schema overlay.
package router

import (
	"errors"
	"fmt"
)

// Verb is an RPC procedure's HTTP method.
type Verb string

const (
	VerbGet    Verb = "GET"
	VerbPost   Verb = "POST"
	VerbPatch  Verb = "PATCH"
	VerbDelete Verb = "DELETE"
)

var (
	// ErrReservedParam is returned when a path template uses one of the
	// reserved parameter names (value, key, input).
	ErrReservedParam = errors.New("router: reserved parameter name")

	// ErrDuplicateRoute is returned when two procedure or stream
	// definitions share a name within one RouterDef.
	ErrDuplicateRoute = errors.New("router: duplicate route name")

	// ErrTypeCollision is returned when two collections in the same
	// stream declare the same event type.
	ErrTypeCollision = errors.New("router: duplicate collection type in stream")

	// ErrNoMatch names the no-matching-procedure condition. Handler.ServeHTTP
	// does not return it; it reports no match by returning false, so the
	// caller can fall back to the raw stream handler.
	ErrNoMatch = errors.New("router: no matching procedure")
)

var reservedParamNames = map[string]bool{
	"value": true,
	"key":   true,
	"input": true,
}

// ProcedureDef declares one RPC procedure: a verb, a path template, and
// the handler invoked once params/input are decoded.
type ProcedureDef struct {
	Name     string
	Verb     Verb
	Path     string
	Handler  ProcedureHandler
	template *pathTemplate
}

// ProcedureHandler implements one procedure's business logic. params
// holds decoded path parameters; input holds the decoded query string
// (GET/DELETE) or JSON body (POST/PATCH), or nil if absent. A returned
// value of nil is encoded as a 204; any other value is JSON-encoded with
// a 200. Returned errors are translated to status codes by
// classifyError.
type ProcedureHandler func(params map[string]string, input any) (any, error)

// CollectionDef declares one collection living within a StreamDef:
// its event type and primary key field. It carries no JSON schema
// validator.
type CollectionDef struct {
	Type       string
	PrimaryKey string
}

// StreamDef declares the set of collections sharing one stream, keyed by
// a path template (e.g. "/chat/:chatId").
type StreamDef struct {
	Name        string
	Path        string
	Collections []CollectionDef
	template    *pathTemplate
}

// RouterDef is a compiled, validated set of procedure and stream
// definitions ready to dispatch requests or build a client.
type RouterDef struct {
	Procedures []ProcedureDef
	Streams    []StreamDef
}

// Compile validates and compiles a RouterDef's path templates. It
// rejects reserved parameter names, duplicate route names, and
// duplicate collection types within a single stream.
func Compile(procedures []ProcedureDef, streams []StreamDef) (*RouterDef, error) {
	names := make(map[string]bool, len(procedures)+len(streams))

	compiledProcs := make([]ProcedureDef, len(procedures))
	for i, p := range procedures {
		if names[p.Name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateRoute, p.Name)
		}
		names[p.Name] = true

		tmpl, err := compilePathTemplate(p.Path)
		if err != nil {
			return nil, fmt.Errorf("router: procedure %q: %w", p.Name, err)
		}
		p.template = tmpl
		compiledProcs[i] = p
	}

	compiledStreams := make([]StreamDef, len(streams))
	for i, s := range streams {
		if names[s.Name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateRoute, s.Name)
		}
		names[s.Name] = true

		tmpl, err := compilePathTemplate(s.Path)
		if err != nil {
			return nil, fmt.Errorf("router: stream %q: %w", s.Name, err)
		}
		s.template = tmpl

		types := make(map[string]bool, len(s.Collections))
		for _, c := range s.Collections {
			if types[c.Type] {
				return nil, fmt.Errorf("%w: stream %q, type %q", ErrTypeCollision, s.Name, c.Type)
			}
			types[c.Type] = true
		}

		compiledStreams[i] = s
	}

	return &RouterDef{Procedures: compiledProcs, Streams: compiledStreams}, nil
}

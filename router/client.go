package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/durablestreams/durablestreams/client"
	"github.com/durablestreams/durablestreams/collection"
)

// Client is the explicit, typed RPC dispatcher over a compiled
// RouterDef — a generated-looking struct rather than a reflect-based
// dynamic proxy, per the router's design notes. Procedure(name) and
// Stream(name) return typed call/subscription objects built from the
// definitions Client was constructed with.
type Client struct {
	def        *RouterDef
	baseURL    string
	httpClient *http.Client
	streams    *client.Client
}

// NewClient builds a router client dispatching HTTP procedure calls
// against baseURL and stream operations via a durable-streams
// client.Client built from opts. Both the procedure-call transport and
// the stream client share opts' WithHTTPClient setting, if any, so
// pointing either at a test server (e.g. durablestreamstest.MockServer)
// covers both surfaces.
func NewClient(def *RouterDef, baseURL string, opts ...client.ClientOption) *Client {
	streams := client.NewClient(opts...)
	return &Client{
		def:        def,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: streams.HTTPClient(),
		streams:    streams,
	}
}

// Procedure returns a typed call object for the named procedure, or nil
// if no procedure with that name was compiled into the RouterDef.
func (c *Client) Procedure(name string) *ProcedureCall {
	for _, p := range c.def.Procedures {
		if p.Name == name {
			return &ProcedureCall{client: c, def: p}
		}
	}
	return nil
}

// Stream returns a typed collection dispatcher for the named stream
// definition, or nil if no stream with that name was compiled into the
// RouterDef.
func (c *Client) Stream(name string) *StreamHandle {
	for _, s := range c.def.Streams {
		if s.Name == name {
			return &StreamHandle{client: c, def: s}
		}
	}
	return nil
}

// ProcedureCall invokes one compiled procedure. Mutation payloads
// destructure {value, key, ...pathParams} at the call site, mirroring
// the manager.call(def, args) body-vs-query rule: GET/DELETE encode
// params as a query string, everything else as a JSON body.
type ProcedureCall struct {
	client *Client
	def    ProcedureDef
}

// Call invokes the procedure with the given path params and input,
// decoding the JSON response into result (which may be nil to discard
// the body, e.g. for a 204 response).
func (p *ProcedureCall) Call(ctx context.Context, params map[string]string, input any, result any) error {
	path, err := p.def.template.build(params)
	if err != nil {
		return err
	}
	target := p.client.baseURL + path

	var body io.Reader
	switch p.def.Verb {
	case VerbGet, VerbDelete:
		if input != nil {
			query, err := encodeQuery(input)
			if err != nil {
				return err
			}
			if query != "" {
				target += "?" + query
			}
		}
	default:
		if input != nil {
			data, err := json.Marshal(input)
			if err != nil {
				return err
			}
			body = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(ctx, string(p.def.Verb), target, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("router: procedure %q: status %d: %s", p.def.Name, resp.StatusCode, string(data))
	}
	if resp.StatusCode == http.StatusNoContent || result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

func encodeQuery(input any) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", err
	}
	values := url.Values{}
	for k, v := range fields {
		values.Set(k, fmt.Sprintf("%v", v))
	}
	return values.Encode(), nil
}

// StreamHandle is the typed collection-method surface for one compiled
// stream definition: get/subscribe/insert/update/delete/upsert/clear,
// dispatched over the underlying durable stream at the path built from
// pathParams.
type StreamHandle struct {
	client *Client
	def    StreamDef
}

// Open resolves the stream's path from pathParams and returns the
// underlying client.Stream handle, for direct Append/Read access
// alongside the typed collection helpers.
func (s *StreamHandle) Open(pathParams map[string]string) (*client.Stream, error) {
	tmpl, err := compilePathTemplate(s.def.Path)
	if err != nil {
		return nil, err
	}
	path, err := tmpl.build(pathParams)
	if err != nil {
		return nil, err
	}
	return s.client.streams.Stream(s.client.baseURL + path), nil
}

// Follow opens the stream and drives its change-event log into manager,
// blocking until ctx is done or the read completes. Collections in
// manager should be registered against the Type names declared by this
// stream's CollectionDef entries.
func (s *StreamHandle) Follow(ctx context.Context, pathParams map[string]string, manager *collection.Manager, opts ...client.ReadOption) error {
	stream, err := s.Open(pathParams)
	if err != nil {
		return err
	}
	return collection.Follow(ctx, stream, manager, opts...)
}

// mutation is the wire shape of an insert/update/upsert/delete call: the
// payload destructures {value, key, ...pathParams}, mirroring the
// server-side ChangeEvent shape.
type mutation struct {
	Type     string             `json:"type"`
	Key      string             `json:"key,omitempty"`
	Value    json.RawMessage    `json:"value,omitempty"`
	OldValue json.RawMessage    `json:"old_value,omitempty"`
	Headers  collection.Headers `json:"headers"`
}

// Insert appends an insert ChangeEvent for typeName/key with value to
// the stream resolved from pathParams.
func (s *StreamHandle) Insert(ctx context.Context, pathParams map[string]string, typeName, key string, value any) (*client.AppendResult, error) {
	return s.mutate(ctx, pathParams, typeName, key, value, collection.OpInsert)
}

// Update appends an update ChangeEvent.
func (s *StreamHandle) Update(ctx context.Context, pathParams map[string]string, typeName, key string, value any) (*client.AppendResult, error) {
	return s.mutate(ctx, pathParams, typeName, key, value, collection.OpUpdate)
}

// Upsert appends an upsert ChangeEvent; resolution between insert and
// update semantics happens at dispatch time on the reading side, not here.
func (s *StreamHandle) Upsert(ctx context.Context, pathParams map[string]string, typeName, key string, value any) (*client.AppendResult, error) {
	return s.mutate(ctx, pathParams, typeName, key, value, collection.OpUpsert)
}

// Delete appends a delete ChangeEvent for typeName/key.
func (s *StreamHandle) Delete(ctx context.Context, pathParams map[string]string, typeName, key string) (*client.AppendResult, error) {
	return s.mutate(ctx, pathParams, typeName, key, nil, collection.OpDelete)
}

// Clear appends a {control: "reset"} log entry, truncating every
// collection that follows this stream.
func (s *StreamHandle) Clear(ctx context.Context, pathParams map[string]string) (*client.AppendResult, error) {
	stream, err := s.Open(pathParams)
	if err != nil {
		return nil, err
	}
	return stream.AppendJSON(ctx, collection.ControlEvent{Control: "reset"})
}

func (s *StreamHandle) mutate(ctx context.Context, pathParams map[string]string, typeName, key string, value any, op collection.Operation) (*client.AppendResult, error) {
	stream, err := s.Open(pathParams)
	if err != nil {
		return nil, err
	}

	m := mutation{Type: typeName, Key: key, Headers: collection.Headers{Operation: op}}
	if value != nil {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		m.Value = data
	}
	return stream.AppendJSON(ctx, m)
}

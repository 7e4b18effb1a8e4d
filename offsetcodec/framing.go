package offsetcodec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
)

// FormatJSONArray concatenates message payloads into a single JSON array,
// per the protocol's "top-level arrays are flattened one level" framing.
// An empty message set encodes as "[]".
func FormatJSONArray(messages [][]byte) []byte {
	if len(messages) == 0 {
		return []byte("[]")
	}
	total := 2
	for i, m := range messages {
		if i > 0 {
			total++
		}
		total += len(m)
	}
	buf := make([]byte, 0, total)
	buf = append(buf, '[')
	for i, m := range messages {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, m...)
	}
	buf = append(buf, ']')
	return buf
}

// SplitJSONAppend validates an append payload and, if it is a top-level JSON
// array, flattens it into individual message values (one level, per spec).
// A bare JSON value (object/string/number) becomes a single-element result.
// Empty arrays are only permitted when allowEmpty is set (stream creation).
func SplitJSONAppend(data []byte, allowEmpty bool) ([][]byte, error) {
	if !json.Valid(data) {
		return nil, ErrInvalidJSON
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, ErrInvalidJSON
		}
		if len(arr) == 0 {
			if !allowEmpty {
				return nil, ErrEmptyJSONArray
			}
			return [][]byte{}, nil
		}
		out := make([][]byte, len(arr))
		for i, v := range arr {
			out[i] = []byte(v)
		}
		return out, nil
	}
	return [][]byte{trimmed}, nil
}

// SSEWriter renders durable-streams SSE events: CRLF-safe multi-line `data:`
// framing, one `data` event per payload and one `control` event carrying the
// cursor/offset/up-to-date metadata that follows it.
type SSEWriter struct {
	w          func([]byte) (int, error)
	base64Data bool
}

// NewSSEWriter wraps a raw byte-sink (typically an http.ResponseWriter.Write)
// with the protocol's event framing. When base64Data is true, payloads are
// base64-encoded before being split into data: lines, which is how binary
// content types are carried over SSE (§4.D encoding=base64 query option).
func NewSSEWriter(w func([]byte) (int, error), base64Data bool) *SSEWriter {
	return &SSEWriter{w: w, base64Data: base64Data}
}

func (s *SSEWriter) WriteData(payload []byte) error {
	body := payload
	if s.base64Data {
		body = []byte(base64.StdEncoding.EncodeToString(payload))
	}
	body = bytes.ReplaceAll(body, []byte("\r\n"), []byte("\n"))
	body = bytes.ReplaceAll(body, []byte("\r"), []byte("\n"))
	var buf bytes.Buffer
	buf.WriteString("event: data\n")
	for _, line := range bytes.Split(body, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := s.w(buf.Bytes())
	return err
}

// ControlEvent is the JSON payload of an SSE `control` event.
type ControlEvent struct {
	StreamNextOffset string `json:"streamNextOffset"`
	StreamCursor     string `json:"streamCursor,omitempty"`
	UpToDate         bool   `json:"upToDate,omitempty"`
}

func (s *SSEWriter) WriteControl(c ControlEvent) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.WriteString("event: control\n")
	buf.WriteString("data: ")
	buf.Write(body)
	buf.WriteString("\n\n")
	_, err = s.w(buf.Bytes())
	return err
}

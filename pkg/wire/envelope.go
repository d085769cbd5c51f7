// Package wire implements the fabric wire protocol: one JSON envelope per
// WebSocket text frame.
//
// Envelope structure:
//
//	{"v":1,"type":"list","id":"…","ts":"…","payload":{…}}
//
// Every reply preserves the request's id. Payloads are opaque JSON objects
// whose shape depends on the message type; unknown payload fields are
// ignored by all consumers so the protocol can grow without breaking older
// peers.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ProtocolVersion is the current envelope version.
const ProtocolVersion = 1

// Envelope is the top-level message wrapper carried on every frame.
type Envelope struct {
	V    int    `json:"v"`
	Type string `json:"type"`
	ID   string `json:"id"`
	Ts   string `json:"ts"`

	OrgID    string `json:"orgId,omitempty"`
	FromNode string `json:"fromNode,omitempty"`
	ToNode   string `json:"toNode,omitempty"`

	Payload map[string]any `json:"payload,omitempty"`
}

// New creates an envelope of the given type with a fresh id and timestamp.
// A nil payload is replaced by an empty object so encoding is stable.
func New(msgType string, payload map[string]any) *Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Envelope{
		V:       ProtocolVersion,
		Type:    msgType,
		ID:      uuid.NewString(),
		Ts:      time.Now().UTC().Format(time.RFC3339),
		Payload: payload,
	}
}

// Reply creates an envelope answering req: same id, new type and payload.
func Reply(req *Envelope, msgType string, payload map[string]any) *Envelope {
	env := New(msgType, payload)
	if req != nil && req.ID != "" {
		env.ID = req.ID
	}
	return env
}

// Error creates an error envelope correlated with req. The message must be
// short and human-readable; it is shown to end users verbatim.
func Error(req *Envelope, message string) *Envelope {
	return Reply(req, "error", map[string]any{"message": message})
}

// Encode serializes the envelope as compact, ASCII-safe JSON: every byte of
// the frame is below 0x80.
func (e *Envelope) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	// json.Encoder appends a newline; frames carry exactly one document.
	return escapeNonASCII(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// escapeNonASCII rewrites every rune above 0x7F as a \uXXXX escape, using
// surrogate pairs outside the BMP. encoding/json only escapes HTML-sensitive
// characters, and multi-byte sequences can only occur inside string
// literals, so the rewrite cannot change the document structure.
func escapeNonASCII(data []byte) []byte {
	ascii := true
	for _, b := range data {
		if b >= utf8.RuneSelf {
			ascii = false
			break
		}
	}
	if ascii {
		return data
	}

	var out bytes.Buffer
	out.Grow(len(data) + 32)
	for i := 0; i < len(data); {
		if b := data[i]; b < utf8.RuneSelf {
			out.WriteByte(b)
			i++
			continue
		}
		r, size := utf8.DecodeRune(data[i:])
		i += size
		if r > 0xFFFF {
			r1, r2 := utf16.EncodeRune(r)
			fmt.Fprintf(&out, `\u%04x\u%04x`, r1, r2)
		} else {
			fmt.Fprintf(&out, `\u%04x`, r)
		}
	}
	return out.Bytes()
}

// Decode parses an envelope from a frame. Missing id or ts are generated so
// callers can always correlate a reply; a missing version defaults to the
// current protocol version.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	if env.V == 0 {
		env.V = ProtocolVersion
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Ts == "" {
		env.Ts = time.Now().UTC().Format(time.RFC3339)
	}
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	return &env, nil
}

// Str extracts a string payload field, tolerating absence.
func (e *Envelope) Str(key string) string {
	v, _ := e.Payload[key].(string)
	return v
}

// Bool extracts a boolean payload field; def is returned when absent or of
// the wrong type.
func (e *Envelope) Bool(key string, def bool) bool {
	if v, ok := e.Payload[key].(bool); ok {
		return v
	}
	return def
}

// Int extracts an integer payload field. JSON numbers arrive as float64;
// string digits are not accepted.
func (e *Envelope) Int(key string, def int) int {
	switch v := e.Payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

// StrSlice extracts a []string payload field, skipping non-string items.
func (e *Envelope) StrSlice(key string) []string {
	raw, ok := e.Payload[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Object extracts an object payload field as a map; nil when absent.
func (e *Envelope) Object(key string) map[string]any {
	v, _ := e.Payload[key].(map[string]any)
	return v
}

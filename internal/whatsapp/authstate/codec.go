package authstate

import (
	"encoding/base64"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const bufferTag = "Buffer"

// Buffer is binary data that serializes as {"type":"Buffer","data":"<base64>"}
// so it can be told apart from ordinary strings when read back.
type Buffer []byte

type taggedBuffer struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (b Buffer) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	return json.Marshal(taggedBuffer{Type: bufferTag, Data: base64.StdEncoding.EncodeToString(b)})
}

func (b *Buffer) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case string:
		// bare base64 string, as written by older credential bundles
		raw, err := base64.StdEncoding.DecodeString(t)
		if err != nil {
			return err
		}
		*b = raw
		return nil
	case map[string]any:
		if !isTaggedBuffer(t) {
			return fmt.Errorf("authstate: object is not a tagged buffer")
		}
		raw, err := decodeBufferData(t["data"])
		if err != nil {
			return err
		}
		*b = raw
		return nil
	default:
		return fmt.Errorf("authstate: cannot decode %T as buffer", v)
	}
}

func isTaggedBuffer(m map[string]any) bool {
	tag, _ := m["type"].(string)
	_, hasData := m["data"]
	return tag == bufferTag && hasData
}

func decodeBufferData(data any) ([]byte, error) {
	switch v := data.(type) {
	case string:
		return base64.StdEncoding.DecodeString(v)
	case []any:
		out := make([]byte, len(v))
		for i, e := range v {
			n, ok := e.(float64)
			if !ok || n < 0 || n > 255 || n != float64(int(n)) {
				return nil, fmt.Errorf("authstate: invalid byte %v at %d", e, i)
			}
			out[i] = byte(n)
		}
		return out, nil
	case nil:
		return []byte{}, nil
	default:
		return nil, fmt.Errorf("authstate: invalid buffer data %T", data)
	}
}

// Marshal serializes v, tagging every []byte found in generic maps and slices.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(tagBuffers(v))
}

// Unmarshal decodes a blob produced by Marshal into generic values, turning
// tagged buffers back into Buffer.
func Unmarshal(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return revive(v), nil
}

// UnmarshalInto decodes a blob into a typed value.
func UnmarshalInto(data []byte, out any) error {
	return json.Unmarshal(data, out)
}

func tagBuffers(v any) any {
	switch t := v.(type) {
	case []byte:
		if t == nil {
			return nil
		}
		return Buffer(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = tagBuffers(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = tagBuffers(e)
		}
		return out
	default:
		return v
	}
}

func revive(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if isTaggedBuffer(t) {
			if raw, err := decodeBufferData(t["data"]); err == nil {
				return Buffer(raw)
			}
		}
		for k, e := range t {
			t[k] = revive(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = revive(e)
		}
		return t
	default:
		return v
	}
}

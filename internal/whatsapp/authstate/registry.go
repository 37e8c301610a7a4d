package authstate

import (
	"reflect"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// Key categories written by the protocol binding.
const (
	CategoryPreKey          = "pre-key"
	CategorySession         = "session"
	CategorySenderKey       = "sender-key"
	CategoryIdentityKey     = "identity-key"
	CategoryAppStateSyncKey = "app-state-sync-key"
)

// Decoder turns a generically decoded key value into its typed form.
type Decoder func(raw any) (any, error)

// Registry maps key categories to decoders. Categories without a decoder are
// returned as decoded.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

// DefaultRegistry returns a registry with the built-in decoders.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(CategoryAppStateSyncKey, decodeAppStateSyncKey)
	r.Register(CategoryPreKey, decodePreKey)
	return r
}

func (r *Registry) Register(category string, dec Decoder) {
	r.mu.Lock()
	r.decoders[category] = dec
	r.mu.Unlock()
}

func (r *Registry) Decode(category string, raw any) (any, error) {
	r.mu.RLock()
	dec, ok := r.decoders[category]
	r.mu.RUnlock()
	if !ok {
		return raw, nil
	}
	return dec(raw)
}

// AppStateSyncKeyData is the typed form of an "app-state-sync-key" entry.
type AppStateSyncKeyData struct {
	KeyData     Buffer `json:"keyData"`
	Fingerprint Buffer `json:"fingerprint,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

func decodeAppStateSyncKey(raw any) (any, error) {
	switch v := raw.(type) {
	case *AppStateSyncKeyData:
		return v, nil
	case AppStateSyncKeyData:
		return &v, nil
	}
	out := &AppStateSyncKeyData{}
	if err := decodeInto(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

// PreKeyData is the typed form of a "pre-key" entry.
type PreKeyData struct {
	Public   Buffer `json:"public"`
	Private  Buffer `json:"private"`
	Uploaded bool   `json:"uploaded"`
}

func decodePreKey(raw any) (any, error) {
	switch v := raw.(type) {
	case *PreKeyData:
		return v, nil
	case PreKeyData:
		return &v, nil
	}
	out := &PreKeyData{}
	if err := decodeInto(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeInto(raw any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       longToInt64Hook,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

// longToInt64Hook accepts 64-bit integers split as {low, high} int32 halves.
func longToInt64Hook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.Int64 {
		return data, nil
	}
	m, ok := data.(map[string]any)
	if !ok {
		return data, nil
	}
	low, lok := m["low"].(float64)
	high, hok := m["high"].(float64)
	if !lok || !hok {
		return data, nil
	}
	return int64(int32(high))<<32 | int64(uint32(int32(low))), nil
}

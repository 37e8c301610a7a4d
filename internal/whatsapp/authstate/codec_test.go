package authstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferWireFormat(t *testing.T) {
	data, err := Marshal(map[string]any{"key": []byte{1, 2}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":{"type":"Buffer","data":"AQI="}}`, string(data))
}

func TestCredentialsRoundTrip(t *testing.T) {
	creds := NewCredentials()
	creds.Me = &Contact{ID: "6281234567890:12@s.whatsapp.net", Name: "Kelurahan"}
	creds.Registered = true

	data, err := Marshal(creds)
	require.NoError(t, err)

	decoded := new(Credentials)
	require.NoError(t, UnmarshalInto(data, decoded))
	assert.Equal(t, creds, decoded)
	assert.Len(t, decoded.NoiseKey.Private, 32)
	assert.Len(t, decoded.SignedPreKey.Signature, 64)
	assert.Len(t, decoded.AdvSecretKey, 32)
}

func TestGenericRoundTrip(t *testing.T) {
	in := map[string]any{
		"record": []byte{0, 1, 127, 128, 255},
		"empty":  []byte{},
		"nested": map[string]any{
			"chain": []any{[]byte{9, 8}, "plain", float64(3)},
		},
		"text": "AQI=",
	}
	data, err := Marshal(in)
	require.NoError(t, err)

	out, err := Unmarshal(data)
	require.NoError(t, err)

	want := map[string]any{
		"record": Buffer{0, 1, 127, 128, 255},
		"empty":  Buffer{},
		"nested": map[string]any{
			"chain": []any{Buffer{9, 8}, "plain", float64(3)},
		},
		"text": "AQI=",
	}
	assert.Equal(t, want, out)

	got := out.(map[string]any)
	assert.IsType(t, Buffer{}, got["record"])
	assert.IsType(t, "", got["text"])
}

func TestBufferNumericArrayForm(t *testing.T) {
	out, err := Unmarshal([]byte(`{"k":{"type":"Buffer","data":[104,105]}}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": Buffer("hi")}, out)

	var b Buffer
	require.NoError(t, UnmarshalInto([]byte(`{"type":"Buffer","data":[0,255]}`), &b))
	assert.Equal(t, Buffer{0, 255}, b)
}

func TestBufferRejectsInvalid(t *testing.T) {
	var b Buffer
	assert.Error(t, UnmarshalInto([]byte(`{"type":"Other","data":"AA=="}`), &b))
	assert.Error(t, UnmarshalInto([]byte(`{"type":"Buffer","data":[300]}`), &b))
	assert.Error(t, UnmarshalInto([]byte(`12`), &b))
}

func TestBufferNull(t *testing.T) {
	data, err := Marshal(struct {
		B Buffer `json:"b"`
	}{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":null}`, string(data))

	var out struct {
		B Buffer `json:"b"`
	}
	require.NoError(t, UnmarshalInto(data, &out))
	assert.Nil(t, out.B)
}

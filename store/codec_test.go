package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTrip pushes a Value through its JSON form, the way the file and
// database stores do, so the original object reference is gone.
func roundTrip(t *testing.T, v *Value) *Value {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)

	var out Value
	require.NoError(t, json.Unmarshal(data, &out))
	return &out
}

func TestEncodeValue_JSONNative(t *testing.T) {
	v, err := EncodeValue("hello")
	require.NoError(t, err)
	assert.Equal(t, "", v.Tag())

	decoded, err := roundTrip(t, v).Decode()
	require.NoError(t, err)
	assert.Equal(t, "hello", decoded)
}

func TestEncodeValue_NestedNative(t *testing.T) {
	in := map[string]any{"count": 3.0, "tags": []any{"a", "b"}}
	v, err := EncodeValue(in)
	require.NoError(t, err)
	assert.Equal(t, "", v.Tag())

	decoded, err := roundTrip(t, v).Decode()
	require.NoError(t, err)
	assert.Equal(t, in, decoded)
}

func TestEncodeValue_Datetime(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 30, 0, 123456789, time.UTC)
	v, err := EncodeValue(now)
	require.NoError(t, err)
	assert.Equal(t, TagDatetime, v.Tag())

	decoded, err := roundTrip(t, v).Decode()
	require.NoError(t, err)
	got, ok := decoded.(time.Time)
	require.True(t, ok)
	assert.True(t, now.Equal(got))
}

func TestEncodeValue_Duration(t *testing.T) {
	d := 90 * time.Second
	v, err := EncodeValue(d)
	require.NoError(t, err)
	assert.Equal(t, TagDuration, v.Tag())

	decoded, err := roundTrip(t, v).Decode()
	require.NoError(t, err)
	assert.Equal(t, d, decoded)
}

func TestEncodeValue_Bytes(t *testing.T) {
	b := []byte{0x01, 0x02, 0xff}
	v, err := EncodeValue(b)
	require.NoError(t, err)
	assert.Equal(t, TagBytes, v.Tag())

	decoded, err := roundTrip(t, v).Decode()
	require.NoError(t, err)
	assert.Equal(t, b, decoded)
}

func TestEncodeValue_Int(t *testing.T) {
	v, err := EncodeValue(7)
	require.NoError(t, err)
	assert.Equal(t, TagInt, v.Tag())

	decoded, err := roundTrip(t, v).Decode()
	require.NoError(t, err)
	assert.Equal(t, 7, decoded) // an int, not a float64
}

func TestEncodeValue_SizedIntKeepsItsType(t *testing.T) {
	v, err := EncodeValue(int64(9))
	require.NoError(t, err)
	assert.Equal(t, TagGob, v.Tag())

	decoded, err := roundTrip(t, v).Decode()
	require.NoError(t, err)
	assert.Equal(t, int64(9), decoded)
}

func TestEncodeValue_MapWithIntValues(t *testing.T) {
	// A container holding ints cannot pass through bare JSON without the
	// ints coming back as float64, so it takes the opaque envelope.
	in := map[string]any{"rounds": 4, "name": "run"}
	v, err := EncodeValue(in)
	require.NoError(t, err)
	assert.Equal(t, TagGob, v.Tag())

	decoded, err := roundTrip(t, v).Decode()
	require.NoError(t, err)
	assert.Equal(t, in, decoded)
}

func TestEncodeValue_Nil(t *testing.T) {
	v, err := EncodeValue(nil)
	require.NoError(t, err)

	decoded, err := roundTrip(t, v).Decode()
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

type codecOrder struct {
	ID    string `json:"id"`
	Total int    `json:"total"`
}

func TestEncodeValue_RegisteredType(t *testing.T) {
	require.NoError(t, RegisterTypeWithValue(codecOrder{}, "codecOrder"))

	in := codecOrder{ID: "o-1", Total: 42}
	v, err := EncodeValue(in)
	require.NoError(t, err)
	assert.Equal(t, TagTyped, v.Tag())

	decoded, err := roundTrip(t, v).Decode()
	require.NoError(t, err)
	assert.Equal(t, in, decoded)
}

type codecOpaque struct {
	Name  string
	Count int
}

func TestEncodeValue_GobFallback(t *testing.T) {
	// An unregistered struct falls back to the opaque envelope.
	in := codecOpaque{Name: "x", Count: 7}
	v, err := EncodeValue(in)
	require.NoError(t, err)
	assert.Equal(t, TagGob, v.Tag())

	decoded, err := roundTrip(t, v).Decode()
	require.NoError(t, err)
	assert.Equal(t, in, decoded)
}

func TestDecode_Identity(t *testing.T) {
	in := &codecOpaque{Name: "same", Count: 1}
	v, err := EncodeValue(in)
	require.NoError(t, err)

	// Without a serialization boundary the exact object comes back.
	decoded, err := v.Decode()
	require.NoError(t, err)
	assert.Same(t, in, decoded)
}

func TestEncodeDecodeState(t *testing.T) {
	state := map[string]any{
		"name":  "run-1",
		"count": 3,
		"when":  time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	encoded, err := EncodeState(state)
	require.NoError(t, err)

	data, err := json.Marshal(encoded)
	require.NoError(t, err)
	var restored map[string]*Value
	require.NoError(t, json.Unmarshal(data, &restored))

	decoded, err := DecodeState(restored)
	require.NoError(t, err)
	assert.Equal(t, "run-1", decoded["name"])
	assert.Equal(t, 3, decoded["count"])
	when, ok := decoded["when"].(time.Time)
	require.True(t, ok)
	assert.True(t, state["when"].(time.Time).Equal(when))
}

func TestLatestOf(t *testing.T) {
	early := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	cps := []*WorkflowCheckpoint{
		{CheckpointID: "a", IterationCount: 1, Timestamp: early},
		{CheckpointID: "b", IterationCount: 2, Timestamp: early},
		{CheckpointID: "c", IterationCount: 2, Timestamp: late},
	}
	assert.Equal(t, "c", LatestOf(cps).CheckpointID)
	assert.Nil(t, LatestOf(nil))
}

package store

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// Tags used in the typed value envelope {"$type": tag, "$value": ...}.
// Values that are JSON-native are written without an envelope. Plain ints get
// their own tag because a bare JSON number decodes back as float64. The gob
// tag is the opaque fallback for arbitrary Go values; its encoding is stable
// for a given SchemaVersion.
const (
	TagDatetime = "datetime"
	TagDuration = "duration"
	TagBytes    = "bytes"
	TagInt      = "int"
	TagTyped    = "typed"
	TagGob      = "gob"
)

// Value is a serializable wrapper around an arbitrary checkpoint value.
//
// EncodeValue keeps a reference to the original value, so a Value that never
// leaves the process (in-memory store) decodes back to the identical object.
// After a JSON round trip (file and database stores) Decode reconstructs an
// equal value of the same declared type, using the envelope tag.
type Value struct {
	tag    string
	raw    any
	rawSet bool
	enc    json.RawMessage
}

// gobPayload wraps a value so gob records the concrete type of V.
type gobPayload struct {
	V any
}

type typedPayload struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// EncodeValue wraps v for checkpointing.
func EncodeValue(v any) (*Value, error) {
	val := &Value{raw: v, rawSet: true}

	switch t := v.(type) {
	case nil:
		val.enc = json.RawMessage("null")
		return val, nil
	case time.Time:
		val.tag = TagDatetime
		enc, err := json.Marshal(t.Format(time.RFC3339Nano))
		if err != nil {
			return nil, err
		}
		val.enc = enc
		return val, nil
	case time.Duration:
		val.tag = TagDuration
		val.enc = json.RawMessage(fmt.Sprintf("%d", int64(t)))
		return val, nil
	case []byte:
		val.tag = TagBytes
		enc, err := json.Marshal(base64.StdEncoding.EncodeToString(t))
		if err != nil {
			return nil, err
		}
		val.enc = enc
		return val, nil
	case int:
		val.tag = TagInt
		val.enc = json.RawMessage(strconv.Itoa(t))
		return val, nil
	}

	// Registered struct types round-trip with their declared type name.
	if name, ok := GlobalTypeRegistry().NameOf(reflect.TypeOf(v)); ok {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal registered type %s: %w", name, err)
		}
		enc, err := json.Marshal(typedPayload{Name: name, Data: data})
		if err != nil {
			return nil, err
		}
		val.tag = TagTyped
		val.enc = enc
		return val, nil
	}

	if isJSONNative(reflect.ValueOf(v)) {
		enc, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal value: %w", err)
		}
		val.enc = enc
		return val, nil
	}

	// Opaque fallback. gob needs the concrete type registered to decode an
	// interface-typed field, so register on the way in.
	gob.Register(v)
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gobPayload{V: v}); err != nil {
		return nil, fmt.Errorf("gob-encode %T: %w", v, err)
	}
	enc, err := json.Marshal(base64.StdEncoding.EncodeToString(buf.Bytes()))
	if err != nil {
		return nil, err
	}
	val.tag = TagGob
	val.enc = enc
	return val, nil
}

// MustEncodeValue is EncodeValue for values known to be encodable; it panics
// on failure. Intended for tests and fixtures.
func MustEncodeValue(v any) *Value {
	val, err := EncodeValue(v)
	if err != nil {
		panic(err)
	}
	return val
}

// Decode returns the wrapped value. If the Value still holds the original
// object (it never crossed a serialization boundary), that object is returned
// unchanged; otherwise the value is reconstructed from its encoded form.
func (v *Value) Decode() (any, error) {
	if v == nil {
		return nil, nil
	}
	if v.rawSet {
		return v.raw, nil
	}

	switch v.tag {
	case "":
		var out any
		if err := json.Unmarshal(v.enc, &out); err != nil {
			return nil, fmt.Errorf("decode value: %w", err)
		}
		return out, nil

	case TagDatetime:
		var s string
		if err := json.Unmarshal(v.enc, &s); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("decode datetime: %w", err)
		}
		return t, nil

	case TagDuration:
		var ns int64
		if err := json.Unmarshal(v.enc, &ns); err != nil {
			return nil, err
		}
		return time.Duration(ns), nil

	case TagInt:
		var n int
		if err := json.Unmarshal(v.enc, &n); err != nil {
			return nil, fmt.Errorf("decode int: %w", err)
		}
		return n, nil

	case TagBytes:
		var s string
		if err := json.Unmarshal(v.enc, &s); err != nil {
			return nil, err
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode bytes: %w", err)
		}
		return b, nil

	case TagTyped:
		var payload typedPayload
		if err := json.Unmarshal(v.enc, &payload); err != nil {
			return nil, err
		}
		return GlobalTypeRegistry().Instantiate(payload.Name, payload.Data)

	case TagGob:
		var s string
		if err := json.Unmarshal(v.enc, &s); err != nil {
			return nil, err
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, err
		}
		var payload gobPayload
		if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&payload); err != nil {
			return nil, fmt.Errorf("gob-decode: %w", err)
		}
		return payload.V, nil

	default:
		return nil, fmt.Errorf("unknown value tag %q", v.tag)
	}
}

// Tag returns the envelope tag, or an empty string for JSON-native values.
func (v *Value) Tag() string { return v.tag }

// MarshalJSON writes either the plain JSON form or the typed envelope.
func (v *Value) MarshalJSON() ([]byte, error) {
	if v.enc == nil {
		// Value constructed directly (not via EncodeValue); encode now.
		encoded, err := EncodeValue(v.raw)
		if err != nil {
			return nil, err
		}
		*v = *encoded
	}
	if v.tag == "" {
		return v.enc, nil
	}
	return json.Marshal(map[string]json.RawMessage{
		"$type":  json.RawMessage(`"` + v.tag + `"`),
		"$value": v.enc,
	})
}

// UnmarshalJSON reads either form. The original object reference is gone
// after a round trip; Decode reconstructs from the encoding.
func (v *Value) UnmarshalJSON(data []byte) error {
	v.raw = nil
	v.rawSet = false

	var wrapped struct {
		Type  string          `json:"$type"`
		Value json.RawMessage `json:"$value"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Type != "" {
		v.tag = wrapped.Type
		v.enc = wrapped.Value
		return nil
	}

	v.tag = ""
	v.enc = append(json.RawMessage(nil), data...)
	return nil
}

// EncodeState wraps every entry of a shared-state snapshot.
func EncodeState(state map[string]any) (map[string]*Value, error) {
	out := make(map[string]*Value, len(state))
	for k, v := range state {
		val, err := EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("state key %q: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}

// DecodeState unwraps an encoded shared-state snapshot.
func DecodeState(state map[string]*Value) (map[string]any, error) {
	out := make(map[string]any, len(state))
	for k, v := range state {
		decoded, err := v.Decode()
		if err != nil {
			return nil, fmt.Errorf("state key %q: %w", k, err)
		}
		out[k] = decoded
	}
	return out, nil
}

// isJSONNative reports whether a value round-trips through encoding/json
// with its runtime type intact: strings, bools, float64s, and maps/slices
// thereof. Integer kinds are excluded because bare JSON numbers decode back
// as float64; a plain int gets the int tag and other numeric types fall
// through to gob.
func isJSONNative(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.String, reflect.Bool, reflect.Float64:
		return true
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return true
		}
		return isJSONNative(v.Elem())
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if !isJSONNative(v.Index(i)) {
				return false
			}
		}
		return true
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return false
		}
		iter := v.MapRange()
		for iter.Next() {
			if !isJSONNative(iter.Value()) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Package jsonsafe coerces arbitrary tool outputs into JSON-safe values.
//
// Every plugin tool return passes through Sanitize before it becomes part
// of an HTTP response, a WebSocket message, or a persisted frame result.
// The contract: output contains only JSON primitives (nil, bool, int64,
// finite float64, string), []any of those, or map[string]any with string
// keys. NaN, Inf, and raw binary buffers are rejected rather than
// silently serialized into something non-JSON.
package jsonsafe

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"math"
	"reflect"

	"github.com/forgesyte/forgesyte/errors"
)

// Sanitize recursively coerces v into JSON-safe primitives.
// It is idempotent: Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(v any) (any, error) {
	return sanitizeValue(reflect.ValueOf(v))
}

// MustSanitize panics on unsafe input. Reserved for values the caller
// constructed itself from known-safe primitives.
func MustSanitize(v any) any {
	out, err := Sanitize(v)
	if err != nil {
		panic(err)
	}
	return out
}

// EncodeImage encodes raw image bytes as base64 text for the one boundary
// where binary is expected in a JSON payload: annotated-image tool
// outputs. Everywhere else, []byte is rejected by Sanitize.
func EncodeImage(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func sanitizeValue(rv reflect.Value) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}

	switch rv.Kind() {
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		return sanitizeValue(rv.Elem())

	case reflect.Bool:
		return rv.Bool(), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return nil, errors.Tag(errors.KindJSONUnsafe, "unsigned value %d overflows int64", u)
		}
		return int64(u), nil

	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, errors.Tag(errors.KindJSONUnsafe, "non-finite float %v", f)
		}
		return f, nil

	case reflect.String:
		// json.Number flows through the string case and keeps its
		// natural numeric form.
		if n, ok := rv.Interface().(json.Number); ok {
			return sanitizeNumber(n)
		}
		return rv.String(), nil

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, errors.Tag(errors.KindJSONUnsafe,
				"raw byte buffer of %d bytes cannot cross a JSON boundary (use jsonsafe.EncodeImage for annotated images)",
				rv.Len())
		}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			elem, err := sanitizeValue(rv.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = elem
		}
		return out, nil

	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, errors.Tag(errors.KindJSONUnsafe, "map key type %s is not string", rv.Type().Key())
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			elem, err := sanitizeValue(iter.Value())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = elem
		}
		return out, nil

	case reflect.Struct:
		// Structs round-trip through encoding/json so tag renames and
		// omitempty behave exactly as they would at the boundary.
		return sanitizeStruct(rv)

	default:
		return nil, errors.Tag(errors.KindJSONUnsafe, "unsupported value of kind %s", rv.Kind())
	}
}

func sanitizeNumber(n json.Number) (any, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, errors.Tag(errors.KindJSONUnsafe, "unparseable number %q", n.String())
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, errors.Tag(errors.KindJSONUnsafe, "non-finite number %q", n.String())
	}
	return f, nil
}

func sanitizeStruct(rv reflect.Value) (any, error) {
	raw, err := json.Marshal(rv.Interface())
	if err != nil {
		return nil, errors.TagWith(errors.KindJSONUnsafe, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, errors.TagWith(errors.KindJSONUnsafe, err)
	}
	return Sanitize(decoded)
}

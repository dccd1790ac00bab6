package ledger

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// TimeFormat is the fixed layout for instants inside canonical encodings.
const TimeFormat = "2006-01-02T15:04:05.000000000Z"

// maxExactInt is the largest integer a float64 holds exactly.
const maxExactInt = 1 << 53

// Encode returns the canonical byte form of v: compact JSON of the
// normalized value tree with object keys sorted lexicographically.
// Equal logical content always yields identical bytes.
func Encode(v any) ([]byte, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(n); err != nil {
		return nil, &EncodingError{Reason: err.Error()}
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// Normalize converts v into a tree of nil, bool, string, json.Number,
// []any and map[string]any with every number and instant in fixed form.
// Normalize is idempotent and survives a JSON round trip decoded with
// UseNumber.
func Normalize(v any) (any, error) {
	return normalize("$", v)
}

func normalize(path string, v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return x, nil
	case string:
		if !utf8.ValidString(x) {
			return nil, &EncodingError{Path: path, Reason: "invalid UTF-8"}
		}
		return x, nil
	case json.Number:
		return canonicalNumber(path, x)
	case int:
		return json.Number(strconv.FormatInt(int64(x), 10)), nil
	case int8:
		return json.Number(strconv.FormatInt(int64(x), 10)), nil
	case int16:
		return json.Number(strconv.FormatInt(int64(x), 10)), nil
	case int32:
		return json.Number(strconv.FormatInt(int64(x), 10)), nil
	case int64:
		return json.Number(strconv.FormatInt(x, 10)), nil
	case uint:
		return json.Number(strconv.FormatUint(uint64(x), 10)), nil
	case uint8:
		return json.Number(strconv.FormatUint(uint64(x), 10)), nil
	case uint16:
		return json.Number(strconv.FormatUint(uint64(x), 10)), nil
	case uint32:
		return json.Number(strconv.FormatUint(uint64(x), 10)), nil
	case uint64:
		return json.Number(strconv.FormatUint(x, 10)), nil
	case float32:
		return floatNumber(path, float64(x))
	case float64:
		return floatNumber(path, x)
	case time.Time:
		return x.UTC().Format(TimeFormat), nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		return x.UTC().Format(TimeFormat), nil
	case []byte:
		return base64.StdEncoding.EncodeToString(x), nil
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			n, err := normalize(fmt.Sprintf("%s[%d]", path, i), el)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, el := range x {
			if !utf8.ValidString(k) {
				return nil, &EncodingError{Path: path, Reason: "invalid UTF-8 in key"}
			}
			n, err := normalize(path+"."+k, el)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	}
	return normalizeReflect(path, reflect.ValueOf(v))
}

func normalizeReflect(path string, rv reflect.Value) (any, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(path, rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			n, err := normalize(fmt.Sprintf("%s[%d]", path, i), rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &EncodingError{Path: path, Reason: "map keys must be strings"}
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			n, err := normalize(path+"."+k, iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case reflect.String:
		return normalize(path, rv.String())
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return json.Number(strconv.FormatInt(rv.Int(), 10)), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return json.Number(strconv.FormatUint(rv.Uint(), 10)), nil
	case reflect.Float32, reflect.Float64:
		return floatNumber(path, rv.Float())
	case reflect.Struct:
		return normalizeStruct(path, rv.Interface())
	}
	return nil, &EncodingError{Path: path, Reason: fmt.Sprintf("unsupported type %s", rv.Type())}
}

// normalizeStruct routes a struct through its JSON form so that json tags
// and custom marshalers decide the field set.
func normalizeStruct(path string, v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, &EncodingError{Path: path, Reason: err.Error()}
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, &EncodingError{Path: path, Reason: err.Error()}
	}
	return normalize(path, tree)
}

func floatNumber(path string, f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &EncodingError{Path: path, Reason: "non-finite number"}
	}
	if f == math.Trunc(f) && math.Abs(f) < maxExactInt {
		return json.Number(strconv.FormatInt(int64(f), 10)), nil
	}
	return json.Number(strconv.FormatFloat(f, 'e', -1, 64)), nil
}

func canonicalNumber(path string, n json.Number) (any, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return json.Number(strconv.FormatInt(i, 10)), nil
		}
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			return json.Number(strconv.FormatUint(u, 10)), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, &EncodingError{Path: path, Reason: fmt.Sprintf("invalid number %q", s)}
	}
	return floatNumber(path, f)
}

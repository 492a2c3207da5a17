package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Normalize converts decoded JSON and Go-native values into the value model
// shared by all dialects: nil, bool, int64, float64, string, []any and
// map[string]any. Integral numbers become int64.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil, bool, string, int64:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		if t <= math.MaxInt64 {
			return int64(t)
		}
		return float64(t)
	case float32:
		return normalizeFloat(float64(t))
	case float64:
		return normalizeFloat(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return normalizeFloat(f)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = Normalize(x)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = x
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = Normalize(x)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = x
		}
		return out
	default:
		// Round-trip anything else through JSON.
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		decoded, err := DecodeJSON(b)
		if err != nil {
			return string(b)
		}
		return decoded
	}
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

// DecodeJSON decodes b into the shared value model.
func DecodeJSON(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return Normalize(v), nil
}

// NormalizeArg decodes strings holding a JSON object or array. Scalars and
// malformed JSON pass through unchanged.
func NormalizeArg(v any) any {
	s, ok := v.(string)
	if !ok {
		return Normalize(v)
	}
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < 2 {
		return s
	}
	if !(trimmed[0] == '{' && trimmed[len(trimmed)-1] == '}') && !(trimmed[0] == '[' && trimmed[len(trimmed)-1] == ']') {
		return s
	}
	decoded, err := DecodeJSON([]byte(trimmed))
	if err != nil {
		return s
	}
	return decoded
}

// NormalizeArgs applies NormalizeArg to each element.
func NormalizeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = NormalizeArg(a)
	}
	return out
}

// toCEL adapts a native value for the CEL runtime.
func toCEL(v any) ref.Val {
	return types.DefaultTypeAdapter.NativeToValue(Normalize(v))
}

// fromCEL converts a CEL value back to the shared value model.
func fromCEL(v ref.Val) (any, error) {
	if v == nil {
		return nil, nil
	}
	if types.IsError(v) {
		return nil, v.(*types.Err)
	}
	if v.Type() == types.NullType {
		return nil, nil
	}
	switch t := v.(type) {
	case traits.Mapper:
		out := make(map[string]any)
		it := t.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			val, err := fromCEL(t.Get(k))
			if err != nil {
				return nil, err
			}
			key, ok := k.Value().(string)
			if !ok {
				key = fmt.Sprint(k.Value())
			}
			out[key] = val
		}
		return out, nil
	case traits.Lister:
		n, _ := t.Size().(types.Int)
		out := make([]any, 0, int(n))
		for i := types.Int(0); i < n; i++ {
			val, err := fromCEL(t.Get(i))
			if err != nil {
				return nil, err
			}
			out = append(out, val)
		}
		return out, nil
	case types.Uint:
		return Normalize(uint64(t)), nil
	case types.Bytes:
		return string(t), nil
	}
	return Normalize(v.Value()), nil
}

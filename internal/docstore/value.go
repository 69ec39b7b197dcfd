package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// FormatTime renders t in the stored timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// AsTime interprets the historical timestamp shapes found in documents:
// time.Time, stored/RFC3339 strings, epoch seconds or milliseconds, and
// {"_seconds": n} / {"seconds": n} objects.
func AsTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t.UTC(), true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return AsTime(*t)
	case string:
		if t == "" {
			return time.Time{}, false
		}
		if parsed, err := time.Parse(TimeLayout, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.UTC(), true
		}
		return time.Time{}, false
	case float64:
		return fromEpoch(int64(t))
	case int64:
		return fromEpoch(t)
	case int:
		return fromEpoch(int64(t))
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return fromEpoch(n)
	case map[string]any:
		for _, key := range []string{"_seconds", "seconds"} {
			if raw, ok := t[key]; ok {
				secs, ok := raw.(float64)
				if !ok {
					return time.Time{}, false
				}
				return time.Unix(int64(secs), 0).UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func fromEpoch(n int64) (time.Time, bool) {
	if n <= 0 {
		return time.Time{}, false
	}
	// Values past 1e11 cannot be seconds in any realistic range.
	if n > 100_000_000_000 {
		return time.UnixMilli(n).UTC(), true
	}
	return time.Unix(n, 0).UTC(), true
}

// Lookup resolves a dot-separated path inside data.
func Lookup(data map[string]any, path string) (any, bool) {
	var current any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// encodeValue converts Go values into their stored JSON form. Sentinels are
// left untouched for the caller to resolve.
func encodeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case sentinel:
		return t
	case time.Time:
		return FormatTime(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return FormatTime(*t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = encodeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = encodeValue(val)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = val
		}
		return out
	}
	return v
}

// normalize round-trips a value through JSON so in-memory documents look
// exactly like documents read back from a JSON column.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(encodeValue(v))
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// splitWrite separates plain fields from sentinel-valued fields.
func splitWrite(data map[string]any) (plain map[string]any, timestamps []string, deletes []string) {
	plain = make(map[string]any, len(data))
	for k, v := range data {
		switch v {
		case ServerTimestamp:
			timestamps = append(timestamps, k)
		case DeleteField:
			deletes = append(deletes, k)
		default:
			plain[k] = encodeValue(v)
		}
	}
	return plain, timestamps, deletes
}

// compare orders two normalized JSON values of the same type.
func compare(a, b any) (int, error) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, fmt.Errorf("cannot compare number with %T", b)
		}
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		}
		return 0, nil
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, fmt.Errorf("cannot compare string with %T", b)
		}
		return strings.Compare(av, bv), nil
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, fmt.Errorf("cannot compare bool with %T", b)
		}
		switch {
		case av == bv:
			return 0, nil
		case !av:
			return -1, nil
		}
		return 1, nil
	}
	if reflect.DeepEqual(a, b) {
		return 0, nil
	}
	return 0, fmt.Errorf("unordered value type %T", a)
}

// arrayContainsID reports whether arr holds id directly or as an {id} object.
func arrayContainsID(arr []any, id any) bool {
	for _, item := range arr {
		if reflect.DeepEqual(item, id) {
			return true
		}
		if obj, ok := item.(map[string]any); ok && reflect.DeepEqual(obj["id"], id) {
			return true
		}
	}
	return false
}

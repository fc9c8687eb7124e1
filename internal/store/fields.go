package store

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Field readers tolerate the numeric and slice shapes produced by the
// different backends (native Go values, or JSON-decoded values).

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// String returns src[field] as a string.
func String(src map[string]any, field string) string {
	v, ok := src[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns src[field] as an int.
func Int(src map[string]any, field string) int {
	return int(Int64(src, field))
}

// Int64 returns src[field] as an int64.
func Int64(src map[string]any, field string) int64 {
	v, ok := src[field]
	if !ok {
		return 0
	}
	if f, ok := toFloat(v); ok {
		return int64(math.Round(f))
	}
	if s, ok := v.(string); ok {
		n, _ := strconv.ParseInt(s, 10, 64)
		return n
	}
	return 0
}

// Bool returns src[field] as a bool.
func Bool(src map[string]any, field string) bool {
	switch b := src[field].(type) {
	case bool:
		return b
	case string:
		v, _ := strconv.ParseBool(b)
		return v
	}
	return false
}

// Strings returns src[field] as a string slice.
func Strings(src map[string]any, field string) []string {
	switch vv := src[field].(type) {
	case []string:
		return append([]string(nil), vv...)
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			out = append(out, fmt.Sprint(e))
		}
		return out
	}
	return nil
}

// Time returns a millisecond epoch field as time.
func Time(src map[string]any, field string) time.Time {
	ms := Int64(src, field)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Clone deep-copies a document source.
func Clone(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		return Clone(vv)
	case []any:
		out := make([]any, len(vv))
		for i, e := range vv {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), vv...)
	}
	return v
}

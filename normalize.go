package supabase

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

const (
	// JoinDateKey is the canonical column for a user's registration time.
	JoinDateKey = "joinDate"
	// InvalidDate replaces a join date that could not be parsed.
	InvalidDate = "Invalid Date"

	legacyJoinDateKey = "joindate"
	timestampLayout   = "2006-01-02T15:04:05.000Z"
)

// ProcessDataForInsert returns a copy of data ready to be written: the
// legacy joindate key is folded into joinDate and its value is rewritten as
// a UTC millisecond timestamp. Unparseable dates become InvalidDate; this
// never fails.
func ProcessDataForInsert(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	if legacy, ok := out[legacyJoinDateKey]; ok {
		if _, exists := out[JoinDateKey]; !exists {
			out[JoinDateKey] = legacy
		}
		delete(out, legacyJoinDateKey)
	}
	if v, ok := out[JoinDateKey]; ok && v != nil {
		out[JoinDateKey] = NormalizeTimestamp(v)
	}
	return out
}

// NormalizeTimestamp formats v as 2006-01-02T15:04:05.000Z in UTC. Numbers
// and digit strings longer than eight characters are read as Unix
// milliseconds; a four digit string is a year.
func NormalizeTimestamp(v any) string {
	t, ok := toTime(v)
	if !ok {
		return InvalidDate
	}
	return t.UTC().Format(timestampLayout)
}

func toTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, !x.IsZero()
	case *time.Time:
		if x == nil {
			return time.Time{}, false
		}
		return *x, !x.IsZero()
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromMillis(f)
	case int, int32, int64, uint, uint32, uint64, float32, float64:
		f, err := cast.ToFloat64E(x)
		if err != nil {
			return time.Time{}, false
		}
		return fromMillis(f)
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		if isDigits(s) {
			switch {
			case len(s) == 4:
				t, err := time.Parse("2006", s)
				return t, err == nil
			case len(s) > 8:
				ms, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					return time.Time{}, false
				}
				return fromMillis(float64(ms))
			}
		}
		t, err := cast.ToTimeE(s)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// maxMillis is the largest representable date offset, 100,000,000 days
// either side of the Unix epoch.
const maxMillis = 8.64e15

func fromMillis(ms float64) (time.Time, bool) {
	if math.IsNaN(ms) || math.Abs(ms) > maxMillis {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(ms)), true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// normalizeValues applies ProcessDataForInsert to map payloads, structs and
// slices of either. Structs are converted to Row through their JSON encoding,
// so json tags decide the column names. Other payloads pass through
// untouched.
func normalizeValues(v any) any {
	switch x := v.(type) {
	case Row:
		return Row(ProcessDataForInsert(x))
	case map[string]any:
		return ProcessDataForInsert(x)
	case []Row:
		out := make([]Row, len(x))
		for i, r := range x {
			out[i] = ProcessDataForInsert(r)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(x))
		for i, r := range x {
			out[i] = ProcessDataForInsert(r)
		}
		return out
	}

	t := reflect.TypeOf(v)
	switch {
	case isStruct(t):
		if row, ok := structRow(v); ok {
			return Row(ProcessDataForInsert(row))
		}
	case t != nil && t.Kind() == reflect.Slice && isStruct(t.Elem()):
		rv := reflect.ValueOf(v)
		out := make([]Row, rv.Len())
		for i := range out {
			row, ok := structRow(rv.Index(i).Interface())
			if !ok {
				return v
			}
			out[i] = ProcessDataForInsert(row)
		}
		return out
	}
	return v
}

func isStruct(t reflect.Type) bool {
	if t == nil {
		return false
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct && t != reflect.TypeOf(time.Time{})
}

// structRow re-decodes a struct's JSON object with numbers kept exact.
func structRow(v any) (Row, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var row Row
	if err := dec.Decode(&row); err != nil || row == nil {
		return nil, false
	}
	return row, true
}

package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// IDField is the payload key holding a record's stable id.
const IDField = "id"

// Record is a single row of a remote resource.
type Record map[string]any

// ID returns the record id as a string, or "" when absent.
//
// String ids are returned verbatim. Numeric ids (JSON decodes them as
// float64) are formatted without an exponent so 1700000000000 stays
// "1700000000000".
func (r Record) ID() string {
	if r == nil {
		return ""
	}
	return idString(r[IDField])
}

// HasID reports whether the record carries a non-empty id.
func (r Record) HasID() bool {
	return r.ID() != ""
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of r with every key of partial applied on top.
func (r Record) Merge(partial Record) Record {
	out := r.Clone()
	if out == nil {
		out = make(Record, len(partial))
	}
	for k, v := range partial {
		out[k] = v
	}
	return out
}

// Field returns the string form of a column value, used for filter matching.
func (r Record) Field(column string) (string, bool) {
	v, ok := r[column]
	if !ok || v == nil {
		return "", ok
	}
	return idString(v), true
}

func idString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e18 {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return idString(float64(val))
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

// Filter scopes a select or a change feed to rows whose Column equals Value.
type Filter struct {
	Column string `json:"column" yaml:"column"`
	Value  string `json:"value" yaml:"value"`
}

// Matches reports whether rec passes the filter. A nil filter matches all.
func (f *Filter) Matches(rec Record) bool {
	if f == nil || f.Column == "" {
		return true
	}
	v, ok := rec.Field(f.Column)
	return ok && v == f.Value
}

// String renders the filter in PostgREST style ("column=eq.value").
func (f *Filter) String() string {
	if f == nil || f.Column == "" {
		return ""
	}
	return f.Column + "=eq." + f.Value
}

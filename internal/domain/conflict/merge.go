package conflict

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MergeFunc merges one field. Either argument is nil when that side lacks
// the field.
type MergeFunc func(local, remote any) any

// MergeRules tune the merge strategy per field name. Rules apply to a field
// with that name at any depth. Precedence is Custom, PreferLocal,
// PreferRemote, Concatenate, then the default recursion.
type MergeRules struct {
	Custom       map[string]MergeFunc
	PreferLocal  []string
	PreferRemote []string
	Concatenate  []string
}

type fieldRule int

const (
	ruleDefault fieldRule = iota
	ruleCustom
	rulePreferLocal
	rulePreferRemote
	ruleConcatenate
)

func (r MergeRules) ruleFor(field string) fieldRule {
	if _, ok := r.Custom[field]; ok {
		return ruleCustom
	}
	if contains(r.PreferLocal, field) {
		return rulePreferLocal
	}
	if contains(r.PreferRemote, field) {
		return rulePreferRemote
	}
	if contains(r.Concatenate, field) {
		return ruleConcatenate
	}
	return ruleDefault
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// MergeJSON merges two JSON documents. Objects are merged field by field on
// top of the remote copy; arrays become a de-duplicated union; leaves prefer
// the local value.
func MergeJSON(local, remote json.RawMessage, rules MergeRules) (json.RawMessage, error) {
	l, err := decode(local)
	if err != nil {
		return nil, fmt.Errorf("decode local: %w", err)
	}
	r, err := decode(remote)
	if err != nil {
		return nil, fmt.Errorf("decode remote: %w", err)
	}
	out, err := json.Marshal(mergeValues(l, r, rules))
	if err != nil {
		return nil, fmt.Errorf("encode merged: %w", err)
	}
	return out, nil
}

func decode(raw json.RawMessage) (any, error) {
	if absent(raw) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func mergeValues(local, remote any, rules MergeRules) any {
	if local == nil {
		return remote
	}
	if remote == nil {
		return local
	}
	switch l := local.(type) {
	case map[string]any:
		if r, ok := remote.(map[string]any); ok {
			return mergeObjects(l, r, rules)
		}
	case []any:
		if r, ok := remote.([]any); ok {
			return union(r, l)
		}
	}
	return local
}

func mergeObjects(local, remote map[string]any, rules MergeRules) map[string]any {
	out := make(map[string]any, len(remote)+len(local))
	for k, v := range remote {
		out[k] = v
	}
	for k, lv := range local {
		rv, inRemote := remote[k]
		switch rules.ruleFor(k) {
		case ruleCustom:
			if !inRemote {
				rv = nil
			}
			out[k] = rules.Custom[k](lv, rv)
		case rulePreferLocal:
			out[k] = lv
		case rulePreferRemote:
			if !inRemote {
				out[k] = lv
			}
		case ruleConcatenate:
			out[k] = concatenate(lv, rv, inRemote)
		default:
			if !inRemote {
				out[k] = lv
				continue
			}
			out[k] = mergeValues(lv, rv, rules)
		}
	}
	// custom merges also see fields only the remote copy has
	for k, fn := range rules.Custom {
		if _, inLocal := local[k]; inLocal {
			continue
		}
		if rv, ok := remote[k]; ok {
			out[k] = fn(nil, rv)
		}
	}
	return out
}

func concatenate(local, remote any, inRemote bool) any {
	if !inRemote || remote == nil {
		return local
	}
	switch l := local.(type) {
	case []any:
		if r, ok := remote.([]any); ok {
			return union(r, l)
		}
	case string:
		if r, ok := remote.(string); ok {
			if r == l || r == "" {
				return l
			}
			if l == "" {
				return r
			}
			return r + "; " + l
		}
	}
	return local
}

// union keeps the first occurrence of each element by serialized equality,
// remote elements first.
func union(remote, local []any) []any {
	seen := make(map[string]struct{}, len(remote)+len(local))
	out := make([]any, 0, len(remote)+len(local))
	for _, list := range [][]any{remote, local} {
		for _, v := range list {
			key, err := json.Marshal(v)
			if err != nil {
				out = append(out, v)
				continue
			}
			if _, dup := seen[string(key)]; dup {
				continue
			}
			seen[string(key)] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// most_recent
// ---------------------------------------------------------------------------

// timestampFields is the lookup order for a payload's modification time.
var timestampFields = []string{
	"meta.lastUpdated",
	"lastUpdated",
	"updatedAt",
	"updated_at",
	"modifiedAt",
	"timestamp",
	"recordedDate",
	"effectiveDateTime",
	"authoredOn",
	"date",
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006-01",
	"2006",
}

// ExtractTimestamp returns the first parseable timestamp found in raw.
func ExtractTimestamp(raw json.RawMessage) (time.Time, bool) {
	v, err := decode(raw)
	if err != nil {
		return time.Time{}, false
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return time.Time{}, false
	}
	for _, path := range timestampFields {
		val, ok := lookup(obj, path)
		if !ok {
			continue
		}
		if t, ok := parseTimestamp(val); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func lookup(obj map[string]any, path string) (any, bool) {
	var cur any = obj
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func parseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
	case json.Number:
		// epoch milliseconds
		if ms, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
			return time.UnixMilli(ms), true
		}
	}
	return time.Time{}, false
}

// mostRecent returns the side with the later timestamp, and the local side
// when either timestamp is missing or they are equal.
func mostRecent(info *Info) json.RawMessage {
	lt, lok := ExtractTimestamp(info.LocalData)
	rt, rok := ExtractTimestamp(info.RemoteData)
	if !lok || !rok {
		return info.LocalData
	}
	if rt.After(lt) {
		return info.RemoteData
	}
	return info.LocalData
}

package config

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Redacted replaces secret values in rendered records.
const Redacted = "******"

// Record is an immutable configuration record. Nested records are stored as
// mappings and returned as Records by GetRecord. Accessors hand out copies, so
// callers cannot mutate a Record after it has been loaded.
type Record struct {
	values  map[string]any
	secrets map[string]bool
}

// Empty is the record with no keys. It is the identity of Merge.
var Empty = Record{}

// NewRecord builds a record from an in-memory mapping without a schema.
func NewRecord(values map[string]any) Record {
	if len(values) == 0 {
		return Empty
	}
	m, _ := normalize(values).(map[string]any)
	return Record{values: m}
}

// Len returns the number of top-level keys.
func (r Record) Len() int {
	return len(r.values)
}

// Keys returns the sorted top-level keys.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r.values))
	for k := range r.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether the dotted path is set.
func (r Record) Has(path string) bool {
	_, ok := r.lookup(path)
	return ok
}

// Get returns a copy of the value at the dotted path.
func (r Record) Get(path string) (any, bool) {
	v, ok := r.lookup(path)
	if !ok {
		return nil, false
	}
	return copyValue(v), true
}

func (r Record) lookup(path string) (any, bool) {
	if r.values == nil {
		return nil, false
	}
	var cur any = r.values
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

// GetString returns the string at path, or "" when unset.
func (r Record) GetString(path string) string {
	v, _ := r.lookup(path)
	s, _ := v.(string)
	return s
}

// GetInt returns the integer at path, or 0 when unset.
func (r Record) GetInt(path string) int {
	v, _ := r.lookup(path)
	n, _ := asInt(v)
	return n
}

// GetFloat returns the number at path, or 0 when unset.
func (r Record) GetFloat(path string) float64 {
	v, _ := r.lookup(path)
	f, _ := asFloat(v)
	return f
}

// GetBool returns the boolean at path, or false when unset.
func (r Record) GetBool(path string) bool {
	v, _ := r.lookup(path)
	b, _ := v.(bool)
	return b
}

// GetDuration returns the duration at path, or 0 when unset.
func (r Record) GetDuration(path string) time.Duration {
	v, _ := r.lookup(path)
	switch d := v.(type) {
	case time.Duration:
		return d
	case string:
		parsed, _ := time.ParseDuration(d)
		return parsed
	}
	return 0
}

// GetList returns a copy of the list at path.
func (r Record) GetList(path string) []any {
	v, _ := r.lookup(path)
	l, _ := copyValue(v).([]any)
	return l
}

// GetStrings returns the list at path rendered as strings.
func (r Record) GetStrings(path string) []string {
	list := r.GetList(path)
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, fmt.Sprint(item))
	}
	return out
}

// GetRecord returns the nested record at path, or Empty.
func (r Record) GetRecord(path string) Record {
	v, _ := r.lookup(path)
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return Empty
	}
	prefix := path + "."
	var secrets map[string]bool
	for p := range r.secrets {
		if strings.HasPrefix(p, prefix) {
			if secrets == nil {
				secrets = map[string]bool{}
			}
			secrets[strings.TrimPrefix(p, prefix)] = true
		}
	}
	return Record{values: copyValue(m).(map[string]any), secrets: secrets}
}

// Map returns a deep copy of the record as plain Go values.
func (r Record) Map() map[string]any {
	if r.values == nil {
		return map[string]any{}
	}
	return copyValue(r.values).(map[string]any)
}

// IsSecret reports whether the dotted path holds a secret.
func (r Record) IsSecret(path string) bool {
	return r.secrets[path]
}

// Equal reports whether both records hold the same values.
func (r Record) Equal(other Record) bool {
	if r.Len() == 0 && other.Len() == 0 {
		return true
	}
	return reflect.DeepEqual(r.values, other.values)
}

// String renders the record as sorted dotted key=value pairs. Secret values
// are replaced with Redacted.
func (r Record) String() string {
	var pairs []string
	r.render("", r.values, &pairs)
	return "{" + strings.Join(pairs, ", ") + "}"
}

// GoString keeps %#v from printing secrets.
func (r Record) GoString() string {
	return "config.Record" + r.String()
}

func (r Record) render(prefix string, m map[string]any, pairs *[]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		path := joinPath(prefix, k)
		v := m[k]
		if r.secrets[path] {
			*pairs = append(*pairs, path+"="+Redacted)
			continue
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			r.render(path, nested, pairs)
			continue
		}
		*pairs = append(*pairs, fmt.Sprintf("%s=%v", path, v))
	}
}

// Merge overrides base with override key by key. Nested records merge
// recursively; lists and scalars in override replace those in base.
func Merge(base, override Record) Record {
	if override.Len() == 0 {
		return base
	}
	if base.Len() == 0 {
		return override
	}
	secrets := make(map[string]bool, len(base.secrets)+len(override.secrets))
	for p := range base.secrets {
		secrets[p] = true
	}
	for p := range override.secrets {
		secrets[p] = true
	}
	return Record{values: mergeMaps(base.values, override.values), secrets: secrets}
}

func mergeMaps(base, override map[string]any) map[string]any {
	out := copyValue(base).(map[string]any)
	for k, ov := range override {
		om, overrideIsMap := ov.(map[string]any)
		bm, baseIsMap := out[k].(map[string]any)
		if overrideIsMap && baseIsMap {
			out[k] = mergeMaps(bm, om)
			continue
		}
		out[k] = copyValue(ov)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = copyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	}
	return v
}

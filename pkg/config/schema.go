package config

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/actuator/pkg/errors"
	"go.uber.org/zap"
)

// Kind is the declared type of a schema field.
type Kind int

const (
	// KindAny accepts any value unchanged
	KindAny Kind = iota
	// KindString accepts strings
	KindString
	// KindInt accepts integral numbers
	KindInt
	// KindFloat accepts any number
	KindFloat
	// KindBool accepts booleans
	KindBool
	// KindDuration accepts Go duration strings ("250ms", "2m")
	KindDuration
	// KindList accepts sequences; lists are replaced on merge, never concatenated
	KindList
	// KindRecord accepts nested mappings
	KindRecord
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindDuration:
		return "duration"
	case KindList:
		return "list"
	case KindRecord:
		return "record"
	default:
		return "any"
	}
}

// Field declares one option of a Schema.
type Field struct {
	Kind     Kind
	Required bool
	Default  any
	// Secret values are never rendered by Record.String.
	Secret bool
	// Closed records reject unknown keys instead of warning about them.
	Closed bool
	// Fields declares the keys of a KindRecord. A nil map is a free-form record.
	Fields      map[string]Field
	Description string
}

// Schema declares the top-level options of a configuration record. Unknown
// top-level keys are always rejected.
type Schema struct {
	Fields map[string]Field
}

// validation carries the state of one schema pass.
type validation struct {
	source string
	// stringly sources (the environment) deliver every scalar as a string
	stringly bool
	// lenient sources skip undeclared keys with a warning
	lenient bool
	// partial passes coerce and check keys but skip defaults and required checks
	partial bool
	logger  *zap.Logger
	secrets map[string]bool
}

func (v *validation) where(path string) string {
	return v.source + ":" + path
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// Validate checks raw against the schema, applying defaults and coercions.
func (s Schema) Validate(source string, raw map[string]any, logger *zap.Logger) (Record, error) {
	v := &validation{source: source, logger: logger, secrets: map[string]bool{}}
	values, err := v.record("", s.Fields, true, true, raw)
	if err != nil {
		return Record{}, err
	}
	return Record{values: values, secrets: v.secrets}, nil
}

func (v *validation) record(path string, fields map[string]Field, closed, top bool, raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(raw))

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := raw[key]
		fieldPath := joinPath(path, key)
		field, declared := fields[key]
		if !declared {
			if fields == nil {
				out[key] = normalize(value)
				continue
			}
			if v.lenient {
				if v.logger != nil {
					v.logger.Warn("ignoring undeclared configuration key", zap.String("key", v.where(fieldPath)))
				}
				continue
			}
			if top || closed {
				return nil, errors.Config(errors.KindUnknownKey, v.where(fieldPath), "unknown key")
			}
			if v.logger != nil {
				v.logger.Warn("ignoring unknown configuration key", zap.String("key", v.where(fieldPath)))
			}
			out[key] = normalize(value)
			continue
		}
		coerced, err := v.coerce(fieldPath, field, value)
		if err != nil {
			return nil, err
		}
		out[key] = coerced
	}

	if v.partial {
		return out, nil
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		field := fields[name]
		fieldPath := joinPath(path, name)
		if field.Secret {
			v.secrets[fieldPath] = true
		}
		if _, ok := out[name]; ok {
			continue
		}
		switch {
		case field.Default != nil:
			def, err := v.coerce(fieldPath, field, copyValue(field.Default))
			if err != nil {
				return nil, err
			}
			out[name] = def
		case field.Required:
			return nil, errors.Config(errors.KindMissing, v.where(fieldPath), "required key is missing")
		case field.Kind == KindRecord && field.Fields != nil:
			nested, err := v.record(fieldPath, field.Fields, field.Closed, false, map[string]any{})
			if err != nil {
				return nil, err
			}
			if len(nested) > 0 {
				out[name] = nested
			}
		}
	}
	return out, nil
}

func (v *validation) wrongType(path string, want Kind, got any) error {
	return errors.Config(errors.KindWrongType, v.where(path),
		fmt.Sprintf("expected %s, got %T", want, got))
}

func (v *validation) coerce(path string, field Field, value any) (any, error) {
	if field.Secret && !v.partial {
		v.secrets[path] = true
	}
	switch field.Kind {
	case KindAny:
		return normalize(value), nil

	case KindString:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return nil, v.wrongType(path, field.Kind, value)

	case KindInt:
		if s, ok := value.(string); ok && v.stringly {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return nil, v.wrongType(path, field.Kind, value)
			}
			return n, nil
		}
		if n, ok := asInt(value); ok {
			return n, nil
		}
		return nil, v.wrongType(path, field.Kind, value)

	case KindFloat:
		if s, ok := value.(string); ok && v.stringly {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, v.wrongType(path, field.Kind, value)
			}
			return f, nil
		}
		if f, ok := asFloat(value); ok {
			return f, nil
		}
		return nil, v.wrongType(path, field.Kind, value)

	case KindBool:
		if s, ok := value.(string); ok && v.stringly {
			b, err := strconv.ParseBool(strings.TrimSpace(s))
			if err != nil {
				return nil, v.wrongType(path, field.Kind, value)
			}
			return b, nil
		}
		if b, ok := value.(bool); ok {
			return b, nil
		}
		return nil, v.wrongType(path, field.Kind, value)

	case KindDuration:
		switch d := value.(type) {
		case time.Duration:
			return d, nil
		case string:
			parsed, err := time.ParseDuration(strings.TrimSpace(d))
			if err != nil {
				return nil, v.wrongType(path, field.Kind, value)
			}
			return parsed, nil
		}
		return nil, v.wrongType(path, field.Kind, value)

	case KindList:
		if s, ok := value.(string); ok && v.stringly {
			if strings.TrimSpace(s) == "" {
				return []any{}, nil
			}
			parts := strings.Split(s, ",")
			out := make([]any, 0, len(parts))
			for _, p := range parts {
				out = append(out, strings.TrimSpace(p))
			}
			return out, nil
		}
		if list, ok := asList(value); ok {
			return list, nil
		}
		return nil, v.wrongType(path, field.Kind, value)

	case KindRecord:
		m, ok := asMap(value)
		if !ok {
			return nil, v.wrongType(path, field.Kind, value)
		}
		return v.record(path, field.Fields, field.Closed, false, m)
	}
	return nil, v.wrongType(path, field.Kind, value)
}

func asInt(value any) (int, bool) {
	switch n := value.(type) {
	case int:
		return n, true
	case int8, int16, int32, int64:
		return int(reflect.ValueOf(n).Int()), true
	case uint, uint8, uint16, uint32, uint64:
		return int(reflect.ValueOf(n).Uint()), true
	case float32:
		return asInt(float64(n))
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

func asFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	if i, ok := asInt(value); ok {
		return float64(i), true
	}
	return 0, false
}

func asList(value any) ([]any, bool) {
	switch l := value.(type) {
	case []any:
		out := make([]any, len(l))
		for i, item := range l {
			out[i] = normalize(item)
		}
		return out, true
	case []string:
		out := make([]any, len(l))
		for i, item := range l {
			out[i] = item
		}
		return out, true
	}
	return nil, false
}

func asMap(value any) (map[string]any, bool) {
	switch m := value.(type) {
	case map[string]any:
		return m, true
	case Record:
		return m.Map(), true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[fmt.Sprint(k)] = v
		}
		return out, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, true
	}
	return nil, false
}

// normalize converts decoder-specific containers into map[string]any and []any.
func normalize(value any) any {
	if m, ok := asMap(value); ok {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = normalize(v)
		}
		return out
	}
	if l, ok := asList(value); ok {
		return l
	}
	return value
}

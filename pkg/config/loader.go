package config

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ajitpratap0/actuator/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Source yields the raw mapping of one configuration layer.
type Source interface {
	// Name identifies the source in error locations.
	Name() string
	Read() (map[string]any, error)
}

// stringly is implemented by sources whose scalars are all strings.
type stringly interface {
	Stringly() bool
}

// Loader validates sources against a schema.
type Loader struct {
	Schema Schema
	Logger *zap.Logger
}

// NewLoader creates a loader for schema.
func NewLoader(schema Schema, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{Schema: schema, Logger: logger}
}

// Load reads and validates a single source.
func (l *Loader) Load(src Source) (Record, error) {
	return l.LoadLayers(src)
}

// LoadLayers reads every source, merges them left to right and validates the
// result once. Each layer is checked for unknown keys and coerced on its own,
// so errors point at the layer that caused them.
func (l *Loader) LoadLayers(sources ...Source) (Record, error) {
	merged := Empty
	names := make([]string, 0, len(sources))
	for _, src := range sources {
		raw, err := src.Read()
		if err != nil {
			return Record{}, err
		}
		v := &validation{source: src.Name(), partial: true, logger: l.Logger, secrets: map[string]bool{}}
		if s, ok := src.(stringly); ok {
			// the prefix is shared with unrelated variables such as ACTUATOR_TOKEN
			v.stringly = s.Stringly()
			v.lenient = v.stringly
		}
		values, err := v.record("", l.Schema.Fields, true, true, raw)
		if err != nil {
			return Record{}, err
		}
		merged = Merge(merged, Record{values: values})
		names = append(names, src.Name())
	}

	// unknown nested keys were already reported per layer
	record, err := l.Schema.Validate(strings.Join(names, "+"), merged.values, nil)
	if err != nil {
		return Record{}, err
	}
	l.Logger.Debug("configuration loaded",
		zap.Strings("sources", names),
		zap.Stringer("record", record))
	return record, nil
}

// EnvPrefix derives the environment prefix for a package name:
// "my-tool" becomes "MY_TOOL_".
func EnvPrefix(pkg string) string {
	return strings.ToUpper(strings.ReplaceAll(pkg, "-", "_")) + "_"
}

// fileSource reads a configuration file through viper.
type fileSource struct {
	path string
}

// FileSource reads a YAML, JSON or TOML file. ${VAR} references are replaced
// with environment values before parsing.
func FileSource(path string) Source {
	return fileSource{path: path}
}

func (s fileSource) Name() string { return s.path }

func (s fileSource) Read() (map[string]any, error) {
	data, err := os.ReadFile(s.path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Config(errors.KindMissing, s.path+":", "configuration file not found")
		}
		e := errors.Config(errors.KindParseFailed, s.path+":", "cannot read configuration file")
		e.Cause = err
		return nil, e
	}

	ext := strings.TrimPrefix(filepath.Ext(s.path), ".")
	switch ext {
	case "yaml", "yml", "json", "toml":
	default:
		return nil, errors.Config(errors.KindParseFailed, s.path+":", "unsupported configuration format "+ext)
	}

	v := viper.New()
	v.SetConfigType(ext)
	if err := v.ReadConfig(bytes.NewReader(substituteEnvVars(data))); err != nil {
		e := errors.Config(errors.KindParseFailed, s.path+":", "cannot parse configuration file")
		e.Cause = err
		return nil, e
	}
	return v.AllSettings(), nil
}

// bytesSource parses an in-memory YAML or JSON document.
type bytesSource struct {
	name string
	data []byte
}

// BytesSource parses data as YAML (JSON is a subset).
func BytesSource(name string, data []byte) Source {
	return bytesSource{name: name, data: data}
}

func (s bytesSource) Name() string { return s.name }

func (s bytesSource) Read() (map[string]any, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(s.data, &raw); err != nil {
		e := errors.Config(errors.KindParseFailed, s.name+":", "cannot parse document")
		e.Cause = err
		return nil, e
	}
	return raw, nil
}

// mapSource wraps an in-memory mapping.
type mapSource struct {
	name   string
	values map[string]any
}

// MapSource uses values as a configuration layer.
func MapSource(name string, values map[string]any) Source {
	return mapSource{name: name, values: values}
}

func (s mapSource) Name() string { return s.name }

func (s mapSource) Read() (map[string]any, error) {
	m, _ := normalize(s.values).(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// envSource reads variables carrying a prefix from an environment snapshot.
type envSource struct {
	prefix  string
	environ []string
}

// EnvSource reads prefixed variables from environ (os.Environ() format).
// The remainder of the name is lower-cased and "__" separates nesting levels,
// so ACTUATOR_CREDENTIALS__CACHE_FILE sets credentials.cache_file. Variables
// that map to no declared key are skipped with a warning.
func EnvSource(prefix string, environ []string) Source {
	return envSource{prefix: prefix, environ: environ}
}

func (s envSource) Name() string { return "env" }

func (s envSource) Stringly() bool { return true }

func (s envSource) Read() (map[string]any, error) {
	vars := make([]string, 0, len(s.environ))
	for _, kv := range s.environ {
		if strings.HasPrefix(kv, s.prefix) {
			vars = append(vars, kv)
		}
	}
	sort.Strings(vars)

	raw := map[string]any{}
	for _, kv := range vars {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, s.prefix))
		parts := strings.Split(key, "__")
		if !setNested(raw, parts, value) {
			return nil, errors.Config(errors.KindWrongType, "env:"+strings.Join(parts, "."),
				"conflicts with another variable")
		}
	}
	return raw, nil
}

func setNested(m map[string]any, parts []string, value string) bool {
	for i, part := range parts {
		if part == "" {
			return true
		}
		if i == len(parts)-1 {
			if _, isMap := m[part].(map[string]any); isMap {
				return false
			}
			m[part] = value
			return true
		}
		next, ok := m[part].(map[string]any)
		if !ok {
			if _, exists := m[part]; exists {
				return false
			}
			next = map[string]any{}
			m[part] = next
		}
		m = next
	}
	return true
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
func substituteEnvVars(content []byte) []byte {
	s := string(content)
	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "}")
		if end == -1 {
			break
		}
		end += start
		b.WriteString(s[:start])
		b.WriteString(os.Getenv(s[start+2 : end]))
		s = s[end+1:]
	}
	b.WriteString(s)
	return []byte(b.String())
}

package config

import (
	stderrors "errors"
	"reflect"
	"strings"
	"time"

	"github.com/ajitpratap0/actuator/pkg/errors"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// Settings is the typed view of a connector configuration record.
type Settings struct {
	Name            string             `mapstructure:"name" validate:"required"`
	Transport       string             `mapstructure:"transport" validate:"required"`
	Endpoint        string             `mapstructure:"endpoint" validate:"required"`
	RetryMax        int                `mapstructure:"retry_max" validate:"gte=0,lte=100"`
	RetryBase       time.Duration      `mapstructure:"retry_base" validate:"gt=0"`
	RetryMaxDelay   time.Duration      `mapstructure:"retry_max_delay" validate:"gtefield=RetryBase"`
	Timeout         time.Duration      `mapstructure:"timeout" validate:"gte=0"`
	RateLimitPerSec float64            `mapstructure:"rate_limit_per_sec" validate:"gte=0"`
	CircuitBreaker  BreakerSettings    `mapstructure:"circuit_breaker"`
	Credentials     CredentialSettings `mapstructure:"credentials"`
	Logging         LoggingSettings    `mapstructure:"logging"`
	Tracing         TracingSettings    `mapstructure:"tracing"`
	Options         map[string]any     `mapstructure:"options"`
	Actions         []PlanStep         `mapstructure:"actions" validate:"dive"`

	// Record is the validated record the settings were decoded from.
	Record Record `mapstructure:"-"`
}

// BreakerSettings configures the connector circuit breaker.
type BreakerSettings struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gte=1"`
	SuccessThreshold int           `mapstructure:"success_threshold" validate:"gte=1"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// CredentialSettings locates the credential and its refresh mechanism.
type CredentialSettings struct {
	File          string          `mapstructure:"file"`
	Env           string          `mapstructure:"env"`
	CacheFile     string          `mapstructure:"cache_file"`
	RefreshBefore time.Duration   `mapstructure:"refresh_before" validate:"gte=0"`
	Refresh       RefreshSettings `mapstructure:"refresh"`
}

// RefreshSettings selects a credential.Provider.
type RefreshSettings struct {
	Type         string   `mapstructure:"type" validate:"oneof=none file oauth2 secretsmanager ssm"`
	TokenURL     string   `mapstructure:"token_url" validate:"required_if=Type oauth2"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
	SecretID     string   `mapstructure:"secret_id" validate:"required_if=Type secretsmanager,required_if=Type ssm"`
	Region       string   `mapstructure:"region"`
}

// LoggingSettings configures pkg/logger.
type LoggingSettings struct {
	Level    string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Encoding string `mapstructure:"encoding" validate:"oneof=json console"`
}

// TracingSettings configures pkg/observability.
type TracingSettings struct {
	Enabled bool `mapstructure:"enabled"`
}

// PlanStep is one action of a run plan.
type PlanStep struct {
	Name    string         `mapstructure:"name" validate:"required"`
	Params  map[string]any `mapstructure:"params"`
	Timeout time.Duration  `mapstructure:"timeout" validate:"gte=0"`
}

// Defaults for the settings document.
const (
	DefaultTransport     = "memory"
	DefaultRetryMax      = 3
	DefaultRetryBase     = 100 * time.Millisecond
	DefaultRetryMaxDelay = 5 * time.Second
	DefaultTimeout       = 30 * time.Second
	DefaultRefreshBefore = time.Minute
)

// DefaultSchema describes the settings document.
func DefaultSchema() Schema {
	return Schema{Fields: map[string]Field{
		"name":               {Kind: KindString, Default: "actuator", Description: "connector name used in logs and metrics"},
		"transport":          {Kind: KindString, Default: DefaultTransport, Description: "registered transport"},
		"endpoint":           {Kind: KindString, Required: true, Description: "URL, DSN, address, table or bucket"},
		"retry_max":          {Kind: KindInt, Default: DefaultRetryMax},
		"retry_base":         {Kind: KindDuration, Default: DefaultRetryBase.String()},
		"retry_max_delay":    {Kind: KindDuration, Default: DefaultRetryMaxDelay.String()},
		"timeout":            {Kind: KindDuration, Default: DefaultTimeout.String()},
		"rate_limit_per_sec": {Kind: KindFloat, Default: 0},
		"circuit_breaker": {Kind: KindRecord, Closed: true, Fields: map[string]Field{
			"enabled":           {Kind: KindBool, Default: false},
			"failure_threshold": {Kind: KindInt, Default: 5},
			"success_threshold": {Kind: KindInt, Default: 2},
			"timeout":           {Kind: KindDuration, Default: "30s"},
		}},
		"credentials": {Kind: KindRecord, Closed: true, Fields: map[string]Field{
			"file":           {Kind: KindString},
			"env":            {Kind: KindString},
			"cache_file":     {Kind: KindString},
			"refresh_before": {Kind: KindDuration, Default: DefaultRefreshBefore.String()},
			"refresh": {Kind: KindRecord, Closed: true, Fields: map[string]Field{
				"type":          {Kind: KindString, Default: "none"},
				"token_url":     {Kind: KindString},
				"client_id":     {Kind: KindString},
				"client_secret": {Kind: KindString, Secret: true},
				"scopes":        {Kind: KindList},
				"secret_id":     {Kind: KindString},
				"region":        {Kind: KindString},
			}},
		}},
		"logging": {Kind: KindRecord, Fields: map[string]Field{
			"level":    {Kind: KindString, Default: "info"},
			"encoding": {Kind: KindString, Default: "json"},
		}},
		"tracing": {Kind: KindRecord, Fields: map[string]Field{
			"enabled": {Kind: KindBool, Default: false},
		}},
		"options": {Kind: KindRecord, Description: "transport specific options"},
		"actions": {Kind: KindList},
	}}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode converts a validated record into Settings and checks the
// cross-field constraints the schema cannot express.
func Decode(record Record) (*Settings, error) {
	settings := &Settings{}
	if err := DecodeInto(record.Map(), settings, "settings"); err != nil {
		return nil, err
	}
	settings.Record = record
	return settings, nil
}

// DecodeInto decodes input into the struct pointed to by out through its
// mapstructure tags and validates its validate tags. Errors are located as
// where:field.path.
func DecodeInto(input map[string]any, out any, where string) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "cannot build decoder")
	}
	if err := decoder.Decode(input); err != nil {
		e := errors.Config(errors.KindWrongType, where+":", "cannot decode "+where)
		e.Cause = err
		return e
	}

	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if !stderrors.As(err, &verrs) || len(verrs) == 0 {
			return errors.Wrap(err, errors.ErrorTypeInternal, "cannot validate "+where)
		}
		fe := verrs[0]
		kind := errors.KindWrongType
		if strings.HasPrefix(fe.Tag(), "required") {
			kind = errors.KindMissing
		}
		path := fe.Namespace()
		if i := strings.Index(path, "."); i >= 0 {
			path = path[i+1:]
		}
		return errors.Config(kind, where+":"+path, "failed "+fe.Tag()+" constraint")
	}
	return nil
}

// LoadSettings loads sources with the default schema and decodes the result.
func LoadSettings(l *Loader, sources ...Source) (*Settings, error) {
	record, err := l.LoadLayers(sources...)
	if err != nil {
		return nil, err
	}
	return Decode(record)
}

// Package configschema renders the ledgerpulse configuration as a JSON Schema
// document, with the keys the loader reads and the defaults it applies.
package configschema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/ledgerpulse/ledgerpulse/pkg/config"
)

const draft = "https://json-schema.org/draft/2020-12/schema"

var durationType = reflect.TypeOf(time.Duration(0))

// enums lists the closed value sets the validator accepts, keyed by dotted path.
var enums = map[string][]string{
	"jobs.broker":                    {config.BrokerRedis, config.BrokerAsynq, config.BrokerMemory},
	"dlq.driver":                     {config.DLQDriverPostgres, config.DLQDriverBunPostgres, config.DLQDriverBunSQLite, config.DLQDriverMemory},
	"idempotency.backend":            {config.IdempotencyBackendMemory, config.IdempotencyBackendRedis},
	"scheduler.lock":                 {config.SchedulerLockRedis, config.SchedulerLockPostgres, config.SchedulerLockMemory},
	"log.level":                      {"debug", "info", "warn", "error"},
	"log.format":                     {"json", "text"},
	"log.output":                     {"stderr", "stdout"},
	"scheduler.tasks.misfire_policy": {"", "skip", "fire_once"},
}

// BuildSchema returns the schema for config.Config with defaults from
// config.DefaultConfig.
func BuildSchema() (*jsonschema.Schema, error) {
	return BuildSchemaWithDefaults(config.DefaultConfig())
}

// BuildSchemaWithDefaults is BuildSchema with caller supplied defaults.
// A nil cfg falls back to config.DefaultConfig.
func BuildSchemaWithDefaults(cfg *config.Config) (*jsonschema.Schema, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	t := reflect.TypeOf(config.Config{})
	schema, err := jsonschema.ForType(t, &jsonschema.ForOptions{
		IgnoreInvalidTypes: true,
		TypeSchemas: map[reflect.Type]*jsonschema.Schema{
			durationType: {Type: "string", Description: "Go duration, e.g. 250ms or 10m"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build config schema: %w", err)
	}

	renameFields(schema, t)
	injectDefaults(schema, reflect.ValueOf(cfg).Elem())
	dropRequiredWithDefaults(schema)
	applyEnums(schema, "")

	name := strings.TrimSpace(cfg.Service.Name)
	if name == "" {
		name = "ledgerpulse"
	}
	schema.Schema = draft
	schema.Title = name + " Configuration"
	schema.Description = "Schema for " + name + " configuration."
	return schema, nil
}

// MarshalIndent renders the schema as indented JSON.
func MarshalIndent(schema *jsonschema.Schema) ([]byte, error) {
	if schema == nil {
		return nil, fmt.Errorf("schema is nil")
	}
	return json.MarshalIndent(schema, "", "  ")
}

// renameFields rewrites the json names chosen by jsonschema-go to the
// mapstructure keys viper reads.
func renameFields(schema *jsonschema.Schema, t reflect.Type) {
	if schema == nil {
		return
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		renameFields(schema.Items, t.Elem())
		return
	case reflect.Map:
		renameFields(schema.AdditionalProperties, t.Elem())
		return
	case reflect.Struct:
	default:
		return
	}
	if len(schema.Properties) == 0 {
		return
	}

	renamed := make(map[string]string, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		from := jsonName(field)
		to := keyName(field)
		prop, ok := schema.Properties[from]
		if !ok {
			continue
		}
		renamed[from] = to
		delete(schema.Properties, from)
		schema.Properties[to] = prop
		renameFields(prop, field.Type)
	}

	schema.Required = renameAll(schema.Required, renamed)
	schema.PropertyOrder = renameAll(schema.PropertyOrder, renamed)
}

func renameAll(names []string, renamed map[string]string) []string {
	if len(names) == 0 {
		return names
	}
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if to, ok := renamed[name]; ok {
			name = to
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func injectDefaults(schema *jsonschema.Schema, value reflect.Value) {
	if schema == nil || !value.IsValid() {
		return
	}
	if value.Kind() != reflect.Struct {
		if schema.Default == nil {
			schema.Default = defaultValue(value)
		}
		return
	}
	t := value.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := keyName(field)
		prop := schema.Properties[name]
		if prop == nil {
			continue
		}
		if field.Type == durationType {
			// type schemas may be shared between fields
			own := *prop
			prop = &own
			schema.Properties[name] = prop
		}
		injectDefaults(prop, value.Field(i))
	}
}

func defaultValue(value reflect.Value) json.RawMessage {
	if (value.Kind() == reflect.Slice || value.Kind() == reflect.Map) && value.IsNil() {
		return nil
	}
	var v any = value.Interface()
	if value.Type() == durationType {
		v = value.Interface().(time.Duration).String()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

// dropRequiredWithDefaults removes required markers for keys the loader
// always fills in.
func dropRequiredWithDefaults(schema *jsonschema.Schema) {
	if schema == nil {
		return
	}
	for _, prop := range schema.Properties {
		dropRequiredWithDefaults(prop)
	}
	if len(schema.Required) == 0 {
		return
	}
	kept := schema.Required[:0]
	for _, name := range schema.Required {
		prop := schema.Properties[name]
		if prop == nil || (prop.Default == nil && !hasDefaults(prop)) {
			kept = append(kept, name)
		}
	}
	schema.Required = kept
}

func hasDefaults(schema *jsonschema.Schema) bool {
	for _, prop := range schema.Properties {
		if prop.Default != nil || hasDefaults(prop) {
			return true
		}
	}
	return false
}

func applyEnums(schema *jsonschema.Schema, path string) {
	if schema == nil {
		return
	}
	if values, ok := enums[path]; ok {
		schema.Enum = make([]any, 0, len(values))
		for _, v := range values {
			schema.Enum = append(schema.Enum, v)
		}
	}
	for name, prop := range schema.Properties {
		applyEnums(prop, joinPath(path, name))
	}
	if schema.Items != nil {
		applyEnums(schema.Items, path)
	}
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// keyName is the configuration key viper uses for a field.
func keyName(field reflect.StructField) string {
	if name, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ","); name != "" && name != "-" {
		return name
	}
	return snakeCase(field.Name)
}

// jsonName mirrors how jsonschema-go names a property.
func jsonName(field reflect.StructField) string {
	if name, _, _ := strings.Cut(field.Tag.Get("json"), ","); name != "" && name != "-" {
		return name
	}
	return field.Name
}

func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevUpper := unicode.IsUpper(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if !prevUpper || nextLower {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

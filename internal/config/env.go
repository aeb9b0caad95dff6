package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OREFLEET"

var durationType = reflect.TypeOf(time.Duration(0))

// EnvLoader overrides configuration fields from environment variables named
// after their yaml path, e.g. OREFLEET_FLEET_WAVE_SIZE.
type EnvLoader struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvLoader creates a new environment loader
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix: prefix,
		lookup: os.LookupEnv,
	}
}

// Load applies every set variable to config.
func (el *EnvLoader) Load(config *Config) error {
	return el.loadStruct(reflect.ValueOf(config).Elem(), el.prefix)
}

func (el *EnvLoader) loadStruct(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}

		name := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if name == "-" {
			continue
		}
		if name == "" {
			name = t.Field(i).Name
		}
		envName := buildEnvName(prefix, name)

		var err error
		switch field.Kind() {
		case reflect.Struct:
			err = el.loadStruct(field, envName)
		case reflect.Slice:
			err = el.loadSlice(field, envName)
		case reflect.Map:
			err = el.loadMap(field, envName)
		default:
			if value, ok := el.lookup(envName); ok && value != "" {
				err = setValue(field, value, envName)
			}
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// loadSlice reads a comma separated list.
func (el *EnvLoader) loadSlice(field reflect.Value, envName string) error {
	value, ok := el.lookup(envName)
	if !ok || value == "" {
		return nil
	}

	parts := strings.Split(value, ",")
	slice := reflect.MakeSlice(field.Type(), 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		elem := reflect.New(field.Type().Elem()).Elem()
		if err := setValue(elem, part, envName); err != nil {
			return err
		}
		slice = reflect.Append(slice, elem)
	}

	field.Set(slice)
	return nil
}

// loadMap collects PREFIX_KEY=value pairs into a string-keyed map, e.g.
// OREFLEET_LOGGING_MODULE_LEVELS_FLEET=debug.
func (el *EnvLoader) loadMap(field reflect.Value, envPrefix string) error {
	if field.Type().Key().Kind() != reflect.String {
		return fmt.Errorf("only string keys are supported for maps in env vars")
	}

	prefix := envPrefix + "_"
	for _, env := range os.Environ() {
		key, _, found := strings.Cut(env, "=")
		if !found || !strings.HasPrefix(key, prefix) {
			continue
		}
		value, ok := el.lookup(key)
		if !ok {
			continue
		}

		elem := reflect.New(field.Type().Elem()).Elem()
		if err := setValue(elem, value, key); err != nil {
			return err
		}
		if field.IsNil() {
			field.Set(reflect.MakeMap(field.Type()))
		}
		mapKey := strings.ToLower(strings.TrimPrefix(key, prefix))
		field.SetMapIndex(reflect.ValueOf(mapKey), elem)
	}

	return nil
}

func setValue(field reflect.Value, value, envName string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", envName, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer for %s: %w", envName, err)
		}
		field.SetInt(n)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid unsigned integer for %s: %w", envName, err)
		}
		field.SetUint(n)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float for %s: %w", envName, err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for %s: %w", envName, err)
		}
		field.SetBool(b)

	default:
		return fmt.Errorf("unsupported field type %s for %s", field.Kind(), envName)
	}

	return nil
}

func buildEnvName(prefix, fieldName string) string {
	envName := strings.ToUpper(fieldName)
	envName = strings.ReplaceAll(envName, "-", "_")
	envName = strings.ReplaceAll(envName, ".", "_")

	if prefix != "" {
		return prefix + "_" + envName
	}
	return envName
}

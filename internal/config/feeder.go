package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/golobby/cast"
)

// ErrOutOfRange is wrapped by Config.Validate for any field outside its
// legal domain.
var ErrOutOfRange = errors.New("config value out of range")

// Feeder populates a struct from some configuration source. The contract
// mirrors the teacher platform's feeder convention: Feed never requires the
// caller to know the source's shape, only the destination struct's `env`
// tags.
type Feeder interface {
	Feed(structure interface{}) error
}

// EnvFeeder overlays process environment variables onto a struct, walking
// exported fields (including nested structs) and matching on the `env`
// struct tag. Fields with no `env` tag, or whose env var is unset, are left
// untouched — an EnvFeeder only ever overrides, never zeroes.
type EnvFeeder struct {
	lookup func(string) (string, bool)
}

// NewEnvFeeder builds an EnvFeeder reading from the real process
// environment. Tests should build one directly with a custom lookup to
// avoid mutating os.Environ.
func NewEnvFeeder() *EnvFeeder {
	return &EnvFeeder{lookup: os.LookupEnv}
}

// NewEnvFeederWithLookup builds an EnvFeeder backed by a custom variable
// source, for tests.
func NewEnvFeederWithLookup(lookup func(string) (string, bool)) *EnvFeeder {
	return &EnvFeeder{lookup: lookup}
}

func (f *EnvFeeder) Feed(structure interface{}) error {
	v := reflect.ValueOf(structure)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("config: Feed requires a non-nil pointer, got %T", structure)
	}
	return f.feedStruct(v.Elem())
}

func (f *EnvFeeder) feedStruct(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue // unexported
		}
		fv := v.Field(i)

		if fv.Kind() == reflect.Struct {
			if err := f.feedStruct(fv); err != nil {
				return fmt.Errorf("field %s: %w", field.Name, err)
			}
			continue
		}

		tag := field.Tag.Get("env")
		if tag == "" {
			continue
		}
		raw, ok := f.lookup(tag)
		if !ok || raw == "" {
			continue
		}
		if err := setFromEnv(fv, raw); err != nil {
			return fmt.Errorf("env %s: %w", tag, err)
		}
	}
	return nil
}

func setFromEnv(fv reflect.Value, raw string) error {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := cast.ToBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := cast.ToInt64(raw)
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Float32, reflect.Float64:
		n, err := cast.ToFloat64(raw)
		if err != nil {
			return err
		}
		fv.SetFloat(n)
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", fv.Type().Elem())
		}
		parts := strings.Split(raw, ",")
		for i, p := range parts {
			parts[i] = strings.TrimSpace(p)
		}
		fv.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field kind %s", fv.Kind())
	}
	return nil
}

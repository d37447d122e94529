package configmap

import (
	"encoding"
	"reflect"
	"time"

	"github.com/spf13/pflag"

	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

var durationType = reflect.TypeOf(time.Duration(0)) //nolint:gochecknoglobals

// GenerateFlags generates flags from the configuration structure, current field values are used as defaults.
func GenerateFlags(fs *pflag.FlagSet, target any) ([]field, error) {
	fields, err := visitFields(target)
	if err != nil {
		return nil, err
	}

	for _, f := range fields {
		v := f.value
		if _, ok := textUnmarshaler(v); ok {
			text, err := v.Interface().(encoding.TextMarshaler).MarshalText()
			if err != nil {
				return nil, errors.PrefixErrorf(err, `field "%s"`, f.path)
			}
			fs.String(f.flagName, string(text), f.usage)
			continue
		}
		if v.Type() == durationType {
			fs.Duration(f.flagName, time.Duration(v.Int()), f.usage)
			continue
		}

		switch v.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			fs.Int64(f.flagName, v.Int(), f.usage)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fs.Uint64(f.flagName, v.Uint(), f.usage)
		case reflect.Float32, reflect.Float64:
			fs.Float64(f.flagName, v.Float(), f.usage)
		case reflect.Bool:
			fs.Bool(f.flagName, v.Bool(), f.usage)
		case reflect.String:
			fs.String(f.flagName, v.String(), f.usage)
		case reflect.Slice:
			if v.Type().Elem().Kind() != reflect.String {
				return nil, errors.Errorf(`field "%s": unsupported slice type "%s"`, f.path, v.Type())
			}
			fs.StringSlice(f.flagName, toStringSlice(v), f.usage)
		default:
			return nil, errors.Errorf(`field "%s": unsupported type "%s"`, f.path, v.Type())
		}
	}

	return fields, nil
}

func toStringSlice(v reflect.Value) []string {
	out := make([]string, v.Len())
	for i := range out {
		out[i] = v.Index(i).String()
	}
	return out
}

// textUnmarshaler returns the field as encoding.TextUnmarshaler, if the type supports text encoding, for example datasize.ByteSize.
func textUnmarshaler(v reflect.Value) (encoding.TextUnmarshaler, bool) {
	if !v.CanAddr() {
		return nil, false
	}
	if _, ok := v.Interface().(encoding.TextMarshaler); !ok {
		return nil, false
	}
	u, ok := v.Addr().Interface().(encoding.TextUnmarshaler)
	return u, ok
}

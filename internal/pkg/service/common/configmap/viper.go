package configmap

import (
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

func bindToViper(v *viper.Viper, fs *pflag.FlagSet, fields []field, spec BindSpec) error {
	errs := errors.NewMultiError()

	if spec.Fs != nil {
		v.SetFs(spec.Fs)
	}

	if path, _ := fs.GetString(ConfigFileFlag); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			errs.Append(errors.PrefixErrorf(err, `cannot read config file "%s"`, path))
		}
	}

	for _, f := range fields {
		flag := fs.Lookup(f.flagName)
		if err := v.BindPFlag(f.path, flag); err != nil {
			errs.Append(err)
			continue
		}

		// ENV has lower priority than a flag
		if spec.Envs != nil && !flag.Changed {
			if value, found := spec.Envs(envName(spec.EnvPrefix, f.path)); found {
				v.Set(f.path, envValue(f, value))
			}
		}
	}

	return errs.ErrorOrNil()
}

func envValue(f field, value string) any {
	if f.value.Kind() == reflect.Slice {
		return strings.Split(value, ",")
	}
	return value
}

func decodeFromViper(v *viper.Viper, fields []field) error {
	errs := errors.NewMultiError()
	for _, f := range fields {
		target := f.value
		if u, ok := textUnmarshaler(target); ok {
			if err := u.UnmarshalText([]byte(v.GetString(f.path))); err != nil {
				errs.Append(errors.PrefixErrorf(err, `invalid value of "%s"`, f.path))
			}
			continue
		}
		if target.Type() == durationType {
			d, err := parseDuration(v.Get(f.path))
			if err != nil {
				errs.Append(errors.PrefixErrorf(err, `invalid value of "%s"`, f.path))
				continue
			}
			target.SetInt(int64(d))
			continue
		}

		switch target.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			target.SetInt(v.GetInt64(f.path))
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			target.SetUint(v.GetUint64(f.path))
		case reflect.Float32, reflect.Float64:
			target.SetFloat(v.GetFloat64(f.path))
		case reflect.Bool:
			target.SetBool(v.GetBool(f.path))
		case reflect.String:
			target.SetString(v.GetString(f.path))
		case reflect.Slice:
			values := v.GetStringSlice(f.path)
			slice := reflect.MakeSlice(target.Type(), len(values), len(values))
			for i, item := range values {
				slice.Index(i).SetString(strings.TrimSpace(item))
			}
			target.Set(slice)
		default:
			errs.Append(errors.Errorf(`field "%s": unsupported type "%s"`, f.path, target.Type()))
		}
	}
	return errs.ErrorOrNil()
}

func parseDuration(value any) (time.Duration, error) {
	if value == nil {
		return 0, nil
	}
	return cast.ToDurationE(value)
}

package configmap

import (
	"encoding"
	"reflect"
	"time"

	"github.com/keboola/data-grid/internal/pkg/encoding/json"
)

const sensitiveMask = "*****"

// Dump returns flat JSON of all configuration values, sensitive values are masked.
func Dump(target any) (string, error) {
	fields, err := visitFields(target)
	if err != nil {
		return "", err
	}

	out := make(map[string]any, len(fields))
	for _, f := range fields {
		switch {
		case f.sensitive:
			out[f.path] = sensitiveMask
		case isTextMarshaler(f.value):
			text, _ := f.value.Interface().(encoding.TextMarshaler).MarshalText()
			out[f.path] = string(text)
		case f.value.Type() == durationType:
			out[f.path] = time.Duration(f.value.Int()).String()
		case f.value.Kind() == reflect.String:
			out[f.path] = f.value.String()
		default:
			out[f.path] = f.value.Interface()
		}
	}

	return json.EncodeString(out, false)
}

func isTextMarshaler(v reflect.Value) bool {
	_, ok := textUnmarshaler(v)
	return ok
}

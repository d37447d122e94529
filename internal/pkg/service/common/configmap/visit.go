package configmap

import (
	"reflect"
	"strings"

	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

// field is a leaf of the configuration structure.
type field struct {
	path      string
	flagName  string
	usage     string
	sensitive bool
	value     reflect.Value
}

// visitFields returns all tagged leaf fields, nested structures are visited recursively.
func visitFields(target any) ([]field, error) {
	value := reflect.ValueOf(target)
	if value.Kind() != reflect.Pointer || value.Elem().Kind() != reflect.Struct {
		return nil, errors.Errorf(`type "%T" is not a pointer to a struct`, target)
	}

	var out []field
	var visit func(value reflect.Value, path []string)
	visit = func(value reflect.Value, path []string) {
		typ := value.Type()
		for i := 0; i < typ.NumField(); i++ {
			structField := typ.Field(i)
			name, squash, ok := fieldName(structField)
			if !ok {
				continue
			}

			fieldValue := value.Field(i)
			fieldPath := path
			if !squash {
				fieldPath = append(append([]string{}, path...), name)
			}

			if structField.Type.Kind() == reflect.Struct {
				visit(fieldValue, fieldPath)
				continue
			}

			p := strings.Join(fieldPath, ".")
			out = append(out, field{
				path:      p,
				flagName:  fieldToFlagName(p),
				usage:     structField.Tag.Get(configUsageTag),
				sensitive: structField.Tag.Get(sensitiveTag) == "true",
				value:     fieldValue,
			})
		}
	}

	visit(value.Elem(), nil)
	return out, nil
}

func fieldName(field reflect.StructField) (name string, squash bool, ok bool) {
	tag, found := field.Tag.Lookup(configKeyTag)
	if !found {
		return "", false, false
	}
	parts := strings.Split(tag, tagValuesSeparator)
	if parts[0] == "" && len(parts) == 2 && parts[1] == "squash" {
		return "", true, true
	}
	if parts[0] == "" || parts[0] == "-" {
		return "", false, false
	}
	return parts[0], false, true
}

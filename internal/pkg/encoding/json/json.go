// Package json wraps the json-iterator library configured to be compatible with the standard library.
package json

import (
	"bytes"
	"encoding/json"

	jsoniter "github.com/json-iterator/go"

	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

// RawMessage is an alias, so the package can replace the encoding/json import.
type RawMessage = json.RawMessage

var api = jsoniter.ConfigCompatibleWithStandardLibrary //nolint:gochecknoglobals

func Encode(v any, pretty bool) ([]byte, error) {
	var data []byte
	var err error
	if pretty {
		data, err = api.MarshalIndent(v, "", "  ")
	} else {
		data, err = api.Marshal(v)
	}
	if err != nil {
		return nil, errors.Wrap(err, "json encoding failed")
	}
	return data, nil
}

func EncodeString(v any, pretty bool) (string, error) {
	data, err := Encode(v, pretty)
	return string(data), err
}

func MustEncode(v any, pretty bool) []byte {
	data, err := Encode(v, pretty)
	if err != nil {
		panic(err)
	}
	return data
}

func MustEncodeString(v any, pretty bool) string {
	return string(MustEncode(v, pretty))
}

func Decode(data []byte, v any) error {
	if err := api.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "json decoding failed")
	}
	return nil
}

func DecodeString(data string, v any) error {
	return Decode([]byte(data), v)
}

func MustDecodeString(data string, v any) {
	if err := DecodeString(data, v); err != nil {
		panic(err)
	}
}

// Valid reports whether data is a valid JSON encoding.
func Valid(data []byte) bool {
	return api.Valid(data)
}

// Compact removes insignificant whitespace.
func Compact(data []byte) ([]byte, error) {
	var out bytes.Buffer
	if err := json.Compact(&out, data); err != nil {
		return nil, errors.Wrap(err, "json compact failed")
	}
	return out.Bytes(), nil
}

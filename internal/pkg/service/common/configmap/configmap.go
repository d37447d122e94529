// Package configmap binds command line flags, environment variables and a config file to a configuration structure.
//
// Each field tagged by the "configKey" tag is mapped to:
//   - a flag, for example "hashing.numSegments" -> "--hashing-num-segments",
//   - an ENV, for example "hashing.numSegments" -> "GRID_HASHING_NUM_SEGMENTS",
//   - a key in the config file, for example "hashing.numSegments".
//
// Priority: flag > ENV > config file > default value.
// Field can optionally have the "configUsage" tag and the "sensitive" tag.
package configmap

import (
	"context"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/keboola/data-grid/internal/pkg/utils/errors"
	"github.com/keboola/data-grid/internal/pkg/validator"
)

const (
	configKeyTag       = "configKey"
	configUsageTag     = "configUsage"
	sensitiveTag       = "sensitive"
	tagValuesSeparator = ","
	ConfigFileFlag     = "config-file"
)

// ConfigStruct is a configuration structure with default values.
type ConfigStruct interface {
	Normalize()
	Validate() error
}

type BindSpec struct {
	// Args are command line arguments, without the program name.
	Args []string
	// EnvPrefix is prepended to all ENV names, for example "GRID_".
	EnvPrefix string
	// Envs returns value of an ENV, typically os.LookupEnv.
	Envs func(name string) (string, bool)
	// Rules are additional validation rules.
	Rules []validator.Rule
	// Fs is used to read the config file, the OS filesystem is used by default.
	Fs afero.Fs
}

// Bind values to the target, the target must be a pointer to a structure with default values.
// The pflag.ErrHelp is returned if the --help flag is present, usage is printed to the stderr.
func Bind(spec BindSpec, target ConfigStruct) error {
	fs := pflag.NewFlagSet("", pflag.ContinueOnError)
	fs.String(ConfigFileFlag, "", "Path to a YAML or JSON config file.")

	fields, err := GenerateFlags(fs, target)
	if err != nil {
		return err
	}

	if err := fs.Parse(spec.Args); err != nil {
		return err
	}

	v := viper.New()
	if err := bindToViper(v, fs, fields, spec); err != nil {
		return err
	}

	if err := decodeFromViper(v, fields); err != nil {
		return err
	}

	target.Normalize()
	if err := validator.New(spec.Rules...).Validate(context.Background(), target); err != nil {
		return errors.PrefixError(err, "invalid configuration")
	}
	return target.Validate()
}

func envName(prefix, fieldPath string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(fieldToFlagName(fieldPath), "-", "_"))
}

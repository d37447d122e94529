// Package validator validates configuration structures using the "validate" tags.
// Field names in error messages are taken from the "configKey" tags.
package validator

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslation "github.com/go-playground/validator/v10/translations/en"

	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

const nestedName = "__nested__"

type Rule struct {
	Tag  string
	Func validator.Func
	// ErrorMsg is used in the translated error message, the field name is prepended.
	ErrorMsg string
}

type Validator struct {
	validate   *validator.Validate
	translator ut.Translator
}

func New(rules ...Rule) *Validator {
	v := &Validator{validate: validator.New(validator.WithRequiredStructEnabled())}

	// Register default EN translator
	enLocale := en.New()
	translator, found := ut.New(enLocale, enLocale).GetTranslator("en")
	if !found {
		panic(errors.New("en translator was not found"))
	}
	if err := enTranslation.RegisterDefaultTranslations(v.validate, translator); err != nil {
		panic(errors.Errorf("translator was not registered: %w", err))
	}
	v.translator = translator

	v.registerDurationRule("minDuration", "must be {1} or greater", func(actual, limit time.Duration) bool { return actual >= limit })
	v.registerDurationRule("maxDuration", "must be {1} or less", func(actual, limit time.Duration) bool { return actual <= limit })

	for _, rule := range rules {
		v.registerRule(rule)
	}

	v.validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if fld.Anonymous {
			return nestedName
		}
		name := strings.SplitN(fld.Tag.Get("configKey"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	return v
}

// Validate the value, it returns a multi error with one line for each invalid field.
func (v *Validator) Validate(ctx context.Context, value any) error {
	err := v.validate.StructCtx(ctx, value)
	var validationErrs validator.ValidationErrors
	switch {
	case err == nil:
		return nil
	case errors.As(err, &validationErrs):
		return v.processErrors(validationErrs)
	default:
		return err
	}
}

func (v *Validator) registerRule(rule Rule) {
	if err := v.validate.RegisterValidation(rule.Tag, rule.Func); err != nil {
		panic(err)
	}
	if rule.ErrorMsg == "" {
		return
	}
	err := v.validate.RegisterTranslation(
		rule.Tag,
		v.translator,
		func(ut ut.Translator) error {
			return ut.Add(rule.Tag, "{0} "+rule.ErrorMsg, true)
		},
		func(ut ut.Translator, fe validator.FieldError) string {
			t, _ := ut.T(rule.Tag, fe.Field())
			return t
		},
	)
	if err != nil {
		panic(err)
	}
}

// registerDurationRule registers a rule comparing a time.Duration field with the duration from the tag parameter, for example "minDuration=1s".
// A zero duration is valid, use the "required" rule to reject it.
func (v *Validator) registerDurationRule(tag, msg string, cmp func(actual, limit time.Duration) bool) {
	err := v.validate.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
		limit, err := time.ParseDuration(fl.Param())
		if err != nil {
			panic(errors.Errorf(`invalid "%s" parameter "%s": %w`, tag, fl.Param(), err))
		}
		actual := time.Duration(fl.Field().Int())
		return actual == 0 || cmp(actual, limit)
	})
	if err != nil {
		panic(err)
	}
	err = v.validate.RegisterTranslation(
		tag,
		v.translator,
		func(ut ut.Translator) error {
			return ut.Add(tag, "{0} "+msg, true)
		},
		func(ut ut.Translator, fe validator.FieldError) string {
			t, _ := ut.T(tag, fe.Field(), fe.Param())
			return t
		},
	)
	if err != nil {
		panic(err)
	}
}

func (v *Validator) processErrors(errs validator.ValidationErrors) error {
	result := errors.NewMultiError()
	for _, e := range errs {
		// Translated message starts with the field name, replace it with the full path
		msg := strings.TrimPrefix(e.Translate(v.translator), e.Field())
		result.Append(errors.New(fmt.Sprintf(`"%s"%s`, processNamespace(e.Namespace()), msg)))
	}
	return result.ErrorOrNil()
}

// processNamespace removes the root struct name and the anonymous fields.
func processNamespace(namespace string) string {
	namespace = strings.ReplaceAll(namespace, nestedName+".", "")
	if _, after, found := strings.Cut(namespace, "."); found {
		return after
	}
	return namespace
}

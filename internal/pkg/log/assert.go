package log

import (
	"bufio"
	"reflect"
	"strings"

	"github.com/keboola/go-utils/pkg/wildcards"
	"github.com/stretchr/testify/assert"

	"github.com/keboola/data-grid/internal/pkg/encoding/json"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

// CompareJSONMessages checks that expected json messages appear in actual in the same order.
// Actual string may have extra messages and the rest may have extra fields. String values are compared using wildcards.
// Returns nil if the expectations are met or an error with the first unmatched expected line and all remaining actual lines.
func CompareJSONMessages(expected string, actual string) error {
	expectedScanner := bufio.NewScanner(strings.NewReader(strings.Trim(expected, "\n")))
	actualScanner := bufio.NewScanner(strings.NewReader(strings.Trim(actual, "\n")))

	for expectedScanner.Scan() {
		expectedMessage := strings.TrimSpace(expectedScanner.Text())
		if expectedMessage == "" {
			continue
		}

		var expectedData map[string]any
		if err := json.DecodeString(expectedMessage, &expectedData); err != nil {
			return errors.Wrapf(err, "expected string contains invalid json:\n%s", expectedMessage)
		}

		var skipped strings.Builder
		found := false
		for !found && actualScanner.Scan() {
			actualMessage := actualScanner.Text()
			skipped.WriteString(actualMessage + "\n")

			var actualData map[string]any
			if err := json.DecodeString(actualMessage, &actualData); err != nil {
				return errors.Wrapf(err, "actual string contains invalid json:\n%s", actualMessage)
			}
			found = messageMatches(expectedData, actualData)
		}

		if !found {
			return errors.Errorf(
				"Expected:\n-----\n%s\n-----\nActual:\n-----\n%s",
				expectedMessage,
				strings.TrimRight(skipped.String(), "\n"),
			)
		}
	}

	return nil
}

// AssertJSONMessages checks that expected json messages appear in actual in the same order.
// See CompareJSONMessages.
func AssertJSONMessages(t assert.TestingT, expected string, actual string, msgAndArgs ...any) bool {
	if h, ok := t.(interface{ Helper() }); ok {
		h.Helper()
	}
	if err := CompareJSONMessages(expected, actual); err != nil {
		return assert.Fail(t, err.Error(), msgAndArgs...)
	}
	return true
}

func messageMatches(expected, actual map[string]any) bool {
	for key, value := range expected {
		actualValue, ok := actual[key]
		if !ok || !valueMatches(value, actualValue) {
			return false
		}
	}
	return true
}

func valueMatches(value any, actualValue any) bool {
	if expectedString, ok := value.(string); ok {
		if actualString, ok := actualValue.(string); ok {
			return wildcards.Compare(expectedString, actualString) == nil
		}
		return false
	}
	return reflect.DeepEqual(actualValue, value)
}

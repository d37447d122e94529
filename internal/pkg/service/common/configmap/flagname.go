package configmap

import (
	"strings"

	"github.com/umisama/go-regexpcache"
)

// fieldToFlagName converts a field path to a flag name, for example "hashing.numSegments" -> "hashing-num-segments".
func fieldToFlagName(fieldPath string) string {
	str := regexpcache.MustCompile(`[A-Z]+`).ReplaceAllString(fieldPath, "-$0")
	str = regexpcache.MustCompile(`[-.\s]+`).ReplaceAllString(str, "-")
	str = strings.Trim(str, "-")
	return strings.ToLower(str)
}

// Package ctxattr stores OpenTelemetry attributes in the context.Context.
// The attributes are added to each log message by the log.Logger.
package ctxattr

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

type ctxKey string

const attributesCtxKey = ctxKey("attributes")

// ContextWith returns a new context with the attributes merged into the existing ones.
// A later attribute overwrites an earlier attribute with the same key.
func ContextWith(ctx context.Context, attrs ...attribute.KeyValue) context.Context {
	existing := Attributes(ctx).ToSlice()
	merged := attribute.NewSet(append(existing, attrs...)...)
	return context.WithValue(ctx, attributesCtxKey, &merged)
}

// Attributes returns the attributes stored in the context.
func Attributes(ctx context.Context) *attribute.Set {
	if set, ok := ctx.Value(attributesCtxKey).(*attribute.Set); ok {
		return set
	}
	return attribute.EmptySet()
}

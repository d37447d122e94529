package errors

import (
	"context"

	"google.golang.org/grpc/codes"

	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

type WithName interface {
	ErrorName() string
}

// ErrorName returns the name of a typed error or "unknown".
func ErrorName(err error) string {
	var named WithName
	if errors.As(err, &named) {
		return named.ErrorName()
	}
	return "unknown"
}

// IsRetryable returns true if the operation may succeed when repeated with a newer topology.
func IsRetryable(err error) bool {
	var stale StaleTopologyError
	var unreachable NodeUnreachableError
	return errors.As(err, &stale) || errors.As(err, &unreachable)
}

// IsDataLoss returns true if the error reports lost data.
func IsDataLoss(err error) bool {
	var lost OwnersLostError
	return errors.As(err, &lost)
}

// GRPCCodeFrom maps the error to a gRPC status code, used by the network transport.
func GRPCCodeFrom(err error) codes.Code {
	var (
		stale       StaleTopologyError
		lost        OwnersLostError
		timeout     TimeoutError
		marshalling MarshallingError
		unreachable NodeUnreachableError
	)
	switch {
	case err == nil:
		return codes.OK
	case errors.As(err, &stale):
		return codes.FailedPrecondition
	case errors.As(err, &lost):
		return codes.DataLoss
	case errors.As(err, &timeout):
		return codes.DeadlineExceeded
	case errors.As(err, &marshalling):
		return codes.InvalidArgument
	case errors.As(err, &unreachable):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

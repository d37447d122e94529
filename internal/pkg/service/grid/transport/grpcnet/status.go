package grpcnet

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	gridErrors "github.com/keboola/data-grid/internal/pkg/service/common/errors"
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

const errorDomain = "grid"

// toStatus converts a handler error to a gRPC status error.
// Typed grid errors are encoded to the ErrorInfo detail, so the caller receives the same type.
func toStatus(err error) error {
	st := status.New(gridErrors.GRPCCodeFrom(err), err.Error())

	info := &errdetails.ErrorInfo{Domain: errorDomain, Reason: gridErrors.ErrorName(err), Metadata: make(map[string]string)}
	var (
		stale       gridErrors.StaleTopologyError
		lost        gridErrors.OwnersLostError
		timeout     gridErrors.TimeoutError
		marshalling gridErrors.MarshallingError
		unreachable gridErrors.NodeUnreachableError
		cause       error
	)
	switch {
	case errors.As(err, &stale):
		info.Metadata["expected"] = strconv.Itoa(stale.Expected)
		info.Metadata["actual"] = strconv.Itoa(stale.Actual)
	case errors.As(err, &lost):
		info.Metadata["key"] = lost.Key
		info.Metadata["segment"] = strconv.Itoa(lost.Segment)
	case errors.As(err, &timeout):
		info.Metadata["operation"] = timeout.Operation
		info.Metadata["timeout"] = timeout.Timeout.String()
		cause = timeout.Unwrap()
	case errors.As(err, &marshalling):
		cause = marshalling.Unwrap()
	case errors.As(err, &unreachable):
		info.Metadata["address"] = unreachable.Address
		cause = unreachable.Unwrap()
	default:
		return st.Err()
	}
	if cause != nil {
		info.Metadata["cause"] = cause.Error()
	}

	if withDetails, detailsErr := st.WithDetails(info); detailsErr == nil {
		st = withDetails
	}
	return st.Err()
}

// fromStatus converts an error returned by the gRPC client back to the grid error.
// An exceeded deadline without details is converted to TimeoutError of the method call.
func fromStatus(err error, to model.Address, method string, timeout time.Duration) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	for _, detail := range st.Details() {
		info, ok := detail.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		meta := info.GetMetadata()
		var cause error
		if v, found := meta["cause"]; found {
			cause = errors.New(v)
		}
		switch info.GetReason() {
		case gridErrors.StaleTopologyError{}.ErrorName():
			expected, _ := strconv.Atoi(meta["expected"])
			actual, _ := strconv.Atoi(meta["actual"])
			return gridErrors.NewStaleTopologyError(expected, actual)
		case gridErrors.OwnersLostError{}.ErrorName():
			segment, _ := strconv.Atoi(meta["segment"])
			return gridErrors.NewOwnersLostError(meta["key"], segment)
		case gridErrors.TimeoutError{}.ErrorName():
			timeout, _ := time.ParseDuration(meta["timeout"])
			return gridErrors.NewTimeoutError(meta["operation"], timeout, cause)
		case gridErrors.MarshallingError{}.ErrorName():
			if cause == nil {
				cause = errors.New(st.Message())
			}
			return gridErrors.NewMarshallingError(cause)
		case gridErrors.NodeUnreachableError{}.ErrorName():
			return gridErrors.NewNodeUnreachableError(meta["address"], cause)
		}
	}

	switch st.Code() {
	case codes.Unavailable:
		return gridErrors.NewNodeUnreachableError(to.String(), errors.New(st.Message()))
	case codes.Canceled:
		return errors.Errorf("%s: %w", st.Message(), context.Canceled)
	case codes.DeadlineExceeded:
		operation := fmt.Sprintf(`%s on "%s"`, method, to)
		return gridErrors.NewTimeoutError(operation, timeout, errors.Errorf("%s: %w", st.Message(), context.DeadlineExceeded))
	default:
		return errors.New(st.Message())
	}
}

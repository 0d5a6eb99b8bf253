package wire

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/avelsh/specdec/internal/domain"
)

// ToStatus maps a domain error onto the gRPC status the protocol promises.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrSessionExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, domain.ErrSessionBusy):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, domain.ErrChunkMismatch):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, domain.ErrBackend):
		return status.Error(codes.Internal, err.Error())
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}

// FromStatus reverses ToStatus so the client loop can branch on the domain
// taxonomy without knowing about gRPC codes.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, st.Message())
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %s", domain.ErrSessionExists, st.Message())
	case codes.Aborted:
		return fmt.Errorf("%w: %s", domain.ErrSessionBusy, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", domain.ErrChunkMismatch, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", domain.ErrArgument, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	case codes.Internal:
		return fmt.Errorf("%w: %s", domain.ErrBackend, st.Message())
	default:
		return err
	}
}

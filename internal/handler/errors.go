package handler

import (
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
)

// httpStatus maps an error code to the HTTP status the API returns.
func httpStatus(code errors.Code) int {
	switch code {
	case errors.ErrCodeInstanceNotFound, errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInstanceAlreadyTerminal,
		errors.ErrCodeStaleInstanceState,
		errors.ErrCodeAlreadyDecided,
		errors.ErrCodeDuplicateActiveInstance,
		errors.ErrCodeInvalidTransition:
		return http.StatusConflict
	case errors.ErrCodeRoleMismatch:
		return http.StatusForbidden
	case errors.ErrCodeMissingRejectionComments,
		errors.ErrCodeInvalidInput,
		errors.ErrCodeUnknownWorkflowKind:
		return http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// mapErrorToGRPC converts a coded error into a gRPC status.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	var c codes.Code
	switch errors.CodeOf(err) {
	case errors.ErrCodeInstanceNotFound, errors.ErrCodeNotFound:
		c = codes.NotFound
	case errors.ErrCodeInstanceAlreadyTerminal, errors.ErrCodeInvalidTransition, errors.ErrCodeAlreadyDecided:
		c = codes.FailedPrecondition
	case errors.ErrCodeStaleInstanceState:
		c = codes.Aborted
	case errors.ErrCodeDuplicateActiveInstance:
		c = codes.AlreadyExists
	case errors.ErrCodeRoleMismatch:
		c = codes.PermissionDenied
	case errors.ErrCodeMissingRejectionComments, errors.ErrCodeInvalidInput, errors.ErrCodeUnknownWorkflowKind:
		c = codes.InvalidArgument
	case errors.ErrCodeUnauthorized:
		c = codes.Unauthenticated
	default:
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(c, err.Error())
}

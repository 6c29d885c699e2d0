package http

import (
	"errors"

	"meshcall/internal/core/domain"
	apperrors "meshcall/pkg/errors"
)

// toAppError maps domain errors onto REST error codes.
func toAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return apperrors.NewInvalidInputError(err.Error()).WithCause(err)
	case errors.Is(err, domain.ErrRoomNotFound):
		return apperrors.NewNotFoundError("room")
	case errors.Is(err, domain.ErrMeetingNotFound):
		return apperrors.NewNotFoundError("meeting")
	case errors.Is(err, domain.ErrMeetingExists):
		return apperrors.NewConflictError("meeting already exists").WithCause(err)
	case errors.Is(err, domain.ErrForbidden):
		return apperrors.NewForbiddenError("operation not permitted")
	}
	return apperrors.NewInternalError("internal error").WithCause(err)
}

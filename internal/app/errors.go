package app

import (
	"errors"

	"diaryai/pkg/domain"
)

// userFacingError reduces an internal failure to a short message safe to
// persist on a message row and show in a client.
func userFacingError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrStreamFailed):
		return "The reply could not be generated. Try again."
	case errors.Is(err, domain.ErrRemoteUnavailable):
		return "The service is unreachable. Try again later."
	case errors.Is(err, domain.ErrNotAuthenticated):
		return "You are signed out."
	case errors.Is(err, domain.ErrInvalidOperation):
		return "That action is not allowed."
	default:
		return "Something went wrong. Try again."
	}
}

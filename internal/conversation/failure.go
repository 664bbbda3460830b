package conversation

import (
	"errors"

	"github.com/ashureev/persona-relay/internal/dispatch"
)

// FailureMessage renders a classified failure as the text shown to chat users.
func FailureMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotReady):
		return "The chat feature is still starting up. Please try again in a moment."
	case errors.Is(err, ErrUnknownPersona):
		return "That character could not be found."
	case errors.Is(err, ErrEmptyMessage):
		return "There was nothing to reply to."
	case errors.Is(err, dispatch.ErrUnavailable):
		return "The AI service is busy right now. Please try again later."
	case errors.Is(err, dispatch.ErrReplyTooLong):
		return "Sorry, I couldn't fit my answer into a single message."
	default:
		return "An error occurred while generating a reply."
	}
}

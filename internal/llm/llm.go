// Package llm is the boundary to the remote generative-text service.
package llm

import (
	"context"
	"errors"

	"github.com/ashureev/persona-relay/internal/domain"
)

var (
	// ErrTransient marks upstream failures that are worth retrying.
	ErrTransient = errors.New("transient upstream error")
	// ErrEmptyReply is returned when the service answers without any text.
	ErrEmptyReply = errors.New("empty reply from generative service")
)

// Generator produces the next model turn for a dialogue.
type Generator interface {
	// Generate sends history followed by prompt and returns the reply text.
	// Errors that may succeed on retry wrap ErrTransient.
	Generate(ctx context.Context, history []domain.Turn, prompt domain.Turn) (string, error)
}

// IsTransient reports whether err was classified as retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/persona-relay/internal/domain"
	"google.golang.org/genai"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "gemini-2.0-flash"

// Gemini implements Generator on top of the Google GenAI SDK.
type Gemini struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewGemini creates a Gemini generator.
func NewGemini(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  model,
		logger: logger.With("component", "llm", "model", model),
	}, nil
}

// Generate sends the dialogue to the model and returns its text reply.
func (g *Gemini) Generate(ctx context.Context, history []domain.Turn, prompt domain.Turn) (string, error) {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, t := range history {
		contents = append(contents, toContent(t))
	}
	contents = append(contents, toContent(prompt))

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", classify(err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyReply
	}
	g.logger.Debug("generated reply", "history_turns", len(history), "reply_len", len(text), "elapsed", time.Since(start))
	return text, nil
}

func toContent(t domain.Turn) *genai.Content {
	parts := make([]*genai.Part, 0, len(t.Parts)+1)
	if t.Content != "" {
		parts = append(parts, genai.NewPartFromText(t.Content))
	}
	for _, p := range t.Parts {
		parts = append(parts, genai.NewPartFromBytes(p.Data, p.MIMEType))
	}
	return &genai.Content{Role: string(t.Role), Parts: parts}
}

// classify wraps retryable SDK and network failures with ErrTransient.
func classify(err error) error {
	if isTransientError(err) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return fmt.Errorf("generate content: %w", err)
}

func isTransientError(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return transientStatus(apiErr.Code, apiErr.Status)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return transientStatus(apiErrPtr.Code, apiErrPtr.Status)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// transientStatus treats server-side unavailability as retryable. Quota (429)
// and request errors are terminal.
func transientStatus(code int, status string) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return status == "UNAVAILABLE" || status == "DEADLINE_EXCEEDED"
}

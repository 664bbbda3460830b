package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/ashureev/persona-relay/internal/domain"
	"github.com/ashureev/persona-relay/internal/llm"
	"github.com/ashureev/persona-relay/internal/metrics"
)

var (
	// ErrUnavailable is returned when transient failures outlast the retry policy.
	ErrUnavailable = errors.New("generative service unavailable")
	// ErrUpstream is returned for non-retryable upstream failures.
	ErrUpstream = errors.New("generative service request failed")
	// ErrReplyTooLong is returned when no attempt produced a reply within the size limit.
	ErrReplyTooLong = errors.New("could not produce a reply within the size limit")
)

const (
	// DefaultMaxReplyLength matches the platform message limit of the reference deployment.
	DefaultMaxReplyLength = 2000
	// DefaultShortenAttempts is the total number of generations, including the first.
	DefaultShortenAttempts = 3
)

// History is the dialogue a Dispatcher reads from and records into.
type History interface {
	Turns() []domain.Turn
	RecordExchange(user, model domain.Turn)
}

// Dispatcher sends prompts to a Generator under a retry policy and refuses to
// return replies longer than the platform limit.
type Dispatcher struct {
	gen             llm.Generator
	policy          Policy
	maxReplyLength  int
	shortenAttempts int
	now             func() time.Time
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPolicy replaces the retry policy.
func WithPolicy(p Policy) Option { return func(d *Dispatcher) { d.policy = p } }

// WithMaxReplyLength sets the reply size limit in characters. Zero disables the check.
func WithMaxReplyLength(n int) Option { return func(d *Dispatcher) { d.maxReplyLength = n } }

// WithShortenAttempts sets the total number of generations allowed per Send.
func WithShortenAttempts(n int) Option { return func(d *Dispatcher) { d.shortenAttempts = n } }

// WithClock overrides the time source used to stamp recorded turns.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithMetrics records generation latency, retries and shorten requests.
func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// New creates a Dispatcher around gen.
func New(gen llm.Generator, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		gen:             gen,
		policy:          DefaultPolicy(),
		maxReplyLength:  DefaultMaxReplyLength,
		shortenAttempts: DefaultShortenAttempts,
		now:             time.Now,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.shortenAttempts < 1 {
		d.shortenAttempts = 1
	}
	if d.metrics != nil && d.policy.OnRetry == nil {
		m := d.metrics
		d.policy.OnRetry = func(int, time.Duration, error) { m.RecordRetry() }
	}
	d.logger = d.logger.With("component", "dispatch")
	return d
}

// MaxReplyLength returns the configured reply size limit.
func (d *Dispatcher) MaxReplyLength() int {
	return d.maxReplyLength
}

// Send generates a reply to prompt. Each successful generation is recorded
// into h together with the prompt that produced it. When the reply is longer
// than the limit the service is asked to restate it; after the attempt
// ceiling ErrReplyTooLong is returned and no text is handed back.
func (d *Dispatcher) Send(ctx context.Context, h History, prompt domain.Turn) (string, error) {
	for attempt := 1; attempt <= d.shortenAttempts; attempt++ {
		if prompt.CreatedAt.IsZero() {
			prompt.CreatedAt = d.now()
		}

		reply, err := d.generate(ctx, h.Turns(), prompt)
		if err != nil {
			return "", err
		}
		h.RecordExchange(prompt, domain.NewModelTurn(reply, d.now()))

		length := utf8.RuneCountInString(reply)
		if d.maxReplyLength <= 0 || length <= d.maxReplyLength {
			return reply, nil
		}

		d.logger.Warn("reply exceeds size limit",
			"attempt", attempt,
			"max_attempts", d.shortenAttempts,
			"length", length,
			"limit", d.maxReplyLength)
		d.metrics.RecordShorten()
		prompt = domain.Turn{Role: domain.RoleUser, Content: shortenDirective(length, d.maxReplyLength)}
	}
	return "", ErrReplyTooLong
}

func (d *Dispatcher) generate(ctx context.Context, history []domain.Turn, prompt domain.Turn) (string, error) {
	var reply string
	start := time.Now()
	err := d.policy.Do(ctx, func(ctx context.Context) error {
		var genErr error
		reply, genErr = d.gen.Generate(ctx, history, prompt)
		return genErr
	})
	d.metrics.ObserveGeneration(time.Since(start), err)
	switch {
	case err == nil:
		return reply, nil
	case errors.Is(err, ErrUnavailable):
		d.logger.Error("generative service unavailable", "error", err)
		return "", err
	default:
		d.logger.Error("generative service request failed", "error", err)
		return "", fmt.Errorf("%w: %w", ErrUpstream, err)
	}
}

func shortenDirective(length, limit int) string {
	return fmt.Sprintf("Your previous reply was %d characters long, but messages here are limited to %d characters. "+
		"Restate the same content in at most %d characters. Reply with the shortened message only.",
		length, limit, limit)
}

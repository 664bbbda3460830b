package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/persona-relay/internal/domain"
	"github.com/ashureev/persona-relay/internal/llm"
	"github.com/ashureev/persona-relay/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedGenerator struct {
	replies []string
	errs    []error
	calls   int
	prompts []domain.Turn
}

func (g *scriptedGenerator) Generate(_ context.Context, _ []domain.Turn, prompt domain.Turn) (string, error) {
	i := g.calls
	g.calls++
	g.prompts = append(g.prompts, prompt)
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if len(g.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	if i >= len(g.replies) {
		return g.replies[len(g.replies)-1], nil
	}
	return g.replies[i], nil
}

type memoryHistory struct{ turns []domain.Turn }

func (h *memoryHistory) Turns() []domain.Turn { return h.turns }

func (h *memoryHistory) RecordExchange(user, model domain.Turn) {
	h.turns = append(h.turns, user, model)
}

func instantPolicy(waits *[]time.Duration) Policy {
	p := DefaultPolicy()
	p.Sleep = func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
	return p
}

func transient(n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = fmt.Errorf("%w: 503", llm.ErrTransient)
	}
	return errs
}

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	got := []time.Duration{p.Backoff(1), p.Backoff(2), p.Backoff(3), p.Backoff(4), p.Backoff(9)}
	want := []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	assert.Equal(t, want, got)
}

func TestSendReturnsReplyAndRecordsExchange(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{replies: []string{"hello there"}}
	h := &memoryHistory{}
	d := New(gen)

	reply, err := d.Send(context.Background(), h, domain.Turn{Role: domain.RoleUser, Content: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "hello there", reply)
	require.Len(t, h.turns, 2)
	assert.Equal(t, "hi", h.turns[0].Content)
	assert.False(t, h.turns[0].CreatedAt.IsZero())
	assert.Equal(t, domain.RoleModel, h.turns[1].Role)
}

func TestSendRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	gen := &scriptedGenerator{errs: transient(2), replies: []string{"", "", "finally"}}
	d := New(gen, WithPolicy(instantPolicy(&waits)))

	reply, err := d.Send(context.Background(), &memoryHistory{}, domain.Turn{Role: domain.RoleUser, Content: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "finally", reply)
	assert.Equal(t, 3, gen.calls)
	assert.Equal(t, []time.Duration{4 * time.Second, 8 * time.Second}, waits)
}

func TestSendStopsAtRetryCeiling(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	gen := &scriptedGenerator{errs: transient(10)}
	h := &memoryHistory{}
	d := New(gen, WithPolicy(instantPolicy(&waits)))

	reply, err := d.Send(context.Background(), h, domain.Turn{Role: domain.RoleUser, Content: "hi"})

	require.ErrorIs(t, err, ErrUnavailable)
	assert.Empty(t, reply)
	assert.Equal(t, 5, gen.calls)
	assert.Len(t, waits, 4)
	assert.Empty(t, h.turns)
}

func TestSendDoesNotRetryTerminalErrors(t *testing.T) {
	t.Parallel()

	quota := errors.New("429 RESOURCE_EXHAUSTED")
	gen := &scriptedGenerator{errs: []error{quota}}
	d := New(gen)

	_, err := d.Send(context.Background(), &memoryHistory{}, domain.Turn{Role: domain.RoleUser, Content: "hi"})

	require.ErrorIs(t, err, ErrUpstream)
	assert.ErrorIs(t, err, quota)
	assert.Equal(t, 1, gen.calls)
}

func TestSendAbortsRetryWhenContextDone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gen := &scriptedGenerator{errs: transient(10)}

	_, err := New(gen).Send(ctx, &memoryHistory{}, domain.Turn{Role: domain.RoleUser, Content: "hi"})

	require.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, gen.calls)
}

func TestSendAsksForShorterReply(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("あ", 11)
	gen := &scriptedGenerator{replies: []string{long, "short"}}
	h := &memoryHistory{}
	d := New(gen, WithMaxReplyLength(10))

	reply, err := d.Send(context.Background(), h, domain.Turn{Role: domain.RoleUser, Content: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "short", reply)
	assert.Equal(t, 2, gen.calls)
	assert.Contains(t, gen.prompts[1].Content, "at most 10 characters")
	require.Len(t, h.turns, 4)
	assert.Equal(t, long, h.turns[1].Content)
	assert.Equal(t, "short", h.turns[3].Content)
}

func TestSendGivesUpOnPersistentlyLongReplies(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{replies: []string{strings.Repeat("x", 2001)}}
	d := New(gen)

	reply, err := d.Send(context.Background(), &memoryHistory{}, domain.Turn{Role: domain.RoleUser, Content: "hi"})

	require.ErrorIs(t, err, ErrReplyTooLong)
	assert.Empty(t, reply)
	assert.Equal(t, DefaultShortenAttempts, gen.calls)
}

func TestExactLimitIsAccepted(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{replies: []string{strings.Repeat("x", DefaultMaxReplyLength)}}
	reply, err := New(gen).Send(context.Background(), &memoryHistory{}, domain.Turn{Role: domain.RoleUser, Content: "hi"})

	require.NoError(t, err)
	assert.Len(t, reply, DefaultMaxReplyLength)
	assert.Equal(t, 1, gen.calls)
}

func TestSendRecordsMetrics(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	m := metrics.New()
	gen := &scriptedGenerator{
		errs:    transient(2),
		replies: []string{"", "", strings.Repeat("x", 11), "short"},
	}
	d := New(gen, WithPolicy(instantPolicy(&waits)), WithMaxReplyLength(10), WithMetrics(m))

	reply, err := d.Send(context.Background(), &memoryHistory{}, domain.Turn{Role: domain.RoleUser, Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "short", reply)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RetriesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ShortenRequestsTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(m.GenerationDuration))
}

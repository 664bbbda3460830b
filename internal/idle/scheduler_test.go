package idle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSpeaker struct {
	mu         sync.Mutex
	reply      string
	err        error
	directives []string
}

func (f *fakeSpeaker) Speak(_ context.Context, directive string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directives = append(f.directives, directive)
	return f.reply, f.err
}

func (f *fakeSpeaker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.directives)
}

type delivery struct {
	channel string
	text    string
}

type fakeDeliverer struct {
	mu   sync.Mutex
	sent []delivery
	err  error
}

func (f *fakeDeliverer) Deliver(_ context.Context, channelID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, delivery{channel: channelID, text: text})
	return f.err
}

func (f *fakeDeliverer) deliveries() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.sent...)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestScheduler(speaker Speaker, out Deliverer) (*Scheduler, *clock) {
	c := &clock{t: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
	s := New(speaker, out, Config{Threshold: 60 * time.Minute}, nil)
	s.now = c.Now
	return s, c
}

func TestTickSpeaksOnceIntoIdleChannel(t *testing.T) {
	speaker := &fakeSpeaker{reply: "Anyone still around?"}
	out := &fakeDeliverer{}
	s, c := newTestScheduler(speaker, out)

	s.Enable("C")
	c.Advance(61 * time.Minute)

	assert.Equal(t, 1, s.Tick(context.Background()))
	assert.Equal(t, []delivery{{channel: "C", text: "Anyone still around?"}}, out.deliveries())
	assert.Equal(t, []string{DefaultDirective}, speaker.directives)

	c.Advance(time.Minute)
	assert.Equal(t, 0, s.Tick(context.Background()))
	assert.Len(t, out.deliveries(), 1)
}

func TestTickIgnoresChannelsWithinThreshold(t *testing.T) {
	speaker := &fakeSpeaker{reply: "hello"}
	out := &fakeDeliverer{}
	s, c := newTestScheduler(speaker, out)

	s.Enable("C")
	c.Advance(60 * time.Minute)

	assert.Equal(t, 0, s.Tick(context.Background()))
	assert.Zero(t, speaker.calls())
}

func TestTouchResetsIdleTimer(t *testing.T) {
	speaker := &fakeSpeaker{reply: "hello"}
	out := &fakeDeliverer{}
	s, c := newTestScheduler(speaker, out)

	s.Enable("C")
	c.Advance(50 * time.Minute)
	s.Touch("C")
	c.Advance(50 * time.Minute)

	assert.Equal(t, 0, s.Tick(context.Background()))
}

func TestTouchIgnoresDisabledChannels(t *testing.T) {
	s, _ := newTestScheduler(&fakeSpeaker{}, &fakeDeliverer{})
	s.Touch("C")
	assert.False(t, s.Enabled("C"))
}

func TestTickEmptyReplyDeliversNothing(t *testing.T) {
	speaker := &fakeSpeaker{}
	out := &fakeDeliverer{}
	s, c := newTestScheduler(speaker, out)

	s.Enable("C")
	c.Advance(2 * time.Hour)

	assert.Equal(t, 0, s.Tick(context.Background()))
	assert.Empty(t, out.deliveries())
	assert.Equal(t, 1, speaker.calls())
}

func TestTickSpeakErrorRetriesNextTick(t *testing.T) {
	speaker := &fakeSpeaker{err: errors.New("unavailable")}
	out := &fakeDeliverer{}
	s, c := newTestScheduler(speaker, out)

	s.Enable("C")
	c.Advance(2 * time.Hour)
	assert.Equal(t, 0, s.Tick(context.Background()))

	speaker.mu.Lock()
	speaker.err = nil
	speaker.reply = "back again"
	speaker.mu.Unlock()

	c.Advance(time.Minute)
	assert.Equal(t, 1, s.Tick(context.Background()))
	assert.Len(t, out.deliveries(), 1)
}

func TestTickDeliveryFailureStillResetsTimer(t *testing.T) {
	speaker := &fakeSpeaker{reply: "hello"}
	out := &fakeDeliverer{err: errors.New("no adapter")}
	s, c := newTestScheduler(speaker, out)

	s.Enable("C")
	c.Advance(2 * time.Hour)
	assert.Equal(t, 1, s.Tick(context.Background()))

	c.Advance(time.Minute)
	assert.Equal(t, 0, s.Tick(context.Background()))
}

func TestTickCoversEveryIdleChannel(t *testing.T) {
	speaker := &fakeSpeaker{reply: "hello"}
	out := &fakeDeliverer{}
	s, c := newTestScheduler(speaker, out)

	s.Enable("b")
	s.Enable("a")
	c.Advance(2 * time.Hour)

	assert.Equal(t, 2, s.Tick(context.Background()))
	assert.Equal(t, []delivery{{"a", "hello"}, {"b", "hello"}}, out.deliveries())
	assert.Equal(t, []string{"a", "b"}, s.Channels())
}

func TestTickerRunsOnlyWhileChannelsEnabled(t *testing.T) {
	s, _ := newTestScheduler(&fakeSpeaker{}, &fakeDeliverer{})
	s.Start(context.Background())
	defer s.Stop()

	assert.False(t, s.Running())

	s.Enable("a")
	s.Enable("b")
	assert.True(t, s.Running())

	s.Disable("a")
	assert.True(t, s.Running())

	s.Disable("b")
	assert.False(t, s.Running())

	s.Disable("b")
	assert.False(t, s.Running())
}

func TestEnableBeforeStartDefersTicker(t *testing.T) {
	s, _ := newTestScheduler(&fakeSpeaker{}, &fakeDeliverer{})
	s.Enable("a")
	assert.False(t, s.Running())

	s.Start(context.Background())
	assert.True(t, s.Running())

	s.Stop()
	assert.False(t, s.Running())
}

func TestTickerSpeaksOnSchedule(t *testing.T) {
	speaker := &fakeSpeaker{reply: "tick"}
	out := &fakeDeliverer{}
	s := New(speaker, out, Config{Interval: 5 * time.Millisecond, Threshold: time.Nanosecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Enable("C")

	require.Eventually(t, func() bool {
		return len(out.deliveries()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.Running())
}

type hookSpeaker struct {
	reply  string
	during func()
}

func (h *hookSpeaker) Speak(context.Context, string) (string, error) {
	h.during()
	return h.reply, nil
}

func TestTickDropsReplyForChannelDisabledMidSpeak(t *testing.T) {
	out := &fakeDeliverer{}
	speaker := &hookSpeaker{reply: "late reply"}
	s, c := newTestScheduler(speaker, out)
	speaker.during = func() { s.Disable("C") }

	s.Enable("C")
	c.Advance(61 * time.Minute)

	assert.Equal(t, 0, s.Tick(context.Background()))
	assert.Empty(t, out.deliveries())
	assert.False(t, s.Enabled("C"))
}

type blockingSpeaker struct {
	mu        sync.Mutex
	active    int
	maxActive int
	calls     int
	entered   chan struct{}
	release   chan struct{}
}

func (b *blockingSpeaker) Speak(context.Context, string) (string, error) {
	b.mu.Lock()
	b.active++
	b.calls++
	if b.active > b.maxActive {
		b.maxActive = b.active
	}
	b.mu.Unlock()

	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release

	b.mu.Lock()
	b.active--
	b.mu.Unlock()
	return "hello again", nil
}

func (b *blockingSpeaker) stats() (maxActive, calls int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxActive, b.calls
}

func TestReenableWaitsForInFlightTick(t *testing.T) {
	speaker := &blockingSpeaker{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := New(speaker, &fakeDeliverer{}, Config{Interval: 5 * time.Millisecond, Threshold: time.Nanosecond}, nil)

	s.Start(context.Background())
	s.Enable("C")

	select {
	case <-speaker.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("ticker never spoke")
	}

	s.Disable("C")
	s.Enable("C")
	time.Sleep(50 * time.Millisecond)

	maxActive, calls := speaker.stats()
	assert.Equal(t, 1, maxActive)
	assert.Equal(t, 1, calls)

	close(speaker.release)
	s.Stop()

	maxActive, _ = speaker.stats()
	assert.Equal(t, 1, maxActive)
	assert.False(t, s.Running())
}

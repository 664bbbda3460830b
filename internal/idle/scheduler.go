// Package idle drives unprompted "auto-speak" turns in quiet channels.
package idle

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/persona-relay/internal/metrics"
)

// DefaultDirective is the prompt used to resume a quiet conversation.
const DefaultDirective = "Some time has passed since anyone spoke. Pick the conversation back up on your own. " +
	"Bring up something new rather than repeating topics already discussed, and do not reply with just a greeting."

const (
	// DefaultInterval is how often enabled channels are checked.
	DefaultInterval = time.Minute
	// DefaultThreshold is how long a channel must be quiet before speaking.
	DefaultThreshold = 60 * time.Minute
)

// Speaker produces an unprompted reply and records it in the conversation history.
type Speaker interface {
	Speak(ctx context.Context, directive string) (string, error)
}

// Deliverer sends text to a chat channel.
type Deliverer interface {
	Deliver(ctx context.Context, channelID, text string) error
}

// Config tunes a Scheduler.
type Config struct {
	Interval  time.Duration
	Threshold time.Duration
	Directive string
	Metrics   *metrics.Metrics
}

// Scheduler tracks the last activity of every auto-speak channel and speaks
// into channels that stay quiet past the threshold. Its ticker only runs while
// at least one channel is enabled.
type Scheduler struct {
	speaker Speaker
	out     Deliverer
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	channels map[string]time.Time
	base     context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a stopped Scheduler. Call Start to bind it to a lifetime context.
func New(speaker Speaker, out Deliverer, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Directive == "" {
		cfg.Directive = DefaultDirective
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		speaker:  speaker,
		out:      out,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With("component", "idle"),
		channels: make(map[string]time.Time),
	}
}

// Start binds the scheduler to ctx. The ticker starts now if channels are
// already enabled, otherwise on the first Enable.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = ctx
	if len(s.channels) > 0 {
		s.startLocked()
	}
}

// Stop halts the ticker and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.base = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Enable opts a channel into auto-speak, counting now as its last activity.
func (s *Scheduler) Enable(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[channelID] = s.now()
	s.logger.Info("auto-speak enabled", "channel", channelID)
	s.startLocked()
}

// Disable opts a channel out. The ticker stops once no channel is left.
func (s *Scheduler) Disable(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channelID]; !ok {
		return
	}
	delete(s.channels, channelID)
	s.logger.Info("auto-speak disabled", "channel", channelID)
	if len(s.channels) == 0 && s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.logger.Info("auto-speak ticker stopped")
	}
}

// Enabled reports whether channelID is opted in.
func (s *Scheduler) Enabled(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[channelID]
	return ok
}

// Channels returns the enabled channel ids in sorted order.
func (s *Scheduler) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for id := range s.channels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Touch records activity in channelID if it is enabled.
func (s *Scheduler) Touch(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channelID]; ok {
		s.channels[channelID] = s.now()
	}
}

// Running reports whether the ticker is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Tick speaks into every enabled channel that has been idle for longer than
// the threshold and returns how many replies were produced.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var due []string
	for id, last := range s.channels {
		if now.Sub(last) > s.cfg.Threshold {
			due = append(due, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(due)

	spoken := 0
	for _, id := range due {
		reply, err := s.speaker.Speak(ctx, s.cfg.Directive)
		if err != nil {
			s.cfg.Metrics.RecordIdleSpeak(metrics.OutcomeFailed)
			s.logger.Error("auto-speak failed", "channel", id, "error", err)
			continue
		}
		if reply == "" {
			s.cfg.Metrics.RecordIdleSpeak(metrics.OutcomeEmpty)
			continue
		}
		if !s.Enabled(id) {
			s.cfg.Metrics.RecordIdleSpeak(metrics.OutcomeIgnored)
			s.logger.Info("channel disabled while speaking, dropping reply", "channel", id)
			continue
		}
		s.cfg.Metrics.RecordIdleSpeak(metrics.OutcomeAnswered)
		spoken++
		if err := s.out.Deliver(ctx, id, reply); err != nil {
			s.logger.Warn("failed to deliver auto-speak reply", "channel", id, "error", err)
		}
		s.Touch(id)
	}
	if spoken > 0 {
		s.logger.Info("auto-speak tick completed", "checked", len(due), "spoken", spoken)
	}
	return spoken
}

// startLocked launches a ticker goroutine. A goroutine cancelled by Disable
// may still be inside Tick, so the new one waits for it to exit first and
// closing done implies every earlier goroutine has exited.
func (s *Scheduler) startLocked() {
	if s.cancel != nil || s.base == nil {
		return
	}
	ctx, cancel := context.WithCancel(s.base)
	prev, done := s.done, make(chan struct{})
	s.cancel = cancel
	s.done = done
	go s.run(ctx, prev, done)
}

func (s *Scheduler) run(ctx context.Context, prev <-chan struct{}, done chan struct{}) {
	defer close(done)
	if prev != nil {
		<-prev
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.Info("auto-speak ticker started", "interval", s.cfg.Interval, "threshold", s.cfg.Threshold)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

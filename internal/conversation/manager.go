package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/persona-relay/internal/dispatch"
	"github.com/ashureev/persona-relay/internal/domain"
	"github.com/ashureev/persona-relay/internal/metrics"
	"github.com/ashureev/persona-relay/internal/persona"
	"github.com/ashureev/persona-relay/internal/store"
)

var (
	// ErrNotReady is returned when no session could be built for a request.
	ErrNotReady = errors.New("conversation session is not ready")
	// ErrUnknownPersona is returned when switching to a persona with no document.
	ErrUnknownPersona = errors.New("unknown persona")
	// ErrEmptyMessage is returned for messages with neither text nor attachments.
	ErrEmptyMessage = errors.New("empty message")
	// ErrStorage is returned when the history store rejects a write.
	ErrStorage = errors.New("history storage failed")
)

const (
	// DefaultPersona is used when nothing else selects a persona.
	DefaultPersona = "lycaon"
	// DefaultMaxTurns bounds the live session length.
	DefaultMaxTurns = 200
	// DefaultLoadLimit bounds how many persisted turns are restored.
	DefaultLoadLimit = 100
)

// PersonaSource resolves persona keys into seeds.
type PersonaSource interface {
	Load(key string) persona.Seed
	Exists(key string) bool
	List() ([]domain.PersonaSummary, error)
}

// Sender dispatches a prompt against a dialogue.
type Sender interface {
	Send(ctx context.Context, h dispatch.History, prompt domain.Turn) (string, error)
}

// Options tunes a Manager.
type Options struct {
	DefaultPersona string
	MaxTurns       int
	LoadLimit      int
	Metrics        *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.DefaultPersona == "" {
		o.DefaultPersona = DefaultPersona
	}
	if o.MaxTurns <= 0 {
		o.MaxTurns = DefaultMaxTurns
	}
	if o.LoadLimit <= 0 {
		o.LoadLimit = DefaultLoadLimit
	}
	return o
}

// Message is an inbound chat message handed over by the platform.
type Message struct {
	ChannelID   string
	Author      string
	Text        string
	Attachments []domain.Part
}

// Info describes the active session.
type Info struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
	Turns       int    `json:"turns"`
	Protected   int    `json:"protected"`
	Degraded    bool   `json:"degraded"`
}

// Manager is the single owner of the live Session. Every mutation of the
// session and every history write for the active persona happens under mu.
type Manager struct {
	personas PersonaSource
	history  store.HistoryStore
	sender   Sender
	opts     Options
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	session *Session
}

// NewManager creates a Manager. The session is built by Initialize or lazily
// on the first message.
func NewManager(personas PersonaSource, history store.HistoryStore, sender Sender, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		personas: personas,
		history:  history,
		sender:   sender,
		opts:     opts.withDefaults(),
		now:      time.Now,
		logger:   logger.With("component", "conversation"),
	}
}

// Initialize builds a fresh session for key. An empty key selects the persisted
// active persona, falling back to the configured default.
func (m *Manager) Initialize(ctx context.Context, key string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.initializeLocked(ctx, key)
	if err != nil {
		return Info{}, err
	}
	return infoOf(sess), nil
}

// SwitchPersona replaces the session with one for key. Unknown keys leave the
// current session untouched.
func (m *Manager) SwitchPersona(ctx context.Context, key string) (Info, error) {
	key = strings.TrimSpace(key)
	if !m.personas.Exists(key) {
		return Info{}, fmt.Errorf("%w: %q", ErrUnknownPersona, key)
	}
	return m.Initialize(ctx, key)
}

// Reset clears the active persona's history and rebuilds its session.
func (m *Manager) Reset(ctx context.Context) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.ensureSessionLocked(ctx)
	if err != nil {
		return Info{}, err
	}
	key := sess.PersonaKey()
	if err := m.history.Clear(ctx, key); err != nil {
		return Info{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	m.logger.Info("history cleared", "persona", key)

	sess, err = m.initializeLocked(ctx, key)
	if err != nil {
		return Info{}, err
	}
	return infoOf(sess), nil
}

// HandleMessage answers an inbound message and persists both sides of the exchange.
func (m *Manager) HandleMessage(ctx context.Context, msg Message) (string, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" && len(msg.Attachments) == 0 {
		return "", ErrEmptyMessage
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.ensureSessionLocked(ctx)
	if err != nil {
		return "", err
	}

	now := m.now()
	prompt := domain.Turn{
		Role:      domain.RoleUser,
		Author:    msg.Author,
		Content:   domain.TagContent(msg.Author, text, now),
		Parts:     msg.Attachments,
		CreatedAt: now,
	}

	mark := sess.Len()
	reply, err := m.sender.Send(ctx, sess, prompt)
	if err != nil {
		sess.truncate(mark)
		m.logger.Error("message dispatch failed", "persona", sess.PersonaKey(), "channel", msg.ChannelID, "error", err)
		return "", err
	}

	user := domain.Turn{Role: domain.RoleUser, Author: msg.Author, Content: prompt.Content}
	model := domain.Turn{Role: domain.RoleModel, Content: reply}
	if err := m.history.AppendExchange(ctx, sess.PersonaKey(), user, model); err != nil {
		sess.truncate(mark)
		m.logger.Error("failed to persist exchange", "persona", sess.PersonaKey(), "channel", msg.ChannelID, "error", err)
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}

	m.pruneLocked(sess)
	return reply, nil
}

// Speak asks the model for an unprompted turn following directive. The
// directive itself is not persisted; the reply is stored as a model turn.
func (m *Manager) Speak(ctx context.Context, directive string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.ensureSessionLocked(ctx)
	if err != nil {
		return "", err
	}

	mark := sess.Len()
	prompt := domain.Turn{Role: domain.RoleUser, Content: directive, CreatedAt: m.now()}
	reply, err := m.sender.Send(ctx, sess, prompt)
	if err != nil {
		sess.truncate(mark)
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		sess.truncate(mark)
		return "", nil
	}
	if err := m.history.Append(ctx, sess.PersonaKey(), domain.RoleModel, "", reply); err != nil {
		sess.truncate(mark)
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}

	m.pruneLocked(sess)
	return reply, nil
}

// CurrentTurns returns a copy of the live session, or nil before initialization.
func (m *Manager) CurrentTurns() []domain.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	return m.session.Turns()
}

// Prune applies the pruning rule to the live session.
func (m *Manager) Prune() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return false
	}
	return m.pruneLocked(m.session)
}

func (m *Manager) pruneLocked(sess *Session) bool {
	if !sess.Prune(m.opts.MaxTurns) {
		return false
	}
	m.opts.Metrics.RecordPrune()
	return true
}

// Active describes the live session. ok is false before initialization.
func (m *Manager) Active() (info Info, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Info{}, false
	}
	return infoOf(m.session), true
}

// ListPersonas lists available personas. It only reads the persona store and
// does not take the session lock.
func (m *Manager) ListPersonas() ([]domain.PersonaSummary, error) {
	return m.personas.List()
}

// Close drops the live session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
}

func (m *Manager) ensureSessionLocked(ctx context.Context) (*Session, error) {
	if m.session != nil {
		return m.session, nil
	}
	sess, err := m.initializeLocked(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	return sess, nil
}

func (m *Manager) initializeLocked(ctx context.Context, key string) (*Session, error) {
	key = m.resolveKey(ctx, key)

	seed := m.personas.Load(key)
	if seed.Degraded {
		m.logger.Warn("starting session without persona seed", "persona", key, "display_name", seed.DisplayName)
	}

	if err := m.history.EnsureSchema(ctx, key); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	tail, err := m.history.LoadTail(ctx, key, m.opts.LoadLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if err := m.history.SetSetting(ctx, domain.SettingCurrentPersona, key); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	sess := newSession(seed, tail)
	m.pruneLocked(sess)
	m.session = sess

	m.logger.Info("session initialized",
		"persona", key,
		"display_name", sess.DisplayName(),
		"seed_turns", sess.Protected(),
		"restored_turns", len(tail))
	return sess, nil
}

func (m *Manager) resolveKey(ctx context.Context, key string) string {
	if key = strings.TrimSpace(key); key != "" {
		return key
	}
	stored, ok, err := m.history.GetSetting(ctx, domain.SettingCurrentPersona)
	if err != nil {
		m.logger.Warn("failed to read active persona setting", "error", err)
	}
	if ok && stored != "" {
		return stored
	}
	return m.opts.DefaultPersona
}

func infoOf(s *Session) Info {
	return Info{
		Key:         s.PersonaKey(),
		DisplayName: s.DisplayName(),
		Turns:       s.Len(),
		Protected:   s.Protected(),
		Degraded:    s.Degraded(),
	}
}

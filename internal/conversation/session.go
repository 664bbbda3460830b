// Package conversation owns the live dialogue sent to the generative service.
package conversation

import (
	"log/slog"

	"github.com/ashureev/persona-relay/internal/domain"
	"github.com/ashureev/persona-relay/internal/persona"
)

// Session is the in-memory dialogue for the active persona: the persona's seed
// turns followed by restored and live conversation turns. The seed turns form
// a protected prefix that pruning never removes.
type Session struct {
	personaKey  string
	displayName string
	degraded    bool
	turns       []domain.Turn
	protected   int
}

func newSession(seed persona.Seed, tail []domain.Turn) *Session {
	turns := make([]domain.Turn, 0, len(seed.Turns)+len(tail))
	turns = append(turns, seed.Turns...)
	turns = append(turns, tail...)
	return &Session{
		personaKey:  seed.Key,
		displayName: seed.DisplayName,
		degraded:    seed.Degraded,
		turns:       turns,
		protected:   len(seed.Turns),
	}
}

// PersonaKey returns the persona this session was built for.
func (s *Session) PersonaKey() string { return s.personaKey }

// DisplayName returns the persona's display name.
func (s *Session) DisplayName() string { return s.displayName }

// Degraded reports whether the session started without a usable persona seed.
func (s *Session) Degraded() bool { return s.degraded }

// Protected returns the length of the protected prefix.
func (s *Session) Protected() int { return s.protected }

// Len returns the number of turns in the session.
func (s *Session) Len() int { return len(s.turns) }

// Turns returns a copy of the session's turns in order.
func (s *Session) Turns() []domain.Turn {
	out := make([]domain.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// RecordExchange appends a user turn and the model turn answering it.
func (s *Session) RecordExchange(user, model domain.Turn) {
	s.turns = append(s.turns, user, model)
}

// Record appends a single turn.
func (s *Session) Record(t domain.Turn) {
	s.turns = append(s.turns, t)
}

// Prune trims the session to at most max turns when it has grown past max.
// The protected prefix is kept whole and the conversational tail is cut back
// to half of the remaining capacity, newest turns first. The retained tail
// never starts with a model turn. It reports whether anything was removed.
func (s *Session) Prune(max int) bool {
	if max <= 0 || len(s.turns) <= max {
		return false
	}

	if s.protected >= max {
		slog.Warn("session maximum is smaller than the persona seed; truncating seed",
			"persona", s.personaKey,
			"seed_turns", s.protected,
			"max_turns", max)
		s.turns = append([]domain.Turn(nil), s.turns[:max]...)
		s.protected = max
		return true
	}

	keep := (max - s.protected) / 2
	tail := s.turns[len(s.turns)-keep:]
	for len(tail) > 0 && tail[0].Role == domain.RoleModel {
		tail = tail[1:]
	}

	pruned := make([]domain.Turn, 0, s.protected+len(tail))
	pruned = append(pruned, s.turns[:s.protected]...)
	pruned = append(pruned, tail...)

	slog.Info("pruned session history",
		"persona", s.personaKey,
		"before", len(s.turns),
		"after", len(pruned),
		"max_turns", max)
	s.turns = pruned
	return true
}

// truncate rolls the session back to its first n turns.
func (s *Session) truncate(n int) {
	if n < len(s.turns) {
		s.turns = s.turns[:n]
	}
}

// Package domain contains core domain types for the persona relay.
package domain

import (
	"strings"
	"time"
)

// Role tags a turn with the side of the dialogue that produced it.
type Role string

const (
	// RoleUser marks turns written by chat participants (or by the relay on their behalf).
	RoleUser Role = "user"
	// RoleModel marks turns produced by the generative service.
	RoleModel Role = "model"
)

// Valid reports whether r is one of the two enumerated roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleModel
}

// ParseRole normalizes a stored or declared role string.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	return r, r.Valid()
}

// Part is a binary content part sent alongside a turn's text (e.g. an image).
type Part struct {
	MIMEType string
	Data     []byte
}

// Turn is one role-tagged unit of dialogue.
type Turn struct {
	ID        int64
	Role      Role
	Author    string
	Content   string
	Parts     []Part // in-memory only, never persisted
	CreatedAt time.Time
}

// NewUserTurn builds a user turn stamped with now.
func NewUserTurn(author, content string, now time.Time) Turn {
	return Turn{Role: RoleUser, Author: author, Content: content, CreatedAt: now}
}

// NewModelTurn builds a model turn stamped with now. Model turns carry no author label.
func NewModelTurn(content string, now time.Time) Turn {
	return Turn{Role: RoleModel, Content: content, CreatedAt: now}
}

// TagContent formats a user message the way the formatting directive describes it
// to the model: "[2006-01-02 15:04] author: text".
func TagContent(author, text string, at time.Time) string {
	return "[" + at.Format("2006-01-02 15:04") + "] " + author + ": " + text
}

// Package domain contains core domain types for the Serene chat service.
package domain

import (
	"time"
)

// Session status values.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Progress is a per-message snapshot of the latest analysis signals.
type Progress struct {
	EmotionalState string  `json:"emotionalState"`
	RiskLevel      float64 `json:"riskLevel"`
}

// Metadata carries optional per-message annotations. Analysis is kept as a
// serialized JSON string so the message schema stays stable even when the
// analysis shape evolves.
type Metadata struct {
	Technique string    `json:"technique,omitempty"`
	Goal      string    `json:"goal,omitempty"`
	Analysis  string    `json:"analysis,omitempty"`
	Progress  *Progress `json:"progress,omitempty"`
}

// Message is a single chat entry. Messages are append-only: once persisted
// they are never mutated.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// Session is one conversation between a user and the assistant. Messages are
// held in insertion order, which is also chronological order.
type Session struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	StartTime time.Time `json:"startTime"`
	Status    string    `json:"status"`
	Messages  []Message `json:"messages"`
	Memory    Memory    `json:"-"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OwnedBy reports whether the session belongs to the given user.
func (s *Session) OwnedBy(userID string) bool {
	return s.UserID == userID
}

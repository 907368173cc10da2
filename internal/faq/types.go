// Package faq holds the domain types shared by the query pipeline, the
// session store and the transport layers.
package faq

import "time"

// DefaultOutOfScopeAnswer is returned whenever the pipeline cannot ground an answer.
const DefaultOutOfScopeAnswer = "I don't have specific information about your question in our FAQ knowledge base. " +
	"Please contact our support team for personalized assistance."

// Interaction is one resolved turn. It is never edited after it is written.
type Interaction struct {
	ID         int64          `json:"-"`
	SessionID  string         `json:"session_id"`
	UserID     string         `json:"user_id,omitempty"`
	Query      string         `json:"query"`
	Response   string         `json:"response"`
	Confidence Confidence     `json:"confidence"`
	Intent     *string        `json:"intent"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"timestamp"`
}

// UserContext aggregates per-user state across sessions.
type UserContext struct {
	UserID           string         `json:"user_id"`
	Preferences      map[string]any `json:"preferences"`
	InteractionCount int64          `json:"interaction_count"`
	LastActive       time.Time      `json:"last_active"`
	CreatedAt        time.Time      `json:"created_at"`
}

// SessionStats summarizes one session.
type SessionStats struct {
	SessionID           string     `json:"session_id"`
	TotalInteractions   int        `json:"total_interactions"`
	FirstInteraction    *time.Time `json:"first_interaction"`
	LastInteraction     *time.Time `json:"last_interaction"`
	HighConfidenceRatio float64    `json:"high_confidence_ratio"`
}

// Answer is the structured result produced by a pipeline stage.
type Answer struct {
	Text       string
	Confidence Confidence
	Intent     *string
	Sources    []string
	Metadata   map[string]any
}

// OutOfKnowledge is the canonical result for queries nothing could ground.
func OutOfKnowledge(phrase string) Answer {
	if phrase == "" {
		phrase = DefaultOutOfScopeAnswer
	}
	return Answer{
		Text:       phrase,
		Confidence: ConfidenceNone,
		Sources:    []string{},
	}
}

// Envelope is the response shape of every resolved query.
type Envelope struct {
	Answer     string     `json:"answer"`
	Confidence Confidence `json:"confidence"`
	Sources    []string   `json:"sources"`
	SessionID  string     `json:"session_id"`
	Timestamp  time.Time  `json:"timestamp"`
	Intent     *string    `json:"intent"`
}

// HistoryView is the history-read shape.
type HistoryView struct {
	SessionID         string        `json:"session_id"`
	History           []Interaction `json:"history"`
	TotalInteractions int           `json:"total_interactions"`
}

// StringPtr returns nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

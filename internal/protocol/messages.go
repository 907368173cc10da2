package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/faqflow/internal/faq"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeFAQQuery    MessageType = "faq_query"
	TypeFAQAnswer   MessageType = "faq_answer"
	TypeSystemEvent MessageType = "system_event"
	TypeErrorEvent  MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// FAQQuery is the only client message. RequestID is echoed on the reply so
// clients can pipeline queries over one connection.
type FAQQuery struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Query     string      `json:"query"`
	SessionID string      `json:"session_id,omitempty"`
	UserID    string      `json:"user_id,omitempty"`
}

type FAQAnswer struct {
	Type       MessageType    `json:"type"`
	RequestID  string         `json:"request_id,omitempty"`
	Answer     string         `json:"answer"`
	Confidence faq.Confidence `json:"confidence"`
	Sources    []string       `json:"sources"`
	SessionID  string         `json:"session_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Intent     *string        `json:"intent"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// NewFAQAnswer wraps a resolved envelope for the wire.
func NewFAQAnswer(requestID string, env faq.Envelope) FAQAnswer {
	sources := env.Sources
	if sources == nil {
		sources = []string{}
	}
	return FAQAnswer{
		Type:       TypeFAQAnswer,
		RequestID:  requestID,
		Answer:     env.Answer,
		Confidence: env.Confidence,
		Sources:    sources,
		SessionID:  env.SessionID,
		Timestamp:  env.Timestamp,
		Intent:     env.Intent,
	}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeFAQQuery:
		var msg FAQQuery
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Query) == "" {
			return nil, errors.New("invalid faq_query: query is required")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

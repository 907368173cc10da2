package faq

import (
	"fmt"
	"strings"
)

// Confidence is the ordered certainty level attached to every answer.
type Confidence string

const (
	ConfidenceNone   Confidence = "none"
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

func (c Confidence) rank() int {
	switch c {
	case ConfidenceLow:
		return 1
	case ConfidenceMedium:
		return 2
	case ConfidenceHigh:
		return 3
	default:
		return 0
	}
}

// Valid reports whether c is one of the four known levels.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceNone, ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return true
	default:
		return false
	}
}

// Less reports whether c ranks strictly below other.
func (c Confidence) Less(other Confidence) bool {
	return c.rank() < other.rank()
}

// MinConfidence returns the lower of two levels.
func MinConfidence(a, b Confidence) Confidence {
	if b.Less(a) {
		return b
	}
	return a
}

// ParseConfidence accepts the lowercase names, case-insensitively.
func ParseConfidence(raw string) (Confidence, error) {
	c := Confidence(strings.ToLower(strings.TrimSpace(raw)))
	if !c.Valid() {
		return ConfidenceNone, fmt.Errorf("unknown confidence level %q", raw)
	}
	return c, nil
}

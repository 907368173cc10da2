package faq

import "errors"

var (
	ErrValidation          = errors.New("invalid request")
	ErrRetrievalTimeout    = errors.New("retrieval timed out")
	ErrGenerationTimeout   = errors.New("generation timed out")
	ErrPersistence         = errors.New("session store unavailable")
	ErrNotFound            = errors.New("record not found")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// IsInfrastructure reports whether err is a server-side fault class.
// Validation and not-found conditions are caller faults and return false.
func IsInfrastructure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound):
		return false
	default:
		return true
	}
}

package session

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package wraps exactly one of
// these, so callers can branch with errors.Is on the kind alone.
var (
	// ErrValidation reports bad caller input; retrying with other input can succeed.
	ErrValidation = errors.New("validation error")
	// ErrNotFound reports a reference to an item or session that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrState reports an operation the current state does not allow.
	ErrState = errors.New("state error")
	// ErrIOFailure reports a failed audit write. The in-memory change was applied.
	ErrIOFailure = errors.New("i/o failure")
)

// Validation errors.
var (
	ErrInvalidFormat  = fmt.Errorf("%w: invalid image format", ErrValidation)
	ErrTooLarge       = fmt.Errorf("%w: item exceeds size limit", ErrValidation)
	ErrDuplicate      = fmt.Errorf("%w: filename already in session", ErrValidation)
	ErrInvalidLabel   = fmt.Errorf("%w: invalid label", ErrValidation)
	ErrInvalidGrading = fmt.Errorf("%w: invalid grading", ErrValidation)
	ErrInvalidAudio   = fmt.Errorf("%w: invalid audio", ErrValidation)
	ErrInvalidID      = fmt.Errorf("%w: invalid session id", ErrValidation)
)

// Not-found errors.
var (
	ErrItemNotFound    = fmt.Errorf("%w: item", ErrNotFound)
	ErrSessionNotFound = fmt.Errorf("%w: session", ErrNotFound)
)

// State errors.
var (
	ErrSessionExpired          = fmt.Errorf("%w: session expired", ErrState)
	ErrSessionFinalized        = fmt.Errorf("%w: session finalized", ErrState)
	ErrNoAudio                 = fmt.Errorf("%w: item has no audio", ErrState)
	ErrNoTranscript            = fmt.Errorf("%w: item has no transcript", ErrState)
	ErrAudioChanged            = fmt.Errorf("%w: recording was replaced", ErrState)
	ErrGradingRequiresCataract = fmt.Errorf("%w: grading requires the cataract label", ErrState)
)

// ErrAuditFailed is returned when a mutation succeeded but its audit fact
// could not be written.
var ErrAuditFailed = fmt.Errorf("%w: audit append failed", ErrIOFailure)

// IsAuditWarning reports whether err only signals a failed audit write, in
// which case the operation itself took effect.
func IsAuditWarning(err error) bool {
	return errors.Is(err, ErrAuditFailed)
}

func statusError(s Status) error {
	switch s {
	case StatusExpired:
		return ErrSessionExpired
	case StatusFinalized:
		return ErrSessionFinalized
	}
	return nil
}

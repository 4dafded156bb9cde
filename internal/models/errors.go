package models

import (
	"errors"
	"fmt"
)

// Validation errors: the caller sent something malformed. Reported to the
// submitting caller, never silently dropped.
var (
	ErrSchemaMismatch    = errors.New("payload does not match question schema")
	ErrDuplicateResponse = errors.New("response already recorded for this key")
)

// State errors: the operation targeted a round or study in the wrong state.
var (
	ErrRoundClosed       = errors.New("round is not collecting responses")
	ErrStudyNotOpen      = errors.New("study is not open")
	ErrInvalidTransition = errors.New("invalid round state transition")
)

// Lookup errors.
var (
	ErrStudyNotFound    = errors.New("study not found")
	ErrRoundNotFound    = errors.New("round not found")
	ErrQuestionNotFound = errors.New("question not active in round")
	ErrUnknownParticipant = errors.New("participant not on study roster")
)

// IsValidation reports whether err belongs to the validation taxonomy.
func IsValidation(err error) bool {
	return errors.Is(err, ErrSchemaMismatch) || errors.Is(err, ErrDuplicateResponse)
}

// IsState reports whether err belongs to the state taxonomy.
func IsState(err error) bool {
	return errors.Is(err, ErrRoundClosed) || errors.Is(err, ErrStudyNotOpen) || errors.Is(err, ErrInvalidTransition)
}

// IsNotFound reports whether err belongs to the lookup taxonomy.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStudyNotFound) || errors.Is(err, ErrRoundNotFound) ||
		errors.Is(err, ErrQuestionNotFound) || errors.Is(err, ErrUnknownParticipant)
}

// TransitionError wraps ErrInvalidTransition with the state the round was
// actually in, so callers can reconcile and retry.
func TransitionError(current RoundStatus, next RoundStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
}

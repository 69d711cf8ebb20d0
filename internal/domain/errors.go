package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when a contest token is invalid or expired.
	ErrUnauthorized = errors.New("invalid or expired token")
	// ErrContestNotFound indicates the contest content could not be loaded.
	ErrContestNotFound = errors.New("contest not found")
	// ErrContestClosed is returned for any action outside the live window.
	ErrContestClosed = errors.New("contest is not live")
	// ErrContestNotStarted is returned before start_time.
	ErrContestNotStarted = fmt.Errorf("%w: not started yet", ErrContestClosed)
	// ErrContestEnded is returned after end_time.
	ErrContestEnded = fmt.Errorf("%w: already ended", ErrContestClosed)
	// ErrQuestionNotFound indicates a submitted question id is out of range or not allowed.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrWrongContestKind is returned when a quiz token hits a contest endpoint or vice versa.
	ErrWrongContestKind = errors.New("token does not match this kind of event")
	// ErrInvalidSubmission indicates a malformed submission payload.
	ErrInvalidSubmission = errors.New("invalid submission")
)

// PhaseError maps a non-live phase to its sentinel.
func PhaseError(p Phase) error {
	switch p {
	case PhasePending:
		return ErrContestNotStarted
	case PhaseEnded:
		return ErrContestEnded
	default:
		return nil
	}
}

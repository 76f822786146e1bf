package domain

import "errors"

// Domain errors
var (
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionExists         = errors.New("session already exists")
	ErrNotEnoughParticipants = errors.New("not enough participants")
	ErrParticipantsNotReady  = errors.New("participants not ready")
	ErrInvalidTopicSelection = errors.New("invalid topic selection")
	ErrUnknownSkill          = errors.New("unknown skill")
	ErrSkillAlreadyUsed      = errors.New("skill already used")
	ErrInvalidTarget         = errors.New("invalid skill target")
	ErrWrongPhase            = errors.New("action not allowed in current phase")
	ErrUnknownDifficulty     = errors.New("unknown difficulty")
	ErrProblemAlreadySolved  = errors.New("problem already solved")
	ErrNotConnected          = errors.New("participant not connected")
	ErrFrozen                = errors.New("input frozen")
	ErrCoordinatorClosed     = errors.New("coordinator closed")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInternalError         = errors.New("internal server error")
)

// PreconditionError is a locally rejected user action. Reason is safe to show to the user.
type PreconditionError struct {
	Err    error
	Reason string
}

// NewPreconditionError wraps a sentinel with a user-facing reason
func NewPreconditionError(err error, reason string) *PreconditionError {
	return &PreconditionError{Err: err, Reason: reason}
}

func (e *PreconditionError) Error() string {
	return e.Err.Error() + ": " + e.Reason
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// IsPrecondition reports whether err is a local precondition rejection
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// Reason extracts the user-facing reason from err, falling back to its message
func Reason(err error) string {
	var pe *PreconditionError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return err.Error()
}

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}

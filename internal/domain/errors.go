package domain

import "errors"

// Hand-off failures. Components wrap these; only the event dispatcher turns
// them into user-visible text.
var (
	ErrNoOperatorsAvailable = errors.New("no operators available")
	ErrAlreadyInDialog      = errors.New("participant already in dialog")
	ErrOperatorBusy         = errors.New("operator busy")
	ErrAlreadyClaimed       = errors.New("user already claimed")
	ErrNotOperator          = errors.New("participant is not an operator")
	ErrParticipantNotFound  = errors.New("participant not found")
	ErrStorage              = errors.New("storage i/o error")
	ErrDeliveryFailure      = errors.New("delivery failure")
	ErrQueueEmpty           = errors.New("wait queue is empty")
)

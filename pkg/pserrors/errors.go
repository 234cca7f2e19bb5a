package pserrors

import "errors"

var (
	// ErrDuplicateTime means two requests were assigned the same logical
	// time. This is a clock-assignment bug, not a recoverable condition.
	ErrDuplicateTime = errors.New("pssync: duplicate logical time")

	// ErrUnknownTime means a Wait or Set referenced a logical time that
	// was never registered by this container.
	ErrUnknownTime = errors.New("pssync: unknown logical time")

	// ErrSend wraps a transport failure to enqueue an outbound envelope.
	ErrSend = errors.New("pssync: transport send failed")

	ErrClosed          = errors.New("pssync: closed")
	ErrInvalidArgument = errors.New("pssync: invalid argument")
)

package broker

import "errors"

var (
	// ErrNotFound is returned when a request ID is unknown.
	ErrNotFound = errors.New("request not found")

	// ErrAlreadyFinal is returned when answering or expiring a request that
	// already reached a terminal state. The current snapshot is returned with it.
	ErrAlreadyFinal = errors.New("request already final")

	// ErrPollTimeout is returned by Wait when the poll window elapses while the
	// request is still pending. The request itself is unaffected.
	ErrPollTimeout = errors.New("timeout waiting for response")

	// ErrExpired is returned by Wait for a request whose own deadline passed
	// without an answer.
	ErrExpired = errors.New("request expired")

	// ErrUnavailable is returned by Wait for a pending request this broker
	// does not track, e.g. after Close or before Recover adopts it.
	ErrUnavailable = errors.New("request is not tracked by this broker")

	// ErrInvalid is returned for malformed create or answer parameters.
	ErrInvalid = errors.New("invalid request")
)

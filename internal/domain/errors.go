package domain

import "errors"

// Sentinel errors for the protocol's failure taxonomy. The wire layer maps
// each onto a gRPC status code and back.
var (
	// ErrSessionNotFound reports an operation on an unknown or already
	// evicted session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists reports a start with an id that is still active.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionBusy reports a second concurrent round on a session that
	// already has one in flight.
	ErrSessionBusy = errors.New("session has a round in flight")

	// ErrChunkMismatch reports a finalize whose tokens disagree with the
	// pending verify round, or a finalize with no pending round at all.
	ErrChunkMismatch = errors.New("finalize does not match verified round")

	// ErrArgument reports malformed request data.
	ErrArgument = errors.New("invalid argument")

	// ErrBackend reports a failed model forward pass.
	ErrBackend = errors.New("backend failure")
)

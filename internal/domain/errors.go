package domain

import "errors"

// Sentinel errors for the node's error taxonomy. Connection-local
// failures are returned to the caller; consistency violations between
// nodes are not errors at all; they panic, because continuing with
// corrupted pending state is worse than crashing.
var (
	// ErrInvalidAccount reports an unknown UserID. Non-fatal,
	// connection-local.
	ErrInvalidAccount = errors.New("invalid_account")

	// ErrInsufficientCapacity reports a failed admission check. This is
	// a normal business outcome surfaced to clients as "notEnough".
	ErrInsufficientCapacity = errors.New("insufficient_capacity")

	// ErrAccountNotEmpty reports a deletion attempt on an account that
	// still holds cash, stock, reservations, or pending trades.
	ErrAccountNotEmpty = errors.New("account_not_empty")

	// ErrMalformedRequest reports undecodable or incomplete input. The
	// offending request is rejected and the connection continues.
	ErrMalformedRequest = errors.New("malformed_request")

	// ErrUnknownNode reports a peer reference outside the membership
	// table.
	ErrUnknownNode = errors.New("unknown_node")
)

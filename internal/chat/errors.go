package chat

import "errors"

// Sentinel errors surfaced by the commit pipeline. Handlers translate them to
// HTTP statuses, so every failure mode in the pipeline wraps exactly one of
// these.
var (
	// ErrValidation marks messages rejected before any state changes.
	ErrValidation = errors.New("chat: message rejected")
	// ErrNotFound marks commits referencing unknown channels or users.
	ErrNotFound = errors.New("chat: not found")
	// ErrRestricted marks senders gated by an active ban or mute.
	ErrRestricted = errors.New("chat: sender restricted")
	// ErrInsufficientCredits marks commits that failed the conditional
	// wallet debit.
	ErrInsufficientCredits = errors.New("chat: insufficient credits")
)

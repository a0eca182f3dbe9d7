package domain

import "errors"

var (
	ErrParticipantNotInRoster = errors.New("participant not in roster")
	ErrSelfNotInParticipants  = errors.New("participant list must include self")
	ErrMissingSelf            = errors.New("local participant id is required")
	ErrMissingTarget          = errors.New("missing target participant")
	ErrMalformedPayload       = errors.New("malformed signal payload")
	ErrUnknownSignalKind      = errors.New("unknown signal kind")
	ErrChannelClosed          = errors.New("signal channel closed")
)

package lifecycle

import "errors"

var (
	ErrInvalidRate         = errors.New("rate per minute must be positive")
	ErrInvalidKind         = errors.New("session kind must be chat, voice or video")
	ErrInvalidParty        = errors.New("client and reader must be distinct non-empty ids")
	ErrSessionNotFound     = errors.New("session not found")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrAlreadyFinalized    = errors.New("session already finalized")
	ErrNotTerminal         = errors.New("session is not in a terminal state")
	ErrInvalidFinalization = errors.New("invalid finalization values")
	ErrInvalidCheckpoint   = errors.New("invalid checkpoint")
)

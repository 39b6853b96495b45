package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrRateLimited         = errors.New("rate limited")
	ErrVenueTimeout        = errors.New("venue timeout")
	ErrVenueAuth           = errors.New("venue authentication failed")
	ErrHalted              = errors.New("trading halted")
	ErrPositionClosed      = errors.New("position closed")
	ErrInvalidTransition   = errors.New("invalid position state transition")
	ErrBracketInconsistent = errors.New("bracket state inconsistent")
	ErrStateCorrupt        = errors.New("persisted state corrupt")
	ErrLockHeld            = errors.New("lock already held")
)

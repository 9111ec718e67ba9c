package store

import "errors"

var (
	ErrPatientNotFound      = errors.New("patient not found")
	ErrRegistrationNotFound = errors.New("registration not found")
	ErrTicketNotFound       = errors.New("ticket not found")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrNoTicketWaiting      = errors.New("no ticket waiting")
	ErrSessionNotFound      = errors.New("session not found")
)

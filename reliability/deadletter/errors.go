package deadletter

import "errors"

var (
	ErrRecordRequired     = errors.New("deadletter record is required")
	ErrRepositoryRequired = errors.New("deadletter repository is required")
	ErrPublisherRequired  = errors.New("deadletter publisher is required")
	ErrRelayRequired      = errors.New("deadletter relay is required")
	ErrRelayRunning       = errors.New("deadletter relay is already running")
	ErrSubjectRequired    = errors.New("deadletter subject is required")
	ErrEventIDRequired    = errors.New("deadletter event id is required")
	ErrInvalidStatus      = errors.New("invalid deadletter status")
	ErrRecordNotFound     = errors.New("deadletter record not found")
)

package model

import "errors"

var (
	// ErrValidation is returned when caller input is malformed: bad time
	// format, empty day set, unsupported kind or a time that is not in the future.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a task or rule id is unknown
	ErrNotFound = errors.New("not found")

	// ErrStateConflict is returned when an operation requires a pending task
	ErrStateConflict = errors.New("state conflict")

	// ErrTransientExecution marks a trigger that was rejected or whose target
	// could not be found at fire time. It is logged, never retried.
	ErrTransientExecution = errors.New("trigger failed")

	// ErrPersistence marks a failed save or load of the persisted snapshot
	ErrPersistence = errors.New("persistence failed")

	// ErrCronUnsupported marks evaluation of a cron rule, which never yields a next time
	ErrCronUnsupported = errors.New("cron schedules are not supported")
)

package command

import "errors"

var (
	// ErrInvalidCommand is returned when the body is not a JSON object.
	ErrInvalidCommand = errors.New("command: body must be a JSON object")

	// ErrPublishFailed wraps bus publish failures.
	ErrPublishFailed = errors.New("command: publish failed")

	// ErrCommandNotFound is returned by lookups that match nothing.
	ErrCommandNotFound = errors.New("command: not found")
)

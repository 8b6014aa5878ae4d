package device

import "errors"

// Check with errors.Is.
var (
	// ErrDeviceNotFound is returned when no device has the requested identifier.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when the external identifier is already taken.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrExternalIDImmutable is returned when an update tries to change the external identifier.
	ErrExternalIDImmutable = errors.New("device: external id cannot be changed")
)

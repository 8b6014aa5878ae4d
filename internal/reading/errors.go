package reading

import "errors"

var (
	// ErrReadingNotFound is returned when a device has no readings yet.
	ErrReadingNotFound = errors.New("reading: not found")

	// ErrInvalidReading is returned for a reading without a device.
	ErrInvalidReading = errors.New("reading: invalid reading")
)

package device

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxExternalIDLength = 128
	maxTextLength       = 255
)

// Validate checks the fields an administrator can set.
func Validate(d *Device) error {
	if d == nil {
		return fmt.Errorf("%w: nil device", ErrInvalidDevice)
	}
	if strings.TrimSpace(d.ExternalID) == "" {
		return fmt.Errorf("%w: device_id is required", ErrInvalidDevice)
	}
	if utf8.RuneCountInString(d.ExternalID) > maxExternalIDLength {
		return fmt.Errorf("%w: device_id exceeds %d characters", ErrInvalidDevice, maxExternalIDLength)
	}

	fields := map[string]string{
		"name":         d.Name,
		"type":         d.Type,
		"location":     d.Location,
		"network_name": d.NetworkName,
		"address":      d.Address,
	}
	for field, value := range fields {
		if utf8.RuneCountInString(value) > maxTextLength {
			return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidDevice, field, maxTextLength)
		}
	}
	return nil
}

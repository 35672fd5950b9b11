package registry

import "errors"

var (
	// ErrUnknownType is returned for a device type with no flavor.
	ErrUnknownType = errors.New("registry: unknown device type")

	// ErrInvalidOptions is returned when device options do not decode
	// into the capability configuration.
	ErrInvalidOptions = errors.New("registry: invalid device options")
)

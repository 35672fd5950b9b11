package bridge

import "errors"

var (
	// ErrNoTransport is returned by New without a transport.
	ErrNoTransport = errors.New("bridge: transport is required")

	// ErrAlreadyRegistered is returned when a device ID is registered twice.
	ErrAlreadyRegistered = errors.New("bridge: device already registered")

	// ErrNotRegistered is returned when unregistering an unknown device.
	ErrNotRegistered = errors.New("bridge: device not registered")

	// ErrStopped is returned by Register after Stop.
	ErrStopped = errors.New("bridge: stopped")
)

package device

import "errors"

// Kernel errors. Check with errors.Is().
var (
	// ErrPropertyNotFound is returned when reading an unknown property.
	ErrPropertyNotFound = errors.New("device: property not found")

	// ErrInvalidValue is returned for property values of unsupported type.
	ErrInvalidValue = errors.New("device: invalid property value")

	// ErrEmptyName is returned for empty property, event or command names.
	ErrEmptyName = errors.New("device: name is empty")

	// ErrBusClosed is returned when emitting on a closed event bus.
	ErrBusClosed = errors.New("device: event bus closed")

	// ErrBusFull is returned when the event queue has no free slot.
	ErrBusFull = errors.New("device: event queue full")

	// ErrNoSink is returned when no sink is subscribed to receive the message.
	ErrNoSink = errors.New("device: no event sink attached")

	// ErrDrainTimeout is returned when Close cannot deliver queued events in time.
	ErrDrainTimeout = errors.New("device: event bus drain timed out")

	// ErrDuplicateSink is returned when a sink ID is already subscribed.
	ErrDuplicateSink = errors.New("device: sink already subscribed")

	// ErrInvalidInfo is returned when a device has no ID or type.
	ErrInvalidInfo = errors.New("device: id and type are required")

	// ErrDeviceRunning is returned when attaching capabilities to a running device.
	ErrDeviceRunning = errors.New("device: device is running")

	// ErrDeviceClosed is returned when starting a closed device.
	ErrDeviceClosed = errors.New("device: device is closed")

	// ErrDuplicateCapability is returned when a capability name is attached twice.
	ErrDuplicateCapability = errors.New("device: capability already attached")
)

// Parameter errors surface verbatim in ERROR responses.
var (
	// ErrMissingParameter is returned when a required command parameter is absent.
	ErrMissingParameter = errors.New("missing required parameter")

	// ErrInvalidParameter is returned when a command parameter has the wrong type or range.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// ErrUnknownCommand is reported when no handler is registered for a command.
var ErrUnknownCommand = errors.New("unknown command")

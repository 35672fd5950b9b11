package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/astro-devsim/internal/process"
)

// Lifecycle event names emitted by every device.
const (
	EventDeviceStarted = "DEVICE_STARTED"
	EventDeviceStopped = "DEVICE_STOPPED"
)

// PropConnected is true while the device is running.
const PropConnected = "connected"

// Info identifies a device.
type Info struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
}

// Capability is one state machine attached to a device.
//
// Attach registers commands and property defaults and is called once, before
// the device starts. Start spawns the capability's loops on the device runner
// and is called on every start.
type Capability interface {
	Name() string
	Attach(d *Device) error
	Start(d *Device) error
}

// Stopper is implemented by capabilities that settle their state after the
// device's tasks have exited.
type Stopper interface {
	Stop(d *Device)
}

// Validator checks and optionally converts a value written through
// set_property.
type Validator func(value any) (any, error)

// propertyWriter is one set_property registration.
type propertyWriter struct {
	fn Validator

	// applies is set when fn writes the property itself.
	applies bool
}

// Hooks receive device activity. All fields are optional.
type Hooks struct {
	OnCommand         DispatchObserver
	OnDeliveryFailure func(DeliveryFailure)
	OnTaskFault       func(task string, err error)
	OnPropertyChange  func(PropertyChange)
	OnLifecycle       func(running bool)
}

// Options configures a Device.
type Options struct {
	Timebase    Timebase
	StopTimeout time.Duration
	EventBuffer int
	Logger      Logger
	Hooks       Hooks
}

// Logger defines the logging interface for devices and their capabilities.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type lifecycle int

const (
	stateCreated lifecycle = iota
	stateRunning
	stateStopped
	stateClosed
)

// Device composes a property store, an event bus, a command dispatcher and a
// task runner with a set of capabilities.
//
// Thread Safety: All methods are safe for concurrent use.
type Device struct {
	info       Info
	timebase   Timebase
	logger     Logger
	hooks      Hooks
	props      *PropertyStore
	bus        *EventBus
	dispatcher *Dispatcher
	runner     *process.Runner

	mu       sync.Mutex
	state    lifecycle
	caps     []Capability
	writable map[string]propertyWriter
	started  time.Time
}

// New creates a stopped device with the kernel commands registered.
func New(info Info, opts Options) (*Device, error) {
	if info.ID == "" || info.Type == "" {
		return nil, ErrInvalidInfo
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = opts.Timebase.Duration(2)
	}

	d := &Device{
		info:       info,
		timebase:   NewTimebase(opts.Timebase.Unit),
		logger:     logger,
		hooks:      opts.Hooks,
		props:      NewPropertyStore(info.ID),
		bus:        NewEventBus(info.ID, opts.EventBuffer),
		dispatcher: NewDispatcher(),
		runner: process.NewRunner(process.Config{
			Name:        info.ID,
			StopTimeout: opts.StopTimeout,
		}),
		writable: make(map[string]propertyWriter),
	}
	d.runner.SetLogger(logger)

	d.props.Observe("device.outbound", PropertyObserverFunc(d.forwardChange))
	d.bus.SetFailureHandler(d.deliveryFailed)
	if d.hooks.OnCommand != nil {
		d.dispatcher.SetObserver(d.hooks.OnCommand)
	}

	d.Set(PropConnected, false)
	d.registerBuiltins()
	return d, nil
}

// Attach adds capabilities. It fails once the device has been started.
func (d *Device) Attach(caps ...Capability) error {
	d.mu.Lock()
	if d.state != stateCreated {
		d.mu.Unlock()
		return ErrDeviceRunning
	}
	for _, c := range caps {
		for _, existing := range d.caps {
			if existing.Name() == c.Name() {
				d.mu.Unlock()
				return fmt.Errorf("%w: %s", ErrDuplicateCapability, c.Name())
			}
		}
		d.caps = append(d.caps, c)
	}
	d.mu.Unlock()

	for _, c := range caps {
		if err := c.Attach(d); err != nil {
			return fmt.Errorf("attach %s: %w", c.Name(), err)
		}
	}
	return nil
}

// Start starts the runner and every capability's loops.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state == stateClosed {
		d.mu.Unlock()
		return ErrDeviceClosed
	}
	if err := d.runner.Start(ctx); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("device %s: %w", d.info.ID, err)
	}
	d.state = stateRunning
	d.started = time.Now()
	caps := append([]Capability(nil), d.caps...)
	d.mu.Unlock()

	for _, c := range caps {
		if err := c.Start(d); err != nil {
			stopErr := d.Stop()
			return errors.Join(fmt.Errorf("start %s: %w", c.Name(), err), stopErr)
		}
	}

	d.Set(PropConnected, true)
	d.Emit(EventDeviceStarted, map[string]any{"type": d.info.Type})
	if d.hooks.OnLifecycle != nil {
		d.hooks.OnLifecycle(true)
	}
	d.logger.Info("device started",
		"device_id", d.info.ID,
		"type", d.info.Type,
		"capabilities", len(caps),
	)
	return nil
}

// Stop cancels every task and waits for them to exit.
//
// Stop is idempotent. When a task does not exit in time the device is still
// marked stopped and the runner's *process.StopTimeoutError is returned.
func (d *Device) Stop() error {
	err := d.runner.Stop()
	if err != nil {
		err = fmt.Errorf("device %s: %w", d.info.ID, err)
	}

	d.mu.Lock()
	if d.state != stateRunning {
		d.mu.Unlock()
		return err
	}
	d.state = stateStopped
	caps := append([]Capability(nil), d.caps...)
	d.mu.Unlock()

	for _, c := range caps {
		if s, ok := c.(Stopper); ok {
			s.Stop(d)
		}
	}

	d.Set(PropConnected, false)
	d.Emit(EventDeviceStopped, nil)
	if d.hooks.OnLifecycle != nil {
		d.hooks.OnLifecycle(false)
	}
	d.logger.Info("device stopped", "device_id", d.info.ID)
	return err
}

// Close stops the device and drains its event bus. A closed device cannot be
// restarted.
func (d *Device) Close() error {
	stopErr := d.Stop()

	d.mu.Lock()
	d.state = stateClosed
	d.mu.Unlock()

	return errors.Join(stopErr, d.bus.Close())
}

// Running reports whether the device is started.
func (d *Device) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == stateRunning
}

// Dispatch routes cmd to its handler.
func (d *Device) Dispatch(cmd Command) Response {
	return d.dispatcher.Dispatch(cmd)
}

// Handle registers a command handler.
func (d *Device) Handle(name string, h Handler) {
	if err := d.dispatcher.Register(name, h); err != nil {
		d.logger.Error("register command failed", "device_id", d.info.ID, "command", name, "error", err)
	}
}

// Writable allows set_property to write name after validate accepts the value.
func (d *Device) Writable(name string, validate Validator) {
	d.mu.Lock()
	d.writable[name] = propertyWriter{fn: validate}
	d.mu.Unlock()
}

// Tunable routes set_property for name through apply, a capability setter
// that updates its own state and publishes the property. The returned value
// is echoed in the response.
func (d *Device) Tunable(name string, apply Validator) {
	d.mu.Lock()
	d.writable[name] = propertyWriter{fn: apply, applies: true}
	d.mu.Unlock()
}

// IntSetter adapts a whole-number setter for Tunable. Values are parsed the
// way command parameters are.
func IntSetter(name string, set func(int) error) Validator {
	return func(v any) (any, error) {
		n, err := Params{name: v}.Int(name)
		if err != nil {
			return nil, err
		}
		if err := set(n); err != nil {
			return nil, err
		}
		return n, nil
	}
}

// FloatSetter adapts a numeric setter for Tunable.
func FloatSetter(name string, set func(float64) error) Validator {
	return func(v any) (any, error) {
		f, err := Params{name: v}.Float(name)
		if err != nil {
			return nil, err
		}
		if err := set(f); err != nil {
			return nil, err
		}
		return f, nil
	}
}

// Task is a periodic capability loop.
type Task struct {
	// Name identifies the loop, conventionally "<capability>.<loop>".
	Name string

	// Interval is the tick period in time units.
	Interval float64

	// Step advances the loop by one tick.
	Step process.StepFunc

	// OnFault receives step errors and recovered panics. Optional.
	OnFault func(err error)
}

// Spawn starts a periodic task on the device runner.
func (d *Device) Spawn(task Task) error {
	return d.runner.Spawn(process.Task{
		Name:     task.Name,
		Interval: d.timebase.Duration(task.Interval),
		Step:     task.Step,
		OnFault: func(err error) {
			if task.OnFault != nil {
				task.OnFault(err)
			}
			if d.hooks.OnTaskFault != nil {
				d.hooks.OnTaskFault(task.Name, err)
			}
		},
	})
}

// Set writes a property and logs failures. Capabilities use it for values
// they construct themselves.
func (d *Device) Set(name string, value any) {
	if _, err := d.props.Set(name, value); err != nil {
		d.logger.Error("property write failed", "device_id", d.info.ID, "property", name, "error", err)
	}
}

// SetMany writes several properties atomically and logs failures.
func (d *Device) SetMany(values map[string]any) {
	if err := d.props.SetMany(values); err != nil {
		d.logger.Error("property write failed", "device_id", d.info.ID, "error", err)
	}
}

// Stage writes properties without notifying observers. A capability stages
// under its own mutex and calls Notify after releasing it.
func (d *Device) Stage(values map[string]any) {
	if err := d.props.Stage(values); err != nil {
		d.logger.Error("property write failed", "device_id", d.info.ID, "error", err)
	}
}

// Notify delivers staged property changes.
func (d *Device) Notify() { d.props.Notify() }

// Hold suspends property change delivery until Release. A capability that
// drives helpers which notify on their own holds around its locked section.
func (d *Device) Hold() { d.props.Hold() }

// Release ends a Hold and delivers queued changes.
func (d *Device) Release() { d.props.Release() }

// Emit queues an event. Delivery problems are logged, never returned:
// callers are state machines that must keep running.
func (d *Device) Emit(name string, payload map[string]any) {
	err := d.bus.Emit(name, payload)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoSink):
		d.logger.Debug("event not delivered", "device_id", d.info.ID, "event", name)
	default:
		d.logger.Warn("event emit failed", "device_id", d.info.ID, "event", name, "error", err)
		if d.hooks.OnDeliveryFailure != nil {
			d.hooks.OnDeliveryFailure(DeliveryFailure{Event: &Event{DeviceID: d.info.ID, Name: name}, Err: err})
		}
	}
}

func (d *Device) forwardChange(change PropertyChange) {
	if d.hooks.OnPropertyChange != nil {
		d.hooks.OnPropertyChange(change)
	}
	err := d.bus.PublishChange(change)
	if err != nil && !errors.Is(err, ErrNoSink) && !errors.Is(err, ErrBusClosed) {
		d.logger.Warn("property change not queued", "device_id", d.info.ID, "property", change.Name, "error", err)
		if d.hooks.OnDeliveryFailure != nil {
			d.hooks.OnDeliveryFailure(DeliveryFailure{Change: &change, Err: err})
		}
	}
}

func (d *Device) deliveryFailed(f DeliveryFailure) {
	d.logger.Warn("event sink failed", "device_id", d.info.ID, "sink", f.SinkID, "error", f.Err)
	if d.hooks.OnDeliveryFailure != nil {
		d.hooks.OnDeliveryFailure(f)
	}
}

// ID returns the device identifier.
func (d *Device) ID() string { return d.info.ID }

// Info returns the device identity.
func (d *Device) Info() Info { return d.info }

// Timebase returns the device's time conversion.
func (d *Device) Timebase() Timebase { return d.timebase }

// Logger returns the device logger.
func (d *Device) Logger() Logger { return d.logger }

// Properties returns the property store.
func (d *Device) Properties() *PropertyStore { return d.props }

// Events returns the event bus.
func (d *Device) Events() *EventBus { return d.bus }

// Commands returns the sorted command names.
func (d *Device) Commands() []string { return d.dispatcher.Commands() }

// Capabilities returns attached capability names in attach order.
func (d *Device) Capabilities() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.caps))
	for _, c := range d.caps {
		names = append(names, c.Name())
	}
	return names
}

// Description is a full snapshot of a device.
type Description struct {
	Info
	Running      bool           `json:"running"`
	Capabilities []string       `json:"capabilities"`
	Commands     []string       `json:"commands"`
	Properties   map[string]any `json:"properties"`
	Uptime       float64        `json:"uptime_seconds"`
}

// Describe returns the device identity, commands and properties.
func (d *Device) Describe() Description {
	d.mu.Lock()
	running := d.state == stateRunning
	started := d.started
	d.mu.Unlock()

	desc := Description{
		Info:         d.info,
		Running:      running,
		Capabilities: d.Capabilities(),
		Commands:     d.Commands(),
		Properties:   d.props.Snapshot(),
	}
	if running {
		desc.Uptime = time.Since(started).Seconds()
	}
	return desc
}

// Stats contains device counters.
type Stats struct {
	ID     string        `json:"id"`
	Type   string        `json:"type"`
	Bus    BusStats      `json:"bus"`
	Runner process.Stats `json:"runner"`
}

// Stats returns a snapshot of device counters.
func (d *Device) Stats() Stats {
	return Stats{
		ID:     d.info.ID,
		Type:   d.info.Type,
		Bus:    d.bus.Stats(),
		Runner: d.runner.Stats(),
	}
}

func (d *Device) writableNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.writable))
	for name := range d.writable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/astro-devsim/internal/bridge"
	"github.com/nerrad567/astro-devsim/internal/device"
	"github.com/nerrad567/astro-devsim/internal/imagestore"
	"github.com/nerrad567/astro-devsim/internal/infrastructure/config"
	"github.com/nerrad567/astro-devsim/internal/infrastructure/logging"
	"github.com/nerrad567/astro-devsim/internal/journal"
	"github.com/nerrad567/astro-devsim/internal/metrics"
	"github.com/nerrad567/astro-devsim/internal/telemetry"
)

// Bus subscription IDs of the process-wide sinks.
const (
	SinkJournal   = "journal"
	SinkMetrics   = "metrics"
	SinkTelemetry = "telemetry"
)

// Deps holds the optional collaborators wired onto every device.
type Deps struct {
	// Store is shared by cameras and solvers. Defaults to a MemoryStore.
	Store imagestore.Store

	Logger    *logging.Logger
	Metrics   *metrics.Metrics
	Journal   *journal.Journal
	Telemetry *telemetry.Sink
	Bridge    *bridge.Bridge

	// Sinks are extra event bus subscribers keyed by subscription ID.
	Sinks map[string]device.EventSink
}

// Registry holds the simulated devices in configuration order.
//
// Thread Safety: the device set is fixed after New; all methods are safe
// for concurrent use.
type Registry struct {
	devices []*device.Device
	byID    map[string]*device.Device
	store   imagestore.Store
	bridge  *bridge.Bridge
	logger  *logging.Logger
}

// New builds every device declared in cfg.Devices. Device N (zero based)
// draws its randomness from Simulation.Seed+N.
func New(cfg *config.Config, deps Deps) (*Registry, error) {
	if deps.Store == nil {
		deps.Store = imagestore.NewMemoryStore()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}

	r := &Registry{
		byID:   make(map[string]*device.Device, len(cfg.Devices)),
		store:  deps.Store,
		bridge: deps.Bridge,
		logger: deps.Logger,
	}
	for i, dc := range cfg.Devices {
		d, err := r.build(cfg, dc, cfg.Simulation.Seed+uint64(i), deps) // #nosec G115 -- index is non-negative
		if err != nil {
			r.Close() //nolint:errcheck // build error takes precedence
			return nil, fmt.Errorf("device %s: %w", dc.ID, err)
		}
		r.devices = append(r.devices, d)
		r.byID[dc.ID] = d
	}
	return r, nil
}

func (r *Registry) build(cfg *config.Config, dc config.DeviceConfig, seed uint64, deps Deps) (*device.Device, error) {
	fl, ok := flavors[dc.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, dc.Type)
	}
	capability, err := fl(buildEnv{options: dc.Options, seed: seed, store: deps.Store})
	if err != nil {
		return nil, err
	}

	logger := deps.Logger.ForDevice(dc.ID, dc.Type)
	d, err := device.New(device.Info{
		ID:           dc.ID,
		Type:         dc.Type,
		Manufacturer: dc.Manufacturer,
		Model:        dc.Model,
	}, device.Options{
		Timebase:    device.NewTimebase(cfg.Simulation.TimeUnit),
		StopTimeout: cfg.StopTimeout(),
		EventBuffer: cfg.Simulation.EventBuffer,
		Logger:      logger,
		Hooks:       hooksFor(dc.ID, deps, logger),
	})
	if err != nil {
		return nil, err
	}

	if err := subscribeSinks(d, deps); err != nil {
		d.Close() //nolint:errcheck // subscribe error takes precedence
		return nil, err
	}
	if err := d.Attach(capability); err != nil {
		d.Close() //nolint:errcheck // attach error takes precedence
		return nil, err
	}
	if deps.Bridge != nil {
		if err := deps.Bridge.Register(d); err != nil {
			// MQTT is optional; the device still runs locally.
			logger.Warn("mqtt registration failed", "error", err)
		}
	}
	return d, nil
}

func hooksFor(id string, deps Deps, logger *logging.Logger) device.Hooks {
	hooks := device.Hooks{
		OnDeliveryFailure: func(f device.DeliveryFailure) {
			logger.Warn("event delivery failed", "sink", f.SinkID, "error", f.Err)
		},
	}
	if deps.Metrics != nil {
		hooks = device.ChainHooks(hooks, deps.Metrics.Hooks(id))
	}
	if deps.Journal != nil {
		hooks = device.ChainHooks(hooks, device.Hooks{OnCommand: deps.Journal.Observer(id)})
	}
	return hooks
}

func subscribeSinks(d *device.Device, deps Deps) error {
	bus := d.Events()
	var errs []error
	if deps.Journal != nil {
		errs = append(errs, bus.Subscribe(SinkJournal, deps.Journal.Sink()))
	}
	if deps.Metrics != nil {
		errs = append(errs, bus.Subscribe(SinkMetrics, deps.Metrics.Sink()))
	}
	if deps.Telemetry != nil {
		errs = append(errs, bus.Subscribe(SinkTelemetry, deps.Telemetry))
	}
	for id, sink := range deps.Sinks {
		errs = append(errs, bus.Subscribe(id, sink))
	}
	return errors.Join(errs...)
}

// StartAll starts every device in configuration order. Devices that fail to
// start are reported together; the others keep running.
func (r *Registry) StartAll(ctx context.Context) error {
	var errs []error
	for _, d := range r.devices {
		if err := d.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("starting %s: %w", d.ID(), err))
		}
	}
	r.logger.Info("devices started", "count", len(r.devices)-len(errs))
	return errors.Join(errs...)
}

// StopAll stops every device in reverse configuration order and collects
// the stop errors.
func (r *Registry) StopAll() error {
	var errs []error
	for i := len(r.devices) - 1; i >= 0; i-- {
		if err := r.devices[i].Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close unregisters devices from the bridge, stops them and drains their
// event buses.
func (r *Registry) Close() error {
	var errs []error
	for i := len(r.devices) - 1; i >= 0; i-- {
		d := r.devices[i]
		if r.bridge != nil {
			if err := r.bridge.Unregister(d.ID()); err != nil && !errors.Is(err, bridge.ErrNotRegistered) {
				errs = append(errs, err)
			}
		}
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns the device with id.
func (r *Registry) Get(id string) (*device.Device, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// List returns the devices in configuration order.
func (r *Registry) List() []*device.Device {
	return append([]*device.Device(nil), r.devices...)
}

// Len returns the number of devices.
func (r *Registry) Len() int { return len(r.devices) }

// Store returns the image store shared by cameras and solvers.
func (r *Registry) Store() imagestore.Store { return r.store }

// Stats returns per-device counters in configuration order.
func (r *Registry) Stats() []device.Stats {
	stats := make([]device.Stats, len(r.devices))
	for i, d := range r.devices {
		stats[i] = d.Stats()
	}
	return stats
}

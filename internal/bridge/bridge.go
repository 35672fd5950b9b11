package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/astro-devsim/internal/device"
	"github.com/nerrad567/astro-devsim/internal/infrastructure/mqtt"
)

const (
	// sinkID is the bus subscription of the bridge on every device.
	sinkID = "mqtt-bridge"

	defaultSource         = "mqtt"
	defaultHealthInterval = 30 * time.Second
)

// Transport is the MQTT surface the bridge needs. *mqtt.Client satisfies it.
type Transport interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

var _ Transport = (*mqtt.Client)(nil)

// Logger defines the logging interface for the bridge.
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

// Options configures a Bridge.
type Options struct {
	Transport Transport

	// QoS is used for every publish and subscription.
	QoS byte

	// HealthInterval is the heartbeat period. Default: 30 seconds.
	HealthInterval time.Duration

	// Version is reported in heartbeats.
	Version string

	Logger Logger
}

// Bridge connects devices to an MQTT transport.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	transport Transport
	topics    mqtt.Topics
	qos       byte
	interval  time.Duration
	version   string
	logger    Logger
	now       func() time.Time
	started   time.Time

	mu      sync.RWMutex
	devices map[string]*device.Device
	stopped bool

	commands atomic.Uint64
	events   atomic.Uint64
	failures atomic.Uint64

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a bridge. Call Start to begin heartbeats.
func New(opts Options) (*Bridge, error) {
	if opts.Transport == nil {
		return nil, ErrNoTransport
	}
	if opts.QoS > 2 {
		return nil, mqtt.ErrInvalidQoS
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultHealthInterval
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Bridge{
		transport: opts.Transport,
		qos:       opts.QoS,
		interval:  opts.HealthInterval,
		version:   opts.Version,
		logger:    opts.Logger,
		now:       time.Now,
		started:   time.Now(),
		devices:   make(map[string]*device.Device),
		done:      make(chan struct{}),
	}, nil
}

// Start publishes an initial heartbeat and keeps publishing every
// HealthInterval until ctx is cancelled or Stop is called.
func (b *Bridge) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.healthLoop(ctx)
}

// Stop ends heartbeats, unregisters every device and publishes a final
// stopping heartbeat. Later calls do nothing.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.wg.Wait()

		b.mu.Lock()
		b.stopped = true
		ids := make([]string, 0, len(b.devices))
		for id := range b.devices {
			ids = append(ids, id)
		}
		b.mu.Unlock()

		sort.Strings(ids)
		for _, id := range ids {
			if err := b.Unregister(id); err != nil {
				b.logger.Warn("unregister on stop failed", "device_id", id, "error", err)
			}
		}
		if err := b.publishHealth(HealthStopping); err != nil {
			b.logger.Debug("final heartbeat not published", "error", err)
		}
		b.logger.Info("mqtt bridge stopped")
	})
}

// Register announces dev on the broker, subscribes to its command topic and
// attaches the bridge as a sink on its event bus.
func (b *Bridge) Register(dev *device.Device) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	id := dev.ID()
	if _, exists := b.devices[id]; exists {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	b.devices[id] = dev
	b.mu.Unlock()

	if err := dev.Events().Subscribe(sinkID, &sink{bridge: b, deviceID: id}); err != nil {
		b.forget(id)
		return fmt.Errorf("subscribing bridge sink for %s: %w", id, err)
	}
	if err := b.transport.Subscribe(b.topics.Command(id), b.qos, b.commandHandler(dev)); err != nil {
		dev.Events().Unsubscribe(sinkID)
		b.forget(id)
		return fmt.Errorf("subscribing to commands for %s: %w", id, err)
	}
	if err := b.publishRegistration(dev); err != nil {
		b.logger.Warn("registration not published", "device_id", id, "error", err)
	}

	b.logger.Info("device registered on mqtt", "device_id", id, "topic", b.topics.Command(id))
	return nil
}

// Unregister detaches the device and clears its retained registration.
func (b *Bridge) Unregister(id string) error {
	b.mu.Lock()
	dev, ok := b.devices[id]
	delete(b.devices, id)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}

	dev.Events().Unsubscribe(sinkID)

	var errs []error
	if err := b.transport.Unsubscribe(b.topics.Command(id)); err != nil {
		errs = append(errs, fmt.Errorf("unsubscribing commands: %w", err))
	}
	// An empty retained payload deletes the retained message.
	if err := b.transport.Publish(b.topics.Register(id), nil, b.qos, true); err != nil {
		errs = append(errs, fmt.Errorf("clearing registration: %w", err))
	}
	return errors.Join(errs...)
}

// Devices returns the sorted IDs of registered devices.
func (b *Bridge) Devices() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.devices))
	for id := range b.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns the bridge counters.
func (b *Bridge) Stats() HealthMessage {
	return b.healthMessage(HealthHealthy)
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.devices, id)
	b.mu.Unlock()
}

func (b *Bridge) publishRegistration(dev *device.Device) error {
	desc := dev.Describe()
	return b.publishJSON(b.topics.Register(desc.ID), RegistrationMessage{
		ID:           desc.ID,
		Type:         desc.Type,
		Manufacturer: desc.Manufacturer,
		Model:        desc.Model,
		Capabilities: desc.Capabilities,
		Commands:     desc.Commands,
		Properties:   desc.Properties,
		Timestamp:    timestamp(b.now()),
	}, true)
}

// commandHandler decodes inbound commands for dev and publishes the response.
func (b *Bridge) commandHandler(dev *device.Device) mqtt.MessageHandler {
	return func(_ string, payload []byte) error {
		b.commands.Add(1)

		var msg CommandMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			b.failures.Add(1)
			resp := device.NewResponse("")
			resp.Fail("invalid command payload")
			return errors.Join(fmt.Errorf("decoding command: %w", err), b.publishResponse(dev.ID(), resp))
		}

		cmd := device.Command{
			ID:         msg.ID,
			Name:       msg.Name,
			Parameters: device.Params(msg.Parameters),
			Source:     msg.Source,
		}
		if cmd.ID == "" {
			cmd.ID = uuid.NewString()
		}
		if cmd.Source == "" {
			cmd.Source = defaultSource
		}

		resp := dev.Dispatch(cmd)
		if !resp.OK() {
			b.logger.Debug("mqtt command failed",
				"device_id", dev.ID(),
				"command", cmd.Name,
				"message", resp.Message(),
			)
		}
		return b.publishResponse(dev.ID(), resp)
	}
}

func (b *Bridge) publishResponse(deviceID string, resp device.Response) error {
	return b.publishJSON(b.topics.Response(deviceID), ResponseMessage{
		CommandID: resp.CommandID,
		Status:    resp.Status,
		Details:   resp.Details,
		Timestamp: timestamp(b.now()),
	}, false)
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		b.failures.Add(1)
		return fmt.Errorf("encoding %s: %w", topic, err)
	}
	if err := b.transport.Publish(topic, payload, b.qos, retained); err != nil {
		b.failures.Add(1)
		return err
	}
	return nil
}

func (b *Bridge) healthLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		if err := b.publishHealth(HealthHealthy); err != nil {
			b.logger.Warn("failed to publish health", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-ticker.C:
		}
	}
}

func (b *Bridge) publishHealth(status HealthStatus) error {
	if !b.transport.IsConnected() {
		return mqtt.ErrNotConnected
	}
	return b.publishJSON(b.topics.Health(), b.healthMessage(status), true)
}

func (b *Bridge) healthMessage(status HealthStatus) HealthMessage {
	b.mu.RLock()
	count := len(b.devices)
	b.mu.RUnlock()

	now := b.now()
	return HealthMessage{
		Status:    status,
		Version:   b.version,
		Devices:   count,
		Commands:  b.commands.Load(),
		Events:    b.events.Load(),
		Errors:    b.failures.Load(),
		Uptime:    int64(now.Sub(b.started).Seconds()),
		Timestamp: timestamp(now),
	}
}

// sink forwards one device's bus traffic to the broker.
type sink struct {
	bridge   *Bridge
	deviceID string
}

var (
	_ device.EventSink    = (*sink)(nil)
	_ device.PropertySink = (*sink)(nil)
)

func (s *sink) HandleEvent(ev device.Event) error {
	s.bridge.events.Add(1)
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return s.bridge.publishJSON(s.bridge.topics.Event(s.deviceID, ev.Name), EventMessage{
		Name:      ev.Name,
		Timestamp: timestamp(ev.Timestamp),
		Payload:   payload,
	}, false)
}

func (s *sink) HandlePropertyChange(ch device.PropertyChange) error {
	return s.bridge.publishJSON(s.bridge.topics.Property(s.deviceID, ch.Name), PropertyMessage{
		Name:      ch.Name,
		Value:     ch.Value,
		Timestamp: timestamp(ch.Timestamp),
	}, true)
}

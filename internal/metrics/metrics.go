// Package metrics exposes simulator counters to Prometheus.
//
// Devices feed the collectors through device.Hooks and an event bus sink;
// nothing in the device kernel imports this package.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/astro-devsim/internal/device"
)

const namespace = "devsim"

// Metrics holds the simulator collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	events          *prometheus.CounterVec
	deliveryFails   *prometheus.CounterVec
	propertyUpdates *prometheus.CounterVec
	taskFaults      *prometheus.CounterVec
	running         prometheus.Gauge

	mu      sync.Mutex
	devices map[string]bool
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		devices:  make(map[string]bool),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands dispatched by device, command and response status.",
		}, []string{"device_id", "command", "status"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent in command handlers.",
			Buckets:   []float64{.00001, .0001, .001, .01, .1, 1},
		}, []string{"device_id"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events delivered by device and event name.",
		}, []string{"device_id", "event"}),
		deliveryFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_delivery_failures_total",
			Help:      "Events or property changes a sink could not accept.",
		}, []string{"device_id"}),
		propertyUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "property_updates_total",
			Help:      "Property writes that changed a value.",
		}, []string{"device_id"}),
		taskFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_faults_total",
			Help:      "Background task steps that failed or panicked.",
		}, []string{"device_id", "task"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_running",
			Help:      "Devices currently started.",
		}),
	}
	m.registry.MustRegister(
		m.commands,
		m.commandDuration,
		m.events,
		m.deliveryFails,
		m.propertyUpdates,
		m.taskFaults,
		m.running,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Hooks returns device hooks feeding the collectors for deviceID.
func (m *Metrics) Hooks(deviceID string) device.Hooks {
	return device.Hooks{
		OnCommand: func(cmd device.Command, resp device.Response, elapsed time.Duration) {
			m.commands.WithLabelValues(deviceID, device.CommandName(cmd.Name), string(resp.Status)).Inc()
			m.commandDuration.WithLabelValues(deviceID).Observe(elapsed.Seconds())
		},
		OnDeliveryFailure: func(device.DeliveryFailure) {
			m.deliveryFails.WithLabelValues(deviceID).Inc()
		},
		OnTaskFault: func(task string, _ error) {
			m.taskFaults.WithLabelValues(deviceID, task).Inc()
		},
		OnPropertyChange: func(device.PropertyChange) {
			m.propertyUpdates.WithLabelValues(deviceID).Inc()
		},
		OnLifecycle: func(running bool) {
			m.setRunning(deviceID, running)
		},
	}
}

func (m *Metrics) setRunning(deviceID string, running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.devices[deviceID] == running {
		return
	}
	m.devices[deviceID] = running
	if running {
		m.running.Inc()
	} else {
		m.running.Dec()
	}
}

// EventCounter is an event bus sink counting delivered events.
type EventCounter struct{ m *Metrics }

// Sink returns the event counter to subscribe to a device bus.
func (m *Metrics) Sink() EventCounter { return EventCounter{m} }

// HandleEvent implements device.EventSink.
func (c EventCounter) HandleEvent(ev device.Event) error {
	c.m.events.WithLabelValues(ev.DeviceID, ev.Name).Inc()
	return nil
}

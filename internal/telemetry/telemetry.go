// Package telemetry streams numeric device state into a time-series store.
package telemetry

import (
	"time"

	"github.com/nerrad567/astro-devsim/internal/device"
	"github.com/nerrad567/astro-devsim/internal/infrastructure/influxdb"
)

var _ Writer = (*influxdb.Client)(nil)

// Writer is the subset of the InfluxDB client telemetry uses.
type Writer interface {
	WriteDeviceMetric(deviceID, measurement string, value float64, ts time.Time)
	WriteDeviceEvent(deviceID, event string, fields map[string]any, ts time.Time)
}

// Sink is an event bus sink forwarding property changes and events to a
// Writer. Bool properties are written as 0 or 1; strings, lists and records
// are skipped. Only numeric payload fields accompany an event.
type Sink struct {
	w Writer
}

// NewSink creates a sink writing to w.
func NewSink(w Writer) *Sink {
	return &Sink{w: w}
}

// HandleEvent implements device.EventSink.
func (s *Sink) HandleEvent(ev device.Event) error {
	var fields map[string]any
	for k, v := range ev.Payload {
		f, ok := sample(v)
		if !ok {
			continue
		}
		if fields == nil {
			fields = make(map[string]any)
		}
		fields[k] = f
	}
	s.w.WriteDeviceEvent(ev.DeviceID, ev.Name, fields, ev.Timestamp)
	return nil
}

// HandlePropertyChange implements device.PropertySink.
func (s *Sink) HandlePropertyChange(ch device.PropertyChange) error {
	if f, ok := sample(ch.Value); ok {
		s.w.WriteDeviceMetric(ch.DeviceID, ch.Name, f, ch.Timestamp)
	}
	return nil
}

func sample(v any) (float64, bool) {
	if b, ok := v.(bool); ok {
		if b {
			return 1, true
		}
		return 0, true
	}
	return device.AsFloat(v)
}

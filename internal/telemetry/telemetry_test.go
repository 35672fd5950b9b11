package telemetry

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/astro-devsim/internal/device"
)

type point struct {
	Device string
	Name   string
	Value  float64
	Fields map[string]any
}

type fakeWriter struct {
	metrics []point
	events  []point
}

func (f *fakeWriter) WriteDeviceMetric(deviceID, measurement string, value float64, _ time.Time) {
	f.metrics = append(f.metrics, point{Device: deviceID, Name: measurement, Value: value})
}

func (f *fakeWriter) WriteDeviceEvent(deviceID, event string, fields map[string]any, _ time.Time) {
	f.events = append(f.events, point{Device: deviceID, Name: event, Fields: fields})
}

func TestPropertyChanges(t *testing.T) {
	w := &fakeWriter{}
	s := NewSink(w)

	changes := []device.PropertyChange{
		{DeviceID: "cam1", Name: "ccd_temperature", Value: -9.5},
		{DeviceID: "cam1", Name: "cooler_on", Value: true},
		{DeviceID: "cam1", Name: "image_ready", Value: false},
		{DeviceID: "foc1", Name: "position", Value: int64(5120)},
		{DeviceID: "fw1", Name: "current_filter", Value: "Ha"},
		{DeviceID: "fw1", Name: "filter_names", Value: []any{"L", "R"}},
	}
	for _, ch := range changes {
		if err := s.HandlePropertyChange(ch); err != nil {
			t.Fatalf("HandlePropertyChange() error = %v", err)
		}
	}

	want := []point{
		{Device: "cam1", Name: "ccd_temperature", Value: -9.5},
		{Device: "cam1", Name: "cooler_on", Value: 1},
		{Device: "cam1", Name: "image_ready", Value: 0},
		{Device: "foc1", Name: "position", Value: 5120},
	}
	if diff := cmp.Diff(want, w.metrics); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}
}

func TestEvents(t *testing.T) {
	w := &fakeWriter{}
	s := NewSink(w)

	_ = s.HandleEvent(device.Event{DeviceID: "guider1", Name: "GUIDING_STATUS", Payload: map[string]any{
		"rms": 0.42, "frame_count": int64(10), "state": "GUIDING",
	}})
	_ = s.HandleEvent(device.Event{DeviceID: "guider1", Name: "GUIDING_STOPPED"})

	want := []point{
		{Device: "guider1", Name: "GUIDING_STATUS", Fields: map[string]any{"rms": 0.42, "frame_count": 10.0}},
		{Device: "guider1", Name: "GUIDING_STOPPED"},
	}
	if diff := cmp.Diff(want, w.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

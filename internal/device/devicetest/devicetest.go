// Package devicetest provides helpers for testing devices and capabilities.
package devicetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/astro-devsim/internal/device"
)

// TimeUnit is the compressed simulation unit used by tests.
const TimeUnit = 10 * time.Millisecond

// Recorder is an event and property sink that keeps everything it receives.
type Recorder struct {
	mu      sync.Mutex
	events  []device.Event
	changes []device.PropertyChange
}

// HandleEvent records ev.
func (r *Recorder) HandleEvent(ev device.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// HandlePropertyChange records ch.
func (r *Recorder) HandlePropertyChange(ch device.PropertyChange) error {
	r.mu.Lock()
	r.changes = append(r.changes, ch)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []device.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]device.Event(nil), r.events...)
}

// Names returns the recorded event names in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, ev := range r.events {
		names[i] = ev.Name
	}
	return names
}

// Named returns the recorded events called name.
func (r *Recorder) Named(name string) []device.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []device.Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns how many events called name were recorded.
func (r *Recorder) Count(name string) int {
	return len(r.Named(name))
}

// Changes returns the recorded property changes for name.
func (r *Recorder) Changes(name string) []device.PropertyChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []device.PropertyChange
	for _, ch := range r.changes {
		if ch.Name == name {
			out = append(out, ch)
		}
	}
	return out
}

// Reset discards everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.changes = nil
	r.mu.Unlock()
}

// NewDevice creates a device with the test time unit and a subscribed
// Recorder. The device is closed when the test ends.
func NewDevice(t *testing.T, info device.Info, caps ...device.Capability) (*device.Device, *Recorder) {
	t.Helper()

	d, err := device.New(info, device.Options{
		Timebase: device.NewTimebase(TimeUnit),
	})
	if err != nil {
		t.Fatalf("device.New() error = %v", err)
	}
	rec := &Recorder{}
	if err := d.Events().Subscribe("recorder", rec); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := d.Attach(caps...); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	t.Cleanup(func() {
		if err := d.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return d, rec
}

// Start starts d and fails the test on error.
func Start(t *testing.T, d *device.Device) {
	t.Helper()
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

// Flush waits until every event emitted so far has reached the sinks.
func Flush(t *testing.T, d *device.Device) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Events().Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// Dispatch sends a command and returns the response.
func Dispatch(d *device.Device, name string, params device.Params) device.Response {
	return d.Dispatch(device.Command{ID: "test", Name: name, Parameters: params})
}

// MustSucceed dispatches a command and fails the test unless it succeeds.
func MustSucceed(t *testing.T, d *device.Device, name string, params device.Params) device.Response {
	t.Helper()
	resp := Dispatch(d, name, params)
	if resp.Status != device.StatusSuccess {
		t.Fatalf("%s: status = %s, details = %v", name, resp.Status, resp.Details)
	}
	return resp
}

// MustFail dispatches a command and fails the test unless it returns ERROR.
func MustFail(t *testing.T, d *device.Device, name string, params device.Params) device.Response {
	t.Helper()
	resp := Dispatch(d, name, params)
	if resp.Status != device.StatusError {
		t.Fatalf("%s: status = %s, want ERROR (details = %v)", name, resp.Status, resp.Details)
	}
	return resp
}

// Prop reads a property and fails the test if it is missing.
func Prop(t *testing.T, d *device.Device, name string) any {
	t.Helper()
	v, err := d.Properties().Get(name)
	if err != nil {
		t.Fatalf("Get(%q) error = %v", name, err)
	}
	return v
}

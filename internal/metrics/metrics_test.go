package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/astro-devsim/internal/device"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return string(body)
}

func assertContains(t *testing.T, body string, lines ...string) {
	t.Helper()
	for _, line := range lines {
		if !strings.Contains(body, line) {
			t.Errorf("metrics output missing %q", line)
		}
	}
}

func TestHooks(t *testing.T) {
	m := New()
	h := m.Hooks("cam1")

	ok := device.NewResponse("1")
	ok.Succeed(nil)
	fail := device.NewResponse("2")
	fail.Fail("busy")

	h.OnCommand(device.Command{Name: "Start_Exposure"}, ok, time.Millisecond)
	h.OnCommand(device.Command{Name: "start_exposure"}, fail, time.Millisecond)
	h.OnCommand(device.Command{Name: "start_exposure"}, fail, time.Millisecond)
	h.OnTaskFault("camera.exposure", errors.New("boom"))
	h.OnPropertyChange(device.PropertyChange{Name: "progress"})
	h.OnDeliveryFailure(device.DeliveryFailure{})
	h.OnLifecycle(true)
	h.OnLifecycle(true)
	m.Hooks("foc1").OnLifecycle(true)
	m.Hooks("foc1").OnLifecycle(false)

	assertContains(t, scrape(t, m),
		`devsim_commands_total{command="start_exposure",device_id="cam1",status="SUCCESS"} 1`,
		`devsim_commands_total{command="start_exposure",device_id="cam1",status="ERROR"} 2`,
		`devsim_command_duration_seconds_count{device_id="cam1"} 3`,
		`devsim_task_faults_total{device_id="cam1",task="camera.exposure"} 1`,
		`devsim_property_updates_total{device_id="cam1"} 1`,
		`devsim_event_delivery_failures_total{device_id="cam1"} 1`,
		`devsim_devices_running 1`,
		`go_goroutines`,
	)
}

func TestEventCounterOnDevice(t *testing.T) {
	m := New()
	d, err := device.New(device.Info{ID: "sw1", Type: "switch"}, device.Options{Hooks: m.Hooks("sw1")})
	if err != nil {
		t.Fatalf("device.New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() }) //nolint:errcheck // Test cleanup
	if err := d.Events().Subscribe("metrics", m.Sink()); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	d.Emit("SWITCH_STATE_CHANGED", map[string]any{"switch": "mount"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Events().Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	d.Dispatch(device.Command{Name: "ping"})
	assertContains(t, scrape(t, m),
		`devsim_events_total{device_id="sw1",event="DEVICE_STARTED"} 1`,
		`devsim_events_total{device_id="sw1",event="SWITCH_STATE_CHANGED"} 1`,
		`devsim_commands_total{command="ping",device_id="sw1",status="SUCCESS"} 1`,
		`devsim_devices_running 1`,
	)
}

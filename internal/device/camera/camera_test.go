package camera

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/astro-devsim/internal/device"
	"github.com/nerrad567/astro-devsim/internal/device/devicetest"
	"github.com/nerrad567/astro-devsim/internal/imagestore"
)

var camInfo = device.Info{ID: "cam1", Type: "camera", Manufacturer: "ZWO", Model: "ASI294"}

// fakeClock is advanced by tests in simulation units.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 22, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(units float64) {
	f.mu.Lock()
	f.t = f.t.Add(time.Duration(units * float64(devicetest.TimeUnit)))
	f.mu.Unlock()
}

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.Width = 64
	cfg.Height = 48
	return cfg
}

type fixture struct {
	cam   *Camera
	dev   *device.Device
	rec   *devicetest.Recorder
	store *imagestore.MemoryStore
	clock *fakeClock
}

// newCamera builds a started camera. With fake set, time only moves when the
// test advances the clock and ticks happen only through fixture.step.
func newCamera(t *testing.T, cfg Config, deps Deps, fake bool) *fixture {
	t.Helper()

	store := imagestore.NewMemoryStore()
	if deps.Store == nil {
		deps.Store = store
	}
	if deps.Random == nil {
		deps.Random = device.NewRandom(7)
	}
	if fake {
		// Park the loops; the test drives every tick itself.
		cfg.TickInterval = 1e4
		cfg.CoolingInterval = 1e4
	}
	cam, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f := &fixture{cam: cam, store: store}
	if fake {
		f.clock = newFakeClock()
		cam.now = f.clock.Now
	}
	f.dev, f.rec = devicetest.NewDevice(t, camInfo, cam)
	devicetest.Start(t, f.dev)
	return f
}

func (f *fixture) step(t *testing.T) {
	t.Helper()
	if err := f.cam.exposureStep(context.Background()); err != nil {
		t.Fatalf("exposureStep() error = %v", err)
	}
}

func (f *fixture) state(t *testing.T) string {
	t.Helper()
	return devicetest.Prop(t, f.dev, PropState).(string)
}

func TestExposureScenario(t *testing.T) {
	f := newCamera(t, smallConfig(), Deps{}, false)

	start := time.Now()
	resp := devicetest.MustSucceed(t, f.dev, CmdStartExposure, device.Params{"duration": 2.0, "isLight": true})
	jobID := resp.Details["job_id"].(string)

	devicetest.Eventually(t, 20*devicetest.TimeUnit, func() bool {
		return f.cam.State() == StateComplete
	}, "exposure to complete")

	if elapsed := f.dev.Timebase().Units(time.Since(start)); elapsed < 3.0 {
		t.Errorf("completed after %.2f units, want >= 3.0 (duration + readout)", elapsed)
	}
	if f.state(t) != string(StateComplete) {
		t.Errorf("camera_state = %v, want COMPLETE", f.state(t))
	}
	if devicetest.Prop(t, f.dev, PropImageReady) != true {
		t.Error("image_ready = false")
	}

	devicetest.Flush(t, f.dev)
	complete := f.rec.Named(EventExposureComplete)
	if len(complete) != 1 {
		t.Fatalf("EXPOSURE_COMPLETE count = %d, want 1", len(complete))
	}
	size := complete[0].Payload["image_size"].(map[string]any)
	if size["width"] != 64 || size["height"] != 48 {
		t.Errorf("image_size = %v, want 64x48", size)
	}
	if complete[0].Payload["job_id"] != jobID {
		t.Errorf("job_id = %v, want %s", complete[0].Payload["job_id"], jobID)
	}

	want := []string{EventExposureStarted, EventReadingOut, EventExposureComplete}
	var got []string
	for _, name := range f.rec.Names() {
		if name != EventExposureProgress && name != device.EventDeviceStarted {
			got = append(got, name)
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("event sequence mismatch (-want +got):\n%s", diff)
	}
	if f.rec.Count(EventExposureProgress) == 0 {
		t.Error("no EXPOSURE_PROGRESS events")
	}

	keys := f.store.Keys()
	if len(keys) != 1 || keys[0] != imagestore.Key("cam1", jobID) {
		t.Errorf("stored keys = %v", keys)
	}
	data, err := f.store.Get(context.Background(), keys[0])
	if err != nil || len(data) != 64*48*2 {
		t.Errorf("stored frame = %d bytes, %v", len(data), err)
	}

	img := devicetest.MustSucceed(t, f.dev, CmdGetImage, nil)
	if img.Details["image_ref"] != keys[0] || img.Details["width"] != 64 {
		t.Errorf("get_image = %v", img.Details)
	}
}

func TestStartExposure_RejectedWhileBusy(t *testing.T) {
	f := newCamera(t, smallConfig(), Deps{}, true)

	first := devicetest.MustSucceed(t, f.dev, CmdStartExposure, device.Params{"duration": 5.0})
	jobID := first.Details["job_id"]

	for _, phase := range []State{StateExposing, StateReadingOut} {
		if phase == StateReadingOut {
			f.clock.Advance(5.0)
			f.step(t)
		}
		if f.cam.State() != phase {
			t.Fatalf("state = %s, want %s", f.cam.State(), phase)
		}

		resp := devicetest.MustFail(t, f.dev, CmdStartExposure, device.Params{"duration": 1.0})
		if resp.Message() != msgBusy {
			t.Errorf("%s: message = %q, want %q", phase, resp.Message(), msgBusy)
		}
		if got := devicetest.Prop(t, f.dev, PropJobID); got != jobID {
			t.Errorf("%s: job id changed to %v", phase, got)
		}
		if got := devicetest.Prop(t, f.dev, PropExposureDuration); got != 5.0 {
			t.Errorf("%s: exposure_duration changed to %v", phase, got)
		}
	}
}

func TestAbortExposure_DuringExposing(t *testing.T) {
	f := newCamera(t, smallConfig(), Deps{}, false)

	devicetest.MustSucceed(t, f.dev, CmdStartExposure, device.Params{"duration": 10.0})
	time.Sleep(2 * devicetest.TimeUnit)

	resp := devicetest.MustSucceed(t, f.dev, CmdAbortExposure, nil)
	if _, ok := resp.Details["exposure_time"].(float64); !ok {
		t.Errorf("abort details = %v", resp.Details)
	}
	if f.cam.State() != StateIdle || f.state(t) != string(StateIdle) {
		t.Errorf("state = %s, want IDLE", f.cam.State())
	}
	if got := devicetest.Prop(t, f.dev, PropLastJobState); got != string(StateAborted) {
		t.Errorf("last_job_state = %v, want ABORTED", got)
	}
	if devicetest.Prop(t, f.dev, PropExposureInProgress) != false {
		t.Error("exposure_in_progress still true")
	}

	time.Sleep(5 * devicetest.TimeUnit)
	devicetest.Flush(t, f.dev)
	if got := f.rec.Count(EventExposureAborted); got != 1 {
		t.Errorf("EXPOSURE_ABORTED count = %d, want 1", got)
	}
	if got := f.rec.Count(EventExposureComplete); got != 0 {
		t.Errorf("EXPOSURE_COMPLETE after abort: %d", got)
	}

	again := devicetest.MustFail(t, f.dev, CmdAbortExposure, nil)
	if again.Message() != msgNoExposure {
		t.Errorf("second abort message = %q", again.Message())
	}
}

func TestAbortExposure_DuringReadoutDiscardsFrame(t *testing.T) {
	f := newCamera(t, smallConfig(), Deps{}, true)

	devicetest.MustSucceed(t, f.dev, CmdStartExposure, device.Params{"duration": 1.0})
	f.clock.Advance(1.0)
	f.step(t)
	if f.cam.State() != StateReadingOut {
		t.Fatalf("state = %s, want READING_OUT", f.cam.State())
	}

	devicetest.MustSucceed(t, f.dev, CmdAbortExposure, nil)
	f.clock.Advance(2.0)
	f.step(t)

	if f.cam.State() != StateIdle {
		t.Errorf("state = %s, want IDLE", f.cam.State())
	}
	if len(f.store.Keys()) != 0 {
		t.Errorf("frame stored for aborted job: %v", f.store.Keys())
	}
	devicetest.MustFail(t, f.dev, CmdGetImage, nil)
}

func TestExposure_TickExactTransitions(t *testing.T) {
	f := newCamera(t, smallConfig(), Deps{}, true)

	devicetest.MustSucceed(t, f.dev, CmdStartExposure, device.Params{"duration": 2.0})

	steps := []struct {
		advance float64
		want    State
	}{
		{0.5, StateExposing},
		{0.5, StateExposing},
		{0.9, StateExposing},
		{0.1, StateReadingOut},
		{0.5, StateReadingOut},
		{0.5, StateComplete},
	}
	for i, s := range steps {
		f.clock.Advance(s.advance)
		f.step(t)
		if got := f.cam.State(); got != s.want {
			t.Fatalf("step %d: state = %s, want %s", i, got, s.want)
		}
	}

	if got := devicetest.Prop(t, f.dev, PropExposureProgress); got != 100.0 {
		t.Errorf("exposure_progress = %v, want 100", got)
	}
	devicetest.Flush(t, f.dev)
	if got := f.rec.Count(EventExposureProgress); got != 3 {
		t.Errorf("EXPOSURE_PROGRESS count = %d, want 3", got)
	}
}

func TestExposure_SynthesisFailureIsTerminalForJob(t *testing.T) {
	fail := true
	var mu sync.Mutex
	synth := func(frame Frame, rng device.Random) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, errors.New("sensor fault")
		}
		return NoiseFrame(frame, rng)
	}
	f := newCamera(t, smallConfig(), Deps{Synthesize: synth}, true)

	devicetest.MustSucceed(t, f.dev, CmdStartExposure, device.Params{"duration": 1.0})
	f.clock.Advance(1.0)
	f.step(t)
	f.clock.Advance(1.0)
	f.step(t)

	if f.cam.State() != StateError {
		t.Fatalf("state = %s, want ERROR", f.cam.State())
	}
	if devicetest.Prop(t, f.dev, PropExposureInProgress) != false {
		t.Error("exposure_in_progress still true after failure")
	}
	if msg := devicetest.Prop(t, f.dev, PropLastError).(string); msg != "image synthesis failed: sensor fault" {
		t.Errorf("last_error = %q", msg)
	}
	devicetest.Flush(t, f.dev)
	errs := f.rec.Named(EventExposureError)
	if len(errs) != 1 || errs[0].Payload["error"] != "image synthesis failed: sensor fault" {
		t.Errorf("EXPOSURE_ERROR events = %+v", errs)
	}

	mu.Lock()
	fail = false
	mu.Unlock()

	devicetest.MustSucceed(t, f.dev, CmdStartExposure, device.Params{"duration": 1.0})
	f.clock.Advance(2.0)
	f.step(t)
	f.step(t)
	if f.cam.State() != StateComplete {
		t.Errorf("fresh job after ERROR: state = %s, want COMPLETE", f.cam.State())
	}
}

type failingStore struct{ *imagestore.MemoryStore }

func (failingStore) Put(context.Context, string, []byte, imagestore.Meta) (imagestore.Ref, error) {
	return imagestore.Ref{}, errors.New("disk full")
}

func TestExposure_StoreFailure(t *testing.T) {
	f := newCamera(t, smallConfig(), Deps{Store: failingStore{imagestore.NewMemoryStore()}}, true)

	devicetest.MustSucceed(t, f.dev, CmdStartExposure, device.Params{"duration": 1.0})
	f.clock.Advance(3.0)
	f.step(t)
	f.step(t)

	if f.cam.State() != StateError {
		t.Fatalf("state = %s, want ERROR", f.cam.State())
	}
	if devicetest.Prop(t, f.dev, PropImageReady) != false {
		t.Error("image_ready = true after store failure")
	}
}

func TestExposure_PanicInLoopBecomesError(t *testing.T) {
	synth := func(Frame, device.Random) ([]byte, error) { panic("corrupt buffer") }
	cfg := smallConfig()
	cfg.ReadoutTime = 0.2
	f := newCamera(t, cfg, Deps{Synthesize: synth}, false)

	devicetest.MustSucceed(t, f.dev, CmdStartExposure, device.Params{"duration": 0.5})
	devicetest.Eventually(t, 50*devicetest.TimeUnit, func() bool {
		return f.cam.State() == StateError
	}, "panic to fail the job")

	devicetest.Flush(t, f.dev)
	if f.rec.Count(EventExposureError) != 1 {
		t.Errorf("EXPOSURE_ERROR count = %d, want 1", f.rec.Count(EventExposureError))
	}

	// The loop survives: a new job can run to COMPLETE once synthesis works.
	if !f.dev.Running() {
		t.Fatal("device stopped after loop panic")
	}
	devicetest.MustSucceed(t, f.dev, CmdStartExposure, device.Params{"duration": 0.5})
	if f.cam.State() != StateExposing {
		t.Errorf("state = %s after restart, want EXPOSING", f.cam.State())
	}
}

func TestStartExposure_Validation(t *testing.T) {
	f := newCamera(t, smallConfig(), Deps{}, true)

	tests := []struct {
		name    string
		params  device.Params
		wantMsg string
	}{
		{"missing duration", device.Params{}, "missing required parameter: duration"},
		{"negative", device.Params{"duration": -1.0}, "invalid parameter: duration must be in (0, 3600]"},
		{"too long", device.Params{"duration": 7200.0}, "invalid parameter: duration must be in (0, 3600]"},
		{"bad light", device.Params{"duration": 1.0, "light": "maybe"}, "invalid parameter: light must be a boolean"},
		{"nan duration", device.Params{"duration": "NaN"}, "invalid parameter: duration must be finite"},
		{"infinite duration", device.Params{"duration": "+Inf"}, "invalid parameter: duration must be finite"},
		{"conflicting light flags", device.Params{"duration": 1.0, "isLight": false, "light": true}, "invalid parameter: isLight and light disagree"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := devicetest.MustFail(t, f.dev, CmdStartExposure, tt.params)
			if resp.Message() != tt.wantMsg {
				t.Errorf("message = %q, want %q", resp.Message(), tt.wantMsg)
			}
			if f.cam.State() != StateIdle {
				t.Errorf("state changed to %s", f.cam.State())
			}
		})
	}
}

func TestStartExposure_DarkFrame(t *testing.T) {
	for _, key := range []string{"isLight", "is_light", "light"} {
		t.Run(key, func(t *testing.T) {
			f := newCamera(t, smallConfig(), Deps{}, true)

			resp := devicetest.MustSucceed(t, f.dev, CmdStartExposure, device.Params{"duration": 1.0, key: false})
			if resp.Details["is_light"] != false {
				t.Errorf("is_light = %v", resp.Details["is_light"])
			}
			if devicetest.Prop(t, f.dev, PropExposureLight) != false {
				t.Error("exposure_light property not false")
			}
		})
	}
}

func TestStartExposure_RequiresRunningDevice(t *testing.T) {
	cam, err := New(smallConfig(), Deps{})
	if err != nil {
		t.Fatal(err)
	}
	d, _ := devicetest.NewDevice(t, camInfo, cam)

	resp := devicetest.MustFail(t, d, CmdStartExposure, device.Params{"duration": 1.0})
	if resp.Message() != msgNotConnected {
		t.Errorf("message = %q", resp.Message())
	}
}

func TestStopAbortsExposure(t *testing.T) {
	f := newCamera(t, smallConfig(), Deps{}, true)

	devicetest.MustSucceed(t, f.dev, CmdStartExposure, device.Params{"duration": 10.0})
	if err := f.dev.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := f.dev.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}

	if f.cam.State() != StateIdle {
		t.Errorf("state = %s, want IDLE", f.cam.State())
	}
	devicetest.Flush(t, f.dev)
	aborted := f.rec.Named(EventExposureAborted)
	if len(aborted) != 1 || aborted[0].Payload["reason"] != "device stopped" {
		t.Errorf("EXPOSURE_ABORTED = %+v", aborted)
	}
}

func TestSensorSettings(t *testing.T) {
	f := newCamera(t, smallConfig(), Deps{}, true)

	devicetest.MustSucceed(t, f.dev, CmdSetGain, device.Params{"gain": 120})
	devicetest.MustFail(t, f.dev, CmdSetGain, device.Params{"gain": 1000})
	devicetest.MustSucceed(t, f.dev, CmdSetOffset, device.Params{"offset": 30})
	devicetest.MustFail(t, f.dev, CmdSetOffset, device.Params{"offset": -1})

	resp := devicetest.MustSucceed(t, f.dev, CmdSetBinning, device.Params{"binning": 2})
	if resp.Details["width"] != 32 || resp.Details["height"] != 24 {
		t.Errorf("binned size = %v", resp.Details)
	}
	devicetest.MustFail(t, f.dev, CmdSetBinning, device.Params{"binning": 8})

	if devicetest.Prop(t, f.dev, PropGain) != int64(120) || devicetest.Prop(t, f.dev, PropOffset) != int64(30) {
		t.Error("gain/offset properties not updated")
	}

	devicetest.MustSucceed(t, f.dev, CmdStartExposure, device.Params{"duration": 5.0})
	resp = devicetest.MustFail(t, f.dev, CmdSetBinning, device.Params{"binning": 1})
	if resp.Message() != "cannot change binning during exposure" {
		t.Errorf("message = %q", resp.Message())
	}
}

func TestSetProperty_RoutesThroughSetters(t *testing.T) {
	f := newCamera(t, smallConfig(), Deps{}, true)

	resp := devicetest.MustSucceed(t, f.dev, device.CmdSetProperty, device.Params{"name": PropGain, "value": 150})
	if resp.Details["value"] != 150 {
		t.Errorf("value = %v, want 150", resp.Details["value"])
	}
	if devicetest.Prop(t, f.dev, PropGain) != int64(150) {
		t.Error("gain property not updated")
	}
	devicetest.MustSucceed(t, f.dev, device.CmdSetProperty, device.Params{"name": PropBinning, "value": "2"})

	tests := []struct {
		name    string
		params  device.Params
		wantMsg string
	}{
		{"gain out of range", device.Params{"name": PropGain, "value": 1000}, "invalid parameter: gain must be between 0 and 600"},
		{"offset not a number", device.Params{"name": PropOffset, "value": "high"}, "invalid parameter: offset must be a number"},
		{"read-only", device.Params{"name": PropWidth, "value": 10}, "property width is read-only"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := devicetest.MustFail(t, f.dev, device.CmdSetProperty, tt.params)
			if resp.Message() != tt.wantMsg {
				t.Errorf("message = %q, want %q", resp.Message(), tt.wantMsg)
			}
		})
	}

	// The frame synthesized next uses the values written above.
	var got Frame
	f.cam.synthesize = func(fr Frame, r device.Random) ([]byte, error) {
		got = fr
		return NoiseFrame(fr, r)
	}
	devicetest.MustSucceed(t, f.dev, CmdStartExposure, device.Params{"duration": 1.0})
	resp = devicetest.MustFail(t, f.dev, device.CmdSetProperty, device.Params{"name": PropBinning, "value": 1})
	if resp.Message() != "cannot change binning during exposure" {
		t.Errorf("message = %q", resp.Message())
	}

	f.clock.Advance(1.0)
	f.step(t)
	f.clock.Advance(smallConfig().ReadoutTime)
	f.step(t)
	if f.cam.State() != StateComplete {
		t.Fatalf("state = %s, want COMPLETE", f.cam.State())
	}
	if got.Gain != 150 || got.Width != smallConfig().Width/2 {
		t.Errorf("frame = %+v, want gain 150 at binning 2", got)
	}
}

func TestPropertyObserver_MayDispatchCommands(t *testing.T) {
	f := newCamera(t, smallConfig(), Deps{}, true)

	// An observer that reacts to a gain change by commanding the same
	// camera must not deadlock against the camera's own lock.
	f.dev.Properties().Observe("follow-gain", device.PropertyObserverFunc(func(ch device.PropertyChange) {
		if ch.Name == PropGain {
			gain, _ := device.AsFloat(ch.Value)
			f.dev.Dispatch(device.Command{Name: CmdSetOffset, Parameters: device.Params{"offset": int(gain) / 10}})
		}
	}))

	done := make(chan device.Response, 1)
	go func() {
		done <- devicetest.Dispatch(f.dev, CmdSetGain, device.Params{"gain": 200})
	}()
	select {
	case resp := <-done:
		if !resp.OK() {
			t.Fatalf("set_gain failed: %s", resp.Message())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("set_gain deadlocked with a re-entrant observer")
	}

	if devicetest.Prop(t, f.dev, PropOffset) != int64(20) {
		t.Errorf("offset = %v, want 20", devicetest.Prop(t, f.dev, PropOffset))
	}
}

func TestGetImage_NoImage(t *testing.T) {
	f := newCamera(t, smallConfig(), Deps{}, true)

	resp := devicetest.MustFail(t, f.dev, CmdGetImage, nil)
	if resp.Message() != msgNoImage {
		t.Errorf("message = %q", resp.Message())
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero width", func(c *Config) { c.Width = 0 }},
		{"bit depth", func(c *Config) { c.BitDepth = 12 }},
		{"binning", func(c *Config) { c.Binning = 0 }},
		{"gain", func(c *Config) { c.Gain = -1 }},
		{"offset", func(c *Config) { c.Offset = 1000 }},
		{"exposure", func(c *Config) { c.MaxExposure = 0 }},
		{"readout", func(c *Config) { c.ReadoutTime = -1 }},
		{"tick", func(c *Config) { c.TickInterval = 0 }},
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error = %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
			if _, err := New(cfg, Deps{}); err == nil {
				t.Error("New() should reject invalid config")
			}
		})
	}
}

func TestNoiseFrame(t *testing.T) {
	frame := Frame{Width: 8, Height: 4, BitDepth: 16, Offset: 10, Exposure: 1, Light: true}

	a, err := NoiseFrame(frame, device.NewRandom(3))
	if err != nil {
		t.Fatalf("NoiseFrame() error = %v", err)
	}
	b, _ := NoiseFrame(frame, device.NewRandom(3))
	if len(a) != frame.Size() || len(a) != 64 {
		t.Errorf("len = %d, want 64", len(a))
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Error("same seed produced different frames")
	}

	frame.BitDepth = 8
	c, _ := NoiseFrame(frame, device.NewRandom(3))
	if len(c) != 32 {
		t.Errorf("8-bit len = %d, want 32", len(c))
	}

	if _, err := NoiseFrame(Frame{}, device.NewRandom(1)); err == nil {
		t.Error("zero-size frame should fail")
	}
}

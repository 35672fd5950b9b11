package telescope

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/astro-devsim/internal/device"
	"github.com/nerrad567/astro-devsim/internal/device/devicetest"
	"github.com/nerrad567/astro-devsim/internal/device/movement"
)

var mountInfo = device.Info{ID: "mount1", Type: "telescope", Manufacturer: "Sky-Watcher", Model: "EQ6-R"}

type fixture struct {
	tel *Telescope
	dev *device.Device
	rec *devicetest.Recorder
}

func newTelescope(t *testing.T, cfg Config) *fixture {
	t.Helper()
	tel, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	// Park the loop; the test drives every tick itself.
	tel.loopInterval = 1e4
	tel.now = func() time.Time { return j2000 }
	d, rec := devicetest.NewDevice(t, mountInfo, tel)
	devicetest.Start(t, d)
	return &fixture{tel: tel, dev: d, rec: rec}
}

func (f *fixture) tick(n int) {
	for range n {
		_ = f.tel.step(context.Background())
	}
}

// settle ticks until the mount stops slewing or parking.
func (f *fixture) settle(t *testing.T) {
	t.Helper()
	for range 10000 {
		if s := f.tel.State(); s != StateSlewing && s != StateParking {
			return
		}
		f.tick(1)
	}
	t.Fatalf("mount still %s after 10000 ticks", f.tel.State())
}

func (f *fixture) position(t *testing.T, wantRA, wantDec float64) {
	t.Helper()
	ra, dec := f.tel.Position()
	if math.Abs(ra-wantRA) > 1e-9 || math.Abs(dec-wantDec) > 1e-9 {
		t.Fatalf("position = (%v, %v), want (%v, %v)", ra, dec, wantRA, wantDec)
	}
}

func TestGotoSlewsBothAxes(t *testing.T) {
	f := newTelescope(t, DefaultConfig())

	resp := devicetest.MustSucceed(t, f.dev, CmdGoto, device.Params{"ra": 1.2, "dec": 3.0})
	if resp.Details["redirected"] != false {
		t.Errorf("redirected = %v, want false", resp.Details["redirected"])
	}
	if got := devicetest.Prop(t, f.dev, PropState); got != string(StateSlewing) {
		t.Errorf("%s = %v, want SLEWING", PropState, got)
	}
	if got := devicetest.Prop(t, f.dev, PropTargetRA); got != 1.2 {
		t.Errorf("%s = %v, want 1.2", PropTargetRA, got)
	}

	f.settle(t)
	f.position(t, 1.2, 3.0)
	for name, want := range map[string]any{
		PropState:       string(StateIdle),
		PropRA:          1.2,
		PropDec:         3.0,
		"ra_position":   1.2,
		"dec_position":  3.0,
		"dec_is_moving": false,
	} {
		if got := devicetest.Prop(t, f.dev, name); got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}

	devicetest.Flush(t, f.dev)
	if n := f.rec.Count(EventSlewStarted); n != 1 {
		t.Errorf("SLEW_STARTED count = %d, want 1", n)
	}
	done := f.rec.Named(EventSlewComplete)
	if len(done) != 1 || done[0].Payload["ra"] != 1.2 || done[0].Payload["dec"] != 3.0 {
		t.Fatalf("SLEW_COMPLETE = %+v", done)
	}
	axes := map[any]bool{}
	for _, ev := range f.rec.Named(movement.EventMoveComplete) {
		axes[ev.Payload["axis"]] = true
	}
	if !axes[AxisRA] || !axes[AxisDec] {
		t.Errorf("MOVE_COMPLETE axes = %v, want ra and dec", axes)
	}
}

func TestGotoValidation(t *testing.T) {
	f := newTelescope(t, DefaultConfig())

	tests := []struct {
		name   string
		params device.Params
		want   string
	}{
		{"ra at 24", device.Params{"ra": 24.0, "dec": 0.0}, "ra must be in [0, 24)"},
		{"negative ra", device.Params{"ra": -1.0, "dec": 0.0}, "ra must be in [0, 24)"},
		{"dec above pole", device.Params{"ra": 1.0, "dec": 91.0}, "dec must be in [-90, 90]"},
		{"nan ra", device.Params{"ra": "NaN", "dec": 0.0}, "ra must be finite"},
		{"missing dec", device.Params{"ra": 1.0}, "dec"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := devicetest.MustFail(t, f.dev, CmdGoto, tt.params)
			msg, _ := resp.Details["message"].(string)
			if !strings.Contains(msg, tt.want) {
				t.Errorf("message = %q, want it to contain %q", msg, tt.want)
			}
		})
	}
	if s := f.tel.State(); s != StateIdle {
		t.Errorf("state = %s after rejected gotos, want IDLE", s)
	}
}

func TestGotoWhileSlewingRedirects(t *testing.T) {
	f := newTelescope(t, DefaultConfig())

	devicetest.MustSucceed(t, f.dev, CmdGoto, device.Params{"ra": 2.0, "dec": 10.0})
	f.tick(1)
	resp := devicetest.MustSucceed(t, f.dev, CmdGoto, device.Params{"ra": 1.0, "dec": -5.0})
	if resp.Details["redirected"] != true {
		t.Errorf("redirected = %v, want true", resp.Details["redirected"])
	}

	f.settle(t)
	f.position(t, 1.0, -5.0)
	devicetest.Flush(t, f.dev)
	if n := f.rec.Count(EventSlewRedirected); n != 1 {
		t.Errorf("SLEW_REDIRECTED count = %d, want 1", n)
	}
	if n := f.rec.Count(EventSlewComplete); n != 1 {
		t.Errorf("SLEW_COMPLETE count = %d, want 1", n)
	}
}

func TestGotoWhileSlewingRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = movement.PolicyReject
	f := newTelescope(t, cfg)

	devicetest.MustSucceed(t, f.dev, CmdGoto, device.Params{"ra": 2.0, "dec": 10.0})
	f.tick(1)
	resp := devicetest.MustFail(t, f.dev, CmdGoto, device.Params{"ra": 1.0, "dec": -5.0})
	if resp.Details["reason"] != movement.ReasonBusy {
		t.Errorf("reason = %v, want BUSY", resp.Details["reason"])
	}

	f.settle(t)
	f.position(t, 2.0, 10.0)
	devicetest.Flush(t, f.dev)
	if n := f.rec.Count(EventSlewRejected); n != 1 {
		t.Errorf("SLEW_REJECTED count = %d, want 1", n)
	}
}

func TestParkRefusesMotionUntilUnpark(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SlewRate = MaxSlewRate
	cfg.Tracking = true
	f := newTelescope(t, cfg)

	devicetest.MustSucceed(t, f.dev, CmdGoto, device.Params{"ra": 3.0, "dec": 20.0})
	f.settle(t)

	resp := devicetest.MustSucceed(t, f.dev, CmdPark, nil)
	if resp.Details["park_ra"] != 3.0 || resp.Details["park_dec"] != 20.0 {
		t.Errorf("park response = %v, want saved position (3, 20)", resp.Details)
	}
	if s := f.tel.State(); s != StateParking {
		t.Fatalf("state = %s, want PARKING", s)
	}
	f.settle(t)

	if s := f.tel.State(); s != StateParked {
		t.Fatalf("state = %s, want PARKED", s)
	}
	f.position(t, 0, 90)
	if got := devicetest.Prop(t, f.dev, PropParked); got != true {
		t.Errorf("%s = %v, want true", PropParked, got)
	}
	if got := devicetest.Prop(t, f.dev, PropTracking); got != false {
		t.Errorf("%s = %v, want false after parking", PropTracking, got)
	}

	refused := []struct {
		cmd    string
		params device.Params
	}{
		{CmdGoto, device.Params{"ra": 5.0, "dec": 10.0}},
		{CmdSync, device.Params{"ra": 5.0, "dec": 10.0}},
		{CmdSetTracking, device.Params{"enabled": true}},
	}
	for _, r := range refused {
		resp := devicetest.MustFail(t, f.dev, r.cmd, r.params)
		if resp.Details["error"] != CodeParked {
			t.Errorf("%s: error = %v, want %s", r.cmd, resp.Details["error"], CodeParked)
		}
	}
	devicetest.MustSucceed(t, f.dev, CmdSetTracking, device.Params{"enabled": false})
	resp = devicetest.MustSucceed(t, f.dev, CmdPark, nil)
	if resp.Details["message"] != "Telescope already parked" {
		t.Errorf("second park message = %v", resp.Details["message"])
	}
	f.tick(5)
	f.position(t, 0, 90)

	resp = devicetest.MustSucceed(t, f.dev, CmdUnpark, nil)
	if resp.Details["restoring"] != true {
		t.Errorf("restoring = %v, want true", resp.Details["restoring"])
	}
	f.settle(t)
	f.position(t, 3.0, 20.0)
	if s := f.tel.State(); s != StateIdle {
		t.Errorf("state = %s after unpark, want IDLE", s)
	}
	resp = devicetest.MustSucceed(t, f.dev, CmdUnpark, nil)
	if resp.Details["message"] != "Telescope already unparked" {
		t.Errorf("second unpark message = %v", resp.Details["message"])
	}

	devicetest.Flush(t, f.dev)
	for name, want := range map[string]int{EventParked: 1, EventUnparked: 1, EventTrackingChanged: 1} {
		if n := f.rec.Count(name); n != want {
			t.Errorf("%s count = %d, want %d", name, n, want)
		}
	}
	if ev := f.rec.Named(EventTrackingChanged)[0]; ev.Payload["tracking"] != false {
		t.Errorf("TRACKING_CHANGED payload = %v, want tracking false", ev.Payload)
	}
}

func TestParkActionAlias(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SlewRate = MaxSlewRate
	cfg.Latitude = -33.9
	f := newTelescope(t, cfg)

	devicetest.MustSucceed(t, f.dev, CmdPark, device.Params{"action": "park"})
	f.settle(t)
	f.position(t, 0, -90)

	devicetest.MustSucceed(t, f.dev, CmdPark, device.Params{"action": "unpark"})
	if s := f.tel.State(); s != StateSlewing {
		t.Errorf("state = %s after unpark alias, want SLEWING", s)
	}
	devicetest.MustFail(t, f.dev, CmdPark, device.Params{"action": "flip"})
}

func TestGotoWhileParkingRefused(t *testing.T) {
	f := newTelescope(t, DefaultConfig())

	devicetest.MustSucceed(t, f.dev, CmdPark, nil)
	resp := devicetest.MustFail(t, f.dev, CmdGoto, device.Params{"ra": 1.0, "dec": 1.0})
	if resp.Details["error"] != CodeParking {
		t.Errorf("error = %v, want %s", resp.Details["error"], CodeParking)
	}
	resp = devicetest.MustFail(t, f.dev, CmdUnpark, nil)
	if resp.Details["error"] != CodeParking {
		t.Errorf("unpark error = %v, want %s", resp.Details["error"], CodeParking)
	}
}

func TestSyncRedefinesPosition(t *testing.T) {
	f := newTelescope(t, DefaultConfig())

	devicetest.MustSucceed(t, f.dev, CmdSync, device.Params{"ra": 5.0, "dec": 20.0})
	f.position(t, 5.0, 20.0)
	if got := devicetest.Prop(t, f.dev, PropRA); got != 5.0 {
		t.Errorf("%s = %v, want 5", PropRA, got)
	}
	if s := f.tel.State(); s != StateIdle {
		t.Errorf("state = %s after sync, want IDLE", s)
	}

	devicetest.MustFail(t, f.dev, CmdSync, device.Params{"ra": 25.0, "dec": 0.0})

	devicetest.MustSucceed(t, f.dev, CmdGoto, device.Params{"ra": 6.0, "dec": 20.0})
	resp := devicetest.MustFail(t, f.dev, CmdSync, device.Params{"ra": 1.0, "dec": 1.0})
	if resp.Details["reason"] != movement.ReasonBusy {
		t.Errorf("reason = %v, want BUSY", resp.Details["reason"])
	}

	devicetest.Flush(t, f.dev)
	synced := f.rec.Named(EventSynced)
	if len(synced) != 1 || synced[0].Payload["previous_ra"] != 0.0 || synced[0].Payload["ra"] != 5.0 {
		t.Fatalf("SYNCED = %+v", synced)
	}
}

func TestAbortFreezesSlew(t *testing.T) {
	f := newTelescope(t, DefaultConfig())

	resp := devicetest.MustSucceed(t, f.dev, CmdAbort, nil)
	if resp.Details["message"] != "No movement to abort" {
		t.Errorf("idle abort message = %v", resp.Details["message"])
	}

	devicetest.MustSucceed(t, f.dev, CmdGoto, device.Params{"ra": 2.0, "dec": 10.0})
	f.tick(5)
	devicetest.MustSucceed(t, f.dev, CmdAbort, nil)
	if s := f.tel.State(); s != StateIdle {
		t.Fatalf("state = %s after abort, want IDLE", s)
	}
	ra, dec := f.tel.Position()
	if ra >= 2.0 || dec >= 10.0 {
		t.Fatalf("position = (%v, %v), want short of the target", ra, dec)
	}
	f.tick(5)
	f.position(t, ra, dec)

	devicetest.Flush(t, f.dev)
	if n := f.rec.Count(EventAborted); n != 1 {
		t.Errorf("ABORTED count = %d, want 1", n)
	}
	if n := f.rec.Count(EventSlewComplete); n != 0 {
		t.Errorf("SLEW_COMPLETE count = %d, want 0", n)
	}
}

func TestTrackingDriftWrapsAt24(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RA = 23.5
	cfg.TrackingRate = 2.5
	f := newTelescope(t, cfg)

	f.tick(2)
	f.position(t, 23.5, 0)

	devicetest.MustSucceed(t, f.dev, CmdSetTracking, device.Params{"enabled": true})
	f.tick(3)
	f.position(t, 0.25, 0)
	if got := devicetest.Prop(t, f.dev, PropRA); got != 0.25 {
		t.Errorf("%s = %v, want 0.25", PropRA, got)
	}

	devicetest.MustSucceed(t, f.dev, CmdSetTracking, device.Params{"enabled": false})
	f.tick(3)
	f.position(t, 0.25, 0)

	devicetest.Flush(t, f.dev)
	changes := f.rec.Named(EventTrackingChanged)
	if len(changes) != 2 || changes[1].Payload["previous"] != true {
		t.Fatalf("TRACKING_CHANGED = %+v", changes)
	}
}

func TestSlewRateIsTunable(t *testing.T) {
	f := newTelescope(t, DefaultConfig())

	devicetest.MustSucceed(t, f.dev, CmdSetSlewRate, device.Params{"rate": 5})
	for _, name := range []string{"ra_speed", "dec_speed"} {
		if got := devicetest.Prop(t, f.dev, name); got != slewSpeed(5) {
			t.Errorf("%s = %v, want %v", name, got, slewSpeed(5))
		}
	}

	devicetest.MustSucceed(t, f.dev, device.CmdSetProperty, device.Params{"name": PropSlewRate, "value": "8"})
	if got := devicetest.Prop(t, f.dev, PropSlewRate); got != int64(8) {
		t.Errorf("%s = %v, want 8", PropSlewRate, got)
	}
	if got := devicetest.Prop(t, f.dev, "ra_speed"); got != slewSpeed(8) {
		t.Errorf("ra_speed = %v, want %v", got, slewSpeed(8))
	}

	resp := devicetest.MustFail(t, f.dev, device.CmdSetProperty, device.Params{"name": PropSlewRate, "value": 11})
	if msg := resp.Details["message"]; msg != "invalid parameter: slew_rate must be in [1, 10]" {
		t.Errorf("message = %v", msg)
	}
	if got := devicetest.Prop(t, f.dev, PropSlewRate); got != int64(8) {
		t.Errorf("%s = %v after rejected write, want 8", PropSlewRate, got)
	}
}

func TestStopAbortsSlew(t *testing.T) {
	f := newTelescope(t, DefaultConfig())

	devicetest.MustSucceed(t, f.dev, CmdGoto, device.Params{"ra": 4.0, "dec": 40.0})
	if err := f.dev.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if s := f.tel.State(); s != StateIdle {
		t.Errorf("state = %s after stop, want IDLE", s)
	}
	devicetest.Flush(t, f.dev)
	aborted := f.rec.Named(EventAborted)
	if len(aborted) != 1 || aborted[0].Payload["reason"] != "device stopped" {
		t.Fatalf("ABORTED = %+v", aborted)
	}
	devicetest.MustFail(t, f.dev, CmdGoto, device.Params{"ra": 1.0, "dec": 1.0})
}

// TestPositionChangesArriveTogether checks that an observer woken by an
// axis move already sees the mount position of the same tick.
func TestPositionChangesArriveTogether(t *testing.T) {
	f := newTelescope(t, DefaultConfig())
	store := f.dev.Properties()

	var seen, torn int
	store.Observe("torn", device.PropertyObserverFunc(func(ch device.PropertyChange) {
		if ch.Name != "ra_position" {
			return
		}
		seen++
		ra, err := store.Float(PropRA)
		if err != nil || math.Abs(ra-ch.Value.(float64)) > 1e-3 {
			torn++
		}
	}))

	devicetest.MustSucceed(t, f.dev, CmdGoto, device.Params{"ra": 0.5, "dec": 0.5})
	f.settle(t)
	if seen == 0 {
		t.Fatal("observer saw no ra_position changes")
	}
	if torn != 0 {
		t.Errorf("observer saw %d of %d ra_position changes ahead of %s", torn, seen, PropRA)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"ra", func(c *Config) { c.RA = 24 }},
		{"dec", func(c *Config) { c.Dec = -91 }},
		{"slew rate", func(c *Config) { c.SlewRate = 0 }},
		{"tracking rate", func(c *Config) { c.TrackingRate = math.NaN() }},
		{"latitude", func(c *Config) { c.Latitude = 95 }},
		{"longitude", func(c *Config) { c.Longitude = 181 }},
		{"policy", func(c *Config) { c.Policy = "QUEUE" }},
		{"tick", func(c *Config) { c.TickInterval = 0 }},
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error = %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("New() error = nil, want validation error")
			}
		})
	}
}

func TestSiderealTime(t *testing.T) {
	if got := siderealTime(j2000, 0); math.Abs(got-18.697374558) > 1e-9 {
		t.Errorf("GMST at J2000 = %v, want 18.697374558", got)
	}
	if got := siderealTime(j2000, 90); math.Abs(got-(18.697374558+6-24)) > 1e-9 {
		t.Errorf("LST at 90E = %v, want %v", got, 18.697374558+6-24)
	}
	day := j2000.Add(24 * time.Hour)
	if got := siderealTime(day, 0); math.Abs(got-wrapHours(18.697374558+24.06570982441908)) > 1e-9 {
		t.Errorf("GMST one day on = %v", got)
	}
}

func TestHorizontal(t *testing.T) {
	tests := []struct {
		name            string
		ra, dec, lst    float64
		latitude        float64
		wantAlt, wantAz float64
	}{
		{"celestial pole", 3, 90, 3, 40, 40, 0},
		{"zenith", 6, 40, 6, 40, 90, 0},
		{"south meridian", 12, 0, 12, 40, 50, 180},
		{"east horizon", 18, 0, 12, 0, 0, 90},
		{"west horizon", 6, 0, 12, 0, 0, 270},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alt, az := horizontal(tt.ra, tt.dec, tt.lst, tt.latitude)
			if math.Abs(alt-tt.wantAlt) > 1e-4 || math.Abs(az-tt.wantAz) > 1e-4 {
				t.Errorf("horizontal() = (%v, %v), want (%v, %v)", alt, az, tt.wantAlt, tt.wantAz)
			}
		})
	}
}

package movement

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/astro-devsim/internal/device"
	"github.com/nerrad567/astro-devsim/internal/device/devicetest"
)

// newBoundMover binds a mover to an unstarted device. Tests drive Advance
// directly so every tick is exact.
func newBoundMover(t *testing.T, cfg Config) (*Mover, *device.Device, *devicetest.Recorder) {
	t.Helper()
	m, err := NewMover(cfg)
	if err != nil {
		t.Fatalf("NewMover() error = %v", err)
	}
	d, rec := devicetest.NewDevice(t, device.Info{ID: "mv1", Type: "focuser"})
	m.Bind(d)
	return m, d, rec
}

func unitConfig() Config {
	// One position unit per tick.
	return Config{Min: 0, Max: 100, Speed: 10, TickInterval: 0.1}
}

func TestMoverAdvancesToTarget(t *testing.T) {
	m, d, rec := newBoundMover(t, unitConfig())

	if _, err := m.Move(3.5); err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	if m.State() != StateMoving {
		t.Fatalf("State() = %s, want MOVING", m.State())
	}

	var got []float64
	for m.State() == StateMoving {
		got = append(got, m.Advance().Position)
		if len(got) > 10 {
			t.Fatal("mover never arrived")
		}
	}
	if diff := cmp.Diff([]float64{1, 2, 3, 3.5}, got); diff != "" {
		t.Errorf("positions mismatch (-want +got):\n%s", diff)
	}
	if v := devicetest.Prop(t, d, PropLastMoveState); v != OutcomeComplete {
		t.Errorf("last_move_state = %v, want COMPLETE", v)
	}
	if v := devicetest.Prop(t, d, PropIsMoving); v != false {
		t.Errorf("is_moving = %v, want false", v)
	}

	devicetest.Flush(t, d)
	if diff := cmp.Diff([]string{EventMoveStarted, EventMoveComplete}, rec.Names()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestMoverAbortFreezesPosition(t *testing.T) {
	m, d, rec := newBoundMover(t, unitConfig())

	if _, err := m.Move(10); err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	for range 3 {
		m.Advance()
	}
	pos, err := m.Abort()
	if err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if pos != 3 {
		t.Fatalf("Abort() position = %v, want 3", pos)
	}
	for range 5 {
		if st := m.Advance(); st.Position != 3 {
			t.Fatalf("position moved to %v after abort", st.Position)
		}
	}
	if v := devicetest.Prop(t, d, PropPosition); v != 3.0 {
		t.Errorf("position = %v, want 3", v)
	}
	if v := devicetest.Prop(t, d, PropLastMoveState); v != OutcomeAborted {
		t.Errorf("last_move_state = %v, want ABORTED", v)
	}
	if _, err := m.Abort(); !errors.Is(err, ErrNotMoving) {
		t.Errorf("second Abort() error = %v, want ErrNotMoving", err)
	}

	devicetest.Flush(t, d)
	if rec.Count(EventMoveComplete) != 0 {
		t.Error("MOVE_COMPLETE emitted after abort")
	}
	if rec.Count(EventMoveAborted) != 1 {
		t.Errorf("MOVE_ABORTED count = %d, want 1", rec.Count(EventMoveAborted))
	}
}

func TestMoverRedirect(t *testing.T) {
	m, d, rec := newBoundMover(t, unitConfig())

	if _, err := m.Move(10); err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	m.Advance()
	m.Advance()

	res, err := m.Move(0)
	if err != nil {
		t.Fatalf("redirect Move() error = %v", err)
	}
	if !res.Redirected || res.PreviousTarget != 10 {
		t.Errorf("Move() = %+v, want redirect from target 10", res)
	}
	var got []float64
	for m.State() == StateMoving {
		got = append(got, m.Advance().Position)
	}
	if diff := cmp.Diff([]float64{1, 0}, got); diff != "" {
		t.Errorf("positions mismatch (-want +got):\n%s", diff)
	}

	devicetest.Flush(t, d)
	want := []string{EventMoveStarted, EventMoveRedirected, EventMoveComplete}
	if diff := cmp.Diff(want, rec.Names()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestMoverRejectPolicy(t *testing.T) {
	cfg := unitConfig()
	cfg.Policy = PolicyReject
	m, d, rec := newBoundMover(t, cfg)

	if _, err := m.Move(10); err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	m.Advance()
	if _, err := m.Move(2); !errors.Is(err, ErrBusy) {
		t.Fatalf("Move() while moving error = %v, want ErrBusy", err)
	}
	if m.Target() != 10 {
		t.Errorf("Target() = %v, want 10 unchanged", m.Target())
	}

	devicetest.Flush(t, d)
	rejected := rec.Named(EventMoveRejected)
	if len(rejected) != 1 || rejected[0].Payload["reason"] != ReasonBusy {
		t.Errorf("MOVE_REJECTED = %+v, want one with reason BUSY", rejected)
	}
}

func TestMoverOutsideLimits(t *testing.T) {
	m, d, rec := newBoundMover(t, unitConfig())

	for _, target := range []float64{-1, 100.5} {
		if _, err := m.Move(target); !errors.Is(err, ErrOutsideLimits) {
			t.Errorf("Move(%v) error = %v, want ErrOutsideLimits", target, err)
		}
	}
	if m.State() != StateIdle {
		t.Errorf("State() = %s, want IDLE", m.State())
	}

	devicetest.Flush(t, d)
	for _, ev := range rec.Named(EventMoveRejected) {
		if ev.Payload["reason"] != ReasonOutsideLimits {
			t.Errorf("reason = %v, want OUTSIDE_LIMITS", ev.Payload["reason"])
		}
	}
	if rec.Count(EventMoveRejected) != 2 {
		t.Errorf("MOVE_REJECTED count = %d, want 2", rec.Count(EventMoveRejected))
	}
}

func TestMoverBacklashOnReversal(t *testing.T) {
	cfg := unitConfig()
	cfg.Backlash = 2
	m, _, _ := newBoundMover(t, cfg)

	if _, err := m.Move(5); err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	for m.State() == StateMoving {
		m.Advance()
	}

	if _, err := m.Move(3); err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	var got []float64
	for m.State() == StateMoving {
		got = append(got, m.Advance().Position)
	}
	// Two ticks take up the slack before the position changes.
	if diff := cmp.Diff([]float64{5, 5, 4, 3}, got); diff != "" {
		t.Errorf("positions mismatch (-want +got):\n%s", diff)
	}
}

func TestMoverIntegerAbortKeepsPublishedValue(t *testing.T) {
	cfg := unitConfig()
	cfg.Speed = 5 // half a position per tick
	cfg.Integer = true
	m, d, _ := newBoundMover(t, cfg)

	if _, err := m.Move(4); err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	for range 3 {
		m.Advance()
	}
	published := devicetest.Prop(t, d, PropPosition)
	pos, err := m.Abort()
	if err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if published != int64(pos) {
		t.Errorf("position property %v, abort position %v", published, pos)
	}
	if got := devicetest.Prop(t, d, PropPosition); got != published {
		t.Errorf("position changed on abort: %v -> %v", published, got)
	}
}

func TestMoverSetLimits(t *testing.T) {
	m, _, _ := newBoundMover(t, unitConfig())

	if err := m.SetLimits(10, 5); !errors.Is(err, device.ErrInvalidParameter) {
		t.Errorf("SetLimits(10, 5) error = %v, want ErrInvalidParameter", err)
	}
	if err := m.SetLimits(10, 20); !errors.Is(err, device.ErrInvalidParameter) {
		t.Errorf("SetLimits excluding position error = %v, want ErrInvalidParameter", err)
	}
	if _, err := m.Move(50); err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	if err := m.SetLimits(0, 60); !errors.Is(err, ErrBusy) {
		t.Errorf("SetLimits while moving error = %v, want ErrBusy", err)
	}
	if _, err := m.Abort(); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if err := m.SetLimits(0, 60); err != nil {
		t.Fatalf("SetLimits() error = %v", err)
	}
	if lo, hi := m.Limits(); lo != 0 || hi != 60 {
		t.Errorf("Limits() = %v, %v, want 0, 60", lo, hi)
	}
}

func TestMoverAxisPrefixesProperties(t *testing.T) {
	cfg := unitConfig()
	cfg.Axis = "dec"
	m, d, rec := newBoundMover(t, cfg)

	props := d.Properties()
	if !props.Has("dec_position") || props.Has(PropPosition) {
		t.Fatalf("properties = %v, want only dec_ prefixed names", props.Names())
	}
	if _, err := m.Move(2); err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	for m.State() == StateMoving {
		m.Advance()
	}
	if got, _ := props.Float("dec_position"); got != 2 {
		t.Errorf("dec_position = %v, want 2", got)
	}

	devicetest.Flush(t, d)
	done := rec.Named(EventMoveComplete)
	if len(done) != 1 || done[0].Payload["axis"] != "dec" {
		t.Fatalf("MOVE_COMPLETE = %+v, want axis dec", done)
	}
}

func TestMoverSync(t *testing.T) {
	m, d, _ := newBoundMover(t, unitConfig())

	if err := m.Sync(42); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if m.Position() != 42 || m.Target() != 42 {
		t.Errorf("position, target = %v, %v, want 42", m.Position(), m.Target())
	}
	if got, _ := d.Properties().Float(PropPosition); got != 42 {
		t.Errorf("%s = %v, want 42", PropPosition, got)
	}

	for _, bad := range []float64{-1, 101, math.NaN()} {
		if err := m.Sync(bad); !errors.Is(err, ErrOutsideLimits) {
			t.Errorf("Sync(%v) error = %v, want ErrOutsideLimits", bad, err)
		}
	}

	if _, err := m.Move(50); err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	if err := m.Sync(10); !errors.Is(err, ErrBusy) {
		t.Errorf("Sync() while moving error = %v, want ErrBusy", err)
	}
}

func TestNewMoverValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"inverted limits", Config{Min: 10, Max: 0, Speed: 1}},
		{"position outside", Config{Min: 0, Max: 10, Position: 11, Speed: 1}},
		{"zero speed", Config{Min: 0, Max: 10}},
		{"negative backlash", Config{Min: 0, Max: 10, Speed: 1, Backlash: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewMover(tt.cfg); err == nil {
				t.Error("NewMover() error = nil")
			}
		})
	}

	m, err := NewMover(Config{Min: 0, Max: 10, Speed: 1})
	if err != nil {
		t.Fatalf("NewMover() error = %v", err)
	}
	if m.Policy() != PolicyRedirect || m.TickInterval() != 0.1 {
		t.Errorf("defaults = %s, %v", m.Policy(), m.TickInterval())
	}
}

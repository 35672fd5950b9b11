package telescope

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nerrad567/astro-devsim/internal/device"
	"github.com/nerrad567/astro-devsim/internal/device/movement"
)

// Name is the capability name.
const Name = "telescope"

// Axis names. Each axis publishes the movement properties with its name as
// prefix, e.g. "ra_position".
const (
	AxisRA  = "ra"
	AxisDec = "dec"
)

// State is the mount state.
type State string

const (
	StateIdle    State = "IDLE"
	StateSlewing State = "SLEWING"
	StateParking State = "PARKING"
	StateParked  State = "PARKED"
)

// Event names.
const (
	EventSlewStarted     = "SLEW_STARTED"
	EventSlewRedirected  = "SLEW_REDIRECTED"
	EventSlewComplete    = "SLEW_COMPLETE"
	EventSlewRejected    = "SLEW_REJECTED"
	EventAborted         = "ABORTED"
	EventParked          = "PARKED"
	EventUnparked        = "UNPARKED"
	EventSynced          = "SYNCED"
	EventTrackingChanged = "TRACKING_CHANGED"
)

// Property names.
const (
	PropState        = "telescope_state"
	PropRA           = "ra"
	PropDec          = "dec"
	PropTargetRA     = "target_ra"
	PropTargetDec    = "target_dec"
	PropAltitude     = "altitude"
	PropAzimuth      = "azimuth"
	PropLST          = "sidereal_time"
	PropTracking     = "tracking"
	PropTrackingRate = "tracking_rate"
	PropSlewRate     = "slew_rate"
	PropParked       = "parked"
	PropParkRA       = "park_ra"
	PropParkDec      = "park_dec"
	PropLatitude     = "latitude"
	PropLongitude    = "longitude"
	PropPolicy       = "slew_policy"
)

// coords is an equatorial position.
type coords struct {
	ra, dec float64
}

// emission is an event raised under t.mu and emitted after it is released.
type emission struct {
	name    string
	payload map[string]any
}

// Telescope is the mount capability.
//
// Thread Safety: All methods are safe for concurrent use. Property writes
// made by the axes and the mount under t.mu are delivered together when it
// is released.
type Telescope struct {
	cfg Config
	ra  *movement.Mover
	dec *movement.Mover
	now func() time.Time
	dev *device.Device

	// loopInterval is the tick period of the mount loop in time units.
	loopInterval float64

	mu       sync.Mutex
	state    State
	tracking bool
	slewRate int
	parked   bool
	restore  *coords // position to return to on unpark
}

// New validates cfg and creates a telescope capability.
func New(cfg Config) (*Telescope, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	speed := slewSpeed(cfg.SlewRate)
	ra, err := movement.NewMover(movement.Config{
		Min:          0,
		Max:          24,
		Position:     cfg.RA,
		Speed:        speed,
		TickInterval: cfg.TickInterval,
		Policy:       movement.PolicyRedirect,
		Axis:         AxisRA,
	})
	if err != nil {
		return nil, fmt.Errorf("telescope: %w", err)
	}
	dec, err := movement.NewMover(movement.Config{
		Min:          -90,
		Max:          90,
		Position:     cfg.Dec,
		Speed:        speed,
		TickInterval: cfg.TickInterval,
		Policy:       movement.PolicyRedirect,
		Axis:         AxisDec,
	})
	if err != nil {
		return nil, fmt.Errorf("telescope: %w", err)
	}
	return &Telescope{
		cfg:          cfg,
		ra:           ra,
		dec:          dec,
		now:          time.Now,
		loopInterval: cfg.TickInterval,
		state:        StateIdle,
		tracking:     cfg.Tracking,
		slewRate:     cfg.SlewRate,
	}, nil
}

// Name implements device.Capability.
func (t *Telescope) Name() string { return Name }

// Attach implements device.Capability.
func (t *Telescope) Attach(d *device.Device) error {
	t.dev = d
	t.ra.Bind(d)
	t.dec.Bind(d)

	t.lock()
	d.Stage(map[string]any{
		PropState:        string(t.state),
		PropTargetRA:     round(t.cfg.RA, 4),
		PropTargetDec:    round(t.cfg.Dec, 4),
		PropTracking:     t.tracking,
		PropTrackingRate: t.cfg.TrackingRate,
		PropSlewRate:     t.slewRate,
		PropParked:       false,
		PropLatitude:     t.cfg.Latitude,
		PropLongitude:    t.cfg.Longitude,
		PropPolicy:       string(t.cfg.Policy),
	})
	t.stagePosition()
	t.unlock()

	d.Handle(CmdGoto, t.handleGoto)
	d.Handle(CmdSync, t.handleSync)
	d.Handle(CmdAbort, t.handleAbort)
	d.Handle(CmdPark, t.handlePark)
	d.Handle(CmdUnpark, t.handleUnpark)
	d.Handle(CmdSetTracking, t.handleSetTracking)
	d.Handle(CmdSetSlewRate, t.handleSetSlewRate)

	d.Tunable(PropSlewRate, device.IntSetter(PropSlewRate, t.setSlewRate))
	return nil
}

// Start implements device.Capability.
func (t *Telescope) Start(d *device.Device) error {
	return d.Spawn(device.Task{
		Name:     Name + ".mount",
		Interval: t.loopInterval,
		Step:     t.step,
	})
}

// Stop implements device.Stopper. A slew in flight is aborted where it is.
func (t *Telescope) Stop(*device.Device) {
	t.lock()
	var events []emission
	if t.state == StateSlewing || t.state == StateParking {
		events = append(events, t.abortLocked("device stopped"))
	}
	t.unlock()
	t.emitAll(events)
}

// Position returns the current RA in hours and Dec in degrees.
func (t *Telescope) Position() (float64, float64) {
	return t.ra.Position(), t.dec.Position()
}

// State returns the mount state.
func (t *Telescope) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// lock takes t.mu and holds property delivery until unlock, so writes from
// both axes and the mount reach observers as one batch.
func (t *Telescope) lock() {
	t.dev.Hold()
	t.mu.Lock()
}

func (t *Telescope) unlock() {
	t.mu.Unlock()
	t.dev.Release()
}

func (t *Telescope) emitAll(events []emission) {
	for _, e := range events {
		t.dev.Emit(e.name, e.payload)
	}
}

// step advances the mount by one tick.
func (t *Telescope) step(context.Context) error {
	t.lock()
	var events []emission
	switch t.state {
	case StateSlewing, StateParking:
		t.ra.Advance()
		t.dec.Advance()
		if t.ra.State() == movement.StateIdle && t.dec.State() == movement.StateIdle {
			events = append(events, t.arrivedLocked()...)
		}
	case StateIdle:
		if t.tracking && t.cfg.TrackingRate > 0 {
			ra := t.ra.Position() + t.cfg.TrackingRate*t.cfg.TickInterval
			// Both axes are idle here, so Sync cannot fail.
			_ = t.ra.Sync(wrapHours(ra))
		}
	}
	t.stagePosition()
	t.unlock()
	t.emitAll(events)
	return nil
}

// arrivedLocked ends a slew or a park once both axes are idle. Caller holds
// t.mu.
func (t *Telescope) arrivedLocked() []emission {
	ra, dec := t.ra.Position(), t.dec.Position()
	if t.state == StateParking {
		events := []emission{{EventParked, map[string]any{
			"ra":  round(ra, 4),
			"dec": round(dec, 4),
		}}}
		if t.tracking {
			t.tracking = false
			events = append(events, trackingChanged(false, true))
		}
		t.parked = true
		t.state = StateParked
		t.dev.Stage(map[string]any{
			PropState:    string(StateParked),
			PropParked:   true,
			PropTracking: false,
		})
		return events
	}
	t.state = StateIdle
	t.dev.Stage(map[string]any{PropState: string(StateIdle)})
	return []emission{{EventSlewComplete, map[string]any{
		"ra":  round(ra, 4),
		"dec": round(dec, 4),
	}}}
}

// slewLocked aims both axes at to. Caller holds t.mu and has validated to.
func (t *Telescope) slewLocked(to coords, state State) error {
	if _, err := t.ra.Move(to.ra); err != nil {
		return err
	}
	if _, err := t.dec.Move(to.dec); err != nil {
		_, _ = t.ra.Abort()
		return err
	}
	t.state = state
	t.dev.Stage(map[string]any{
		PropState:     string(state),
		PropTargetRA:  round(to.ra, 4),
		PropTargetDec: round(to.dec, 4),
	})
	return nil
}

// abortLocked freezes both axes. Caller holds t.mu and the mount is moving.
func (t *Telescope) abortLocked(reason string) emission {
	was := t.state
	// An axis that already arrived reports ErrNotMoving.
	_, _ = t.ra.Abort()
	_, _ = t.dec.Abort()
	t.state = StateIdle
	ra, dec := t.ra.Position(), t.dec.Position()
	t.dev.Stage(map[string]any{
		PropState:     string(StateIdle),
		PropTargetRA:  round(ra, 4),
		PropTargetDec: round(dec, 4),
	})
	payload := map[string]any{
		"ra":    round(ra, 4),
		"dec":   round(dec, 4),
		"state": string(was),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	return emission{EventAborted, payload}
}

// stagePosition publishes the equatorial and horizontal position. Caller
// holds t.mu.
func (t *Telescope) stagePosition() {
	ra, dec := t.ra.Position(), t.dec.Position()
	lst := siderealTime(t.now(), t.cfg.Longitude)
	alt, az := horizontal(ra, dec, lst, t.cfg.Latitude)
	t.dev.Stage(map[string]any{
		PropRA:       round(ra, 4),
		PropDec:      round(dec, 4),
		PropAltitude: round(alt, 3),
		PropAzimuth:  round(az, 3),
		PropLST:      round(lst, 4),
	})
}

// parkPosition is the celestial pole above the site.
func (t *Telescope) parkPosition() coords {
	if t.cfg.Latitude < 0 {
		return coords{ra: 0, dec: -90}
	}
	return coords{ra: 0, dec: 90}
}

// estimate is the slew time in time units from the current position to to.
func (t *Telescope) estimate(to coords) float64 {
	dist := math.Max(math.Abs(to.ra-t.ra.Position()), math.Abs(to.dec-t.dec.Position()))
	return round(dist/slewSpeed(t.slewRate), 2)
}

func (t *Telescope) setSlewRate(rate int) error {
	if rate < MinSlewRate || rate > MaxSlewRate {
		return fmt.Errorf("%w: slew_rate must be in [%d, %d]", device.ErrInvalidParameter, MinSlewRate, MaxSlewRate)
	}
	t.lock()
	defer t.unlock()
	speed := slewSpeed(rate)
	if err := t.ra.SetSpeed(speed); err != nil {
		return err
	}
	if err := t.dec.SetSpeed(speed); err != nil {
		return err
	}
	t.slewRate = rate
	t.dev.Stage(map[string]any{PropSlewRate: rate})
	return nil
}

func trackingChanged(tracking, previous bool) emission {
	return emission{EventTrackingChanged, map[string]any{
		"tracking": tracking,
		"previous": previous,
	}}
}

package movement

import (
	"fmt"
	"math"
	"sync"

	"github.com/nerrad567/astro-devsim/internal/device"
)

// RotatorName is the rotator capability name.
const RotatorName = "rotator"

// Rotator command names.
const CmdSetLimits = "set_limits"

// EventApproachingLimit fires once per move when the rotator comes within
// LimitWarning degrees of the limit it is heading toward.
const EventApproachingLimit = "APPROACHING_LIMIT"

// Rotator properties.
const (
	PropMoveCount     = "move_count"
	PropTotalDistance = "total_distance"
	PropMaxSpeed      = "max_speed"
)

// LimitWarning is the APPROACHING_LIMIT distance in degrees.
const LimitWarning = 5.0

// RotatorConfig configures a rotator. Angles are degrees, speed is degrees
// per time unit.
type RotatorConfig struct {
	MinPosition  float64 `yaml:"min_position"`
	MaxPosition  float64 `yaml:"max_position"`
	Position     float64 `yaml:"position"`
	Speed        float64 `yaml:"speed"`
	MaxSpeed     float64 `yaml:"max_speed"`
	TickInterval float64 `yaml:"tick_interval"`
}

// DefaultRotatorConfig returns a full-circle rotator.
func DefaultRotatorConfig() RotatorConfig {
	return RotatorConfig{
		MinPosition:  0,
		MaxPosition:  360,
		Speed:        5,
		MaxSpeed:     10,
		TickInterval: 0.1,
	}
}

// Validate checks the configuration.
func (c RotatorConfig) Validate() error {
	if c.MaxPosition <= c.MinPosition {
		return fmt.Errorf("rotator: max_position must exceed min_position")
	}
	if c.Position < c.MinPosition || c.Position > c.MaxPosition {
		return fmt.Errorf("rotator: position must be in [%g, %g]", c.MinPosition, c.MaxPosition)
	}
	if c.Speed <= 0 || c.Speed > c.MaxSpeed {
		return fmt.Errorf("rotator: speed must be in (0, %g]", c.MaxSpeed)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("rotator: tick_interval must be positive")
	}
	return nil
}

// Rotator turns between configurable angular limits. A move while moving
// redirects to the new target; targets outside the limits are rejected.
type Rotator struct {
	cfg   RotatorConfig
	dev   *device.Device
	mover *Mover

	mu       sync.Mutex
	moves    int
	distance float64
	warned   bool
}

// NewRotator validates cfg and creates a rotator capability.
func NewRotator(cfg RotatorConfig) (*Rotator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m, err := NewMover(Config{
		Min:          cfg.MinPosition,
		Max:          cfg.MaxPosition,
		Position:     cfg.Position,
		Speed:        cfg.Speed,
		TickInterval: cfg.TickInterval,
		Policy:       PolicyRedirect,
	})
	if err != nil {
		return nil, err
	}
	return &Rotator{cfg: cfg, mover: m}, nil
}

// Name implements device.Capability.
func (r *Rotator) Name() string { return RotatorName }

// Mover exposes the underlying engine.
func (r *Rotator) Mover() *Mover { return r.mover }

// Attach implements device.Capability.
func (r *Rotator) Attach(d *device.Device) error {
	r.dev = d
	r.mover.Bind(d)
	d.SetMany(map[string]any{
		PropMoveCount:     0,
		PropTotalDistance: 0.0,
		PropMaxSpeed:      r.cfg.MaxSpeed,
	})

	d.Handle(CmdMoveAbsolute, r.handleMoveAbsolute)
	d.Handle(CmdMoveRelative, r.handleMoveRelative)
	d.Handle(CmdAbort, abortHandler(d, r.mover))
	d.Handle(CmdSetLimits, r.handleSetLimits)
	d.Handle(CmdSetSpeed, r.handleSetSpeed)

	d.Tunable(PropSpeed, device.FloatSetter(PropSpeed, r.setSpeed))
	return nil
}

// Start implements device.Capability.
func (r *Rotator) Start(d *device.Device) error {
	return spawnLoop(d, RotatorName, r.mover, r.stepped)
}

// Stop implements device.Stopper.
func (r *Rotator) Stop(*device.Device) {
	r.mover.Halt()
}

// Stats returns the move count and accumulated travel in degrees.
func (r *Rotator) Stats() (int, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.moves, r.distance
}

// unlock releases r.mu and delivers the property changes staged under it.
func (r *Rotator) unlock() {
	r.mu.Unlock()
	r.dev.Notify()
}

// stepped accumulates travel and raises APPROACHING_LIMIT.
func (r *Rotator) stepped(st Step) {
	lo, hi := r.mover.Limits()

	r.mu.Lock()
	r.distance += math.Abs(st.Position - st.Prev)
	total := math.Round(r.distance*1000) / 1000
	r.dev.Stage(map[string]any{PropTotalDistance: total})

	var limit string
	var limitValue float64
	if !r.warned && !st.Arrived {
		switch {
		case st.Position > st.Prev && hi-st.Position <= LimitWarning:
			limit, limitValue = "max", hi
		case st.Position < st.Prev && st.Position-lo <= LimitWarning:
			limit, limitValue = "min", lo
		}
		if limit != "" {
			r.warned = true
		}
	}
	r.unlock()

	if limit != "" {
		r.dev.Emit(EventApproachingLimit, map[string]any{
			"limit":    limit,
			"value":    limitValue,
			"position": math.Round(st.Position*1000) / 1000,
			"distance": math.Round(math.Abs(limitValue-st.Position)*1000) / 1000,
		})
	}
}

func (r *Rotator) submit(target float64, resp *device.Response) {
	move(r.dev, r.mover, target, resp)
	if !resp.OK() {
		return
	}
	r.mu.Lock()
	r.warned = false
	r.moves++
	r.dev.Stage(map[string]any{PropMoveCount: r.moves})
	r.unlock()
}

func (r *Rotator) handleMoveAbsolute(cmd device.Command, resp *device.Response) {
	pos, err := cmd.Parameters.Float("position")
	if err != nil {
		resp.FailErr(err)
		return
	}
	r.submit(pos, resp)
}

func (r *Rotator) handleMoveRelative(cmd device.Command, resp *device.Response) {
	deg, err := cmd.Parameters.Float("degrees")
	if err != nil {
		resp.FailErr(err)
		return
	}
	base := r.mover.Position()
	if r.mover.State() == StateMoving {
		base = r.mover.Target()
	}
	r.submit(base+deg, resp)
}

func (r *Rotator) handleSetLimits(cmd device.Command, resp *device.Response) {
	lo, err := cmd.Parameters.Float("min")
	if err != nil {
		resp.FailErr(err)
		return
	}
	hi, err := cmd.Parameters.Float("max")
	if err != nil {
		resp.FailErr(err)
		return
	}
	if err := r.mover.SetLimits(lo, hi); err != nil {
		resp.FailErr(err)
		return
	}
	resp.Succeed(map[string]any{"min": lo, "max": hi})
}

func (r *Rotator) handleSetSpeed(cmd device.Command, resp *device.Response) {
	speed, err := cmd.Parameters.Float("speed")
	if err == nil {
		err = r.setSpeed(speed)
	}
	if err != nil {
		resp.FailErr(err)
		return
	}
	resp.Succeed(map[string]any{"speed": speed})
}

func (r *Rotator) setSpeed(speed float64) error {
	if speed <= 0 || speed > r.cfg.MaxSpeed {
		return fmt.Errorf("%w: speed must be in (0, %g]", device.ErrInvalidParameter, r.cfg.MaxSpeed)
	}
	return r.mover.SetSpeed(speed)
}

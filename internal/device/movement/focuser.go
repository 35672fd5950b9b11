package movement

import (
	"fmt"

	"github.com/nerrad567/astro-devsim/internal/device"
)

// FocuserName is the focuser capability name.
const FocuserName = "focuser"

// Focuser command names.
const (
	CmdMoveAbsolute   = "move_absolute"
	CmdMoveRelative   = "move_relative"
	CmdSetMaxPosition = "set_max_position"
	CmdSetBacklash    = "set_backlash"
)

// Focuser-only properties.
const (
	PropSpeedLevel  = "speed_level"
	PropTemperature = "temperature"
)

// Focuser limits.
const (
	MinSpeedLevel = 1
	MaxSpeedLevel = 10
	MaxBacklash   = 1000

	// stepsPerLevel converts a speed level into steps per time unit.
	stepsPerLevel = 100
)

// FocuserConfig configures a focuser.
type FocuserConfig struct {
	MaxPosition  int     `yaml:"max_position"`
	Position     int     `yaml:"position"`
	Speed        int     `yaml:"speed"`
	Backlash     int     `yaml:"backlash"`
	TickInterval float64 `yaml:"tick_interval"`
	Temperature  float64 `yaml:"temperature"`
}

// DefaultFocuserConfig returns the stock focuser.
func DefaultFocuserConfig() FocuserConfig {
	return FocuserConfig{
		MaxPosition:  10000,
		Position:     5000,
		Speed:        5,
		TickInterval: 0.1,
		Temperature:  20.0,
	}
}

// Validate checks the configuration.
func (c FocuserConfig) Validate() error {
	if c.MaxPosition <= 0 {
		return fmt.Errorf("focuser: max_position must be positive")
	}
	if c.Position < 0 || c.Position > c.MaxPosition {
		return fmt.Errorf("focuser: position must be in [0, %d]", c.MaxPosition)
	}
	if c.Speed < MinSpeedLevel || c.Speed > MaxSpeedLevel {
		return fmt.Errorf("focuser: speed must be in [%d, %d]", MinSpeedLevel, MaxSpeedLevel)
	}
	if c.Backlash < 0 || c.Backlash > MaxBacklash {
		return fmt.Errorf("focuser: backlash must be in [0, %d]", MaxBacklash)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("focuser: tick_interval must be positive")
	}
	return nil
}

// Focuser moves in whole steps between 0 and max_position. A move while
// moving redirects to the new target.
type Focuser struct {
	cfg   FocuserConfig
	dev   *device.Device
	mover *Mover
}

// NewFocuser validates cfg and creates a focuser capability.
func NewFocuser(cfg FocuserConfig) (*Focuser, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m, err := NewMover(Config{
		Min:          0,
		Max:          float64(cfg.MaxPosition),
		Position:     float64(cfg.Position),
		Speed:        float64(cfg.Speed * stepsPerLevel),
		Backlash:     float64(cfg.Backlash),
		TickInterval: cfg.TickInterval,
		Policy:       PolicyRedirect,
		Integer:      true,
	})
	if err != nil {
		return nil, err
	}
	return &Focuser{cfg: cfg, mover: m}, nil
}

// Name implements device.Capability.
func (f *Focuser) Name() string { return FocuserName }

// Mover exposes the underlying engine.
func (f *Focuser) Mover() *Mover { return f.mover }

// Attach implements device.Capability.
func (f *Focuser) Attach(d *device.Device) error {
	f.dev = d
	f.mover.Bind(d)
	d.SetMany(map[string]any{
		PropSpeedLevel:  f.cfg.Speed,
		PropTemperature: f.cfg.Temperature,
	})

	d.Handle(CmdMoveAbsolute, f.handleMoveAbsolute)
	d.Handle(CmdMoveRelative, f.handleMoveRelative)
	d.Handle(CmdAbort, abortHandler(d, f.mover))
	d.Handle(CmdSetMaxPosition, f.handleSetMaxPosition)
	d.Handle(CmdSetSpeed, f.handleSetSpeed)
	d.Handle(CmdSetBacklash, f.handleSetBacklash)

	d.Tunable(PropSpeedLevel, device.IntSetter(PropSpeedLevel, f.setSpeedLevel))
	d.Tunable(PropBacklash, device.IntSetter(PropBacklash, f.setBacklash))
	return nil
}

// Start implements device.Capability.
func (f *Focuser) Start(d *device.Device) error {
	return spawnLoop(d, FocuserName, f.mover, nil)
}

// Stop implements device.Stopper.
func (f *Focuser) Stop(*device.Device) {
	f.mover.Halt()
}

func (f *Focuser) handleMoveAbsolute(cmd device.Command, resp *device.Response) {
	pos, err := cmd.Parameters.Int("position")
	if err != nil {
		resp.FailErr(err)
		return
	}
	move(f.dev, f.mover, float64(pos), resp)
}

func (f *Focuser) handleMoveRelative(cmd device.Command, resp *device.Response) {
	steps, err := cmd.Parameters.Int("steps")
	if err != nil {
		resp.FailErr(err)
		return
	}
	// Relative moves clamp to the travel range.
	lo, hi := f.mover.Limits()
	target := f.mover.Position() + float64(steps)
	if f.mover.State() == StateMoving {
		target = f.mover.Target() + float64(steps)
	}
	target = max(lo, min(hi, target))
	move(f.dev, f.mover, target, resp)
}

func (f *Focuser) handleSetMaxPosition(cmd device.Command, resp *device.Response) {
	maxPos, err := cmd.Parameters.Int("max_position")
	if err != nil {
		resp.FailErr(err)
		return
	}
	if maxPos <= 0 {
		resp.Failf("%v: max_position must be positive", device.ErrInvalidParameter)
		return
	}
	if err := f.mover.SetLimits(0, float64(maxPos)); err != nil {
		resp.FailErr(err)
		return
	}
	resp.Succeed(map[string]any{"max_position": maxPos})
}

func (f *Focuser) handleSetSpeed(cmd device.Command, resp *device.Response) {
	level, err := cmd.Parameters.Int("speed")
	if err == nil {
		err = f.setSpeedLevel(level)
	}
	if err != nil {
		resp.FailErr(err)
		return
	}
	resp.Succeed(map[string]any{"speed": level})
}

func (f *Focuser) handleSetBacklash(cmd device.Command, resp *device.Response) {
	backlash, err := cmd.Parameters.Int("backlash")
	if err == nil {
		err = f.setBacklash(backlash)
	}
	if err != nil {
		resp.FailErr(err)
		return
	}
	resp.Succeed(map[string]any{"backlash": backlash})
}

func (f *Focuser) setSpeedLevel(level int) error {
	if level < MinSpeedLevel || level > MaxSpeedLevel {
		return fmt.Errorf("%w: speed must be in [%d, %d]", device.ErrInvalidParameter, MinSpeedLevel, MaxSpeedLevel)
	}
	if err := f.mover.SetSpeed(float64(level * stepsPerLevel)); err != nil {
		return err
	}
	f.dev.Set(PropSpeedLevel, level)
	return nil
}

func (f *Focuser) setBacklash(backlash int) error {
	if backlash < 0 || backlash > MaxBacklash {
		return fmt.Errorf("%w: backlash must be in [0, %d]", device.ErrInvalidParameter, MaxBacklash)
	}
	return f.mover.SetBacklash(float64(backlash))
}

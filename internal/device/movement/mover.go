package movement

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/nerrad567/astro-devsim/internal/device"
)

// Policy decides what happens to a move request while already moving.
type Policy string

const (
	// PolicyRedirect replaces the current target (last request wins).
	PolicyRedirect Policy = "REDIRECT"

	// PolicyReject refuses the request and keeps the current move.
	PolicyReject Policy = "REJECT"
)

// State is the movement state.
type State string

const (
	StateIdle   State = "IDLE"
	StateMoving State = "MOVING"
)

// Outcomes recorded in last_move_state.
const (
	OutcomeNone     = "NONE"
	OutcomeComplete = "COMPLETE"
	OutcomeAborted  = "ABORTED"
)

// Event names.
const (
	EventMoveStarted    = "MOVE_STARTED"
	EventMoveRedirected = "MOVE_REDIRECTED"
	EventMoveComplete   = "MOVE_COMPLETE"
	EventMoveAborted    = "MOVE_ABORTED"
	EventMoveRejected   = "MOVE_REJECTED"
)

// Reject reasons.
const (
	ReasonBusy          = "BUSY"
	ReasonOutsideLimits = "OUTSIDE_LIMITS"
)

// Property names.
const (
	PropPosition      = "position"
	PropTarget        = "target_position"
	PropIsMoving      = "is_moving"
	PropMovementState = "movement_state"
	PropLastMoveState = "last_move_state"
	PropSpeed         = "speed"
	PropMinPosition   = "min_position"
	PropMaxPosition   = "max_position"
	PropBacklash      = "backlash"
)

// Errors returned by Mover.
var (
	ErrBusy          = errors.New("already moving")
	ErrNotMoving     = errors.New("not moving")
	ErrOutsideLimits = errors.New("target outside limits")
)

// Config configures a Mover. Positions and speed share one unit; speed is
// per simulation time unit.
type Config struct {
	Min          float64
	Max          float64
	Position     float64
	Speed        float64
	Backlash     float64
	TickInterval float64
	Policy       Policy

	// Integer publishes positions rounded to whole numbers.
	Integer bool

	// Axis names the mover when a device has several. Its properties are
	// prefixed with "<axis>_" and its events carry an "axis" field.
	Axis string
}

// MoveResult describes an accepted move request.
type MoveResult struct {
	From           float64
	To             float64
	PreviousTarget float64
	Redirected     bool
}

// Step is the outcome of one tick.
type Step struct {
	Moving   bool
	Prev     float64
	Position float64
	Target   float64
	Arrived  bool
}

// Mover is the positioning engine. It writes the shared movement
// properties of its device and emits the MOVE_* events.
//
// Thread Safety: All methods are safe for concurrent use.
type Mover struct {
	dev *device.Device

	mu           sync.Mutex
	cfg          Config
	state        State
	outcome      string
	position     float64
	target       float64
	direction    float64 // sign of the last move
	backlashLeft float64
}

// NewMover validates cfg and creates an idle mover.
func NewMover(cfg Config) (*Mover, error) {
	if cfg.Max <= cfg.Min {
		return nil, fmt.Errorf("movement: max %v must exceed min %v", cfg.Max, cfg.Min)
	}
	if cfg.Position < cfg.Min || cfg.Position > cfg.Max {
		return nil, fmt.Errorf("movement: position %v outside [%v, %v]", cfg.Position, cfg.Min, cfg.Max)
	}
	if cfg.Speed <= 0 {
		return nil, fmt.Errorf("movement: speed must be positive")
	}
	if cfg.Backlash < 0 {
		return nil, fmt.Errorf("movement: backlash must not be negative")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 0.1
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyRedirect
	}
	return &Mover{
		cfg:      cfg,
		state:    StateIdle,
		outcome:  OutcomeNone,
		position: cfg.Position,
		target:   cfg.Position,
	}, nil
}

// Bind attaches the mover to d and publishes the initial properties.
func (m *Mover) Bind(d *device.Device) {
	m.dev = d

	m.mu.Lock()
	defer m.unlock()
	d.Stage(map[string]any{
		m.prop(PropPosition):      m.publish(m.position),
		m.prop(PropTarget):        m.publish(m.target),
		m.prop(PropIsMoving):      false,
		m.prop(PropMovementState): string(StateIdle),
		m.prop(PropLastMoveState): m.outcome,
		m.prop(PropSpeed):         m.cfg.Speed,
		m.prop(PropMinPosition):   m.publish(m.cfg.Min),
		m.prop(PropMaxPosition):   m.publish(m.cfg.Max),
		m.prop(PropBacklash):      m.publish(m.cfg.Backlash),
	})
}

// TickInterval returns the loop period in time units.
func (m *Mover) TickInterval() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.TickInterval
}

// Policy returns the conflict policy.
func (m *Mover) Policy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Policy
}

// publish converts an internal position to its property value. Integer is
// fixed at construction, so no lock is needed.
func (m *Mover) publish(v float64) any {
	if m.cfg.Integer {
		return int64(math.Round(v))
	}
	return math.Round(v*1000) / 1000
}

// Move requests a move to target, applying the conflict policy when moving.
// Rejected requests emit MOVE_REJECTED and return ErrBusy or ErrOutsideLimits.
func (m *Mover) Move(target float64) (MoveResult, error) {
	m.mu.Lock()
	if target < m.cfg.Min || target > m.cfg.Max || math.IsNaN(target) {
		limits := [2]float64{m.cfg.Min, m.cfg.Max}
		m.unlock()
		m.reject(target, ReasonOutsideLimits)
		return MoveResult{}, fmt.Errorf("%w: %v not in [%v, %v]", ErrOutsideLimits, target, limits[0], limits[1])
	}

	if m.state == StateMoving {
		if m.cfg.Policy == PolicyReject {
			m.unlock()
			m.reject(target, ReasonBusy)
			return MoveResult{}, ErrBusy
		}
		res := MoveResult{From: m.position, To: target, PreviousTarget: m.target, Redirected: true}
		m.aim(target)
		m.dev.Stage(map[string]any{m.prop(PropTarget): m.publish(target)})
		pos := m.publish(m.position)
		m.unlock()

		m.emit(EventMoveRedirected, map[string]any{
			"position":        pos,
			"previous_target": m.publish(res.PreviousTarget),
			"target":          m.publish(target),
		})
		return res, nil
	}

	res := MoveResult{From: m.position, To: target, PreviousTarget: m.target}
	m.state = StateMoving
	m.aim(target)
	m.dev.Stage(map[string]any{
		m.prop(PropTarget):        m.publish(target),
		m.prop(PropIsMoving):      true,
		m.prop(PropMovementState): string(StateMoving),
	})
	from := m.publish(m.position)
	m.unlock()

	m.emit(EventMoveStarted, map[string]any{
		"from":   from,
		"target": m.publish(target),
	})
	return res, nil
}

// prop returns the device property name for one of the Prop constants.
func (m *Mover) prop(name string) string {
	if m.cfg.Axis == "" {
		return name
	}
	return m.cfg.Axis + "_" + name
}

func (m *Mover) emit(name string, payload map[string]any) {
	if m.cfg.Axis != "" {
		if payload == nil {
			payload = make(map[string]any, 1)
		}
		payload["axis"] = m.cfg.Axis
	}
	m.dev.Emit(name, payload)
}

// unlock releases m.mu and delivers the property changes staged under it.
func (m *Mover) unlock() {
	m.mu.Unlock()
	m.dev.Notify()
}

// aim sets the target and arms backlash compensation on a direction
// reversal. Caller holds m.mu.
func (m *Mover) aim(target float64) {
	m.target = target
	dir := math.Copysign(1, target-m.position)
	if target == m.position {
		return
	}
	if m.direction != 0 && dir != m.direction && m.cfg.Backlash > 0 {
		m.backlashLeft = m.cfg.Backlash
	}
	m.direction = dir
}

func (m *Mover) reject(target float64, reason string) {
	m.emit(EventMoveRejected, map[string]any{
		"target": target,
		"reason": reason,
	})
}

// Abort freezes the position and ends the move.
func (m *Mover) Abort() (float64, error) {
	return m.abort("")
}

func (m *Mover) abort(reason string) (float64, error) {
	m.mu.Lock()
	if m.state != StateMoving {
		m.unlock()
		return 0, ErrNotMoving
	}
	if m.cfg.Integer {
		// Freeze at the published value so the property does not jump.
		m.position = math.Round(m.position)
	}
	target := m.target
	m.finish(OutcomeAborted)
	pos := m.publish(m.position)
	frozen := m.position
	m.unlock()

	payload := map[string]any{
		"position": pos,
		"target":   m.publish(target),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	m.emit(EventMoveAborted, payload)
	return frozen, nil
}

// Halt aborts a move left in flight by a device stop.
func (m *Mover) Halt() {
	_, _ = m.abort("device stopped")
}

// finish ends the current move. Caller holds m.mu.
func (m *Mover) finish(outcome string) {
	m.state = StateIdle
	m.outcome = outcome
	m.target = m.position
	m.backlashLeft = 0
	m.dev.Stage(map[string]any{
		m.prop(PropPosition):      m.publish(m.position),
		m.prop(PropTarget):        m.publish(m.position),
		m.prop(PropIsMoving):      false,
		m.prop(PropMovementState): string(StateIdle),
		m.prop(PropLastMoveState): outcome,
	})
}

// Advance moves one tick toward the target.
func (m *Mover) Advance() Step {
	m.mu.Lock()
	if m.state != StateMoving {
		pos := m.position
		m.unlock()
		return Step{Prev: pos, Position: pos, Target: pos}
	}

	prev := m.position
	travel := m.cfg.Speed * m.cfg.TickInterval
	if m.backlashLeft > 0 {
		used := math.Min(travel, m.backlashLeft)
		m.backlashLeft -= used
		travel -= used
	}

	remaining := m.target - m.position
	arrived := math.Abs(remaining) <= travel
	if arrived {
		m.position = m.target
	} else {
		m.position += math.Copysign(travel, remaining)
	}
	step := Step{Moving: !arrived, Prev: prev, Position: m.position, Target: m.target, Arrived: arrived}

	if arrived {
		m.finish(OutcomeComplete)
	} else {
		m.dev.Stage(map[string]any{m.prop(PropPosition): m.publish(m.position)})
	}
	pos := m.publish(m.position)
	m.unlock()

	if arrived {
		m.emit(EventMoveComplete, map[string]any{"position": pos})
	}
	return step
}

// Position returns the internal position.
func (m *Mover) Position() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

// Target returns the current target.
func (m *Mover) Target() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// State returns the movement state.
func (m *Mover) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Limits returns the position limits.
func (m *Mover) Limits() (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Min, m.cfg.Max
}

// SetSpeed changes the travel speed.
func (m *Mover) SetSpeed(speed float64) error {
	if speed <= 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		return fmt.Errorf("%w: speed must be positive", device.ErrInvalidParameter)
	}
	m.mu.Lock()
	m.cfg.Speed = speed
	m.dev.Stage(map[string]any{m.prop(PropSpeed): speed})
	m.unlock()
	return nil
}

// SetBacklash changes the reversal compensation.
func (m *Mover) SetBacklash(backlash float64) error {
	if backlash < 0 || math.IsNaN(backlash) {
		return fmt.Errorf("%w: backlash must not be negative", device.ErrInvalidParameter)
	}
	m.mu.Lock()
	m.cfg.Backlash = backlash
	m.dev.Stage(map[string]any{m.prop(PropBacklash): m.publish(backlash)})
	m.unlock()
	return nil
}

// Sync redefines the current position without moving. It is refused while
// moving.
func (m *Mover) Sync(pos float64) error {
	m.mu.Lock()
	defer m.unlock()

	if m.state == StateMoving {
		return ErrBusy
	}
	if pos < m.cfg.Min || pos > m.cfg.Max || math.IsNaN(pos) {
		return fmt.Errorf("%w: %v not in [%v, %v]", ErrOutsideLimits, pos, m.cfg.Min, m.cfg.Max)
	}
	m.position = pos
	m.target = pos
	m.direction = 0
	m.dev.Stage(map[string]any{
		m.prop(PropPosition): m.publish(pos),
		m.prop(PropTarget):   m.publish(pos),
	})
	return nil
}

// SetLimits changes the position limits. It is refused while moving or when
// the current position would fall outside.
func (m *Mover) SetLimits(lo, hi float64) error {
	if hi <= lo {
		return fmt.Errorf("%w: max must exceed min", device.ErrInvalidParameter)
	}
	m.mu.Lock()
	defer m.unlock()

	if m.state == StateMoving {
		return ErrBusy
	}
	if m.position < lo || m.position > hi {
		return fmt.Errorf("%w: current position %v outside [%v, %v]", device.ErrInvalidParameter, m.position, lo, hi)
	}
	m.cfg.Min, m.cfg.Max = lo, hi
	m.dev.Stage(map[string]any{
		m.prop(PropMinPosition): m.publish(lo),
		m.prop(PropMaxPosition): m.publish(hi),
	})
	return nil
}

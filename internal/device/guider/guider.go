package guider

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/nerrad567/astro-devsim/internal/device"
)

// Name is the capability name.
const Name = "guider"

// State is the guider session state.
type State string

const (
	StateIdle        State = "IDLE"
	StateCalibrating State = "CALIBRATING"
	StateGuiding     State = "GUIDING"
	StatePaused      State = "PAUSED"
	StateFailed      State = "FAILED"
)

// CalibrationState tracks calibration progress.
type CalibrationState string

const (
	CalIdle      CalibrationState = "IDLE"
	CalNorth     CalibrationState = "NORTH"
	CalSouth     CalibrationState = "SOUTH"
	CalEast      CalibrationState = "EAST"
	CalWest      CalibrationState = "WEST"
	CalCompleted CalibrationState = "COMPLETED"
	CalFailed    CalibrationState = "FAILED"
)

// calibrationOrder is the walk performed during calibration.
var calibrationOrder = []CalibrationState{CalNorth, CalSouth, CalEast, CalWest}

// Event names.
const (
	EventCalibrationStarted   = "CALIBRATION_STARTED"
	EventCalibrationStep      = "CALIBRATION_STEP"
	EventCalibrationCompleted = "CALIBRATION_COMPLETED"
	EventCalibrationFailed    = "CALIBRATION_FAILED"
	EventCalibrationCancelled = "CALIBRATION_CANCELLED"
	EventGuidingStarted       = "GUIDING_STARTED"
	EventGuidingStopped       = "GUIDING_STOPPED"
	EventGuidingPaused        = "GUIDING_PAUSED"
	EventGuidingResumed       = "GUIDING_RESUMED"
	EventGuidingStatus        = "GUIDING_STATUS"
	EventDitherApplied        = "DITHER_APPLIED"
	EventDitherSettled        = "DITHER_SETTLED"
)

// Property names.
const (
	PropState             = "guider_state"
	PropCalibrationState  = "calibration_state"
	PropCalibrated        = "calibrated"
	PropRAAggressiveness  = "ra_aggressiveness"
	PropDecAggressiveness = "dec_aggressiveness"
	PropRAGuideRate       = "ra_guide_rate"
	PropDecGuideRate      = "dec_guide_rate"
	PropPixelScale        = "pixel_scale"
	PropSuccessRate       = "calibration_success_rate"
	PropAutoGuide         = "auto_guide"
	PropSettleThreshold   = "settle_threshold"
	PropSettleFrames      = "settle_frames"
	PropRMS               = "rms"
	PropPeak              = "peak"
	PropFrameCount        = "frame_count"
	PropRAError           = "ra_error"
	PropDecError          = "dec_error"
	PropSettling          = "settling"
	PropDitherIndex       = "dither_index"
	PropRARate            = "calibration_ra_rate"
	PropDecRate           = "calibration_dec_rate"
	PropRAAngle           = "calibration_ra_angle"
	PropLastError         = "last_error"
)

// errStarLost is the simulated calibration failure.
var errStarLost = errors.New("guide star lost during calibration")

// Deps are the guider's collaborators.
type Deps struct {
	// Random drives seeing noise, calibration outcome and geometry.
	Random device.Random
}

// calibration holds the result of a successful calibration.
type calibration struct {
	raRate, decRate   float64
	raAngle, decAngle float64
}

// Guider is the guider capability.
//
// Thread Safety: state is owned by mu. Properties are staged under mu;
// property changes and events are delivered after it is released.
type Guider struct {
	cfg  Config
	rand device.Random
	dev  *device.Device

	mu       sync.Mutex
	p        params
	state    State
	calState CalibrationState
	calFrame int
	cal      *calibration

	// guiding
	frames      int
	rms, peak   float64
	errRA       float64
	errDec      float64
	settling    bool
	settleCount int
	ditherFrame int

	// cursor is the next dither sequence index.
	cursor int
}

// New validates cfg and creates a guider capability.
func New(cfg Config, deps Deps) (*Guider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Random == nil {
		deps.Random = device.NewRandom(1)
	}
	cfg.DitherSequence = append([]Offset(nil), cfg.DitherSequence...)
	return &Guider{
		cfg:      cfg,
		rand:     deps.Random,
		p:        cfg.params(),
		state:    StateIdle,
		calState: CalIdle,
	}, nil
}

// Name implements device.Capability.
func (g *Guider) Name() string { return Name }

// Attach implements device.Capability.
func (g *Guider) Attach(d *device.Device) error {
	g.dev = d

	g.mu.Lock()
	d.Stage(map[string]any{
		PropState:            string(g.state),
		PropCalibrationState: string(g.calState),
		PropCalibrated:       false,
		PropRMS:              0.0,
		PropPeak:             0.0,
		PropFrameCount:       0,
		PropRAError:          0.0,
		PropDecError:         0.0,
		PropSettling:         false,
		PropDitherIndex:      -1,
		PropLastError:        "",
	})
	g.publishParams()
	g.unlock()

	d.Handle(CmdStartCalibration, g.handleStartCalibration)
	d.Handle(CmdCancelCalibration, g.handleCancelCalibration)
	d.Handle(CmdStartGuiding, g.handleStartGuiding)
	d.Handle(CmdStopGuiding, g.handleStopGuiding)
	d.Handle(CmdPauseGuiding, g.handlePauseGuiding)
	d.Handle(CmdResumeGuiding, g.handleResumeGuiding)
	d.Handle(CmdDither, g.handleDither)
	d.Handle(CmdSetParameters, g.handleSetParameters)
	d.Handle(CmdGetCalibration, g.handleGetCalibration)

	for _, name := range tunableNames {
		d.Tunable(name, g.tunable(name))
	}
	return nil
}

// Start implements device.Capability.
func (g *Guider) Start(d *device.Device) error {
	return d.Spawn(device.Task{
		Name:     Name + ".frame",
		Interval: g.cfg.FrameInterval,
		Step:     g.frameStep,
		OnFault:  g.fail,
	})
}

// Stop implements device.Stopper. An active session ends as if cancelled.
func (g *Guider) Stop(*device.Device) {
	g.mu.Lock()
	var event string
	switch g.state {
	case StateCalibrating:
		g.state = StateIdle
		g.calState = CalIdle
		g.calFrame = 0
		event = EventCalibrationCancelled
	case StateGuiding, StatePaused:
		g.state = StateIdle
		g.settling = false
		event = EventGuidingStopped
	default:
		g.unlock()
		return
	}
	g.publishState()
	g.unlock()

	g.dev.Emit(event, map[string]any{"reason": "device stopped"})
}

// State returns the session state.
func (g *Guider) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// CalibrationState returns the calibration progress.
func (g *Guider) CalibrationState() CalibrationState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calState
}

// unlock releases g.mu and delivers the property changes staged under it.
func (g *Guider) unlock() {
	g.mu.Unlock()
	g.dev.Notify()
}

// publishState writes the state properties. Caller holds g.mu.
func (g *Guider) publishState() {
	g.dev.Stage(map[string]any{
		PropState:            string(g.state),
		PropCalibrationState: string(g.calState),
		PropCalibrated:       g.cal != nil,
		PropSettling:         g.settling,
	})
}

// publishParams writes the tunable parameters. Caller holds g.mu.
func (g *Guider) publishParams() {
	g.dev.Stage(map[string]any{
		PropRAAggressiveness:  g.p.raAgg,
		PropDecAggressiveness: g.p.decAgg,
		PropRAGuideRate:       g.p.raRate,
		PropDecGuideRate:      g.p.decRate,
		PropPixelScale:        g.p.pixelScale,
		PropSuccessRate:       g.p.successRate,
		PropAutoGuide:         g.p.autoGuide,
		PropSettleThreshold:   g.p.settleThreshold,
		PropSettleFrames:      g.p.settleFrames,
	})
}

// emission is an event queued under the lock and emitted after it.
type emission struct {
	name    string
	payload map[string]any
}

// frameStep processes one guide frame.
func (g *Guider) frameStep(context.Context) error {
	g.mu.Lock()
	var out []emission
	switch g.state {
	case StateCalibrating:
		out = g.calibrateFrame()
	case StateGuiding:
		out = g.guideFrame()
	}
	g.unlock()

	for _, e := range out {
		g.dev.Emit(e.name, e.payload)
	}
	return nil
}

// calibrateFrame advances calibration by one frame. Caller holds g.mu.
func (g *Guider) calibrateFrame() []emission {
	steps := g.cfg.CalibrationSteps
	g.calFrame++

	if g.calFrame < len(calibrationOrder)*steps {
		next := calibrationOrder[g.calFrame/steps]
		if next == g.calState {
			return nil
		}
		g.calState = next
		g.dev.Stage(map[string]any{PropCalibrationState: string(next)})
		return []emission{{EventCalibrationStep, map[string]any{
			"step":      g.calFrame/steps + 1,
			"direction": string(next),
		}}}
	}

	g.calFrame = 0
	if g.rand.Float64() >= g.p.successRate {
		g.state = StateFailed
		g.calState = CalFailed
		g.dev.Stage(map[string]any{PropLastError: errStarLost.Error()})
		g.publishState()
		return []emission{{EventCalibrationFailed, map[string]any{"reason": errStarLost.Error()}}}
	}

	// Guide speed in arcsec per second over the frame, in pixels per frame.
	const siderealRate = 15.0
	jitter := func() float64 { return 1 + g.rand.NormFloat64()*0.02 }
	angle := g.rand.Float64() * 360
	g.cal = &calibration{
		raRate:   round3(g.p.raRate * siderealRate * g.cfg.FrameInterval / g.p.pixelScale * jitter()),
		decRate:  round3(g.p.decRate * siderealRate * g.cfg.FrameInterval / g.p.pixelScale * jitter()),
		raAngle:  round3(angle),
		decAngle: round3(math.Mod(angle+90, 360)),
	}
	g.calState = CalCompleted
	g.state = StateIdle
	out := []emission{{EventCalibrationCompleted, g.calibrationDetails()}}

	g.dev.Stage(map[string]any{
		PropRARate:    g.cal.raRate,
		PropDecRate:   g.cal.decRate,
		PropRAAngle:   g.cal.raAngle,
		PropLastError: "",
	})
	if g.p.autoGuide {
		out = append(out, g.beginGuiding())
	}
	g.publishState()
	return out
}

func (g *Guider) calibrationDetails() map[string]any {
	return map[string]any{
		"ra_rate":   g.cal.raRate,
		"dec_rate":  g.cal.decRate,
		"ra_angle":  g.cal.raAngle,
		"dec_angle": g.cal.decAngle,
	}
}

// beginGuiding resets guiding statistics and enters GUIDING. Caller holds
// g.mu and publishes state afterwards.
func (g *Guider) beginGuiding() emission {
	g.state = StateGuiding
	g.frames = 0
	g.rms, g.peak = 0, 0
	g.errRA, g.errDec = 0, 0
	g.settling = false
	g.settleCount = 0
	return emission{EventGuidingStarted, nil}
}

// guideFrame applies seeing noise and one correction. Caller holds g.mu.
func (g *Guider) guideFrame() []emission {
	g.errRA = g.errRA*(1-g.p.raAgg) + g.rand.NormFloat64()*g.cfg.Seeing
	g.errDec = g.errDec*(1-g.p.decAgg) + g.rand.NormFloat64()*g.cfg.Seeing
	total := math.Hypot(g.errRA, g.errDec)

	g.frames++
	g.peak = math.Max(g.peak, total)
	if g.frames == 1 {
		g.rms = total
	} else {
		g.rms = g.rms*0.9 + total*0.1
	}

	var out []emission
	if g.settling {
		g.ditherFrame++
		if total < g.p.settleThreshold {
			g.settleCount++
		} else {
			g.settleCount = 0
		}
		if g.settleCount >= g.p.settleFrames {
			g.settling = false
			out = append(out, emission{EventDitherSettled, map[string]any{
				"frames": g.ditherFrame,
				"error":  round3(total),
			}})
		}
	}
	if g.frames%g.cfg.StatusEvery == 0 {
		out = append(out, emission{EventGuidingStatus, g.statusDetails()})
	}

	g.dev.Stage(map[string]any{
		PropRMS:        round3(g.rms),
		PropPeak:       round3(g.peak),
		PropFrameCount: g.frames,
		PropRAError:    round3(g.errRA),
		PropDecError:   round3(g.errDec),
		PropSettling:   g.settling,
	})
	return out
}

func (g *Guider) statusDetails() map[string]any {
	return map[string]any{
		"state":    string(g.state),
		"rms":      round3(g.rms),
		"peak":     round3(g.peak),
		"frames":   g.frames,
		"settling": g.settling,
	}
}

// fail records a recovered loop fault. A calibration in progress fails.
func (g *Guider) fail(err error) {
	g.mu.Lock()
	g.dev.Stage(map[string]any{PropLastError: err.Error()})
	if g.state != StateCalibrating {
		g.unlock()
		return
	}
	g.state = StateFailed
	g.calState = CalFailed
	g.calFrame = 0
	g.publishState()
	g.unlock()

	g.dev.Emit(EventCalibrationFailed, map[string]any{"reason": err.Error()})
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

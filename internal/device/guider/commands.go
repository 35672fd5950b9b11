package guider

import (
	"fmt"

	"github.com/nerrad567/astro-devsim/internal/device"
)

// Command names.
const (
	CmdStartCalibration  = "start_calibration"
	CmdCancelCalibration = "cancel_calibration"
	CmdStartGuiding      = "start_guiding"
	CmdStopGuiding       = "stop_guiding"
	CmdPauseGuiding      = "pause_guiding"
	CmdResumeGuiding     = "resume_guiding"
	CmdDither            = "dither"
	CmdSetParameters     = "set_parameters"
	CmdGetCalibration    = "get_calibration"
)

// Response messages.
const (
	msgNotConnected   = "guider not connected"
	msgBusy           = "Guider busy"
	msgNotCalibrating = "No calibration in progress"
	msgNotCalibrated  = "Failed to start guiding, ensure the device is calibrated"
	msgNotGuiding     = "Cannot dither: not guiding"
	msgNotActive      = "Guider is not guiding"
	msgNotPaused      = "Guider is not paused"
)

// Error codes placed in the error detail.
const (
	codeNotGuiding = "NOT_GUIDING"
	codeNotCalib   = "NOT_CALIBRATED"
)

func (g *Guider) running(resp *device.Response) bool {
	if !g.dev.Running() {
		resp.Fail(msgNotConnected)
		return false
	}
	return true
}

func (g *Guider) handleStartCalibration(_ device.Command, resp *device.Response) {
	if !g.running(resp) {
		return
	}
	g.mu.Lock()
	if g.state == StateCalibrating || g.state == StateGuiding || g.state == StatePaused {
		state := g.state
		g.unlock()
		resp.Fail(msgBusy)
		resp.Set("state", string(state))
		return
	}
	g.state = StateCalibrating
	g.calState = calibrationOrder[0]
	g.calFrame = 0
	g.cal = nil
	g.dev.Stage(map[string]any{PropLastError: ""})
	g.publishState()
	frames := len(calibrationOrder) * g.cfg.CalibrationSteps
	g.unlock()

	g.dev.Emit(EventCalibrationStarted, map[string]any{"frames": frames})
	g.dev.Emit(EventCalibrationStep, map[string]any{"step": 1, "direction": string(CalNorth)})
	resp.Succeed(map[string]any{
		"message":           "Calibration started",
		"calibration_state": string(CalNorth),
	})
}

func (g *Guider) handleCancelCalibration(_ device.Command, resp *device.Response) {
	if !g.running(resp) {
		return
	}
	g.mu.Lock()
	if g.state != StateCalibrating {
		g.unlock()
		resp.Fail(msgNotCalibrating)
		return
	}
	was := g.calState
	g.state = StateIdle
	g.calState = CalIdle
	g.calFrame = 0
	g.publishState()
	g.unlock()

	g.dev.Emit(EventCalibrationCancelled, map[string]any{"calibration_state": string(was)})
	resp.Succeed(map[string]any{"message": "Calibration cancelled"})
}

func (g *Guider) handleStartGuiding(_ device.Command, resp *device.Response) {
	if !g.running(resp) {
		return
	}
	g.mu.Lock()
	switch {
	case g.state == StateGuiding || g.state == StatePaused || g.state == StateCalibrating:
		g.unlock()
		resp.Fail(msgBusy)
		return
	case g.cal == nil:
		g.unlock()
		resp.Fail(msgNotCalibrated)
		resp.Set("error", codeNotCalib)
		return
	}
	ev := g.beginGuiding()
	g.publishState()
	g.unlock()

	g.dev.Emit(ev.name, ev.payload)
	resp.Succeed(map[string]any{"message": "Guiding started"})
}

func (g *Guider) handleStopGuiding(_ device.Command, resp *device.Response) {
	if !g.running(resp) {
		return
	}
	g.mu.Lock()
	if g.state != StateGuiding && g.state != StatePaused {
		g.unlock()
		resp.Fail(msgNotActive)
		return
	}
	g.state = StateIdle
	g.settling = false
	details := g.statusDetails()
	g.publishState()
	g.unlock()

	g.dev.Emit(EventGuidingStopped, details)
	resp.Succeed(map[string]any{"message": "Guiding stopped"})
}

func (g *Guider) handlePauseGuiding(_ device.Command, resp *device.Response) {
	if !g.running(resp) {
		return
	}
	g.mu.Lock()
	if g.state != StateGuiding {
		g.unlock()
		resp.Fail(msgNotActive)
		return
	}
	g.state = StatePaused
	g.publishState()
	g.unlock()

	g.dev.Emit(EventGuidingPaused, nil)
	resp.Succeed(map[string]any{"message": "Guiding paused"})
}

func (g *Guider) handleResumeGuiding(_ device.Command, resp *device.Response) {
	if !g.running(resp) {
		return
	}
	g.mu.Lock()
	if g.state != StatePaused {
		g.unlock()
		resp.Fail(msgNotPaused)
		return
	}
	g.state = StateGuiding
	g.publishState()
	g.unlock()

	g.dev.Emit(EventGuidingResumed, nil)
	resp.Succeed(map[string]any{"message": "Guiding resumed"})
}

func (g *Guider) handleDither(cmd device.Command, resp *device.Response) {
	amount, err := cmd.Parameters.Float("amount")
	if err != nil {
		resp.FailErr(err)
		return
	}
	if amount <= 0 {
		resp.Failf("%v: amount must be positive", device.ErrInvalidParameter)
		return
	}
	settle, err := cmd.Parameters.BoolOr("settle", true)
	if err != nil {
		resp.FailErr(err)
		return
	}
	if !g.running(resp) {
		return
	}

	g.mu.Lock()
	if g.state != StateGuiding {
		g.unlock()
		resp.Fail(msgNotGuiding)
		resp.Set("error", codeNotGuiding)
		return
	}
	index := g.cursor
	g.cursor = (g.cursor + 1) % len(g.cfg.DitherSequence)
	off := g.cfg.DitherSequence[index]
	dRA, dDec := round3(off.RA*amount), round3(off.Dec*amount)

	// A dither is a one-off perturbation of the error the loop then removes.
	g.errRA += dRA
	g.errDec += dDec
	g.settling = settle
	g.settleCount = 0
	g.ditherFrame = 0
	g.dev.Stage(map[string]any{
		PropDitherIndex: index,
		PropSettling:    settle,
	})
	g.unlock()

	details := map[string]any{
		"index":      index,
		"amount":     amount,
		"ra_offset":  dRA,
		"dec_offset": dDec,
		"settling":   settle,
	}
	g.dev.Emit(EventDitherApplied, details)
	resp.Succeed(details)
}

// tunableNames are the parameters set_parameters and set_property accept.
var tunableNames = []string{
	PropRAAggressiveness,
	PropDecAggressiveness,
	PropRAGuideRate,
	PropDecGuideRate,
	PropPixelScale,
	PropSuccessRate,
	PropAutoGuide,
	PropSettleThreshold,
	PropSettleFrames,
}

func (g *Guider) handleSetParameters(cmd device.Command, resp *device.Response) {
	applied, err := g.applyParams(cmd.Parameters)
	if err != nil {
		resp.FailErr(err)
		return
	}
	resp.Succeed(applied)
}

// tunable routes set_property for one parameter through applyParams.
func (g *Guider) tunable(name string) device.Validator {
	return func(v any) (any, error) {
		applied, err := g.applyParams(device.Params{name: v})
		if err != nil {
			return nil, err
		}
		return applied[name], nil
	}
}

// applyParams overlays the parameters present in in, validates the result
// and publishes it. Nothing changes on error.
func (g *Guider) applyParams(in device.Params) (map[string]any, error) {
	g.mu.Lock()
	defer g.unlock()
	p := g.p

	floats := []struct {
		key string
		dst *float64
	}{
		{PropRAAggressiveness, &p.raAgg},
		{PropDecAggressiveness, &p.decAgg},
		{PropRAGuideRate, &p.raRate},
		{PropDecGuideRate, &p.decRate},
		{PropPixelScale, &p.pixelScale},
		{PropSuccessRate, &p.successRate},
		{PropSettleThreshold, &p.settleThreshold},
	}
	for _, f := range floats {
		v, err := in.FloatOr(f.key, *f.dst)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	var err error
	if p.settleFrames, err = in.IntOr(PropSettleFrames, p.settleFrames); err != nil {
		return nil, err
	}
	if p.autoGuide, err = in.BoolOr(PropAutoGuide, p.autoGuide); err != nil {
		return nil, err
	}
	if err := validateParams(p); err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrInvalidParameter, err)
	}

	g.p = p
	g.publishParams()

	return map[string]any{
		PropRAAggressiveness:  p.raAgg,
		PropDecAggressiveness: p.decAgg,
		PropRAGuideRate:       p.raRate,
		PropDecGuideRate:      p.decRate,
		PropPixelScale:        p.pixelScale,
		PropSuccessRate:       p.successRate,
		PropAutoGuide:         p.autoGuide,
		PropSettleThreshold:   p.settleThreshold,
		PropSettleFrames:      p.settleFrames,
	}, nil
}

func (g *Guider) handleGetCalibration(_ device.Command, resp *device.Response) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cal == nil {
		resp.Succeed(map[string]any{"calibrated": false, "calibration_state": string(g.calState)})
		return
	}
	details := g.calibrationDetails()
	details["calibrated"] = true
	details["calibration_state"] = string(g.calState)
	resp.Succeed(details)
}

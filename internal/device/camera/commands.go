package camera

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nerrad567/astro-devsim/internal/device"
)

// Command names.
const (
	CmdStartExposure = "start_exposure"
	CmdAbortExposure = "abort_exposure"
	CmdGetImage      = "get_image"
	CmdSetGain       = "set_gain"
	CmdSetOffset     = "set_offset"
	CmdSetBinning    = "set_binning"
	CmdSetCooler     = "set_cooler"
)

// Response messages.
const (
	msgBusy         = "Failed to start exposure, camera busy"
	msgNoExposure   = "No exposure in progress to abort"
	msgNoImage      = "No image available"
	msgNotConnected = "camera not connected"
	msgNoCooler     = "camera has no cooler"
)

var errBinningBusy = errors.New("cannot change binning during exposure")

func (c *Camera) handleStartExposure(cmd device.Command, resp *device.Response) {
	duration, err := cmd.Parameters.Float("duration")
	if err != nil {
		resp.FailErr(err)
		return
	}
	if duration <= 0 || duration > c.cfg.MaxExposure {
		resp.Failf("%v: duration must be in (0, %g]", device.ErrInvalidParameter, c.cfg.MaxExposure)
		return
	}
	light, err := lightFlag(cmd.Parameters)
	if err != nil {
		resp.FailErr(err)
		return
	}
	if !c.dev.Running() {
		resp.Fail(msgNotConnected)
		return
	}

	now := c.now()
	j := &job{
		id:       uuid.NewString(),
		duration: duration,
		light:    light,
		started:  now,
		reported: now,
		state:    StateExposing,
	}

	c.mu.Lock()
	if active(c.state) {
		c.unlock()
		resp.Fail(msgBusy)
		return
	}
	c.job = j
	c.state = StateExposing
	c.dev.Stage(map[string]any{
		PropState:              string(StateExposing),
		PropLastJobState:       string(StateExposing),
		PropExposureInProgress: true,
		PropExposureDuration:   duration,
		PropExposureProgress:   0.0,
		PropExposureLight:      light,
		PropJobID:              j.id,
		PropImageReady:         false,
	})
	c.unlock()

	c.dev.Emit(EventExposureStarted, map[string]any{
		"job_id":   j.id,
		"duration": duration,
		"is_light": light,
	})
	resp.Succeed(map[string]any{
		"job_id":   j.id,
		"duration": duration,
		"is_light": light,
	})
}

// lightFlagKeys are the accepted spellings of the frame type flag.
var lightFlagKeys = []string{"isLight", "is_light", "light"}

// lightFlag reads the frame type flag, defaulting to a light frame. Giving
// more than one spelling with different values is an error.
func lightFlag(p device.Params) (bool, error) {
	light, seen := true, ""
	for _, key := range lightFlagKeys {
		if !p.Has(key) {
			continue
		}
		v, err := p.Bool(key)
		if err != nil {
			return false, err
		}
		if seen != "" && v != light {
			return false, fmt.Errorf("%w: %s and %s disagree", device.ErrInvalidParameter, seen, key)
		}
		light, seen = v, key
	}
	return light, nil
}

func (c *Camera) handleAbortExposure(_ device.Command, resp *device.Response) {
	c.mu.Lock()
	j := c.job
	if j == nil || !active(c.state) {
		c.unlock()
		resp.Fail(msgNoExposure)
		return
	}
	elapsed := c.elapsed(j)
	c.finishLocked(j, StateIdle, StateAborted)
	c.unlock()

	c.dev.Emit(EventExposureAborted, map[string]any{
		"job_id":        j.id,
		"exposure_time": round(elapsed, 3),
	})
	resp.Succeed(map[string]any{
		"job_id":        j.id,
		"exposure_time": round(elapsed, 3),
	})
}

func (c *Camera) handleGetImage(_ device.Command, resp *device.Response) {
	c.mu.Lock()
	img := c.lastImage
	c.unlock()

	if img == nil {
		resp.Fail(msgNoImage)
		return
	}
	resp.Succeed(map[string]any{
		"job_id":        img.jobID,
		"image_ref":     img.ref.Key,
		"uri":           img.ref.URI,
		"backend":       img.ref.Backend,
		"size":          img.ref.Size,
		"width":         img.width,
		"height":        img.height,
		"bit_depth":     img.bitDepth,
		"exposure_time": img.exposure,
		"is_light":      img.light,
	})
}

func (c *Camera) handleSetGain(cmd device.Command, resp *device.Response) {
	gain, err := cmd.Parameters.Int("gain")
	if err == nil {
		err = c.setGain(gain)
	}
	if err != nil {
		resp.FailErr(err)
		return
	}
	resp.Succeed(map[string]any{"gain": gain})
}

func (c *Camera) handleSetOffset(cmd device.Command, resp *device.Response) {
	offset, err := cmd.Parameters.Int("offset")
	if err == nil {
		err = c.setOffset(offset)
	}
	if err != nil {
		resp.FailErr(err)
		return
	}
	resp.Succeed(map[string]any{"offset": offset})
}

func (c *Camera) handleSetBinning(cmd device.Command, resp *device.Response) {
	binning, err := cmd.Parameters.Int("binning")
	if err == nil {
		err = c.setBinning(binning)
	}
	if err != nil {
		resp.FailErr(err)
		return
	}
	c.mu.Lock()
	w, h := c.binnedSize()
	c.mu.Unlock()
	resp.Succeed(map[string]any{"binning": binning, "width": w, "height": h})
}

func (c *Camera) setGain(gain int) error {
	if gain < 0 || gain > c.cfg.MaxGain {
		return fmt.Errorf("%w: gain must be between 0 and %d", device.ErrInvalidParameter, c.cfg.MaxGain)
	}
	c.mu.Lock()
	c.gain = gain
	c.dev.Stage(map[string]any{PropGain: gain})
	c.unlock()
	return nil
}

func (c *Camera) setOffset(offset int) error {
	if offset < 0 || offset > c.cfg.MaxOffset {
		return fmt.Errorf("%w: offset must be between 0 and %d", device.ErrInvalidParameter, c.cfg.MaxOffset)
	}
	c.mu.Lock()
	c.offset = offset
	c.dev.Stage(map[string]any{PropOffset: offset})
	c.unlock()
	return nil
}

func (c *Camera) setBinning(binning int) error {
	if binning < 1 || binning > c.cfg.MaxBinning {
		return fmt.Errorf("%w: binning must be between 1 and %d", device.ErrInvalidParameter, c.cfg.MaxBinning)
	}
	c.mu.Lock()
	if active(c.state) {
		c.mu.Unlock()
		return errBinningBusy
	}
	c.binning = binning
	c.dev.Stage(map[string]any{PropBinning: binning})
	c.unlock()
	return nil
}

func (c *Camera) handleSetCooler(cmd device.Command, resp *device.Response) {
	if !c.cfg.HasCooler {
		resp.Fail(msgNoCooler)
		return
	}
	enabled, err := cmd.Parameters.Bool("enabled")
	if err != nil {
		resp.FailErr(err)
		return
	}

	c.mu.Lock()
	target, err := cmd.Parameters.FloatOr("temperature", c.cooler.target)
	if err != nil {
		c.unlock()
		resp.FailErr(err)
		return
	}
	target = clamp(target, MinTargetTemperature, MaxTargetTemperature)

	prevEnabled, prevTarget := c.cooler.enabled, c.cooler.target
	c.cooler.enabled = enabled
	c.cooler.target = target
	c.dev.Stage(map[string]any{
		PropCoolerEnabled:     enabled,
		PropTargetTemperature: target,
	})
	c.unlock()

	payload := map[string]any{
		"enabled":                     enabled,
		"previous_enabled":            prevEnabled,
		"target_temperature":          target,
		"previous_target_temperature": prevTarget,
	}
	c.dev.Emit(EventCoolerChanged, payload)
	resp.Succeed(map[string]any{
		"enabled":            enabled,
		"target_temperature": target,
	})
}

// errorMessage renders err for events and properties.
func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprint(err)
}

package camera

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/astro-devsim/internal/imagestore"
)

// exposureStep advances the active job by one tick.
func (c *Camera) exposureStep(ctx context.Context) error {
	c.mu.Lock()
	j := c.job
	if j == nil || !active(c.state) {
		c.unlock()
		return nil
	}
	now := c.now()

	tb := c.dev.Timebase()
	switch c.state {
	case StateExposing:
		elapsed := tb.Units(now.Sub(j.started))
		if elapsed < j.duration {
			if tb.Units(now.Sub(j.reported)) < c.cfg.ProgressInterval {
				c.unlock()
				return nil
			}
			j.reported = now
			progress := round(elapsed/j.duration*100, 1)
			c.dev.Stage(map[string]any{PropExposureProgress: progress})
			c.unlock()

			c.dev.Emit(EventExposureProgress, map[string]any{
				"job_id":    j.id,
				"progress":  progress,
				"elapsed":   round(elapsed, 3),
				"remaining": round(j.duration-elapsed, 3),
			})
			return nil
		}

		j.state = StateReadingOut
		c.state = StateReadingOut
		c.dev.Stage(map[string]any{
			PropState:            string(StateReadingOut),
			PropLastJobState:     string(StateReadingOut),
			PropExposureProgress: 100.0,
		})
		c.unlock()

		c.dev.Emit(EventReadingOut, map[string]any{
			"job_id":        j.id,
			"exposure_time": j.duration,
		})
		return nil

	case StateReadingOut:
		// Readout is timed from the end of the exposure, not from the tick
		// that noticed it.
		if j.claimed || tb.Units(now.Sub(j.started)) < j.duration+c.cfg.ReadoutTime {
			c.unlock()
			return nil
		}
		j.claimed = true
		w, h := c.binnedSize()
		frame := Frame{
			Width:    w,
			Height:   h,
			BitDepth: c.cfg.BitDepth,
			Gain:     c.gain,
			Offset:   c.offset,
			Exposure: j.duration,
			Light:    j.light,
		}
		c.unlock()

		c.readout(ctx, j, frame)
		return nil
	}

	c.unlock()
	return nil
}

// storeTimeout bounds one frame upload.
const storeTimeout = 30 * time.Second

// readout synthesizes and stores the frame for j, then commits the result if
// j is still the active job. A tick in flight completes even when the device
// is stopping, so the upload does not inherit cancellation.
func (c *Camera) readout(ctx context.Context, j *job, frame Frame) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	data, err := c.synthesize(frame, c.rng)
	if err != nil {
		c.failJob(j, fmt.Errorf("image synthesis failed: %w", err))
		return
	}

	meta := imagestore.Meta{
		DeviceID:    c.dev.ID(),
		JobID:       j.id,
		Width:       frame.Width,
		Height:      frame.Height,
		BitDepth:    frame.BitDepth,
		Exposure:    frame.Exposure,
		Light:       frame.Light,
		ContentType: imagestore.ContentTypeRaw,
		CreatedAt:   time.Now().UTC(),
	}
	ref, err := c.store.Put(ctx, imagestore.Key(c.dev.ID(), j.id), data, meta)
	if err != nil {
		c.failJob(j, fmt.Errorf("image storage failed: %w", err))
		return
	}

	c.mu.Lock()
	if c.job != j || c.state != StateReadingOut {
		c.unlock()
		// Aborted while reading out; the frame is orphaned.
		if err := c.store.Delete(ctx, ref.Key); err != nil {
			c.dev.Logger().Warn("orphaned frame not deleted", "device_id", c.dev.ID(), "key", ref.Key, "error", err)
		}
		return
	}
	c.lastImage = &image{
		ref:      ref,
		jobID:    j.id,
		width:    frame.Width,
		height:   frame.Height,
		bitDepth: frame.BitDepth,
		exposure: j.duration,
		light:    j.light,
	}
	c.dev.Stage(map[string]any{
		PropImageReady: true,
		PropImageRef:   ref.Key,
		PropImageBytes: ref.Size,
		PropLastError:  "",
	})
	c.finishLocked(j, StateComplete, StateComplete)
	c.unlock()

	c.dev.Emit(EventExposureComplete, map[string]any{
		"job_id":        j.id,
		"exposure_time": j.duration,
		"is_light":      j.light,
		"image_size": map[string]any{
			"width":  frame.Width,
			"height": frame.Height,
			"bytes":  ref.Size,
		},
		"image_ref": ref.Key,
	})
}

// failJob moves j to ERROR if it is still the active job.
func (c *Camera) failJob(j *job, err error) {
	c.mu.Lock()
	if c.job != j || !active(c.state) {
		c.unlock()
		return
	}
	c.dev.Stage(map[string]any{PropLastError: errorMessage(err)})
	c.finishLocked(j, StateError, StateError)
	c.unlock()

	c.dev.Logger().Warn("exposure failed", "device_id", c.dev.ID(), "job_id", j.id, "error", err)
	c.dev.Emit(EventExposureError, map[string]any{
		"job_id": j.id,
		"error":  errorMessage(err),
	})
}

// failActive is the exposure loop's fault handler: a panic or error that
// escaped a tick fails whatever job is active.
func (c *Camera) failActive(err error) {
	c.mu.Lock()
	j := c.job
	c.unlock()
	if j != nil {
		c.failJob(j, err)
	}
}

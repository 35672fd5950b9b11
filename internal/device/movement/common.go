package movement

import (
	"context"
	"errors"

	"github.com/nerrad567/astro-devsim/internal/device"
)

// Shared command names.
const (
	CmdAbort    = "abort"
	CmdSetSpeed = "set_speed"
)

const (
	msgNotConnected = "device not connected"
	msgNotMoving    = "No movement in progress to abort"
	msgBusy         = "Device is already moving"
)

// spawnLoop starts the movement loop for m. after, if set, sees every step.
func spawnLoop(d *device.Device, name string, m *Mover, after func(Step)) error {
	return d.Spawn(device.Task{
		Name:     name + ".move",
		Interval: m.TickInterval(),
		Step: func(context.Context) error {
			st := m.Advance()
			if after != nil && st.Prev != st.Position {
				after(st)
			}
			return nil
		},
	})
}

// abortHandler builds the shared abort command.
func abortHandler(d *device.Device, m *Mover) device.Handler {
	return func(_ device.Command, resp *device.Response) {
		if !d.Running() {
			resp.Fail(msgNotConnected)
			return
		}
		pos, err := m.Abort()
		if err != nil {
			resp.Fail(msgNotMoving)
			return
		}
		resp.Succeed(map[string]any{"position": m.publish(pos)})
	}
}

// move submits target and fills resp.
func move(d *device.Device, m *Mover, target float64, resp *device.Response) {
	if !d.Running() {
		resp.Fail(msgNotConnected)
		return
	}
	res, err := m.Move(target)
	switch {
	case errors.Is(err, ErrBusy):
		resp.Fail(msgBusy)
		resp.Set("reason", ReasonBusy)
		return
	case errors.Is(err, ErrOutsideLimits):
		resp.FailErr(err)
		resp.Set("reason", ReasonOutsideLimits)
		return
	case err != nil:
		resp.FailErr(err)
		return
	}
	resp.Succeed(map[string]any{
		"from":       m.publish(res.From),
		"target":     m.publish(res.To),
		"redirected": res.Redirected,
	})
}

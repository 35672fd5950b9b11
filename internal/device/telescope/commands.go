package telescope

import (
	"fmt"

	"github.com/nerrad567/astro-devsim/internal/device"
	"github.com/nerrad567/astro-devsim/internal/device/movement"
)

// Command names.
const (
	CmdGoto        = "goto"
	CmdSync        = "sync"
	CmdAbort       = "abort"
	CmdPark        = "park"
	CmdUnpark      = "unpark"
	CmdSetTracking = "set_tracking"
	CmdSetSlewRate = "set_slew_rate"
)

// Failure codes set as "error" on refused commands.
const (
	CodeParked  = "TELESCOPE_PARKED"
	CodeParking = "TELESCOPE_PARKING"
)

const (
	msgNotConnected = "telescope not connected"
	msgBusy         = "Telescope is already slewing"
	msgParking      = "Telescope is parking"
)

// coordinates reads and range-checks the ra and dec parameters.
func coordinates(p device.Params) (coords, error) {
	ra, err := p.Float("ra")
	if err != nil {
		return coords{}, err
	}
	dec, err := p.Float("dec")
	if err != nil {
		return coords{}, err
	}
	if !validRA(ra) {
		return coords{}, fmt.Errorf("%w: ra must be in [0, 24)", device.ErrInvalidParameter)
	}
	if !validDec(dec) {
		return coords{}, fmt.Errorf("%w: dec must be in [-90, 90]", device.ErrInvalidParameter)
	}
	return coords{ra: ra, dec: dec}, nil
}

func failParked(resp *device.Response, action string) {
	resp.Failf("Cannot %s while parked", action)
	resp.Set("error", CodeParked)
}

func failParking(resp *device.Response) {
	resp.Fail(msgParking)
	resp.Set("error", CodeParking)
}

func (t *Telescope) handleGoto(cmd device.Command, resp *device.Response) {
	if !t.dev.Running() {
		resp.Fail(msgNotConnected)
		return
	}
	to, err := coordinates(cmd.Parameters)
	if err != nil {
		resp.FailErr(err)
		return
	}

	t.lock()
	switch {
	case t.parked:
		t.unlock()
		failParked(resp, "GOTO")
		return
	case t.state == StateParking:
		t.unlock()
		failParking(resp)
		return
	case t.state == StateSlewing && t.cfg.Policy == movement.PolicyReject:
		t.unlock()
		t.dev.Emit(EventSlewRejected, map[string]any{
			"ra":     to.ra,
			"dec":    to.dec,
			"reason": movement.ReasonBusy,
		})
		resp.Fail(msgBusy)
		resp.Set("reason", movement.ReasonBusy)
		return
	}

	redirected := t.state == StateSlewing
	from := coords{ra: t.ra.Position(), dec: t.dec.Position()}
	estimate := t.estimate(to)
	if err := t.slewLocked(to, StateSlewing); err != nil {
		t.unlock()
		resp.FailErr(err)
		return
	}
	t.unlock()

	name := EventSlewStarted
	if redirected {
		name = EventSlewRedirected
	}
	t.dev.Emit(name, map[string]any{
		"from_ra":   round(from.ra, 4),
		"from_dec":  round(from.dec, 4),
		"ra":        to.ra,
		"dec":       to.dec,
		"estimated": estimate,
	})
	resp.Succeed(map[string]any{
		"ra":                 to.ra,
		"dec":                to.dec,
		"redirected":         redirected,
		"estimated_duration": estimate,
	})
}

func (t *Telescope) handleSync(cmd device.Command, resp *device.Response) {
	if !t.dev.Running() {
		resp.Fail(msgNotConnected)
		return
	}
	to, err := coordinates(cmd.Parameters)
	if err != nil {
		resp.FailErr(err)
		return
	}

	t.lock()
	switch {
	case t.parked:
		t.unlock()
		failParked(resp, "sync")
		return
	case t.state != StateIdle:
		t.unlock()
		resp.Fail(msgBusy)
		resp.Set("reason", movement.ReasonBusy)
		return
	}
	prev := coords{ra: t.ra.Position(), dec: t.dec.Position()}
	// Both axes are idle and to is in range, so neither Sync can fail.
	_ = t.ra.Sync(to.ra)
	_ = t.dec.Sync(to.dec)
	t.dev.Stage(map[string]any{
		PropTargetRA:  round(to.ra, 4),
		PropTargetDec: round(to.dec, 4),
	})
	t.stagePosition()
	t.unlock()

	t.dev.Emit(EventSynced, map[string]any{
		"ra":           to.ra,
		"dec":          to.dec,
		"previous_ra":  round(prev.ra, 4),
		"previous_dec": round(prev.dec, 4),
	})
	resp.Succeed(map[string]any{"ra": to.ra, "dec": to.dec})
}

func (t *Telescope) handleAbort(_ device.Command, resp *device.Response) {
	if !t.dev.Running() {
		resp.Fail(msgNotConnected)
		return
	}
	t.lock()
	if t.state != StateSlewing && t.state != StateParking {
		t.unlock()
		resp.Succeed(map[string]any{"message": "No movement to abort"})
		return
	}
	ev := t.abortLocked("")
	t.unlock()

	t.dev.Emit(ev.name, ev.payload)
	resp.Succeed(map[string]any{
		"message": "Movement aborted",
		"ra":      ev.payload["ra"],
		"dec":     ev.payload["dec"],
	})
}

// handlePark parks the mount. action "unpark" is accepted as an alias for
// the unpark command.
func (t *Telescope) handlePark(cmd device.Command, resp *device.Response) {
	action, err := cmd.Parameters.StringOr("action", "park")
	if err != nil {
		resp.FailErr(err)
		return
	}
	switch action {
	case "park":
	case "unpark":
		t.handleUnpark(cmd, resp)
		return
	default:
		resp.Failf("Invalid action %q", action)
		return
	}
	if !t.dev.Running() {
		resp.Fail(msgNotConnected)
		return
	}

	t.lock()
	switch t.state {
	case StateParked:
		t.unlock()
		resp.Succeed(map[string]any{"message": "Telescope already parked"})
		return
	case StateParking:
		t.unlock()
		resp.Succeed(map[string]any{"message": "Telescope already parking"})
		return
	}
	saved := coords{ra: t.ra.Position(), dec: t.dec.Position()}
	park := t.parkPosition()
	if err := t.slewLocked(park, StateParking); err != nil {
		t.unlock()
		resp.FailErr(err)
		return
	}
	t.restore = &saved
	t.dev.Stage(map[string]any{
		PropParkRA:  round(saved.ra, 4),
		PropParkDec: round(saved.dec, 4),
	})
	t.unlock()

	resp.Succeed(map[string]any{
		"message":  "Parking",
		"park_ra":  round(saved.ra, 4),
		"park_dec": round(saved.dec, 4),
	})
}

func (t *Telescope) handleUnpark(_ device.Command, resp *device.Response) {
	if !t.dev.Running() {
		resp.Fail(msgNotConnected)
		return
	}

	t.lock()
	switch t.state {
	case StateParking:
		t.unlock()
		failParking(resp)
		return
	case StateParked:
	default:
		t.unlock()
		resp.Succeed(map[string]any{"message": "Telescope already unparked"})
		return
	}
	t.parked = false
	t.state = StateIdle
	t.dev.Stage(map[string]any{
		PropParked: false,
		PropState:  string(StateIdle),
	})
	restore := t.restore
	t.restore = nil
	var estimate float64
	if restore != nil {
		estimate = t.estimate(*restore)
		if err := t.slewLocked(*restore, StateSlewing); err != nil {
			t.unlock()
			resp.FailErr(err)
			return
		}
	}
	t.unlock()

	payload := map[string]any{"restoring": restore != nil}
	if restore != nil {
		payload["ra"] = round(restore.ra, 4)
		payload["dec"] = round(restore.dec, 4)
	}
	t.dev.Emit(EventUnparked, payload)
	if restore != nil {
		t.dev.Emit(EventSlewStarted, map[string]any{
			"ra":        round(restore.ra, 4),
			"dec":       round(restore.dec, 4),
			"estimated": estimate,
		})
	}
	resp.Succeed(payload)
}

func (t *Telescope) handleSetTracking(cmd device.Command, resp *device.Response) {
	if !t.dev.Running() {
		resp.Fail(msgNotConnected)
		return
	}
	enabled, err := cmd.Parameters.Bool("enabled")
	if err != nil {
		resp.FailErr(err)
		return
	}

	t.lock()
	if enabled && (t.parked || t.state == StateParking) {
		t.unlock()
		failParked(resp, "enable tracking")
		return
	}
	prev := t.tracking
	t.tracking = enabled
	t.dev.Stage(map[string]any{PropTracking: enabled})
	t.unlock()

	if prev != enabled {
		ev := trackingChanged(enabled, prev)
		t.dev.Emit(ev.name, ev.payload)
	}
	resp.Succeed(map[string]any{"tracking": enabled})
}

func (t *Telescope) handleSetSlewRate(cmd device.Command, resp *device.Response) {
	rate, err := cmd.Parameters.Int("rate")
	if err == nil {
		err = t.setSlewRate(rate)
	}
	if err != nil {
		resp.FailErr(err)
		return
	}
	resp.Succeed(map[string]any{"slew_rate": rate, "speed": slewSpeed(rate)})
}

package switchbank

import (
	"strings"

	"github.com/nerrad567/astro-devsim/internal/device"
)

const msgNotConnected = "switch bank not connected"

// switchName reads the switch parameter, accepting "name" or "switch".
func switchName(p device.Params) (string, error) {
	key := "name"
	if !p.Has(key) && p.Has("switch") {
		key = "switch"
	}
	name, err := p.String(key)
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(name)), nil
}

func (b *Bank) lookup(name string, resp *device.Response) bool {
	if _, ok := b.switches[name]; !ok {
		resp.Failf("Switch not found: %s", name)
		resp.Set("error", "SWITCH_NOT_FOUND")
		return false
	}
	return true
}

func (b *Bank) handleSetSwitch(cmd device.Command, resp *device.Response) {
	name, err := switchName(cmd.Parameters)
	if err != nil {
		resp.FailErr(err)
		return
	}
	state, err := parseState(cmd.Parameters["state"], false)
	if err != nil {
		resp.FailErr(err)
		return
	}
	if !b.dev.Running() {
		resp.Fail(msgNotConnected)
		return
	}

	b.mu.Lock()
	if !b.lookup(name, resp) {
		b.unlock()
		return
	}
	out := b.command(name, state)
	b.unlock()

	b.emit(out)
	resp.Succeed(map[string]any{"switch": name, "state": state, "changed": len(out) > 0})
}

func (b *Bank) handleGetSwitch(cmd device.Command, resp *device.Response) {
	name, err := switchName(cmd.Parameters)
	if err != nil {
		resp.FailErr(err)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.lookup(name, resp) {
		return
	}
	sw := b.switches[name]
	resp.Succeed(map[string]any{
		"switch":  name,
		"state":   sw.state,
		"type":    string(sw.typ),
		"default": sw.def,
		"pending": sw.restore != nil,
	})
}

func (b *Bank) handleSetGroup(cmd device.Command, resp *device.Response) {
	state, err := parseState(cmd.Parameters["state"], false)
	if err != nil {
		resp.FailErr(err)
		return
	}

	b.mu.Lock()
	var names []string
	switch {
	case cmd.Parameters.Has("group"):
		group, err := cmd.Parameters.String("group")
		if err != nil {
			b.unlock()
			resp.FailErr(err)
			return
		}
		members, ok := b.groups[strings.ToLower(group)]
		if !ok {
			b.unlock()
			resp.Failf("Group not found: %s", group)
			return
		}
		names = members
	default:
		list, err := cmd.Parameters.Strings("names")
		if err != nil {
			b.unlock()
			resp.FailErr(err)
			return
		}
		for _, n := range list {
			names = append(names, strings.ToLower(strings.TrimSpace(n)))
		}
	}
	if len(names) == 0 {
		b.unlock()
		resp.Failf("%v: names must not be empty", device.ErrInvalidParameter)
		return
	}
	if !b.dev.Running() {
		b.unlock()
		resp.Fail(msgNotConnected)
		return
	}
	// Validate every member before changing any.
	for _, n := range names {
		if !b.lookup(n, resp) {
			b.unlock()
			return
		}
	}
	var out []change
	for _, n := range names {
		out = append(out, b.command(n, state)...)
	}
	b.unlock()

	b.emit(out)
	resp.Succeed(map[string]any{"switches": names, "state": state, "changed": len(out)})
}

func (b *Bank) handlePulse(cmd device.Command, resp *device.Response) {
	name, err := switchName(cmd.Parameters)
	if err != nil {
		resp.FailErr(err)
		return
	}
	duration, err := cmd.Parameters.Float("duration")
	if err != nil {
		resp.FailErr(err)
		return
	}
	if duration <= 0 {
		resp.Failf("%v: duration must be positive", device.ErrInvalidParameter)
		return
	}
	if !b.dev.Running() {
		resp.Fail(msgNotConnected)
		return
	}

	b.mu.Lock()
	if !b.lookup(name, resp) {
		b.unlock()
		return
	}
	sw := b.switches[name]
	original := sw.state
	if sw.restore != nil {
		// Pulse relative to the state the switch is returning to.
		original = sw.restore.state
	}
	pulse := On
	if original == On {
		pulse = Off
	}
	var out []change
	if sw.state != pulse {
		out = append(out, b.apply(name, pulse, ReasonPulse))
	}
	sw.restore = &restore{state: original, deadline: b.after(duration)}
	b.unlock()

	b.emit(out)
	resp.Succeed(map[string]any{
		"switch":      name,
		"pulse_state": pulse,
		"duration":    duration,
	})
}

func (b *Bank) handleList(_ device.Command, resp *device.Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switches := make(map[string]any, len(b.switches))
	for name, sw := range b.switches {
		switches[name] = sw.state
	}
	groups := make(map[string]any, len(b.groups))
	for g, members := range b.groups {
		groups[g] = append([]string(nil), members...)
	}
	resp.Succeed(map[string]any{
		"switches": switches,
		"groups":   groups,
		"count":    len(switches),
	})
}


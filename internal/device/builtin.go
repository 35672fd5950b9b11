package device

import (
	"fmt"
	"time"
)

// Kernel command names available on every device.
const (
	CmdPing          = "ping"
	CmdGetInfo       = "get_info"
	CmdGetProperty   = "get_property"
	CmdGetProperties = "get_properties"
	CmdSetProperty   = "set_property"
)

func (d *Device) registerBuiltins() {
	d.Handle(CmdPing, func(_ Command, resp *Response) {
		resp.Succeed(map[string]any{
			"pong":      true,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	d.Handle(CmdGetInfo, func(_ Command, resp *Response) {
		desc := d.Describe()
		resp.Succeed(map[string]any{
			"id":           desc.ID,
			"type":         desc.Type,
			"manufacturer": desc.Manufacturer,
			"model":        desc.Model,
			"running":      desc.Running,
			"capabilities": desc.Capabilities,
			"commands":     desc.Commands,
			"writable":     d.writableNames(),
		})
	})

	d.Handle(CmdGetProperty, func(cmd Command, resp *Response) {
		name, err := cmd.Parameters.String("name")
		if err != nil {
			resp.FailErr(err)
			return
		}
		v, err := d.props.Get(name)
		if err != nil {
			resp.FailErr(err)
			return
		}
		resp.Succeed(map[string]any{"name": name, "value": v})
	})

	d.Handle(CmdGetProperties, func(_ Command, resp *Response) {
		resp.Succeed(map[string]any{"properties": d.props.Snapshot()})
	})

	d.Handle(CmdSetProperty, func(cmd Command, resp *Response) {
		name, err := cmd.Parameters.String("name")
		if err != nil {
			resp.FailErr(err)
			return
		}
		if !cmd.Parameters.Has("value") {
			resp.FailErr(fmt.Errorf("%w: value", ErrMissingParameter))
			return
		}

		d.mu.Lock()
		w, ok := d.writable[name]
		d.mu.Unlock()
		if !ok {
			resp.Failf("property %s is read-only", name)
			return
		}

		value := cmd.Parameters["value"]
		if w.fn != nil {
			value, err = w.fn(value)
			if err != nil {
				resp.FailErr(err)
				return
			}
		}
		if !w.applies {
			if _, err := d.props.Set(name, value); err != nil {
				resp.FailErr(err)
				return
			}
		}
		resp.Succeed(map[string]any{"name": name, "value": value})
	})
}

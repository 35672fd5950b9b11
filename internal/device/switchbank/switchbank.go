// Package switchbank simulates a bank of named power switches.
//
// TOGGLE switches hold their state. MOMENTARY switches return to their
// default after MomentaryDuration on any change, BUTTON switches only after
// being turned ON. pulse_switch inverts a switch for a given duration. All
// restores are carried out by one background loop.
package switchbank

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/astro-devsim/internal/device"
)

// Name is the capability name.
const Name = "switchbank"

// Type is a switch behaviour.
type Type string

const (
	TypeToggle    Type = "TOGGLE"
	TypeMomentary Type = "MOMENTARY"
	TypeButton    Type = "BUTTON"
)

// Switch states.
const (
	On  = "ON"
	Off = "OFF"
)

// EventStateChanged is emitted on every switch transition.
const EventStateChanged = "SWITCH_STATE_CHANGED"

// Command names.
const (
	CmdSetSwitch    = "set_switch"
	CmdGetSwitch    = "get_switch"
	CmdSetGroup     = "set_group"
	CmdPulseSwitch  = "pulse_switch"
	CmdListSwitches = "list_switches"
)

// Change reasons carried in SWITCH_STATE_CHANGED.
const (
	ReasonCommand = "command"
	ReasonPulse   = "pulse"
	ReasonRestore = "restore"
)

// SwitchConfig declares one switch.
type SwitchConfig struct {
	Name    string `yaml:"name"`
	Type    Type   `yaml:"type"`
	Default string `yaml:"default"`
}

// Config configures a switch bank. Durations are simulation time units.
type Config struct {
	Switches          []SwitchConfig      `yaml:"switches"`
	Groups            map[string][]string `yaml:"groups"`
	MomentaryDuration float64             `yaml:"momentary_duration"`
	TickInterval      float64             `yaml:"tick_interval"`
}

// DefaultConfig returns a small observatory power box.
func DefaultConfig() Config {
	return Config{
		Switches: []SwitchConfig{
			{Name: "mount", Type: TypeToggle, Default: Off},
			{Name: "camera", Type: TypeToggle, Default: Off},
			{Name: "dew_heater", Type: TypeToggle, Default: Off},
			{Name: "flat_panel", Type: TypeToggle, Default: Off},
			{Name: "roof", Type: TypeMomentary, Default: Off},
			{Name: "reset", Type: TypeButton, Default: Off},
		},
		Groups: map[string][]string{
			"imaging": {"mount", "camera", "dew_heater"},
		},
		MomentaryDuration: 0.5,
		TickInterval:      0.05,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Switches) == 0 {
		return fmt.Errorf("switchbank: at least one switch is required")
	}
	seen := make(map[string]bool, len(c.Switches))
	for _, sw := range c.Switches {
		name := strings.ToLower(strings.TrimSpace(sw.Name))
		if name == "" {
			return fmt.Errorf("switchbank: switch name is required")
		}
		if seen[name] {
			return fmt.Errorf("switchbank: duplicate switch %q", sw.Name)
		}
		seen[name] = true
		switch sw.Type {
		case TypeToggle, TypeMomentary, TypeButton, "":
		default:
			return fmt.Errorf("switchbank: switch %s has unknown type %q", sw.Name, sw.Type)
		}
		if _, err := parseState(sw.Default, true); err != nil {
			return fmt.Errorf("switchbank: switch %s: %w", sw.Name, err)
		}
	}
	for group, members := range c.Groups {
		for _, m := range members {
			if !seen[strings.ToLower(m)] {
				return fmt.Errorf("switchbank: group %s references unknown switch %q", group, m)
			}
		}
	}
	if c.MomentaryDuration <= 0 || c.TickInterval <= 0 {
		return fmt.Errorf("switchbank: momentary_duration and tick_interval must be positive")
	}
	return nil
}

type switchState struct {
	typ     Type
	def     string
	state   string
	restore *restore
}

type restore struct {
	state    string
	deadline time.Time
}

type change struct {
	name, state, previous, reason string
}

// Bank is the switch bank capability.
type Bank struct {
	cfg Config
	now func() time.Time
	dev *device.Device

	mu       sync.Mutex
	switches map[string]*switchState
	groups   map[string][]string
}

// New validates cfg and creates a switch bank.
func New(cfg Config) (*Bank, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Bank{
		cfg:      cfg,
		now:      time.Now,
		switches: make(map[string]*switchState, len(cfg.Switches)),
		groups:   make(map[string][]string, len(cfg.Groups)),
	}
	for _, sw := range cfg.Switches {
		def, _ := parseState(sw.Default, true)
		typ := sw.Type
		if typ == "" {
			typ = TypeToggle
		}
		b.switches[strings.ToLower(sw.Name)] = &switchState{typ: typ, def: def, state: def}
	}
	for g, members := range cfg.Groups {
		names := make([]string, len(members))
		for i, m := range members {
			names[i] = strings.ToLower(m)
		}
		b.groups[strings.ToLower(g)] = names
	}
	return b, nil
}

// Name implements device.Capability.
func (b *Bank) Name() string { return Name }

// PropSwitch returns the property holding a switch state.
func PropSwitch(name string) string { return "switch_" + name }

// Attach implements device.Capability.
func (b *Bank) Attach(d *device.Device) error {
	b.dev = d

	b.mu.Lock()
	values := make(map[string]any, 2*len(b.switches)+len(b.groups))
	for name, sw := range b.switches {
		values[PropSwitch(name)] = sw.state
		values[PropSwitch(name)+"_type"] = string(sw.typ)
	}
	for g, members := range b.groups {
		values["group_"+g] = members
	}
	d.Stage(values)
	b.unlock()

	d.Handle(CmdSetSwitch, b.handleSetSwitch)
	d.Handle(CmdGetSwitch, b.handleGetSwitch)
	d.Handle(CmdSetGroup, b.handleSetGroup)
	d.Handle(CmdPulseSwitch, b.handlePulse)
	d.Handle(CmdListSwitches, b.handleList)
	return nil
}

// Start implements device.Capability.
func (b *Bank) Start(d *device.Device) error {
	return d.Spawn(device.Task{
		Name:     Name + ".restore",
		Interval: b.cfg.TickInterval,
		Step:     b.restoreStep,
	})
}

// Stop implements device.Stopper. Pending restores are applied at once.
func (b *Bank) Stop(*device.Device) {
	b.mu.Lock()
	var out []change
	for _, name := range b.sortedNames() {
		sw := b.switches[name]
		if sw.restore != nil {
			out = append(out, b.apply(name, sw.restore.state, ReasonRestore))
		}
	}
	b.unlock()
	b.emit(out)
}

// State returns the state of a switch.
func (b *Bank) State(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sw, ok := b.switches[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	return sw.state, true
}

// unlock releases b.mu and delivers the property changes staged under it.
func (b *Bank) unlock() {
	b.mu.Unlock()
	b.dev.Notify()
}

func (b *Bank) sortedNames() []string {
	names := make([]string, 0, len(b.switches))
	for name := range b.switches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// apply sets a switch and clears any pending restore. Caller holds b.mu.
func (b *Bank) apply(name, state, reason string) change {
	sw := b.switches[name]
	ch := change{name: name, state: state, previous: sw.state, reason: reason}
	sw.state = state
	sw.restore = nil
	b.dev.Stage(map[string]any{PropSwitch(name): state})
	return ch
}

// command applies a requested state and arms the momentary restore. Caller
// holds b.mu.
func (b *Bank) command(name, state string) []change {
	sw := b.switches[name]
	if sw.state == state {
		return nil
	}
	out := []change{b.apply(name, state, ReasonCommand)}
	if sw.typ == TypeMomentary || (sw.typ == TypeButton && state == On) {
		if state != sw.def {
			sw.restore = &restore{state: sw.def, deadline: b.after(b.cfg.MomentaryDuration)}
		}
	}
	return out
}

func (b *Bank) after(units float64) time.Time {
	return b.now().Add(b.dev.Timebase().Duration(units))
}

func (b *Bank) restoreStep(context.Context) error {
	now := b.now()
	b.mu.Lock()
	var out []change
	for _, name := range b.sortedNames() {
		sw := b.switches[name]
		if sw.restore != nil && !now.Before(sw.restore.deadline) {
			out = append(out, b.apply(name, sw.restore.state, ReasonRestore))
		}
	}
	b.unlock()
	b.emit(out)
	return nil
}

func (b *Bank) emit(changes []change) {
	for _, ch := range changes {
		b.dev.Emit(EventStateChanged, map[string]any{
			"switch":         ch.name,
			"state":          ch.state,
			"previous_state": ch.previous,
			"reason":         ch.reason,
		})
	}
}

// parseState accepts ON/OFF in any case or a boolean. Empty maps to OFF
// when allowEmpty is set.
func parseState(v any, allowEmpty bool) (string, error) {
	switch x := v.(type) {
	case bool:
		if x {
			return On, nil
		}
		return Off, nil
	case string:
		switch strings.ToUpper(strings.TrimSpace(x)) {
		case On:
			return On, nil
		case Off:
			return Off, nil
		case "":
			if allowEmpty {
				return Off, nil
			}
		}
		return "", fmt.Errorf("%w: invalid switch state %q", device.ErrInvalidParameter, x)
	case nil:
		return "", fmt.Errorf("%w: state", device.ErrMissingParameter)
	}
	return "", fmt.Errorf("%w: state must be ON or OFF", device.ErrInvalidParameter)
}

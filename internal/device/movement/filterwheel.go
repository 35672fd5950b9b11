package movement

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/nerrad567/astro-devsim/internal/device"
)

// FilterWheelName is the filter wheel capability name.
const FilterWheelName = "filter_wheel"

// Filter wheel command names.
const (
	CmdSetPosition      = "set_position"
	CmdSetFilter        = "set_filter"
	CmdGetFilters       = "get_filters"
	CmdSetFilterNames   = "set_filter_names"
	CmdSetFilterOffsets = "set_filter_offsets"
)

// Filter wheel properties.
const (
	PropFilterCount   = "filter_count"
	PropFilterNames   = "filter_names"
	PropFilterOffsets = "filter_offsets"
	PropCurrentFilter = "current_filter"
	PropCurrentOffset = "current_offset"
)

// FilterWheelConfig configures a filter wheel.
type FilterWheelConfig struct {
	Filters      []string `yaml:"filters"`
	Offsets      []int    `yaml:"offsets"`
	Position     int      `yaml:"position"`
	Speed        float64  `yaml:"speed"`
	TickInterval float64  `yaml:"tick_interval"`
}

// DefaultFilterWheelConfig returns an eight slot wheel.
func DefaultFilterWheelConfig() FilterWheelConfig {
	return FilterWheelConfig{
		Filters:      []string{"Red", "Green", "Blue", "OIII", "SII", "Ha", "Luminance", "IR-Cut"},
		Offsets:      []int{0, 0, 0, 100, 120, 150, 0, 0},
		Speed:        2.0,
		TickInterval: 0.1,
	}
}

// Validate checks the configuration.
func (c FilterWheelConfig) Validate() error {
	if len(c.Filters) < 2 {
		return fmt.Errorf("filter wheel: at least two filters are required")
	}
	if len(c.Offsets) != len(c.Filters) {
		return fmt.Errorf("filter wheel: %d offsets for %d filters", len(c.Offsets), len(c.Filters))
	}
	if c.Position < 0 || c.Position >= len(c.Filters) {
		return fmt.Errorf("filter wheel: position must be in [0, %d]", len(c.Filters)-1)
	}
	if c.Speed <= 0 || c.TickInterval <= 0 {
		return fmt.Errorf("filter wheel: speed and tick_interval must be positive")
	}
	return nil
}

// FilterWheel moves between numbered slots. A move while moving is rejected.
type FilterWheel struct {
	dev   *device.Device
	mover *Mover

	mu      sync.Mutex
	names   []string
	offsets []int
}

// NewFilterWheel validates cfg and creates a filter wheel capability.
func NewFilterWheel(cfg FilterWheelConfig) (*FilterWheel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m, err := NewMover(Config{
		Min:          0,
		Max:          float64(len(cfg.Filters) - 1),
		Position:     float64(cfg.Position),
		Speed:        cfg.Speed,
		TickInterval: cfg.TickInterval,
		Policy:       PolicyReject,
		Integer:      true,
	})
	if err != nil {
		return nil, err
	}
	return &FilterWheel{
		mover:   m,
		names:   append([]string(nil), cfg.Filters...),
		offsets: append([]int(nil), cfg.Offsets...),
	}, nil
}

// Name implements device.Capability.
func (w *FilterWheel) Name() string { return FilterWheelName }

// Mover exposes the underlying engine.
func (w *FilterWheel) Mover() *Mover { return w.mover }

// Attach implements device.Capability.
func (w *FilterWheel) Attach(d *device.Device) error {
	w.dev = d
	w.mover.Bind(d)

	w.mu.Lock()
	d.Stage(map[string]any{
		PropFilterCount:   len(w.names),
		PropFilterNames:   w.names,
		PropFilterOffsets: w.offsets,
	})
	w.publishSlot(int(w.mover.Position()))
	w.unlock()

	d.Handle(CmdSetPosition, w.handleSetPosition)
	d.Handle(CmdSetFilter, w.handleSetFilter)
	d.Handle(CmdAbort, w.handleAbort)
	d.Handle(CmdGetFilters, w.handleGetFilters)
	d.Handle(CmdSetFilterNames, w.handleSetFilterNames)
	d.Handle(CmdSetFilterOffsets, w.handleSetFilterOffsets)
	return nil
}

// Start implements device.Capability.
func (w *FilterWheel) Start(d *device.Device) error {
	return d.Spawn(device.Task{
		Name:     FilterWheelName + ".move",
		Interval: w.mover.TickInterval(),
		Step: func(context.Context) error {
			if st := w.mover.Advance(); st.Arrived {
				w.arrived(int(st.Position))
			}
			return nil
		},
	})
}

// Stop implements device.Stopper.
func (w *FilterWheel) Stop(*device.Device) {
	if _, err := w.mover.abort("device stopped"); err == nil {
		w.arrived(int(w.mover.Position()))
	}
}

// Filter returns the current slot and its name.
func (w *FilterWheel) Filter() (int, string) {
	pos := int(math.Round(w.mover.Position()))
	w.mu.Lock()
	defer w.mu.Unlock()
	return pos, w.names[pos]
}

// unlock releases w.mu and delivers the property changes staged under it.
func (w *FilterWheel) unlock() {
	w.mu.Unlock()
	w.dev.Notify()
}

func (w *FilterWheel) arrived(slot int) {
	w.mu.Lock()
	w.publishSlot(slot)
	w.unlock()
}

// publishSlot writes the current filter properties. Caller holds w.mu.
func (w *FilterWheel) publishSlot(slot int) {
	if slot < 0 || slot >= len(w.names) {
		return
	}
	w.dev.Stage(map[string]any{
		PropCurrentFilter: w.names[slot],
		PropCurrentOffset: w.offsets[slot],
	})
}

func (w *FilterWheel) handleSetPosition(cmd device.Command, resp *device.Response) {
	pos, err := cmd.Parameters.Int("position")
	if err != nil {
		resp.FailErr(err)
		return
	}
	move(w.dev, w.mover, float64(pos), resp)
}

func (w *FilterWheel) handleSetFilter(cmd device.Command, resp *device.Response) {
	name, err := cmd.Parameters.String("name")
	if err != nil {
		resp.FailErr(err)
		return
	}
	slot := w.slotOf(name)
	if slot < 0 {
		resp.Failf("%v: unknown filter %q", device.ErrInvalidParameter, name)
		return
	}
	move(w.dev, w.mover, float64(slot), resp)
	if resp.OK() {
		resp.Set("filter", w.nameAt(slot))
	}
}

func (w *FilterWheel) handleAbort(cmd device.Command, resp *device.Response) {
	abortHandler(w.dev, w.mover)(cmd, resp)
	if resp.OK() {
		w.arrived(int(w.mover.Position()))
	}
}

func (w *FilterWheel) handleGetFilters(_ device.Command, resp *device.Response) {
	pos, current := w.Filter()
	w.mu.Lock()
	defer w.mu.Unlock()
	resp.Succeed(map[string]any{
		"names":    append([]string(nil), w.names...),
		"offsets":  append([]int(nil), w.offsets...),
		"position": pos,
		"current":  current,
	})
}

func (w *FilterWheel) handleSetFilterNames(cmd device.Command, resp *device.Response) {
	names, err := cmd.Parameters.Strings("names")
	if err != nil {
		resp.FailErr(err)
		return
	}
	w.mu.Lock()
	if len(names) != len(w.names) {
		count := len(w.names)
		w.unlock()
		resp.Failf("%v: names must have %d entries", device.ErrInvalidParameter, count)
		return
	}
	w.names = names
	w.dev.Stage(map[string]any{PropFilterNames: names})
	w.publishSlot(int(w.mover.Position()))
	w.unlock()
	resp.Succeed(map[string]any{"names": names})
}

func (w *FilterWheel) handleSetFilterOffsets(cmd device.Command, resp *device.Response) {
	raw, ok := cmd.Parameters["offsets"].([]any)
	if !ok {
		resp.Failf("%v: offsets must be a list of integers", device.ErrInvalidParameter)
		return
	}
	offsets := make([]int, len(raw))
	for i, v := range raw {
		f, ok := device.AsFloat(v)
		if !ok || f != float64(int(f)) {
			resp.Failf("%v: offsets must be a list of integers", device.ErrInvalidParameter)
			return
		}
		offsets[i] = int(f)
	}

	w.mu.Lock()
	if len(offsets) != len(w.offsets) {
		count := len(w.offsets)
		w.unlock()
		resp.Failf("%v: offsets must have %d entries", device.ErrInvalidParameter, count)
		return
	}
	w.offsets = offsets
	w.dev.Stage(map[string]any{PropFilterOffsets: offsets})
	w.publishSlot(int(w.mover.Position()))
	w.unlock()
	resp.Succeed(map[string]any{"offsets": offsets})
}

func (w *FilterWheel) slotOf(name string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, n := range w.names {
		if strings.EqualFold(n, name) {
			return i
		}
	}
	return -1
}

func (w *FilterWheel) nameAt(slot int) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.names[slot]
}

package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/astro-devsim/internal/device"
	"github.com/nerrad567/astro-devsim/internal/device/camera"
	"github.com/nerrad567/astro-devsim/internal/device/guider"
	"github.com/nerrad567/astro-devsim/internal/device/movement"
	"github.com/nerrad567/astro-devsim/internal/device/solver"
	"github.com/nerrad567/astro-devsim/internal/device/switchbank"
	"github.com/nerrad567/astro-devsim/internal/device/telescope"
	"github.com/nerrad567/astro-devsim/internal/imagestore"
)

// Device types accepted in configuration.
const (
	TypeCamera      = "camera"
	TypeFocuser     = "focuser"
	TypeFilterWheel = "filter_wheel"
	TypeRotator     = "rotator"
	TypeGuider      = "guider"
	TypeSolver      = "solver"
	TypeSwitch      = "switch"
	TypeTelescope   = "telescope"
)

// buildEnv is what a flavor needs to build its capability.
type buildEnv struct {
	options map[string]any
	seed    uint64
	store   imagestore.Store
}

func (e buildEnv) random(name string) device.Random {
	return device.NewRandom(device.SubSeed(e.seed, name))
}

type flavor func(env buildEnv) (device.Capability, error)

var flavors = map[string]flavor{
	TypeCamera: func(env buildEnv) (device.Capability, error) {
		cfg := camera.DefaultConfig()
		if err := decodeOptions(env.options, &cfg); err != nil {
			return nil, err
		}
		return camera.New(cfg, camera.Deps{Store: env.store, Random: env.random(TypeCamera)})
	},
	TypeFocuser: func(env buildEnv) (device.Capability, error) {
		cfg := movement.DefaultFocuserConfig()
		if err := decodeOptions(env.options, &cfg); err != nil {
			return nil, err
		}
		return movement.NewFocuser(cfg)
	},
	TypeFilterWheel: func(env buildEnv) (device.Capability, error) {
		cfg := movement.DefaultFilterWheelConfig()
		if err := decodeOptions(env.options, &cfg); err != nil {
			return nil, err
		}
		return movement.NewFilterWheel(cfg)
	},
	TypeRotator: func(env buildEnv) (device.Capability, error) {
		cfg := movement.DefaultRotatorConfig()
		if err := decodeOptions(env.options, &cfg); err != nil {
			return nil, err
		}
		return movement.NewRotator(cfg)
	},
	TypeGuider: func(env buildEnv) (device.Capability, error) {
		cfg := guider.DefaultConfig()
		if err := decodeOptions(env.options, &cfg); err != nil {
			return nil, err
		}
		return guider.New(cfg, guider.Deps{Random: env.random(TypeGuider)})
	},
	TypeSolver: func(env buildEnv) (device.Capability, error) {
		cfg := solver.DefaultConfig()
		if err := decodeOptions(env.options, &cfg); err != nil {
			return nil, err
		}
		return solver.New(cfg, solver.Deps{Random: env.random(TypeSolver), Store: env.store})
	},
	TypeSwitch: func(env buildEnv) (device.Capability, error) {
		cfg := switchbank.DefaultConfig()
		if err := decodeOptions(env.options, &cfg); err != nil {
			return nil, err
		}
		return switchbank.New(cfg)
	},
	TypeTelescope: func(env buildEnv) (device.Capability, error) {
		cfg := telescope.DefaultConfig()
		if err := decodeOptions(env.options, &cfg); err != nil {
			return nil, err
		}
		return telescope.New(cfg)
	},
}

// Types returns the sorted device types the registry can build.
func Types() []string {
	types := make([]string, 0, len(flavors))
	for t := range flavors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// decodeOptions overlays free-form YAML options onto a capability config.
// Keys the config does not know about are rejected.
func decodeOptions(options map[string]any, into any) error {
	if len(options) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(options)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(into); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return nil
}

package guider

import (
	"errors"
	"fmt"
)

// Offset is one dither sequence entry in pixels.
type Offset struct {
	RA  float64 `yaml:"ra"`
	Dec float64 `yaml:"dec"`
}

// Config configures a guider. Intervals are simulation time units.
type Config struct {
	FrameInterval          float64  `yaml:"frame_interval"`
	CalibrationSteps       int      `yaml:"calibration_steps"`
	CalibrationSuccessRate float64  `yaml:"calibration_success_rate"`
	AutoGuide              bool     `yaml:"auto_guide"`
	RAAggressiveness       float64  `yaml:"ra_aggressiveness"`
	DecAggressiveness      float64  `yaml:"dec_aggressiveness"`
	RAGuideRate            float64  `yaml:"ra_guide_rate"`
	DecGuideRate           float64  `yaml:"dec_guide_rate"`
	PixelScale             float64  `yaml:"pixel_scale"`
	Seeing                 float64  `yaml:"seeing"`
	SettleThreshold        float64  `yaml:"settle_threshold"`
	SettleFrames           int      `yaml:"settle_frames"`
	StatusEvery            int      `yaml:"status_every"`
	DitherSequence         []Offset `yaml:"dither_sequence"`
}

// DefaultConfig returns a guider with a five point dither pattern.
func DefaultConfig() Config {
	return Config{
		FrameInterval:          1.0,
		CalibrationSteps:       5,
		CalibrationSuccessRate: 0.95,
		RAAggressiveness:       0.7,
		DecAggressiveness:      0.7,
		RAGuideRate:            0.5,
		DecGuideRate:           0.5,
		PixelScale:             1.0,
		Seeing:                 0.15,
		SettleThreshold:        0.5,
		SettleFrames:           3,
		StatusEvery:            10,
		DitherSequence: []Offset{
			{RA: 1, Dec: 0},
			{RA: 0, Dec: 1},
			{RA: -1, Dec: 0},
			{RA: 0, Dec: -1},
			{RA: 0.7, Dec: 0.7},
		},
	}
}

// Validate collects every configuration error.
func (c Config) Validate() error {
	var errs []error
	if c.FrameInterval <= 0 {
		errs = append(errs, errors.New("guider: frame_interval must be positive"))
	}
	if c.CalibrationSteps < 1 {
		errs = append(errs, errors.New("guider: calibration_steps must be at least 1"))
	}
	if err := validateParams(params{
		raAgg: c.RAAggressiveness, decAgg: c.DecAggressiveness,
		raRate: c.RAGuideRate, decRate: c.DecGuideRate,
		pixelScale: c.PixelScale, successRate: c.CalibrationSuccessRate,
		settleThreshold: c.SettleThreshold, settleFrames: c.SettleFrames,
	}); err != nil {
		errs = append(errs, err)
	}
	if c.Seeing < 0 {
		errs = append(errs, errors.New("guider: seeing must not be negative"))
	}
	if c.StatusEvery < 1 {
		errs = append(errs, errors.New("guider: status_every must be at least 1"))
	}
	if len(c.DitherSequence) == 0 {
		errs = append(errs, errors.New("guider: dither_sequence must not be empty"))
	}
	return errors.Join(errs...)
}

// params are the settings changeable at run time through set_parameters.
type params struct {
	raAgg, decAgg   float64
	raRate, decRate float64
	pixelScale      float64
	successRate     float64
	autoGuide       bool
	settleThreshold float64
	settleFrames    int
}

func (c Config) params() params {
	return params{
		raAgg:           c.RAAggressiveness,
		decAgg:          c.DecAggressiveness,
		raRate:          c.RAGuideRate,
		decRate:         c.DecGuideRate,
		pixelScale:      c.PixelScale,
		successRate:     c.CalibrationSuccessRate,
		autoGuide:       c.AutoGuide,
		settleThreshold: c.SettleThreshold,
		settleFrames:    c.SettleFrames,
	}
}

func validateParams(p params) error {
	var errs []error
	inUnit := func(name string, v float64) {
		if v <= 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be in (0, 1]", name))
		}
	}
	inUnit("ra_aggressiveness", p.raAgg)
	inUnit("dec_aggressiveness", p.decAgg)
	inUnit("ra_guide_rate", p.raRate)
	inUnit("dec_guide_rate", p.decRate)
	if p.pixelScale <= 0 {
		errs = append(errs, errors.New("pixel_scale must be positive"))
	}
	if p.successRate < 0 || p.successRate > 1 {
		errs = append(errs, errors.New("calibration_success_rate must be in [0, 1]"))
	}
	if p.settleThreshold <= 0 {
		errs = append(errs, errors.New("settle_threshold must be positive"))
	}
	if p.settleFrames < 1 {
		errs = append(errs, errors.New("settle_frames must be at least 1"))
	}
	return errors.Join(errs...)
}

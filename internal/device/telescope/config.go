package telescope

import (
	"errors"
	"fmt"
	"math"

	"github.com/nerrad567/astro-devsim/internal/device/movement"
)

// Slew rate limits. A rate moves both axes by rate × degreesPerRate per
// time unit: hours on the RA axis, degrees on the Dec axis.
const (
	MinSlewRate    = 1
	MaxSlewRate    = 10
	degreesPerRate = 0.2
)

// Config configures a telescope mount. RA is in hours, Dec and site
// coordinates in degrees.
type Config struct {
	RA           float64         `yaml:"ra"`
	Dec          float64         `yaml:"dec"`
	SlewRate     int             `yaml:"slew_rate"`
	Tracking     bool            `yaml:"tracking"`
	TrackingRate float64         `yaml:"tracking_rate"` // RA hours per time unit
	Latitude     float64         `yaml:"latitude"`
	Longitude    float64         `yaml:"longitude"`
	Policy       movement.Policy `yaml:"policy"`
	TickInterval float64         `yaml:"tick_interval"`
}

// DefaultConfig returns a mount at RA 0h, Dec 0° on a mid-northern site.
func DefaultConfig() Config {
	return Config{
		SlewRate:     3,
		TrackingRate: 0.004,
		Latitude:     40.0,
		Longitude:    -74.0,
		Policy:       movement.PolicyRedirect,
		TickInterval: 0.1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if !validRA(c.RA) {
		errs = append(errs, errors.New("ra must be in [0, 24)"))
	}
	if !validDec(c.Dec) {
		errs = append(errs, errors.New("dec must be in [-90, 90]"))
	}
	if c.SlewRate < MinSlewRate || c.SlewRate > MaxSlewRate {
		errs = append(errs, fmt.Errorf("slew_rate must be in [%d, %d]", MinSlewRate, MaxSlewRate))
	}
	if c.TrackingRate < 0 || math.IsNaN(c.TrackingRate) || math.IsInf(c.TrackingRate, 0) {
		errs = append(errs, errors.New("tracking_rate must not be negative"))
	}
	if !validDec(c.Latitude) {
		errs = append(errs, errors.New("latitude must be in [-90, 90]"))
	}
	if c.Longitude < -180 || c.Longitude > 180 || math.IsNaN(c.Longitude) {
		errs = append(errs, errors.New("longitude must be in [-180, 180]"))
	}
	if c.Policy != movement.PolicyRedirect && c.Policy != movement.PolicyReject {
		errs = append(errs, fmt.Errorf("policy must be %s or %s", movement.PolicyRedirect, movement.PolicyReject))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick_interval must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("telescope: %w", err)
	}
	return nil
}

func validRA(ra float64) bool { return ra >= 0 && ra < 24 }

func validDec(dec float64) bool { return dec >= -90 && dec <= 90 }

// slewSpeed is the axis speed for a slew rate.
func slewSpeed(rate int) float64 { return float64(rate) * degreesPerRate }

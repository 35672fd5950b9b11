package device

import (
	"hash/fnv"
	"math/rand/v2"
	"time"
)

// DefaultTimeUnit is the wall-clock length of one simulated time unit.
const DefaultTimeUnit = time.Second

// Timebase converts simulated time units to wall-clock durations.
// Every loop interval and simulated duration is expressed in units so that
// tests can compress time.
type Timebase struct {
	Unit time.Duration
}

// NewTimebase returns a Timebase with unit, or DefaultTimeUnit when unit <= 0.
func NewTimebase(unit time.Duration) Timebase {
	if unit <= 0 {
		unit = DefaultTimeUnit
	}
	return Timebase{Unit: unit}
}

// Duration converts units to a wall-clock duration.
func (t Timebase) Duration(units float64) time.Duration {
	unit := t.Unit
	if unit <= 0 {
		unit = DefaultTimeUnit
	}
	return time.Duration(units * float64(unit))
}

// Units converts a wall-clock duration to simulated units.
func (t Timebase) Units(d time.Duration) float64 {
	unit := t.Unit
	if unit <= 0 {
		unit = DefaultTimeUnit
	}
	return float64(d) / float64(unit)
}

// Random is the source of every simulated random outcome.
// *rand.Rand satisfies it.
type Random interface {
	Float64() float64
	NormFloat64() float64
	IntN(n int) int
}

// NewRandom returns a deterministic source for seed.
// The result is not safe for concurrent use; each state machine owns one.
func NewRandom(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// SubSeed derives an independent seed for a named consumer of seed.
func SubSeed(seed uint64, name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return seed ^ h.Sum64()
}

package camera

import (
	"context"
	"math"
)

// Cooling model constants.
const (
	coolingTolerance = 0.1  // °C; closer than this the cooler holds
	powerPerDegree   = 10.0 // drive power per °C of error
	degreesPerPower  = 0.01 // °C moved per tick per unit of power
	minHoldingPower  = 5.0
	ambientRelax     = 0.05 // fraction of the ambient gap closed per tick
)

// cooler is the cooling target and sensor model.
type cooler struct {
	enabled     bool
	target      float64
	temperature float64
	power       float64
	ambient     float64
}

// step advances the model by one tick.
func (m *cooler) step() {
	if !m.enabled {
		m.power = 0
		gap := m.ambient - m.temperature
		if math.Abs(gap) <= coolingTolerance {
			m.temperature = m.ambient
			return
		}
		m.temperature += gap * ambientRelax
		return
	}

	diff := m.target - m.temperature
	if math.Abs(diff) <= coolingTolerance {
		m.temperature = m.target
		m.power = m.holdingPower()
		return
	}

	m.power = clamp(math.Abs(diff)*powerPerDegree, 0, 100)
	move := m.power * degreesPerPower
	if move > math.Abs(diff) {
		move = math.Abs(diff)
	}
	m.temperature += math.Copysign(move, diff)
}

// holdingPower is the drive needed to keep the sensor at target against
// ambient. It never reports zero while enabled.
func (m *cooler) holdingPower() float64 {
	return clamp(math.Max(minHoldingPower, (m.ambient-m.target)*1.0), 0, 100)
}

// coolingStep runs one cooling tick and publishes temperature and power.
func (c *Camera) coolingStep(context.Context) error {
	c.mu.Lock()
	c.cooler.step()
	c.dev.Stage(map[string]any{
		PropSensorTemperature: round(c.cooler.temperature, 2),
		PropCoolerPower:       round(c.cooler.power, 1),
	})
	c.unlock()
	return nil
}

package camera

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/nerrad567/astro-devsim/internal/device"
	"github.com/nerrad567/astro-devsim/internal/device/devicetest"
)

func TestCooler_MonotonicApproachThenHolding(t *testing.T) {
	m := cooler{ambient: 20, temperature: 20, target: 20}

	m.step()
	if m.temperature != 20 || m.power != 0 {
		t.Fatalf("disabled at ambient: temperature=%v power=%v", m.temperature, m.power)
	}

	m.enabled = true
	m.target = -10

	prev := m.temperature
	reached := false
	for tick := 1; tick <= 500; tick++ {
		m.step()
		if m.power < 0 || m.power > 100 {
			t.Fatalf("tick %d: power %v outside [0,100]", tick, m.power)
		}
		if math.Abs(m.temperature-m.target) <= coolingTolerance {
			reached = true
			break
		}
		if m.temperature >= prev {
			t.Fatalf("tick %d: temperature %v did not decrease from %v", tick, m.temperature, prev)
		}
		prev = m.temperature
	}
	if !reached {
		t.Fatalf("temperature %v never reached target", m.temperature)
	}

	for i := 0; i < 3; i++ {
		m.step()
		if m.power <= 0 {
			t.Fatalf("holding power = %v, want nonzero", m.power)
		}
		if m.temperature != m.target {
			t.Errorf("holding temperature drifted to %v", m.temperature)
		}
	}
}

func TestCooler_DisabledRelaxesToAmbient(t *testing.T) {
	m := cooler{ambient: 20, temperature: -10, target: -10}

	prev := m.temperature
	for tick := 0; tick < 500 && m.temperature != m.ambient; tick++ {
		m.step()
		if m.power != 0 {
			t.Fatalf("power = %v with cooler disabled", m.power)
		}
		if m.temperature < prev {
			t.Fatalf("temperature moved away from ambient: %v -> %v", prev, m.temperature)
		}
		prev = m.temperature
	}
	if m.temperature != m.ambient {
		t.Errorf("temperature = %v, want ambient %v", m.temperature, m.ambient)
	}
}

func TestCooler_Power(t *testing.T) {
	tests := []struct {
		name string
		temp float64
		want float64
	}{
		{"far", 20, 100},
		{"near", -7, 30},
		{"holding", -10.05, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := cooler{enabled: true, ambient: 20, temperature: tt.temp, target: -10}
			m.step()
			if math.Abs(m.power-tt.want) > 1e-9 {
				t.Errorf("power = %v, want %v", m.power, tt.want)
			}
		})
	}
}

func TestCooler_HoldingPowerNeverZero(t *testing.T) {
	m := cooler{enabled: true, ambient: 20, temperature: 25, target: 25}
	m.step()
	if m.power != minHoldingPower {
		t.Errorf("holding above ambient: power = %v, want %v", m.power, minHoldingPower)
	}
}

func TestSetCooler(t *testing.T) {
	f := newCamera(t, smallConfig(), Deps{}, true)

	resp := devicetest.MustSucceed(t, f.dev, CmdSetCooler, device.Params{"enabled": true, "temperature": -100.0})
	if resp.Details["target_temperature"] != MinTargetTemperature {
		t.Errorf("target = %v, want clamp to %v", resp.Details["target_temperature"], MinTargetTemperature)
	}
	if devicetest.Prop(t, f.dev, PropCoolerEnabled) != true {
		t.Error("cooler_enabled not set")
	}

	resp = devicetest.MustSucceed(t, f.dev, CmdSetCooler, device.Params{"enabled": false})
	if resp.Details["target_temperature"] != MinTargetTemperature {
		t.Errorf("target without temperature param = %v, want unchanged", resp.Details["target_temperature"])
	}

	devicetest.MustFail(t, f.dev, CmdSetCooler, device.Params{})
	devicetest.MustFail(t, f.dev, CmdSetCooler, device.Params{"enabled": true, "temperature": "cold"})

	devicetest.Flush(t, f.dev)
	changed := f.rec.Named(EventCoolerChanged)
	if len(changed) != 2 {
		t.Fatalf("COOLER_CHANGED count = %d, want 2", len(changed))
	}
	if changed[1].Payload["previous_enabled"] != true || changed[1].Payload["enabled"] != false {
		t.Errorf("second COOLER_CHANGED payload = %v", changed[1].Payload)
	}
}

func TestSetCooler_RejectsNonFiniteTarget(t *testing.T) {
	f := newCamera(t, smallConfig(), Deps{}, true)
	devicetest.MustSucceed(t, f.dev, CmdSetCooler, device.Params{"enabled": true, "temperature": -5.0})

	for _, v := range []any{"NaN", "Inf", "-Inf", math.NaN()} {
		resp := devicetest.MustFail(t, f.dev, CmdSetCooler, device.Params{"enabled": true, "temperature": v})
		if resp.Message() != "invalid parameter: temperature must be finite" {
			t.Errorf("temperature %v: message = %q", v, resp.Message())
		}
	}

	for i := 0; i < 5; i++ {
		if err := f.cam.coolingStep(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	for _, name := range []string{PropTargetTemperature, PropSensorTemperature, PropCoolerPower} {
		v, err := f.dev.Properties().Float(name)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("%s = %v, %v", name, v, err)
		}
	}
	if got := devicetest.Prop(t, f.dev, PropTargetTemperature); got != -5.0 {
		t.Errorf("target = %v, want -5 kept", got)
	}
}

func TestClamp_NaN(t *testing.T) {
	if got := clamp(math.NaN(), 0, 100); got != 0 {
		t.Errorf("clamp(NaN) = %v, want 0", got)
	}
}

func TestSetCooler_NoCooler(t *testing.T) {
	cfg := smallConfig()
	cfg.HasCooler = false
	f := newCamera(t, cfg, Deps{}, true)

	resp := devicetest.MustFail(t, f.dev, CmdSetCooler, device.Params{"enabled": true})
	if resp.Message() != msgNoCooler {
		t.Errorf("message = %q", resp.Message())
	}
}

func TestCoolingLoop_PublishesProperties(t *testing.T) {
	cfg := smallConfig()
	cfg.CoolingInterval = 0.5
	f := newCamera(t, cfg, Deps{}, false)

	devicetest.MustSucceed(t, f.dev, CmdSetCooler, device.Params{"enabled": true, "temperature": -10.0})

	devicetest.Eventually(t, time.Second, func() bool {
		v, _ := f.dev.Properties().Float(PropSensorTemperature)
		return v < 19
	}, "sensor temperature to fall")

	power, err := f.dev.Properties().Float(PropCoolerPower)
	if err != nil || power <= 0 {
		t.Errorf("cooler_power = %v, %v", power, err)
	}

	devicetest.Flush(t, f.dev)
	if len(f.rec.Changes(PropSensorTemperature)) == 0 {
		t.Error("no ccd_temperature change notifications")
	}
}

func TestCoolingStep_RunsDuringExposure(t *testing.T) {
	f := newCamera(t, smallConfig(), Deps{}, true)

	devicetest.MustSucceed(t, f.dev, CmdSetCooler, device.Params{"enabled": true, "temperature": 0.0})
	devicetest.MustSucceed(t, f.dev, CmdStartExposure, device.Params{"duration": 10.0})

	before, _ := f.dev.Properties().Float(PropSensorTemperature)
	for i := 0; i < 3; i++ {
		_ = f.cam.coolingStep(context.Background())
	}
	after, _ := f.dev.Properties().Float(PropSensorTemperature)
	if after >= before {
		t.Errorf("temperature %v -> %v while exposing, want decrease", before, after)
	}
	if f.cam.State() != StateExposing {
		t.Errorf("cooling disturbed exposure state: %s", f.cam.State())
	}
}

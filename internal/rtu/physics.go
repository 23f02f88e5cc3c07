// Package rtu implements the per-node RTU runtime: a local physics
// stand-in, a telemetry sampler, the Master-facing control-channel
// server, and decorative Modbus/IEC-104 listeners. A real power-flow/
// thermal simulation is an external concern; the bounded random walk
// here is just enough to drive the Master's aggregation, alarm, and
// control paths.
package rtu

import (
	"math"
	"math/rand"
	"time"

	"scadamaster/internal/model"
)

// Simulator produces the next telemetry reading for one node: a bounded
// random walk around the node's nominal operating point, occasionally
// emitting an unsafe (NaN) value so the sampler's substitution path has
// something to do.
type Simulator struct {
	desc model.NodeDescriptor
	rng  *rand.Rand

	voltageKV float64
	freqHz    float64
	activeMW  float64
	tempC     float64
	energyMWh float64
}

// NewSimulator seeds a walk starting at the node's nominal values.
func NewSimulator(desc model.NodeDescriptor, rng *rand.Rand) *Simulator {
	return &Simulator{
		desc:      desc,
		rng:       rng,
		voltageKV: desc.NominalVoltageKV,
		freqHz:    50.0,
		activeMW:  desc.CapacityMW * 0.6,
		tempC:     45,
	}
}

// Next advances the walk by one tick and returns the resulting sample.
// NodeID, Seq, and Timestamp are left for the caller to fill in.
func (s *Simulator) Next(now time.Time) model.TelemetrySample {
	s.voltageKV += s.walk(0.3)
	s.freqHz += s.walk(0.02)
	s.activeMW += s.walk(s.desc.CapacityMW * 0.01)
	if s.activeMW < 0 {
		s.activeMW = 0
	}
	if s.desc.CapacityMW > 0 && s.activeMW > s.desc.CapacityMW {
		s.activeMW = s.desc.CapacityMW
	}
	s.tempC += s.walk(0.5)
	s.energyMWh += s.activeMW / 3600

	voltage := math.Max(s.voltageKV, 1)
	current := (s.activeMW * 1000) / (voltage * math.Sqrt(3))
	reactive := s.activeMW * 0.2
	pf := s.activeMW / math.Max(math.Hypot(s.activeMW, reactive), 0.001)

	sample := model.TelemetrySample{
		Timestamp:          now,
		VoltageKV:          ptr(s.voltageKV),
		CurrentA:           ptr(current),
		ActivePowerMW:      ptr(s.activeMW),
		ReactivePowerMVAr:  ptr(reactive),
		PowerFactor:        ptr(pf),
		FrequencyHz:        ptr(s.freqHz),
		TemperatureC:       ptr(s.tempC),
		EnergyDeliveredMWh: ptr(s.energyMWh),
		Quality:            model.QualityGood,
	}
	// Distribution feeders carry no temperature sensor.
	if s.desc.Kind == model.NodeDistribution {
		sample.TemperatureC = nil
	}
	// Rare unsafe reading: exercises the sampler's Suspect substitution
	// path without dominating the trace.
	if s.rng.Float64() < 0.0005 {
		*sample.FrequencyHz = math.NaN()
	}
	return sample
}

func (s *Simulator) walk(scale float64) float64 {
	return (s.rng.Float64()*2 - 1) * scale
}

func ptr(v float64) *float64 { return &v }

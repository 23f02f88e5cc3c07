// Package alarm implements the alarm raise/clear/acknowledge state
// machine: a table keyed by (node_id, code) serialized by a sharded
// lock-map, threshold evaluation on telemetry, and RTU-pushed event
// ingestion.
package alarm

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"scadamaster/internal/clock"
	"scadamaster/internal/fanout"
	"scadamaster/internal/model"
	"scadamaster/internal/obs/logging"
	"scadamaster/internal/protocol"
)

// Threshold and hysteresis constants.
const (
	FreqLowHz, FreqHighHz   = 49.5, 50.5
	FreqHysteresisHz        = 0.05
	VoltageDeviationPct     = 0.10
	VoltageHysteresisPct    = 0.02
	ThermalTripC            = 100.0
	ThermalHysteresisC      = 5.0
	ClearAfterSamples       = 5
	defaultShardCount       = 16
)

// severityByCode is the static code->severity mapping.
var severityByCode = map[model.AlarmCode]model.Severity{
	model.CodeOvervoltage:    model.SeverityWarning,
	model.CodeUndervoltage:   model.SeverityWarning,
	model.CodeOverfrequency:  model.SeverityCritical,
	model.CodeUnderfrequency: model.SeverityCritical,
	model.CodeThermalTrip:    model.SeverityCritical,
	model.CodeBreakerTripped: model.SeverityCritical,
}

// NodeInfo resolves a node's static descriptor for threshold comparisons
// (nominal voltage); Registry satisfies this by structural typing.
type NodeInfo interface {
	GetNode(id string) (model.NodeRuntimeRecord, error)
}

// Historian persists every alarm transition.
type Historian interface {
	WriteAlarm(a model.Alarm)
}

// Engine is the alarm table and its threshold/event evaluators.
type Engine struct {
	nodes     NodeInfo
	bus       *fanout.Bus
	historian Historian
	log       logging.Logger
	clock     clock.Clock

	shards []*shard
	mask   uint64
}

type shard struct {
	mu    sync.Mutex
	table map[key]*cell
}

type key struct {
	nodeID string
	code   model.AlarmCode
}

type cell struct {
	alarm      *model.Alarm // nil if no Raised/Acknowledged alarm currently active
	inBandRuns int
}

// New builds an Engine. bus/historian may be nil in tests that only
// exercise the state machine.
func New(nodes NodeInfo, bus *fanout.Bus, historian Historian, log logging.Logger) *Engine {
	e := &Engine{nodes: nodes, bus: bus, historian: historian, log: log, clock: clock.Real()}
	e.shards = make([]*shard, defaultShardCount)
	for i := range e.shards {
		e.shards[i] = &shard{table: make(map[key]*cell)}
	}
	e.mask = uint64(defaultShardCount - 1)
	return e
}

// WithClock overrides the engine's time source; used by tests driving
// the hysteresis-clear window deterministically.
func (e *Engine) WithClock(c clock.Clock) *Engine {
	if c != nil {
		e.clock = c
	}
	return e
}

func (e *Engine) shardFor(nodeID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nodeID))
	return e.shards[uint64(h.Sum32())&e.mask]
}

// OnTelemetry evaluates threshold crossings for one sample (registry.TelemetryObserver).
func (e *Engine) OnTelemetry(sample model.TelemetrySample) {
	rec, err := e.lookupNode(sample.NodeID)
	if err != nil {
		return
	}

	if sample.FrequencyHz != nil && rec.Descriptor.Kind == model.NodeGeneration {
		e.evaluateFrequency(sample.NodeID, *sample.FrequencyHz)
	}
	if sample.VoltageKV != nil && rec.Descriptor.NominalVoltageKV > 0 {
		e.evaluateVoltage(sample.NodeID, *sample.VoltageKV, rec.Descriptor.NominalVoltageKV)
	}
	if sample.TemperatureC != nil {
		e.evaluateThermal(sample.NodeID, *sample.TemperatureC)
	}
	if sample.BreakerState != "" {
		e.evaluateBreaker(sample.NodeID, sample.BreakerState)
	}
}

// OnEvent ingests an RTU-pushed Event frame (registry.EventObserver):
// a breaker transition is re-evaluated through the normal threshold
// path, and an already-decided alarm code is raised directly.
func (e *Engine) OnEvent(nodeID string, kind string, payload []byte) {
	if kind != string(protocol.KindEvent) {
		return
	}
	var ev protocol.EventPayload
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	switch ev.Kind {
	case "AlarmRaised":
		if ev.AlarmCode != "" {
			e.raiseOrBump(nodeID, model.AlarmCode(ev.AlarmCode), ev.Description)
		}
	case "BreakerChanged":
		e.evaluateBreaker(nodeID, model.BreakerState(ev.State))
	}
}

func (e *Engine) lookupNode(id string) (model.NodeRuntimeRecord, error) {
	if e.nodes == nil {
		return model.NodeRuntimeRecord{}, model.ErrNodeNotFound
	}
	return e.nodes.GetNode(id)
}

func (e *Engine) evaluateFrequency(nodeID string, hz float64) {
	switch {
	case hz < FreqLowHz:
		e.raiseOrBump(nodeID, model.CodeUnderfrequency, fmt.Sprintf("frequency %.3f Hz below %.1f Hz", hz, FreqLowHz))
	case hz > FreqHighHz:
		e.raiseOrBump(nodeID, model.CodeOverfrequency, fmt.Sprintf("frequency %.3f Hz above %.1f Hz", hz, FreqHighHz))
	default:
		inBand := hz >= FreqLowHz+FreqHysteresisHz && hz <= FreqHighHz-FreqHysteresisHz
		e.maybeClear(nodeID, model.CodeUnderfrequency, inBand)
		e.maybeClear(nodeID, model.CodeOverfrequency, inBand)
	}
}

func (e *Engine) evaluateVoltage(nodeID string, kv, nominal float64) {
	low := nominal * (1 - VoltageDeviationPct)
	high := nominal * (1 + VoltageDeviationPct)
	switch {
	case kv < low:
		e.raiseOrBump(nodeID, model.CodeUndervoltage, fmt.Sprintf("voltage %.2f kV below %.2f%% of nominal", kv, VoltageDeviationPct*100))
	case kv > high:
		e.raiseOrBump(nodeID, model.CodeOvervoltage, fmt.Sprintf("voltage %.2f kV above %.2f%% of nominal", kv, VoltageDeviationPct*100))
	default:
		hystLow := nominal * (1 - VoltageDeviationPct + VoltageHysteresisPct)
		hystHigh := nominal * (1 + VoltageDeviationPct - VoltageHysteresisPct)
		inBand := kv >= hystLow && kv <= hystHigh
		e.maybeClear(nodeID, model.CodeUndervoltage, inBand)
		e.maybeClear(nodeID, model.CodeOvervoltage, inBand)
	}
}

func (e *Engine) evaluateThermal(nodeID string, c float64) {
	if c > ThermalTripC {
		e.raiseOrBump(nodeID, model.CodeThermalTrip, fmt.Sprintf("temperature %.1f C above %.1f C", c, ThermalTripC))
		return
	}
	inBand := c <= ThermalTripC-ThermalHysteresisC
	e.maybeClear(nodeID, model.CodeThermalTrip, inBand)
}

func (e *Engine) evaluateBreaker(nodeID string, state model.BreakerState) {
	if state == model.BreakerTripped {
		e.raiseOrBump(nodeID, model.CodeBreakerTripped, "breaker tripped")
		return
	}
	e.maybeClear(nodeID, model.CodeBreakerTripped, true)
}

// raiseOrBump inserts a new Raised alarm on the first crossing, or
// increments details.occurrences if one is already active for this key;
// an active (node, code) pair never gets a duplicate alarm.
func (e *Engine) raiseOrBump(nodeID string, code model.AlarmCode, description string) {
	k := key{nodeID: nodeID, code: code}
	sh := e.shardFor(nodeID)
	sh.mu.Lock()
	c, ok := sh.table[k]
	if !ok {
		c = &cell{}
		sh.table[k] = c
	}
	c.inBandRuns = 0

	var toPublish *model.Alarm
	if c.alarm == nil {
		now := e.clock.Now()
		a := &model.Alarm{
			AlarmID:  uuid.NewString(),
			NodeID:   nodeID,
			Code:     code,
			Severity: severityByCode[code],
			State:    model.AlarmRaised,
			RaisedAt: now,
			Details:  map[string]any{"occurrences": 1, "description": description},
		}
		c.alarm = a
		cp := *a
		toPublish = &cp
	} else {
		n, _ := c.alarm.Details["occurrences"].(int)
		c.alarm.Details["occurrences"] = n + 1
	}
	sh.mu.Unlock()

	if toPublish != nil {
		e.publishRaised(*toPublish)
	}
}

// maybeClear transitions an active alarm to Cleared once inBand has held
// for ClearAfterSamples consecutive samples.
func (e *Engine) maybeClear(nodeID string, code model.AlarmCode, inBand bool) {
	k := key{nodeID: nodeID, code: code}
	sh := e.shardFor(nodeID)
	sh.mu.Lock()
	c, ok := sh.table[k]
	if !ok || c.alarm == nil {
		sh.mu.Unlock()
		return
	}
	if !inBand {
		c.inBandRuns = 0
		sh.mu.Unlock()
		return
	}
	c.inBandRuns++
	var toPublish *model.Alarm
	if c.inBandRuns >= ClearAfterSamples {
		now := e.clock.Now()
		c.alarm.State = model.AlarmCleared
		c.alarm.ClearedAt = &now
		cp := *c.alarm
		toPublish = &cp
		c.alarm = nil
		c.inBandRuns = 0
	}
	sh.mu.Unlock()

	if toPublish != nil {
		e.publishCleared(*toPublish)
	}
}

// Acknowledge flips Raised -> Acknowledged. Acknowledging an alarm that
// is already Acknowledged returns it unchanged; acknowledging a Cleared
// alarm returns an error.
func (e *Engine) Acknowledge(alarmID, operator, comment string) (model.Alarm, error) {
	sh, c, ok := e.findByID(alarmID)
	if !ok {
		return model.Alarm{}, model.ErrAlarmNotFound
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if c.alarm == nil || c.alarm.AlarmID != alarmID {
		return model.Alarm{}, model.ErrAlarmNotFound
	}
	if c.alarm.State == model.AlarmAcknowledged {
		return *c.alarm, nil
	}
	if c.alarm.State == model.AlarmCleared {
		return model.Alarm{}, model.NewError(model.KindConflict, "alarm already cleared", nil)
	}
	now := e.clock.Now()
	c.alarm.State = model.AlarmAcknowledged
	c.alarm.AcknowledgedAt = &now
	c.alarm.AcknowledgedBy = operator
	if comment != "" {
		if c.alarm.Details == nil {
			c.alarm.Details = map[string]any{}
		}
		c.alarm.Details["ack_comment"] = comment
	}
	cp := *c.alarm
	go e.publishAcknowledged(cp)
	return cp, nil
}

func (e *Engine) findByID(alarmID string) (*shard, *cell, bool) {
	for _, sh := range e.shards {
		sh.mu.Lock()
		for _, c := range sh.table {
			if c.alarm != nil && c.alarm.AlarmID == alarmID {
				sh.mu.Unlock()
				return sh, c, true
			}
		}
		sh.mu.Unlock()
	}
	return nil, nil, false
}

// ActiveAlarms returns every alarm with state in {Raised, Acknowledged}
// (GET /alarms/active).
func (e *Engine) ActiveAlarms() []model.Alarm {
	var out []model.Alarm
	for _, sh := range e.shards {
		sh.mu.Lock()
		for _, c := range sh.table {
			if c.alarm != nil {
				out = append(out, *c.alarm)
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// ActiveCounts implements telemetry.AlarmCountSource.
func (e *Engine) ActiveCounts() model.AlarmCounts {
	var counts model.AlarmCounts
	for _, sh := range e.shards {
		sh.mu.Lock()
		for _, c := range sh.table {
			if c.alarm == nil {
				continue
			}
			switch c.alarm.Severity {
			case model.SeverityInfo:
				counts.Info++
			case model.SeverityWarning:
				counts.Warning++
			case model.SeverityCritical:
				counts.Critical++
			}
		}
		sh.mu.Unlock()
	}
	return counts
}

func (e *Engine) publishRaised(a model.Alarm) {
	if e.historian != nil {
		e.historian.WriteAlarm(a)
	}
	if e.bus != nil {
		e.bus.Publish(model.Message{Type: model.MsgAlarmRaised, At: a.RaisedAt, Data: a})
	}
	if e.log != nil {
		e.log.WarnCtx(context.Background(), "alarm raised", "node_id", a.NodeID, "code", string(a.Code), "alarm_id", a.AlarmID)
	}
}

func (e *Engine) publishCleared(a model.Alarm) {
	if e.historian != nil {
		e.historian.WriteAlarm(a)
	}
	if e.bus != nil {
		at := time.Now()
		if a.ClearedAt != nil {
			at = *a.ClearedAt
		}
		e.bus.Publish(model.Message{Type: model.MsgAlarmCleared, At: at, Data: a})
	}
}

func (e *Engine) publishAcknowledged(a model.Alarm) {
	if e.historian != nil {
		e.historian.WriteAlarm(a)
	}
	if e.bus != nil {
		at := time.Now()
		if a.AcknowledgedAt != nil {
			at = *a.AcknowledgedAt
		}
		e.bus.Publish(model.Message{Type: model.MsgAlarmAcknowledged, At: at, Data: a})
	}
}

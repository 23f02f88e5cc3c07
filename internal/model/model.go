// Package model holds the data types shared across the Master and RTU:
// node descriptors, telemetry samples, grid snapshots, alarms, SBO
// sessions, connection records, security events, users, and audit
// entries. Nothing in this package owns concurrency; callers serialize
// access the way each owning component's design note describes.
package model

import (
	"errors"
	"time"
)

// NodeKind classifies a node's role in the grid.
type NodeKind string

const (
	NodeGeneration  NodeKind = "generation"
	NodeSubstation  NodeKind = "substation"
	NodeDistribution NodeKind = "distribution"
)

// NodeDescriptor is the static declaration of one RTU, loaded from the
// node catalogue at startup.
type NodeDescriptor struct {
	NodeID           string   `yaml:"node_id" json:"node_id"`
	Kind             NodeKind `yaml:"kind" json:"kind"`
	Location         string   `yaml:"location" json:"location"`
	CapacityMW       float64  `yaml:"capacity_mw" json:"capacity_mw"`
	NominalVoltageKV float64  `yaml:"nominal_voltage_kv" json:"nominal_voltage_kv"`
	NodeIP           string   `yaml:"node_ip" json:"node_ip"`
	RESTPort         int      `yaml:"rest_port" json:"rest_port"`
	ControlPort      int      `yaml:"control_port" json:"control_port"`
	ModbusPort       int      `yaml:"modbus_port" json:"modbus_port"`
	IEC104Port       int      `yaml:"iec104_port" json:"iec104_port"`
}

// LinkState is the node supervisor's connection state machine.
type LinkState string

const (
	LinkConnecting   LinkState = "Connecting"
	LinkConnected    LinkState = "Connected"
	LinkReconnecting LinkState = "Reconnecting"
	LinkDegraded     LinkState = "Degraded"
	LinkOffline      LinkState = "Offline"
)

// BreakerState is the observable state of a breaker reported by an RTU.
type BreakerState string

const (
	BreakerOpen    BreakerState = "Open"
	BreakerClosed  BreakerState = "Closed"
	BreakerTripped BreakerState = "Tripped"
)

// SampleQuality flags a telemetry sample that substituted a stale value
// for an unsafe (NaN) simulator reading.
type SampleQuality string

const (
	QualityGood    SampleQuality = "Good"
	QualitySuspect SampleQuality = "Suspect"
)

// TelemetrySample is one reading from an RTU. Any numeric field may be
// absent (nil pointer) per node kind.
type TelemetrySample struct {
	NodeID             string        `json:"node_id"`
	Seq                uint64        `json:"seq"`
	Timestamp          time.Time     `json:"timestamp"`
	VoltageKV          *float64      `json:"voltage_kv,omitempty"`
	CurrentA           *float64      `json:"current_a,omitempty"`
	ActivePowerMW      *float64      `json:"active_power_mw,omitempty"`
	ReactivePowerMVAr  *float64      `json:"reactive_power_mvar,omitempty"`
	PowerFactor        *float64      `json:"power_factor,omitempty"`
	FrequencyHz        *float64      `json:"frequency_hz,omitempty"`
	TemperatureC       *float64      `json:"temperature_c,omitempty"`
	BreakerState       BreakerState  `json:"breaker_state,omitempty"`
	EnergyDeliveredMWh *float64      `json:"energy_delivered_mwh,omitempty"`
	Quality            SampleQuality `json:"quality,omitempty"`
}

// NodeRuntimeRecord is the Master-side view of one node: its static
// descriptor plus live link and telemetry state. The ring buffer is
// owned and mutated only by that node's supervisor goroutine.
type NodeRuntimeRecord struct {
	Descriptor       NodeDescriptor
	LinkState        LinkState
	LastHeartbeat    time.Time
	ReconnectAttempt int
	Latest           *TelemetrySample
	BreakerStates    map[string]BreakerState
}

// GridSnapshot is the aggregator's rolled-up view of the whole grid,
// computed once per aggregator tick.
type GridSnapshot struct {
	GeneratedAt       time.Time   `json:"generated_at"`
	SystemFrequencyHz float64     `json:"system_frequency_hz"`
	TotalGenerationMW float64     `json:"total_generation_mw"`
	TotalLoadMW       float64     `json:"total_load_mw"`
	GridLossesMW      float64     `json:"grid_losses_mw"`
	NodesOnline       int         `json:"nodes_online"`
	NodesOffline      int         `json:"nodes_offline"`
	NodesDegraded     int         `json:"nodes_degraded"`
	AlarmCounts       AlarmCounts `json:"alarm_counts"`
	FrequencyTrace    []FreqPoint `json:"frequency_trace"`
}

// AlarmCounts tallies active alarms by severity.
type AlarmCounts struct {
	Info     int `json:"info"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
}

// FreqPoint is one sample in the grid snapshot's rolling frequency trace.
type FreqPoint struct {
	At   time.Time `json:"at"`
	Hz   float64   `json:"hz"`
}

// Severity is shared by alarms and security events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlarmState is the alarm lifecycle state machine: Raised -> (Acknowledged
// | Cleared); Acknowledged -> Cleared. Cleared is terminal and immutable.
type AlarmState string

const (
	AlarmRaised       AlarmState = "Raised"
	AlarmAcknowledged AlarmState = "Acknowledged"
	AlarmCleared      AlarmState = "Cleared"
)

// AlarmCode enumerates the static threshold-driven alarm codes.
type AlarmCode string

const (
	CodeOvervoltage    AlarmCode = "OVERVOLTAGE"
	CodeUndervoltage   AlarmCode = "UNDERVOLTAGE"
	CodeOverfrequency  AlarmCode = "OVERFREQUENCY"
	CodeUnderfrequency AlarmCode = "UNDERFREQUENCY"
	CodeThermalTrip    AlarmCode = "THERMAL_TRIP"
	CodeBreakerTripped AlarmCode = "BREAKER_TRIPPED"
)

// Alarm is one entry in the alarm table, keyed by (NodeID, Code).
type Alarm struct {
	AlarmID        string         `json:"alarm_id"`
	NodeID         string         `json:"node_id"`
	Code           AlarmCode      `json:"code"`
	Severity       Severity       `json:"severity"`
	State          AlarmState     `json:"state"`
	RaisedAt       time.Time      `json:"raised_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	ClearedAt      *time.Time     `json:"cleared_at,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

// BreakerAction is the commanded direction of an SBO operate.
type BreakerAction string

const (
	ActionOpen  BreakerAction = "open"
	ActionClose BreakerAction = "close"
)

// SBOState is the Select-Before-Operate session lifecycle. Armed is the
// only non-terminal state; the rest are terminal.
type SBOState string

const (
	SBOArmed     SBOState = "Armed"
	SBOOperated  SBOState = "Operated"
	SBOCancelled SBOState = "Cancelled"
	SBOExpired   SBOState = "Expired"
)

// SBOResult is the outcome recorded once a session transitions to Operated.
type SBOResult string

const (
	ResultSuccess SBOResult = "Success"
	ResultFailure SBOResult = "Failure"
)

// SBOSession is one armed-then-operated (or cancelled/expired) breaker
// command, keyed by (NodeID, BreakerID) while Armed.
type SBOSession struct {
	SessionID   string        `json:"session_id"`
	Operator    string        `json:"operator"`
	NodeID      string        `json:"node_id"`
	BreakerID   string        `json:"breaker_id"`
	Action      BreakerAction `json:"action"`
	Reason      string        `json:"reason"`
	State       SBOState      `json:"state"`
	ArmedAt     time.Time     `json:"armed_at"`
	Deadline    time.Time     `json:"deadline"`
	Result      SBOResult     `json:"result,omitempty"`
	ResponseMS  int64         `json:"response_time_ms,omitempty"`
	NewBreaker  BreakerState  `json:"new_breaker_state,omitempty"`
}

// Protocol is a transport spoken by an inbound connection to an RTU.
type Protocol string

const (
	ProtoREST      Protocol = "REST"
	ProtoWebSocket Protocol = "WebSocket"
	ProtoModbus    Protocol = "Modbus"
	ProtoIEC104    Protocol = "IEC104"
)

// ConnectionStatus is the security engine's classification of a connection.
type ConnectionStatus string

const (
	StatusAuthorised ConnectionStatus = "Authorised"
	StatusUnknown    ConnectionStatus = "Unknown"
)

// ConnectionRecord describes one inbound client connection observed by an
// RTU and reported to the Master's security engine.
type ConnectionRecord struct {
	NodeID         string           `json:"node_id"`
	ClientIP       string           `json:"client_ip"`
	ClientPort     int              `json:"client_port"`
	Protocol       Protocol         `json:"protocol"`
	Status         ConnectionStatus `json:"status"`
	ConnectedAt    time.Time        `json:"connected_at"`
	DisconnectedAt *time.Time       `json:"disconnected_at,omitempty"`
	RequestsCount  int64            `json:"requests_count"`
	BytesIn        int64            `json:"bytes_in"`
	BytesOut       int64            `json:"bytes_out"`
}

// SecurityEventType enumerates the security engine's event kinds.
type SecurityEventType string

const (
	EventUnknownConnection SecurityEventType = "UnknownConnection"
	EventAuthFailure       SecurityEventType = "AuthFailure"
	EventPermissionDenied  SecurityEventType = "PermissionDenied"
	EventRateLimited       SecurityEventType = "RateLimited"
	EventBlockIssued       SecurityEventType = "BlockIssued"
)

// SecurityEvent is one row the security engine raises and the historian
// persists.
type SecurityEvent struct {
	EventID     string            `json:"event_id"`
	Type        SecurityEventType `json:"type"`
	Severity    Severity          `json:"severity"`
	NodeID      string            `json:"node_id,omitempty"`
	ClientIP    string            `json:"client_ip,omitempty"`
	Description string            `json:"description"`
	RaisedAt    time.Time         `json:"raised_at"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// Role is a fixed, total user role; every user has exactly one.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleEngineer Role = "engineer"
	RoleAdmin    Role = "admin"
)

// User is an operator account. PasswordHash is a bcrypt hash; plaintext
// is never persisted.
type User struct {
	Username       string
	PasswordHash   string
	Role           Role
	FailedAttempts int
	LastFailureAt  time.Time
	LockedUntil    time.Time
}

// ErrAccountLocked is returned by the auth engine when a user's failure
// counter has tripped the temporary lockout.
var ErrAccountLocked = errors.New("account locked")

// AuditResult is the outcome recorded for every wrapped mutating call.
type AuditResult string

const (
	AuditSuccess AuditResult = "Success"
	AuditFailure AuditResult = "Failure"
	AuditDenied  AuditResult = "Denied"
)

// AuditEntry is one immutable, append-only audit log row.
type AuditEntry struct {
	LogID    string         `json:"log_id"`
	Operator string         `json:"operator"`
	Action   string         `json:"action"`
	Resource string         `json:"resource"`
	Before   map[string]any `json:"before,omitempty"`
	After    map[string]any `json:"after,omitempty"`
	Result   AuditResult    `json:"result"`
	IP       string         `json:"ip,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

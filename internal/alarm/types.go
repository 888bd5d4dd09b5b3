// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package alarm implements threshold evaluation, the per-alarm state machine,
// escalation, and silence handling on the real-time context.
package alarm

import (
	"encoding/json"
	"time"

	"zmed.io/zmonitor/internal/bus"
	"zmed.io/zmonitor/internal/vitals"
)

// Kind enumerates the closed set of alarm conditions.
type Kind string

const (
	KindHRHigh    Kind = "HR_HIGH"
	KindHRLow     Kind = "HR_LOW"
	KindSpO2Low   Kind = "SPO2_LOW"
	KindRRHigh    Kind = "RR_HIGH"
	KindRRLow     Kind = "RR_LOW"
	KindPerfLow   Kind = "PERF_LOW"
	KindTechnical Kind = "TECHNICAL"
)

// Direction of a threshold breach.
type Direction string

const (
	DirectionHigh Direction = "high"
	DirectionLow  Direction = "low"
)

// kindFor maps a metric and breach direction to the alarm kind.
func kindFor(metric vitals.MetricKind, dir Direction) Kind {
	switch metric {
	case vitals.MetricHeartRate:
		if dir == DirectionHigh {
			return KindHRHigh
		}
		return KindHRLow
	case vitals.MetricSpO2:
		return KindSpO2Low
	case vitals.MetricRespirationRate:
		if dir == DirectionHigh {
			return KindRRHigh
		}
		return KindRRLow
	case vitals.MetricPerfusionIndex:
		return KindPerfLow
	default:
		return KindTechnical
	}
}

// Priority classifies an alarm. Ordering: High > Medium > Low.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// ParsePriority maps a profile/settings string to a Priority; unknown values
// default to low, the least disruptive classification.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// AudioPattern returns the audio service pattern for the priority.
func (p Priority) AudioPattern() string {
	switch p {
	case PriorityHigh:
		return "burst-10" // rapid 10-pulse burst
	case PriorityMedium:
		return "pulse-3" // 3 pulses at 1 s interval
	default:
		return "pulse-1" // single pulse
	}
}

// Status is the lifecycle state of an alarm.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusSilenced     Status = "silenced"
	StatusResolved     Status = "resolved"
)

// Terminal reports whether the status ends the alarm lifecycle.
func (s Status) Terminal() bool { return s == StatusResolved }

// Alarm is the mutable per-alarm state owned by the engine.
type Alarm struct {
	ID             string
	PatientMRN     string
	Kind           Kind
	Priority       Priority
	Status         Status
	StartedAt      time.Time
	TriggerValue   float64
	ThresholdValue float64
	Metric         vitals.MetricKind
	Direction      Direction

	AckUser string
	AckAt   time.Time

	SilenceExpiry time.Time
	// statusBeforeSilence is restored when a silence expires.
	statusBeforeSilence Status

	EscalationLevel int
	// nextEscalation is when the escalation timer fires next.
	nextEscalation time.Time

	// Snapshot is the delta-compressed waveform window captured at onset.
	Snapshot []byte
}

// Transition labels the state-machine edge an Event reports.
type Transition string

const (
	TransitionOpened       Transition = "opened"
	TransitionAcknowledged Transition = "acknowledged"
	TransitionSilenced     Transition = "silenced"
	TransitionUnsilenced   Transition = "unsilenced"
	TransitionEscalated    Transition = "escalated"
	TransitionResolved     Transition = "resolved"
)

// Event is emitted on every state transition to the UI fan-out, the
// telemetry batcher, and the action journal.
type Event struct {
	AlarmID         string     `json:"alarm_id"`
	PatientMRN      string     `json:"patient_mrn,omitempty"`
	Kind            Kind       `json:"kind"`
	Priority        Priority   `json:"-"`
	PriorityLabel   string     `json:"priority"`
	Status          Status     `json:"status"`
	Transition      Transition `json:"transition"`
	TimestampMs     int64      `json:"timestamp_ms"`
	TriggerValue    float64    `json:"triggering_value"`
	ThresholdValue  float64    `json:"threshold_value"`
	EscalationLevel int        `json:"escalation_level"`
	User            string     `json:"user,omitempty"`
	SilenceExpiryMs int64      `json:"silence_expiry_ms,omitempty"`
	Context         json.RawMessage `json:"context,omitempty"`

	// Persistence-only fields, not part of the wire payload. Sinks run
	// under the engine lock and must not call back into it.
	StartMs  int64  `json:"-"`
	AckAtMs  int64  `json:"-"`
	Snapshot []byte `json:"-"`
}

// EventName implements bus.Event.
func (Event) EventName() string { return bus.SignalAlarm }

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package vitals defines the physiological record types and the in-memory
// caches on the real-time path.
package vitals

import "time"

// MetricKind identifies a physiological parameter.
type MetricKind string

const (
	MetricHeartRate       MetricKind = "heart_rate"
	MetricSpO2            MetricKind = "spo2"
	MetricRespirationRate MetricKind = "respiration_rate"
	MetricPerfusionIndex  MetricKind = "perfusion_index"
	MetricTemperature     MetricKind = "temperature"
)

// Quality tags the signal quality of a reading. Invalid readings must never
// trigger clinical alarms but may still be displayed with an indicator.
type Quality string

const (
	QualityGood    Quality = "good"
	QualityFair    Quality = "fair"
	QualityPoor    Quality = "poor"
	QualityInvalid Quality = "invalid"
)

// Alarmable reports whether a reading of this quality may drive alarm
// evaluation.
func (q Quality) Alarmable() bool {
	return q != QualityInvalid
}

// Record is a single immutable vital-sign reading. Both the monotonic and
// the wall-clock acquisition instants are recorded; the wall clock is the
// canonical store/wire timestamp, the monotonic reading orders records from
// the same sensor across wall-clock steps.
type Record struct {
	WallMillis  int64      `json:"timestamp_ms"`
	MonotonicNs int64      `json:"monotonic_ns"`
	PatientMRN  string     `json:"patient_mrn,omitempty"`
	Metric      MetricKind `json:"metric_kind"`
	Value       float64    `json:"value"`
	Unit        string     `json:"unit"`
	Quality     Quality    `json:"quality"`
	Origin      string     `json:"sensor_origin"`
	DeviceID    string     `json:"device_id"`
}

// Wall returns the wall-clock acquisition time.
func (r Record) Wall() time.Time {
	return time.UnixMilli(r.WallMillis)
}

// Sample is one high-rate waveform point. Samples live only in the waveform
// ring; they are never persisted except as a bounded snapshot attached to an
// alarm.
type Sample struct {
	TimestampNs int64   `json:"timestamp_ns"`
	Channel     string  `json:"channel"`
	Value       float64 `json:"value"`
	RateHz      int     `json:"rate_hz"`
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package bus

import "zmed.io/zmonitor/internal/vitals"

// Signal names carried on the bus. The websocket bridge exposes the same
// names to the display process.
const (
	SignalVitalsUpdated      = "VitalsUpdated"
	SignalWaveformWindow     = "WaveformWindow"
	SignalAlarm              = "AlarmEvent"
	SignalTelemetryAcked     = "TelemetryAcknowledged"
	SignalTelemetryDropped   = "TelemetryOverflowDropped"
	SignalSensorFault        = "SensorFault"
	SignalCertificateExpiry  = "CertificateExpiryWarning"
	SignalStatusChanged      = "StatusChanged"
	SignalUnpersistedEvicted = "UnpersistedEvicted"
	SignalAudioPattern       = "AudioPattern"
	SignalNotifyEscalation   = "EscalationNotice"
	SignalWatchdogStall      = "WatchdogStall"
)

// VitalsUpdated announces a decoded vital record to the display.
type VitalsUpdated struct {
	Record vitals.Record `json:"record"`
}

func (VitalsUpdated) EventName() string { return SignalVitalsUpdated }

// WaveformWindow carries a recent waveform window to the display.
type WaveformWindow struct {
	Samples []vitals.Sample `json:"samples"`
}

func (WaveformWindow) EventName() string { return SignalWaveformWindow }

// SensorFaultKind enumerates ingress fault classes.
type SensorFaultKind string

const (
	SensorFaultCRC       SensorFaultKind = "crc"
	SensorFaultSkipped   SensorFaultKind = "skipped"
	SensorFaultStall     SensorFaultKind = "stall"
	SensorFaultRecovered SensorFaultKind = "recovered"
)

// SensorFault reports an ingress-side fault for operator display.
type SensorFault struct {
	Kind   SensorFaultKind `json:"kind"`
	Detail string          `json:"detail,omitempty"`
	AgeMs  int64           `json:"age_ms,omitempty"`
	Count  uint64          `json:"count,omitempty"`
}

func (SensorFault) EventName() string { return SignalSensorFault }

// TelemetryAcknowledged reports a server-confirmed batch.
type TelemetryAcknowledged struct {
	BatchID string `json:"batch_id"`
}

func (TelemetryAcknowledged) EventName() string { return SignalTelemetryAcked }

// TelemetryOverflowDropped reports a batch shed by the transport queue
// overflow policy.
type TelemetryOverflowDropped struct {
	BatchID string `json:"batch_id"`
}

func (TelemetryOverflowDropped) EventName() string { return SignalTelemetryDropped }

// CertificateExpiryWarning reports days remaining on the device certificate.
type CertificateExpiryWarning struct {
	Days     int    `json:"days"`
	Serial   string `json:"serial"`
	Critical bool   `json:"critical"`
}

func (CertificateExpiryWarning) EventName() string { return SignalCertificateExpiry }

// StatusChanged carries the worst-condition indicator for the display.
type StatusChanged struct {
	Status string `json:"status"`
}

func (StatusChanged) EventName() string { return SignalStatusChanged }

// UnpersistedEvicted is the telemetry-loss indicator raised when the vitals
// cache sheds a record that never reached the store.
type UnpersistedEvicted struct {
	Record vitals.Record `json:"record"`
}

func (UnpersistedEvicted) EventName() string { return SignalUnpersistedEvicted }

// AudioPattern instructs the external audio service.
type AudioPattern struct {
	Pattern string `json:"pattern"` // burst-10 | pulse-3 | pulse-1 | off
	AlarmID string `json:"alarm_id"`
}

func (AudioPattern) EventName() string { return SignalAudioPattern }

// WatchdogStall warns that an execution context missed its heartbeat
// threshold.
type WatchdogStall struct {
	Context string `json:"context"`
	AgeMs   int64  `json:"age_ms"`
}

func (WatchdogStall) EventName() string { return SignalWatchdogStall }

// EscalationNotice requests external dispatch for an unacknowledged alarm.
type EscalationNotice struct {
	AlarmID   string `json:"alarm_id"`
	Level     int    `json:"level"`
	OutOfBand bool   `json:"out_of_band"`
	Message   string `json:"message"`
}

func (EscalationNotice) EventName() string { return SignalNotifyEscalation }

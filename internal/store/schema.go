// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

// Generated table and column name constants. Query text in the statement
// registry is assembled from these; the registry verifier rejects statements
// that reference tables not listed here.

// Table names.
const (
	TablePatients         = "patients"
	TableVitals           = "vitals"
	TableAlarms           = "alarms"
	TableTelemetryMetrics = "telemetry_metrics"
	TableActionLog        = "action_log"
	TableSecurityAudit    = "security_audit_log"
	TableCertificates     = "certificates"
	TableSettings         = "settings"
	TableSchemaVersion    = "schema_version"
	TableCryptoMeta       = "crypto_meta"
)

// Tables lists every known table for registry verification and retention
// configuration.
var Tables = []string{
	TablePatients,
	TableVitals,
	TableAlarms,
	TableTelemetryMetrics,
	TableActionLog,
	TableSecurityAudit,
	TableCertificates,
	TableSettings,
	TableSchemaVersion,
	TableCryptoMeta,
}

// patients columns.
const (
	ColPatientMRN          = "mrn"
	ColPatientAdmittedMs   = "admitted_ms"
	ColPatientDischargedMs = "discharged_ms"
	ColPatientStatus       = "status"
)

// vitals columns.
const (
	ColVitalID          = "id"
	ColVitalTimestampMs = "timestamp_ms"
	ColVitalPatientMRN  = "patient_mrn"
	ColVitalMetricKind  = "metric_kind"
	ColVitalValue       = "value"
	ColVitalUnit        = "unit"
	ColVitalQuality     = "quality"
	ColVitalOrigin      = "origin"
	ColVitalDeviceID    = "device_id"
	ColVitalBatchID     = "batch_id"
	ColVitalPersisted   = "persisted"
)

// alarms columns.
const (
	ColAlarmID          = "id"
	ColAlarmPatientMRN  = "patient_mrn"
	ColAlarmKind        = "kind"
	ColAlarmPriority    = "priority"
	ColAlarmStatus      = "status"
	ColAlarmStartMs     = "start_ms"
	ColAlarmTrigger     = "trigger_value"
	ColAlarmThreshold   = "threshold_value"
	ColAlarmAckUser     = "ack_user"
	ColAlarmAckMs       = "ack_ms"
	ColAlarmSilenceMs   = "silence_expiry_ms"
	ColAlarmEscalation  = "escalation_level"
	ColAlarmContext     = "context_json"
	ColAlarmSnapshot    = "snapshot"
	ColAlarmTransition  = "transition"
	ColAlarmTimestampMs = "timestamp_ms"
)

// telemetry_metrics columns.
const (
	ColBatchID         = "batch_id"
	ColBatchDeviceID   = "device_id"
	ColBatchPatientMRN = "patient_mrn"
	ColBatchCreatedMs  = "created_ms"
	ColBatchSealedMs   = "sealed_ms"
	ColBatchOldestMs   = "oldest_ms"
	ColBatchNewestMs   = "newest_ms"
	ColBatchRecords    = "record_count"
	ColBatchAlarms     = "alarm_count"
	ColBatchNonce      = "nonce"
	ColBatchSignature  = "signature"
	ColBatchStatus     = "status"
	ColBatchRetryCount = "retry_count"
)

// action_log columns.
const (
	ColActionID          = "id"
	ColActionTimestampMs = "timestamp_ms"
	ColActionISOTime     = "iso_time"
	ColActionUserID      = "user_id"
	ColActionUserRole    = "user_role"
	ColActionKind        = "action_kind"
	ColActionTargetKind  = "target_kind"
	ColActionTargetID    = "target_id"
	ColActionDetails     = "details"
	ColActionResult      = "result"
	ColActionErrorCode   = "error_code"
	ColActionErrorMsg    = "error_message"
	ColActionDeviceID    = "device_id"
	ColActionSessionHash = "session_hash"
	ColActionPrevHash    = "previous_hash"
)

// security_audit_log columns.
const (
	ColAuditID          = "id"
	ColAuditTimestampMs = "timestamp_ms"
	ColAuditEventKind   = "event_kind"
	ColAuditSeverity    = "severity"
	ColAuditUserID      = "user_id"
	ColAuditSuccess     = "success"
	ColAuditDetail      = "detail"
	ColAuditPrevHash    = "previous_hash"
)

// certificates columns.
const (
	ColCertSerial      = "serial"
	ColCertSubject     = "subject"
	ColCertIssuer      = "issuer"
	ColCertNotBeforeMs = "not_before_ms"
	ColCertNotAfterMs  = "not_after_ms"
	ColCertStatus      = "status"
	ColCertFingerprint = "fingerprint"
)

// settings columns.
const (
	ColSettingKey       = "key"
	ColSettingValue     = "value"
	ColSettingType      = "type"
	ColSettingUpdatedMs = "updated_ms"
)

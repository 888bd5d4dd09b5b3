// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"fmt"
	"regexp"
	"strings"

	"zmed.io/zmonitor/internal/errors"
)

// StmtID identifies a registered statement. Consumers pass the id and bind
// values; the store owns preparation and caching.
type StmtID string

const (
	StmtInsertVital        StmtID = "vitals.insert"
	StmtCountVitals        StmtID = "vitals.count"
	StmtDeleteVitalsBefore StmtID = "vitals.delete_before"

	StmtUpsertAlarm        StmtID = "alarms.upsert"
	StmtSelectAlarm        StmtID = "alarms.select"
	StmtDeleteAlarmsBefore StmtID = "alarms.delete_before"

	StmtUpsertBatch         StmtID = "telemetry.upsert"
	StmtSetBatchStatus      StmtID = "telemetry.set_status"
	StmtSelectBatchStatus   StmtID = "telemetry.select_status"
	StmtDeleteBatchesBefore StmtID = "telemetry.delete_before"

	StmtInsertAction        StmtID = "action_log.insert"
	StmtSelectActionsAsc    StmtID = "action_log.select_asc"
	StmtSelectLastAction    StmtID = "action_log.select_last"
	StmtCountActions        StmtID = "action_log.count"
	StmtDeleteActionsBefore StmtID = "action_log.delete_before"

	StmtInsertSecurityEvent StmtID = "security_audit.insert"
	StmtSelectLastSecurity  StmtID = "security_audit.select_last"

	StmtUpsertPatient    StmtID = "patients.upsert"
	StmtDischargePatient StmtID = "patients.discharge"
	StmtSelectPatient    StmtID = "patients.select"

	StmtUpsertCertificate  StmtID = "certificates.upsert"
	StmtSelectCertificates StmtID = "certificates.select"

	StmtUpsertSetting  StmtID = "settings.upsert"
	StmtSelectSetting  StmtID = "settings.select"
	StmtSelectSettings StmtID = "settings.select_all"

	StmtSelectSalt StmtID = "crypto.select_salt"
	StmtInsertSalt StmtID = "crypto.insert_salt"
)

// stmtDef couples query text with its writability classification.
type stmtDef struct {
	sql      string
	readOnly bool
}

// registry maps every statement id to its canonical text. Table and column
// references come from the generated constants; verifyRegistry enforces it
// at load time.
var registry = map[StmtID]stmtDef{
	StmtInsertVital: {sql: fmt.Sprintf(
		`INSERT INTO %s (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		TableVitals, ColVitalTimestampMs, ColVitalPatientMRN, ColVitalMetricKind,
		ColVitalValue, ColVitalUnit, ColVitalQuality, ColVitalOrigin,
		ColVitalDeviceID, ColVitalBatchID, ColVitalPersisted)},
	StmtCountVitals: {readOnly: true, sql: fmt.Sprintf(
		`SELECT COUNT(*) FROM %s`, TableVitals)},
	StmtDeleteVitalsBefore: {sql: fmt.Sprintf(
		`DELETE FROM %s WHERE %s IN (SELECT %s FROM %s WHERE %s < ? LIMIT ?)`,
		TableVitals, ColVitalID, ColVitalID, TableVitals, ColVitalTimestampMs)},

	StmtUpsertAlarm: {sql: fmt.Sprintf(
		`INSERT INTO %s (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(%s) DO UPDATE SET
			%s = excluded.%s, %s = excluded.%s, %s = excluded.%s,
			%s = excluded.%s, %s = excluded.%s, %s = excluded.%s,
			%s = excluded.%s, %s = excluded.%s`,
		TableAlarms,
		ColAlarmID, ColAlarmPatientMRN, ColAlarmKind, ColAlarmPriority,
		ColAlarmStatus, ColAlarmTransition, ColAlarmTimestampMs, ColAlarmStartMs,
		ColAlarmTrigger, ColAlarmThreshold, ColAlarmAckUser, ColAlarmAckMs,
		ColAlarmSilenceMs, ColAlarmEscalation, ColAlarmContext, ColAlarmSnapshot,
		ColAlarmID,
		ColAlarmPriority, ColAlarmPriority, ColAlarmStatus, ColAlarmStatus,
		ColAlarmTransition, ColAlarmTransition, ColAlarmTimestampMs, ColAlarmTimestampMs,
		ColAlarmAckUser, ColAlarmAckUser, ColAlarmAckMs, ColAlarmAckMs,
		ColAlarmSilenceMs, ColAlarmSilenceMs, ColAlarmEscalation, ColAlarmEscalation)},
	StmtSelectAlarm: {readOnly: true, sql: fmt.Sprintf(
		`SELECT %s, %s, %s, %s, %s, %s, %s FROM %s WHERE %s = ?`,
		ColAlarmID, ColAlarmPatientMRN, ColAlarmKind, ColAlarmPriority,
		ColAlarmStatus, ColAlarmEscalation, ColAlarmSnapshot, TableAlarms, ColAlarmID)},
	StmtDeleteAlarmsBefore: {sql: fmt.Sprintf(
		`DELETE FROM %s WHERE %s IN (SELECT %s FROM %s WHERE %s < ? LIMIT ?)`,
		TableAlarms, ColAlarmID, ColAlarmID, TableAlarms, ColAlarmStartMs)},

	StmtUpsertBatch: {sql: fmt.Sprintf(
		`INSERT INTO %s (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(%s) DO UPDATE SET
			%s = excluded.%s, %s = excluded.%s`,
		TableTelemetryMetrics,
		ColBatchID, ColBatchDeviceID, ColBatchPatientMRN, ColBatchCreatedMs,
		ColBatchSealedMs, ColBatchOldestMs, ColBatchNewestMs, ColBatchRecords,
		ColBatchAlarms, ColBatchNonce, ColBatchSignature, ColBatchStatus,
		ColBatchRetryCount,
		ColBatchID,
		ColBatchStatus, ColBatchStatus, ColBatchRetryCount, ColBatchRetryCount)},
	StmtSetBatchStatus: {sql: fmt.Sprintf(
		`UPDATE %s SET %s = ?, %s = ? WHERE %s = ?`,
		TableTelemetryMetrics, ColBatchStatus, ColBatchRetryCount, ColBatchID)},
	StmtSelectBatchStatus: {readOnly: true, sql: fmt.Sprintf(
		`SELECT %s, %s FROM %s WHERE %s = ?`,
		ColBatchStatus, ColBatchRetryCount, TableTelemetryMetrics, ColBatchID)},
	StmtDeleteBatchesBefore: {sql: fmt.Sprintf(
		`DELETE FROM %s WHERE %s IN (SELECT %s FROM %s WHERE %s < ? LIMIT ?)`,
		TableTelemetryMetrics, ColBatchID, ColBatchID, TableTelemetryMetrics, ColBatchCreatedMs)},

	StmtInsertAction: {sql: fmt.Sprintf(
		`INSERT INTO %s (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		TableActionLog,
		ColActionTimestampMs, ColActionISOTime, ColActionUserID, ColActionUserRole,
		ColActionKind, ColActionTargetKind, ColActionTargetID, ColActionDetails,
		ColActionResult, ColActionErrorCode, ColActionErrorMsg, ColActionDeviceID,
		ColActionSessionHash, ColActionPrevHash)},
	StmtSelectActionsAsc: {readOnly: true, sql: fmt.Sprintf(
		`SELECT %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s
		 FROM %s ORDER BY %s ASC`,
		ColActionID, ColActionTimestampMs, ColActionISOTime, ColActionUserID,
		ColActionUserRole, ColActionKind, ColActionTargetKind, ColActionTargetID,
		ColActionDetails, ColActionResult, ColActionErrorCode, ColActionErrorMsg,
		ColActionDeviceID, ColActionSessionHash, ColActionPrevHash,
		TableActionLog, ColActionID)},
	StmtSelectLastAction: {readOnly: true, sql: fmt.Sprintf(
		`SELECT %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s
		 FROM %s ORDER BY %s DESC LIMIT 1`,
		ColActionID, ColActionTimestampMs, ColActionISOTime, ColActionUserID,
		ColActionUserRole, ColActionKind, ColActionTargetKind, ColActionTargetID,
		ColActionDetails, ColActionResult, ColActionErrorCode, ColActionErrorMsg,
		ColActionDeviceID, ColActionSessionHash, ColActionPrevHash,
		TableActionLog, ColActionID)},
	StmtCountActions: {readOnly: true, sql: fmt.Sprintf(
		`SELECT COUNT(*) FROM %s`, TableActionLog)},
	StmtDeleteActionsBefore: {sql: fmt.Sprintf(
		`DELETE FROM %s WHERE %s IN (SELECT %s FROM %s WHERE %s < ? LIMIT ?)`,
		TableActionLog, ColActionID, ColActionID, TableActionLog, ColActionTimestampMs)},

	StmtInsertSecurityEvent: {sql: fmt.Sprintf(
		`INSERT INTO %s (%s, %s, %s, %s, %s, %s, %s) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		TableSecurityAudit,
		ColAuditTimestampMs, ColAuditEventKind, ColAuditSeverity, ColAuditUserID,
		ColAuditSuccess, ColAuditDetail, ColAuditPrevHash)},
	StmtSelectLastSecurity: {readOnly: true, sql: fmt.Sprintf(
		`SELECT %s, %s, %s, %s, %s, %s, %s, %s FROM %s ORDER BY %s DESC LIMIT 1`,
		ColAuditID, ColAuditTimestampMs, ColAuditEventKind, ColAuditSeverity,
		ColAuditUserID, ColAuditSuccess, ColAuditDetail, ColAuditPrevHash,
		TableSecurityAudit, ColAuditID)},

	StmtUpsertPatient: {sql: fmt.Sprintf(
		`INSERT INTO %s (%s, %s, %s, %s) VALUES (?, ?, NULL, 'admitted')
		 ON CONFLICT(%s) DO UPDATE SET
			%s = excluded.%s, %s = NULL, %s = 'admitted'`,
		TablePatients, ColPatientMRN, ColPatientAdmittedMs, ColPatientDischargedMs,
		ColPatientStatus, ColPatientMRN,
		ColPatientAdmittedMs, ColPatientAdmittedMs, ColPatientDischargedMs,
		ColPatientStatus)},
	StmtDischargePatient: {sql: fmt.Sprintf(
		`UPDATE %s SET %s = ?, %s = 'discharged' WHERE %s = ?`,
		TablePatients, ColPatientDischargedMs, ColPatientStatus, ColPatientMRN)},
	StmtSelectPatient: {readOnly: true, sql: fmt.Sprintf(
		`SELECT %s, %s, %s, %s FROM %s WHERE %s = ?`,
		ColPatientMRN, ColPatientAdmittedMs, ColPatientDischargedMs,
		ColPatientStatus, TablePatients, ColPatientMRN)},

	StmtUpsertCertificate: {sql: fmt.Sprintf(
		`INSERT INTO %s (%s, %s, %s, %s, %s, %s, %s) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(%s) DO UPDATE SET %s = excluded.%s`,
		TableCertificates,
		ColCertSerial, ColCertSubject, ColCertIssuer, ColCertNotBeforeMs,
		ColCertNotAfterMs, ColCertStatus, ColCertFingerprint,
		ColCertSerial, ColCertStatus, ColCertStatus)},
	StmtSelectCertificates: {readOnly: true, sql: fmt.Sprintf(
		`SELECT %s, %s, %s, %s, %s, %s, %s FROM %s`,
		ColCertSerial, ColCertSubject, ColCertIssuer, ColCertNotBeforeMs,
		ColCertNotAfterMs, ColCertStatus, ColCertFingerprint, TableCertificates)},

	StmtUpsertSetting: {sql: fmt.Sprintf(
		`INSERT INTO %s (%s, %s, %s, %s) VALUES (?, ?, ?, ?)
		 ON CONFLICT(%s) DO UPDATE SET
			%s = excluded.%s, %s = excluded.%s, %s = excluded.%s`,
		TableSettings, ColSettingKey, ColSettingValue, ColSettingType,
		ColSettingUpdatedMs, ColSettingKey,
		ColSettingValue, ColSettingValue, ColSettingType, ColSettingType,
		ColSettingUpdatedMs, ColSettingUpdatedMs)},
	StmtSelectSetting: {readOnly: true, sql: fmt.Sprintf(
		`SELECT %s, %s FROM %s WHERE %s = ?`,
		ColSettingValue, ColSettingType, TableSettings, ColSettingKey)},
	StmtSelectSettings: {readOnly: true, sql: fmt.Sprintf(
		`SELECT %s, %s, %s FROM %s`,
		ColSettingKey, ColSettingValue, ColSettingType, TableSettings)},

	StmtSelectSalt: {readOnly: true, sql: fmt.Sprintf(
		`SELECT salt FROM %s WHERE id = 1`, TableCryptoMeta)},
	StmtInsertSalt: {sql: fmt.Sprintf(
		`INSERT INTO %s (id, salt) VALUES (1, ?)`, TableCryptoMeta)},
}

var tableTokenRe = regexp.MustCompile(`(?i)(?:FROM|INTO|UPDATE|JOIN)\s+([a-z_][a-z0-9_]*)`)

// verifyRegistry runs at store open: every table a statement touches must be
// one of the generated constants. This is the load-time guard against stray
// string literals in query text.
func verifyRegistry() error {
	known := make(map[string]struct{}, len(Tables))
	for _, t := range Tables {
		known[t] = struct{}{}
	}

	for id, def := range registry {
		if strings.TrimSpace(def.sql) == "" {
			return errors.Errorf(errors.KindInternal, "statement %s has empty text", id)
		}
		matches := tableTokenRe.FindAllStringSubmatch(def.sql, -1)
		found := 0
		for _, m := range matches {
			tok := strings.ToLower(m[1])
			// "DO UPDATE SET" trips the UPDATE pattern; SET is a keyword,
			// not a table.
			if tok == "set" || tok == "select" {
				continue
			}
			if _, ok := known[tok]; !ok {
				return errors.Errorf(errors.KindInternal,
					"statement %s references unknown table %q", id, m[1])
			}
			found++
		}
		if found == 0 {
			return errors.Errorf(errors.KindInternal, "statement %s references no table", id)
		}
	}
	return nil
}

// IsReadOnly reports the registered classification for a statement.
func IsReadOnly(id StmtID) bool {
	return registry[id].readOnly
}

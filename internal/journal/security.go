// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package journal

import (
	"database/sql"
	"encoding/json"

	"zmed.io/zmonitor/internal/clock"
	"zmed.io/zmonitor/internal/errors"
	"zmed.io/zmonitor/internal/store"
)

// SecurityEventKind enumerates the security_audit_log event set.
type SecurityEventKind string

const (
	SecurityAuthFailure        SecurityEventKind = "AUTH_FAILURE"
	SecurityCertInstall        SecurityEventKind = "CERT_INSTALL"
	SecurityCertRevoke         SecurityEventKind = "CERT_REVOKE"
	SecurityCertValidateFail   SecurityEventKind = "CERT_VALIDATE_FAIL"
	SecurityUnauthorizedAccess SecurityEventKind = "UNAUTHORIZED_ACCESS"
	SecurityChainBroken        SecurityEventKind = "AUDIT_CHAIN_BROKEN"
	SecurityIntegrityViolation SecurityEventKind = "INTEGRITY_VIOLATION"
)

// Severity of a security event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SecurityEvent is one security_audit_log row. It carries its own hash
// chain, separate from the action log.
type SecurityEvent struct {
	ID           int64             `json:"id"`
	TimestampMs  int64             `json:"timestamp_ms"`
	Kind         SecurityEventKind `json:"event_kind"`
	Severity     Severity          `json:"severity"`
	UserID       string            `json:"user_id,omitempty"`
	Success      bool              `json:"success"`
	Detail       string            `json:"detail,omitempty"`
	PreviousHash string            `json:"previous_hash"`
}

func canonicalSecurity(e SecurityEvent) []byte {
	data, err := json.Marshal(e)
	if err != nil {
		panic("journal: security canonical serialization failed: " + err.Error())
	}
	return data
}

func (j *Journal) loadSecurityTail() ([]byte, error) {
	var tail []byte
	err := j.st.QueryRows(store.StmtSelectLastSecurity, func(rows *sql.Rows) error {
		var e SecurityEvent
		var userID, detail sql.NullString
		var success int
		if err := rows.Scan(&e.ID, &e.TimestampMs, (*string)(&e.Kind),
			(*string)(&e.Severity), &userID, &success, &detail, &e.PreviousHash); err != nil {
			return err
		}
		e.UserID = userID.String
		e.Detail = detail.String
		e.Success = success != 0
		tail = canonicalSecurity(e)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInfrastructure, "loading security chain tail")
	}
	return tail, nil
}

// AppendSecurity writes one chained security event.
func (j *Journal) AppendSecurity(kind SecurityEventKind, sev Severity, userID string, success bool, detail string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	e := SecurityEvent{
		TimestampMs:  clock.NowMillis(),
		Kind:         kind,
		Severity:     sev,
		UserID:       userID,
		Success:      success,
		Detail:       detail,
		PreviousHash: chainHash(j.secLast),
	}

	successInt := 0
	if success {
		successInt = 1
	}
	id, err := j.st.ExecLastID(store.StmtInsertSecurityEvent,
		e.TimestampMs, string(e.Kind), string(e.Severity),
		nullable(e.UserID), successInt, nullable(e.Detail), e.PreviousHash)
	if err != nil {
		return errors.Wrap(err, errors.KindInfrastructure, "appending security event")
	}

	e.ID = id
	j.secLast = canonicalSecurity(e)
	return nil
}

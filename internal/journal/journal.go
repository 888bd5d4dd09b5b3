// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package journal is the append-only, hash-chained log of human actions and
// security events. Each entry's previous_hash is the SHA-256 of the
// canonical serialization of the preceding entry; no update or delete path
// exists outside retention purging, which itself leaves an entry.
package journal

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"zmed.io/zmonitor/internal/clock"
	"zmed.io/zmonitor/internal/errors"
	"zmed.io/zmonitor/internal/logging"
	"zmed.io/zmonitor/internal/store"
)

// ActionKind enumerates journaled human actions and system events.
type ActionKind string

const (
	ActionLogin               ActionKind = "LOGIN"
	ActionLogout              ActionKind = "LOGOUT"
	ActionAutoLogout          ActionKind = "AUTO_LOGOUT"
	ActionAdmitPatient        ActionKind = "ADMIT_PATIENT"
	ActionDischargePatient    ActionKind = "DISCHARGE_PATIENT"
	ActionThresholdChange     ActionKind = "THRESHOLD_CHANGE"
	ActionSilenceAlarm        ActionKind = "SILENCE_ALARM"
	ActionAcknowledgeAlarm    ActionKind = "ACKNOWLEDGE_ALARM"
	ActionClearNotifications  ActionKind = "CLEAR_NOTIFICATIONS"
	ActionExport              ActionKind = "EXPORT"
	ActionDiagnostics         ActionKind = "DIAGNOSTICS_ACCESS"
	ActionSystemStart         ActionKind = "SYSTEM_START"
	ActionSystemStop          ActionKind = "SYSTEM_STOP"
	ActionAlarmTransition     ActionKind = "ALARM_TRANSITION"
	ActionTelemetryOverflow   ActionKind = "TELEMETRY_OVERFLOW"
	ActionTelemetryDeadLetter ActionKind = "TELEMETRY_DEAD_LETTER"
	ActionRetentionPurge      ActionKind = "RETENTION_PURGE"
	ActionWatchdogStall       ActionKind = "WATCHDOG_STALL"
)

// Result of a journaled action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPartial Result = "partial"
)

// Entry is one journal row.
type Entry struct {
	ID           int64          `json:"id"`
	TimestampMs  int64          `json:"timestamp_ms"`
	ISOTime      string         `json:"iso_time"`
	UserID       string         `json:"user_id,omitempty"`
	UserRole     string         `json:"user_role,omitempty"`
	Action       ActionKind     `json:"action_kind"`
	TargetKind   string         `json:"target_kind,omitempty"`
	TargetID     string         `json:"target_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Result       Result         `json:"result"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	DeviceID     string         `json:"device_id"`
	SessionHash  string         `json:"session_hash,omitempty"`
	PreviousHash string         `json:"previous_hash"`
}

// Record is the caller-facing input; timestamps and chaining are filled by
// the journal.
type Record struct {
	UserID       string
	UserRole     string
	Action       ActionKind
	TargetKind   string
	TargetID     string
	Details      map[string]any
	Result       Result
	ErrorCode    string
	ErrorMessage string
	SessionHash  string
}

// Journal appends to the action_log chain through the store.
type Journal struct {
	mu sync.Mutex

	st       *store.Store
	logger   *logging.Logger
	deviceID string

	// last is the canonical serialization of the most recent entry; its
	// hash becomes the next entry's previous_hash.
	last []byte

	secLast []byte // security_audit_log chain tail
}

// New opens the journal, loading the current chain tails.
func New(st *store.Store, deviceID string, logger *logging.Logger) (*Journal, error) {
	if logger == nil {
		logger = logging.WithComponent("journal")
	}
	j := &Journal{st: st, logger: logger, deviceID: deviceID}

	tail, err := j.loadTail()
	if err != nil {
		return nil, err
	}
	j.last = tail

	secTail, err := j.loadSecurityTail()
	if err != nil {
		return nil, err
	}
	j.secLast = secTail

	return j, nil
}

func (j *Journal) loadTail() ([]byte, error) {
	var found *Entry
	err := j.st.QueryRows(store.StmtSelectLastAction, func(rows *sql.Rows) error {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		found = &e
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInfrastructure, "loading journal tail")
	}
	if found == nil {
		return nil, nil
	}
	return canonicalEntry(*found), nil
}

// Append writes one chained entry. Synchronous: when Append returns nil the
// entry is durable.
func (j *Journal) Append(r Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := clock.Now()
	e := Entry{
		TimestampMs:  now.UnixMilli(),
		ISOTime:      now.UTC().Format(time.RFC3339Nano),
		UserID:       r.UserID,
		UserRole:     r.UserRole,
		Action:       r.Action,
		TargetKind:   r.TargetKind,
		TargetID:     r.TargetID,
		Details:      r.Details,
		Result:       r.Result,
		ErrorCode:    r.ErrorCode,
		ErrorMessage: r.ErrorMessage,
		DeviceID:     j.deviceID,
		SessionHash:  r.SessionHash,
		PreviousHash: chainHash(j.last),
	}

	var details any
	var detailsJSON []byte
	if e.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(e.Details)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "marshalling journal details")
		}
		details = string(detailsJSON)
	}

	id, err := j.st.ExecLastID(store.StmtInsertAction,
		e.TimestampMs, e.ISOTime,
		nullable(e.UserID), nullable(e.UserRole),
		string(e.Action), nullable(e.TargetKind), nullable(e.TargetID),
		details, string(e.Result),
		nullable(e.ErrorCode), nullable(e.ErrorMessage),
		nullable(e.DeviceID), nullable(e.SessionHash),
		e.PreviousHash,
	)
	if err != nil {
		return errors.Wrap(err, errors.KindInfrastructure, "appending journal entry")
	}

	e.ID = id
	j.last = canonicalEntry(e)
	return nil
}

// VerifyResult reports the outcome of a chain scan.
type VerifyResult struct {
	Entries int64
	// BrokenAt names the entry where the chain breaks: the predecessor
	// whose canonical serialization no longer reproduces its successor's
	// previous_hash. Zero when intact.
	BrokenAt int64
}

// Verify walks the whole chain, recomputing every previous_hash. A break is
// reported, never repaired: the chain continues from the tampered entry's
// new state and the break is permanently visible.
func (j *Journal) Verify() (VerifyResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var res VerifyResult
	var prev []byte
	var prevID int64

	err := j.st.QueryRows(store.StmtSelectActionsAsc, func(rows *sql.Rows) error {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		res.Entries++
		if res.BrokenAt == 0 && e.PreviousHash != chainHash(prev) {
			if prevID != 0 {
				res.BrokenAt = prevID
			} else {
				res.BrokenAt = e.ID
			}
		}
		prev = canonicalEntry(e)
		prevID = e.ID
		return nil
	})
	if err != nil {
		return res, errors.Wrap(err, errors.KindInfrastructure, "scanning journal")
	}

	if res.BrokenAt != 0 {
		j.logger.Error("audit chain broken", "entry_id", res.BrokenAt)
		return res, errors.Wrapf(errors.ErrAuditChainBroken, errors.KindIntegrity,
			"chain break at entry %d", res.BrokenAt)
	}
	return res, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var userID, userRole, targetKind, targetID, details, errCode, errMsg, deviceID, sessionHash sql.NullString
	var action, result string

	err := rows.Scan(&e.ID, &e.TimestampMs, &e.ISOTime, &userID, &userRole,
		&action, &targetKind, &targetID, &details, &result,
		&errCode, &errMsg, &deviceID, &sessionHash, &e.PreviousHash)
	if err != nil {
		return Entry{}, err
	}

	e.Action = ActionKind(action)
	e.Result = Result(result)
	e.UserID = userID.String
	e.UserRole = userRole.String
	e.TargetKind = targetKind.String
	e.TargetID = targetID.String
	e.ErrorCode = errCode.String
	e.ErrorMessage = errMsg.String
	e.DeviceID = deviceID.String
	e.SessionHash = sessionHash.String
	if details.Valid && details.String != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(details.String), &m); err == nil {
			e.Details = m
		}
	}
	return e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

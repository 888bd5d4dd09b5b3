// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package admission handles the inbound collaborator interfaces: admission
// events from the admission service, authenticated-action notifications
// from the UI, and threshold changes. Every human-driven operation lands in
// the action journal with its outcome.
package admission

import (
	"time"

	"zmed.io/zmonitor/internal/alarm"
	"zmed.io/zmonitor/internal/clock"
	"zmed.io/zmonitor/internal/errors"
	"zmed.io/zmonitor/internal/journal"
	"zmed.io/zmonitor/internal/logging"
	"zmed.io/zmonitor/internal/store"
	"zmed.io/zmonitor/internal/telemetry"
	"zmed.io/zmonitor/internal/validation"
)

// Handler wires the inbound surfaces to the core.
type Handler struct {
	st       *store.Store
	jrnl     *journal.Journal
	batcher  *telemetry.Batcher
	engine   *alarm.Engine
	resolver *alarm.Resolver
	logger   *logging.Logger
}

// New creates the handler.
func New(st *store.Store, jrnl *journal.Journal, batcher *telemetry.Batcher, engine *alarm.Engine, resolver *alarm.Resolver, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.WithComponent("admission")
	}
	return &Handler{
		st:       st,
		jrnl:     jrnl,
		batcher:  batcher,
		engine:   engine,
		resolver: resolver,
		logger:   logger,
	}
}

// Admit associates the monitor with a patient. The open telemetry batch is
// sealed so no batch spans two associations.
func (h *Handler) Admit(mrn string) error {
	if err := validation.ValidateMRN(mrn); err != nil {
		return err
	}
	if err := h.st.Exec(store.StmtUpsertPatient, mrn, clock.NowMillis()); err != nil {
		return err
	}
	h.batcher.SetPatient(mrn)
	h.logger.Info("patient admitted", "mrn", mrn)

	return h.jrnl.Append(journal.Record{
		Action:     journal.ActionAdmitPatient,
		TargetKind: "patient",
		TargetID:   mrn,
		Result:     journal.ResultSuccess,
	})
}

// Discharge clears the association, resolves the patient's alarms, and
// drops their threshold overrides.
func (h *Handler) Discharge(mrn string) error {
	if err := validation.ValidateMRN(mrn); err != nil {
		return err
	}
	if err := h.st.Exec(store.StmtDischargePatient, clock.NowMillis(), mrn); err != nil {
		return err
	}
	h.batcher.SetPatient("")
	h.engine.ResolveAllForPatient(mrn)
	h.resolver.ClearPatient(mrn)
	h.logger.Info("patient discharged", "mrn", mrn)

	return h.jrnl.Append(journal.Record{
		Action:     journal.ActionDischargePatient,
		TargetKind: "patient",
		TargetID:   mrn,
		Result:     journal.ResultSuccess,
	})
}

// UserAction is an authenticated-action notification from the UI layer.
type UserAction struct {
	UserID     string
	Role       string
	ActionKind journal.ActionKind
	TargetKind string
	TargetID   string
	Timestamp  time.Time
}

// NotifyAction journals a UI-reported action verbatim.
func (h *Handler) NotifyAction(a UserAction) error {
	if err := validation.ValidateUserID(a.UserID); err != nil {
		return err
	}
	if err := validation.ValidateRole(a.Role); err != nil {
		return err
	}
	return h.jrnl.Append(journal.Record{
		UserID:     a.UserID,
		UserRole:   a.Role,
		Action:     a.ActionKind,
		TargetKind: a.TargetKind,
		TargetID:   a.TargetID,
		Result:     journal.ResultSuccess,
	})
}

// ChangeThreshold validates and installs a threshold, per patient when mrn
// is set, as the device default otherwise. Both the change and a rejection
// are journaled.
func (h *Handler) ChangeThreshold(mrn string, th alarm.Threshold, userID, role string) error {
	rec := journal.Record{
		UserID:     userID,
		UserRole:   role,
		Action:     journal.ActionThresholdChange,
		TargetKind: "threshold",
		TargetID:   string(th.Metric),
		Details: map[string]any{
			"mrn":  mrn,
			"low":  th.Low,
			"high": th.High,
		},
	}

	var err error
	if mrn == "" {
		if err = alarm.Validate(th); err == nil {
			h.resolver.SetDeviceDefault(th)
		}
	} else {
		err = h.resolver.SetPatientOverride(mrn, th)
	}

	if err != nil {
		rec.Result = journal.ResultFailure
		rec.ErrorCode = errors.GetKind(err).String()
		rec.ErrorMessage = err.Error()
		if jerr := h.jrnl.Append(rec); jerr != nil {
			h.logger.Error("journaling threshold rejection failed", "error", jerr)
		}
		return err
	}

	rec.Result = journal.ResultSuccess
	return h.jrnl.Append(rec)
}

// AcknowledgeAlarm performs the human acknowledge and journals the outcome.
func (h *Handler) AcknowledgeAlarm(alarmID, userID, role string) error {
	err := h.engine.Acknowledge(alarmID, userID)

	rec := journal.Record{
		UserID:     userID,
		UserRole:   role,
		Action:     journal.ActionAcknowledgeAlarm,
		TargetKind: "alarm",
		TargetID:   alarmID,
		Result:     journal.ResultSuccess,
	}
	if err != nil {
		rec.Result = journal.ResultFailure
		rec.ErrorCode = errors.GetKind(err).String()
		rec.ErrorMessage = err.Error()
	}
	if jerr := h.jrnl.Append(rec); jerr != nil {
		h.logger.Error("journaling acknowledge failed", "error", jerr)
	}
	return err
}

// SilenceAlarm performs the human silence and journals the outcome. A
// rejected over-limit silence lands as result=failure with the policy error
// code.
func (h *Handler) SilenceAlarm(alarmID string, duration time.Duration, userID, role string) error {
	err := h.engine.Silence(alarmID, duration, userID)

	rec := journal.Record{
		UserID:     userID,
		UserRole:   role,
		Action:     journal.ActionSilenceAlarm,
		TargetKind: "alarm",
		TargetID:   alarmID,
		Details:    map[string]any{"duration_s": duration.Seconds()},
		Result:     journal.ResultSuccess,
	}
	if err != nil {
		rec.Result = journal.ResultFailure
		rec.ErrorMessage = err.Error()
		if errors.Is(err, errors.ErrSilenceDurationExceeded) {
			rec.ErrorCode = "SilenceDurationExceeded"
		} else {
			rec.ErrorCode = errors.GetKind(err).String()
		}
	}
	if jerr := h.jrnl.Append(rec); jerr != nil {
		h.logger.Error("journaling silence failed", "error", jerr)
	}
	return err
}

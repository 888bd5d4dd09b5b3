// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package core

import (
	"encoding/base64"

	"zmed.io/zmonitor/internal/alarm"
	"zmed.io/zmonitor/internal/journal"
	"zmed.io/zmonitor/internal/metrics"
	"zmed.io/zmonitor/internal/store"
	"zmed.io/zmonitor/internal/telemetry"
)

// postDB hands durable work from the real-time context to the database
// side without blocking the caller. The buffer is generous; losing a
// bookkeeping write under sustained overload is logged, never silent.
func (c *Core) postDB(task func()) {
	select {
	case c.dbTasks <- task:
	default:
		c.logger.Error("database task queue full, dropping bookkeeping write")
	}
}

func (c *Core) runDBTasks() {
	defer close(c.dbDone)
	for task := range c.dbTasks {
		task()
	}
}

func encodeB64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// journalSink records every alarm transition in the action journal.
type journalSink struct{ core *Core }

func (s *journalSink) OnAlarmEvent(ev alarm.Event) {
	s.core.postDB(func() {
		rec := journal.Record{
			UserID:     ev.User,
			Action:     journal.ActionAlarmTransition,
			TargetKind: "alarm",
			TargetID:   ev.AlarmID,
			Details: map[string]any{
				"transition": string(ev.Transition),
				"kind":       string(ev.Kind),
				"priority":   ev.PriorityLabel,
				"status":     string(ev.Status),
			},
			Result: journal.ResultSuccess,
		}
		if err := s.core.jrnl.Append(rec); err != nil {
			s.core.logger.Error("journaling alarm transition failed", "error", err)
		}
	})
}

// alarmPersistSink upserts the alarm row on every transition, sealing the
// context blob and waveform snapshot when a sealer is configured. It works
// entirely from the event: sinks run under the engine lock and must not
// call back into it.
type alarmPersistSink struct{ core *Core }

func (s *alarmPersistSink) OnAlarmEvent(ev alarm.Event) {
	s.core.postDB(func() {
		contextBlob := []byte(ev.Context)
		snapshot := ev.Snapshot
		if sealer := s.core.st.Sealer(); sealer != nil {
			var err error
			if contextBlob, err = sealer.Seal(contextBlob); err != nil {
				s.core.logger.Error("sealing alarm context failed", "error", err)
				return
			}
			if snapshot, err = sealer.Seal(snapshot); err != nil {
				s.core.logger.Error("sealing alarm snapshot failed", "error", err)
				return
			}
		}

		var mrn any
		if ev.PatientMRN != "" {
			mrn = ev.PatientMRN
		}
		var ackUser any
		var ackMs any
		if ev.AckAtMs != 0 {
			ackUser = ev.User
			ackMs = ev.AckAtMs
		}
		var silenceMs any
		if ev.SilenceExpiryMs != 0 {
			silenceMs = ev.SilenceExpiryMs
		}

		err := s.core.st.Exec(store.StmtUpsertAlarm,
			ev.AlarmID, mrn, string(ev.Kind), ev.PriorityLabel,
			string(ev.Status), string(ev.Transition), ev.TimestampMs,
			ev.StartMs, ev.TriggerValue, ev.ThresholdValue,
			ackUser, ackMs, silenceMs, ev.EscalationLevel,
			nullableBytes(contextBlob), nullableBytes(snapshot),
		)
		if err != nil {
			s.core.logger.Error("persisting alarm failed", "alarm_id", ev.AlarmID, "error", err)
		}
	})
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// metricsSink keeps the Prometheus alarm instruments current.
type metricsSink struct{ m *metrics.Registry }

func (s *metricsSink) OnAlarmEvent(ev alarm.Event) {
	s.m.AlarmTransitions.WithLabelValues(string(ev.Transition)).Inc()
	if ev.Transition == alarm.TransitionOpened {
		s.m.AlarmsOpened.WithLabelValues(ev.PriorityLabel).Inc()
	}
}

// batchMeta records sealed and overflow-dropped batches durably and in the
// journal.
type batchMeta struct{ core *Core }

func (m *batchMeta) BatchSealed(b telemetry.Batch) {
	m.core.metrics.BatchesSealed.Inc()

	nonce := b.Nonce
	sig := b.Signature
	m.core.postDB(func() {
		var mrn any
		if b.PatientMRN != "" {
			mrn = b.PatientMRN
		}
		err := m.core.st.Exec(store.StmtUpsertBatch,
			b.ID, b.DeviceID, mrn, b.CreatedMs, b.SealedMs,
			b.OldestMs, b.NewestMs, len(b.Records), len(b.Alarms),
			encodeB64(nonce), encodeB64(sig),
			string(telemetry.StatusPending), b.RetryCount,
		)
		if err != nil {
			m.core.logger.Error("recording sealed batch failed", "batch_id", b.ID, "error", err)
		}
	})
}

func (m *batchMeta) BatchDropped(batchID string) {
	m.core.metrics.BatchesDropped.Inc()

	m.core.postDB(func() {
		if err := m.core.st.Exec(store.StmtSetBatchStatus,
			string(telemetry.StatusOverflowDropped), 0, batchID); err != nil {
			m.core.logger.Error("marking dropped batch failed", "batch_id", batchID, "error", err)
		}
		// One partial-result journal entry per shed batch.
		if err := m.core.jrnl.Append(journal.Record{
			Action:     journal.ActionTelemetryOverflow,
			TargetKind: "batch",
			TargetID:   batchID,
			Result:     journal.ResultPartial,
		}); err != nil {
			m.core.logger.Error("journaling batch overflow failed", "error", err)
		}
	})
}

// ackMeta reconciles transport outcomes into the batch table and the
// dead-letter journal.
type ackMeta struct{ core *Core }

func (m *ackMeta) BatchAcknowledged(batchID string) {
	m.core.metrics.BatchesAcked.Inc()
	m.core.postDB(func() {
		if err := m.core.st.Exec(store.StmtSetBatchStatus,
			string(telemetry.StatusAcknowledged), 0, batchID); err != nil {
			m.core.logger.Error("marking acknowledged batch failed", "batch_id", batchID, "error", err)
		}
	})
}

func (m *ackMeta) BatchFailed(batchID string, retries int) {
	m.core.metrics.BatchesFailed.Inc()
	m.core.postDB(func() {
		if err := m.core.st.Exec(store.StmtSetBatchStatus,
			string(telemetry.StatusFailed), retries, batchID); err != nil {
			m.core.logger.Error("marking failed batch failed", "batch_id", batchID, "error", err)
		}
		if err := m.core.jrnl.Append(journal.Record{
			Action:     journal.ActionTelemetryDeadLetter,
			TargetKind: "batch",
			TargetID:   batchID,
			Details:    map[string]any{"retries": retries},
			Result:     journal.ResultFailure,
		}); err != nil {
			m.core.logger.Error("journaling dead letter failed", "error", err)
		}
	})
}

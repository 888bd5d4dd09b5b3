// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package admission

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zmed.io/zmonitor/internal/alarm"
	"zmed.io/zmonitor/internal/bus"
	"zmed.io/zmonitor/internal/clock"
	"zmed.io/zmonitor/internal/errors"
	"zmed.io/zmonitor/internal/journal"
	"zmed.io/zmonitor/internal/keystore"
	"zmed.io/zmonitor/internal/logging"
	"zmed.io/zmonitor/internal/store"
	"zmed.io/zmonitor/internal/telemetry"
	"zmed.io/zmonitor/internal/vitals"
)

type fixture struct {
	h      *Handler
	st     *store.Store
	jrnl   *journal.Journal
	engine *alarm.Engine
	queue  *telemetry.Queue
	fake   *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fake := clock.NewFake(time.UnixMilli(1_000_000))
	t.Cleanup(clock.Set(fake))

	st, err := store.Open(filepath.Join(t.TempDir(), "a.db"), nil, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	jrnl, err := journal.New(st, "ZM-01", logging.NewNop())
	require.NoError(t, err)

	resolver := alarm.NewResolver()
	resolver.SetDeviceDefault(alarm.Threshold{
		Metric: vitals.MetricHeartRate, Low: 60, High: 100, Hysteresis: 2,
		OnsetDelay: 2 * time.Second, Enabled: true, Priority: alarm.PriorityLow,
	})
	engine := alarm.NewEngine(alarm.DefaultConfig(), resolver, bus.New(logging.NewNop()), logging.NewNop())

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	queue := telemetry.NewQueue(16)
	batcher := telemetry.NewBatcher("ZM-01", "", keystore.NewHandle(key), queue, nil, logging.NewNop())

	h := New(st, jrnl, batcher, engine, resolver, logging.NewNop())
	return &fixture{h: h, st: st, jrnl: jrnl, engine: engine, queue: queue, fake: fake}
}

func (f *fixture) openAlarm(t *testing.T) string {
	t.Helper()
	var id string
	sink := alarmIDSink{&id}
	f.engine.AddSink(sink)
	for i := 0; i <= 3; i++ {
		f.engine.Evaluate(vitals.Record{
			WallMillis: int64(1_000_000 + i*1000),
			PatientMRN: "M1",
			Metric:     vitals.MetricHeartRate,
			Value:      110,
			Quality:    vitals.QualityGood,
		})
	}
	require.NotEmpty(t, id, "alarm should have opened")
	return id
}

type alarmIDSink struct{ id *string }

func (s alarmIDSink) OnAlarmEvent(e alarm.Event) {
	if e.Transition == alarm.TransitionOpened {
		*s.id = e.AlarmID
	}
}

func lastEntries(t *testing.T, st *store.Store) []string {
	t.Helper()
	var kinds []string
	require.NoError(t, st.QueryRows(store.StmtSelectActionsAsc, func(rows *sql.Rows) error {
		var id, ts int64
		var iso, action, result, prev string
		var u, r, tk, ti, d, ec, em, dev, sh sql.NullString
		if err := rows.Scan(&id, &ts, &iso, &u, &r, &action, &tk, &ti, &d, &result, &ec, &em, &dev, &sh, &prev); err != nil {
			return err
		}
		kinds = append(kinds, action+":"+result)
		return nil
	}))
	return kinds
}

func TestAdmitDischargeLifecycle(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.h.Admit("M1"))

	var status string
	var mrn string
	var admitted int64
	var discharged sql.NullInt64
	require.NoError(t, f.st.QueryRow(store.StmtSelectPatient, func(r *sql.Row) error {
		return r.Scan(&mrn, &admitted, &discharged, &status)
	}, "M1"))
	require.Equal(t, "admitted", status)

	require.NoError(t, f.h.Discharge("M1"))
	require.NoError(t, f.st.QueryRow(store.StmtSelectPatient, func(r *sql.Row) error {
		return r.Scan(&mrn, &admitted, &discharged, &status)
	}, "M1"))
	require.Equal(t, "discharged", status)

	kinds := lastEntries(t, f.st)
	require.Contains(t, kinds, "ADMIT_PATIENT:success")
	require.Contains(t, kinds, "DISCHARGE_PATIENT:success")
}

func TestAdmitRejectsBadMRN(t *testing.T) {
	f := newFixture(t)
	require.Error(t, f.h.Admit("bad mrn;drop"))
}

// S1 journaling: acknowledge lands with action ACKNOWLEDGE_ALARM, the alarm
// id as target, result success.
func TestAcknowledgeJournaled(t *testing.T) {
	f := newFixture(t)
	id := f.openAlarm(t)

	require.NoError(t, f.h.AcknowledgeAlarm(id, "NURSE01", "nurse"))

	var found bool
	require.NoError(t, f.st.QueryRows(store.StmtSelectActionsAsc, func(rows *sql.Rows) error {
		var rid, ts int64
		var iso, action, result, prev string
		var u, r, tk, ti, d, ec, em, dev, sh sql.NullString
		if err := rows.Scan(&rid, &ts, &iso, &u, &r, &action, &tk, &ti, &d, &result, &ec, &em, &dev, &sh, &prev); err != nil {
			return err
		}
		if action == string(journal.ActionAcknowledgeAlarm) {
			found = true
			require.Equal(t, "success", result)
			require.Equal(t, id, ti.String)
			require.Equal(t, "NURSE01", u.String)
		}
		return nil
	}))
	require.True(t, found)
}

// S2 journaling: the rejected silence lands as result=failure with
// errorCode SilenceDurationExceeded, and the alarm state is unchanged.
func TestSilenceRejectionJournaled(t *testing.T) {
	f := newFixture(t)
	id := f.openAlarm(t)

	err := f.h.SilenceAlarm(id, 900*time.Second, "NURSE01", "nurse")
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.ErrSilenceDurationExceeded))

	a, ok := f.engine.Get(id)
	require.True(t, ok)
	require.Equal(t, alarm.StatusActive, a.Status)

	var found bool
	require.NoError(t, f.st.QueryRows(store.StmtSelectActionsAsc, func(rows *sql.Rows) error {
		var rid, ts int64
		var iso, action, result, prev string
		var u, r, tk, ti, d, ec, em, dev, sh sql.NullString
		if err := rows.Scan(&rid, &ts, &iso, &u, &r, &action, &tk, &ti, &d, &result, &ec, &em, &dev, &sh, &prev); err != nil {
			return err
		}
		if action == string(journal.ActionSilenceAlarm) {
			found = true
			require.Equal(t, "failure", result)
			require.Equal(t, "SilenceDurationExceeded", ec.String)
		}
		return nil
	}))
	require.True(t, found)
}

func TestThresholdChange(t *testing.T) {
	f := newFixture(t)

	// Per-patient override.
	require.NoError(t, f.h.ChangeThreshold("M1", alarm.Threshold{
		Metric: vitals.MetricHeartRate, Low: 55, High: 95, Hysteresis: 2, Enabled: true,
	}, "DR01", "physician"))

	th, _ := f.h.resolver.Resolve("M1", vitals.MetricHeartRate)
	require.Equal(t, 95.0, th.High)

	// Out-of-range change is rejected and journaled as failure.
	err := f.h.ChangeThreshold("M1", alarm.Threshold{
		Metric: vitals.MetricHeartRate, Low: 1, High: 500,
	}, "DR01", "physician")
	require.Error(t, err)

	kinds := lastEntries(t, f.st)
	require.Contains(t, kinds, "THRESHOLD_CHANGE:success")
	require.Contains(t, kinds, "THRESHOLD_CHANGE:failure")
}

func TestNotifyActionValidates(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.h.NotifyAction(UserAction{
		UserID: "NURSE01", Role: "nurse",
		ActionKind: journal.ActionLogin,
	}))
	require.Error(t, f.h.NotifyAction(UserAction{
		UserID: "bad user", Role: "nurse", ActionKind: journal.ActionLogin,
	}))
	require.Error(t, f.h.NotifyAction(UserAction{
		UserID: "NURSE01", Role: "intruder", ActionKind: journal.ActionLogin,
	}))
}

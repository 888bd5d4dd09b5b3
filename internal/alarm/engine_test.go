// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package alarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zmed.io/zmonitor/internal/bus"
	"zmed.io/zmonitor/internal/clock"
	"zmed.io/zmonitor/internal/errors"
	"zmed.io/zmonitor/internal/logging"
	"zmed.io/zmonitor/internal/vitals"
)

type captureSink struct {
	events []Event
}

func (c *captureSink) OnAlarmEvent(e Event) { c.events = append(c.events, e) }

func (c *captureSink) last() Event {
	return c.events[len(c.events)-1]
}

func (c *captureSink) byTransition(tr Transition) []Event {
	var out []Event
	for _, e := range c.events {
		if e.Transition == tr {
			out = append(out, e)
		}
	}
	return out
}

func hrThreshold() Threshold {
	return Threshold{
		Metric:     vitals.MetricHeartRate,
		Low:        60,
		High:       100,
		Hysteresis: 2,
		OnsetDelay: 2 * time.Second,
		Enabled:    true,
		Priority:   PriorityHigh,
	}
}

func newTestEngine(t *testing.T) (*Engine, *captureSink, *clock.Fake) {
	t.Helper()

	fake := clock.NewFake(time.UnixMilli(0))
	t.Cleanup(clock.Set(fake))

	r := NewResolver()
	r.SetDeviceDefault(hrThreshold())

	e := NewEngine(DefaultConfig(), r, bus.New(nil), nil)
	sink := &captureSink{}
	e.AddSink(sink)
	return e, sink, fake
}

func hr(mrn string, value float64, at time.Duration) vitals.Record {
	return vitals.Record{
		WallMillis: at.Milliseconds(),
		PatientMRN: mrn,
		Metric:     vitals.MetricHeartRate,
		Value:      value,
		Unit:       "bpm",
		Quality:    vitals.QualityGood,
		DeviceID:   "ZM-01",
	}
}

// S1: onset then acknowledge.
func TestOnsetAndAcknowledge(t *testing.T) {
	e, sink, fake := newTestEngine(t)

	seq := []struct {
		v  float64
		at time.Duration
	}{
		{90, 0}, {95, 1 * time.Second}, {103, 2 * time.Second},
		{104, 3 * time.Second}, {105, 4 * time.Second},
		{105, 5 * time.Second}, {105, 6 * time.Second},
	}
	for _, s := range seq {
		// Nothing may open before the onset delay has run out (first breach
		// at +2 s, delay 2 s).
		if s.at < 4*time.Second {
			require.Empty(t, sink.byTransition(TransitionOpened),
				"alarm opened before onset delay elapsed (t=%v)", s.at)
		}
		e.Evaluate(hr("M1", s.v, s.at))
	}

	opened := sink.byTransition(TransitionOpened)
	require.Len(t, opened, 1, "exactly one alarm must open")
	ev := opened[0]
	assert.Equal(t, KindHRHigh, ev.Kind)
	assert.Equal(t, "high", ev.PriorityLabel)
	assert.Equal(t, 105.0, ev.TriggerValue)
	assert.Equal(t, 100.0, ev.ThresholdValue)
	assert.Equal(t, "M1", ev.PatientMRN)
	assert.NotEmpty(t, ev.Context, "opened event carries the context blob")

	// Acknowledge at t=+7 s.
	fake.Advance(7 * time.Second)
	require.NoError(t, e.Acknowledge(ev.AlarmID, "NURSE01"))

	acked := sink.last()
	assert.Equal(t, TransitionAcknowledged, acked.Transition)
	assert.Equal(t, StatusAcknowledged, acked.Status)
	assert.Equal(t, "NURSE01", acked.User)

	a, ok := e.Get(ev.AlarmID)
	require.True(t, ok)
	assert.Equal(t, StatusAcknowledged, a.Status)
	assert.Equal(t, "NURSE01", a.AckUser)
}

// Boundary: value exactly high + hysteresis is not alarming; +epsilon is.
func TestHysteresisBoundary(t *testing.T) {
	e, sink, _ := newTestEngine(t)

	// 102 == high + hysteresis: never starts an onset.
	for at := time.Duration(0); at <= 10*time.Second; at += time.Second {
		e.Evaluate(hr("M1", 102, at))
	}
	assert.Empty(t, sink.byTransition(TransitionOpened), "tie must break toward not alarming")

	// 102.001 crosses: onset starts and eventually opens.
	for at := 11 * time.Second; at <= 15*time.Second; at += time.Second {
		e.Evaluate(hr("M1", 102.001, at))
	}
	assert.Len(t, sink.byTransition(TransitionOpened), 1)
}

func TestOffsetResolvesWithHysteresis(t *testing.T) {
	e, sink, _ := newTestEngine(t)

	for at := time.Duration(0); at <= 3*time.Second; at += time.Second {
		e.Evaluate(hr("M1", 110, at))
	}
	require.Len(t, sink.byTransition(TransitionOpened), 1)

	// 99 is inside the band but above high - hysteresis = 98: no resolve yet.
	e.Evaluate(hr("M1", 99, 4*time.Second))
	assert.Empty(t, sink.byTransition(TransitionResolved))

	// 98 == high - hysteresis: tie breaks toward not alarming, so resolve.
	e.Evaluate(hr("M1", 98, 5*time.Second))
	require.Len(t, sink.byTransition(TransitionResolved), 1)
	assert.Equal(t, StatusResolved, sink.last().Status)
}

func TestReentryCancelsOnset(t *testing.T) {
	e, sink, _ := newTestEngine(t)

	e.Evaluate(hr("M1", 110, 0))
	e.Evaluate(hr("M1", 95, 1*time.Second)) // back below high - hysteresis
	e.Evaluate(hr("M1", 110, 10*time.Second))
	e.Evaluate(hr("M1", 110, 11*time.Second))

	// The second excursion's onset started fresh at +10 s, so nothing has
	// opened by +11 s.
	assert.Empty(t, sink.byTransition(TransitionOpened))
}

func TestInvalidQualityNeverAlarms(t *testing.T) {
	e, sink, _ := newTestEngine(t)

	for at := time.Duration(0); at <= 10*time.Second; at += time.Second {
		r := hr("M1", 150, at)
		r.Quality = vitals.QualityInvalid
		e.Evaluate(r)
	}
	assert.Empty(t, sink.events)
}

// S2: silence beyond the policy cap is rejected, state unchanged.
func TestSilenceLimit(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(0))
	t.Cleanup(clock.Set(fake))

	r := NewResolver()
	th := hrThreshold()
	th.Priority = PriorityLow
	r.SetDeviceDefault(th)

	e := NewEngine(DefaultConfig(), r, bus.New(nil), nil)
	sink := &captureSink{}
	e.AddSink(sink)

	for at := time.Duration(0); at <= 3*time.Second; at += time.Second {
		e.Evaluate(hr("M1", 110, at))
	}
	opened := sink.byTransition(TransitionOpened)
	require.Len(t, opened, 1)
	id := opened[0].AlarmID

	err := e.Silence(id, 900*time.Second, "NURSE01")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSilenceDurationExceeded))
	assert.Equal(t, errors.KindPolicy, errors.GetKind(err))

	a, _ := e.Get(id)
	assert.Equal(t, StatusActive, a.Status, "rejected silence must not change state")

	// Exactly the cap is accepted.
	require.NoError(t, e.Silence(id, 600*time.Second, "NURSE01"))
	a, _ = e.Get(id)
	assert.Equal(t, StatusSilenced, a.Status)
}

func TestSilenceExpiryRestoresPreviousState(t *testing.T) {
	e, sink, fake := newTestEngine(t)

	for at := time.Duration(0); at <= 3*time.Second; at += time.Second {
		e.Evaluate(hr("M1", 110, at))
	}
	id := sink.byTransition(TransitionOpened)[0].AlarmID

	fake.Advance(4 * time.Second)
	require.NoError(t, e.Acknowledge(id, "NURSE01"))
	require.NoError(t, e.Silence(id, 60*time.Second, "NURSE01"))

	fake.Advance(61 * time.Second)
	e.Tick()

	a, _ := e.Get(id)
	assert.Equal(t, StatusAcknowledged, a.Status, "silence expiry re-enters the prior state")
	assert.Equal(t, TransitionUnsilenced, sink.last().Transition)
}

func TestEscalationRaisesLevelAndPriority(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(0))
	t.Cleanup(clock.Set(fake))

	r := NewResolver()
	th := hrThreshold()
	th.Priority = PriorityLow
	r.SetDeviceDefault(th)

	b := bus.New(nil)
	notices := b.Subscribe("test", 16, bus.SignalNotifyEscalation)

	e := NewEngine(DefaultConfig(), r, b, nil)
	sink := &captureSink{}
	e.AddSink(sink)

	for at := time.Duration(0); at <= 3*time.Second; at += time.Second {
		e.Evaluate(hr("M1", 110, at))
	}
	id := sink.byTransition(TransitionOpened)[0].AlarmID

	// The alarm opened at t=+3s on the record clock, so the first low
	// priority escalation is due at +303s.
	fake.Advance(310 * time.Second)
	e.Tick()
	a, _ := e.Get(id)
	assert.Equal(t, 1, a.EscalationLevel)
	assert.Equal(t, PriorityLow, a.Priority, "level 1 does not yet raise priority")

	fake.Advance(310 * time.Second)
	e.Tick()
	a, _ = e.Get(id)
	assert.Equal(t, 2, a.EscalationLevel)
	assert.Equal(t, PriorityMedium, a.Priority, "level 2 raises priority one step")

	// Level >= 2 produces an external dispatch notice.
	select {
	case ev := <-notices.C:
		n := ev.(bus.EscalationNotice)
		assert.Equal(t, id, n.AlarmID)
		assert.False(t, n.OutOfBand)
	default:
		t.Fatal("expected escalation notice at level 2")
	}

	// Level 3 requests the out-of-band channel.
	fake.Advance(130 * time.Second) // medium interval now
	e.Tick()
	select {
	case ev := <-notices.C:
		assert.True(t, ev.(bus.EscalationNotice).OutOfBand)
	default:
		t.Fatal("expected out-of-band escalation notice at level 3")
	}
}

// Property: priority is monotonically non-decreasing until Resolved.
func TestPriorityMonotone(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(0))
	t.Cleanup(clock.Set(fake))

	r := NewResolver()
	th := hrThreshold()
	th.Priority = PriorityLow
	r.SetDeviceDefault(th)

	e := NewEngine(DefaultConfig(), r, bus.New(nil), nil)
	sink := &captureSink{}
	e.AddSink(sink)

	for at := time.Duration(0); at <= 3*time.Second; at += time.Second {
		e.Evaluate(hr("M1", 110, at))
	}
	for i := 0; i < 10; i++ {
		fake.Advance(301 * time.Second)
		e.Tick()
	}
	e.Evaluate(hr("M1", 80, 4000*time.Second))

	var id string
	prev := PriorityLow
	for _, ev := range sink.events {
		if id == "" {
			id = ev.AlarmID
		}
		if ev.AlarmID != id {
			continue
		}
		require.GreaterOrEqual(t, ev.Priority, prev,
			"priority decreased across %s", ev.Transition)
		prev = ev.Priority
	}
	a, _ := e.Get(id)
	assert.Equal(t, StatusResolved, a.Status)
}

// Property: the engine's output depends only on the record, the threshold,
// hysteresis, onset delay, and the prior (patient, metric, direction) state.
// Two engines fed identical inputs produce identical transition sequences.
func TestEngineDeterminism(t *testing.T) {
	run := func() []Event {
		fake := clock.NewFake(time.UnixMilli(0))
		restore := clock.Set(fake)
		defer restore()

		r := NewResolver()
		r.SetDeviceDefault(hrThreshold())
		e := NewEngine(DefaultConfig(), r, nil, logging.NewNop())
		sink := &captureSink{}
		e.AddSink(sink)

		values := []float64{90, 103, 104, 105, 99, 97, 110, 111, 112, 95, 90}
		for i, v := range values {
			e.Evaluate(hr("M1", v, time.Duration(i)*time.Second))
		}
		return sink.events
	}

	a, b := run(), run()
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Transition, b[i].Transition)
		assert.Equal(t, a[i].Kind, b[i].Kind)
		assert.Equal(t, a[i].TriggerValue, b[i].TriggerValue)
		assert.Equal(t, a[i].Status, b[i].Status)
	}
}

func TestDischargeResolvesAll(t *testing.T) {
	e, sink, _ := newTestEngine(t)

	for at := time.Duration(0); at <= 3*time.Second; at += time.Second {
		e.Evaluate(hr("M1", 110, at))
	}
	require.Len(t, sink.byTransition(TransitionOpened), 1)

	e.ResolveAllForPatient("M1")
	assert.Len(t, sink.byTransition(TransitionResolved), 1)
}

func TestTechnicalAlarmLifecycle(t *testing.T) {
	e, sink, _ := newTestEngine(t)

	id := e.RaiseTechnical("sensor stalled", PriorityMedium)
	require.Len(t, sink.byTransition(TransitionOpened), 1)
	assert.Equal(t, KindTechnical, sink.last().Kind)
	assert.Empty(t, sink.last().PatientMRN)

	e.ResolveTechnical(id)
	assert.Equal(t, TransitionResolved, sink.last().Transition)
}

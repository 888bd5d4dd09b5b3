// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package alarm

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"zmed.io/zmonitor/internal/bus"
	"zmed.io/zmonitor/internal/clock"
	"zmed.io/zmonitor/internal/errors"
	"zmed.io/zmonitor/internal/logging"
	"zmed.io/zmonitor/internal/vitals"
)

// Escalation intervals per priority (defaults; configurable).
const (
	DefaultEscalationHigh   = 60 * time.Second
	DefaultEscalationMedium = 120 * time.Second
	DefaultEscalationLow    = 300 * time.Second
)

// Audio-pause hard limits per priority. High-priority audio may be paused
// but never suppressed beyond 120 s while the condition persists.
const (
	MaxSilenceHigh   = 120 * time.Second
	MaxSilenceMedium = 600 * time.Second
	MaxSilenceLow    = 600 * time.Second
)

// Config tunes the engine.
type Config struct {
	EscalationHigh   time.Duration
	EscalationMedium time.Duration
	EscalationLow    time.Duration
	// EscalationRaisesPriority lets escalation recompute priority upward.
	EscalationRaisesPriority bool
	// ContextRecords is how many recent vitals are embedded in the alarm
	// context blob.
	ContextRecords int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		EscalationHigh:           DefaultEscalationHigh,
		EscalationMedium:         DefaultEscalationMedium,
		EscalationLow:            DefaultEscalationLow,
		EscalationRaisesPriority: true,
		ContextRecords:           10,
	}
}

func (c Config) escalationInterval(p Priority) time.Duration {
	switch p {
	case PriorityHigh:
		return c.EscalationHigh
	case PriorityMedium:
		return c.EscalationMedium
	default:
		return c.EscalationLow
	}
}

// MaxSilence returns the policy cap for the priority.
func MaxSilence(p Priority) time.Duration {
	switch p {
	case PriorityHigh:
		return MaxSilenceHigh
	case PriorityMedium:
		return MaxSilenceMedium
	default:
		return MaxSilenceLow
	}
}

// Sink receives every alarm state transition. Wired to the telemetry batcher
// and the action journal by the orchestrator.
type Sink interface {
	OnAlarmEvent(Event)
}

// onsetKey identifies a pending or active condition.
type onsetKey struct {
	patient   string
	metric    vitals.MetricKind
	direction Direction
}

// pendingOnset tracks a breach that has not yet run out its onset delay.
type pendingOnset struct {
	since     time.Time
	lastValue float64
	threshold Threshold
}

// Engine evaluates records against resolved thresholds and drives the alarm
// state machine. Evaluate and Tick run on the real-time context; Acknowledge
// and Silence arrive from the UI layer. The mutex sections are short and the
// human-driven calls rare, keeping real-time jitter inside the evaluation
// budget.
type Engine struct {
	mu sync.Mutex

	cfg      Config
	resolver *Resolver
	logger   *logging.Logger

	signals *bus.Bus
	sinks   []Sink

	// Optional context sources for alarm enrichment.
	cache    *vitals.Cache
	waveform *vitals.WaveformRing

	pending map[onsetKey]*pendingOnset
	active  map[onsetKey]*Alarm
	byID    map[string]*Alarm
}

// NewEngine creates the engine.
func NewEngine(cfg Config, resolver *Resolver, signals *bus.Bus, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.WithComponent("alarm")
	}
	if cfg.ContextRecords <= 0 {
		cfg.ContextRecords = DefaultConfig().ContextRecords
	}
	if cfg.EscalationHigh == 0 {
		cfg.EscalationHigh = DefaultEscalationHigh
	}
	if cfg.EscalationMedium == 0 {
		cfg.EscalationMedium = DefaultEscalationMedium
	}
	if cfg.EscalationLow == 0 {
		cfg.EscalationLow = DefaultEscalationLow
	}
	return &Engine{
		cfg:      cfg,
		resolver: resolver,
		logger:   logger,
		signals:  signals,
		pending:  make(map[onsetKey]*pendingOnset),
		active:   make(map[onsetKey]*Alarm),
		byID:     make(map[string]*Alarm),
	}
}

// AddSink registers a transition receiver. Not safe once evaluation has
// begun.
func (e *Engine) AddSink(s Sink) {
	e.sinks = append(e.sinks, s)
}

// AttachContext wires the caches used to enrich alarm events.
func (e *Engine) AttachContext(cache *vitals.Cache, waveform *vitals.WaveformRing) {
	e.cache = cache
	e.waveform = waveform
}

// Evaluate runs one record through threshold evaluation. Records with
// invalid quality never drive alarms.
func (e *Engine) Evaluate(rec vitals.Record) {
	if !rec.Quality.Alarmable() {
		return
	}
	th, ok := e.resolver.Resolve(rec.PatientMRN, rec.Metric)
	if !ok || !th.Enabled {
		return
	}

	now := rec.Wall()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.evaluateDirection(rec, th, DirectionHigh, now)
	e.evaluateDirection(rec, th, DirectionLow, now)
}

// evaluateDirection applies symmetric hysteresis for one breach direction.
// Onset requires crossing (limit + hysteresis); offset requires re-crossing
// (limit - hysteresis) on the opposite side. Ties break toward not alarming.
func (e *Engine) evaluateDirection(rec vitals.Record, th Threshold, dir Direction, now time.Time) {
	key := onsetKey{patient: rec.PatientMRN, metric: rec.Metric, direction: dir}

	var breaching, cleared bool
	var limit float64
	switch dir {
	case DirectionHigh:
		limit = th.High
		breaching = rec.Value > th.High+th.Hysteresis
		cleared = rec.Value <= th.High-th.Hysteresis
	case DirectionLow:
		limit = th.Low
		breaching = rec.Value < th.Low-th.Hysteresis
		cleared = rec.Value >= th.Low+th.Hysteresis
	}

	if a, ok := e.active[key]; ok {
		if cleared {
			e.resolveLocked(a, now)
		}
		// While the alarm persists the onset machinery is idle for this key.
		return
	}

	switch {
	case breaching:
		p, ok := e.pending[key]
		if !ok {
			e.pending[key] = &pendingOnset{since: now, lastValue: rec.Value, threshold: th}
			return
		}
		p.lastValue = rec.Value
		p.threshold = th
		if now.Sub(p.since) > th.OnsetDelay {
			delete(e.pending, key)
			e.openLocked(key, rec.Value, limit, th, now)
		}
	case cleared:
		delete(e.pending, key)
	}
}

// openLocked opens a new alarm. Caller holds the mutex.
func (e *Engine) openLocked(key onsetKey, value, limit float64, th Threshold, now time.Time) {
	a := &Alarm{
		ID:             uuid.NewString(),
		PatientMRN:     key.patient,
		Kind:           kindFor(key.metric, key.direction),
		Priority:       th.Priority,
		Status:         StatusActive,
		StartedAt:      now,
		TriggerValue:   value,
		ThresholdValue: limit,
		Metric:         key.metric,
		Direction:      key.direction,
		nextEscalation: now.Add(e.cfg.escalationInterval(th.Priority)),
	}
	if e.waveform != nil {
		a.Snapshot = vitals.EncodeSnapshot(e.waveform.Snapshot())
	}

	e.active[key] = a
	e.byID[a.ID] = a

	e.logger.Info("alarm opened",
		"alarm_id", a.ID,
		"kind", a.Kind,
		"priority", a.Priority.String(),
		"value", value,
		"limit", limit)

	e.emitLocked(a, TransitionOpened, "", now)
	e.audioLocked(a.Priority.AudioPattern(), a.ID)
}

// resolveLocked transitions any non-terminal alarm to Resolved. Terminal.
func (e *Engine) resolveLocked(a *Alarm, now time.Time) {
	if a.Status.Terminal() {
		return
	}
	a.Status = StatusResolved
	delete(e.active, onsetKey{patient: a.PatientMRN, metric: a.Metric, direction: a.Direction})

	e.logger.Info("alarm resolved", "alarm_id", a.ID, "kind", a.Kind)
	e.emitLocked(a, TransitionResolved, "", now)
	e.audioLocked("off", a.ID)
}

// Acknowledge moves an active alarm to Acknowledged: audio off, visual
// persists, escalation stops.
func (e *Engine) Acknowledge(alarmID, user string) error {
	now := clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.byID[alarmID]
	if !ok {
		return errors.Errorf(errors.KindNotFound, "no such alarm %s", alarmID)
	}
	if a.Status != StatusActive {
		return errors.Errorf(errors.KindPolicy, "alarm %s is %s, not active", alarmID, a.Status)
	}

	a.Status = StatusAcknowledged
	a.AckUser = user
	a.AckAt = now

	e.logger.Info("alarm acknowledged", "alarm_id", a.ID, "user", user)
	e.emitLocked(a, TransitionAcknowledged, user, now)
	e.audioLocked("off", a.ID)
	return nil
}

// Silence suppresses an alarm's audio for the given duration. The visual
// indication persists; on expiry the alarm re-enters its previous state.
// Durations above the per-priority policy cap are rejected.
func (e *Engine) Silence(alarmID string, duration time.Duration, user string) error {
	now := clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.byID[alarmID]
	if !ok {
		return errors.Errorf(errors.KindNotFound, "no such alarm %s", alarmID)
	}
	if a.Status != StatusActive && a.Status != StatusAcknowledged {
		return errors.Errorf(errors.KindPolicy, "alarm %s is %s, cannot silence", alarmID, a.Status)
	}
	if duration <= 0 {
		return errors.New(errors.KindValidation, "silence duration must be positive")
	}
	if duration > MaxSilence(a.Priority) {
		return errors.Wrapf(errors.ErrSilenceDurationExceeded, errors.KindPolicy,
			"%v exceeds %v cap for %s priority", duration, MaxSilence(a.Priority), a.Priority)
	}

	a.statusBeforeSilence = a.Status
	a.Status = StatusSilenced
	a.SilenceExpiry = now.Add(duration)

	e.logger.Info("alarm silenced",
		"alarm_id", a.ID, "user", user, "expiry", a.SilenceExpiry)
	e.emitLocked(a, TransitionSilenced, user, now)
	e.audioLocked("off", a.ID)
	return nil
}

// Tick advances time-driven behavior: onset completion during sensor
// stalls, silence expiry, and escalation. Runs on the real-time loop.
func (e *Engine) Tick() {
	now := clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Complete onsets whose delay ran out without a fresh record (stalled
	// sensor still alarms on the cached last known value).
	for key, p := range e.pending {
		if now.Sub(p.since) > p.threshold.OnsetDelay {
			limit := p.threshold.High
			if key.direction == DirectionLow {
				limit = p.threshold.Low
			}
			delete(e.pending, key)
			e.openLocked(key, p.lastValue, limit, p.threshold, now)
		}
	}

	for _, a := range e.byID {
		switch a.Status {
		case StatusSilenced:
			if !now.Before(a.SilenceExpiry) {
				prev := a.statusBeforeSilence
				if prev == "" {
					prev = StatusActive
				}
				a.Status = prev
				a.SilenceExpiry = time.Time{}
				e.emitLocked(a, TransitionUnsilenced, "", now)
				if a.Status == StatusActive {
					e.audioLocked(a.Priority.AudioPattern(), a.ID)
				}
			}
		case StatusActive:
			if !now.Before(a.nextEscalation) {
				e.escalateLocked(a, now)
			}
		}
	}
}

// escalateLocked fires one escalation step. Caller holds the mutex.
func (e *Engine) escalateLocked(a *Alarm, now time.Time) {
	a.EscalationLevel++

	if e.cfg.EscalationRaisesPriority && a.EscalationLevel >= 2 && a.Priority < PriorityHigh {
		a.Priority++ // monotone by construction: only ever raised
	}
	a.nextEscalation = now.Add(e.cfg.escalationInterval(a.Priority))

	e.logger.Warn("alarm escalated",
		"alarm_id", a.ID, "level", a.EscalationLevel, "priority", a.Priority.String())
	e.emitLocked(a, TransitionEscalated, "", now)
	e.audioLocked(a.Priority.AudioPattern(), a.ID)

	if a.EscalationLevel >= 2 && e.signals != nil {
		e.signals.Publish(bus.EscalationNotice{
			AlarmID:   a.ID,
			Level:     a.EscalationLevel,
			OutOfBand: a.EscalationLevel >= 3,
			Message: fmt.Sprintf("%s alarm unacknowledged (level %d, priority %s)",
				a.Kind, a.EscalationLevel, a.Priority),
		})
	}
}

// ResolveAllForPatient terminates every alarm tied to a discharged patient.
func (e *Engine) ResolveAllForPatient(mrn string) {
	now := clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	for key := range e.pending {
		if key.patient == mrn {
			delete(e.pending, key)
		}
	}
	for _, a := range e.byID {
		if a.PatientMRN == mrn && !a.Status.Terminal() {
			e.resolveLocked(a, now)
		}
	}
}

// RaiseTechnical opens a non-clinical alarm (sensor failure, integrity
// violation). Technical alarms carry no patient and resolve via
// ResolveTechnical.
func (e *Engine) RaiseTechnical(detail string, priority Priority) string {
	now := clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	a := &Alarm{
		ID:             uuid.NewString(),
		Kind:           KindTechnical,
		Priority:       priority,
		Status:         StatusActive,
		StartedAt:      now,
		nextEscalation: now.Add(e.cfg.escalationInterval(priority)),
	}
	e.byID[a.ID] = a

	e.logger.Warn("technical alarm raised", "alarm_id", a.ID, "detail", detail)
	e.emitLocked(a, TransitionOpened, "", now)
	e.audioLocked(priority.AudioPattern(), a.ID)
	return a.ID
}

// ResolveTechnical resolves a technical alarm by id.
func (e *Engine) ResolveTechnical(alarmID string) {
	now := clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if a, ok := e.byID[alarmID]; ok && a.Kind == KindTechnical {
		e.resolveLocked(a, now)
	}
}

// Get returns a copy of the alarm state.
func (e *Engine) Get(alarmID string) (Alarm, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.byID[alarmID]
	if !ok {
		return Alarm{}, false
	}
	return *a, true
}

// ActiveCount returns the number of non-terminal alarms by priority.
func (e *Engine) ActiveCount() map[Priority]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[Priority]int)
	for _, a := range e.byID {
		if !a.Status.Terminal() {
			out[a.Priority]++
		}
	}
	return out
}

// emitLocked builds the transition event and fans it out. Caller holds the
// mutex; sink callbacks must not call back into the engine.
func (e *Engine) emitLocked(a *Alarm, tr Transition, user string, now time.Time) {
	ev := Event{
		AlarmID:         a.ID,
		PatientMRN:      a.PatientMRN,
		Kind:            a.Kind,
		Priority:        a.Priority,
		PriorityLabel:   a.Priority.String(),
		Status:          a.Status,
		Transition:      tr,
		TimestampMs:     now.UnixMilli(),
		TriggerValue:    a.TriggerValue,
		ThresholdValue:  a.ThresholdValue,
		EscalationLevel: a.EscalationLevel,
		User:            user,
	}
	ev.StartMs = a.StartedAt.UnixMilli()
	if !a.SilenceExpiry.IsZero() {
		ev.SilenceExpiryMs = a.SilenceExpiry.UnixMilli()
	}
	if !a.AckAt.IsZero() {
		ev.AckAtMs = a.AckAt.UnixMilli()
	}
	if tr == TransitionOpened {
		ev.Context = e.contextBlobLocked(a)
		ev.Snapshot = a.Snapshot
	}

	if e.signals != nil {
		e.signals.Publish(ev)
	}
	for _, s := range e.sinks {
		s.OnAlarmEvent(ev)
	}
}

// contextBlobLocked captures recent vitals and the effective threshold.
func (e *Engine) contextBlobLocked(a *Alarm) json.RawMessage {
	blob := struct {
		Recent    []vitals.Record `json:"recent_vitals,omitempty"`
		Threshold *Threshold      `json:"threshold,omitempty"`
	}{}
	if e.cache != nil {
		blob.Recent = e.cache.Recent(e.cfg.ContextRecords)
	}
	if th, ok := e.resolver.Resolve(a.PatientMRN, a.Metric); ok {
		blob.Threshold = &th
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return nil
	}
	return data
}

// audioLocked publishes an audio service instruction.
func (e *Engine) audioLocked(pattern, alarmID string) {
	if e.signals == nil {
		return
	}
	e.signals.Publish(bus.AudioPattern{Pattern: pattern, AlarmID: alarmID})
}

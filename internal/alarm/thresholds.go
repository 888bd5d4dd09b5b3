// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package alarm

import (
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"zmed.io/zmonitor/internal/errors"
	"zmed.io/zmonitor/internal/vitals"
)

// DefaultOnsetDelay damps single-sample excursions before an alarm opens.
const DefaultOnsetDelay = 2 * time.Second

// Threshold defines when a metric value constitutes an alarm condition.
// OnsetDelayRaw and PriorityLabel are the on-disk forms; withDefaults
// resolves them (the alerting-cooldown idiom: durations as strings).
type Threshold struct {
	Metric        vitals.MetricKind `yaml:"metric" json:"metric"`
	Low           float64           `yaml:"low" json:"low"`
	High          float64           `yaml:"high" json:"high"`
	Hysteresis    float64           `yaml:"hysteresis" json:"hysteresis"`
	OnsetDelay    time.Duration     `yaml:"-" json:"onset_delay_ns"`
	OnsetDelayRaw string            `yaml:"onset_delay" json:"-"`
	Enabled       bool              `yaml:"enabled" json:"enabled"`
	Priority      Priority          `yaml:"-" json:"-"`
	PriorityLabel string            `yaml:"priority" json:"priority"`
}

func (t Threshold) withDefaults() Threshold {
	if t.OnsetDelay == 0 && t.OnsetDelayRaw != "" {
		if d, err := time.ParseDuration(t.OnsetDelayRaw); err == nil {
			t.OnsetDelay = d
		}
	}
	if t.OnsetDelay == 0 {
		t.OnsetDelay = DefaultOnsetDelay
	}
	if t.PriorityLabel != "" {
		t.Priority = ParsePriority(t.PriorityLabel)
	}
	return t
}

// physiological holds the hard-coded last-resort ranges. Values outside
// these bounds are physiologically implausible or immediately dangerous.
var physiological = map[vitals.MetricKind]Threshold{
	vitals.MetricHeartRate: {
		Metric: vitals.MetricHeartRate, Low: 30, High: 200, Hysteresis: 2,
		OnsetDelay: DefaultOnsetDelay, Enabled: true, Priority: PriorityHigh,
	},
	vitals.MetricSpO2: {
		Metric: vitals.MetricSpO2, Low: 80, High: 100, Hysteresis: 1,
		OnsetDelay: DefaultOnsetDelay, Enabled: true, Priority: PriorityHigh,
	},
	vitals.MetricRespirationRate: {
		Metric: vitals.MetricRespirationRate, Low: 5, High: 50, Hysteresis: 1,
		OnsetDelay: DefaultOnsetDelay, Enabled: true, Priority: PriorityMedium,
	},
	vitals.MetricPerfusionIndex: {
		Metric: vitals.MetricPerfusionIndex, Low: 0.2, High: 20, Hysteresis: 0.05,
		OnsetDelay: DefaultOnsetDelay, Enabled: true, Priority: PriorityLow,
	},
}

// PhysiologicalRange returns the hard-coded bounds for validation of
// operator-entered thresholds.
func PhysiologicalRange(metric vitals.MetricKind) (Threshold, bool) {
	t, ok := physiological[metric]
	return t, ok
}

// Resolver resolves the effective threshold for a (patient, metric) pair:
// patient-specific, then device default, then the physiological range.
type Resolver struct {
	mu       sync.RWMutex
	device   map[vitals.MetricKind]Threshold
	patients map[string]map[vitals.MetricKind]Threshold
}

// NewResolver creates an empty resolver (physiological fallbacks only).
func NewResolver() *Resolver {
	return &Resolver{
		device:   make(map[vitals.MetricKind]Threshold),
		patients: make(map[string]map[vitals.MetricKind]Threshold),
	}
}

// profileFile is the YAML shape of the device-default threshold profile.
type profileFile struct {
	Thresholds []Threshold `yaml:"thresholds"`
}

// LoadProfile reads device-default thresholds from the YAML profile.
func (r *Resolver) LoadProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, errors.KindInfrastructure, "reading threshold profile %s", path)
	}

	var pf profileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return errors.Wrap(err, errors.KindValidation, "parsing threshold profile")
	}

	for _, t := range pf.Thresholds {
		if err := Validate(t); err != nil {
			return err
		}
		r.SetDeviceDefault(t)
	}
	return nil
}

// Validate checks a threshold against the physiological range.
func Validate(t Threshold) error {
	phys, ok := physiological[t.Metric]
	if !ok {
		return errors.Errorf(errors.KindValidation, "unknown metric kind %q", t.Metric)
	}
	if t.Low >= t.High {
		return errors.Errorf(errors.KindPolicy, "%s: low %v must be below high %v", t.Metric, t.Low, t.High)
	}
	if t.Low < phys.Low || t.High > phys.High {
		return errors.Errorf(errors.KindPolicy,
			"%s: limits [%v, %v] outside physiological range [%v, %v]",
			t.Metric, t.Low, t.High, phys.Low, phys.High)
	}
	if t.Hysteresis < 0 {
		return errors.Errorf(errors.KindPolicy, "%s: negative hysteresis", t.Metric)
	}
	return nil
}

// SetDeviceDefault installs or replaces the device-wide default for a metric.
func (r *Resolver) SetDeviceDefault(t Threshold) {
	r.mu.Lock()
	r.device[t.Metric] = t.withDefaults()
	r.mu.Unlock()
}

// SetPatientOverride installs a per-patient threshold.
func (r *Resolver) SetPatientOverride(mrn string, t Threshold) error {
	if mrn == "" {
		return errors.New(errors.KindValidation, "patient override requires an MRN")
	}
	if err := Validate(t); err != nil {
		return err
	}

	r.mu.Lock()
	m, ok := r.patients[mrn]
	if !ok {
		m = make(map[vitals.MetricKind]Threshold)
		r.patients[mrn] = m
	}
	m[t.Metric] = t.withDefaults()
	r.mu.Unlock()
	return nil
}

// ClearPatient drops all overrides for a discharged patient.
func (r *Resolver) ClearPatient(mrn string) {
	r.mu.Lock()
	delete(r.patients, mrn)
	r.mu.Unlock()
}

// Resolve returns the effective threshold for the patient and metric.
// The boolean is false only for metrics with no physiological fallback.
func (r *Resolver) Resolve(mrn string, metric vitals.MetricKind) (Threshold, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if mrn != "" {
		if m, ok := r.patients[mrn]; ok {
			if t, ok := m[metric]; ok {
				return t, true
			}
		}
	}
	if t, ok := r.device[metric]; ok {
		return t, true
	}
	t, ok := physiological[metric]
	return t, ok
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package alarm

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"zmed.io/zmonitor/internal/errors"
	"zmed.io/zmonitor/internal/vitals"
)

func TestResolutionOrder(t *testing.T) {
	r := NewResolver()

	// Physiological fallback only.
	th, ok := r.Resolve("M1", vitals.MetricHeartRate)
	if !ok || th.High != 200 {
		t.Fatalf("physiological fallback: got %+v, ok=%v", th, ok)
	}

	// Device default shadows the fallback.
	r.SetDeviceDefault(Threshold{
		Metric: vitals.MetricHeartRate, Low: 50, High: 120, Hysteresis: 2,
		Enabled: true, Priority: PriorityMedium,
	})
	th, _ = r.Resolve("M1", vitals.MetricHeartRate)
	if th.High != 120 {
		t.Fatalf("device default not applied: %+v", th)
	}

	// Patient override shadows the device default for that patient only.
	if err := r.SetPatientOverride("M1", Threshold{
		Metric: vitals.MetricHeartRate, Low: 60, High: 100, Hysteresis: 2,
		Enabled: true, Priority: PriorityHigh,
	}); err != nil {
		t.Fatal(err)
	}
	th, _ = r.Resolve("M1", vitals.MetricHeartRate)
	if th.High != 100 {
		t.Fatalf("patient override not applied: %+v", th)
	}
	th, _ = r.Resolve("M2", vitals.MetricHeartRate)
	if th.High != 120 {
		t.Fatalf("override leaked to other patient: %+v", th)
	}

	r.ClearPatient("M1")
	th, _ = r.Resolve("M1", vitals.MetricHeartRate)
	if th.High != 120 {
		t.Fatalf("ClearPatient did not remove override: %+v", th)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	err := Validate(Threshold{
		Metric: vitals.MetricHeartRate, Low: 10, High: 100, Hysteresis: 2,
	})
	if err == nil {
		t.Fatal("low below physiological floor must be rejected")
	}
	if errors.GetKind(err) != errors.KindPolicy {
		t.Fatalf("kind = %v, want policy", errors.GetKind(err))
	}

	if err := Validate(Threshold{
		Metric: vitals.MetricHeartRate, Low: 100, High: 60, Hysteresis: 2,
	}); err == nil {
		t.Fatal("inverted limits must be rejected")
	}

	if err := Validate(Threshold{Metric: "bogus", Low: 1, High: 2}); err == nil {
		t.Fatal("unknown metric must be rejected")
	}
}

func TestOnsetDelayDefault(t *testing.T) {
	r := NewResolver()
	r.SetDeviceDefault(Threshold{
		Metric: vitals.MetricSpO2, Low: 90, High: 100, Hysteresis: 1, Enabled: true,
	})
	th, _ := r.Resolve("", vitals.MetricSpO2)
	if th.OnsetDelay != DefaultOnsetDelay {
		t.Fatalf("OnsetDelay = %v, want default %v", th.OnsetDelay, DefaultOnsetDelay)
	}
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thresholds.yaml")
	profile := `
thresholds:
  - metric: heart_rate
    low: 50
    high: 130
    hysteresis: 3
    onset_delay: 3s
    enabled: true
    priority: high
  - metric: spo2
    low: 88
    high: 100
    hysteresis: 1
    enabled: true
    priority: medium
`
	if err := os.WriteFile(path, []byte(profile), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewResolver()
	if err := r.LoadProfile(path); err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}

	th, _ := r.Resolve("", vitals.MetricHeartRate)
	if th.High != 130 || th.Hysteresis != 3 || th.OnsetDelay != 3*time.Second {
		t.Fatalf("profile values lost: %+v", th)
	}
	if th.Priority != PriorityHigh {
		t.Fatalf("priority = %v, want high", th.Priority)
	}

	th, _ = r.Resolve("", vitals.MetricSpO2)
	if th.Low != 88 || th.Priority != PriorityMedium {
		t.Fatalf("second entry lost: %+v", th)
	}
}

func TestLoadProfileRejectsBadThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thresholds.yaml")
	bad := `
thresholds:
  - metric: heart_rate
    low: 1
    high: 500
    enabled: true
`
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewResolver()
	if err := r.LoadProfile(path); err == nil {
		t.Fatal("out-of-range profile must fail validation")
	}
}

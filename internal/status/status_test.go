// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package status

import (
	"testing"

	"zmed.io/zmonitor/internal/bus"
	"zmed.io/zmonitor/internal/logging"
)

func TestWorstConditionWins(t *testing.T) {
	tr := New(nil, logging.NewNop())

	if tr.Current() != OK {
		t.Fatalf("initial status = %v, want OK", tr.Current())
	}

	tr.Set(DegradedNetwork, true)
	if tr.Current() != DegradedNetwork {
		t.Fatalf("status = %v", tr.Current())
	}

	tr.Set(DegradedSensor, true)
	if tr.Current() != DegradedSensor {
		t.Fatal("sensor degradation outranks network")
	}

	// Clearing the lesser condition leaves the worse one.
	tr.Set(DegradedNetwork, false)
	if tr.Current() != DegradedSensor {
		t.Fatal("clearing network must not clear sensor")
	}

	tr.Set(DegradedSensor, false)
	if tr.Current() != OK {
		t.Fatalf("status = %v, want OK after all cleared", tr.Current())
	}
}

func TestCriticalIntegrityOutranksAll(t *testing.T) {
	tr := New(nil, logging.NewNop())
	tr.Set(DegradedSensor, true)
	tr.Set(CriticalIntegrity, true)
	if tr.Current() != CriticalIntegrity {
		t.Fatal("integrity must outrank everything")
	}
}

func TestChangePublishesOnce(t *testing.T) {
	sig := bus.New(logging.NewNop())
	sub := sig.Subscribe("test", 8, bus.SignalStatusChanged)

	tr := New(sig, logging.NewNop())
	tr.Set(DegradedPersistence, true)
	tr.Set(DegradedPersistence, true) // no change, no event

	count := 0
	for {
		select {
		case <-sub.C:
			count++
			continue
		default:
		}
		break
	}
	if count != 1 {
		t.Fatalf("published %d events, want 1", count)
	}
}

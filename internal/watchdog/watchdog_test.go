// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package watchdog

import (
	"sync/atomic"
	"testing"
	"time"

	"zmed.io/zmonitor/internal/bus"
	"zmed.io/zmonitor/internal/clock"
	"zmed.io/zmonitor/internal/logging"
)

func TestSweepDetectsStall(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(1_000_000))
	t.Cleanup(clock.Set(fake))

	sig := bus.New(logging.NewNop())
	stalls := sig.Subscribe("test", 8, bus.SignalWatchdogStall)

	var hb atomic.Int64
	hb.Store(clock.NowMillis())

	w := New(nil, sig, logging.NewNop())
	w.Watch(Target{Name: "realtime", Heartbeat: &hb, Threshold: ThresholdRealtime})

	// Fresh heartbeat: no stall.
	w.sweep()
	select {
	case <-stalls.C:
		t.Fatal("stall reported for fresh heartbeat")
	default:
	}

	// Age past the threshold.
	fake.Advance(200 * time.Millisecond)
	w.sweep()
	select {
	case ev := <-stalls.C:
		s := ev.(bus.WatchdogStall)
		if s.Context != "realtime" || s.AgeMs < 100 {
			t.Fatalf("bad stall event: %+v", s)
		}
	default:
		t.Fatal("no stall reported")
	}

	// Continuous stall journals once: second sweep stays silent.
	fake.Advance(time.Second)
	w.sweep()
	select {
	case <-stalls.C:
		t.Fatal("duplicate stall event for continuous stall")
	default:
	}

	// Recovery resets the latch.
	hb.Store(clock.NowMillis())
	w.sweep()
	fake.Advance(time.Second)
	w.sweep()
	select {
	case <-stalls.C:
	default:
		t.Fatal("stall after recovery not reported")
	}
}

func TestRestartPolicy(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(1_000_000))
	t.Cleanup(clock.Set(fake))

	var restarted atomic.Int32
	var hb1, hb2 atomic.Int64
	hb1.Store(clock.NowMillis())
	hb2.Store(clock.NowMillis())

	w := New(nil, nil, logging.NewNop())
	w.Watch(Target{
		Name: "realtime", Heartbeat: &hb1, Threshold: ThresholdRealtime,
		Restart: func() { restarted.Add(1) }, AllowRestart: false,
	})
	w.Watch(Target{
		Name: "network", Heartbeat: &hb2, Threshold: ThresholdNetwork,
		Restart: func() { restarted.Add(1) }, AllowRestart: true,
	})

	fake.Advance(5 * time.Second)
	w.sweep()

	if restarted.Load() != 1 {
		t.Fatalf("restarts = %d, want 1 (policy gates the real-time context)", restarted.Load())
	}
}

func TestUnstartedContextIgnored(t *testing.T) {
	var hb atomic.Int64 // zero: never started

	w := New(nil, nil, logging.NewNop())
	w.Watch(Target{Name: "database", Heartbeat: &hb, Threshold: ThresholdDatabase})
	w.sweep()

	if w.stalled["database"] {
		t.Fatal("unstarted context must not count as stalled")
	}
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package watchdog observes the per-context heartbeats. Each long-lived
// context bumps an atomic wall-clock counter every loop iteration; the
// watchdog sweeps on the background context and reports staleness.
package watchdog

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/term"

	"zmed.io/zmonitor/internal/bus"
	"zmed.io/zmonitor/internal/clock"
	"zmed.io/zmonitor/internal/journal"
	"zmed.io/zmonitor/internal/logging"
)

// Sweep cadence and per-context staleness thresholds.
const (
	SweepInterval     = 10 * time.Second
	ThresholdRealtime = 100 * time.Millisecond
	ThresholdDatabase = 500 * time.Millisecond
	ThresholdNetwork  = 1 * time.Second
)

// Target is one observed context.
type Target struct {
	Name      string
	Heartbeat *atomic.Int64
	Threshold time.Duration
	// Restart is invoked on stall when AllowRestart is set. Default policy
	// keeps restarts off for the real-time context: a restart there would
	// mask hard faults.
	Restart      func()
	AllowRestart bool
}

// Watchdog sweeps registered targets.
type Watchdog struct {
	targets []Target
	jrnl    *journal.Journal
	signals *bus.Bus
	logger  *logging.Logger

	// stalled remembers which targets already fired so a continuous stall
	// journals once, not once per sweep.
	stalled map[string]bool
}

// ShouldSkipRestart reports whether the restart policy should be suppressed
// for this environment: explicit test mode, or an interactive terminal
// session where a developer is attached and restarts would fight the
// debugger.
func ShouldSkipRestart() bool {
	if os.Getenv("ZMONITOR_TEST_MODE") != "" {
		return true
	}
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// New creates the watchdog.
func New(jrnl *journal.Journal, signals *bus.Bus, logger *logging.Logger) *Watchdog {
	if logger == nil {
		logger = logging.WithComponent("watchdog")
	}
	return &Watchdog{
		jrnl:    jrnl,
		signals: signals,
		logger:  logger,
		stalled: make(map[string]bool),
	}
}

// Watch registers a context before Run starts.
func (w *Watchdog) Watch(t Target) {
	w.targets = append(w.targets, t)
}

// Run sweeps until ctx ends.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *Watchdog) sweep() {
	now := clock.NowMillis()

	for _, t := range w.targets {
		last := t.Heartbeat.Load()
		if last == 0 {
			// Context not started yet.
			continue
		}
		age := now - last

		if age <= t.Threshold.Milliseconds() {
			if w.stalled[t.Name] {
				w.logger.Info("context heartbeat recovered", "context", t.Name)
				w.stalled[t.Name] = false
			}
			continue
		}
		if w.stalled[t.Name] {
			continue
		}
		w.stalled[t.Name] = true

		w.logger.Error("context heartbeat stalled",
			"context", t.Name, "age_ms", age, "threshold_ms", t.Threshold.Milliseconds())

		if w.signals != nil {
			w.signals.Publish(bus.WatchdogStall{Context: t.Name, AgeMs: age})
		}
		if w.jrnl != nil {
			if err := w.jrnl.Append(journal.Record{
				Action:     journal.ActionWatchdogStall,
				TargetKind: "context",
				TargetID:   t.Name,
				Result:     journal.ResultFailure,
				Details:    map[string]any{"age_ms": age},
			}); err != nil {
				w.logger.Error("journaling watchdog stall failed", "error", err)
			}
		}

		if t.AllowRestart && t.Restart != nil && !ShouldSkipRestart() {
			w.logger.Warn("restarting stalled context", "context", t.Name)
			t.Restart()
		}
	}
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package status maintains the single worst-condition indicator the display
// shows. Conditions are set and cleared independently; the indicator is
// always the most severe active one.
package status

import (
	"sync"

	"zmed.io/zmonitor/internal/bus"
	"zmed.io/zmonitor/internal/logging"
)

// Condition severity, ascending.
type Condition int

const (
	OK Condition = iota
	DegradedNetwork
	DegradedPersistence
	DegradedSensor
	CriticalIntegrity
)

func (c Condition) String() string {
	switch c {
	case DegradedNetwork:
		return "DegradedNetwork"
	case DegradedPersistence:
		return "DegradedPersistence"
	case DegradedSensor:
		return "DegradedSensor"
	case CriticalIntegrity:
		return "CriticalIntegrity"
	default:
		return "OK"
	}
}

// Tracker aggregates conditions into the worst-active indicator.
type Tracker struct {
	mu      sync.Mutex
	active  map[Condition]bool
	current Condition

	signals *bus.Bus
	logger  *logging.Logger
}

// New creates a tracker reporting OK.
func New(signals *bus.Bus, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.WithComponent("status")
	}
	return &Tracker{
		active:  make(map[Condition]bool),
		signals: signals,
		logger:  logger,
	}
}

// Set marks a condition active or cleared and republishes on change.
func (t *Tracker) Set(c Condition, activeNow bool) {
	if c == OK {
		return
	}

	t.mu.Lock()
	t.active[c] = activeNow

	worst := OK
	for cond, on := range t.active {
		if on && cond > worst {
			worst = cond
		}
	}
	changed := worst != t.current
	t.current = worst
	t.mu.Unlock()

	if !changed {
		return
	}
	t.logger.Info("status changed", "status", worst.String())
	if t.signals != nil {
		t.signals.Publish(bus.StatusChanged{Status: worst.String()})
	}
}

// Current returns the worst active condition.
func (t *Tracker) Current() Condition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}
